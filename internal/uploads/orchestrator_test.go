package uploads_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadfinalizer/internal/blobstore"
	"uploadfinalizer/internal/imageproc"
	"uploadfinalizer/internal/kv"
	"uploadfinalizer/internal/ports"
	"uploadfinalizer/internal/uploads"
)

// fakeProcessor is a scriptable ports.ImageProcessor: each call pops
// the next queued response, so a test can drive multi-attempt
// scenarios (e.g. succeed on a later claim after a staging-missing
// retry) deterministically.
type fakeProcessor struct {
	outputs []ports.ProcessOutput
	errs    []error
	calls   int
}

func (f *fakeProcessor) Process(_ context.Context, in ports.ProcessInput) (ports.ProcessOutput, error) {
	if _, err := io.ReadAll(in.Data); err != nil {
		return ports.ProcessOutput{}, err
	}
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.outputs) {
		return f.outputs[i], err
	}
	return ports.ProcessOutput{}, err
}

func passthroughVariants(data []byte) ports.ProcessOutput {
	return ports.ProcessOutput{Variants: []ports.Variant{
		{Name: ports.OriginalVariant, Data: bytes.NewReader(data), ContentType: "image/jpeg", Hash: imageproc.ComputeContentHash(data)},
		{Name: "thumbnail", Data: bytes.NewReader(data), ContentType: "image/jpeg"},
	}}
}

type testRig struct {
	orchestrator *uploads.UploadOrchestrator
	jobs         *uploads.JobStore
	objects      *uploads.UploadObjectStore
	blob         *blobstore.MemoryStore
	clock        *ports.FakeClock
	processor    *fakeProcessor
}

func newRig(t *testing.T, processor *fakeProcessor) *testRig {
	t.Helper()
	metadataBackend := kv.NewMemoryStore[uploads.UploadRecord]()
	jobBackend := kv.NewMemoryStore[uploads.FinalizeJob]()
	jobIndexBackend := kv.NewMemoryStore[uploads.JobIndex]()

	metadata := uploads.NewUploadMetadataStore(metadataBackend, "test")
	jobs := uploads.NewJobStore(jobBackend, jobIndexBackend, "test")
	blob := blobstore.NewMemoryStore()
	objects := uploads.NewUploadObjectStore(blob, "bucket", "staging", "final")
	clock := ports.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	orchestrator := uploads.NewUploadOrchestrator(metadata, jobs, objects, processor, clock, 900)
	return &testRig{orchestrator: orchestrator, jobs: jobs, objects: objects, blob: blob, clock: clock, processor: processor}
}

func TestOrchestrator_CreateUpload_PresignsThenCreatesRecord(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg", ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.UploadID)
	assert.NotEmpty(t, created.Presigned.URL)

	record, found, err := rig.orchestrator.GetUpload(ctx, created.UploadID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uploads.StatusAwaitingUpload, record.Status)
	assert.Equal(t, "photo.jpg", record.Filename)
}

func TestOrchestrator_CompleteUpload_HappyPathEnqueuesJob(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg", ContentType: "image/jpeg"})
	require.NoError(t, err)

	result, err := rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)
	assert.Equal(t, uploads.CompleteQueued, result.Kind)

	record, _, err := rig.orchestrator.GetUpload(ctx, created.UploadID)
	require.NoError(t, err)
	assert.Equal(t, uploads.StatusQueued, record.Status)
}

func TestOrchestrator_CompleteUpload_IdempotentSecondCallIsAlreadyQueued(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg"})
	require.NoError(t, err)

	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	result, err := rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)
	assert.Equal(t, uploads.CompleteAlreadyQueued, result.Kind)
}

func TestOrchestrator_CompleteUpload_NotFound(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	result, err := rig.orchestrator.CompleteUpload(context.Background(), uploads.NewUploadID())
	require.NoError(t, err)
	assert.Equal(t, uploads.CompleteNotFound, result.Kind)
}

func TestOrchestrator_FinalizeUpload_HappyPath(t *testing.T) {
	data := []byte("pretend-jpeg-bytes")
	processor := &fakeProcessor{outputs: []ports.ProcessOutput{passthroughVariants(data)}}
	rig := newRig(t, processor)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg", ContentType: "image/jpeg"})
	require.NoError(t, err)

	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader(data), "image/jpeg"))

	completeRes, err := rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)
	require.Equal(t, uploads.CompleteQueued, completeRes.Kind)

	jobs, err := rig.jobs.ListDue(ctx, rig.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	result, err := rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeFinalized, result.Kind)

	record, _, err := rig.orchestrator.GetUpload(ctx, created.UploadID)
	require.NoError(t, err)
	assert.Equal(t, uploads.StatusFinalized, record.Status)
	assert.Equal(t, "final/"+created.UploadID.String()+"/photo.jpg", record.Final.Key)
	assert.Equal(t, int64(len(data)), record.ActualSizeBytes)
}

func TestOrchestrator_FinalizeUpload_AlreadyFinalizedIsNoOp(t *testing.T) {
	data := []byte("bytes")
	processor := &fakeProcessor{outputs: []ports.ProcessOutput{passthroughVariants(data)}}
	rig := newRig(t, processor)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "a.jpg"})
	require.NoError(t, err)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader(data), "image/jpeg"))
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	jobs, err := rig.jobs.ListDue(ctx, rig.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	result, err := rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	require.Equal(t, uploads.FinalizeFinalized, result.Kind)

	result, err = rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeAlreadyFinalized, result.Kind)
	assert.Equal(t, 1, processor.calls, "already-finalized must not re-invoke the processor")
}

func TestOrchestrator_FinalizeUpload_RetriesWhenStagingObjectMissing(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "a.jpg"})
	require.NoError(t, err)
	// Deliberately skip the PUT: client hasn't uploaded yet.
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	jobs, err := rig.jobs.ListDue(ctx, rig.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	result, err := rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeRetry, result.Kind)
	assert.Equal(t, "staging_object_missing", result.Reason)
}

func TestOrchestrator_FinalizeUpload_FailsOnMissingOriginalVariant(t *testing.T) {
	data := []byte("bytes")
	processor := &fakeProcessor{outputs: []ports.ProcessOutput{{
		Variants: []ports.Variant{{Name: "thumbnail", Data: bytes.NewReader(data), ContentType: "image/jpeg"}},
	}}}
	rig := newRig(t, processor)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "a.jpg"})
	require.NoError(t, err)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader(data), "image/jpeg"))
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	jobs, err := rig.jobs.ListDue(ctx, rig.clock.Now(), 10)
	require.NoError(t, err)

	result, err := rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeFailed, result.Kind)
	assert.Equal(t, "missing_original_variant", result.Reason)
}

func TestOrchestrator_FinalizeUpload_NotFound(t *testing.T) {
	rig := newRig(t, &fakeProcessor{})
	job := uploads.FinalizeJob{ID: uploads.NewJobID(), UploadID: uploads.NewUploadID()}
	result, err := rig.orchestrator.FinalizeUpload(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeNotFound, result.Kind)
}

func TestOrchestrator_FinalizeUpload_ContentHashMismatchFailsBeforePromotion(t *testing.T) {
	data := []byte("staged-bytes")
	// The processor claims an original hash that does not match the
	// bytes actually staged; the orchestrator must catch this before
	// writing any variant to final storage.
	processor := &fakeProcessor{outputs: []ports.ProcessOutput{{
		Variants: []ports.Variant{
			{Name: ports.OriginalVariant, Data: bytes.NewReader(data), ContentType: "image/jpeg", Hash: "not-the-real-hash"},
		},
	}}}
	rig := newRig(t, processor)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "a.jpg"})
	require.NoError(t, err)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader(data), "image/jpeg"))
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	jobs, err := rig.jobs.ListDue(ctx, rig.clock.Now(), 10)
	require.NoError(t, err)

	result, err := rig.orchestrator.FinalizeUpload(ctx, jobs[0])
	require.NoError(t, err)
	assert.Equal(t, uploads.FinalizeFailed, result.Kind)
	assert.Equal(t, "content_hash_mismatch", result.Reason)

	found, _, _, err := rig.objects.HeadStagingObject(ctx, created.UploadID, "a.jpg")
	require.NoError(t, err)
	assert.True(t, found, "staging object must be untouched by a failed finalize")
}
