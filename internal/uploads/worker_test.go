package uploads_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadfinalizer/internal/blobstore"
	"uploadfinalizer/internal/imageproc"
	"uploadfinalizer/internal/kv"
	"uploadfinalizer/internal/logger"
	"uploadfinalizer/internal/ports"
	"uploadfinalizer/internal/retry"
	"uploadfinalizer/internal/uploads"
)

func fastTestWorkerConfig() uploads.WorkerConfig {
	tiny := retry.ConstantPolicy{Base: 5 * time.Millisecond, Min: 5 * time.Millisecond, Max: 10 * time.Millisecond}
	return uploads.WorkerConfig{
		Concurrency:        2,
		CapacityPollMs:     5,
		DrainPollMs:        5,
		LeaseDuration:      time.Minute,
		IdleBackoff:        tiny,
		JobRetryDelay:      tiny,
		MaxJobAttempts:     3,
		IORetryMaxAttempts: 1,
		IORetryDelay:       tiny,
		IORetryMaxElapsed:  time.Second,
	}
}

type workerRig struct {
	orchestrator *uploads.UploadOrchestrator
	jobs         *uploads.JobStore
	blob         *blobstore.MemoryStore
	worker       *uploads.UploadFinalizationWorker
}

func newWorkerRig(t *testing.T, cfg uploads.WorkerConfig) *workerRig {
	t.Helper()
	metadataBackend := kv.NewMemoryStore[uploads.UploadRecord]()
	jobBackend := kv.NewMemoryStore[uploads.FinalizeJob]()
	jobIndexBackend := kv.NewMemoryStore[uploads.JobIndex]()

	metadata := uploads.NewUploadMetadataStore(metadataBackend, "test")
	jobs := uploads.NewJobStore(jobBackend, jobIndexBackend, "test")
	blob := blobstore.NewMemoryStore()
	objects := uploads.NewUploadObjectStore(blob, "bucket", "staging", "final")
	clock := ports.RealClock{}
	processor := imageprocPassthrough{}

	orchestrator := uploads.NewUploadOrchestrator(metadata, jobs, objects, processor, clock, 900)
	log := logger.Init("uploadfinalizer-test", "test", slog.LevelError)
	worker := uploads.NewUploadFinalizationWorker(orchestrator, jobs, clock, cfg, log)

	return &workerRig{orchestrator: orchestrator, jobs: jobs, blob: blob, worker: worker}
}

// imageprocPassthrough emits the source bytes as "original" plus a
// trivial derived variant, without needing a real image codec.
type imageprocPassthrough struct{}

func (imageprocPassthrough) Process(_ context.Context, in ports.ProcessInput) (ports.ProcessOutput, error) {
	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(in.Data); err != nil {
		return ports.ProcessOutput{}, err
	}
	b := data.Bytes()
	return ports.ProcessOutput{Variants: []ports.Variant{
		{Name: ports.OriginalVariant, Data: bytes.NewReader(b), ContentType: in.ContentType, Hash: imageproc.ComputeContentHash(b)},
		{Name: "thumbnail", Data: bytes.NewReader(b), ContentType: in.ContentType},
	}}, nil
}

func waitForStatus(t *testing.T, rig *workerRig, id uploads.UploadID, want uploads.UploadStatus, timeout time.Duration) uploads.UploadRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		record, found, err := rig.orchestrator.GetUpload(context.Background(), id)
		require.NoError(t, err)
		if found && record.Status == want {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("upload %s did not reach status %s within %s", id, want, timeout)
	return uploads.UploadRecord{}
}

func TestWorker_ProcessesQueuedJobToFinalized(t *testing.T) {
	rig := newWorkerRig(t, fastTestWorkerConfig())
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg", ContentType: "image/jpeg"})
	require.NoError(t, err)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader([]byte("bytes")), "image/jpeg"))
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	rig.worker.Start()
	defer rig.worker.Stop(ctx)

	record := waitForStatus(t, rig, created.UploadID, uploads.StatusFinalized, 2*time.Second)
	assert.Equal(t, "final/"+created.UploadID.String()+"/photo.jpg", record.Final.Key)
}

func TestWorker_RetriesWhenStagingMissingThenSucceedsAfterUpload(t *testing.T) {
	cfg := fastTestWorkerConfig()
	// Generous attempt budget: the staging object intentionally stays
	// absent for several retry cycles before the test uploads it.
	cfg.MaxJobAttempts = 1000
	rig := newWorkerRig(t, cfg)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg"})
	require.NoError(t, err)
	// No PUT yet: the first claim must observe a missing staging object.
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	rig.worker.Start()
	defer rig.worker.Stop(ctx)

	// Give the worker a couple of idle/retry cycles to observe the
	// missing object and reschedule before the client's PUT lands.
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader([]byte("late-bytes")), "image/jpeg"))

	waitForStatus(t, rig, created.UploadID, uploads.StatusFinalized, 2*time.Second)
}

func TestWorker_PermanentlyFailsAfterMaxAttemptsExhausted(t *testing.T) {
	cfg := fastTestWorkerConfig()
	cfg.MaxJobAttempts = 1
	rig := newWorkerRig(t, cfg)
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg"})
	require.NoError(t, err)
	// Never PUT: every claim observes staging_object_missing, so the
	// job exhausts its attempt budget and the worker marks it failed.
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	rig.worker.Start()
	defer rig.worker.Stop(ctx)

	record := waitForStatus(t, rig, created.UploadID, uploads.StatusFailed, 2*time.Second)
	assert.Equal(t, "max_attempts_exceeded", record.FailureReason)
}

func TestWorker_StopDrainsInFlightBeforeReturning(t *testing.T) {
	rig := newWorkerRig(t, fastTestWorkerConfig())
	ctx := context.Background()

	created, err := rig.orchestrator.CreateUpload(ctx, uploads.CreateUploadInput{Filename: "photo.jpg"})
	require.NoError(t, err)
	require.NoError(t, rig.blob.Put(ctx, created.Presigned.Ref, bytes.NewReader([]byte("bytes")), "image/jpeg"))
	_, err = rig.orchestrator.CompleteUpload(ctx, created.UploadID)
	require.NoError(t, err)

	rig.worker.Start()
	waitForStatus(t, rig, created.UploadID, uploads.StatusFinalized, 2*time.Second)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	rig.worker.Stop(stopCtx)

	stats := rig.worker.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, 0, stats.InFlight)
}

func TestWorker_RestartAfterStopIsLegal(t *testing.T) {
	rig := newWorkerRig(t, fastTestWorkerConfig())
	ctx := context.Background()

	rig.worker.Start()
	rig.worker.Stop(ctx)
	rig.worker.Start()
	defer rig.worker.Stop(ctx)

	assert.True(t, rig.worker.Stats().Running)
}
