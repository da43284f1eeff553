package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"uploadfinalizer/internal/ports"
)

// UploadOrchestrator is the single façade HTTP handlers and the worker
// call into. It is stateless and safe for concurrent invocation; every
// operation returns a tagged result instead of panicking for
// anticipated business outcomes.
type UploadOrchestrator struct {
	metadata          *UploadMetadataStore
	jobs              *JobStore
	objects           *UploadObjectStore
	processor         ports.ImageProcessor
	clock             ports.Clock
	presignExpirySecs int
}

func NewUploadOrchestrator(metadata *UploadMetadataStore, jobs *JobStore, objects *UploadObjectStore, processor ports.ImageProcessor, clock ports.Clock, presignExpirySecs int) *UploadOrchestrator {
	return &UploadOrchestrator{
		metadata:          metadata,
		jobs:              jobs,
		objects:           objects,
		processor:         processor,
		clock:             clock,
		presignExpirySecs: presignExpirySecs,
	}
}

// CreateUploadInput is what an HTTP handler gathers from the client before
// calling CreateUpload.
type CreateUploadInput struct {
	Filename          string
	ContentType       string
	ExpectedSizeBytes int64
}

type CreatedUpload struct {
	UploadID  UploadID
	Presigned ports.PresignedUpload
}

// CreateUpload requests the presigned URL before creating the metadata
// record, so the client never observes an id without a usable upload
// target; a leaked presign on record-creation failure is harmless
// because no record ever claims it.
func (o *UploadOrchestrator) CreateUpload(ctx context.Context, in CreateUploadInput) (CreatedUpload, error) {
	id := NewUploadID()

	presigned, err := o.objects.GetPresignedUploadURL(ctx, PresignedUploadRequest{
		UploadID:         id,
		Filename:         in.Filename,
		ContentType:      in.ContentType,
		ExpiresInSeconds: o.presignExpirySecs,
	})
	if err != nil {
		return CreatedUpload{}, err
	}

	now := o.clock.Now()
	writeRes, err := o.metadata.Create(ctx, CreateInput{
		ID:                id,
		Staging:           presigned.Ref,
		Filename:          in.Filename,
		ContentType:       in.ContentType,
		ExpectedSizeBytes: in.ExpectedSizeBytes,
	}, now)
	if err != nil {
		return CreatedUpload{}, err
	}
	if writeRes.Kind != WriteWritten {
		return CreatedUpload{}, fmt.Errorf("uploads: unexpected create result %q for fresh id %s", writeRes.Kind, id)
	}

	return CreatedUpload{UploadID: id, Presigned: presigned}, nil
}

func (o *UploadOrchestrator) GetUpload(ctx context.Context, id UploadID) (UploadRecord, bool, error) {
	return o.metadata.Get(ctx, id)
}

// CompleteKind is CompleteUpload's result discriminant.
type CompleteKind string

const (
	CompleteQueued        CompleteKind = "queued"
	CompleteAlreadyQueued CompleteKind = "already_queued"
	CompleteFinalized     CompleteKind = "finalized"
	CompleteFailed        CompleteKind = "failed"
	CompleteNotFound      CompleteKind = "not_found"
)

type CompleteResult struct {
	Kind   CompleteKind
	Reason string
}

func (o *UploadOrchestrator) CompleteUpload(ctx context.Context, id UploadID) (CompleteResult, error) {
	record, found, err := o.metadata.Get(ctx, id)
	if err != nil {
		return CompleteResult{}, err
	}
	if !found {
		return CompleteResult{Kind: CompleteNotFound}, nil
	}

	switch record.Status {
	case StatusFinalized:
		return CompleteResult{Kind: CompleteFinalized}, nil
	case StatusFailed:
		return CompleteResult{Kind: CompleteFailed, Reason: record.FailureReason}, nil
	case StatusQueued, StatusProcessing:
		return CompleteResult{Kind: CompleteAlreadyQueued}, nil
	}

	now := o.clock.Now()
	writeRes, err := o.metadata.MarkQueued(ctx, id, now)
	if err != nil {
		return CompleteResult{}, err
	}
	if writeRes.Kind != WriteWritten && writeRes.Kind != WriteAlready {
		return CompleteResult{Kind: CompleteFailed, Reason: string(writeRes.Kind)}, nil
	}

	job := FinalizeJob{
		ID:        NewJobID(),
		UploadID:  id,
		Status:    JobPending,
		Attempt:   0,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Enqueue(ctx, job); err != nil {
		return CompleteResult{}, err
	}

	return CompleteResult{Kind: CompleteQueued}, nil
}

// FinalizeKind is FinalizeUpload's result discriminant.
type FinalizeKind string

const (
	FinalizeFinalized        FinalizeKind = "finalized"
	FinalizeAlreadyFinalized FinalizeKind = "already_finalized"
	FinalizeFailed           FinalizeKind = "failed"
	FinalizeRetry            FinalizeKind = "retry"
	FinalizeNotFound         FinalizeKind = "not_found"
)

type FinalizeResult struct {
	Kind   FinalizeKind
	Reason string
}

// FinalizeUpload is the hardest operation in the system: it loads the
// record, advances it to processing, fetches the staged bytes,
// transforms them into variants, promotes each variant, and finally
// marks the record finalized. Every step maps a specific failure mode
// to one of Kind's five outcomes; nothing here panics for an
// anticipated outcome.
func (o *UploadOrchestrator) FinalizeUpload(ctx context.Context, job FinalizeJob) (FinalizeResult, error) {
	record, found, err := o.metadata.Get(ctx, job.UploadID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !found {
		return FinalizeResult{Kind: FinalizeNotFound}, nil
	}

	switch record.Status {
	case StatusFinalized:
		return FinalizeResult{Kind: FinalizeAlreadyFinalized}, nil
	case StatusFailed:
		return FinalizeResult{Kind: FinalizeFailed, Reason: record.FailureReason}, nil
	}
	if record.Filename == "" {
		return FinalizeResult{Kind: FinalizeFailed, Reason: "missing_filename"}, nil
	}

	now := o.clock.Now()
	if record.Status == StatusQueued {
		writeRes, err := o.metadata.MarkProcessing(ctx, job.UploadID, record.Filename, now)
		if err != nil {
			return FinalizeResult{}, err
		}
		if writeRes.Kind != WriteWritten && writeRes.Kind != WriteAlready {
			return FinalizeResult{Kind: FinalizeFailed, Reason: string(writeRes.Kind)}, nil
		}
	}

	staging, err := o.objects.GetStagingObject(ctx, job.UploadID, record.Filename)
	if err != nil {
		return FinalizeResult{}, err
	}
	if staging == nil {
		return FinalizeResult{Kind: FinalizeRetry, Reason: "staging_object_missing"}, nil
	}
	defer staging.Body.Close()

	contentType := record.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// hasher observes every byte handed to the processor, independent of
	// whatever the processor itself reports as the "original" variant's
	// hash; comparing the two below catches a truncated or corrupted
	// staging read before any variant is ever promoted.
	hasher := sha256.New()
	output, err := o.processor.Process(ctx, ports.ProcessInput{
		Data:        io.TeeReader(staging.Body, hasher),
		ContentType: contentType,
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	stagedHash := hex.EncodeToString(hasher.Sum(nil))

	var originalHash string
	foundOriginal := false
	for _, variant := range output.Variants {
		if variant.Name == ports.OriginalVariant {
			originalHash = variant.Hash
			foundOriginal = true
		}
	}
	if !foundOriginal {
		return o.failFinalize(ctx, job.UploadID, "missing_original_variant", now)
	}
	if originalHash != "" && originalHash != stagedHash {
		return o.failFinalize(ctx, job.UploadID, "content_hash_mismatch", now)
	}

	var original *StorageLocation
	for _, variant := range output.Variants {
		filename := deriveVariantFilename(record.Filename, variant.Name)
		ref, err := o.objects.PutFinalObject(ctx, job.UploadID, filename, variant.Data, variant.ContentType)
		if err != nil {
			return FinalizeResult{}, err
		}
		if variant.Name == ports.OriginalVariant {
			refCopy := ref
			original = &refCopy
		}
	}
	if original == nil {
		return o.failFinalize(ctx, job.UploadID, "missing_original_variant", now)
	}

	writeRes, err := o.metadata.MarkFinalized(ctx, job.UploadID, *original, staging.SizeBytes, now)
	if err != nil {
		return FinalizeResult{}, err
	}
	if writeRes.Kind != WriteWritten && writeRes.Kind != WriteAlready {
		return FinalizeResult{Kind: FinalizeFailed, Reason: string(writeRes.Kind)}, nil
	}

	return FinalizeResult{Kind: FinalizeFinalized}, nil
}

// failFinalize transitions the upload to failed and packages the same
// reason into a FinalizeFailed result, so every terminal failure
// discovered mid-finalize leaves the metadata store and the caller in
// agreement about why. The record is known to be in processing by the
// time any caller reaches this: FinalizeUpload always advances it out
// of queued before staging bytes are ever read.
func (o *UploadOrchestrator) failFinalize(ctx context.Context, id UploadID, reason string, at time.Time) (FinalizeResult, error) {
	if _, err := o.metadata.MarkFailed(ctx, id, reason, at); err != nil {
		return FinalizeResult{}, err
	}
	return FinalizeResult{Kind: FinalizeFailed, Reason: reason}, nil
}

// FailUpload transitions an upload straight to failed outside the
// normal finalize flow, for terminal failures the worker detects on
// its own side, such as a job exhausting its retry budget. It is a
// no-op if the upload is missing or has already left processing.
func (o *UploadOrchestrator) FailUpload(ctx context.Context, id UploadID, reason string) error {
	record, found, err := o.metadata.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found || record.Status != StatusProcessing {
		return nil
	}
	if _, err := o.metadata.MarkFailed(ctx, id, reason, o.clock.Now()); err != nil {
		return err
	}
	return nil
}

// deriveVariantFilename is a pure function of (filename, variant): the
// original filename is passed through unchanged; every other variant's
// name is inserted immediately before the last '.' in the filename
// (or appended with a "-" separator if there is no '.').
func deriveVariantFilename(filename, variant string) string {
	if variant == ports.OriginalVariant {
		return filename
	}
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return filename + "-" + variant
	}
	return filename[:i] + "-" + variant + filename[i:]
}
