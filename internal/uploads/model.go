// Package uploads implements the finalization subsystem: upload
// metadata with a strict state machine, a lease-based job queue, the
// orchestrator composing both with blob promotion, and the concurrent
// worker draining the queue. Every exported operation result is a
// tagged struct (a Kind string plus payload) rather than a Go error,
// reserving error returns for unanticipated infrastructure failures —
// see the Kind constants on each result type.
package uploads

import (
	"time"

	"github.com/google/uuid"

	"uploadfinalizer/internal/ports"
)

// UploadID is an opaque prefixed identifier ("upload_" + a UUID) as
// generated by NewUploadID. No parse or structural validation exists:
// any string converts to an UploadID and is passed to the stores as-is.
type UploadID string

func NewUploadID() UploadID {
	return UploadID("upload_" + uuid.NewString())
}

func (id UploadID) String() string { return string(id) }

// JobID is the FinalizeJob analogue of UploadID.
type JobID string

func NewJobID() JobID {
	return JobID("job_" + uuid.NewString())
}

func (id JobID) String() string { return string(id) }

// StorageLocation names a blob by bucket and key. It is structurally
// identical to ports.ObjectRef: the two are the same concept viewed
// from the domain model versus the blob-storage port, so the domain
// model reuses the port's type directly instead of duplicating it.
type StorageLocation = ports.ObjectRef

// UploadStatus is the upload state machine's discriminant. Only the
// edges awaiting_upload -> queued -> processing -> {finalized|failed}
// are legal; finalized and failed are terminal.
type UploadStatus string

const (
	StatusAwaitingUpload UploadStatus = "awaiting_upload"
	StatusQueued         UploadStatus = "queued"
	StatusProcessing     UploadStatus = "processing"
	StatusFinalized      UploadStatus = "finalized"
	StatusFailed         UploadStatus = "failed"
)

// UploadRecord is the tagged variant over Status. Fields are only
// meaningful for the states documented on each: Filename/ContentType/
// ExpectedSizeBytes become set from awaiting_upload onward (Filename is
// required from processing onward); QueuedAt from queued onward;
// FinalizedAt/Final/ActualSizeBytes only when finalized; FailureReason
// only when failed.
type UploadRecord struct {
	ID                UploadID
	Status            UploadStatus
	Staging           StorageLocation
	Filename          string
	ContentType       string
	ExpectedSizeBytes int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	QueuedAt          time.Time
	FinalizedAt       time.Time
	Final             StorageLocation
	ActualSizeBytes   int64
	FailureReason     string
}

// WriteKind is the discriminant of a metadata-store mutation result.
type WriteKind string

const (
	WriteWritten           WriteKind = "written"
	WriteAlready           WriteKind = "already"
	WriteConflict          WriteKind = "conflict"
	WriteNotFound          WriteKind = "not_found"
	WriteInvalidTransition WriteKind = "invalid_transition"
)

// WriteResult is returned by every UploadMetadataStore mutation.
// Expected/Actual are only populated when Kind is
// WriteInvalidTransition.
type WriteResult struct {
	Kind     WriteKind
	Expected []UploadStatus
	Actual   UploadStatus
}

// JobStatus is FinalizeJob's lifecycle discriminant.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// FinalizeJob drives one upload's worker-side finalization attempt.
// RunAt plays two roles: earliest-dispatch time while Pending, and
// lease-expiration deadline while Running.
type FinalizeJob struct {
	ID        JobID
	UploadID  UploadID
	Status    JobStatus
	Attempt   int
	RunAt     time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobIndex is the best-effort, rebuildable accelerator for listDue.
// Orphans in either direction (job without index entry, index entry
// without job) are expected and tolerated by every reader.
type JobIndex struct {
	JobIDs []JobID
}
