package uploads

import (
	"context"
	"fmt"
	"time"

	"uploadfinalizer/internal/ports"
)

// metadataBackend is the union of capabilities UploadMetadataStore
// needs from its backing key-value store: CAS for the state-machine
// transitions, plus conditional writes for create's write-if-absent
// semantics. Both internal/kv stores satisfy this without any adapter.
type metadataBackend interface {
	ports.KeyValueStoreCas[UploadRecord]
	ports.KeyValueStoreConditional[UploadRecord]
}

// UploadMetadataStore holds the upload state machine, enforcing
// transition legality with compare-and-swap on opaque version tokens.
type UploadMetadataStore struct {
	backend metadataBackend
	prefix  string
}

func NewUploadMetadataStore(backend metadataBackend, keyPrefix string) *UploadMetadataStore {
	return &UploadMetadataStore{backend: backend, prefix: keyPrefix}
}

func (s *UploadMetadataStore) key(id UploadID) string {
	return fmt.Sprintf("%s/uploads/metadata/%s", s.prefix, id)
}

func (s *UploadMetadataStore) Get(ctx context.Context, id UploadID) (UploadRecord, bool, error) {
	res, err := s.backend.Get(ctx, s.key(id))
	if err != nil {
		return UploadRecord{}, false, fmt.Errorf("uploads: get metadata %s: %w", id, err)
	}
	return res.Value, res.Found, nil
}

// CreateInput seeds a fresh awaiting_upload record.
type CreateInput struct {
	ID                UploadID
	Staging           StorageLocation
	Filename          string
	ContentType       string
	ExpectedSizeBytes int64
}

func (s *UploadMetadataStore) Create(ctx context.Context, in CreateInput, at time.Time) (WriteResult, error) {
	record := UploadRecord{
		ID:                in.ID,
		Status:            StatusAwaitingUpload,
		Staging:           in.Staging,
		Filename:          in.Filename,
		ContentType:       in.ContentType,
		ExpectedSizeBytes: in.ExpectedSizeBytes,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	kind, err := s.backend.SetIfNotExists(ctx, s.key(in.ID), record, 0)
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: create metadata %s: %w", in.ID, err)
	}
	if kind == ports.ConditionalSkipped {
		return WriteResult{Kind: WriteAlready}, nil
	}
	return WriteResult{Kind: WriteWritten}, nil
}

func (s *UploadMetadataStore) MarkQueued(ctx context.Context, id UploadID, at time.Time) (WriteResult, error) {
	versioned, err := s.backend.GetVersioned(ctx, s.key(id))
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: mark-queued read %s: %w", id, err)
	}
	if !versioned.Found {
		return WriteResult{Kind: WriteNotFound}, nil
	}
	current := versioned.Value

	switch current.Status {
	case StatusAwaitingUpload:
		next := current
		next.Status = StatusQueued
		next.QueuedAt = at
		next.UpdatedAt = at
		return s.writeCas(ctx, id, next, versioned.Version)
	case StatusQueued:
		return WriteResult{Kind: WriteAlready}, nil
	default:
		return invalidTransition(current.Status, StatusAwaitingUpload, StatusQueued), nil
	}
}

func (s *UploadMetadataStore) MarkProcessing(ctx context.Context, id UploadID, filename string, at time.Time) (WriteResult, error) {
	versioned, err := s.backend.GetVersioned(ctx, s.key(id))
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: mark-processing read %s: %w", id, err)
	}
	if !versioned.Found {
		return WriteResult{Kind: WriteNotFound}, nil
	}
	current := versioned.Value

	switch current.Status {
	case StatusQueued:
		next := current
		next.Status = StatusProcessing
		next.Filename = filename
		next.UpdatedAt = at
		return s.writeCas(ctx, id, next, versioned.Version)
	case StatusProcessing:
		if current.Filename == filename {
			return WriteResult{Kind: WriteAlready}, nil
		}
		return invalidTransition(current.Status, StatusQueued, StatusProcessing), nil
	default:
		return invalidTransition(current.Status, StatusQueued, StatusProcessing), nil
	}
}

func (s *UploadMetadataStore) MarkFinalized(ctx context.Context, id UploadID, final StorageLocation, actualSizeBytes int64, at time.Time) (WriteResult, error) {
	versioned, err := s.backend.GetVersioned(ctx, s.key(id))
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: mark-finalized read %s: %w", id, err)
	}
	if !versioned.Found {
		return WriteResult{Kind: WriteNotFound}, nil
	}
	current := versioned.Value

	switch current.Status {
	case StatusProcessing:
		next := current
		next.Status = StatusFinalized
		next.Final = final
		next.ActualSizeBytes = actualSizeBytes
		next.FinalizedAt = at
		next.UpdatedAt = at
		return s.writeCas(ctx, id, next, versioned.Version)
	case StatusFinalized:
		if current.Final == final && current.ActualSizeBytes == actualSizeBytes {
			return WriteResult{Kind: WriteAlready}, nil
		}
		return invalidTransition(current.Status, StatusProcessing, StatusFinalized), nil
	default:
		return invalidTransition(current.Status, StatusProcessing, StatusFinalized), nil
	}
}

func (s *UploadMetadataStore) MarkFailed(ctx context.Context, id UploadID, reason string, at time.Time) (WriteResult, error) {
	versioned, err := s.backend.GetVersioned(ctx, s.key(id))
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: mark-failed read %s: %w", id, err)
	}
	if !versioned.Found {
		return WriteResult{Kind: WriteNotFound}, nil
	}
	current := versioned.Value

	switch current.Status {
	case StatusProcessing:
		next := current
		next.Status = StatusFailed
		next.FailureReason = reason
		next.UpdatedAt = at
		return s.writeCas(ctx, id, next, versioned.Version)
	case StatusFailed:
		if current.FailureReason == reason {
			return WriteResult{Kind: WriteAlready}, nil
		}
		return invalidTransition(current.Status, StatusProcessing, StatusFailed), nil
	default:
		return invalidTransition(current.Status, StatusProcessing, StatusFailed), nil
	}
}

func (s *UploadMetadataStore) writeCas(ctx context.Context, id UploadID, next UploadRecord, expectedVersion string) (WriteResult, error) {
	res, err := s.backend.SetIfVersion(ctx, s.key(id), next, expectedVersion, 0)
	if err != nil {
		return WriteResult{}, fmt.Errorf("uploads: cas write metadata %s: %w", id, err)
	}
	switch res.Kind {
	case ports.CasWritten:
		return WriteResult{Kind: WriteWritten}, nil
	case ports.CasConflict:
		return WriteResult{Kind: WriteConflict}, nil
	default:
		return WriteResult{Kind: WriteNotFound}, nil
	}
}

func invalidTransition(actual UploadStatus, expected ...UploadStatus) WriteResult {
	return WriteResult{Kind: WriteInvalidTransition, Expected: expected, Actual: actual}
}
