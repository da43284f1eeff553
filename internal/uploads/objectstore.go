package uploads

import (
	"context"
	"fmt"
	"io"
	"time"

	"uploadfinalizer/internal/ports"
)

// UploadObjectStore is a thin, keyspace-scoped policy layer over the
// abstract blob store: it owns the staging/final key convention and
// never lets a filename collide across uploads. Filenames are stored
// verbatim, including any path separators they contain.
type UploadObjectStore struct {
	blob          ports.BlobStore
	bucket        string
	stagingPrefix string
	finalPrefix   string
}

func NewUploadObjectStore(blob ports.BlobStore, bucket, stagingPrefix, finalPrefix string) *UploadObjectStore {
	return &UploadObjectStore{blob: blob, bucket: bucket, stagingPrefix: stagingPrefix, finalPrefix: finalPrefix}
}

func (s *UploadObjectStore) stagingRef(uploadID UploadID, filename string) StorageLocation {
	return StorageLocation{Bucket: s.bucket, Key: fmt.Sprintf("%s/%s/%s", s.stagingPrefix, uploadID, filename)}
}

func (s *UploadObjectStore) finalRef(uploadID UploadID, filename string) StorageLocation {
	return StorageLocation{Bucket: s.bucket, Key: fmt.Sprintf("%s/%s/%s", s.finalPrefix, uploadID, filename)}
}

type PresignedUploadRequest struct {
	UploadID         UploadID
	Filename         string
	ContentType      string
	ExpiresInSeconds int
}

func (s *UploadObjectStore) GetPresignedUploadURL(ctx context.Context, req PresignedUploadRequest) (ports.PresignedUpload, error) {
	ref := s.stagingRef(req.UploadID, req.Filename)
	presigned, err := s.blob.GetPresignedUploadURL(ctx, ref, req.ContentType, time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		return ports.PresignedUpload{}, fmt.Errorf("uploads: presign upload url for %s: %w", req.UploadID, err)
	}
	return presigned, nil
}

func (s *UploadObjectStore) HeadStagingObject(ctx context.Context, uploadID UploadID, filename string) (found bool, sizeBytes int64, contentType string, err error) {
	found, sizeBytes, contentType, err = s.blob.Head(ctx, s.stagingRef(uploadID, filename))
	if err != nil {
		return false, 0, "", fmt.Errorf("uploads: head staging object for %s: %w", uploadID, err)
	}
	return found, sizeBytes, contentType, nil
}

// GetStagingObject returns nil when the object is absent, so callers
// can distinguish "not yet uploaded" from an infrastructure error.
func (s *UploadObjectStore) GetStagingObject(ctx context.Context, uploadID UploadID, filename string) (*ports.StagingObject, error) {
	obj, err := s.blob.Get(ctx, s.stagingRef(uploadID, filename))
	if err != nil {
		return nil, fmt.Errorf("uploads: get staging object for %s: %w", uploadID, err)
	}
	return obj, nil
}

func (s *UploadObjectStore) PutFinalObject(ctx context.Context, uploadID UploadID, filename string, data io.Reader, contentType string) (StorageLocation, error) {
	ref := s.finalRef(uploadID, filename)
	if err := s.blob.Put(ctx, ref, data, contentType); err != nil {
		return StorageLocation{}, fmt.Errorf("uploads: put final object %s/%s: %w", uploadID, filename, err)
	}
	return ref, nil
}

// PromoteToFinal copies the staging object to its final location and
// deletes the staging copy. A failed delete after a successful copy is
// logged and swallowed by the caller-supplied logger hook: the
// remnant is harmless and garbage-collected out-of-band. Not on the
// finalize critical path (see DESIGN.md); retained for alternative
// finalize strategies that prefer copy-and-delete over direct writes.
type PromotedLocations struct {
	Staging StorageLocation
	Final   StorageLocation
}

func (s *UploadObjectStore) PromoteToFinal(ctx context.Context, uploadID UploadID, filename string, metadata map[string]string, onDeleteFailure func(error)) (PromotedLocations, error) {
	staging := s.stagingRef(uploadID, filename)
	final := s.finalRef(uploadID, filename)

	if err := s.blob.Copy(ctx, staging, final, metadata); err != nil {
		return PromotedLocations{}, fmt.Errorf("uploads: copy %s to final: %w", uploadID, err)
	}
	if err := s.blob.Delete(ctx, staging); err != nil && onDeleteFailure != nil {
		onDeleteFailure(fmt.Errorf("uploads: delete staging remnant for %s: %w", uploadID, err))
	}
	return PromotedLocations{Staging: staging, Final: final}, nil
}
