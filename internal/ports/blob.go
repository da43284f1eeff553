package ports

import (
	"context"
	"io"
	"time"
)

// ObjectRef identifies a single blob within a bucket.
type ObjectRef struct {
	Bucket string
	Key    string
}

// PresignedUpload is returned by GetPresignedUploadURL.
type PresignedUpload struct {
	URL       string
	Ref       ObjectRef
	ExpiresAt time.Time
}

// StagingObject is a lazily-read blob plus its metadata, returned by Get.
type StagingObject struct {
	Body        io.ReadCloser
	SizeBytes   int64
	ContentType string
}

// BlobStore is the abstract object-storage capability. Implementations
// (S3/R2, or an in-memory fake for tests) must treat every operation as
// potentially blocking.
type BlobStore interface {
	GetPresignedUploadURL(ctx context.Context, ref ObjectRef, contentType string, expiresIn time.Duration) (PresignedUpload, error)
	Head(ctx context.Context, ref ObjectRef) (found bool, sizeBytes int64, contentType string, err error)
	// Get returns (nil, nil) when the object does not exist.
	Get(ctx context.Context, ref ObjectRef) (*StagingObject, error)
	Put(ctx context.Context, ref ObjectRef, data io.Reader, contentType string) error
	Copy(ctx context.Context, src, dst ObjectRef, metadata map[string]string) error
	Delete(ctx context.Context, ref ObjectRef) error
}
