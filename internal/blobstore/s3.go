// Package blobstore adapts the teacher's Cloudflare R2 client
// (internal/storage/r2_client.go) into a concrete ports.BlobStore,
// generalized from one fixed bucket to a bucket named per call by each
// ports.ObjectRef (the upload pipeline keeps staging and final in one
// bucket under different key prefixes), plus an in-memory fake for tests.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"uploadfinalizer/internal/ports"
)

// S3Config mirrors the R2 environment variables the teacher repo reads,
// generalized to a config struct instead of direct os.Getenv calls so
// it composes with internal/config.
type S3Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// Store is an S3-compatible (Cloudflare R2 or AWS S3 itself)
// implementation of ports.BlobStore.
type Store struct {
	client    *s3.Client
	publicURL string
}

func NewStore(cfg S3Config) (*Store, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("blobstore: missing S3/R2 credentials configuration")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	client := s3.New(s3.Options{
		Region:       "auto",
		BaseEndpoint: aws.String(endpoint),
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})

	return &Store{client: client, publicURL: cfg.PublicURL}, nil
}

func (s *Store) GetPresignedUploadURL(ctx context.Context, ref ports.ObjectRef, contentType string, expiresIn time.Duration) (ports.PresignedUpload, error) {
	presignClient := s3.NewPresignClient(s.client)

	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return ports.PresignedUpload{}, fmt.Errorf("blobstore: presign put %s/%s: %w", ref.Bucket, ref.Key, err)
	}

	return ports.PresignedUpload{
		URL:       req.URL,
		Ref:       ref,
		ExpiresAt: time.Now().Add(expiresIn),
	}, nil
}

func (s *Store) Head(ctx context.Context, ref ports.ObjectRef) (bool, int64, string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, 0, "", nil
		}
		return false, 0, "", fmt.Errorf("blobstore: head %s/%s: %w", ref.Bucket, ref.Key, err)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return true, size, contentType, nil
}

func (s *Store) Get(ctx context.Context, ref ports.ObjectRef) (*ports.StagingObject, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("blobstore: get %s/%s: %w", ref.Bucket, ref.Key, err)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return &ports.StagingObject{Body: out.Body, SizeBytes: size, ContentType: contentType}, nil
}

func (s *Store) Put(ctx context.Context, ref ports.ObjectRef, data io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	return nil
}

func (s *Store) Copy(ctx context.Context, src, dst ports.ObjectRef, metadata map[string]string) error {
	copySource := fmt.Sprintf("%s/%s", src.Bucket, src.Key)
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(dst.Bucket),
		Key:        aws.String(dst.Key),
		CopySource: aws.String(copySource),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
		input.MetadataDirective = types.MetadataDirectiveReplace
	}
	if _, err := s.client.CopyObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore: copy %s/%s -> %s/%s: %w", src.Bucket, src.Key, dst.Bucket, dst.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ref ports.ObjectRef) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("blobstore: delete %s/%s: %w", ref.Bucket, ref.Key, err)
	}
	return nil
}

// PublicURL returns the externally-reachable URL for a finalized
// object, mirroring the teacher's R2Client.GetPublicURL.
func (s *Store) PublicURL(ref ports.ObjectRef) string {
	if s.publicURL != "" {
		return fmt.Sprintf("%s/%s", s.publicURL, ref.Key)
	}
	return fmt.Sprintf("https://%s/%s", ref.Bucket, ref.Key)
}
