package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"uploadfinalizer/internal/ports"
)

type memoryObject struct {
	data        []byte
	contentType string
}

func refKey(ref ports.ObjectRef) string {
	return ref.Bucket + "/" + ref.Key
}

// MemoryStore is an in-process ports.BlobStore fake for tests. Presigned
// URLs are synthetic (memory://bucket/key) since nothing ever dials out
// to them in a test.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) GetPresignedUploadURL(_ context.Context, ref ports.ObjectRef, _ string, expiresIn time.Duration) (ports.PresignedUpload, error) {
	return ports.PresignedUpload{
		URL:       fmt.Sprintf("memory://%s", refKey(ref)),
		Ref:       ref,
		ExpiresAt: time.Now().Add(expiresIn),
	}, nil
}

func (m *MemoryStore) Head(_ context.Context, ref ports.ObjectRef) (bool, int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[refKey(ref)]
	if !ok {
		return false, 0, "", nil
	}
	return true, int64(len(obj.data)), obj.contentType, nil
}

func (m *MemoryStore) Get(_ context.Context, ref ports.ObjectRef) (*ports.StagingObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[refKey(ref)]
	if !ok {
		return nil, nil
	}
	return &ports.StagingObject{
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
		SizeBytes:   int64(len(obj.data)),
		ContentType: obj.contentType,
	}, nil
}

func (m *MemoryStore) Put(_ context.Context, ref ports.ObjectRef, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("blobstore memory: read put body for %s: %w", refKey(ref), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[refKey(ref)] = memoryObject{data: buf, contentType: contentType}
	return nil
}

func (m *MemoryStore) Copy(_ context.Context, src, dst ports.ObjectRef, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[refKey(src)]
	if !ok {
		return fmt.Errorf("blobstore memory: copy source %s does not exist", refKey(src))
	}
	m.objects[refKey(dst)] = obj
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ref ports.ObjectRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, refKey(ref))
	return nil
}
