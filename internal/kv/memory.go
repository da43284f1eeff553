package kv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"uploadfinalizer/internal/ports"
)

type memoryEntry[T any] struct {
	value     T
	version   string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process fake implementing the full union of the
// key-value ports, for use in tests and local development without a
// database. It has no teacher-repo equivalent (the teacher never needed
// a storage fake), so it's grounded directly on the port contracts
// themselves rather than adapted from existing code.
type MemoryStore[T any] struct {
	mu      sync.Mutex
	entries map[string]memoryEntry[T]
	now     func() time.Time
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{
		entries: make(map[string]memoryEntry[T]),
		now:     time.Now,
	}
}

// NewMemoryStoreWithClock lets tests drive expiry deterministically.
func NewMemoryStoreWithClock[T any](now func() time.Time) *MemoryStore[T] {
	s := NewMemoryStore[T]()
	s.now = now
	return s
}

func (s *MemoryStore[T]) Get(_ context.Context, key string) (ports.GetResult[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return ports.GetResult[T]{}, nil
	}
	return ports.GetResult[T]{Found: true, Value: e.value}, nil
}

func (s *MemoryStore[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

func (s *MemoryStore[T]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore[T]) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && !e.expired(s.now()), nil
}

func (s *MemoryStore[T]) GetMany(_ context.Context, keys []string) (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]T, len(keys))
	now := s.now()
	for _, key := range keys {
		if e, ok := s.entries[key]; ok && !e.expired(now) {
			out[key] = e.value
		}
	}
	return out, nil
}

func (s *MemoryStore[T]) SetMany(_ context.Context, values map[string]T, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range values {
		s.entries[key] = s.newEntry(value, ttl)
	}
	return nil
}

func (s *MemoryStore[T]) DeleteMany(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore[T]) GetVersioned(_ context.Context, key string) (ports.VersionedResult[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return ports.VersionedResult[T]{}, nil
	}
	return ports.VersionedResult[T]{Found: true, Value: e.value, Version: e.version}, nil
}

func (s *MemoryStore[T]) SetIfVersion(_ context.Context, key string, value T, expectedVersion string, ttl time.Duration) (ports.CasResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return ports.CasResult{Kind: ports.CasNotFound}, nil
	}
	if e.version != expectedVersion {
		return ports.CasResult{Kind: ports.CasConflict}, nil
	}
	entry := s.newEntry(value, ttl)
	s.entries[key] = entry
	return ports.CasResult{Kind: ports.CasWritten, Version: entry.version}, nil
}

func (s *MemoryStore[T]) SetIfNotExists(_ context.Context, key string, value T, ttl time.Duration) (ports.ConditionalKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired(s.now()) {
		return ports.ConditionalSkipped, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return ports.ConditionalWritten, nil
}

func (s *MemoryStore[T]) SetIfExists(_ context.Context, key string, value T, ttl time.Duration) (ports.ConditionalKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return ports.ConditionalSkipped, nil
	}
	_ = e
	s.entries[key] = s.newEntry(value, ttl)
	return ports.ConditionalWritten, nil
}

func (s *MemoryStore[T]) newEntry(value T, ttl time.Duration) memoryEntry[T] {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	return memoryEntry[T]{value: value, version: uuid.NewString(), expiresAt: exp}
}
