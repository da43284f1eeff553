package uploads_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadfinalizer/internal/kv"
	"uploadfinalizer/internal/uploads"
)

func newMetadataStore() *uploads.UploadMetadataStore {
	backend := kv.NewMemoryStore[uploads.UploadRecord]()
	return uploads.NewUploadMetadataStore(backend, "test")
}

func TestMetadataStore_CreateThenDuplicateIsAlready(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	res, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "photo.jpg"}, at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteWritten, res.Kind)

	res, err = store.Create(ctx, uploads.CreateInput{ID: id, Filename: "photo.jpg"}, at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteAlready, res.Kind)

	record, found, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uploads.StatusAwaitingUpload, record.Status)
	assert.Equal(t, at, record.CreatedAt)
	assert.Equal(t, at, record.UpdatedAt)
}

func TestMetadataStore_MarkQueued_LegalTransitionAndIdempotence(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	created := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, created)
	require.NoError(t, err)

	queuedAt := created.Add(time.Minute)
	res, err := store.MarkQueued(ctx, id, queuedAt)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteWritten, res.Kind)

	record, _, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uploads.StatusQueued, record.Status)
	assert.Equal(t, queuedAt, record.QueuedAt)
	assert.Equal(t, created, record.CreatedAt, "create timestamp must survive unrelated updates")

	// Idempotent: calling again while already queued returns already,
	// not a second mutation.
	res, err = store.MarkQueued(ctx, id, queuedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteAlready, res.Kind)
}

func TestMetadataStore_MarkQueued_IllegalFromAbsent(t *testing.T) {
	store := newMetadataStore()
	res, err := store.MarkQueued(context.Background(), uploads.NewUploadID(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteNotFound, res.Kind)
}

func TestMetadataStore_MarkQueued_IllegalFromProcessing(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, at)
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, id, at)
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)

	res, err := store.MarkQueued(ctx, id, at)
	require.NoError(t, err)
	require.Equal(t, uploads.WriteInvalidTransition, res.Kind)
	assert.Equal(t, uploads.StatusProcessing, res.Actual)
	assert.Contains(t, res.Expected, uploads.StatusAwaitingUpload)
}

func TestMetadataStore_MarkProcessing_IdempotentOnlyWithMatchingFilename(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, at)
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, id, at)
	require.NoError(t, err)

	res, err := store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteWritten, res.Kind)

	res, err = store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteAlready, res.Kind)

	res, err = store.MarkProcessing(ctx, id, "different.jpg", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteInvalidTransition, res.Kind, "mismatched filename must refuse a silent overwrite")
}

func TestMetadataStore_MarkFinalized_IdempotentOnlyWithMatchingPayload(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, at)
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, id, at)
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)

	final := uploads.StorageLocation{Bucket: "b", Key: "final/a.jpg"}
	res, err := store.MarkFinalized(ctx, id, final, 1024, at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteWritten, res.Kind)

	res, err = store.MarkFinalized(ctx, id, final, 1024, at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteAlready, res.Kind)

	res, err = store.MarkFinalized(ctx, id, final, 2048, at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteInvalidTransition, res.Kind)

	record, _, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uploads.StatusFinalized, record.Status)
	assert.Equal(t, final, record.Final)
}

func TestMetadataStore_MarkFailed_IdempotentOnlyWithMatchingReason(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, at)
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, id, at)
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)

	res, err := store.MarkFailed(ctx, id, "boom", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteWritten, res.Kind)

	res, err = store.MarkFailed(ctx, id, "boom", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteAlready, res.Kind)

	res, err = store.MarkFailed(ctx, id, "different", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteInvalidTransition, res.Kind)
}

func TestMetadataStore_NeverTransitionsBackward(t *testing.T) {
	store := newMetadataStore()
	ctx := context.Background()
	id := uploads.NewUploadID()
	at := time.Now()

	_, err := store.Create(ctx, uploads.CreateInput{ID: id, Filename: "a.jpg"}, at)
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, id, at)
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, id, "boom", at)
	require.NoError(t, err)

	// failed is terminal: attempting to re-enter processing must refuse.
	res, err := store.MarkProcessing(ctx, id, "a.jpg", at)
	require.NoError(t, err)
	assert.Equal(t, uploads.WriteInvalidTransition, res.Kind)
}
