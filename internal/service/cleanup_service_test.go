package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ilkin0/resumable/internal/repository"
	"github.com/ilkin0/resumable/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type cleanupTestEnv struct {
	*testEnv
	cleanup *CleanupService
	clock   time.Time
}

func newCleanupTestEnv(t *testing.T) *cleanupTestEnv {
	t.Helper()

	env := &cleanupTestEnv{
		testEnv: newTestEnv(t),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.store.SetClock(func() time.Time { return env.clock })
	env.cleanup = NewCleanupService(env.store, env.blobs, CleanupOptions{
		Layout:        env.layout,
		PendingTTL:    24 * time.Hour,
		ProcessingTTL: time.Hour,
	})
	env.cleanup.now = func() time.Time { return env.clock }
	return env
}

func TestCleanupStaleUploads_NothingStale(t *testing.T) {
	env := newCleanupTestEnv(t)
	id := env.init(t, "a.bin", []byte("0123456789"), 2)
	env.accept(t, id, 0, []byte("01234"))

	env.clock = env.clock.Add(23 * time.Hour)

	count, err := env.cleanup.CleanupStaleUploads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, repository.UploadStatusPending, env.record(t, id).Status)
	assert.Len(t, env.blobs.Keys(env.layout.StagingDir(id)), 1)
}

func TestCleanupStaleUploads_ExpiresIdlePending(t *testing.T) {
	env := newCleanupTestEnv(t)
	ctx := context.Background()

	stale := env.init(t, "stale.bin", []byte("0123456789"), 2)
	env.accept(t, stale, 0, []byte("01234"))

	env.clock = env.clock.Add(20 * time.Hour)
	active := env.init(t, "active.bin", []byte("0123456789"), 2)
	env.accept(t, active, 0, []byte("01234"))

	env.clock = env.clock.Add(5 * time.Hour)

	count, err := env.cleanup.CleanupStaleUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	u := env.record(t, stale)
	assert.Equal(t, repository.UploadStatusFailed, u.Status)
	assert.Equal(t, ReasonExpired, u.FailureReason.String)
	assert.Empty(t, env.blobs.Keys(env.layout.StagingDir(stale)))

	assert.Equal(t, repository.UploadStatusPending, env.record(t, active).Status)
	assert.Len(t, env.blobs.Keys(env.layout.StagingDir(active)), 1)

	_, err = env.svc.AcceptChunk(ctx, chunkRequest(stale, 1, []byte("56789")))
	assert.ErrorIs(t, err, ErrConflict, "an expired upload no longer accepts chunks")
}

func TestCleanupStaleUploads_FailsStuckProcessing(t *testing.T) {
	env := newCleanupTestEnv(t)
	ctx := context.Background()

	id := env.init(t, "a.bin", []byte("01234"), 1)
	env.accept(t, id, 0, []byte("01234"))
	_, err := env.store.TransitionUploadStatus(ctx, repository.TransitionUploadStatusParams{
		ID:         id,
		FromStatus: repository.UploadStatusPending,
		ToStatus:   repository.UploadStatusProcessing,
	})
	require.NoError(t, err)

	env.clock = env.clock.Add(2 * time.Hour)

	count, err := env.cleanup.CleanupStaleUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	u := env.record(t, id)
	assert.Equal(t, repository.UploadStatusFailed, u.Status)
	assert.Equal(t, ReasonProcessingTimeout, u.FailureReason.String)
	assert.Empty(t, env.blobs.Keys(env.layout.StagingDir(id)))
}

func TestCleanupStaleUploads_LeavesTerminalUploads(t *testing.T) {
	env := newCleanupTestEnv(t)
	ctx := context.Background()

	id := env.init(t, "a.bin", []byte("01234"), 1)
	env.accept(t, id, 0, []byte("01234"))
	done, err := env.svc.Complete(ctx, id)
	require.NoError(t, err)

	env.clock = env.clock.Add(48 * time.Hour)

	count, err := env.cleanup.CleanupStaleUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, repository.UploadStatusCompleted, env.record(t, id).Status)
	assert.Equal(t, []byte("01234"), env.read(t, done.StoragePath))
}

type failingPrefixStore struct {
	storage.BlobStore
}

func (f failingPrefixStore) DeletePrefix(ctx context.Context, prefix string) error {
	return errors.New("storage offline")
}

func TestCleanupStaleUploads_PurgeFailureKeepsRecord(t *testing.T) {
	env := newCleanupTestEnv(t)
	id := env.init(t, "a.bin", []byte("0123456789"), 2)
	env.accept(t, id, 0, []byte("01234"))

	env.cleanup.blobs = failingPrefixStore{BlobStore: env.blobs}
	env.clock = env.clock.Add(25 * time.Hour)

	count, err := env.cleanup.CleanupStaleUploads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage offline")
	assert.Equal(t, 0, count)
	assert.Equal(t, repository.UploadStatusPending, env.record(t, id).Status)
}

func TestCleanupStaleUploads_ListError(t *testing.T) {
	store := new(MockUploadStore)
	svc := NewCleanupService(store, storage.NewMemoryStore(), CleanupOptions{})

	store.On("ListStaleUploads", mock.Anything, mock.MatchedBy(func(p repository.ListStaleUploadsParams) bool {
		return p.Status == repository.UploadStatusPending && p.Limit == defaultCleanupBatchSize
	})).Return([]repository.Upload(nil), errors.New("database connection failed"))

	_, err := svc.CleanupStaleUploads(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection failed")
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "WithUploadLock", mock.Anything, mock.Anything)
}

func TestCleanupStaleUploads_SkipsUploadsThatMovedOn(t *testing.T) {
	store := new(MockUploadStore)
	blobs := storage.NewMemoryStore()
	svc := NewCleanupService(store, blobs, CleanupOptions{})
	now := time.Now()
	svc.now = func() time.Time { return now }

	listed := pendingUpload()
	listed.UpdatedAt.Time = now.Add(-48 * time.Hour)
	listed.UpdatedAt.Valid = true

	// A chunk arrived between listing and locking.
	current := listed
	current.UpdatedAt.Time = now

	_, err := blobs.Put(context.Background(), "temp/uploads/"+listed.ID+"/chunk_0", bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	store.On("ListStaleUploads", mock.Anything, mock.MatchedBy(func(p repository.ListStaleUploadsParams) bool {
		return p.Status == repository.UploadStatusPending
	})).Return([]repository.Upload{listed}, nil)
	store.On("ListStaleUploads", mock.Anything, mock.MatchedBy(func(p repository.ListStaleUploadsParams) bool {
		return p.Status == repository.UploadStatusProcessing
	})).Return([]repository.Upload{}, nil)
	store.On("WithUploadLock", mock.Anything, listed.ID).Return(current, nil)

	count, err := svc.CleanupStaleUploads(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, blobs.Keys(""), 1)
	store.AssertNotCalled(t, "MarkUploadFailed", mock.Anything, mock.Anything)
}
