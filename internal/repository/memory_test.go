package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createMemoryUpload(t *testing.T, store *MemoryStore, id string, totalChunks int32) Upload {
	t.Helper()
	u, err := store.CreateUpload(context.Background(), CreateUploadParams{
		ID:          id,
		Filename:    "a.bin",
		MimeType:    "application/octet-stream",
		TotalSize:   10,
		TotalChunks: totalChunks,
		Checksum:    "checksum",
	})
	require.NoError(t, err)
	return u
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := createMemoryUpload(t, store, "u1", 2)
	assert.Equal(t, UploadStatusPending, created.Status)
	assert.Zero(t, created.UploadedChunks)
	assert.Zero(t, created.UploadedSize)
	assert.True(t, created.CreatedAt.Valid)

	got, err := store.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = store.CreateUpload(ctx, CreateUploadParams{ID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique")
}

func TestMemoryStore_GetUnknownReturnsNoRows(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetUpload(context.Background(), "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestMemoryStore_RecordChunkUploadStopsAtTotal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	createMemoryUpload(t, store, "u1", 2)

	u, err := store.RecordChunkUpload(ctx, RecordChunkUploadParams{ID: "u1", Size: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(1), u.UploadedChunks)
	assert.Equal(t, int64(5), u.UploadedSize)

	u, err = store.RecordChunkUpload(ctx, RecordChunkUploadParams{ID: "u1", Size: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(2), u.UploadedChunks)
	assert.Equal(t, int64(10), u.UploadedSize)

	_, err = store.RecordChunkUpload(ctx, RecordChunkUploadParams{ID: "u1", Size: 5})
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestMemoryStore_TransitionIsCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	createMemoryUpload(t, store, "u1", 1)

	params := TransitionUploadStatusParams{ID: "u1", FromStatus: UploadStatusPending, ToStatus: UploadStatusProcessing}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TransitionUploadStatus(ctx, params); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_MarkCompletedRequiresProcessing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	createMemoryUpload(t, store, "u1", 1)

	_, err := store.MarkUploadCompleted(ctx, MarkUploadCompletedParams{ID: "u1", StoragePath: "uploads/u1/a.bin"})
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	_, err = store.TransitionUploadStatus(ctx, TransitionUploadStatusParams{ID: "u1", FromStatus: UploadStatusPending, ToStatus: UploadStatusProcessing})
	require.NoError(t, err)

	u, err := store.MarkUploadCompleted(ctx, MarkUploadCompletedParams{ID: "u1", StoragePath: "uploads/u1/a.bin"})
	require.NoError(t, err)
	assert.Equal(t, UploadStatusCompleted, u.Status)
	assert.Equal(t, "uploads/u1/a.bin", u.StoragePath.String)

	_, err = store.MarkUploadFailed(ctx, MarkUploadFailedParams{ID: "u1", FailureReason: "late"})
	assert.ErrorIs(t, err, pgx.ErrNoRows, "completed is terminal")
}

func TestMemoryStore_ListStaleUploads(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	createMemoryUpload(t, store, "old", 1)

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	createMemoryUpload(t, store, "new", 1)

	stale, err := store.ListStaleUploads(ctx, ListStaleUploadsParams{
		Status:        UploadStatusPending,
		UpdatedBefore: pgtype.Timestamptz{Time: base.Add(time.Hour), Valid: true},
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestMemoryStore_WithUploadLockSerializes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	createMemoryUpload(t, store, "u1", 100)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithUploadLock(ctx, "u1", func(q Querier, u Upload) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, store.locks.entries, "lock entries are released")
}

func TestMemoryStore_WithUploadLockUnknownUpload(t *testing.T) {
	store := NewMemoryStore()

	called := false
	err := store.WithUploadLock(context.Background(), "missing", func(q Querier, u Upload) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.False(t, called)
}

func TestMemoryStore_WithUploadLockHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	createMemoryUpload(t, store, "u1", 1)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = store.WithUploadLock(context.Background(), "u1", func(q Querier, u Upload) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := store.WithUploadLock(ctx, "u1", func(q Querier, u Upload) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestMemoryStore_WithUploadLockCancelledContextNeverRuns(t *testing.T) {
	store := NewMemoryStore()
	createMemoryUpload(t, store, "u1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		err := store.WithUploadLock(ctx, "u1", func(q Querier, u Upload) error {
			ran.Add(1)
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Zero(t, ran.Load())
	assert.Empty(t, store.locks.entries, "no lock entry is left behind")
}
