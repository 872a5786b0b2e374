package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/cache"
	"github.com/ilkin0/resumable/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCache_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testutil.SetupRedis(t)
	c := cache.NewStatusCache(client, time.Minute)
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		got, version, err := c.Get(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Zero(t, version)
	})

	t.Run("set get invalidate", func(t *testing.T) {
		status := &types.UploadStatus{
			UploadID:       "u1",
			Filename:       "a.bin",
			TotalSize:      10,
			TotalChunks:    2,
			UploadedChunks: 1,
			UploadedSize:   5,
			Status:         "pending",
			Progress:       50,
			CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, c.Set(ctx, status, 0))

		got, version, err := c.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, status.Progress, got.Progress)
		assert.Equal(t, status.UploadedChunks, got.UploadedChunks)
		assert.True(t, status.CreatedAt.Equal(got.CreatedAt))
		assert.Zero(t, version)

		ttl, err := client.TTL(ctx, "upload:u1").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		require.NoError(t, c.Invalidate(ctx, "u1"))
		got, version, err = c.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, int64(1), version)
	})

	t.Run("set after invalidation is dropped", func(t *testing.T) {
		_, version, err := c.Get(ctx, "u2")
		require.NoError(t, err)

		require.NoError(t, c.Invalidate(ctx, "u2"))

		stale := &types.UploadStatus{UploadID: "u2", Status: "pending", UploadedChunks: 0}
		require.NoError(t, c.Set(ctx, stale, version))

		got, current, err := c.Get(ctx, "u2")
		require.NoError(t, err)
		assert.Nil(t, got, "snapshot read before the invalidation is not cached")
		assert.Equal(t, version+1, current)

		fresh := &types.UploadStatus{UploadID: "u2", Status: "pending", UploadedChunks: 1}
		require.NoError(t, c.Set(ctx, fresh, current))
		got, _, err = c.Get(ctx, "u2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int32(1), got.UploadedChunks)
	})

	t.Run("invalidate missing key", func(t *testing.T) {
		assert.NoError(t, c.Invalidate(ctx, "never-set"))
	})
}
