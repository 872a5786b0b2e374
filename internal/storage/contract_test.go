package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunContract exercises the behaviour every BlobStore backend must share.
func RunContract(t *testing.T, newStore func(t *testing.T) BlobStore) {
	ctx := context.Background()

	readAll := func(t *testing.T, s BlobStore, key string) []byte {
		t.Helper()
		r, err := s.Get(ctx, key)
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		return data
	}

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		n, err := s.Put(ctx, "temp/uploads/u1/chunk_0", strings.NewReader("01234"), 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		assert.Equal(t, []byte("01234"), readAll(t, s, "temp/uploads/u1/chunk_0"))
	})

	t.Run("put with unknown size", func(t *testing.T) {
		s := newStore(t)
		n, err := s.Put(ctx, "temp/uploads/u1/assembled", bytes.NewReader([]byte("0123456789")), -1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "temp/uploads/missing/chunk_0")
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		s := newStore(t)
		exists, err := s.Exists(ctx, "a/b")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.Put(ctx, "a/b", strings.NewReader("x"), 1)
		require.NoError(t, err)

		exists, err = s.Exists(ctx, "a/b")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, "a/b", strings.NewReader("x"), 1)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "a/b"))
		require.NoError(t, s.Delete(ctx, "a/b"))

		exists, err := s.Exists(ctx, "a/b")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("delete prefix leaves siblings", func(t *testing.T) {
		s := newStore(t)
		for _, key := range []string{"temp/uploads/u1/chunk_0", "temp/uploads/u1/chunk_1", "temp/uploads/u10/chunk_0"} {
			_, err := s.Put(ctx, key, strings.NewReader("x"), 1)
			require.NoError(t, err)
		}

		require.NoError(t, s.DeletePrefix(ctx, "temp/uploads/u1/"))

		for key, want := range map[string]bool{
			"temp/uploads/u1/chunk_0":  false,
			"temp/uploads/u1/chunk_1":  false,
			"temp/uploads/u10/chunk_0": true,
		} {
			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, want, exists, key)
		}
	})

	t.Run("move relocates content", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, "temp/uploads/u1/assembled", strings.NewReader("0123456789"), 10)
		require.NoError(t, err)

		require.NoError(t, s.Move(ctx, "temp/uploads/u1/assembled", "uploads/u1/a.bin"))

		assert.Equal(t, []byte("0123456789"), readAll(t, s, "uploads/u1/a.bin"))
		exists, err := s.Exists(ctx, "temp/uploads/u1/assembled")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("move missing source", func(t *testing.T) {
		s := newStore(t)
		err := s.Move(ctx, "temp/uploads/u1/assembled", "uploads/u1/a.bin")
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})
}
