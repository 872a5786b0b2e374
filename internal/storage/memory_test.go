package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	RunContract(t, func(t *testing.T) BlobStore { return NewMemoryStore() })
}

func TestMemoryStore_PutRejectsShortBody(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Put(context.Background(), "k", strings.NewReader("abc"), 5)
	require.Error(t, err)

	assert.Empty(t, s.Keys(""))
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, "temp/uploads/u1/chunk_0", strings.NewReader("a"), 1)
	_, _ = s.Put(ctx, "uploads/u1/a.bin", strings.NewReader("a"), 1)

	assert.Equal(t, []string{"temp/uploads/u1/chunk_0"}, s.Keys("temp/"))
}
