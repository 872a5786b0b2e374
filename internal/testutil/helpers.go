package testutil

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ilkin0/resumable/internal/database"
	"github.com/stretchr/testify/require"
)

// RandomBytes returns n bytes of random content.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SplitChunks cuts data into pieces of chunkSize; the last may be shorter.
func SplitChunks(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// ChunkReader wraps a chunk so callers can pass it where an io.Reader is
// expected without sharing the underlying slice position.
func ChunkReader(chunk []byte) *bytes.Reader {
	return bytes.NewReader(chunk)
}

// BackdateUpload moves updated_at into the past so cleanup picks it up.
func BackdateUpload(t *testing.T, ctx context.Context, db *database.Database, uploadID string, age time.Duration) {
	t.Helper()
	_, err := db.Pool.Exec(ctx, `
		UPDATE uploads
		SET updated_at = $1
		WHERE id = $2
	`, time.Now().Add(-age), uploadID)
	require.NoError(t, err)
}
