package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
)

var ErrObjectNotFound = errors.New("object not found")

// BlobStore is the capability shared by chunk staging and permanent storage.
// Keys are slash separated regardless of backend.
type BlobStore interface {
	// Put stores r under key and returns the number of bytes written. size may
	// be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
	// Get returns ErrObjectNotFound when key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// Move relocates src to dst. The source is only removed once dst is
	// confirmed to exist.
	Move(ctx context.Context, src, dst string) error
}

// Layout derives every storage key used by an upload.
type Layout struct {
	StagingPrefix   string
	PermanentPrefix string
}

func NewLayout(stagingPrefix, permanentPrefix string) Layout {
	return Layout{StagingPrefix: stagingPrefix, PermanentPrefix: permanentPrefix}
}

// StagingDir ends with a slash so that prefix deletes never touch an upload
// whose id shares the same leading characters.
func (l Layout) StagingDir(uploadID string) string {
	return path.Join(l.StagingPrefix, uploadID) + "/"
}

func (l Layout) ChunkKey(uploadID string, chunkIndex int64) string {
	return fmt.Sprintf("%schunk_%d", l.StagingDir(uploadID), chunkIndex)
}

func (l Layout) AssembledKey(uploadID string) string {
	return l.StagingDir(uploadID) + "assembled"
}

func (l Layout) PermanentKey(uploadID, filename string) string {
	return path.Join(l.PermanentPrefix, uploadID, filename)
}
