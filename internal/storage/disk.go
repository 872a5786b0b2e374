package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DiskStore keeps blobs as files below a root directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partially written object.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve disk root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk root: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

func (d *DiskStore) path(key string) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(key))
	if p != d.root && !strings.HasPrefix(p, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return p, nil
}

func (d *DiskStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	p, err := d.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		return 0, fmt.Errorf("object %s: expected %d bytes, got %d", key, size, n)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return n, nil
}

func (d *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

func (d *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (d *DiskStore) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes a directory-like prefix ("a/b/") recursively. Other
// prefixes remove matching files within the parent directory.
func (d *DiskStore) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := d.path(prefix)
	if err != nil {
		return err
	}
	if p == d.root {
		return fmt.Errorf("refusing to delete storage root")
	}

	if strings.HasSuffix(prefix, "/") {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to delete prefix %s: %w", prefix, err)
		}
		return nil
	}

	matches, err := filepath.Glob(p + "*")
	if err != nil {
		return fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return fmt.Errorf("failed to delete %s: %w", m, err)
		}
	}
	return nil
}

// Move renames src to dst, which is atomic on a single filesystem. Across
// devices it copies, syncs and only then removes the source.
func (d *DiskStore) Move(ctx context.Context, src, dst string) error {
	srcPath, err := d.path(src)
	if err != nil {
		return err
	}
	dstPath, err := d.path(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	err = os.Rename(srcPath, dstPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", src, ErrObjectNotFound)
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}

	return d.copyThenDelete(ctx, src, dst)
}

func (d *DiskStore) copyThenDelete(ctx context.Context, src, dst string) error {
	r, err := d.Get(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := d.Put(ctx, dst, r, -1); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	exists, err := d.Exists(ctx, dst)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("copy of %s to %s not found after write", src, dst)
	}
	return d.Delete(ctx, src)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ BlobStore = (*DiskStore)(nil)
