package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ilkin0/resumable/internal/storage"
)

// Assembler concatenates staged chunks into a single artifact in index
// order, streaming one chunk at a time.
type Assembler struct {
	blobs  storage.BlobStore
	layout storage.Layout
}

func NewAssembler(blobs storage.BlobStore, layout storage.Layout) *Assembler {
	return &Assembler{blobs: blobs, layout: layout}
}

// Assemble writes chunks 0..totalChunks-1 of uploadID to the assembled key,
// copying every byte into tee as it goes. It returns the number of bytes
// written. The assembled object is left in place on error; removing it is
// the caller's job.
func (a *Assembler) Assemble(ctx context.Context, uploadID string, totalChunks int32, tee io.Writer) (int64, error) {
	src := &chunkReader{
		ctx:    ctx,
		blobs:  a.blobs,
		layout: a.layout,
		id:     uploadID,
		total:  totalChunks,
	}
	defer src.Close()

	written, err := a.blobs.Put(ctx, a.layout.AssembledKey(uploadID), io.TeeReader(src, tee), -1)
	if src.err != nil {
		// Storage clients may not preserve the reader's error chain.
		return 0, src.err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write assembled file: %w", err)
	}
	if src.next != totalChunks {
		return 0, fmt.Errorf("assembled %d of %d chunks", src.next, totalChunks)
	}
	return written, nil
}

// chunkReader reads the staged chunks of one upload back to back, opening
// each only when the previous one is exhausted.
type chunkReader struct {
	ctx    context.Context
	blobs  storage.BlobStore
	layout storage.Layout
	id     string
	total  int32

	next int32
	cur  io.ReadCloser
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	for {
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			rc, err := r.blobs.Get(r.ctx, r.layout.ChunkKey(r.id, int64(r.next)))
			if errors.Is(err, storage.ErrObjectNotFound) {
				r.err = fmt.Errorf("%w: chunk %d", ErrChunkMissing, r.next)
				return 0, r.err
			}
			if err != nil {
				r.err = fmt.Errorf("failed to open chunk %d: %w", r.next, err)
				return 0, r.err
			}
			r.cur = rc
			r.next++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.err = fmt.Errorf("failed to read chunk %d: %w", r.next-1, err)
			return n, r.err
		}
		return n, nil
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
