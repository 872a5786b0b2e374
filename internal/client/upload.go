package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"os"
	"path/filepath"

	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/crypto"
)

const DefaultChunkSize int64 = 5 << 20

type UploadOptions struct {
	ChunkSize int64
	// MimeType defaults to the type registered for the file extension.
	MimeType string
	// UploadID resumes an existing upload instead of initializing a new one.
	// Chunks the server already holds are acknowledged as duplicates.
	UploadID string
	// OnChunk is called after every acknowledged chunk.
	OnChunk func(*types.ChunkUploadResponse)
}

// UploadFile sends a local file through the full initialize, chunk and
// complete sequence. The file is read once to compute its checksum and then
// chunk by chunk, so memory use is bounded by the chunk size.
func (c *Client) UploadFile(ctx context.Context, path string, opts UploadOptions) (*types.CompleteUploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	totalChunks := (info.Size() + chunkSize - 1) / chunkSize
	if totalChunks > math.MaxInt32 {
		return nil, fmt.Errorf("%s needs %d chunks of %d bytes, more than the %d allowed; use a larger chunk size",
			path, totalChunks, chunkSize, math.MaxInt32)
	}

	uploadID := opts.UploadID
	if uploadID == "" {
		checksum, err := crypto.HashReader(io.NewSectionReader(f, 0, info.Size()))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}

		mimeType := opts.MimeType
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(path))
		}
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		initResp, err := c.InitUpload(ctx, types.InitUploadRequest{
			Filename:    filepath.Base(path),
			MimeType:    mimeType,
			TotalSize:   info.Size(),
			TotalChunks: int32(totalChunks),
			Checksum:    checksum,
		})
		if err != nil {
			return nil, err
		}
		uploadID = initResp.UploadID
	}

	log := c.logger.With(slog.String("upload_id", uploadID))
	log.Info("uploading file",
		slog.String("path", path),
		slog.Int64("size", info.Size()),
		slog.Int64("chunks", totalChunks),
	)

	buf := make([]byte, chunkSize)
	for i := int64(0); i < totalChunks; i++ {
		n, err := io.ReadFull(io.NewSectionReader(f, i*chunkSize, chunkSize), buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		chunk := buf[:n]

		resp, err := c.UploadChunk(ctx, uploadID, i, chunk, ChunkHash(chunk))
		if err != nil {
			return nil, err
		}
		log.Debug("chunk acknowledged",
			slog.Int64("chunk_index", i),
			slog.Bool("duplicate", resp.Duplicate),
			slog.Float64("progress", resp.Progress),
		)
		if opts.OnChunk != nil {
			opts.OnChunk(resp)
		}
	}

	return c.Complete(ctx, uploadID)
}
