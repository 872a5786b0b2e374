package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/crypto"
	"github.com/ilkin0/resumable/internal/logger"
	"github.com/ilkin0/resumable/internal/repository"
	"github.com/ilkin0/resumable/internal/storage"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ilkin0/resumable/internal/service")

const (
	DefaultMaxChunkSize  int64 = 16 << 20
	DefaultMaxUploadSize int64 = 5 << 30
)

// UploadStore is the upload record store together with its per-upload
// critical section. fn runs while no other WithUploadLock call for the same
// id can; an error returned from fn discards its record mutations where the
// backend supports it.
type UploadStore interface {
	repository.Querier
	WithUploadLock(ctx context.Context, uploadID string, fn func(q repository.Querier, upload repository.Upload) error) error
}

// StatusCache holds status snapshots for polling clients. Get returns nil on
// a miss together with the entry's current version. Set stores a snapshot
// only while the version is unchanged, so a snapshot read before a
// concurrent Invalidate is never cached.
type StatusCache interface {
	Get(ctx context.Context, uploadID string) (*types.UploadStatus, int64, error)
	Set(ctx context.Context, status *types.UploadStatus, version int64) error
	Invalidate(ctx context.Context, uploadID string) error
}

type Options struct {
	Layout        storage.Layout
	MaxChunkSize  int64
	MaxUploadSize int64
	// Cache is optional.
	Cache StatusCache
}

type UploadService struct {
	store     UploadStore
	blobs     storage.BlobStore
	layout    storage.Layout
	assembler *Assembler
	finalizer *Finalizer
	cache     StatusCache

	maxChunkSize  int64
	maxUploadSize int64
}

func NewUploadService(store UploadStore, blobs storage.BlobStore, opts Options) *UploadService {
	if opts.Layout == (storage.Layout{}) {
		opts.Layout = storage.NewLayout("temp/uploads", "uploads")
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}

	return &UploadService{
		store:         store,
		blobs:         blobs,
		layout:        opts.Layout,
		assembler:     NewAssembler(blobs, opts.Layout),
		finalizer:     NewFinalizer(store, blobs, opts.Layout),
		cache:         opts.Cache,
		maxChunkSize:  opts.MaxChunkSize,
		maxUploadSize: opts.MaxUploadSize,
	}
}

// MaxChunkSize is the largest chunk payload AcceptChunk stages.
func (s *UploadService) MaxChunkSize() int64 {
	return s.maxChunkSize
}

func (s *UploadService) InitUpload(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	ctx, span := tracer.Start(ctx, "upload.initialize",
		trace.WithAttributes(
			attribute.String("file_name", req.Filename),
			attribute.Int64("total_size", req.TotalSize),
			attribute.Int("total_chunks", int(req.TotalChunks)),
		),
	)
	defer span.End()

	req.Checksum = crypto.NormalizeHash(req.Checksum)
	if err := s.validateInitRequest(req); err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	span.SetAttributes(attribute.String("upload_id", uploadID))

	upload, err := s.store.CreateUpload(ctx, repository.CreateUploadParams{
		ID:          uploadID,
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		Checksum:    req.Checksum,
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}

	logger.FromContext(ctx).Info("upload initialized",
		slog.String("upload_id", upload.ID),
		slog.String("file_name", upload.Filename),
		slog.Int64("total_size", upload.TotalSize),
		slog.Int("total_chunks", int(upload.TotalChunks)),
	)

	return &types.InitUploadResponse{
		UploadID:    upload.ID,
		Status:      string(upload.Status),
		TotalChunks: upload.TotalChunks,
		CreatedAt:   upload.CreatedAt.Time,
	}, nil
}

func (s *UploadService) validateInitRequest(req types.InitUploadRequest) error {
	name := req.Filename
	switch {
	case strings.TrimSpace(name) == "":
		return validationError("filename is required")
	case name == "." || name == "..":
		return validationError("filename %q is not allowed", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return validationError("filename must not contain path separators")
	}
	if strings.TrimSpace(req.MimeType) == "" {
		return validationError("mime_type is required")
	}
	if req.TotalSize < 1 {
		return validationError("total_size must be at least 1")
	}
	if req.TotalSize > s.maxUploadSize {
		return validationError("total_size %d exceeds maximum of %d", req.TotalSize, s.maxUploadSize)
	}
	if req.TotalChunks < 1 {
		return validationError("total_chunks must be at least 1")
	}
	if int64(req.TotalChunks) > req.TotalSize {
		return validationError("total_chunks %d exceeds total_size %d", req.TotalChunks, req.TotalSize)
	}
	if req.Checksum == "" {
		return validationError("checksum is required")
	}
	if !crypto.ValidHash(req.Checksum) {
		return validationError("checksum must be a hex encoded SHA-256 digest")
	}
	return nil
}

// AcceptChunk stages one chunk. Re-sending an index that is already staged
// succeeds without touching the stored bytes or the counters.
func (s *UploadService) AcceptChunk(ctx context.Context, req types.ChunkUploadRequest) (*types.ChunkUploadResponse, error) {
	ctx, span := tracer.Start(ctx, "upload.accept_chunk",
		trace.WithAttributes(
			attribute.String("upload_id", req.UploadID),
			attribute.Int64("chunk_index", req.ChunkIndex),
		),
	)
	defer span.End()

	if req.UploadID == "" {
		return nil, validationError("upload_id is required")
	}
	if req.ChunkIndex < 0 {
		return nil, validationError("chunk_index must not be negative")
	}
	if req.Data == nil || req.Size == 0 {
		return nil, validationError("chunk is empty")
	}
	if req.Size > s.maxChunkSize {
		return nil, validationError("chunk size %d exceeds maximum of %d", req.Size, s.maxChunkSize)
	}
	if req.ExpectedHash != "" && !crypto.ValidHash(crypto.NormalizeHash(req.ExpectedHash)) {
		return nil, validationError("hash must be a hex encoded SHA-256 digest")
	}

	ctx, log := logger.WithUpload(ctx, req.UploadID)

	var resp *types.ChunkUploadResponse
	var stagedKey string
	err := s.withLock(ctx, req.UploadID, func(q repository.Querier, upload repository.Upload) error {
		if upload.Status != repository.UploadStatusPending {
			return conflictError("upload %s is %s", upload.ID, upload.Status)
		}
		if req.ChunkIndex >= int64(upload.TotalChunks) {
			return validationError("chunk_index %d out of range [0, %d)", req.ChunkIndex, upload.TotalChunks)
		}

		key := s.layout.ChunkKey(upload.ID, req.ChunkIndex)
		staged, err := s.blobs.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check staged chunk: %w", err)
		}
		if staged {
			resp = chunkResponse(upload, req.ChunkIndex, true)
			return nil
		}

		written, err := s.stageChunk(ctx, key, req, upload)
		if err != nil {
			return err
		}

		updated, err := q.RecordChunkUpload(ctx, repository.RecordChunkUploadParams{
			ID:   upload.ID,
			Size: written,
		})
		if err != nil {
			s.discard(ctx, key)
			if errors.Is(err, pgx.ErrNoRows) {
				return conflictError("upload %s no longer accepts chunks", upload.ID)
			}
			return fmt.Errorf("failed to record chunk: %w", err)
		}

		stagedKey = key
		resp = chunkResponse(updated, req.ChunkIndex, false)
		return nil
	})
	if err != nil {
		// The chunk was staged and counted but the commit failed. Without the
		// count the blob must go, or a retry would be taken for a duplicate.
		if stagedKey != "" {
			s.discard(ctx, stagedKey)
		}
		recordError(span, err)
		return nil, err
	}

	if resp.Duplicate {
		log.Debug("chunk already staged", slog.Int64("chunk_index", req.ChunkIndex))
	} else {
		s.invalidate(ctx, req.UploadID)
		log.Debug("chunk accepted",
			slog.Int64("chunk_index", req.ChunkIndex),
			slog.Int("uploaded_chunks", int(resp.UploadedChunks)),
			slog.Float64("progress", resp.Progress),
		)
	}
	span.SetAttributes(attribute.Bool("duplicate", resp.Duplicate))
	return resp, nil
}

// stageChunk writes the payload to key and returns the number of bytes the
// blob store reports as written. Anything that fails validation after the
// write is removed again.
func (s *UploadService) stageChunk(ctx context.Context, key string, req types.ChunkUploadRequest, upload repository.Upload) (int64, error) {
	remaining := upload.TotalSize - upload.UploadedSize
	if req.Size > remaining {
		return 0, validationError("chunk size %d exceeds remaining %d bytes of the upload", req.Size, remaining)
	}
	limit := min(s.maxChunkSize, remaining)

	counted := &countingReader{r: io.LimitReader(req.Data, limit+1)}
	var verifier *crypto.Verifier
	var body io.Reader = counted
	if req.ExpectedHash != "" {
		verifier = crypto.NewVerifier(req.ExpectedHash)
		body = io.TeeReader(body, verifier)
	}

	size := req.Size
	if size < 0 {
		size = -1
	}
	written, err := s.blobs.Put(ctx, key, body, size)
	if err != nil {
		s.discard(ctx, key)
		if size >= 0 && counted.eof && counted.n < size {
			return 0, validationError("chunk body has %d bytes, declared %d", counted.n, size)
		}
		return 0, fmt.Errorf("failed to stage chunk: %w", err)
	}

	var rejectErr error
	switch {
	case written == 0:
		rejectErr = validationError("chunk is empty")
	case written > s.maxChunkSize:
		rejectErr = validationError("chunk exceeds maximum size of %d", s.maxChunkSize)
	case written > remaining:
		rejectErr = validationError("chunk exceeds remaining %d bytes of the upload", remaining)
	case verifier != nil && !verifier.Verify():
		rejectErr = validationError("chunk hash mismatch")
	}
	if rejectErr != nil {
		s.discard(ctx, key)
		return 0, rejectErr
	}
	return written, nil
}

// Complete assembles, verifies and finalizes an upload. A completed upload
// returns its existing result. A *FailureError is returned when the attempt
// moved the upload to failed.
func (s *UploadService) Complete(ctx context.Context, uploadID string) (*types.CompleteUploadResponse, error) {
	ctx, span := tracer.Start(ctx, "upload.complete",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	if uploadID == "" {
		return nil, validationError("upload_id is required")
	}
	ctx, log := logger.WithUpload(ctx, uploadID)

	var upload repository.Upload
	alreadyCompleted := false
	err := s.withLock(ctx, uploadID, func(q repository.Querier, current repository.Upload) error {
		switch current.Status {
		case repository.UploadStatusCompleted:
			upload = current
			alreadyCompleted = true
			return nil
		case repository.UploadStatusProcessing:
			return conflictError("upload %s is already being processed", current.ID)
		case repository.UploadStatusFailed:
			return conflictError("upload %s has failed, initialize a new upload", current.ID)
		}

		if current.UploadedChunks < current.TotalChunks {
			return fmt.Errorf("%w: %d of %d chunks uploaded", ErrIncomplete, current.UploadedChunks, current.TotalChunks)
		}

		updated, err := q.TransitionUploadStatus(ctx, repository.TransitionUploadStatusParams{
			ID:         current.ID,
			FromStatus: repository.UploadStatusPending,
			ToStatus:   repository.UploadStatusProcessing,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return conflictError("upload %s changed state concurrently", current.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to start processing: %w", err)
		}
		upload = updated
		return nil
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	if alreadyCompleted {
		span.SetAttributes(attribute.Bool("already_completed", true))
		return &types.CompleteUploadResponse{
			UploadID:         upload.ID,
			Status:           string(upload.Status),
			StoragePath:      upload.StoragePath.String,
			AlreadyCompleted: true,
		}, nil
	}

	s.invalidate(ctx, uploadID)
	log.Info("upload processing started")

	// Once processing has started the outcome no longer depends on the
	// caller staying connected.
	completed, err := s.process(context.WithoutCancel(ctx), upload)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	log.Info("upload completed", slog.String("storage_path", completed.StoragePath.String))
	return &types.CompleteUploadResponse{
		UploadID:    completed.ID,
		Status:      string(completed.Status),
		StoragePath: completed.StoragePath.String,
	}, nil
}

// process runs assembly, verification and finalization for an upload that is
// in the processing state. Every path leaves the record completed or failed
// and the staging area empty.
func (s *UploadService) process(ctx context.Context, upload repository.Upload) (repository.Upload, error) {
	assembleCtx, span := tracer.Start(ctx, "upload.assemble")
	verifier := crypto.NewVerifier(upload.Checksum)
	written, err := s.assembler.Assemble(assembleCtx, upload.ID, upload.TotalChunks, verifier)
	span.SetAttributes(attribute.Int64("bytes_written", written))
	span.End()
	if err != nil {
		return repository.Upload{}, s.fail(ctx, upload, ReasonAssembly, fmt.Errorf("%w: %w", ErrAssembly, err))
	}

	if written != upload.TotalSize {
		s.discard(ctx, s.layout.AssembledKey(upload.ID))
		return repository.Upload{}, s.fail(ctx, upload, ReasonChecksumMismatch,
			fmt.Errorf("%w: assembled %d bytes, declared %d", ErrIntegrity, written, upload.TotalSize))
	}
	if !verifier.Verify() {
		s.discard(ctx, s.layout.AssembledKey(upload.ID))
		return repository.Upload{}, s.fail(ctx, upload, ReasonChecksumMismatch,
			fmt.Errorf("%w: expected %s, computed %s", ErrIntegrity, upload.Checksum, verifier.Sum()))
	}

	finalizeCtx, span := tracer.Start(ctx, "upload.finalize")
	completed, err := s.finalizer.Finalize(finalizeCtx, upload)
	span.End()
	if err != nil {
		s.discard(ctx, s.layout.PermanentKey(upload.ID, upload.Filename))
		return repository.Upload{}, s.fail(ctx, upload, ReasonFinalize, fmt.Errorf("%w: %w", ErrFinalize, err))
	}

	s.purgeStaging(context.WithoutCancel(ctx), upload.ID)
	s.invalidate(context.WithoutCancel(ctx), upload.ID)
	return completed, nil
}

// fail purges staging and records the failure. It runs detached from the
// caller's cancellation so the record never stays in processing.
func (s *UploadService) fail(ctx context.Context, upload repository.Upload, reason string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	s.purgeStaging(ctx, upload.ID)

	if _, err := s.store.MarkUploadFailed(ctx, repository.MarkUploadFailedParams{
		ID:            upload.ID,
		FailureReason: reason,
	}); err != nil {
		log.Error("failed to mark upload failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
	s.invalidate(ctx, upload.ID)

	log.Warn("upload failed",
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	return &FailureError{UploadID: upload.ID, Reason: reason, Err: cause}
}

func (s *UploadService) Status(ctx context.Context, uploadID string) (*types.UploadStatus, error) {
	ctx, span := tracer.Start(ctx, "upload.status",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	if uploadID == "" {
		return nil, validationError("upload_id is required")
	}

	cacheable := s.cache != nil
	var version int64
	if s.cache != nil {
		cached, v, err := s.cache.Get(ctx, uploadID)
		if err != nil {
			cacheable = false
			logger.FromContext(ctx).Warn("status cache lookup failed",
				slog.String("upload_id", uploadID),
				slog.String("error", err.Error()),
			)
		}
		version = v
		if cached != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
	}

	upload, err := s.store.GetUpload(ctx, uploadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uploadID)
	}
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}

	status := ToStatus(upload)
	if cacheable {
		if err := s.cache.Set(ctx, status, version); err != nil {
			logger.FromContext(ctx).Warn("failed to cache status",
				slog.String("upload_id", uploadID),
				slog.String("error", err.Error()),
			)
		}
	}
	return status, nil
}

func (s *UploadService) withLock(ctx context.Context, uploadID string, fn func(q repository.Querier, upload repository.Upload) error) error {
	err := s.store.WithUploadLock(ctx, uploadID, fn)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, uploadID)
	}
	return err
}

func (s *UploadService) purgeStaging(ctx context.Context, uploadID string) {
	if err := s.blobs.DeletePrefix(ctx, s.layout.StagingDir(uploadID)); err != nil {
		logger.FromContext(ctx).Error("failed to purge staging",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// discard removes a single object, ignoring cancellation of ctx.
func (s *UploadService) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.FromContext(ctx).Error("failed to delete object",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *UploadService) invalidate(ctx context.Context, uploadID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, uploadID); err != nil {
		logger.FromContext(ctx).Warn("failed to invalidate status cache",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// Progress is uploaded/total as a percentage rounded to two decimals, and 0
// when total is not positive.
func Progress(uploaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(uploaded)/float64(total)*100*100) / 100
}

func ToStatus(u repository.Upload) *types.UploadStatus {
	return &types.UploadStatus{
		UploadID:       u.ID,
		Filename:       u.Filename,
		MimeType:       u.MimeType,
		TotalSize:      u.TotalSize,
		TotalChunks:    u.TotalChunks,
		UploadedChunks: u.UploadedChunks,
		UploadedSize:   u.UploadedSize,
		Checksum:       u.Checksum,
		Status:         string(u.Status),
		Progress:       Progress(u.UploadedSize, u.TotalSize),
		StoragePath:    u.StoragePath.String,
		FailureReason:  u.FailureReason.String,
		CreatedAt:      u.CreatedAt.Time,
		UpdatedAt:      u.UpdatedAt.Time,
	}
}

func chunkResponse(u repository.Upload, chunkIndex int64, duplicate bool) *types.ChunkUploadResponse {
	return &types.ChunkUploadResponse{
		UploadID:       u.ID,
		ChunkIndex:     chunkIndex,
		Accepted:       true,
		Duplicate:      duplicate,
		UploadedChunks: u.UploadedChunks,
		TotalChunks:    u.TotalChunks,
		Progress:       Progress(u.UploadedSize, u.TotalSize),
	}
}

// countingReader counts the bytes read and remembers whether the source
// reached EOF.
type countingReader struct {
	r   io.Reader
	n   int64
	eof bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
