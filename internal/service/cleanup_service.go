package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilkin0/resumable/internal/repository"
	"github.com/ilkin0/resumable/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const defaultCleanupBatchSize = 100

var errNotStale = errors.New("upload is no longer stale")

type CleanupOptions struct {
	Layout        storage.Layout
	PendingTTL    time.Duration
	ProcessingTTL time.Duration
	BatchSize     int32
	Cache         StatusCache
}

// CleanupService fails uploads that were abandoned before completion and
// purges their staged chunks.
type CleanupService struct {
	store  UploadStore
	blobs  storage.BlobStore
	layout storage.Layout
	cache  StatusCache

	pendingTTL    time.Duration
	processingTTL time.Duration
	batchSize     int32
	now           func() time.Time
}

func NewCleanupService(store UploadStore, blobs storage.BlobStore, opts CleanupOptions) *CleanupService {
	if opts.Layout == (storage.Layout{}) {
		opts.Layout = storage.NewLayout("temp/uploads", "uploads")
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 24 * time.Hour
	}
	if opts.ProcessingTTL <= 0 {
		opts.ProcessingTTL = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &CleanupService{
		store:         store,
		blobs:         blobs,
		layout:        opts.Layout,
		cache:         opts.Cache,
		pendingTTL:    opts.PendingTTL,
		processingTTL: opts.ProcessingTTL,
		batchSize:     opts.BatchSize,
		now:           time.Now,
	}
}

// CleanupStaleUploads fails pending uploads idle longer than the pending TTL
// and processing uploads stuck longer than the processing TTL. It returns the
// number of uploads it failed.
func (s *CleanupService) CleanupStaleUploads(ctx context.Context) (int, error) {
	expired, err := s.sweep(ctx, repository.UploadStatusPending, s.pendingTTL, ReasonExpired)
	if err != nil {
		return expired, fmt.Errorf("failed to expire pending uploads: %w", err)
	}

	timedOut, err := s.sweep(ctx, repository.UploadStatusProcessing, s.processingTTL, ReasonProcessingTimeout)
	if err != nil {
		return expired + timedOut, fmt.Errorf("failed to expire processing uploads: %w", err)
	}

	return expired + timedOut, nil
}

func (s *CleanupService) sweep(ctx context.Context, status repository.UploadStatus, ttl time.Duration, reason string) (int, error) {
	cutoff := s.now().Add(-ttl)
	stale, err := s.store.ListStaleUploads(ctx, repository.ListStaleUploadsParams{
		Status:        status,
		UpdatedBefore: pgtype.Timestamptz{Time: cutoff, Valid: true},
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale uploads: %w", err)
	}

	count := 0
	var lastErr error
	for _, upload := range stale {
		err := s.store.WithUploadLock(ctx, upload.ID, func(q repository.Querier, current repository.Upload) error {
			// The upload may have moved on between listing and locking.
			if current.Status != status || !current.UpdatedAt.Time.Before(cutoff) {
				return errNotStale
			}
			if err := s.blobs.DeletePrefix(ctx, s.layout.StagingDir(current.ID)); err != nil {
				return fmt.Errorf("failed to purge staging: %w", err)
			}
			if _, err := q.MarkUploadFailed(ctx, repository.MarkUploadFailedParams{
				ID:            current.ID,
				FailureReason: reason,
			}); err != nil {
				return fmt.Errorf("failed to mark upload failed: %w", err)
			}
			return nil
		})
		switch {
		case errors.Is(err, errNotStale), errors.Is(err, pgx.ErrNoRows):
			continue
		case err != nil:
			slog.Error("failed to clean up upload",
				slog.String("upload_id", upload.ID),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, upload.ID); err != nil {
				slog.Warn("failed to invalidate status cache",
					slog.String("upload_id", upload.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		slog.Info("stale upload failed",
			slog.String("upload_id", upload.ID),
			slog.String("reason", reason),
		)
		count++
	}

	return count, lastErr
}
