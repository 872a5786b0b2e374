package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ilkin0/resumable/internal/logger"
	"github.com/ilkin0/resumable/internal/repository"
	"github.com/ilkin0/resumable/internal/storage"
)

// Finalizer moves a verified artifact to permanent storage and records the
// upload as completed. The record only changes once the artifact is
// confirmed at its permanent key.
type Finalizer struct {
	store  repository.Querier
	blobs  storage.BlobStore
	layout storage.Layout
}

func NewFinalizer(store repository.Querier, blobs storage.BlobStore, layout storage.Layout) *Finalizer {
	return &Finalizer{store: store, blobs: blobs, layout: layout}
}

func (f *Finalizer) Finalize(ctx context.Context, upload repository.Upload) (repository.Upload, error) {
	src := f.layout.AssembledKey(upload.ID)
	dst := f.layout.PermanentKey(upload.ID, upload.Filename)

	if err := f.blobs.Move(ctx, src, dst); err != nil {
		return repository.Upload{}, fmt.Errorf("failed to move assembled file: %w", err)
	}

	exists, err := f.blobs.Exists(ctx, dst)
	if err != nil {
		return repository.Upload{}, fmt.Errorf("failed to confirm permanent file: %w", err)
	}
	if !exists {
		return repository.Upload{}, fmt.Errorf("permanent file %s missing after move", dst)
	}

	completed, err := f.store.MarkUploadCompleted(ctx, repository.MarkUploadCompletedParams{
		ID:          upload.ID,
		StoragePath: dst,
	})
	if err != nil {
		// Keep the permanent namespace free of artifacts for uploads that are
		// not completed.
		if delErr := f.blobs.Delete(context.WithoutCancel(ctx), dst); delErr != nil {
			logger.FromContext(ctx).Error("failed to remove orphaned permanent file",
				slog.String("key", dst),
				slog.String("error", delErr.Error()),
			)
		}
		return repository.Upload{}, fmt.Errorf("failed to mark upload completed: %w", err)
	}

	return completed, nil
}
