package repository

import (
	"context"
)

type Querier interface {
	CreateUpload(ctx context.Context, arg CreateUploadParams) (Upload, error)
	GetUpload(ctx context.Context, id string) (Upload, error)
	GetUploadForUpdate(ctx context.Context, id string) (Upload, error)
	ListStaleUploads(ctx context.Context, arg ListStaleUploadsParams) ([]Upload, error)
	MarkUploadCompleted(ctx context.Context, arg MarkUploadCompletedParams) (Upload, error)
	MarkUploadFailed(ctx context.Context, arg MarkUploadFailedParams) (Upload, error)
	RecordChunkUpload(ctx context.Context, arg RecordChunkUploadParams) (Upload, error)
	TransitionUploadStatus(ctx context.Context, arg TransitionUploadStatusParams) (Upload, error)
}

var _ Querier = (*Queries)(nil)
