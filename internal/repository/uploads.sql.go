package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const uploadColumns = `id, filename, mime_type, total_size, total_chunks, checksum, uploaded_chunks, uploaded_size, status, storage_path, failure_reason, created_at, updated_at`

func scanUpload(row interface{ Scan(...any) error }) (Upload, error) {
	var i Upload
	err := row.Scan(
		&i.ID,
		&i.Filename,
		&i.MimeType,
		&i.TotalSize,
		&i.TotalChunks,
		&i.Checksum,
		&i.UploadedChunks,
		&i.UploadedSize,
		&i.Status,
		&i.StoragePath,
		&i.FailureReason,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createUpload = `-- name: CreateUpload :one
INSERT INTO uploads (id, filename, mime_type, total_size, total_chunks, checksum)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + uploadColumns

type CreateUploadParams struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int32  `json:"total_chunks"`
	Checksum    string `json:"checksum"`
}

func (q *Queries) CreateUpload(ctx context.Context, arg CreateUploadParams) (Upload, error) {
	row := q.db.QueryRow(ctx, createUpload,
		arg.ID,
		arg.Filename,
		arg.MimeType,
		arg.TotalSize,
		arg.TotalChunks,
		arg.Checksum,
	)
	return scanUpload(row)
}

const getUpload = `-- name: GetUpload :one
SELECT ` + uploadColumns + `
FROM uploads
WHERE id = $1`

func (q *Queries) GetUpload(ctx context.Context, id string) (Upload, error) {
	row := q.db.QueryRow(ctx, getUpload, id)
	return scanUpload(row)
}

const getUploadForUpdate = `-- name: GetUploadForUpdate :one
SELECT ` + uploadColumns + `
FROM uploads
WHERE id = $1
FOR UPDATE`

func (q *Queries) GetUploadForUpdate(ctx context.Context, id string) (Upload, error) {
	row := q.db.QueryRow(ctx, getUploadForUpdate, id)
	return scanUpload(row)
}

const recordChunkUpload = `-- name: RecordChunkUpload :one
UPDATE uploads
SET uploaded_chunks = uploaded_chunks + 1,
    uploaded_size   = uploaded_size + $2,
    updated_at      = NOW()
WHERE id = $1
  AND status = 'pending'
  AND uploaded_chunks < total_chunks
RETURNING ` + uploadColumns

type RecordChunkUploadParams struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

func (q *Queries) RecordChunkUpload(ctx context.Context, arg RecordChunkUploadParams) (Upload, error) {
	row := q.db.QueryRow(ctx, recordChunkUpload, arg.ID, arg.Size)
	return scanUpload(row)
}

const transitionUploadStatus = `-- name: TransitionUploadStatus :one
UPDATE uploads
SET status = $3,
    updated_at = NOW()
WHERE id = $1
  AND status = $2
RETURNING ` + uploadColumns

type TransitionUploadStatusParams struct {
	ID         string       `json:"id"`
	FromStatus UploadStatus `json:"from_status"`
	ToStatus   UploadStatus `json:"to_status"`
}

func (q *Queries) TransitionUploadStatus(ctx context.Context, arg TransitionUploadStatusParams) (Upload, error) {
	row := q.db.QueryRow(ctx, transitionUploadStatus, arg.ID, arg.FromStatus, arg.ToStatus)
	return scanUpload(row)
}

const markUploadCompleted = `-- name: MarkUploadCompleted :one
UPDATE uploads
SET status = 'completed',
    storage_path = $2,
    failure_reason = NULL,
    updated_at = NOW()
WHERE id = $1
  AND status = 'processing'
RETURNING ` + uploadColumns

type MarkUploadCompletedParams struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
}

func (q *Queries) MarkUploadCompleted(ctx context.Context, arg MarkUploadCompletedParams) (Upload, error) {
	row := q.db.QueryRow(ctx, markUploadCompleted, arg.ID, arg.StoragePath)
	return scanUpload(row)
}

const markUploadFailed = `-- name: MarkUploadFailed :one
UPDATE uploads
SET status = 'failed',
    failure_reason = $2,
    updated_at = NOW()
WHERE id = $1
  AND status IN ('pending', 'processing')
RETURNING ` + uploadColumns

type MarkUploadFailedParams struct {
	ID            string `json:"id"`
	FailureReason string `json:"failure_reason"`
}

func (q *Queries) MarkUploadFailed(ctx context.Context, arg MarkUploadFailedParams) (Upload, error) {
	row := q.db.QueryRow(ctx, markUploadFailed, arg.ID, arg.FailureReason)
	return scanUpload(row)
}

const listStaleUploads = `-- name: ListStaleUploads :many
SELECT ` + uploadColumns + `
FROM uploads
WHERE status = $1
  AND updated_at < $2
ORDER BY updated_at
LIMIT $3`

type ListStaleUploadsParams struct {
	Status        UploadStatus       `json:"status"`
	UpdatedBefore pgtype.Timestamptz `json:"updated_before"`
	Limit         int32              `json:"limit"`
}

func (q *Queries) ListStaleUploads(ctx context.Context, arg ListStaleUploadsParams) ([]Upload, error) {
	rows, err := q.db.Query(ctx, listStaleUploads, arg.Status, arg.UpdatedBefore, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Upload
	for rows.Next() {
		i, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
