package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

type Upload struct {
	ID             string             `json:"id"`
	Filename       string             `json:"filename"`
	MimeType       string             `json:"mime_type"`
	TotalSize      int64              `json:"total_size"`
	TotalChunks    int32              `json:"total_chunks"`
	Checksum       string             `json:"checksum"`
	UploadedChunks int32              `json:"uploaded_chunks"`
	UploadedSize   int64              `json:"uploaded_size"`
	Status         UploadStatus       `json:"status"`
	StoragePath    pgtype.Text        `json:"storage_path"`
	FailureReason  pgtype.Text        `json:"failure_reason"`
	CreatedAt      pgtype.Timestamptz `json:"created_at"`
	UpdatedAt      pgtype.Timestamptz `json:"updated_at"`
}
