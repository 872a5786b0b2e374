package types

import (
	"io"
	"time"
)

type InitUploadRequest struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int32  `json:"total_chunks"`
	Checksum    string `json:"checksum"`
}

type InitUploadResponse struct {
	UploadID    string    `json:"upload_id"`
	Status      string    `json:"status"`
	TotalChunks int32     `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkUploadRequest carries one chunk payload. Size is -1 when the caller
// does not know the payload length up front.
type ChunkUploadRequest struct {
	UploadID     string
	ChunkIndex   int64
	Data         io.Reader
	Size         int64
	ExpectedHash string
}

type ChunkUploadResponse struct {
	UploadID       string  `json:"upload_id"`
	ChunkIndex     int64   `json:"chunk_index"`
	Accepted       bool    `json:"accepted"`
	Duplicate      bool    `json:"duplicate"`
	UploadedChunks int32   `json:"uploaded_chunks"`
	TotalChunks    int32   `json:"total_chunks"`
	Progress       float64 `json:"progress"`
}

type CompleteUploadRequest struct {
	UploadID string `json:"upload_id"`
}

type CompleteUploadResponse struct {
	UploadID         string `json:"upload_id"`
	Status           string `json:"status"`
	StoragePath      string `json:"storage_path,omitempty"`
	AlreadyCompleted bool   `json:"already_completed"`
	Reason           string `json:"reason,omitempty"`
}

type UploadStatus struct {
	UploadID       string    `json:"upload_id"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mime_type"`
	TotalSize      int64     `json:"total_size"`
	TotalChunks    int32     `json:"total_chunks"`
	UploadedChunks int32     `json:"uploaded_chunks"`
	UploadedSize   int64     `json:"uploaded_size"`
	Checksum       string    `json:"checksum"`
	Status         string    `json:"status"`
	Progress       float64   `json:"progress"`
	StoragePath    string    `json:"storage_path,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
