package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("upload not found")
	ErrConflict   = errors.New("upload state conflict")
	// ErrIncomplete is a conflict: completion was requested before every
	// chunk was staged.
	ErrIncomplete = fmt.Errorf("%w: upload is incomplete", ErrConflict)

	ErrAssembly     = errors.New("assembly error")
	ErrIntegrity    = errors.New("integrity error")
	ErrFinalize     = errors.New("finalize error")
	ErrChunkMissing = errors.New("staged chunk missing")
)

// Reasons persisted on failed uploads and returned to clients.
const (
	ReasonAssembly          = "assembly error"
	ReasonChecksumMismatch  = "checksum mismatch"
	ReasonFinalize          = "finalize error"
	ReasonExpired           = "expired"
	ReasonProcessingTimeout = "processing timed out"
)

// FailureError reports that a completion attempt ended the upload in the
// failed state.
type FailureError struct {
	UploadID string
	Reason   string
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("upload %s failed: %s: %v", e.UploadID, e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
