package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned by services.
var (
	// ErrUploadNotReady is returned when data is requested from an upload
	// that has not completed ingestion.
	ErrUploadNotReady = errors.New("upload has not finished processing")

	// ErrPartialDelete is returned when the upload record and rows were
	// deleted but the raw file could not be removed.
	ErrPartialDelete = errors.New("upload deleted but file removal failed")
)

// PartialDeleteError reports a delete that removed the database state but
// left the raw file behind. It carries the file key so callers can retry
// the cleanup.
type PartialDeleteError struct {
	UploadID uuid.UUID
	FileKey  string
	Err      error
}

// Error implements the error interface.
func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("upload %s deleted but file %q was not removed: %v",
		e.UploadID, e.FileKey, e.Err)
}

// Unwrap returns the underlying file removal error.
func (e *PartialDeleteError) Unwrap() error {
	return e.Err
}

// Is matches the ErrPartialDelete sentinel.
func (e *PartialDeleteError) Is(target error) bool {
	return target == ErrPartialDelete
}
