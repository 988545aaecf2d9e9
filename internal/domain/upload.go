package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// UploadStatus represents the processing state of an uploaded file.
type UploadStatus string

// Possible upload status values
const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// Metadata keys persisted on an Upload during ingestion.
const (
	// MetadataHeaderMap stores the normalized key -> original header cell
	// mapping. Keyed by normalized name because those are unique even when
	// the source file repeats a header.
	MetadataHeaderMap = "header_map"

	// MetadataSkippedRows stores the count of malformed rows skipped.
	MetadataSkippedRows = "skipped_rows"

	// MetadataError stores the error summary of a failed ingestion.
	MetadataError = "error"

	// MetadataDurationMS stores the wall-clock ingestion duration.
	MetadataDurationMS = "duration_ms"
)

// Common validation errors for Upload
var (
	ErrEmptyUploadID       = errors.New("upload ID cannot be empty")
	ErrEmptyUploadUserID   = errors.New("upload user ID cannot be empty")
	ErrEmptyUploadFilename = errors.New("upload filename cannot be empty")
	ErrEmptyUploadFileKey  = errors.New("upload file key cannot be empty")
)

// Upload represents a user-submitted tabular file and tracks its ingestion
// lifecycle. TotalRows stays nil until ingestion reaches end-of-stream;
// ProcessedRows advances monotonically while the upload is processing.
type Upload struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	OriginalFilename string         `json:"original_filename"`
	FileKey          string         `json:"-"`
	Status           UploadStatus   `json:"status"`
	TotalRows        *int64         `json:"total_rows"`
	ProcessedRows    int64          `json:"processed_rows"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewUpload creates a new Upload in the pending state for the given owner.
// It generates a new UUID, zeroes the progress counters, and sets timestamps.
// Returns an error if validation fails.
func NewUpload(userID uuid.UUID, originalFilename, fileKey string) (*Upload, error) {
	upload := &Upload{
		ID:               uuid.New(),
		UserID:           userID,
		OriginalFilename: originalFilename,
		FileKey:          fileKey,
		Status:           UploadStatusPending,
		TotalRows:        nil,
		ProcessedRows:    0,
		Metadata:         map[string]any{},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	if err := upload.Validate(); err != nil {
		return nil, err
	}

	return upload, nil
}

// Validate checks if the Upload has valid data.
// Returns an error if any field fails validation.
func (u *Upload) Validate() error {
	if u.ID == uuid.Nil {
		return ErrEmptyUploadID
	}

	if u.UserID == uuid.Nil {
		return ErrEmptyUploadUserID
	}

	if u.OriginalFilename == "" {
		return ErrEmptyUploadFilename
	}

	if u.FileKey == "" {
		return ErrEmptyUploadFileKey
	}

	if !isValidUploadStatus(u.Status) {
		return ErrInvalidUploadStatus
	}

	if u.ProcessedRows < 0 {
		return NewValidationError("processed_rows", "cannot be negative", ErrValidation)
	}

	if u.TotalRows != nil && u.ProcessedRows > *u.TotalRows {
		return NewValidationError("processed_rows", "cannot exceed total_rows", ErrValidation)
	}

	return nil
}

// IsTerminal reports whether the upload has reached a final state.
func (u *Upload) IsTerminal() bool {
	return u.Status == UploadStatusCompleted || u.Status == UploadStatusFailed
}

// UpdateStatus moves the upload to the given status, enforcing the forward-only
// lifecycle pending -> processing -> {completed | failed}.
// Returns ErrStatusTransition for backwards moves and ErrInvalidUploadStatus
// for unknown states.
func (u *Upload) UpdateStatus(status UploadStatus) error {
	if !isValidUploadStatus(status) {
		return ErrInvalidUploadStatus
	}

	if !canTransition(u.Status, status) {
		return ErrStatusTransition
	}

	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Percentage returns ingestion progress in the range [0, 100].
// It reports 0 while the total row count is still unknown.
func (u *Upload) Percentage() float64 {
	if u.TotalRows == nil || *u.TotalRows <= 0 {
		if u.Status == UploadStatusCompleted {
			return 100
		}
		return 0
	}
	return float64(u.ProcessedRows) / float64(*u.TotalRows) * 100
}

// HeaderKeys returns the normalized column keys recorded during ingestion,
// or nil if the header map has not been persisted yet.
func (u *Upload) HeaderKeys() []string {
	raw, ok := u.Metadata[MetadataHeaderMap]
	if !ok {
		return nil
	}

	// The header map round-trips through JSONB, so it may be either the
	// original map[string]string or a decoded map[string]any.
	switch m := raw.(type) {
	case map[string]string:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		return keys
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		return keys
	default:
		return nil
	}
}

// isValidUploadStatus checks if the given status is a valid UploadStatus.
func isValidUploadStatus(status UploadStatus) bool {
	switch status {
	case UploadStatusPending, UploadStatusProcessing,
		UploadStatusCompleted, UploadStatusFailed:
		return true
	default:
		return false
	}
}

// canTransition encodes the forward-only status machine.
func canTransition(from, to UploadStatus) bool {
	switch from {
	case UploadStatusPending:
		return to == UploadStatusProcessing || to == UploadStatusFailed
	case UploadStatusProcessing:
		return to == UploadStatusCompleted || to == UploadStatusFailed
	default:
		// completed and failed are terminal
		return false
	}
}
