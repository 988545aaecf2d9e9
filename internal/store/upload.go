package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
)

// UploadStore defines the interface for upload record persistence.
// The ingestion worker is the only mutator after creation; status readers
// (the API layer) observe progress concurrently, so every mutation here is a
// single guarded UPDATE with no read-modify-write on status.
type UploadStore interface {
	// Create saves a new upload record to the store.
	// Returns validation errors from the domain Upload if data is invalid.
	Create(ctx context.Context, upload *domain.Upload) error

	// GetByID retrieves an upload by its unique ID.
	// Returns ErrUploadNotFound if the upload does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Upload, error)

	// GetForUser retrieves an upload only if it is owned by the given user.
	// Returns ErrUploadNotFound for both unknown IDs and foreign owners so
	// the API cannot leak upload existence across accounts.
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*domain.Upload, error)

	// ListByUser returns the user's uploads, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Upload, error)

	// MarkProcessing flips a pending upload to processing in one guarded
	// UPDATE. Returns ErrStatusConflict when the upload is not pending
	// (duplicate task delivery) and ErrUploadNotFound when it is gone.
	// This is the idempotency fence for at-least-once task delivery.
	MarkProcessing(ctx context.Context, id uuid.UUID) error

	// SetMetadata merges the given keys into the upload's metadata mapping.
	SetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error

	// IncrementProgress atomically adds delta to processed_rows.
	// Progress observed by concurrent readers is monotonically non-decreasing.
	IncrementProgress(ctx context.Context, id uuid.UUID, delta int64) error

	// Complete marks a processing upload as completed, setting total_rows and
	// merging the final metadata. Returns ErrStatusConflict if the upload is
	// not in the processing state.
	Complete(ctx context.Context, id uuid.UUID, totalRows int64, metadata map[string]any) error

	// Fail marks an upload as failed and records the error summary in
	// metadata. Valid from both pending and processing states.
	Fail(ctx context.Context, id uuid.UUID, errSummary string) error

	// Delete removes the upload record; owned rows cascade at the database
	// level. Returns ErrUploadNotFound if the upload does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// WithTx returns a new UploadStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) UploadStore
}
