package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/logger"
	"github.com/phrazzld/sift-api/internal/store"
)

// PostgresUploadStore implements the store.UploadStore interface
// using a PostgreSQL database as the storage backend.
type PostgresUploadStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresUploadStore creates a new PostgreSQL implementation of the UploadStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresUploadStore(db store.DBTX, logger *slog.Logger) *PostgresUploadStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresUploadStore{
		db:     db,
		logger: logger.With(slog.String("component", "upload_store")),
	}
}

// Ensure PostgresUploadStore implements store.UploadStore interface
var _ store.UploadStore = (*PostgresUploadStore)(nil)

// WithTx implements store.UploadStore.WithTx
func (s *PostgresUploadStore) WithTx(tx *sql.Tx) store.UploadStore {
	return &PostgresUploadStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.UploadStore.Create
// It saves a new upload record, handling domain validation.
// Returns store.ErrInvalidEntity if the owning user doesn't exist.
func (s *PostgresUploadStore) Create(ctx context.Context, upload *domain.Upload) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := upload.Validate(); err != nil {
		log.Warn("upload validation failed during create",
			slog.String("error", err.Error()),
			slog.String("upload_id", upload.ID.String()))
		return err
	}

	metadataJSON, err := json.Marshal(upload.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal upload metadata: %w", err)
	}

	query := `
		INSERT INTO uploads (id, user_id, original_filename, file_key, status,
			total_rows, processed_rows, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(
		ctx,
		query,
		upload.ID,
		upload.UserID,
		upload.OriginalFilename,
		upload.FileKey,
		upload.Status,
		upload.TotalRows,
		upload.ProcessedRows,
		metadataJSON,
		upload.CreatedAt,
		upload.UpdatedAt,
	)

	if err != nil {
		log.Error("failed to create upload",
			slog.String("error", err.Error()),
			slog.String("upload_id", upload.ID.String()),
			slog.String("user_id", upload.UserID.String()))
		return MapError(err)
	}

	log.Info("upload created",
		slog.String("upload_id", upload.ID.String()),
		slog.String("user_id", upload.UserID.String()),
		slog.String("filename", upload.OriginalFilename))
	return nil
}

// uploadColumns is the select list shared by all upload reads.
const uploadColumns = `id, user_id, original_filename, file_key, status,
	total_rows, processed_rows, metadata, created_at, updated_at`

// scanUpload scans one upload row from the given scanner.
func scanUpload(scan func(dest ...any) error) (*domain.Upload, error) {
	var upload domain.Upload
	var status string
	var totalRows sql.NullInt64
	var metadataJSON []byte

	err := scan(
		&upload.ID,
		&upload.UserID,
		&upload.OriginalFilename,
		&upload.FileKey,
		&status,
		&totalRows,
		&upload.ProcessedRows,
		&metadataJSON,
		&upload.CreatedAt,
		&upload.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	upload.Status = domain.UploadStatus(status)
	if totalRows.Valid {
		upload.TotalRows = &totalRows.Int64
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &upload.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal upload metadata: %w", err)
		}
	}
	if upload.Metadata == nil {
		upload.Metadata = map[string]any{}
	}

	return &upload, nil
}

// GetByID implements store.UploadStore.GetByID
// Returns store.ErrUploadNotFound if the upload does not exist.
func (s *PostgresUploadStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Upload, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1`

	upload, err := scanUpload(s.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("upload not found", slog.String("upload_id", id.String()))
			return nil, store.ErrUploadNotFound
		}
		log.Error("failed to get upload by ID",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return nil, MapError(err)
	}

	return upload, nil
}

// GetForUser implements store.UploadStore.GetForUser
// Unknown IDs and foreign owners are both reported as store.ErrUploadNotFound.
func (s *PostgresUploadStore) GetForUser(
	ctx context.Context,
	id, userID uuid.UUID,
) (*domain.Upload, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1 AND user_id = $2`

	upload, err := scanUpload(s.db.QueryRowContext(ctx, query, id, userID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("upload not found for user",
				slog.String("upload_id", id.String()),
				slog.String("user_id", userID.String()))
			return nil, store.ErrUploadNotFound
		}
		log.Error("failed to get upload for user",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return nil, MapError(err)
	}

	return upload, nil
}

// ListByUser implements store.UploadStore.ListByUser
// Returns an empty slice if the user has no uploads.
func (s *PostgresUploadStore) ListByUser(
	ctx context.Context,
	userID uuid.UUID,
) ([]*domain.Upload, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		log.Error("failed to list uploads",
			slog.String("error", err.Error()),
			slog.String("user_id", userID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	uploads := []*domain.Upload{}
	for rows.Next() {
		upload, err := scanUpload(rows.Scan)
		if err != nil {
			log.Error("failed to scan upload row", slog.String("error", err.Error()))
			return nil, err
		}
		uploads = append(uploads, upload)
	}

	if err := rows.Err(); err != nil {
		log.Error("error after scanning upload rows", slog.String("error", err.Error()))
		return nil, err
	}

	return uploads, nil
}

// MarkProcessing implements store.UploadStore.MarkProcessing
// The guarded UPDATE is the idempotency fence against duplicate task delivery:
// only a pending upload can be claimed, and at most one caller wins.
func (s *PostgresUploadStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE uploads
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.UploadStatusProcessing,
		time.Now().UTC(),
		id,
		domain.UploadStatusPending,
	)
	if err != nil {
		log.Error("failed to mark upload processing",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Distinguish a missing upload from one already claimed.
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		log.Debug("upload not pending, treating as duplicate delivery",
			slog.String("upload_id", id.String()))
		return store.ErrStatusConflict
	}

	log.Info("upload marked processing", slog.String("upload_id", id.String()))
	return nil
}

// SetMetadata implements store.UploadStore.SetMetadata
// The merge happens in the database (jsonb ||) so concurrent readers never
// observe a partially written mapping.
func (s *PostgresUploadStore) SetMetadata(
	ctx context.Context,
	id uuid.UUID,
	metadata map[string]any,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal upload metadata: %w", err)
	}

	query := `
		UPDATE uploads
		SET metadata = metadata || $1::jsonb, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, metadataJSON, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to set upload metadata",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return MapError(err)
	}

	return CheckRowsAffected(result, "upload")
}

// IncrementProgress implements store.UploadStore.IncrementProgress
// A single UPDATE keeps the increment atomic relative to concurrent status reads.
func (s *PostgresUploadStore) IncrementProgress(
	ctx context.Context,
	id uuid.UUID,
	delta int64,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE uploads
		SET processed_rows = processed_rows + $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, delta, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to increment upload progress",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()),
			slog.Int64("delta", delta))
		return MapError(err)
	}

	return CheckRowsAffected(result, "upload")
}

// Complete implements store.UploadStore.Complete
// The status guard ensures the terminal state is written exactly once.
func (s *PostgresUploadStore) Complete(
	ctx context.Context,
	id uuid.UUID,
	totalRows int64,
	metadata map[string]any,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal upload metadata: %w", err)
	}

	query := `
		UPDATE uploads
		SET status = $1, total_rows = $2, processed_rows = $2,
			metadata = metadata || $3::jsonb, updated_at = $4
		WHERE id = $5 AND status = $6
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.UploadStatusCompleted,
		totalRows,
		metadataJSON,
		time.Now().UTC(),
		id,
		domain.UploadStatusProcessing,
	)
	if err != nil {
		log.Error("failed to complete upload",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return store.ErrStatusConflict
	}

	log.Info("upload completed",
		slog.String("upload_id", id.String()),
		slog.Int64("total_rows", totalRows))
	return nil
}

// Fail implements store.UploadStore.Fail
// Valid from pending and processing; a no-op on an already terminal upload
// so the terminal state is never overwritten.
func (s *PostgresUploadStore) Fail(ctx context.Context, id uuid.UUID, errSummary string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	metadataJSON, err := json.Marshal(map[string]any{domain.MetadataError: errSummary})
	if err != nil {
		return fmt.Errorf("failed to marshal upload metadata: %w", err)
	}

	query := `
		UPDATE uploads
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.UploadStatusFailed,
		metadataJSON,
		time.Now().UTC(),
		id,
		domain.UploadStatusPending,
		domain.UploadStatusProcessing,
	)
	if err != nil {
		log.Error("failed to mark upload failed",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		log.Debug("upload already terminal, fail is a no-op",
			slog.String("upload_id", id.String()))
		return nil
	}

	log.Warn("upload failed",
		slog.String("upload_id", id.String()),
		slog.String("reason", errSummary))
	return nil
}

// Delete implements store.UploadStore.Delete
// Owned rows are removed by the upload_rows foreign key cascade.
func (s *PostgresUploadStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete upload",
			slog.String("error", err.Error()),
			slog.String("upload_id", id.String()))
		return MapError(err)
	}

	if err := CheckRowsAffected(result, "upload"); err != nil {
		return store.ErrUploadNotFound
	}

	log.Info("upload deleted", slog.String("upload_id", id.String()))
	return nil
}
