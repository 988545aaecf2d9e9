package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/events"
	"github.com/phrazzld/sift-api/internal/ingest"
	"github.com/phrazzld/sift-api/internal/platform/filestore"
	"github.com/phrazzld/sift-api/internal/platform/logger"
	"github.com/phrazzld/sift-api/internal/platform/redis"
	"github.com/phrazzld/sift-api/internal/query"
	"github.com/phrazzld/sift-api/internal/store"
	"github.com/phrazzld/sift-api/internal/task"
)

// UploadService coordinates the upload lifecycle: submission, status and
// progress reads, data listings, and deletion. All operations are scoped to
// the owning user.
type UploadService struct {
	db      *sql.DB
	uploads store.UploadStore
	files   *filestore.Store
	cache   *redis.Cache
	emitter events.EventEmitter
	queries *query.Service
	logger  *slog.Logger
}

// NewUploadService creates a new UploadService. cache may be nil.
func NewUploadService(
	db *sql.DB,
	uploads store.UploadStore,
	files *filestore.Store,
	cache *redis.Cache,
	emitter events.EventEmitter,
	queries *query.Service,
	logger *slog.Logger,
) *UploadService {
	if db == nil || uploads == nil || files == nil || emitter == nil || queries == nil {
		panic("NewUploadService: nil dependency")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &UploadService{
		db:      db,
		uploads: uploads,
		files:   files,
		cache:   cache,
		emitter: emitter,
		queries: queries,
		logger:  logger.With(slog.String("component", "upload_service")),
	}
}

// Progress is a point-in-time view of an upload's ingestion progress.
type Progress struct {
	ProcessedRows int64   `json:"processed_rows"`
	TotalRows     *int64  `json:"total_rows"`
	Percentage    float64 `json:"percentage"`
}

// Submit validates and stores an uploaded file, creates the pending upload
// record, and requests asynchronous ingestion. No parsing happens here; the
// request returns as soon as the file is durable and the task is enqueued.
func (s *UploadService) Submit(
	ctx context.Context,
	userID uuid.UUID,
	filename string,
	file io.Reader,
) (*domain.Upload, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	ext := strings.ToLower(filepath.Ext(filename))
	if !ingest.SupportedExtension(ext) {
		return nil, domain.NewValidationError("file",
			fmt.Sprintf("unsupported file type %q, expected .csv or .xlsx", ext), nil)
	}

	fileKey, size, err := s.files.Save(file, ext)
	if err != nil {
		// ErrFileTooLarge passes through for the API layer to map.
		return nil, err
	}

	if err := s.sniffTabular(fileKey, ext); err != nil {
		s.removeFile(fileKey, log)
		return nil, err
	}

	upload, err := domain.NewUpload(userID, filename, fileKey)
	if err != nil {
		s.removeFile(fileKey, log)
		return nil, err
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return s.uploads.WithTx(tx).Create(ctx, upload)
	})
	if err != nil {
		s.removeFile(fileKey, log)
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}

	event, err := events.NewTaskRequestEvent(task.TaskTypeUploadIngestion, ingest.TaskPayload{
		UploadID: upload.ID,
		UserID:   userID,
		FileKey:  fileKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build ingestion request: %w", err)
	}

	if err := s.emitter.EmitEvent(ctx, event); err != nil {
		// The record exists and stays pending; surfacing the error lets the
		// caller retry instead of silently waiting on a task that never ran.
		return nil, fmt.Errorf("failed to enqueue ingestion task: %w", err)
	}

	log.Info("upload submitted",
		slog.String("upload_id", upload.ID.String()),
		slog.String("filename", filename),
		slog.Int64("size_bytes", size))

	return upload, nil
}

// GetStatus returns the upload's full record for the owning user.
func (s *UploadService) GetStatus(ctx context.Context, userID, uploadID uuid.UUID) (*domain.Upload, error) {
	return s.uploads.GetForUser(ctx, uploadID, userID)
}

// GetProgress returns the upload's ingestion progress for the owning user.
func (s *UploadService) GetProgress(ctx context.Context, userID, uploadID uuid.UUID) (*Progress, error) {
	upload, err := s.uploads.GetForUser(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}

	return &Progress{
		ProcessedRows: upload.ProcessedRows,
		TotalRows:     upload.TotalRows,
		Percentage:    upload.Percentage(),
	}, nil
}

// ListUploads returns the user's uploads, newest first.
func (s *UploadService) ListUploads(ctx context.Context, userID uuid.UUID) ([]*domain.Upload, error) {
	return s.uploads.ListByUser(ctx, userID)
}

// ListData serves one page of the upload's rows. Returns ErrUploadNotReady
// until ingestion has completed.
func (s *UploadService) ListData(
	ctx context.Context,
	userID, uploadID uuid.UUID,
	p query.Params,
) (*query.Page, error) {
	upload, err := s.readyUpload(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	return s.queries.ListData(ctx, upload, p)
}

// StreamData iterates the upload's rows in chunks for export-style reads.
func (s *UploadService) StreamData(
	ctx context.Context,
	userID, uploadID uuid.UUID,
	p query.Params,
	fn func(chunk []map[string]string) error,
) error {
	upload, err := s.readyUpload(ctx, userID, uploadID)
	if err != nil {
		return err
	}
	return s.queries.StreamData(ctx, upload, p, fn)
}

// Delete removes the upload record, its rows (database cascade), all cached
// pages, and the raw file, as one logical operation. A file removal failure
// after the database commit is reported as a PartialDeleteError.
func (s *UploadService) Delete(ctx context.Context, userID, uploadID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	upload, err := s.uploads.GetForUser(ctx, uploadID, userID)
	if err != nil {
		return err
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return s.uploads.WithTx(tx).Delete(ctx, uploadID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}

	// Stale pages must not outlive the rows; a cache error is logged but not
	// fatal since entries expire by TTL anyway.
	if err := s.cache.InvalidateUpload(ctx, uploadID.String()); err != nil {
		log.Warn("failed to invalidate cached pages",
			slog.String("upload_id", uploadID.String()),
			slog.String("error", err.Error()))
	}

	if err := s.files.Remove(upload.FileKey); err != nil {
		return &PartialDeleteError{
			UploadID: uploadID,
			FileKey:  upload.FileKey,
			Err:      err,
		}
	}

	log.Info("upload deleted", slog.String("upload_id", uploadID.String()))
	return nil
}

// sniffTabular verifies the stored file opens as tabular data with at least a
// header row. Rejections happen before any record exists, so the caller only
// has the file itself to clean up.
func (s *UploadService) sniffTabular(key, ext string) error {
	rc, err := s.files.Open(key)
	if err != nil {
		return fmt.Errorf("failed to reopen upload file: %w", err)
	}

	reader, err := ingest.NewReader(rc, ext)
	if err != nil {
		return domain.NewValidationError("file", "content is not parseable tabular data", nil)
	}
	defer func() { _ = reader.Close() }()

	header, err := reader.Read()
	if err != nil || len(header) == 0 {
		return domain.NewValidationError("file", "content has no readable header row", nil)
	}

	return nil
}

// readyUpload loads an owner-scoped upload and verifies it is queryable.
func (s *UploadService) readyUpload(ctx context.Context, userID, uploadID uuid.UUID) (*domain.Upload, error) {
	upload, err := s.uploads.GetForUser(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}

	if upload.Status != domain.UploadStatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrUploadNotReady, upload.Status)
	}

	return upload, nil
}

func (s *UploadService) removeFile(key string, log *slog.Logger) {
	if err := s.files.Remove(key); err != nil {
		log.Warn("failed to remove orphaned upload file",
			slog.String("file_key", key),
			slog.String("error", err.Error()))
	}
}
