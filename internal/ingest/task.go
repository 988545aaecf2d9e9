package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/notify"
	"github.com/phrazzld/sift-api/internal/store"
	"github.com/phrazzld/sift-api/internal/task"
)

// minRowsForRateCheck is how many rows must be seen before the skip-rate
// threshold is enforced mid-stream. Without a floor, a single malformed row
// at the top of a good file would abort the whole ingestion.
const minRowsForRateCheck = 100

// ErrTooManyMalformedRows is returned when the fraction of skipped rows
// exceeds the configured threshold.
var ErrTooManyMalformedRows = errors.New("too many malformed rows")

// Config holds ingestion tuning parameters.
type Config struct {
	// BatchSize is the number of rows per bulk insert.
	BatchSize int

	// MaxSkipRate is the tolerated fraction of malformed rows.
	// Zero means a single malformed row fails the upload.
	MaxSkipRate float64
}

// FileOpener opens stored upload files by key.
type FileOpener interface {
	Open(key string) (io.ReadCloser, error)
}

// TaskPayload is the durable ingestion task payload. The same shape is
// persisted in the tasks table and carried on task request events.
type TaskPayload struct {
	UploadID uuid.UUID `json:"upload_id"`
	UserID   uuid.UUID `json:"user_id"`
	FileKey  string    `json:"file_key"`
}

// Factory builds ingestion tasks, both for fresh submissions and for tasks
// rehydrated from the tasks table after a restart.
type Factory struct {
	uploads  store.UploadStore
	rows     store.RowStore
	files    FileOpener
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewFactory creates an ingestion task factory.
func NewFactory(
	uploads store.UploadStore,
	rows store.RowStore,
	files FileOpener,
	notifier notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Factory {
	if uploads == nil || rows == nil || files == nil {
		panic("ingest.NewFactory: nil dependency")
	}

	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{
		uploads:  uploads,
		rows:     rows,
		files:    files,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// Ensure Factory implements task.Rehydrator
var _ task.Rehydrator = (*Factory)(nil)

// NewTask creates an ingestion task for a freshly submitted upload.
func (f *Factory) NewTask(uploadID, userID uuid.UUID, fileKey string) (task.Task, error) {
	data := TaskPayload{UploadID: uploadID, UserID: userID, FileKey: fileKey}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingestion payload: %w", err)
	}

	return &Task{
		id:      uuid.New(),
		payload: payload,
		data:    data,
		factory: f,
	}, nil
}

// Rehydrate implements task.Rehydrator for tasks recovered from storage.
func (f *Factory) Rehydrate(taskType string, payload []byte) (task.ExecuteFunc, error) {
	if taskType != task.TaskTypeUploadIngestion {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}

	var data TaskPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion payload: %w", err)
	}

	return func(ctx context.Context) error {
		return f.run(ctx, data)
	}, nil
}

// Task ingests one uploaded file. It implements task.Task.
type Task struct {
	id      uuid.UUID
	payload []byte
	data    TaskPayload
	factory *Factory
}

// Ensure Task implements task.Task
var _ task.Task = (*Task)(nil)

func (t *Task) ID() uuid.UUID           { return t.id }
func (t *Task) Type() string            { return task.TaskTypeUploadIngestion }
func (t *Task) Payload() []byte         { return t.payload }
func (t *Task) Status() task.TaskStatus { return task.TaskStatusPending }

// Execute runs the ingestion.
func (t *Task) Execute(ctx context.Context) error {
	return t.factory.run(ctx, t.data)
}

// run is the ingestion worker body shared by fresh and rehydrated tasks.
func (f *Factory) run(ctx context.Context, data TaskPayload) error {
	log := f.logger.With(slog.String("upload_id", data.UploadID.String()))
	start := time.Now()

	// Idempotency fence: only one delivery of the task can move the upload
	// out of pending. Losers of the race treat the task as already handled.
	if err := f.uploads.MarkProcessing(ctx, data.UploadID); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Warn("upload not pending, skipping duplicate ingestion delivery")
			return nil
		}
		if errors.Is(err, store.ErrUploadNotFound) {
			log.Warn("upload deleted before ingestion started")
			return nil
		}
		return fmt.Errorf("failed to mark upload processing: %w", err)
	}

	stats, err := f.ingest(ctx, log, data)
	if err != nil {
		log.Error("ingestion failed",
			slog.String("error", err.Error()),
			slog.Int64("rows_ingested", stats.ingested))

		if failErr := f.uploads.Fail(ctx, data.UploadID, err.Error()); failErr != nil {
			log.Error("failed to mark upload failed", slog.String("error", failErr.Error()))
		}

		// Best effort; the breaker and client timeout bound the cost.
		_ = f.notifier.IngestionFinished(ctx, notify.Summary{
			UploadID:    data.UploadID,
			UserID:      data.UserID,
			Status:      string(domain.UploadStatusFailed),
			TotalRows:   stats.ingested,
			SkippedRows: stats.skipped,
			Error:       err.Error(),
		})
		return err
	}

	if err := f.uploads.Complete(ctx, data.UploadID, stats.ingested, map[string]any{
		domain.MetadataSkippedRows: stats.skipped,
		domain.MetadataDurationMS:  time.Since(start).Milliseconds(),
	}); err != nil {
		return fmt.Errorf("failed to mark upload completed: %w", err)
	}

	log.Info("ingestion completed",
		slog.Int64("total_rows", stats.ingested),
		slog.Int64("skipped_rows", stats.skipped),
		slog.Duration("duration", time.Since(start)))

	_ = f.notifier.IngestionFinished(ctx, notify.Summary{
		UploadID:    data.UploadID,
		UserID:      data.UserID,
		Status:      string(domain.UploadStatusCompleted),
		TotalRows:   stats.ingested,
		SkippedRows: stats.skipped,
	})
	return nil
}

type ingestStats struct {
	ingested int64
	skipped  int64
	seen     int64
}

// overSkipRate reports whether the malformed-row fraction exceeds the limit.
func (s ingestStats) overSkipRate(maxRate float64) bool {
	if s.skipped == 0 {
		return false
	}
	return float64(s.skipped)/float64(s.seen) > maxRate
}

// ingest streams the file into the row store in batches.
func (f *Factory) ingest(ctx context.Context, log *slog.Logger, data TaskPayload) (ingestStats, error) {
	var stats ingestStats

	rc, err := f.files.Open(data.FileKey)
	if err != nil {
		return stats, fmt.Errorf("failed to open upload file: %w", err)
	}

	reader, err := NewReader(rc, filepath.Ext(data.FileKey))
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn("failed to close upload file", slog.String("error", err.Error()))
		}
	}()

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return stats, errors.New("file is empty")
		}
		return stats, fmt.Errorf("failed to read header row: %w", err)
	}

	keys := NormalizeHeaders(header)
	headerMap := make(map[string]string, len(keys))
	for i, key := range keys {
		headerMap[key] = header[i]
	}

	if err := f.uploads.SetMetadata(ctx, data.UploadID, map[string]any{
		domain.MetadataHeaderMap: headerMap,
	}); err != nil {
		return stats, fmt.Errorf("failed to persist header map: %w", err)
	}

	if ws, ok := reader.(interface{ SetWidth(int) }); ok {
		ws.SetWidth(len(keys))
	}

	batch := make([]*domain.Row, 0, f.cfg.BatchSize)
	var ordinal int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.rows.BulkInsert(ctx, batch); err != nil {
			return fmt.Errorf("failed to insert row batch: %w", err)
		}
		if err := f.uploads.IncrementProgress(ctx, data.UploadID, int64(len(batch))); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		stats.seen++

		if err != nil {
			if errors.Is(err, ErrMalformedRow) {
				stats.skipped++
				log.Debug("skipping malformed row", slog.String("reason", err.Error()))
				if stats.seen >= minRowsForRateCheck && stats.overSkipRate(f.cfg.MaxSkipRate) {
					return stats, fmt.Errorf("%w: %d of %d rows skipped",
						ErrTooManyMalformedRows, stats.skipped, stats.seen)
				}
				continue
			}
			return stats, fmt.Errorf("failed to read row: %w", err)
		}

		if len(record) != len(keys) {
			stats.skipped++
			if stats.seen >= minRowsForRateCheck && stats.overSkipRate(f.cfg.MaxSkipRate) {
				return stats, fmt.Errorf("%w: %d of %d rows skipped",
					ErrTooManyMalformedRows, stats.skipped, stats.seen)
			}
			continue
		}

		payload := make(map[string]string, len(keys))
		for i, key := range keys {
			payload[key] = record[i]
		}

		row, err := domain.NewRow(data.UploadID, ordinal, payload)
		if err != nil {
			return stats, err
		}
		ordinal++
		stats.ingested++

		batch = append(batch, row)
		if len(batch) >= f.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	// Small files get their rate check only here, after the full picture.
	if stats.overSkipRate(f.cfg.MaxSkipRate) {
		return stats, fmt.Errorf("%w: %d of %d rows skipped",
			ErrTooManyMalformedRows, stats.skipped, stats.seen)
	}

	return stats, nil
}
