package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/sift-api/internal/config"
	"github.com/phrazzld/sift-api/internal/events"
	"github.com/phrazzld/sift-api/internal/ingest"
	"github.com/phrazzld/sift-api/internal/platform/filestore"
	"github.com/phrazzld/sift-api/internal/platform/notify"
	"github.com/phrazzld/sift-api/internal/platform/postgres"
	"github.com/phrazzld/sift-api/internal/platform/redis"
	"github.com/phrazzld/sift-api/internal/query"
	"github.com/phrazzld/sift-api/internal/service"
	"github.com/phrazzld/sift-api/internal/service/auth"
	"github.com/phrazzld/sift-api/internal/store"
	"github.com/phrazzld/sift-api/internal/task"
)

// TaskFactoryEventHandler turns emitted task request events into ingestion
// tasks and hands them to the runner.
type TaskFactoryEventHandler struct {
	taskFactory *ingest.Factory
	taskRunner  *task.TaskRunner
	logger      *slog.Logger
}

// HandleEvent processes events by creating and submitting tasks.
func (h *TaskFactoryEventHandler) HandleEvent(
	ctx context.Context,
	event *events.TaskRequestEvent,
) error {
	if event.Type != task.TaskTypeUploadIngestion {
		h.logger.Debug("ignoring event with unsupported type",
			"event_type", event.Type,
			"event_id", event.ID)
		return nil
	}

	var payload ingest.TaskPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		h.logger.Error("failed to unmarshal payload", "error", err, "event_id", event.ID)
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	ingestTask, err := h.taskFactory.NewTask(payload.UploadID, payload.UserID, payload.FileKey)
	if err != nil {
		h.logger.Error("failed to create task",
			"error", err,
			"upload_id", payload.UploadID,
			"event_id", event.ID)
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := h.taskRunner.Submit(ctx, ingestTask); err != nil {
		h.logger.Error("failed to submit task",
			"error", err,
			"task_id", ingestTask.ID(),
			"upload_id", payload.UploadID,
			"event_id", event.ID)
		return fmt.Errorf("failed to submit task: %w", err)
	}

	h.logger.Info("ingestion task submitted",
		"task_id", ingestTask.ID(),
		"upload_id", payload.UploadID,
		"event_id", event.ID)
	return nil
}

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB

	// Stores
	userStore   store.UserStore
	uploadStore store.UploadStore
	rowStore    store.RowStore
	taskStore   task.TaskStore

	// Platform services
	fileStore *filestore.Store
	cache     *redis.Cache
	notifier  notify.Notifier

	// Service interfaces
	jwtService       auth.JWTService
	passwordVerifier auth.PasswordVerifier
	queryService     *query.Service
	uploadService    *service.UploadService

	// Event system
	eventEmitter events.EventEmitter

	// Task handling
	ingestFactory *ingest.Factory
	taskRunner    *task.TaskRunner
}

// newApplication creates a new application instance with all dependencies
// initialized. The database connection must already be established.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	app.passwordVerifier = auth.NewBcryptVerifier()

	// Stores
	app.userStore = postgres.NewPostgresUserStore(db, cfg.Auth.BCryptCost)
	app.uploadStore = postgres.NewPostgresUploadStore(db, logger)
	app.rowStore = postgres.NewPostgresRowStore(db, logger)

	// Raw file storage
	app.fileStore, err = filestore.New(cfg.Upload.Dir, cfg.Upload.MaxFileBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	// Page cache (nil when no Redis address is configured)
	app.cache = redis.New(cfg.Cache, logger)
	if app.cache != nil {
		logger.Info("page cache enabled", "addr", cfg.Cache.Addr)
	}

	// Ingestion-finished notifications
	app.notifier = notify.New(cfg.Notify, logger)

	// Ingestion task factory doubles as the rehydrator for tasks recovered
	// from the tasks table after a restart.
	app.ingestFactory = ingest.NewFactory(
		app.uploadStore,
		app.rowStore,
		app.fileStore,
		app.notifier,
		ingest.Config{
			BatchSize:   cfg.Upload.BatchSize,
			MaxSkipRate: cfg.Upload.MaxSkipRate,
		},
		logger,
	)
	app.taskStore = postgres.NewPostgresTaskStore(db, app.ingestFactory)

	app.taskRunner, err = setupTaskRunner(app)
	if err != nil {
		return nil, fmt.Errorf("failed to setup task runner: %w", err)
	}

	// Event emitter bridges the synchronous API to the task runner.
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(&TaskFactoryEventHandler{
		taskFactory: app.ingestFactory,
		taskRunner:  app.taskRunner,
		logger:      logger.With("component", "task_factory_event_handler"),
	})
	app.eventEmitter = emitter

	app.queryService = query.NewService(app.rowStore, app.cache, logger)

	app.uploadService = service.NewUploadService(
		db,
		app.uploadStore,
		app.fileStore,
		app.cache,
		app.eventEmitter,
		app.queryService,
		logger,
	)

	logger.Info("Application initialized successfully")
	return app, nil
}

// Run starts the application server, handling lifecycle and cleanup.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// setupTaskRunner initializes and starts the background task processor.
func setupTaskRunner(app *application) (*task.TaskRunner, error) {
	taskRunner := task.NewTaskRunner(app.taskStore, task.TaskRunnerConfig{
		QueueSize:    app.config.Task.QueueSize,
		WorkerCount:  app.config.Task.WorkerCount,
		StuckTaskAge: time.Duration(app.config.Task.StuckTaskAgeMinutes) * time.Minute,
	}, app.logger)

	if err := taskRunner.Start(); err != nil {
		return nil, fmt.Errorf("failed to start task runner: %w", err)
	}

	return taskRunner, nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.taskRunner != nil {
		app.taskRunner.Stop()
	}

	if err := app.cache.Close(); err != nil {
		app.logger.Error("Error closing cache connection", "error", err)
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
