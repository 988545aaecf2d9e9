package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/filestore"
	"github.com/phrazzld/sift-api/internal/platform/logger"
	"github.com/phrazzld/sift-api/internal/query"
	"github.com/phrazzld/sift-api/internal/service"
)

// multipartOverheadBytes is the slack allowed on top of the file cap for
// multipart boundaries, headers, and other non-file form content.
const multipartOverheadBytes = 64 << 10

// UploadManager is the upload service surface the handler depends on.
type UploadManager interface {
	Submit(ctx context.Context, userID uuid.UUID, filename string, file io.Reader) (*domain.Upload, error)
	GetStatus(ctx context.Context, userID, uploadID uuid.UUID) (*domain.Upload, error)
	GetProgress(ctx context.Context, userID, uploadID uuid.UUID) (*service.Progress, error)
	ListUploads(ctx context.Context, userID uuid.UUID) ([]*domain.Upload, error)
	ListData(ctx context.Context, userID, uploadID uuid.UUID, p query.Params) (*query.Page, error)
	StreamData(ctx context.Context, userID, uploadID uuid.UUID, p query.Params, fn func(chunk []map[string]string) error) error
	Delete(ctx context.Context, userID, uploadID uuid.UUID) error
}

// Ensure the concrete service satisfies the handler's interface
var _ UploadManager = (*service.UploadService)(nil)

// UploadHandler handles upload lifecycle and data listing API requests.
type UploadHandler struct {
	uploads UploadManager
	// maxUploadBytes caps the request body on submission; zero disables
	// the boundary check (the filestore still enforces its own limit).
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewUploadHandler creates a new UploadHandler with the given dependencies.
func NewUploadHandler(uploads UploadManager, maxUploadBytes int64, logger *slog.Logger) *UploadHandler {
	if uploads == nil {
		panic("NewUploadHandler: uploads cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &UploadHandler{
		uploads:        uploads,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(slog.String("component", "upload_handler")),
	}
}

// CreateUpload handles POST /uploads. It expects a multipart form with the
// file under the "file" field and responds 202 once the file is durable and
// the ingestion task is enqueued.
func (h *UploadHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	// Cap the request body before any of it is read so an oversized upload
	// is cut off on the wire instead of being spooled to disk first. The
	// Content-Length check handles well-behaved clients up front; the
	// MaxBytesReader backstops chunked or lying ones.
	if h.maxUploadBytes > 0 {
		if r.ContentLength > h.maxUploadBytes+multipartOverheadBytes {
			HandleAPIError(w, r, filestore.ErrFileTooLarge, "")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverheadBytes)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			HandleAPIError(w, r, filestore.ErrFileTooLarge, "")
			return
		}
		RespondWithError(w, r, http.StatusBadRequest, `Multipart form field "file" is required`)
		return
	}
	defer func() { _ = file.Close() }()

	upload, err := h.uploads.Submit(r.Context(), userID, header.Filename, file)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("upload accepted",
		slog.String("upload_id", upload.ID.String()),
		slog.String("filename", header.Filename))

	RespondWithJSON(w, r, http.StatusAccepted, NewUploadResponse(upload))
}

// ListUploads handles GET /uploads.
func (h *UploadHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	uploads, err := h.uploads.ListUploads(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	RespondWithJSON(w, r, http.StatusOK, NewUploadListResponse(uploads))
}

// GetUpload handles GET /uploads/{id}.
func (h *UploadHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	userID, uploadID, ok := handleUserIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	upload, err := h.uploads.GetStatus(r.Context(), userID, uploadID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	RespondWithJSON(w, r, http.StatusOK, NewUploadResponse(upload))
}

// GetProgress handles GET /uploads/{id}/progress.
func (h *UploadHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	userID, uploadID, ok := handleUserIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	progress, err := h.uploads.GetProgress(r.Context(), userID, uploadID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	RespondWithJSON(w, r, http.StatusOK, progress)
}

// GetData handles GET /uploads/{id}/data. The offset and cursor strategies
// respond with a single JSON page; the stream strategy responds with
// newline-delimited JSON covering the full filtered result.
func (h *UploadHandler) GetData(w http.ResponseWriter, r *http.Request) {
	userID, uploadID, ok := handleUserIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	params, err := query.ParseParams(r.URL.Query())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	if params.Strategy == query.StrategyStream {
		h.streamData(w, r, userID, uploadID, params)
		return
	}

	page, err := h.uploads.ListData(r.Context(), userID, uploadID, params)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	RespondWithJSON(w, r, http.StatusOK, page)
}

// streamData writes the result as NDJSON, one row object per line, flushing
// after each chunk. The response header is deferred until the first chunk so
// early failures still map to a proper error status.
func (h *UploadHandler) streamData(
	w http.ResponseWriter,
	r *http.Request,
	userID, uploadID uuid.UUID,
	params query.Params,
) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	headerWritten := false

	writeHeader := func() {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		headerWritten = true
	}

	err := h.uploads.StreamData(r.Context(), userID, uploadID, params,
		func(chunk []map[string]string) error {
			if !headerWritten {
				writeHeader()
			}
			for _, row := range chunk {
				if err := enc.Encode(row); err != nil {
					return err
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
	if err != nil {
		if !headerWritten {
			HandleAPIError(w, r, err, "")
			return
		}
		// The status line is already on the wire; all that is left is to
		// cut the stream short and record why.
		log.Error("data stream aborted mid-response",
			slog.String("upload_id", uploadID.String()),
			slog.String("error", err.Error()))
		return
	}

	if !headerWritten {
		writeHeader()
	}
}

// DeleteUpload handles DELETE /uploads/{id}.
func (h *UploadHandler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	userID, uploadID, ok := handleUserIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	if err := h.uploads.Delete(r.Context(), userID, uploadID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
