package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/sift-api/internal/api/shared"
	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/filestore"
	"github.com/phrazzld/sift-api/internal/query"
	"github.com/phrazzld/sift-api/internal/service"
	"github.com/phrazzld/sift-api/internal/store"
)

// mockUploadManager delegates to per-test function fields. Calls to an unset
// method are a test bug, hence the panics.
type mockUploadManager struct {
	submitFn      func(ctx context.Context, userID uuid.UUID, filename string, file io.Reader) (*domain.Upload, error)
	getStatusFn   func(ctx context.Context, userID, uploadID uuid.UUID) (*domain.Upload, error)
	getProgressFn func(ctx context.Context, userID, uploadID uuid.UUID) (*service.Progress, error)
	listUploadsFn func(ctx context.Context, userID uuid.UUID) ([]*domain.Upload, error)
	listDataFn    func(ctx context.Context, userID, uploadID uuid.UUID, p query.Params) (*query.Page, error)
	streamDataFn  func(ctx context.Context, userID, uploadID uuid.UUID, p query.Params, fn func([]map[string]string) error) error
	deleteFn      func(ctx context.Context, userID, uploadID uuid.UUID) error
}

func (m *mockUploadManager) Submit(ctx context.Context, userID uuid.UUID, filename string, file io.Reader) (*domain.Upload, error) {
	if m.submitFn == nil {
		panic("unexpected Submit call")
	}
	return m.submitFn(ctx, userID, filename, file)
}

func (m *mockUploadManager) GetStatus(ctx context.Context, userID, uploadID uuid.UUID) (*domain.Upload, error) {
	if m.getStatusFn == nil {
		panic("unexpected GetStatus call")
	}
	return m.getStatusFn(ctx, userID, uploadID)
}

func (m *mockUploadManager) GetProgress(ctx context.Context, userID, uploadID uuid.UUID) (*service.Progress, error) {
	if m.getProgressFn == nil {
		panic("unexpected GetProgress call")
	}
	return m.getProgressFn(ctx, userID, uploadID)
}

func (m *mockUploadManager) ListUploads(ctx context.Context, userID uuid.UUID) ([]*domain.Upload, error) {
	if m.listUploadsFn == nil {
		panic("unexpected ListUploads call")
	}
	return m.listUploadsFn(ctx, userID)
}

func (m *mockUploadManager) ListData(ctx context.Context, userID, uploadID uuid.UUID, p query.Params) (*query.Page, error) {
	if m.listDataFn == nil {
		panic("unexpected ListData call")
	}
	return m.listDataFn(ctx, userID, uploadID, p)
}

func (m *mockUploadManager) StreamData(ctx context.Context, userID, uploadID uuid.UUID, p query.Params, fn func([]map[string]string) error) error {
	if m.streamDataFn == nil {
		panic("unexpected StreamData call")
	}
	return m.streamDataFn(ctx, userID, uploadID, p, fn)
}

func (m *mockUploadManager) Delete(ctx context.Context, userID, uploadID uuid.UUID) error {
	if m.deleteFn == nil {
		panic("unexpected Delete call")
	}
	return m.deleteFn(ctx, userID, uploadID)
}

// authedRequest builds a request carrying an authenticated user and an "id"
// path parameter, the way the middleware and router would.
func authedRequest(method, target string, body io.Reader, userID uuid.UUID, pathID string) *http.Request {
	req := httptest.NewRequest(method, target, body)

	ctx := context.WithValue(req.Context(), shared.UserIDContextKey, userID)

	if pathID != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", pathID)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}

	return req.WithContext(ctx)
}

// multipartFile builds a multipart body with the file under the "file" field.
func multipartFile(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func TestCreateUploadAccepted(t *testing.T) {
	userID := uuid.New()
	upload, err := domain.NewUpload(userID, "people.csv", "key.csv")
	require.NoError(t, err)

	var gotFilename string
	h := NewUploadHandler(&mockUploadManager{
		submitFn: func(_ context.Context, gotUser uuid.UUID, filename string, file io.Reader) (*domain.Upload, error) {
			assert.Equal(t, userID, gotUser)
			gotFilename = filename
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			assert.Equal(t, "name,age\nada,36\n", string(data))
			return upload, nil
		},
	}, 0, nil)

	body, contentType := multipartFile(t, "people.csv", "name,age\nada,36\n")
	req := authedRequest(http.MethodPost, "/api/uploads", body, userID, "")
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "people.csv", gotFilename)

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, upload.ID, resp.ID)
	assert.Equal(t, "pending", resp.Status)
	assert.Nil(t, resp.TotalRows)
}

func TestCreateUploadRequiresFileField(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{}, 0, nil)

	req := authedRequest(http.MethodPost, "/api/uploads",
		strings.NewReader("not multipart"), uuid.New(), "")
	req.Header.Set("Content-Type", "text/plain")

	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUploadMapsFileTooLarge(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		submitFn: func(context.Context, uuid.UUID, string, io.Reader) (*domain.Upload, error) {
			return nil, filestore.ErrFileTooLarge
		},
	}, 0, nil)

	body, contentType := multipartFile(t, "big.csv", "oversized")
	req := authedRequest(http.MethodPost, "/api/uploads", body, uuid.New(), "")
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateUploadCapsRequestBody(t *testing.T) {
	// The body cap must reject the request at the HTTP boundary, before the
	// service ever sees the file.
	h := NewUploadHandler(&mockUploadManager{}, 16, nil)

	body, contentType := multipartFile(t, "big.csv", strings.Repeat("x", 256<<10))
	req := authedRequest(http.MethodPost, "/api/uploads", body, uuid.New(), "")
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateUploadRequiresAuth(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{}, 0, nil)

	body, contentType := multipartFile(t, "people.csv", "a\n1\n")
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.CreateUpload(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetUploadNotFound(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		getStatusFn: func(context.Context, uuid.UUID, uuid.UUID) (*domain.Upload, error) {
			return nil, store.ErrUploadNotFound
		},
	}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x", nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetUpload(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUploadRejectsMalformedID(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/nope", nil, uuid.New(), "nope")
	rec := httptest.NewRecorder()
	h.GetUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDataPassesParsedParams(t *testing.T) {
	uploadID := uuid.New()

	h := NewUploadHandler(&mockUploadManager{
		listDataFn: func(_ context.Context, _, gotUpload uuid.UUID, p query.Params) (*query.Page, error) {
			assert.Equal(t, uploadID, gotUpload)
			assert.Equal(t, query.StrategyOffset, p.Strategy)
			assert.Equal(t, 2, p.Page)
			assert.Equal(t, 10, p.PageSize)
			assert.Equal(t, "name", p.SortKey)
			assert.Equal(t, store.SortDesc, p.Order)
			require.Len(t, p.Filters, 1)
			assert.Equal(t, store.RowFilter{Key: "status", Op: store.FilterEq, Value: "active"}, p.Filters[0])

			return &query.Page{
				Rows: []map[string]string{{"name": "ada"}},
				Pagination: query.Pagination{
					Strategy: query.StrategyOffset,
					Page:     2,
					PageSize: 10,
					HasMore:  false,
				},
			}, nil
		},
	}, 0, nil)

	target := "/api/uploads/x/data?page=2&page_size=10&sort=name&order=desc&filter[status]=active"
	req := authedRequest(http.MethodGet, target, nil, uuid.New(), uploadID.String())
	rec := httptest.NewRecorder()
	h.GetData(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var page query.Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Rows, 1)
	assert.Equal(t, 2, page.Pagination.Page)
}

func TestGetDataRejectsOutOfRangePageSize(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x/data?page_size=9999",
		nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetData(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDataNotReadyConflict(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		listDataFn: func(context.Context, uuid.UUID, uuid.UUID, query.Params) (*query.Page, error) {
			return nil, service.ErrUploadNotReady
		},
	}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x/data", nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetData(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetDataStreamsNDJSON(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		streamDataFn: func(_ context.Context, _, _ uuid.UUID, p query.Params, fn func([]map[string]string) error) error {
			assert.Equal(t, query.StrategyStream, p.Strategy)
			assert.Equal(t, 100, p.ChunkSize)

			if err := fn([]map[string]string{{"id": "1"}, {"id": "2"}, {"id": "3"}}); err != nil {
				return err
			}
			return fn([]map[string]string{{"id": "4"}, {"id": "5"}})
		},
	}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x/data?strategy=stream&chunk_size=100",
		nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetData(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 5)

	var row map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &row))
	assert.Equal(t, "4", row["id"])
}

func TestGetDataStreamFailsBeforeFirstChunk(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		streamDataFn: func(_ context.Context, _, _ uuid.UUID, _ query.Params, _ func([]map[string]string) error) error {
			return service.ErrUploadNotReady
		},
	}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x/data?strategy=stream",
		nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetData(rec, req)

	// No bytes hit the wire yet, so the proper status can still be sent.
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteUpload(t *testing.T) {
	uploadID := uuid.New()

	h := NewUploadHandler(&mockUploadManager{
		deleteFn: func(_ context.Context, _, gotUpload uuid.UUID) error {
			assert.Equal(t, uploadID, gotUpload)
			return nil
		},
	}, 0, nil)

	req := authedRequest(http.MethodDelete, "/api/uploads/x", nil, uuid.New(), uploadID.String())
	rec := httptest.NewRecorder()
	h.DeleteUpload(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestDeleteUploadReportsPartialFailure(t *testing.T) {
	uploadID := uuid.New()

	h := NewUploadHandler(&mockUploadManager{
		deleteFn: func(context.Context, uuid.UUID, uuid.UUID) error {
			return &service.PartialDeleteError{UploadID: uploadID, FileKey: "k.csv"}
		},
	}, 0, nil)

	req := authedRequest(http.MethodDelete, "/api/uploads/x", nil, uuid.New(), uploadID.String())
	rec := httptest.NewRecorder()
	h.DeleteUpload(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Upload deleted but file cleanup failed", resp.Error)
}

func TestGetProgressResponse(t *testing.T) {
	h := NewUploadHandler(&mockUploadManager{
		getProgressFn: func(context.Context, uuid.UUID, uuid.UUID) (*service.Progress, error) {
			total := int64(200)
			return &service.Progress{ProcessedRows: 50, TotalRows: &total, Percentage: 25}, nil
		},
	}, 0, nil)

	req := authedRequest(http.MethodGet, "/api/uploads/x/progress", nil, uuid.New(), uuid.NewString())
	rec := httptest.NewRecorder()
	h.GetProgress(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var progress service.Progress
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&progress))
	assert.Equal(t, int64(50), progress.ProcessedRows)
	assert.InDelta(t, 25.0, progress.Percentage, 0.001)
}
