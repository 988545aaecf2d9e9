package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/redis"
	"github.com/phrazzld/sift-api/internal/store"
)

// Service executes data listings over the row store with cache assistance.
type Service struct {
	rows   store.RowStore
	cache  *redis.Cache
	counts singleflight.Group
	logger *slog.Logger
}

// NewService creates a query Service. cache may be nil (caching disabled).
func NewService(rows store.RowStore, cache *redis.Cache, logger *slog.Logger) *Service {
	if rows == nil {
		panic("rows cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		rows:   rows,
		cache:  cache,
		logger: logger.With(slog.String("component", "query")),
	}
}

// Page is one data listing response.
type Page struct {
	Rows       []map[string]string `json:"rows"`
	Pagination Pagination          `json:"pagination"`
}

// Pagination describes the position of a Page within the full result.
// Fields are strategy-dependent; unused ones are omitted.
type Pagination struct {
	Strategy   Strategy `json:"strategy"`
	Page       int      `json:"page,omitempty"`
	PageSize   int      `json:"page_size,omitempty"`
	TotalRows  *int64   `json:"total_rows,omitempty"`
	TotalPages *int64   `json:"total_pages,omitempty"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// ListData serves one page for the offset or cursor strategy.
// The upload must already be verified as completed and owner-scoped.
func (s *Service) ListData(ctx context.Context, upload *domain.Upload, p Params) (*Page, error) {
	if p.Strategy == StrategyStream {
		return nil, domain.NewValidationError("strategy", "stream strategy has no single-page form", nil)
	}

	if err := p.Validate(upload.HeaderKeys()); err != nil {
		return nil, err
	}

	cacheKey := redis.PageKey(upload.ID.String(), p.fingerprint())
	if !p.NoCache {
		if data, ok := s.cache.GetPage(ctx, cacheKey); ok {
			var page Page
			if err := json.Unmarshal(data, &page); err == nil {
				return &page, nil
			}
			s.logger.Warn("discarding corrupt cached page", "key", cacheKey)
		}
	}

	var (
		page *Page
		err  error
	)
	switch p.Strategy {
	case StrategyCursor:
		page, err = s.cursorPage(ctx, upload, p)
	default:
		page, err = s.offsetPage(ctx, upload, p)
	}
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(page); err == nil {
		s.cache.SetPage(ctx, cacheKey, data)
	}

	return page, nil
}

// StreamData iterates the full filtered result set in the requested order
// (file order when no sort is given), invoking fn once per chunk. Chunks are
// fetched by keyset continuation on (sort value, ordinal), so it never
// computes a total count and holds at most one chunk in memory.
func (s *Service) StreamData(
	ctx context.Context,
	upload *domain.Upload,
	p Params,
	fn func(chunk []map[string]string) error,
) error {
	if err := p.Validate(upload.HeaderKeys()); err != nil {
		return err
	}

	q := p.rowQuery(upload.ID)
	q.Limit = p.ChunkSize

	for {
		rows, err := s.rows.List(ctx, q)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		if err := fn(projectRows(rows, p.Columns)); err != nil {
			return err
		}

		if len(rows) < p.ChunkSize {
			return nil
		}

		last := rows[len(rows)-1]
		pos := store.CursorPos{Ordinal: last.Ordinal}
		if p.SortKey != "" {
			pos.SortValue = last.Payload[p.SortKey]
		}
		q.After = &pos
	}
}

func (s *Service) offsetPage(ctx context.Context, upload *domain.Upload, p Params) (*Page, error) {
	q := p.rowQuery(upload.ID)
	q.Limit = p.PageSize
	q.Offset = (p.Page - 1) * p.PageSize

	rows, err := s.rows.List(ctx, q)
	if err != nil {
		return nil, err
	}

	total, err := s.totalCount(ctx, upload, p)
	if err != nil {
		return nil, err
	}

	totalPages := total / int64(p.PageSize)
	if total%int64(p.PageSize) != 0 {
		totalPages++
	}

	return &Page{
		Rows: projectRows(rows, p.Columns),
		Pagination: Pagination{
			Strategy:   StrategyOffset,
			Page:       p.Page,
			PageSize:   p.PageSize,
			TotalRows:  &total,
			TotalPages: &totalPages,
			HasMore:    int64(p.Page) < totalPages,
		},
	}, nil
}

func (s *Service) cursorPage(ctx context.Context, upload *domain.Upload, p Params) (*Page, error) {
	q := p.rowQuery(upload.ID)

	if p.Cursor != "" {
		pos, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		q.After = &pos
	}

	// Fetch one row past the page to learn whether another page exists
	// without a count query.
	q.Limit = p.PageSize + 1

	rows, err := s.rows.List(ctx, q)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > p.PageSize
	if hasMore {
		rows = rows[:p.PageSize]
	}

	page := &Page{
		Rows: projectRows(rows, p.Columns),
		Pagination: Pagination{
			Strategy: StrategyCursor,
			PageSize: p.PageSize,
			HasMore:  hasMore,
		},
	}

	if hasMore {
		last := rows[len(rows)-1]
		pos := store.CursorPos{Ordinal: last.Ordinal}
		if p.SortKey != "" {
			pos.SortValue = last.Payload[p.SortKey]
		}
		page.Pagination.NextCursor = EncodeCursor(pos)
	}

	return page, nil
}

// totalCount returns the filtered row count, cache-assisted and deduplicated
// so concurrent pages over the same filter set share one COUNT(*).
func (s *Service) totalCount(ctx context.Context, upload *domain.Upload, p Params) (int64, error) {
	key := redis.CountKey(upload.ID.String(), p.countFingerprint())

	if !p.NoCache {
		if count, ok := s.cache.GetCount(ctx, key); ok {
			return count, nil
		}
	}

	v, err, _ := s.counts.Do(key, func() (any, error) {
		count, err := s.rows.Count(ctx, p.rowQuery(upload.ID))
		if err != nil {
			return nil, err
		}
		s.cache.SetCount(ctx, key, count)
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// rowQuery maps the filter/sort part of the params onto a store query.
func (p *Params) rowQuery(uploadID uuid.UUID) store.RowQuery {
	return store.RowQuery{
		UploadID: uploadID,
		Search:   p.Search,
		Filters:  p.Filters,
		SortKey:  p.SortKey,
		Order:    p.Order,
	}
}

// canonicalQuery is the cache identity of a listing request. Field order is
// fixed and filters arrive pre-sorted from parsing, so equal requests always
// produce equal fingerprints.
type canonicalQuery struct {
	Strategy Strategy          `json:"st"`
	Page     int               `json:"p,omitempty"`
	PageSize int               `json:"ps,omitempty"`
	Cursor   string            `json:"c,omitempty"`
	Search   string            `json:"q,omitempty"`
	Filters  []store.RowFilter `json:"f,omitempty"`
	SortKey  string            `json:"s,omitempty"`
	Order    store.SortOrder   `json:"o,omitempty"`
	Columns  []string          `json:"cols,omitempty"`
}

func (p *Params) fingerprint() string {
	return hashQuery(canonicalQuery{
		Strategy: p.Strategy,
		Page:     p.Page,
		PageSize: p.PageSize,
		Cursor:   p.Cursor,
		Search:   p.Search,
		Filters:  p.Filters,
		SortKey:  p.SortKey,
		Order:    p.Order,
		Columns:  p.Columns,
	})
}

// countFingerprint covers only what affects COUNT(*): the filter set.
func (p *Params) countFingerprint() string {
	return hashQuery(canonicalQuery{
		Search:  p.Search,
		Filters: p.Filters,
	})
}

func hashQuery(c canonicalQuery) string {
	data, err := json.Marshal(c)
	if err != nil {
		// canonicalQuery contains only marshalable fields
		panic(fmt.Sprintf("failed to marshal canonical query: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// projectRows shapes row payloads for the response, applying the column
// projection when one was requested.
func projectRows(rows []*domain.Row, columns []string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		if len(columns) == 0 {
			out = append(out, row.Payload)
			continue
		}

		projected := make(map[string]string, len(columns))
		for _, c := range columns {
			if v, ok := row.Payload[c]; ok {
				projected[c] = v
			}
		}
		out = append(out, projected)
	}
	return out
}
