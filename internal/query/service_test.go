package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/store"
)

// fakeRowStore implements store.RowStore in memory with the same filter and
// ordering semantics the SQL builder produces.
type fakeRowStore struct {
	rows []*domain.Row
}

func (f *fakeRowStore) BulkInsert(_ context.Context, rows []*domain.Row) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeRowStore) List(_ context.Context, q store.RowQuery) ([]*domain.Row, error) {
	var matched []*domain.Row
	for _, r := range f.rows {
		if f.match(q, r) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		less := compareRows(matched[i], matched[j], q.SortKey) < 0
		if q.Order == store.SortDesc {
			return !less && compareRows(matched[i], matched[j], q.SortKey) != 0
		}
		return less
	})

	if q.After != nil {
		var after []*domain.Row
		for _, r := range matched {
			c := comparePos(r, *q.After, q.SortKey)
			if (q.Order == store.SortDesc && c < 0) || (q.Order != store.SortDesc && c > 0) {
				after = append(after, r)
			}
		}
		matched = after
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (f *fakeRowStore) Count(_ context.Context, q store.RowQuery) (int64, error) {
	var n int64
	for _, r := range f.rows {
		if f.match(q, r) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRowStore) WithTx(*sql.Tx) store.RowStore { return f }

func (f *fakeRowStore) match(q store.RowQuery, r *domain.Row) bool {
	if r.UploadID != q.UploadID {
		return false
	}

	if q.Search != "" {
		found := false
		for _, v := range r.Payload {
			if strings.Contains(strings.ToLower(v), strings.ToLower(q.Search)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, flt := range q.Filters {
		v := r.Payload[flt.Key]
		switch flt.Op {
		case store.FilterEq:
			if v != flt.Value {
				return false
			}
		case store.FilterIn:
			ok := false
			for _, want := range flt.Values {
				if v == want {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		case store.FilterGte, store.FilterLte:
			val, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return false
			}
			bound, err := strconv.ParseFloat(flt.Value, 64)
			if err != nil {
				return false
			}
			if flt.Op == store.FilterGte && val < bound {
				return false
			}
			if flt.Op == store.FilterLte && val > bound {
				return false
			}
		}
	}
	return true
}

func compareRows(a, b *domain.Row, sortKey string) int {
	if sortKey != "" {
		if c := strings.Compare(a.Payload[sortKey], b.Payload[sortKey]); c != 0 {
			return c
		}
	}
	switch {
	case a.Ordinal < b.Ordinal:
		return -1
	case a.Ordinal > b.Ordinal:
		return 1
	}
	return 0
}

func comparePos(r *domain.Row, pos store.CursorPos, sortKey string) int {
	if sortKey != "" {
		if c := strings.Compare(r.Payload[sortKey], pos.SortValue); c != 0 {
			return c
		}
	}
	switch {
	case r.Ordinal < pos.Ordinal:
		return -1
	case r.Ordinal > pos.Ordinal:
		return 1
	}
	return 0
}

func testUpload(t *testing.T) *domain.Upload {
	t.Helper()

	upload, err := domain.NewUpload(uuid.New(), "data.csv", "key.csv")
	require.NoError(t, err)
	upload.Status = domain.UploadStatusCompleted
	upload.Metadata[domain.MetadataHeaderMap] = map[string]string{
		"id":   "ID",
		"name": "Name",
	}
	return upload
}

// seedRows creates n rows with a unique id column and cycling names so sort
// keys have duplicates.
func seedRows(t *testing.T, f *fakeRowStore, uploadID uuid.UUID, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		row, err := domain.NewRow(uploadID, int64(i), map[string]string{
			"id":   fmt.Sprintf("%03d", i),
			"name": fmt.Sprintf("n%d", i%5),
		})
		require.NoError(t, err)
		f.rows = append(f.rows, row)
	}
}

func TestCursorPaginationRoundTrip(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 23)

	// A sibling upload must never leak into the pages.
	other := testUpload(t)
	seedRows(t, f, other.ID, 7)

	svc := NewService(f, nil, nil)

	p := Params{
		Strategy: StrategyCursor,
		PageSize: 5,
		SortKey:  "name",
		Order:    store.SortAsc,
	}

	var ids []string
	pages := 0
	for {
		page, err := svc.ListData(context.Background(), upload, p)
		require.NoError(t, err)
		pages++

		for _, row := range page.Rows {
			ids = append(ids, row["id"])
		}

		if !page.Pagination.HasMore {
			assert.Empty(t, page.Pagination.NextCursor)
			break
		}
		require.NotEmpty(t, page.Pagination.NextCursor)
		p.Cursor = page.Pagination.NextCursor
	}

	assert.Equal(t, 5, pages)
	require.Len(t, ids, 23)

	// No duplicates, no omissions.
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, 23)
}

func TestOffsetPaginationTotals(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 23)

	svc := NewService(f, nil, nil)

	page, err := svc.ListData(context.Background(), upload, Params{
		Strategy: StrategyOffset,
		Page:     1,
		PageSize: 10,
	})
	require.NoError(t, err)

	assert.Len(t, page.Rows, 10)
	require.NotNil(t, page.Pagination.TotalRows)
	assert.Equal(t, int64(23), *page.Pagination.TotalRows)
	require.NotNil(t, page.Pagination.TotalPages)
	assert.Equal(t, int64(3), *page.Pagination.TotalPages)
	assert.True(t, page.Pagination.HasMore)

	last, err := svc.ListData(context.Background(), upload, Params{
		Strategy: StrategyOffset,
		Page:     3,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Len(t, last.Rows, 3)
	assert.False(t, last.Pagination.HasMore)
}

func TestOffsetPastEndReturnsEmptyPage(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 5)

	svc := NewService(f, nil, nil)

	page, err := svc.ListData(context.Background(), upload, Params{
		Strategy: StrategyOffset,
		Page:     99,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.False(t, page.Pagination.HasMore)
}

func TestStreamDataChunks(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 250)

	svc := NewService(f, nil, nil)

	var chunkSizes []int
	var total int
	err := svc.StreamData(context.Background(), upload, Params{
		Strategy:  StrategyStream,
		ChunkSize: 100,
	}, func(chunk []map[string]string) error {
		chunkSizes = append(chunkSizes, len(chunk))
		total += len(chunk)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, chunkSizes)
	assert.Equal(t, 250, total)
}

func TestStreamDataHonorsSort(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 10)

	svc := NewService(f, nil, nil)

	var ids []string
	err := svc.StreamData(context.Background(), upload, Params{
		Strategy:  StrategyStream,
		ChunkSize: 4,
		SortKey:   "name",
		Order:     store.SortDesc,
	}, func(chunk []map[string]string) error {
		for _, row := range chunk {
			ids = append(ids, row["id"])
		}
		return nil
	})
	require.NoError(t, err)

	// Names cycle mod 5, ordinal breaks ties. Descending by name must hold
	// across chunk boundaries with no skipped or repeated rows.
	assert.Equal(t, []string{
		"009", "004", "008", "003",
		"007", "002", "006", "001",
		"005", "000",
	}, ids)
}

func TestStreamDataRejectsUnknownSortKey(t *testing.T) {
	svc := NewService(&fakeRowStore{}, nil, nil)

	err := svc.StreamData(context.Background(), testUpload(t), Params{
		Strategy:  StrategyStream,
		ChunkSize: 100,
		SortKey:   "nope",
	}, func([]map[string]string) error { return nil })
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListDataAppliesFiltersAndProjection(t *testing.T) {
	f := &fakeRowStore{}
	upload := testUpload(t)
	seedRows(t, f, upload.ID, 20)

	svc := NewService(f, nil, nil)

	page, err := svc.ListData(context.Background(), upload, Params{
		Strategy: StrategyOffset,
		Page:     1,
		PageSize: 50,
		Filters: []store.RowFilter{
			{Key: "name", Op: store.FilterEq, Value: "n0"},
		},
		Columns: []string{"id"},
	})
	require.NoError(t, err)

	// Names cycle mod 5, so n0 matches ordinals 0, 5, 10, 15.
	require.Len(t, page.Rows, 4)
	for _, row := range page.Rows {
		assert.Len(t, row, 1)
		assert.Contains(t, row, "id")
	}
}

func TestListDataRejectsUnknownSortKey(t *testing.T) {
	svc := NewService(&fakeRowStore{}, nil, nil)

	_, err := svc.ListData(context.Background(), testUpload(t), Params{
		Strategy: StrategyOffset,
		Page:     1,
		PageSize: 10,
		SortKey:  "nope",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListDataRejectsStreamStrategy(t *testing.T) {
	svc := NewService(&fakeRowStore{}, nil, nil)

	_, err := svc.ListData(context.Background(), testUpload(t), Params{Strategy: StrategyStream})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
