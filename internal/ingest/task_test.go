package ingest

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/notify"
	"github.com/phrazzld/sift-api/internal/store"
	"github.com/phrazzld/sift-api/internal/task"
)

// mockUploadStore tracks the lifecycle calls the ingestion worker makes.
type mockUploadStore struct {
	mu sync.Mutex

	markProcessingErr error
	markedProcessing  bool
	metadata          map[string]any
	progress          int64
	completed         bool
	completedTotal    int64
	failed            bool
	failSummary       string
}

func newMockUploadStore() *mockUploadStore {
	return &mockUploadStore{metadata: map[string]any{}}
}

func (m *mockUploadStore) MarkProcessing(_ context.Context, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markProcessingErr != nil {
		return m.markProcessingErr
	}
	m.markedProcessing = true
	return nil
}

func (m *mockUploadStore) SetMetadata(_ context.Context, _ uuid.UUID, md map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range md {
		m.metadata[k] = v
	}
	return nil
}

func (m *mockUploadStore) IncrementProgress(_ context.Context, _ uuid.UUID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress += delta
	return nil
}

func (m *mockUploadStore) Complete(_ context.Context, _ uuid.UUID, total int64, md map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
	m.completedTotal = total
	for k, v := range md {
		m.metadata[k] = v
	}
	return nil
}

func (m *mockUploadStore) Fail(_ context.Context, _ uuid.UUID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
	m.failSummary = summary
	return nil
}

func (m *mockUploadStore) Create(context.Context, *domain.Upload) error { return nil }
func (m *mockUploadStore) GetByID(context.Context, uuid.UUID) (*domain.Upload, error) {
	return nil, store.ErrUploadNotFound
}
func (m *mockUploadStore) GetForUser(context.Context, uuid.UUID, uuid.UUID) (*domain.Upload, error) {
	return nil, store.ErrUploadNotFound
}
func (m *mockUploadStore) ListByUser(context.Context, uuid.UUID) ([]*domain.Upload, error) {
	return nil, nil
}
func (m *mockUploadStore) Delete(context.Context, uuid.UUID) error { return nil }
func (m *mockUploadStore) WithTx(*sql.Tx) store.UploadStore        { return m }

// mockRowStore records inserted batches.
type mockRowStore struct {
	mu      sync.Mutex
	batches [][]*domain.Row
}

func (m *mockRowStore) BulkInsert(_ context.Context, rows []*domain.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]*domain.Row, len(rows))
	copy(batch, rows)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockRowStore) List(context.Context, store.RowQuery) ([]*domain.Row, error) {
	return nil, nil
}
func (m *mockRowStore) Count(context.Context, store.RowQuery) (int64, error) { return 0, nil }
func (m *mockRowStore) WithTx(*sql.Tx) store.RowStore                        { return m }

func (m *mockRowStore) totalRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

// mockFileOpener serves a fixed file body for any key.
type mockFileOpener struct {
	content string
}

func (m *mockFileOpener) Open(string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m.content)), nil
}

// mockNotifier records delivered summaries.
type mockNotifier struct {
	mu        sync.Mutex
	summaries []notify.Summary
}

func (m *mockNotifier) IngestionFinished(_ context.Context, s notify.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

type fixture struct {
	uploads  *mockUploadStore
	rows     *mockRowStore
	notifier *mockNotifier
	factory  *Factory
}

func newFixture(t *testing.T, content string, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		uploads:  newMockUploadStore(),
		rows:     &mockRowStore{},
		notifier: &mockNotifier{},
	}
	f.factory = NewFactory(
		f.uploads,
		f.rows,
		&mockFileOpener{content: content},
		f.notifier,
		cfg,
		nil,
	)
	return f
}

func runTask(t *testing.T, f *fixture) error {
	t.Helper()

	tk, err := f.factory.NewTask(uuid.New(), uuid.New(), "file.csv")
	require.NoError(t, err)
	assert.Equal(t, task.TaskTypeUploadIngestion, tk.Type())
	return tk.Execute(context.Background())
}

func TestIngestionHappyPathWithSkipsAndDuplicateHeaders(t *testing.T) {
	// 10 data rows, one with the wrong column count, under duplicate headers.
	content := "id,Name,name\n" +
		"1,ada,x\n" +
		"2,bob,y\n" +
		"3,cyd,z\n" +
		"4,dee\n" + // malformed: two columns
		"5,eli,x\n" +
		"6,fay,y\n" +
		"7,gus,z\n" +
		"8,hal,x\n" +
		"9,ivy,y\n" +
		"10,jan,z\n"

	f := newFixture(t, content, Config{BatchSize: 4, MaxSkipRate: 0.5})
	require.NoError(t, runTask(t, f))

	assert.True(t, f.uploads.markedProcessing)
	assert.True(t, f.uploads.completed)
	assert.False(t, f.uploads.failed)
	assert.Equal(t, int64(9), f.uploads.completedTotal)
	assert.Equal(t, int64(9), f.uploads.progress)
	assert.Equal(t, int64(1), f.uploads.metadata[domain.MetadataSkippedRows])

	// Duplicate headers got unique keys.
	headerMap, ok := f.uploads.metadata[domain.MetadataHeaderMap].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"id":     "id",
		"name":   "Name",
		"name_2": "name",
	}, headerMap)

	// 9 rows in batches of 4: 4 + 4 + 1.
	assert.Equal(t, 9, f.rows.totalRows())
	require.Len(t, f.rows.batches, 3)
	assert.Len(t, f.rows.batches[0], 4)
	assert.Len(t, f.rows.batches[2], 1)

	// Ordinals are contiguous across skipped rows.
	first := f.rows.batches[0][0]
	assert.Equal(t, int64(0), first.Ordinal)
	assert.Equal(t, map[string]string{"id": "1", "name": "ada", "name_2": "x"}, first.Payload)
	last := f.rows.batches[2][0]
	assert.Equal(t, int64(8), last.Ordinal)

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, string(domain.UploadStatusCompleted), f.notifier.summaries[0].Status)
	assert.Equal(t, int64(9), f.notifier.summaries[0].TotalRows)
	assert.Equal(t, int64(1), f.notifier.summaries[0].SkippedRows)
}

func TestIngestionDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, "a\n1\n", Config{BatchSize: 10, MaxSkipRate: 0.5})
	f.uploads.markProcessingErr = store.ErrStatusConflict

	require.NoError(t, runTask(t, f))

	assert.Empty(t, f.rows.batches)
	assert.False(t, f.uploads.completed)
	assert.False(t, f.uploads.failed)
	assert.Empty(t, f.notifier.summaries)
}

func TestIngestionDeletedUploadIsNoOp(t *testing.T) {
	f := newFixture(t, "a\n1\n", Config{BatchSize: 10, MaxSkipRate: 0.5})
	f.uploads.markProcessingErr = store.ErrUploadNotFound

	require.NoError(t, runTask(t, f))
	assert.Empty(t, f.rows.batches)
}

func TestIngestionFailsWhenSkipRateExceeded(t *testing.T) {
	// Zero tolerance: one malformed row fails the upload.
	content := "a,b\n1,2\n3\n"

	f := newFixture(t, content, Config{BatchSize: 10, MaxSkipRate: 0})
	err := runTask(t, f)
	require.ErrorIs(t, err, ErrTooManyMalformedRows)

	assert.True(t, f.uploads.failed)
	assert.Contains(t, f.uploads.failSummary, "malformed")
	assert.False(t, f.uploads.completed)

	require.Len(t, f.notifier.summaries, 1)
	assert.Equal(t, string(domain.UploadStatusFailed), f.notifier.summaries[0].Status)
}

func TestIngestionFailsOnEmptyFile(t *testing.T) {
	f := newFixture(t, "", Config{BatchSize: 10, MaxSkipRate: 0.5})

	err := runTask(t, f)
	require.Error(t, err)
	assert.True(t, f.uploads.failed)
	assert.Contains(t, f.uploads.failSummary, "empty")
}

func TestRehydrateRebuildsExecutableTask(t *testing.T) {
	f := newFixture(t, "a\n1\n2\n", Config{BatchSize: 10, MaxSkipRate: 0.5})

	tk, err := f.factory.NewTask(uuid.New(), uuid.New(), "file.csv")
	require.NoError(t, err)

	execFn, err := f.factory.Rehydrate(task.TaskTypeUploadIngestion, tk.Payload())
	require.NoError(t, err)

	require.NoError(t, execFn(context.Background()))
	assert.True(t, f.uploads.completed)
	assert.Equal(t, int64(2), f.uploads.completedTotal)
}

func TestRehydrateRejectsUnknownType(t *testing.T) {
	f := newFixture(t, "", Config{})

	_, err := f.factory.Rehydrate("other_type", []byte("{}"))
	assert.Error(t, err)
}
