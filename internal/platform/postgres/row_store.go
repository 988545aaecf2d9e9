package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/platform/logger"
	"github.com/phrazzld/sift-api/internal/store"
)

// numericPattern guards ::numeric casts in range filters so that rows with
// non-numeric values in the filtered column are excluded instead of aborting
// the whole query.
const numericPattern = `^-?[0-9]+(\.[0-9]+)?$`

// PostgresRowStore implements the store.RowStore interface
// using a PostgreSQL database as the storage backend. Row payloads are
// stored in a JSONB column so arbitrary per-upload column sets coexist
// without schema migration.
type PostgresRowStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresRowStore creates a new PostgreSQL implementation of the RowStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresRowStore(db store.DBTX, logger *slog.Logger) *PostgresRowStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresRowStore{
		db:     db,
		logger: logger.With(slog.String("component", "row_store")),
	}
}

// Ensure PostgresRowStore implements store.RowStore interface
var _ store.RowStore = (*PostgresRowStore)(nil)

// WithTx implements store.RowStore.WithTx
func (s *PostgresRowStore) WithTx(tx *sql.Tx) store.RowStore {
	return &PostgresRowStore{
		db:     tx,
		logger: s.logger,
	}
}

// BulkInsert implements store.RowStore.BulkInsert
// The whole batch is written with one multi-VALUES INSERT to keep per-row
// overhead down on million-row ingestions.
func (s *PostgresRowStore) BulkInsert(ctx context.Context, rows []*domain.Row) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO upload_rows (upload_id, ordinal, payload) VALUES `)

	args := make([]any, 0, len(rows)*3)
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			return fmt.Errorf("%w: row %d: %v", store.ErrInvalidEntity, i, err)
		}

		payloadJSON, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal row payload: %w", err)
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", len(args)+1, len(args)+2, len(args)+3)
		args = append(args, row.UploadID, row.Ordinal, payloadJSON)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		log.Error("failed to bulk insert rows",
			slog.String("error", err.Error()),
			slog.String("upload_id", rows[0].UploadID.String()),
			slog.Int("batch_size", len(rows)))
		return MapError(err)
	}

	log.Debug("row batch inserted",
		slog.String("upload_id", rows[0].UploadID.String()),
		slog.Int("batch_size", len(rows)))
	return nil
}

// List implements store.RowStore.List
func (s *PostgresRowStore) List(ctx context.Context, q store.RowQuery) ([]*domain.Row, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query, args, err := buildRowQuery(q, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to list rows",
			slog.String("error", err.Error()),
			slog.String("upload_id", q.UploadID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	result := []*domain.Row{}
	for rows.Next() {
		var row domain.Row
		var payloadJSON []byte

		if err := rows.Scan(&row.ID, &row.UploadID, &row.Ordinal, &payloadJSON); err != nil {
			log.Error("failed to scan data row", slog.String("error", err.Error()))
			return nil, err
		}

		if err := json.Unmarshal(payloadJSON, &row.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row payload: %w", err)
		}

		result = append(result, &row)
	}

	if err := rows.Err(); err != nil {
		log.Error("error after scanning data rows", slog.String("error", err.Error()))
		return nil, err
	}

	return result, nil
}

// Count implements store.RowStore.Count
func (s *PostgresRowStore) Count(ctx context.Context, q store.RowQuery) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query, args, err := buildRowQuery(q, true)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		log.Error("failed to count rows",
			slog.String("error", err.Error()),
			slog.String("upload_id", q.UploadID.String()))
		return 0, MapError(err)
	}

	return count, nil
}

// buildRowQuery turns a RowQuery into SQL and bind arguments. All three
// pagination strategies share this builder so filter semantics cannot drift
// between them. When forCount is set, ordering and slicing are omitted.
func buildRowQuery(q store.RowQuery, forCount bool) (string, []any, error) {
	var sb strings.Builder
	args := []any{}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if forCount {
		sb.WriteString(`SELECT COUNT(*) FROM upload_rows`)
	} else {
		sb.WriteString(`SELECT id, upload_id, ordinal, payload FROM upload_rows`)
	}

	sb.WriteString(` WHERE upload_id = ` + arg(q.UploadID))

	if q.Search != "" {
		sb.WriteString(` AND payload::text ILIKE ` + arg("%"+q.Search+"%"))
	}

	for _, f := range q.Filters {
		col := `payload->>` + arg(f.Key) + `::text`
		switch f.Op {
		case store.FilterEq:
			sb.WriteString(` AND ` + col + ` = ` + arg(f.Value))
		case store.FilterIn:
			if len(f.Values) == 0 {
				return "", nil, fmt.Errorf("%w: empty value list for filter %q",
					store.ErrInvalidEntity, f.Key)
			}
			placeholders := make([]string, len(f.Values))
			for i, v := range f.Values {
				placeholders[i] = arg(v)
			}
			sb.WriteString(` AND ` + col + ` IN (` + strings.Join(placeholders, ", ") + `)`)
		case store.FilterGte:
			sb.WriteString(` AND ` + col + ` ~ '` + numericPattern + `'`)
			sb.WriteString(` AND (` + col + `)::numeric >= ` + arg(f.Value) + `::numeric`)
		case store.FilterLte:
			sb.WriteString(` AND ` + col + ` ~ '` + numericPattern + `'`)
			sb.WriteString(` AND (` + col + `)::numeric <= ` + arg(f.Value) + `::numeric`)
		default:
			return "", nil, fmt.Errorf("%w: unsupported filter operator %q",
				store.ErrInvalidEntity, f.Op)
		}
	}

	if forCount {
		return sb.String(), args, nil
	}

	cmp := ">"
	dir := "ASC"
	if q.Order == store.SortDesc {
		cmp = "<"
		dir = "DESC"
	}

	if q.SortKey == "" {
		if q.After != nil {
			sb.WriteString(fmt.Sprintf(` AND ordinal %s %s`, cmp, arg(q.After.Ordinal)))
		}
		sb.WriteString(fmt.Sprintf(` ORDER BY ordinal %s`, dir))
	} else {
		sortExpr := `payload->>` + arg(q.SortKey) + `::text`
		if q.After != nil {
			// Row-value comparison resumes after (sort value, ordinal),
			// keeping keyset pages stable under concurrent inserts.
			sb.WriteString(fmt.Sprintf(` AND (%s, ordinal) %s (%s, %s)`,
				sortExpr, cmp, arg(q.After.SortValue), arg(q.After.Ordinal)))
		}
		sb.WriteString(fmt.Sprintf(` ORDER BY %s %s, ordinal %s`, sortExpr, dir, dir))
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ` + arg(q.Limit))
	}

	if q.Offset > 0 {
		sb.WriteString(` OFFSET ` + arg(q.Offset))
	}

	return sb.String(), args, nil
}
