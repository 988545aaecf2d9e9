package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/phrazzld/sift-api/internal/domain"
)

// SortOrder is the direction of a sorted row listing.
type SortOrder string

// Supported sort orders
const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FilterOp is a per-column filter operator.
type FilterOp string

// Supported filter operators
const (
	// FilterEq matches rows whose column equals the value.
	FilterEq FilterOp = "eq"

	// FilterIn matches rows whose column equals any of the values.
	FilterIn FilterOp = "in"

	// FilterGte matches rows whose column is >= the value (numeric compare).
	FilterGte FilterOp = "gte"

	// FilterLte matches rows whose column is <= the value (numeric compare).
	FilterLte FilterOp = "lte"
)

// RowFilter is a single per-column predicate against the row payload.
type RowFilter struct {
	Key    string
	Op     FilterOp
	Value  string
	Values []string // used by FilterIn
}

// CursorPos is a keyset position: the sort key value and ordinal of the last
// row already served. Listings resume strictly after this position.
type CursorPos struct {
	// SortValue is the payload value of the sort key at the position.
	// Unused when sorting by ordinal.
	SortValue string `json:"v,omitempty"`

	// Ordinal is the position's ordinal, always set; it breaks ties between
	// equal sort key values.
	Ordinal int64 `json:"o"`
}

// RowQuery describes one filtered, sorted slice of an upload's rows.
// The same filter semantics back all three pagination strategies; only the
// slicing fields (Limit/Offset/After) differ between them.
type RowQuery struct {
	UploadID uuid.UUID

	// Search is a free-text match across all payload values.
	Search string

	// Filters are ANDed per-column predicates.
	Filters []RowFilter

	// SortKey is a normalized payload key, or empty to sort by ordinal.
	SortKey string
	Order   SortOrder

	// Limit bounds the returned slice. Zero means no limit.
	Limit int

	// Offset skips rows from the start of the result (offset strategy only).
	Offset int

	// After restricts the result to rows strictly past the cursor position
	// (cursor strategy only). Mutually exclusive with Offset.
	After *CursorPos
}

// RowStore defines the interface for ingested row persistence.
// Rows are written in batches by the ingestion worker and are immutable
// afterwards; deletion happens via the owning upload's cascade.
type RowStore interface {
	// BulkInsert writes a batch of rows as a single storage operation.
	// All rows must belong to the same upload.
	BulkInsert(ctx context.Context, rows []*domain.Row) error

	// List returns the rows matching the query in sorted order.
	List(ctx context.Context, q RowQuery) ([]*domain.Row, error)

	// Count returns the total number of rows matching the query's filters,
	// ignoring Limit/Offset/After.
	Count(ctx context.Context, q RowQuery) (int64, error)

	// WithTx returns a new RowStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) RowStore
}
