// Package query serves filtered, sorted, paginated views over ingested rows.
//
// All three pagination strategies (offset, stream, cursor) share the row
// store's single query builder, so filter and sort semantics cannot differ
// between them; the strategies only differ in how they slice and shape the
// result.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/store"
)

// Strategy selects how a data listing is paginated.
type Strategy string

// Supported pagination strategies.
const (
	StrategyOffset Strategy = "offset"
	StrategyStream Strategy = "stream"
	StrategyCursor Strategy = "cursor"
)

// Pagination limits and defaults.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500

	DefaultChunkSize = 1000
	MinChunkSize     = 100
	MaxChunkSize     = 5000
)

// Params holds one validated data-listing request.
type Params struct {
	Strategy Strategy

	// Offset strategy.
	Page     int
	PageSize int

	// Stream strategy.
	ChunkSize int

	// Cursor strategy. Cursor is the opaque token from the previous page.
	Cursor string

	Search  string
	Filters []store.RowFilter
	SortKey string
	Order   store.SortOrder

	// Columns projects the response payloads to a subset of keys.
	Columns []string

	// NoCache forces a live read.
	NoCache bool
}

// ParseParams builds Params from URL query values. Numeric fields are parsed
// and range-checked here; schema-dependent checks (sort key, filter keys)
// happen in Validate once the upload's header map is known.
//
// Filter grammar: filter[key]=v (equality), filter[key][in]=a,b,
// filter[key][gte]=n, filter[key][lte]=n.
func ParseParams(values url.Values) (Params, error) {
	p := Params{
		Strategy:  StrategyOffset,
		Page:      1,
		PageSize:  DefaultPageSize,
		ChunkSize: DefaultChunkSize,
		Order:     store.SortAsc,
	}

	switch s := values.Get("strategy"); s {
	case "":
		// Supplying a cursor implies the cursor strategy.
		if values.Get("cursor") != "" {
			p.Strategy = StrategyCursor
		}
	case string(StrategyOffset), string(StrategyStream), string(StrategyCursor):
		p.Strategy = Strategy(s)
	default:
		return p, domain.NewValidationError("strategy",
			fmt.Sprintf("must be one of %s, %s, %s", StrategyOffset, StrategyStream, StrategyCursor), nil)
	}

	var err error
	if p.Page, err = intParam(values, "page", 1); err != nil {
		return p, err
	}
	if p.Page < 1 {
		return p, domain.NewValidationError("page", "must be at least 1", nil)
	}

	if p.PageSize, err = intParam(values, "page_size", DefaultPageSize); err != nil {
		return p, err
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return p, domain.NewValidationError("page_size",
			fmt.Sprintf("must be between 1 and %d", MaxPageSize), nil)
	}

	if p.ChunkSize, err = intParam(values, "chunk_size", DefaultChunkSize); err != nil {
		return p, err
	}
	if p.ChunkSize < MinChunkSize || p.ChunkSize > MaxChunkSize {
		return p, domain.NewValidationError("chunk_size",
			fmt.Sprintf("must be between %d and %d", MinChunkSize, MaxChunkSize), nil)
	}

	p.Cursor = values.Get("cursor")
	p.Search = strings.TrimSpace(values.Get("search"))
	p.SortKey = strings.TrimSpace(values.Get("sort"))

	switch o := values.Get("order"); o {
	case "", string(store.SortAsc):
		p.Order = store.SortAsc
	case string(store.SortDesc):
		p.Order = store.SortDesc
	default:
		return p, domain.NewValidationError("order", "must be asc or desc", nil)
	}

	if cols := strings.TrimSpace(values.Get("columns")); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Columns = append(p.Columns, c)
			}
		}
	}

	switch nc := values.Get("nocache"); nc {
	case "", "0", "false":
	case "1", "true":
		p.NoCache = true
	default:
		return p, domain.NewValidationError("nocache", "must be 0 or 1", nil)
	}

	filters, err := parseFilters(values)
	if err != nil {
		return p, err
	}
	p.Filters = filters

	return p, nil
}

// Validate checks the schema-dependent parts of the request against the
// upload's normalized header keys.
func (p *Params) Validate(headerKeys []string) error {
	known := make(map[string]struct{}, len(headerKeys))
	for _, k := range headerKeys {
		known[k] = struct{}{}
	}

	if p.SortKey != "" {
		if _, ok := known[p.SortKey]; !ok {
			return domain.NewValidationError("sort",
				fmt.Sprintf("unknown column %q", p.SortKey), nil)
		}
	}

	for _, f := range p.Filters {
		if _, ok := known[f.Key]; !ok {
			return domain.NewValidationError("filter",
				fmt.Sprintf("unknown column %q", f.Key), nil)
		}
	}

	for _, c := range p.Columns {
		if _, ok := known[c]; !ok {
			return domain.NewValidationError("columns",
				fmt.Sprintf("unknown column %q", c), nil)
		}
	}

	return nil
}

// intParam reads an optional integer query parameter.
func intParam(values url.Values, name string, def int) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer", nil)
	}
	return n, nil
}

// parseFilters extracts filter[...] parameters in a deterministic order.
func parseFilters(values url.Values) ([]store.RowFilter, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.HasPrefix(k, "filter[") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var filters []store.RowFilter
	for _, raw := range keys {
		key, op, err := parseFilterKey(raw)
		if err != nil {
			return nil, err
		}

		value := values.Get(raw)
		switch op {
		case store.FilterEq:
			filters = append(filters, store.RowFilter{Key: key, Op: op, Value: value})
		case store.FilterIn:
			var list []string
			for _, v := range strings.Split(value, ",") {
				if v = strings.TrimSpace(v); v != "" {
					list = append(list, v)
				}
			}
			if len(list) == 0 {
				return nil, domain.NewValidationError(raw, "requires at least one value", nil)
			}
			filters = append(filters, store.RowFilter{Key: key, Op: op, Values: list})
		case store.FilterGte, store.FilterLte:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return nil, domain.NewValidationError(raw, "requires a numeric value", nil)
			}
			filters = append(filters, store.RowFilter{Key: key, Op: op, Value: value})
		}
	}
	return filters, nil
}

// parseFilterKey splits "filter[key]" or "filter[key][op]" into key and op.
func parseFilterKey(raw string) (string, store.FilterOp, error) {
	inner := strings.TrimPrefix(raw, "filter[")

	end := strings.Index(inner, "]")
	if end <= 0 {
		return "", "", domain.NewValidationError(raw, "malformed filter parameter", nil)
	}
	key := inner[:end]
	rest := inner[end+1:]

	if rest == "" {
		return key, store.FilterEq, nil
	}

	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return "", "", domain.NewValidationError(raw, "malformed filter parameter", nil)
	}

	switch op := store.FilterOp(rest[1 : len(rest)-1]); op {
	case store.FilterIn, store.FilterGte, store.FilterLte:
		return key, op, nil
	case store.FilterEq:
		return key, store.FilterEq, nil
	default:
		return "", "", domain.NewValidationError(raw,
			fmt.Sprintf("unsupported filter operator %q", op), nil)
	}
}
