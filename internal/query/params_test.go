package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/sift-api/internal/domain"
	"github.com/phrazzld/sift-api/internal/store"
)

func TestParseParamsDefaults(t *testing.T) {
	p, err := ParseParams(url.Values{})
	require.NoError(t, err)

	assert.Equal(t, StrategyOffset, p.Strategy)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, DefaultPageSize, p.PageSize)
	assert.Equal(t, DefaultChunkSize, p.ChunkSize)
	assert.Equal(t, store.SortAsc, p.Order)
	assert.False(t, p.NoCache)
	assert.Empty(t, p.Filters)
}

func TestParseParamsCursorImpliesStrategy(t *testing.T) {
	p, err := ParseParams(url.Values{"cursor": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, StrategyCursor, p.Strategy)
	assert.Equal(t, "abc", p.Cursor)
}

func TestParseParamsFilterGrammar(t *testing.T) {
	values := url.Values{
		"filter[city]":       {"london"},
		"filter[status][in]": {"a, b,"},
		"filter[total][gte]": {"10.5"},
		"filter[total][lte]": {"99"},
		"search":             {" ada "},
		"sort":               {"name"},
		"order":              {"desc"},
		"columns":            {"name, city"},
		"nocache":            {"1"},
	}

	p, err := ParseParams(values)
	require.NoError(t, err)

	assert.Equal(t, "ada", p.Search)
	assert.Equal(t, "name", p.SortKey)
	assert.Equal(t, store.SortDesc, p.Order)
	assert.Equal(t, []string{"name", "city"}, p.Columns)
	assert.True(t, p.NoCache)

	// Filters come back sorted by raw parameter name.
	require.Len(t, p.Filters, 4)
	assert.Equal(t, store.RowFilter{Key: "city", Op: store.FilterEq, Value: "london"}, p.Filters[0])
	assert.Equal(t, store.RowFilter{Key: "status", Op: store.FilterIn, Values: []string{"a", "b"}}, p.Filters[1])
	assert.Equal(t, store.RowFilter{Key: "total", Op: store.FilterGte, Value: "10.5"}, p.Filters[2])
	assert.Equal(t, store.RowFilter{Key: "total", Op: store.FilterLte, Value: "99"}, p.Filters[3])
}

func TestParseParamsRejectsBadInput(t *testing.T) {
	cases := []url.Values{
		{"strategy": {"random"}},
		{"page": {"0"}},
		{"page": {"abc"}},
		{"page_size": {"501"}},
		{"chunk_size": {"99"}},
		{"chunk_size": {"5001"}},
		{"order": {"sideways"}},
		{"nocache": {"maybe"}},
		{"filter[age][gte]": {"ten"}},
		{"filter[status][in]": {""}},
		{"filter[x][like]": {"v"}},
		{"filter[": {"v"}},
	}

	for _, values := range cases {
		_, err := ParseParams(values)
		assert.ErrorIs(t, err, domain.ErrValidation, "values %v", values)
	}
}

func TestValidateAgainstHeaderKeys(t *testing.T) {
	headers := []string{"name", "city"}

	p := Params{SortKey: "name", Columns: []string{"city"}, Filters: []store.RowFilter{
		{Key: "name", Op: store.FilterEq, Value: "ada"},
	}}
	assert.NoError(t, p.Validate(headers))

	p = Params{SortKey: "age"}
	assert.ErrorIs(t, p.Validate(headers), domain.ErrValidation)

	p = Params{Filters: []store.RowFilter{{Key: "age", Op: store.FilterEq}}}
	assert.ErrorIs(t, p.Validate(headers), domain.ErrValidation)

	p = Params{Columns: []string{"age"}}
	assert.ErrorIs(t, p.Validate(headers), domain.ErrValidation)
}

func TestCursorRoundTrip(t *testing.T) {
	pos := store.CursorPos{SortValue: "carol", Ordinal: 41}

	token := EncodeCursor(pos)
	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, pos, decoded)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"not base64!!", "YWJj"} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, domain.ErrValidation, "token %q", token)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Params{Strategy: StrategyOffset, Page: 2, PageSize: 50, Search: "x"}
	b := Params{Strategy: StrategyOffset, Page: 2, PageSize: 50, Search: "x"}
	c := Params{Strategy: StrategyOffset, Page: 3, PageSize: 50, Search: "x"}

	assert.Equal(t, a.fingerprint(), b.fingerprint())
	assert.NotEqual(t, a.fingerprint(), c.fingerprint())

	// The count identity ignores pagination position.
	assert.Equal(t, a.countFingerprint(), c.countFingerprint())
}
