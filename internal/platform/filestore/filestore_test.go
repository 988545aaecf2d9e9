package filestore

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxBytes, nil)
	require.NoError(t, err)
	return s
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	key, size, err := s.Save(strings.NewReader("a,b\n1,2\n"), ".csv")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.True(t, strings.HasSuffix(key, ".csv"))

	rc, err := s.Open(key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestSaveRejectsOversizedFile(t *testing.T) {
	s := newTestStore(t, 4)

	key, _, err := s.Save(strings.NewReader("12345"), ".csv")
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, key)
}

func TestSaveAcceptsFileAtExactLimit(t *testing.T) {
	s := newTestStore(t, 5)

	key, size, err := s.Save(strings.NewReader("12345"), ".csv")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	rc, err := s.Open(key)
	require.NoError(t, err)
	_ = rc.Close()
}

func TestOpenMissingFile(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.Open("01ARZ3NDEKTSV4RRFFQ69G5FAV.csv")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t, 0)

	key, _, err := s.Save(strings.NewReader("x"), ".csv")
	require.NoError(t, err)

	require.NoError(t, s.Remove(key))
	assert.NoError(t, s.Remove(key))
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t, 0)

	for _, key := range []string{"", "../etc/passwd", "a/b.csv", `a\b.csv`, "..", "x..y"} {
		_, err := s.Open(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}
