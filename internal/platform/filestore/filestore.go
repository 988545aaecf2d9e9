// Package filestore persists raw uploaded files on local disk.
//
// Files are stored flat under a single directory, keyed by a ULID plus the
// original file extension. The ULID keeps keys sortable by creation time and
// free of anything attacker-controlled; the extension survives so the
// ingestion reader can pick a parser without sniffing content.
package filestore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sentinel errors returned by the Store.
var (
	// ErrFileTooLarge is returned when a saved stream exceeds the
	// configured maximum size.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrInvalidKey is returned for keys that are not ones this store
	// could have produced.
	ErrInvalidKey = errors.New("invalid file key")

	// ErrFileNotFound is returned when the keyed file does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// Store writes and reads upload files under a base directory.
type Store struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
// maxBytes of 0 disables the size limit.
func New(dir string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %q: %w", dir, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "filestore")),
	}, nil
}

// Save streams r to disk and returns the generated key and the number of
// bytes written. ext is the lowercased file extension including the dot
// (".csv", ".xlsx"). If the stream exceeds the size limit the partial file
// is removed and ErrFileTooLarge is returned.
func (s *Store) Save(r io.Reader, ext string) (string, int64, error) {
	key := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String() + ext
	path := filepath.Join(s.dir, key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		// One extra byte distinguishes "exactly at the limit" from "over it".
		src = io.LimitReader(r, s.maxBytes+1)
	}

	written, err := io.Copy(f, src)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if err == nil && s.maxBytes > 0 && written > s.maxBytes {
		err = ErrFileTooLarge
	}

	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("failed to remove partial upload file",
				"key", key, "error", rmErr)
		}
		if errors.Is(err, ErrFileTooLarge) {
			return "", 0, ErrFileTooLarge
		}
		return "", 0, fmt.Errorf("failed to write upload file: %w", err)
	}

	s.logger.Debug("upload file saved",
		slog.String("key", key),
		slog.Int64("size_bytes", written))
	return key, written, nil
}

// Open returns a reader over the keyed file. The caller must close it.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return f, nil
}

// Remove deletes the keyed file. Removing a missing file is not an error;
// delete retries after a partial failure must be able to converge.
func (s *Store) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove upload file: %w", err)
	}
	return nil
}

// path validates key and resolves it under the store directory.
// Keys never contain separators, so anything with one is hostile input.
func (s *Store) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key), nil
}
