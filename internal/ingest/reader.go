package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for file extensions no reader handles.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrMalformedRow marks a single row that could not be parsed. Callers can
// skip such rows and keep reading; any other error is terminal.
var ErrMalformedRow = errors.New("malformed row")

// byteOrderMark is the UTF-8 BOM some exporters prepend to CSV files.
var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// RowReader streams records from an uploaded file one row at a time.
// Read returns io.EOF after the last row. A returned error wrapping
// ErrMalformedRow applies to that row only; reading may continue.
type RowReader interface {
	Read() ([]string, error)
	Close() error
}

// SupportedExtension reports whether ext (including the dot) names a format
// NewReader can parse.
func SupportedExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}

// NewReader creates a RowReader for the given file extension. The reader
// takes ownership of rc and closes it on Close.
func NewReader(rc io.ReadCloser, ext string) (RowReader, error) {
	switch strings.ToLower(ext) {
	case ".csv":
		return newCSVReader(rc), nil
	case ".xlsx":
		return newXLSXReader(rc)
	default:
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// csvReader streams records from a CSV file.
type csvReader struct {
	rc  io.ReadCloser
	csv *csv.Reader
}

func newCSVReader(rc io.ReadCloser) *csvReader {
	br := bufio.NewReader(rc)
	if prefix, err := br.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = br.Discard(len(byteOrderMark))
	}

	r := csv.NewReader(br)
	r.TrimLeadingSpace = true
	// Column-count validation happens against the header downstream, where a
	// mismatch is a skippable row rather than a fatal parse error.
	r.FieldsPerRecord = -1

	return &csvReader{rc: rc, csv: r}
}

func (r *csvReader) Read() ([]string, error) {
	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// encoding/csv recovers on the next line, so surface this
			// as a skippable row.
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRow, parseErr.Line, parseErr.Err)
		}
		return nil, err
	}
	return record, nil
}

func (r *csvReader) Close() error {
	return r.rc.Close()
}

// xlsxReader streams records from the first sheet of an XLSX workbook.
type xlsxReader struct {
	rc    io.ReadCloser
	file  *excelize.File
	rows  *excelize.Rows
	width int
}

func newXLSXReader(rc io.ReadCloser) (*xlsxReader, error) {
	f, err := excelize.OpenReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		_ = rc.Close()
		return nil, errors.New("xlsx file has no sheets")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		_ = rc.Close()
		return nil, fmt.Errorf("failed to read xlsx rows: %w", err)
	}

	return &xlsxReader{rc: rc, file: f, rows: rows}, nil
}

// SetWidth pads subsequent short records with empty cells up to width.
// XLSX storage drops trailing empty cells, which would otherwise look like
// a column-count mismatch.
func (r *xlsxReader) SetWidth(width int) {
	r.width = width
}

func (r *xlsxReader) Read() ([]string, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	record, err := r.rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}

	for r.width > 0 && len(record) < r.width {
		record = append(record, "")
	}
	return record, nil
}

func (r *xlsxReader) Close() error {
	err := r.rows.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	if cerr := r.rc.Close(); err == nil {
		err = cerr
	}
	return err
}
