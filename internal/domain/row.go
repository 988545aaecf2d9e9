package domain

import (
	"errors"

	"github.com/google/uuid"
)

// Common validation errors for Row
var (
	ErrEmptyRowUploadID = errors.New("row upload ID cannot be empty")
	ErrNegativeOrdinal  = errors.New("row ordinal cannot be negative")
	ErrEmptyRowPayload  = errors.New("row payload cannot be empty")
)

// Row is a single ingested data row. The payload maps normalized column keys
// to raw cell values; the key set varies per upload. Ordinal is the row's
// position within the source file and is the stable ordering key.
// Rows are immutable once written and are owned by exactly one Upload.
type Row struct {
	ID       int64             `json:"id"`
	UploadID uuid.UUID         `json:"upload_id"`
	Ordinal  int64             `json:"ordinal"`
	Payload  map[string]string `json:"payload"`
}

// NewRow creates a Row for the given upload at the given source position.
// Returns an error if validation fails.
func NewRow(uploadID uuid.UUID, ordinal int64, payload map[string]string) (*Row, error) {
	row := &Row{
		UploadID: uploadID,
		Ordinal:  ordinal,
		Payload:  payload,
	}

	if err := row.Validate(); err != nil {
		return nil, err
	}

	return row, nil
}

// Validate checks if the Row has valid data.
func (r *Row) Validate() error {
	if r.UploadID == uuid.Nil {
		return ErrEmptyRowUploadID
	}

	if r.Ordinal < 0 {
		return ErrNegativeOrdinal
	}

	if len(r.Payload) == 0 {
		return ErrEmptyRowPayload
	}

	return nil
}
