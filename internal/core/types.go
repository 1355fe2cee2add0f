package core

import (
	"errors"
	"io"
	"time"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

var (
	// ErrImportNotFound is returned for unknown or evicted import IDs.
	ErrImportNotFound = errors.New("import not found")

	// ErrTableBusy is returned when another commit targets the same table.
	ErrTableBusy = errors.New("table is busy with another import")

	// ErrExportUnsupported is returned when the destination cannot read tables back.
	ErrExportUnsupported = errors.New("destination does not support export")

	// ErrFileTooLarge is returned when an upload exceeds the configured size.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("empty file")

	// ErrNoFile is returned when a preview request carries no data.
	ErrNoFile = errors.New("no file provided")
)

// PreviewRequest starts an import.
type PreviewRequest struct {
	FileName string
	Reader   io.Reader
	Session  ingest.Session
	// AutoDetect replaces the delimiter and header flag with sniffed values.
	AutoDetect bool
}

// ColumnOverride is a user adjustment of one previewed column.
type ColumnOverride struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

// CommitRequest confirms the table to create. A nil PrimaryKey picks the
// first unique integer column.
type CommitRequest struct {
	Table       string           `json:"table"`
	PrimaryKey  *int             `json:"primaryKey,omitempty"`
	ImplicitKey bool             `json:"implicitKey"`
	Columns     []ColumnOverride `json:"columns,omitempty"`
}

// ImportView is a point-in-time copy of an import job.
type ImportView struct {
	ID        string                    `json:"id"`
	FileName  string                    `json:"fileName"`
	State     ingest.State              `json:"state"`
	Session   ingest.Session            `json:"session"`
	Preview   *ingest.Preview           `json:"preview,omitempty"`
	Schema    *ingest.DestinationSchema `json:"schema,omitempty"`
	Progress  ingest.Progress           `json:"progress"`
	Result    *ingest.Result            `json:"result,omitempty"`
	Error     *UserMessage              `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"createdAt"`
}
