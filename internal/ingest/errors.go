package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession is returned for session settings the reader cannot honor.
	ErrInvalidSession = errors.New("invalid import session")

	// ErrInvalidState is returned when a pipeline operation is called out of order.
	ErrInvalidState = errors.New("invalid pipeline state")

	// ErrNoColumns is returned when a preview produced no columns to import.
	ErrNoColumns = errors.New("no columns detected")

	// ErrSchemaMismatch is returned when a confirmed schema does not fit the preview.
	ErrSchemaMismatch = errors.New("schema does not match previewed columns")

	// ErrInvalidSchema is returned by schema validation for unusable definitions.
	ErrInvalidSchema = errors.New("invalid destination schema")

	// ErrMultiplePrimaryKeys is returned by schema validation.
	ErrMultiplePrimaryKeys = errors.New("schema has more than one primary key")

	// ErrUnknownEncoding is returned for source encodings that cannot be decoded.
	ErrUnknownEncoding = errors.New("unknown source encoding")

	// ErrCancelled is reported by a RowReader whose checkpoint asked to stop.
	// The pipeline turns it into OutcomeCancelled; it is never a failure.
	ErrCancelled = errors.New("import cancelled")
)

// SourceError reports an I/O failure while reading the source.
type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("read source: %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// StorageError reports a failure of the destination during commit.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: err}
}
