package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"postgres duplicate key", errors.New(`ERROR: duplicate key value violates unique constraint "t_pkey"`), "DB001"},
		{"sqlite unique constraint", errors.New("UNIQUE constraint failed: people.id"), "DB002"},
		{"connection refused", errors.New("dial tcp: connection refused"), "DB004"},
		{"table exists", errors.New(`relation "people" already exists`), "DB008"},
		{"sqlite missing table", errors.New("no such table: people"), "DB009"},
		{"wrapped storage error", &ingest.StorageError{Op: "insert", Table: "t", Err: errors.New("database is locked")}, "DB007"},
		{"invalid session", fmt.Errorf("%w: delimiter equals quote", ingest.ErrInvalidSession), "VAL001"},
		{"multiple primary keys", ingest.ErrMultiplePrimaryKeys, "VAL002"},
		{"no columns", ingest.ErrNoColumns, "FILE002"},
		{"unknown encoding", fmt.Errorf("%w: klingon", ingest.ErrUnknownEncoding), "FILE003"},
		{"file too large", ErrFileTooLarge, "FILE001"},
		{"cancelled", ingest.ErrCancelled, "IMP001"},
		{"busy", ErrTooManyImports, "IMP002"},
		{"not found", fmt.Errorf("%w: abc", ErrImportNotFound), "IMP003"},
		{"table busy", ErrTableBusy, "IMP004"},
		{"deadline", context.DeadlineExceeded, "IMP007"},
		{"unknown", errors.New("some random internal error"), "ERR000"},
		{"case insensitive", errors.New("DUPLICATE KEY value"), "DB001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err); got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	if got := NewUserError(nil); got != nil {
		t.Errorf("NewUserError(nil) = %v, want nil", got)
	}

	techErr := errors.New("pq: duplicate key value")
	userErr := NewUserError(techErr)
	if userErr.Error() != "A record with this key already exists" {
		t.Errorf("Error() = %q, want user message", userErr.Error())
	}
	if !errors.Is(userErr, techErr) {
		t.Error("Unwrap() should return original error")
	}

	// an already mapped error keeps its message when wrapped again
	wrapped := fmt.Errorf("commit: %w", userErr)
	if MapError(wrapped).Code != "DB001" {
		t.Errorf("MapError(wrapped) = %+v", MapError(wrapped))
	}
}
