package core

// error_messages.go maps technical errors to messages with a support code.
//
// Codes are grouped by category:
//
//	DB001-DB099    destination failures (constraints, connectivity)
//	VAL001-VAL099  import settings and table definitions the engine rejects
//	FILE001-FILE099 problems with the uploaded file itself
//	IMP001-IMP099  import lifecycle (cancelled, busy, unknown import)
//	ERR000         fallback; check the logs for the technical error
//
// Known sentinel errors are matched first with errors.Is. Anything else is
// matched case-insensitively against driver message fragments, first match
// wins, so more specific fragments come first.

import (
	"context"
	"errors"
	"strings"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ingest.ErrCancelled, UserMessage{"The import was cancelled", "Start a new import when ready", "IMP001"}},
	{ErrTooManyImports, UserMessage{"The system is busy with other imports", "Please wait a moment and try again", "IMP002"}},
	{ErrImportNotFound, UserMessage{"Import not found", "The import may have expired. Please upload the file again", "IMP003"}},
	{ErrTableBusy, UserMessage{"Another import is writing to this table", "Wait for it to finish or choose another table name", "IMP004"}},
	{ingest.ErrInvalidState, UserMessage{"The import is not ready for this step", "Preview the file before committing it", "IMP005"}},
	{ErrExportUnsupported, UserMessage{"This destination cannot export tables", "Export from the database directly", "IMP006"}},
	{context.DeadlineExceeded, UserMessage{"The operation timed out", "Try a smaller file or try again later", "IMP007"}},
	{context.Canceled, UserMessage{"The request was cancelled", "Please try again", "IMP008"}},

	{ingest.ErrInvalidSession, UserMessage{"The import settings are invalid", "Check the delimiter, quote character and start line", "VAL001"}},
	{ingest.ErrMultiplePrimaryKeys, UserMessage{"Only one column can be the primary key", "Choose a single primary key column", "VAL002"}},
	{ingest.ErrInvalidSchema, UserMessage{"The table definition is invalid", "Check the table name, column names and types", "VAL003"}},
	{ingest.ErrSchemaMismatch, UserMessage{"The table definition does not match the file", "Preview the file again and rebuild the columns", "VAL004"}},

	{ErrFileTooLarge, UserMessage{"The file exceeds the maximum size", "Split the file into smaller chunks", "FILE001"}},
	{ingest.ErrNoColumns, UserMessage{"No columns were found in the file", "Check the delimiter and start line", "FILE002"}},
	{ingest.ErrUnknownEncoding, UserMessage{"The file encoding is not supported", "Choose another encoding or save the file as UTF-8", "FILE003"}},
	{ErrNoFile, UserMessage{"No file was provided", "Please select a file to import", "FILE004"}},
	{ErrEmptyFile, UserMessage{"The uploaded file is empty", "Please upload a file with data rows", "FILE005"}},
}

// errorPattern maps a driver message fragment (lower case) to a user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{"duplicate key", UserMessage{"A record with this key already exists", "Choose another primary key or none", "DB001"}},
	{"unique constraint", UserMessage{"A key value appears more than once", "Check the file for duplicate key values", "DB002"}},
	{"violates unique", UserMessage{"A key value appears more than once", "Check the file for duplicate key values", "DB002"}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Import the parent table first", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to the database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"The database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"The database operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"deadlock", UserMessage{"The database was busy with conflicting operations", "Please try again", "DB007"}},
	{"database is locked", UserMessage{"The database was busy with conflicting operations", "Please try again", "DB007"}},
	{"already exists", UserMessage{"A table with this name already exists", "Choose another table name", "DB008"}},
	{"no such table", UserMessage{"Table not found", "Verify the table name is correct", "DB009"}},
	{"does not exist", UserMessage{"Table not found", "Verify the table name is correct", "DB009"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. It returns
// the zero UserMessage for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.User
	}
	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// UserError pairs a technical error, kept for logging, with the message shown
// to users.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
