package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPreviewRows is the number of data rows materialized by a preview
// pass when the session does not say otherwise.
const DefaultMaxPreviewRows = 100

// DateOrder controls how ambiguous dates such as 03/04/05 are resolved.
type DateOrder uint8

const (
	DateOrderAuto DateOrder = iota // year-month-day first, then day-month-year
	DateOrderDMY
	DateOrderYMD
	DateOrderMDY
)

func (o DateOrder) String() string {
	switch o {
	case DateOrderDMY:
		return "dmy"
	case DateOrderYMD:
		return "ymd"
	case DateOrderMDY:
		return "mdy"
	default:
		return "auto"
	}
}

// ParseDateOrder parses "auto", "dmy", "ymd" or "mdy" (case-insensitive).
func ParseDateOrder(s string) (DateOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DateOrderAuto, nil
	case "dmy":
		return DateOrderDMY, nil
	case "ymd":
		return DateOrderYMD, nil
	case "mdy":
		return DateOrderMDY, nil
	default:
		return DateOrderAuto, fmt.Errorf("%w: unknown date order %q", ErrInvalidSession, s)
	}
}

// Session is the per-run configuration of an import. It is owned by the caller
// and never mutated by the pipeline.
type Session struct {
	// Delimiter separates fields within a row.
	Delimiter rune `json:"delimiter"`

	// Quote starts and ends quoted fields. Zero disables quoting.
	Quote rune `json:"quote"`

	// IgnoreDuplicateDelimiters treats a run of delimiters as a single one.
	IgnoreDuplicateDelimiters bool `json:"ignoreDuplicateDelimiters"`

	// FirstRowIsHeader makes the first parsed row supply column names.
	FirstRowIsHeader bool `json:"firstRowIsHeader"`

	// StartLine is the 1-based row at which parsing begins. Earlier rows are
	// skipped entirely. Zero means 1.
	StartLine int `json:"startLine"`

	// MaxPreviewRows bounds the number of data rows read by Preview.
	MaxPreviewRows int `json:"maxPreviewRows"`

	// Encoding names the source text encoding (WHATWG label). Empty means UTF-8.
	Encoding string `json:"encoding,omitempty"`

	// DateOrder resolves ambiguous day/month/year orderings.
	DateOrder DateOrder `json:"dateOrder"`

	// TrimText strips surrounding whitespace from text values on commit.
	TrimText bool `json:"trimText"`
}

// DefaultSession returns the settings used for files when nothing was chosen.
func DefaultSession() Session {
	return Session{
		Delimiter:        ',',
		Quote:            '"',
		FirstRowIsHeader: true,
		StartLine:        1,
		MaxPreviewRows:   DefaultMaxPreviewRows,
	}
}

// Validate checks the session for settings the reader cannot honor.
func (s Session) Validate() error {
	switch {
	case s.Delimiter == 0:
		return fmt.Errorf("%w: delimiter is required", ErrInvalidSession)
	case s.Delimiter == '\n' || s.Delimiter == '\r':
		return fmt.Errorf("%w: delimiter cannot be a line break", ErrInvalidSession)
	case s.Delimiter == utf8.RuneError:
		return fmt.Errorf("%w: delimiter is not a valid character", ErrInvalidSession)
	case s.Quote == '\n' || s.Quote == '\r':
		return fmt.Errorf("%w: quote cannot be a line break", ErrInvalidSession)
	case s.Quote != 0 && s.Quote == s.Delimiter:
		return fmt.Errorf("%w: quote and delimiter must differ", ErrInvalidSession)
	case s.StartLine < 0:
		return fmt.Errorf("%w: start line must be positive", ErrInvalidSession)
	case s.MaxPreviewRows < 0:
		return fmt.Errorf("%w: max preview rows must be positive", ErrInvalidSession)
	}
	return nil
}

// firstLine returns the effective 1-based start line.
func (s Session) firstLine() int {
	if s.StartLine < 1 {
		return 1
	}
	return s.StartLine
}

// previewLimit returns the effective preview bound.
func (s Session) previewLimit() int {
	if s.MaxPreviewRows <= 0 {
		return DefaultMaxPreviewRows
	}
	return s.MaxPreviewRows
}

// ParseDelimiter accepts the names offered by import dialogs ("comma",
// "semicolon", "tab", "space") or a single literal character.
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "comma", ",":
		return ',', nil
	case "semicolon", ";":
		return ';', nil
	case "tab", "\\t", "\t":
		return '\t', nil
	case "space", " ":
		return ' ', nil
	case "pipe", "|":
		return '|', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("%w: delimiter must be a single character, got %q", ErrInvalidSession, s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

// ParseQuote accepts `"`, `'`, "double", "single" or "none"/"" for no quoting.
func ParseQuote(s string) (rune, error) {
	switch strings.ToLower(s) {
	case `"`, "double":
		return '"', nil
	case "'", "single":
		return '\'', nil
	case "", "none":
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unsupported quote %q", ErrInvalidSession, s)
}
