package ingest

// reader.go implements the character-level tokenizer for delimited text.
//
// The reader consumes one rune at a time and never looks further back than the
// previous rune, which is all it needs to tell a closing quote from an escaped
// one. Carriage returns are dropped before tokenizing so CRLF, LF and bare CR
// files produce the same rows.

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// RawRow is the unparsed fields of one logical record.
type RawRow []string

// Blank reports whether the row is an empty line (a single empty field).
func (r RawRow) Blank() bool {
	return len(r) == 1 && r[0] == ""
}

type readerState uint8

const (
	stateStart readerState = iota
	stateQuotedField
	stateMaybeEndOfQuotedField
	stateEndOfQuotedField
	stateMaybeNormalField
	stateNormalField
)

// ReaderStats counts what a RowReader has seen so far.
type ReaderStats struct {
	Rows                int   // rows returned
	SkippedRows         int   // rows before the session's start line
	DiscardedAfterQuote int   // fields that lost characters after a closing quote
	Bytes               int64 // decoded bytes consumed
}

// RowReader turns a character stream into rows of raw fields.
type RowReader struct {
	in       *bufio.Reader
	delim    rune
	quote    rune
	collapse bool

	skip     int
	limit    int
	returned int

	state        readerState
	field        strings.Builder
	row          []string
	lastWasDelim bool
	pending      bool

	line     int
	rowStart int
	lastLine int

	eof bool
	err error

	interval   int64
	checkpoint func(bytes int64) bool
	sinceCheck int64

	stats ReaderStats
}

// ReaderOption configures a RowReader.
type ReaderOption func(*RowReader)

// WithLimit stops the reader after n returned rows.
func WithLimit(n int) ReaderOption {
	return func(r *RowReader) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithCheckpoint calls fn each time at least interval decoded bytes were
// consumed since the previous call. When fn returns false the reader stops and
// Next returns ErrCancelled.
func WithCheckpoint(interval int64, fn func(bytes int64) bool) ReaderOption {
	return func(r *RowReader) {
		if interval <= 0 {
			interval = 1
		}
		r.interval = interval
		r.checkpoint = fn
	}
}

// NewRowReader creates a reader over in using the delimiter, quote, duplicate
// delimiter and start line settings of s. The session is assumed valid.
func NewRowReader(in io.Reader, s Session, opts ...ReaderOption) *RowReader {
	br, ok := in.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(in, 64*1024)
	}
	r := &RowReader{
		in:       br,
		delim:    s.Delimiter,
		quote:    s.Quote,
		collapse: s.IgnoreDuplicateDelimiters,
		skip:     s.firstLine() - 1,
		line:     1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next row. It returns io.EOF when the stream (or the row
// limit) is exhausted, ErrCancelled when a checkpoint stopped the reader and a
// *SourceError on I/O failure. Errors are sticky.
func (r *RowReader) Next() (RawRow, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.limit > 0 && r.returned >= r.limit {
		return nil, io.EOF
	}
	for {
		row, err := r.readRow()
		if err != nil {
			r.err = err
			return nil, err
		}
		if r.skip > 0 {
			r.skip--
			r.stats.SkippedRows++
			continue
		}
		r.returned++
		r.stats.Rows++
		return row, nil
	}
}

// Line returns the 1-based physical line on which the last returned row began.
func (r *RowReader) Line() int {
	return r.lastLine
}

// Stats returns counters for the rows read so far.
func (r *RowReader) Stats() ReaderStats {
	return r.stats
}

func (r *RowReader) readRow() (RawRow, error) {
	if r.eof {
		return nil, io.EOF
	}
	for {
		c, size, err := r.in.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				if r.pending {
					r.row = append(r.row, r.field.String())
					return r.closeRow(), nil
				}
				return nil, io.EOF
			}
			var se *SourceError
			if errors.As(err, &se) {
				return nil, err
			}
			return nil, &SourceError{Op: "read", Err: err}
		}
		if err := r.tick(size); err != nil {
			return nil, err
		}
		if c == '\r' {
			continue
		}
		if !r.pending {
			r.pending = true
			r.rowStart = r.line
		}

		done := r.step(c)
		if c != r.delim {
			r.lastWasDelim = false
		}
		if c == '\n' {
			r.line++
		}
		if done {
			return r.closeRow(), nil
		}
	}
}

// step feeds one character to the state machine and reports whether it
// closed the current row.
func (r *RowReader) step(c rune) bool {
	switch r.state {
	case stateStart:
		switch {
		case r.isQuote(c):
			r.state = stateQuotedField
		case c == r.delim:
			r.endField(c)
		case c == '\n':
			r.endField(c)
			return true
		default:
			r.field.WriteRune(c)
			r.state = stateMaybeNormalField
		}

	case stateQuotedField:
		if r.isQuote(c) {
			r.state = stateMaybeEndOfQuotedField
		} else {
			r.field.WriteRune(c)
		}

	case stateMaybeEndOfQuotedField:
		switch {
		case r.isQuote(c):
			// doubled quote: literal quote character
			r.field.WriteRune(c)
			r.state = stateQuotedField
		case c == r.delim || c == '\n':
			r.endField(c)
			r.state = stateStart
			return c == '\n'
		default:
			r.stats.DiscardedAfterQuote++
			r.state = stateEndOfQuotedField
		}

	case stateEndOfQuotedField:
		if c == r.delim || c == '\n' {
			r.endField(c)
			r.state = stateStart
			return c == '\n'
		}

	case stateMaybeNormalField:
		if r.isQuote(c) {
			// ="0123" style: the single leading character is dropped and the
			// field is read as quoted
			r.field.Reset()
			r.state = stateQuotedField
			return false
		}
		r.state = stateNormalField
		fallthrough

	case stateNormalField:
		if c == r.delim || c == '\n' {
			r.endField(c)
			r.state = stateStart
			return c == '\n'
		}
		r.field.WriteRune(c)
	}
	return false
}

func (r *RowReader) isQuote(c rune) bool {
	return r.quote != 0 && c == r.quote
}

// endField closes the pending field on a delimiter or newline.
func (r *RowReader) endField(c rune) {
	if c == r.delim {
		if r.collapse && r.lastWasDelim {
			r.field.Reset()
			r.lastWasDelim = true
			return
		}
		r.lastWasDelim = true
	}
	r.row = append(r.row, r.field.String())
	r.field.Reset()
}

func (r *RowReader) closeRow() RawRow {
	row := RawRow(r.row)
	r.row = make([]string, 0, len(row))
	r.field.Reset()
	r.pending = false
	r.state = stateStart
	r.lastLine = r.rowStart
	return row
}

func (r *RowReader) tick(size int) error {
	r.stats.Bytes += int64(size)
	if r.checkpoint == nil {
		return nil
	}
	r.sinceCheck += int64(size)
	if r.sinceCheck < r.interval {
		return nil
	}
	r.sinceCheck = 0
	if !r.checkpoint(r.stats.Bytes) {
		return ErrCancelled
	}
	return nil
}
