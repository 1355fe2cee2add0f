package ingest

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ExportOptions controls how tables are written back as delimited text.
type ExportOptions struct {
	Delimiter rune
	// Quote wraps text values and column names. Zero writes them bare.
	Quote  rune
	Header bool
	// LineEnding defaults to CRLF.
	LineEnding string
}

// DefaultExportOptions writes comma separated, double quoted text with a
// header row and CRLF line endings.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{Delimiter: ',', Quote: '"', Header: true, LineEnding: "\r\n"}
}

type delimitedWriter struct {
	w       *bufio.Writer
	opts    ExportOptions
	escaped string
}

func newDelimitedWriter(w io.Writer, opts ExportOptions) *delimitedWriter {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.LineEnding == "" {
		opts.LineEnding = "\r\n"
	}
	dw := &delimitedWriter{w: bufio.NewWriter(w), opts: opts}
	if opts.Quote != 0 {
		dw.escaped = string([]rune{opts.Quote, opts.Quote})
	}
	return dw
}

func (dw *delimitedWriter) quoted(s string) {
	if dw.opts.Quote == 0 {
		dw.w.WriteString(s)
		return
	}
	q := string(dw.opts.Quote)
	dw.w.WriteString(q)
	dw.w.WriteString(strings.ReplaceAll(s, q, dw.escaped))
	dw.w.WriteString(q)
}

func (dw *delimitedWriter) header(columns []string) error {
	for i, c := range columns {
		if i > 0 {
			dw.w.WriteRune(dw.opts.Delimiter)
		}
		dw.quoted(c)
	}
	_, err := dw.w.WriteString(dw.opts.LineEnding)
	return err
}

func (dw *delimitedWriter) row(values []Value) error {
	for i, v := range values {
		if i > 0 {
			dw.w.WriteRune(dw.opts.Delimiter)
		}
		switch v.Kind() {
		case KindNull:
		case KindText:
			dw.quoted(v.s)
		default:
			dw.w.WriteString(v.String())
		}
	}
	_, err := dw.w.WriteString(dw.opts.LineEnding)
	return err
}

// WriteDelimited writes columns (when opts.Header is set) followed by every
// row rows yields. Null values are written as empty fields, text values are
// quoted with embedded quotes doubled, and datetimes use a space separator.
func WriteDelimited(w io.Writer, columns []string, rows func(yield func([]Value) error) error, opts ExportOptions) error {
	dw := newDelimitedWriter(w, opts)
	if opts.Header {
		if err := dw.header(columns); err != nil {
			return err
		}
	}
	if err := rows(dw.row); err != nil {
		return err
	}
	return dw.w.Flush()
}

// ExportTable streams table from r to w.
func ExportTable(ctx context.Context, r TableReader, table string, w io.Writer, opts ExportOptions) error {
	dw := newDelimitedWriter(w, opts)
	header := func(columns []string) error {
		if !opts.Header {
			return nil
		}
		return dw.header(columns)
	}
	if err := r.ReadTable(ctx, table, header, dw.row); err != nil {
		return err
	}
	return dw.w.Flush()
}
