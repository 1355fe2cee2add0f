package ingest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	sniffBytes = 4096
	sniffRows  = 50
)

// DetectDelimiter guesses the delimiter of a sample: a tab anywhere outside
// quotes wins, then a comma, then a semicolon, then a pipe. Comma is the
// fallback.
func DetectDelimiter(sample []byte) rune {
	if len(sample) > sniffBytes {
		sample = sample[:sniffBytes]
	}
	var found rune
	quoted := false
	for _, c := range sample {
		if c == '"' {
			quoted = !quoted
			continue
		}
		if quoted {
			continue
		}
		switch {
		case c == '\t':
			return '\t'
		case c == ',' && found != ',':
			found = ','
		case c == ';' && found != ',' && found != ';':
			found = ';'
		case c == '|' && found == 0:
			found = '|'
		}
	}
	if found == 0 {
		return ','
	}
	return found
}

// LooksLikeHeader reports whether first reads as column names for data of
// the given column types: every value non-empty text starting with a letter,
// and at least one column whose data is not text. A file of text columns
// gives no signal and is treated as headerless.
func LooksLikeHeader(first []string, types []ColumnType) bool {
	if len(first) == 0 {
		return false
	}
	for _, v := range first {
		v = strings.TrimSpace(v)
		if v == "" || Classify(v) != TypeText {
			return false
		}
		r, _ := utf8.DecodeRuneInString(v)
		if !unicode.IsLetter(r) && r != '_' {
			return false
		}
	}
	for i := range first {
		if i < len(types) && types[i] != TypeText && types[i] != TypeUndetermined {
			return true
		}
	}
	return false
}

// Sniff reads the start of src and returns a default session with the
// delimiter and header setting detected from it.
func Sniff(src Source, encoding string) (Session, error) {
	s := DefaultSession()
	s.Encoding = encoding

	stream, err := OpenSource(src, encoding)
	if err != nil {
		return s, err
	}
	defer stream.Close()

	sample := make([]byte, sniffBytes)
	n, err := io.ReadFull(stream, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return s, err
	}
	sample = sample[:n]
	complete := n < sniffBytes

	s.Delimiter = DetectDelimiter(sample)

	rr := NewRowReader(bytes.NewReader(sample), s, WithLimit(sniffRows))
	var rows []RawRow
	for {
		row, err := rr.Next()
		if err != nil {
			break
		}
		if !row.Blank() {
			rows = append(rows, row)
		}
	}
	// the last row of a cut sample is likely partial
	if !complete && len(rows) > 2 {
		rows = rows[:len(rows)-1]
	}
	if len(rows) < 2 {
		s.FirstRowIsHeader = false
		return s, nil
	}

	d := NewTypeDetector()
	for _, row := range rows[1:] {
		for c, v := range row {
			d.Observe(c, v)
		}
	}
	d.Finalize()
	s.FirstRowIsHeader = LooksLikeHeader(rows[0], d.Types())
	return s, nil
}
