package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ColumnType is the semantic type inferred for a column.
type ColumnType uint8

const (
	TypeUndetermined ColumnType = iota
	TypeText
	TypeInteger
	TypeFloat
	TypeDate
	TypeTime
	TypeDateTime
)

var columnTypeNames = [...]string{
	TypeUndetermined: "undetermined",
	TypeText:         "text",
	TypeInteger:      "integer",
	TypeFloat:        "float",
	TypeDate:         "date",
	TypeTime:         "time",
	TypeDateTime:     "datetime",
}

func (t ColumnType) String() string {
	if int(t) < len(columnTypeNames) {
		return columnTypeNames[t]
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// ParseColumnType parses the names produced by String. "double" and
// "floating" are accepted for float, "timestamp" for datetime.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string":
		return TypeText, nil
	case "integer", "int":
		return TypeInteger, nil
	case "float", "double", "floating":
		return TypeFloat, nil
	case "date":
		return TypeDate, nil
	case "time":
		return TypeTime, nil
	case "datetime", "timestamp":
		return TypeDateTime, nil
	case "undetermined", "":
		return TypeUndetermined, nil
	}
	return TypeUndetermined, fmt.Errorf("unknown column type %q", s)
}

func (t ColumnType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ColumnType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseColumnType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var (
	integerPattern = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern   = regexp.MustCompile(`^[+-]?\d*[,.]\d+$`)
	datePattern    = regexp.MustCompile(`^(?:\d{1,4}[/.\-]\d{1,2}[/.\-]\d{1,2}|\d{1,2}[/.\-]\d{1,2}[/.\-]\d{1,4})$`)
	timePattern    = regexp.MustCompile(`^\d{1,2}:\d{1,2}(?::\d{1,2})?$`)
)

func isInteger(s string) bool {
	if !integerPattern.MatchString(s) {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isFloat(s string) bool { return floatPattern.MatchString(s) }
func isDate(s string) bool { return datePattern.MatchString(s) }
func isTime(s string) bool { return timePattern.MatchString(s) }

// splitDateTime splits "date time" (any whitespace run) or "dateTtime".
func splitDateTime(s string) (date, clock string, ok bool) {
	if parts := strings.Fields(s); len(parts) == 2 {
		return parts[0], parts[1], true
	}
	if i := strings.IndexByte(s, 'T'); i > 0 && i < len(s)-1 {
		return s[:i], s[i+1:], true
	}
	return "", "", false
}

func isDateTime(s string) bool {
	d, c, ok := splitDateTime(s)
	return ok && isDate(d) && isTime(c)
}

// Classify returns the most specific type matching text, in the order
// integer, float, date, time, datetime. Empty text is Undetermined.
func Classify(text string) ColumnType {
	s := strings.TrimSpace(text)
	switch {
	case s == "":
		return TypeUndetermined
	case isInteger(s):
		return TypeInteger
	case isFloat(s):
		return TypeFloat
	case isDate(s):
		return TypeDate
	case isTime(s):
		return TypeTime
	case isDateTime(s):
		return TypeDateTime
	}
	return TypeText
}

// Matches reports whether text is acceptable in a column of type t. Empty
// text matches every type. A float column accepts integers.
func Matches(t ColumnType, text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return true
	}
	switch t {
	case TypeText:
		return true
	case TypeInteger:
		return isInteger(s)
	case TypeFloat:
		return isInteger(s) || isFloat(s)
	case TypeDate:
		return isDate(s)
	case TypeTime:
		return isTime(s)
	case TypeDateTime:
		return isDateTime(s)
	}
	return false
}

// TypeDetector infers a type per column from the values observed so far.
//
// The first non-empty value of a column seeds its candidate type. Later values
// either confirm the candidate or demote the column to Text, which is final.
// A column whose first value looks numeric is therefore Integer until the
// first non-numeric value arrives, however rare numbers are in the rest of
// the data.
type TypeDetector struct {
	types []ColumnType
}

func NewTypeDetector() *TypeDetector {
	return &TypeDetector{}
}

// Observe feeds one field of column to the detector.
func (d *TypeDetector) Observe(column int, text string) {
	if column < 0 {
		return
	}
	d.grow(column + 1)

	cur := d.types[column]
	if cur == TypeText || strings.TrimSpace(text) == "" {
		return
	}
	if cur == TypeUndetermined {
		d.types[column] = Classify(text)
		return
	}
	if !Matches(cur, text) {
		d.types[column] = TypeText
	}
}

// Type returns the current type of column; Undetermined if never observed.
func (d *TypeDetector) Type(column int) ColumnType {
	if column < 0 || column >= len(d.types) {
		return TypeUndetermined
	}
	return d.types[column]
}

// Grow ensures at least n columns are tracked.
func (d *TypeDetector) Grow(n int) { d.grow(n) }

// Finalize turns every Undetermined column into Text.
func (d *TypeDetector) Finalize() {
	for i, t := range d.types {
		if t == TypeUndetermined {
			d.types[i] = TypeText
		}
	}
}

// Columns returns the number of columns seen.
func (d *TypeDetector) Columns() int { return len(d.types) }

// Types returns a copy of the per-column types.
func (d *TypeDetector) Types() []ColumnType {
	return append([]ColumnType(nil), d.types...)
}

func (d *TypeDetector) grow(n int) {
	for len(d.types) < n {
		d.types = append(d.types, TypeUndetermined)
	}
}
