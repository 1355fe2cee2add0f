package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ISO layouts used to render temporal values. They are also the forms storage
// layers write and read back.
const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04:05"
	DateTimeLayout = "2006-01-02 15:04:05"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindText
	KindDate
	KindTime
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindDateTime:
		return "datetime"
	default:
		return "null"
	}
}

// Value is a typed field value produced by coercion. The zero Value is Null.
//
// Temporal variants keep their components in a time.Time in UTC: Date uses the
// date part only, Time uses the clock part on 0000-01-01.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	t    time.Time
}

// Null is the absent value.
var Null = Value{}

func IntegerValue(v int64) Value { return Value{kind: KindInteger, i: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func TextValue(v string) Value { return Value{kind: KindText, s: v} }

// DateValue keeps the calendar date of t.
func DateValue(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// TimeValue keeps the clock time of t, truncated to seconds.
func TimeValue(t time.Time) Value {
	h, m, s := t.Clock()
	return Value{kind: KindTime, t: time.Date(0, 1, 1, h, m, s, 0, time.UTC)}
}

// DateTimeValue keeps t in UTC, truncated to seconds.
func DateTimeValue(t time.Time) Value {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return Value{kind: KindDateTime, t: time.Date(y, mo, d, h, mi, s, 0, time.UTC)}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int returns the integer payload; ok is false for other kinds.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInteger }

// Float returns the numeric payload. Integers widen.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	}
	return 0, false
}

// Text returns the string payload; ok is false for other kinds.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// Time returns the temporal payload for Date, Time and DateTime values.
func (v Value) Time() (time.Time, bool) {
	switch v.kind {
	case KindDate, KindTime, KindDateTime:
		return v.t, true
	}
	return time.Time{}, false
}

// String renders the value the way it is exported. Null renders as "".
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindText:
		return v.s
	case KindDate:
		return v.t.Format(DateLayout)
	case KindTime:
		return v.t.Format(TimeLayout)
	case KindDateTime:
		return v.t.Format(DateTimeLayout)
	default:
		return ""
	}
}

// Any returns the Go value carried: nil, int64, float64, string or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindDate, KindTime, KindDateTime:
		return v.t
	default:
		return nil
	}
}

// MarshalJSON encodes numbers as JSON numbers, temporal values in their ISO
// form and Null as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInteger:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	default:
		return json.Marshal(v.String())
	}
}

// ValueOf converts a value scanned from a database driver into a Value. Types
// the driver returns for text columns ([]byte, string) become Text.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case int64:
		return IntegerValue(t), nil
	case int:
		return IntegerValue(int64(t)), nil
	case int32:
		return IntegerValue(int64(t)), nil
	case int16:
		return IntegerValue(int64(t)), nil
	case float64:
		return FloatValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case bool:
		if t {
			return IntegerValue(1), nil
		}
		return IntegerValue(0), nil
	case string:
		return TextValue(t), nil
	case []byte:
		return TextValue(string(t)), nil
	case time.Time:
		return DateTimeValue(t), nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", x)
	}
}

// Convert reinterprets v for a column of type t, for example a DateTime read
// back from a DATE column. Values that cannot be represented return Null.
func Convert(v Value, t ColumnType) Value {
	if v.IsNull() {
		return v
	}
	switch t {
	case TypeInteger:
		if v.kind == KindInteger {
			return v
		}
	case TypeFloat:
		if f, ok := v.Float(); ok {
			return FloatValue(f)
		}
	case TypeDate:
		if tm, ok := v.Time(); ok {
			return DateValue(tm)
		}
	case TypeTime:
		if tm, ok := v.Time(); ok {
			return TimeValue(tm)
		}
	case TypeDateTime:
		if tm, ok := v.Time(); ok {
			return DateTimeValue(tm)
		}
	case TypeText:
		return TextValue(v.String())
	}
	if v.kind == KindText {
		c := FieldCoercer{order: DateOrderYMD, pivot: defaultPivot()}
		if out, ok := c.Coerce(v.s, t); ok {
			return out
		}
	}
	return Null
}
