package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years up to (current year + pivot) map to 20xx, later ones to 19xx.
// With pivot 20 in 2026: "46" is 2046 and "47" is 1947.
var TwoDigitYearPivot = 20

var (
	dateParts = regexp.MustCompile(`^(\d{1,4})[/.\-](\d{1,2})[/.\-](\d{1,4})$`)
	timeParts = regexp.MustCompile(`^(\d{1,2}):(\d{1,2})(?::(\d{1,2}))?$`)
)

func defaultPivot() int {
	return time.Now().Year() + TwoDigitYearPivot
}

// FieldCoercer converts raw field text into typed values for a column type.
type FieldCoercer struct {
	order DateOrder
	trim  bool
	pivot int
}

// NewFieldCoercer takes the date order and text trimming settings from s.
func NewFieldCoercer(s Session) *FieldCoercer {
	return &FieldCoercer{
		order: s.DateOrder,
		trim:  s.TrimText,
		pivot: defaultPivot(),
	}
}

// Coerce converts raw for a column of type t. Empty text is Null and succeeds;
// so is blank text unless t is Text and trimming is off.
// Text that cannot be represented in t returns Null and false.
func (c *FieldCoercer) Coerce(raw string, t ColumnType) (Value, bool) {
	if raw == "" {
		return Null, true
	}
	if t == TypeText && !c.trim {
		return TextValue(raw), true
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Null, true
	}
	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Null, false
		}
		return IntegerValue(n), true

	case TypeFloat:
		f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return Null, false
		}
		return FloatValue(f), true

	case TypeDate:
		d, ok := c.parseDate(s)
		if !ok {
			return Null, false
		}
		return DateValue(d), true

	case TypeTime:
		h, m, sec, ok := parseClock(s)
		if !ok {
			return Null, false
		}
		return TimeValue(time.Date(0, 1, 1, h, m, sec, 0, time.UTC)), true

	case TypeDateTime:
		ds, cs, ok := splitDateTime(s)
		if !ok {
			return Null, false
		}
		d, ok := c.parseDate(ds)
		if !ok {
			return Null, false
		}
		h, m, sec, ok := parseClock(cs)
		if !ok {
			return Null, false
		}
		return DateTimeValue(time.Date(d.Year(), d.Month(), d.Day(), h, m, sec, 0, time.UTC)), true

	default:
		if c.trim {
			return TextValue(s), true
		}
		return TextValue(raw), true
	}
}

// parseDate resolves the three numeric groups of a date. A group of three or
// more digits is the year; otherwise the configured order decides, with auto
// trying year-month-day before day-month-year.
func (c *FieldCoercer) parseDate(s string) (time.Time, bool) {
	m := dateParts.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	a, b, z := m[1], m[2], m[3]

	switch {
	case len(a) > 2 && len(z) > 2:
		return time.Time{}, false
	case len(a) > 2:
		return c.makeDate(a, b, z)
	case len(z) > 2:
		if c.order == DateOrderMDY {
			return c.makeDate(z, a, b)
		}
		if d, ok := c.makeDate(z, b, a); ok {
			return d, true
		}
		if c.order == DateOrderAuto {
			return c.makeDate(z, a, b)
		}
		return time.Time{}, false
	}

	switch c.order {
	case DateOrderYMD:
		return c.makeDate(a, b, z)
	case DateOrderDMY:
		return c.makeDate(z, b, a)
	case DateOrderMDY:
		return c.makeDate(z, a, b)
	}
	if d, ok := c.makeDate(a, b, z); ok {
		return d, true
	}
	return c.makeDate(z, b, a)
}

func (c *FieldCoercer) makeDate(ys, ms, ds string) (time.Time, bool) {
	y, _ := strconv.Atoi(ys)
	mo, _ := strconv.Atoi(ms)
	d, _ := strconv.Atoi(ds)
	if len(ys) <= 2 {
		y = c.expandYear(y)
	}
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes 31 April to 1 May
	if t.Month() != time.Month(mo) || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func (c *FieldCoercer) expandYear(yy int) int {
	pivot := c.pivot
	if pivot == 0 {
		pivot = defaultPivot()
	}
	y := 2000 + yy
	if y > pivot {
		y -= 100
	}
	return y
}

func parseClock(s string) (h, m, sec int, ok bool) {
	p := timeParts.FindStringSubmatch(s)
	if p == nil {
		return 0, 0, 0, false
	}
	h, _ = strconv.Atoi(p[1])
	m, _ = strconv.Atoi(p[2])
	if p[3] != "" {
		sec, _ = strconv.Atoi(p[3])
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, 0, 0, false
	}
	return h, m, sec, true
}
