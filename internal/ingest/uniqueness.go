package ingest

import (
	"strconv"
	"strings"
)

// UniquenessTracker finds integer columns whose values are all distinct, the
// candidates for a primary key.
type UniquenessTracker struct {
	keys        []map[int64]struct{}
	invalidated []bool
}

func NewUniquenessTracker() *UniquenessTracker {
	return &UniquenessTracker{}
}

// Observe records text for column while its type t is Integer. A duplicate,
// an empty or unparsable value, or any other type invalidates the column for
// good and releases its key set.
func (u *UniquenessTracker) Observe(column int, t ColumnType, text string) {
	if column < 0 {
		return
	}
	u.grow(column + 1)
	if u.invalidated[column] {
		return
	}
	if t != TypeInteger {
		u.invalidate(column)
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		u.invalidate(column)
		return
	}
	set := u.keys[column]
	if _, dup := set[n]; dup {
		u.invalidate(column)
		return
	}
	set[n] = struct{}{}
}

// Valid reports whether column is still a candidate and has seen a value.
func (u *UniquenessTracker) Valid(column int) bool {
	return column >= 0 && column < len(u.keys) && !u.invalidated[column] && len(u.keys[column]) > 0
}

// Invalidated reports whether column was ruled out.
func (u *UniquenessTracker) Invalidated(column int) bool {
	return column >= 0 && column < len(u.invalidated) && u.invalidated[column]
}

// Distinct returns the number of distinct keys held for column.
func (u *UniquenessTracker) Distinct(column int) int {
	if column < 0 || column >= len(u.keys) {
		return 0
	}
	return len(u.keys[column])
}

// Candidate returns the lowest valid column whose final type is Integer, or -1.
func (u *UniquenessTracker) Candidate(types []ColumnType) int {
	for i := range u.keys {
		if i < len(types) && types[i] == TypeInteger && u.Valid(i) {
			return i
		}
	}
	return -1
}

func (u *UniquenessTracker) invalidate(column int) {
	u.invalidated[column] = true
	u.keys[column] = nil
}

func (u *UniquenessTracker) grow(n int) {
	for len(u.keys) < n {
		u.keys = append(u.keys, make(map[int64]struct{}))
		u.invalidated = append(u.invalidated, false)
	}
}
