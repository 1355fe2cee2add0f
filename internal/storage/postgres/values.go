package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// toPG maps v onto the pgtype of a column of type t. Null becomes an invalid
// value of that type so the parameter OID stays stable.
func toPG(v ingest.Value, t ingest.ColumnType) any {
	valid := !v.IsNull()
	switch t {
	case ingest.TypeInteger:
		i, _ := v.Int()
		return pgtype.Int8{Int64: i, Valid: valid}
	case ingest.TypeFloat:
		f, _ := v.Float()
		return pgtype.Float8{Float64: f, Valid: valid}
	case ingest.TypeDate:
		tm, _ := v.Time()
		return pgtype.Date{Time: tm, Valid: valid}
	case ingest.TypeTime:
		tm, _ := v.Time()
		return pgtype.Time{Microseconds: clockMicros(tm), Valid: valid}
	case ingest.TypeDateTime:
		tm, _ := v.Time()
		return pgtype.Timestamp{Time: tm, Valid: valid}
	default:
		return pgtype.Text{String: v.String(), Valid: valid}
	}
}

func clockMicros(t time.Time) int64 {
	h, m, s := t.Clock()
	return (int64(h)*3600 + int64(m)*60 + int64(s)) * int64(time.Second/time.Microsecond)
}

// fromPG converts a decoded column value back into an ingest.Value.
func fromPG(x any, oid uint32) (ingest.Value, error) {
	switch t := x.(type) {
	case nil:
		return ingest.Null, nil
	case pgtype.Time:
		if !t.Valid {
			return ingest.Null, nil
		}
		return ingest.TimeValue(time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(t.Microseconds) * time.Microsecond)), nil
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil {
			return ingest.Null, err
		}
		if !f.Valid {
			return ingest.Null, nil
		}
		return ingest.FloatValue(f.Float64), nil
	case time.Time:
		if oid == pgtype.DateOID {
			return ingest.DateValue(t), nil
		}
		return ingest.DateTimeValue(t), nil
	case [16]byte:
		return ingest.TextValue(fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])), nil
	}
	return ingest.ValueOf(x)
}
