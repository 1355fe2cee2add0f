package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

func testSchema() *ingest.DestinationSchema {
	return &ingest.DestinationSchema{
		Table: "people",
		Fields: []ingest.Field{
			{Name: "id", Type: ingest.TypeInteger, PrimaryKey: true, AutoIncrement: true, Source: -1},
			{Name: "name", Type: ingest.TypeText, Source: 0},
			{Name: "price", Type: ingest.TypeFloat, Source: 1},
			{Name: "joined", Type: ingest.TypeDate, Source: 2},
			{Name: "at", Type: ingest.TypeTime, Source: 3},
			{Name: "seen", Type: ingest.TypeDateTime, Source: 4},
		},
	}
}

func TestCreateTableSQL(t *testing.T) {
	want := `CREATE TABLE "people" (` +
		`"id" bigint generated by default as identity PRIMARY KEY, ` +
		`"name" text, "price" double precision, "joined" date, "at" time, "seen" timestamp)`
	assert.Equal(t, want, CreateTableSQL(testSchema()))
}

func TestInsertSQL(t *testing.T) {
	want := `INSERT INTO "people" ("id", "name", "price", "joined", "at", "seen") VALUES ($1, $2, $3, $4, $5, $6)`
	assert.Equal(t, want, InsertSQL(testSchema()))
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, `"a""b"`, quote(`a"b`))
}

func TestToPG(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	clock := time.Date(0, 1, 1, 10, 30, 5, 0, time.UTC)

	assert.Equal(t, pgtype.Int8{Int64: 7, Valid: true}, toPG(ingest.IntegerValue(7), ingest.TypeInteger))
	assert.Equal(t, pgtype.Int8{}, toPG(ingest.Null, ingest.TypeInteger))
	assert.Equal(t, pgtype.Float8{Float64: 2, Valid: true}, toPG(ingest.IntegerValue(2), ingest.TypeFloat))
	assert.Equal(t, pgtype.Text{String: "x", Valid: true}, toPG(ingest.TextValue("x"), ingest.TypeText))
	assert.Equal(t, pgtype.Date{Time: day, Valid: true}, toPG(ingest.DateValue(day), ingest.TypeDate))
	assert.Equal(t, pgtype.Time{Microseconds: 37805000000, Valid: true}, toPG(ingest.TimeValue(clock), ingest.TypeTime))
	assert.Equal(t, pgtype.Timestamp{}, toPG(ingest.Null, ingest.TypeDateTime))
}

func TestFromPG(t *testing.T) {
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	v, err := fromPG(at, pgtype.DateOID)
	require.NoError(t, err)
	assert.Equal(t, ingest.KindDate, v.Kind())
	assert.Equal(t, "2024-01-02", v.String())

	v, err = fromPG(at, pgtype.TimestampOID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02 10:00:00", v.String())

	v, err = fromPG(pgtype.Time{Microseconds: 37805000000, Valid: true}, pgtype.TimeOID)
	require.NoError(t, err)
	assert.Equal(t, "10:30:05", v.String())

	v, err = fromPG(nil, pgtype.Int8OID)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	v, err = fromPG(int64(3), pgtype.Int8OID)
	require.NoError(t, err)
	assert.Equal(t, ingest.IntegerValue(3), v)
}

const peopleCSV = "name,price,joined,at,seen\n" +
	"Ann,1.5,2024-01-02,10:00:00,2024-01-02 10:00:00\n" +
	"Bob,,2024-02-03,11:15:00,2024-02-03T11:15:00\n"

// TestDestination runs against a real server when TEST_DATABASE_URL is set.
func TestDestination(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	dest, err := Open(ctx, url, PoolOptions{MaxConns: 2})
	require.NoError(t, err)
	defer dest.Close()

	table := "csvingest_test_people"
	require.NoError(t, dest.DropTable(ctx, table))
	defer dest.DropTable(ctx, table)

	p, err := ingest.NewPipeline(ingest.NewBytesSource("people.csv", []byte(peopleCSV)), ingest.DefaultSession())
	require.NoError(t, err)
	_, err = p.Preview(ctx)
	require.NoError(t, err)
	schema, err := p.BuildSchema(ingest.SchemaOptions{Table: table, PrimaryKey: ingest.NoPrimaryKey, ImplicitKey: true})
	require.NoError(t, err)
	require.NoError(t, p.Confirm(schema))

	res, err := p.Commit(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCommitted, res.Outcome)
	assert.Equal(t, 2, res.RowsCommitted)

	var header []string
	var rows [][]string
	err = dest.ReadTable(ctx, table, func(cols []string) error {
		header = cols
		return nil
	}, func(values []ingest.Value) error {
		r := make([]string, len(values))
		for i, v := range values {
			r[i] = v.String()
		}
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "price", "joined", "at", "seen"}, header)
	assert.Equal(t, [][]string{
		{"1", "Ann", "1.5", "2024-01-02", "10:00:00", "2024-01-02 10:00:00"},
		{"2", "Bob", "", "2024-02-03", "11:15:00", "2024-02-03 11:15:00"},
	}, rows)

	// the identity sequence continues after the imported keys
	var next int64
	require.NoError(t, dest.pool.QueryRow(ctx,
		`INSERT INTO "csvingest_test_people" (name) VALUES ('Cy') RETURNING id`).Scan(&next))
	assert.Equal(t, int64(3), next)
}

func TestDestinationFailureLeavesNoTable(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	dest, err := Open(ctx, url, PoolOptions{})
	require.NoError(t, err)
	defer dest.Close()

	table := "csvingest_test_dupes"
	require.NoError(t, dest.DropTable(ctx, table))

	// a primary key chosen on the preview that the full data violates
	s := ingest.DefaultSession()
	s.MaxPreviewRows = 2
	p, err := ingest.NewPipeline(ingest.NewBytesSource("d.csv", []byte("k,v\n1,a\n2,b\n1,c\n")), s)
	require.NoError(t, err)
	_, err = p.Preview(ctx)
	require.NoError(t, err)
	schema, err := p.BuildSchema(ingest.SchemaOptions{Table: table, PrimaryKey: 0})
	require.NoError(t, err)
	require.NoError(t, p.Confirm(schema))

	res, err := p.Commit(ctx, dest)
	require.Error(t, err)
	var se *ingest.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.OutcomeFailed, res.Outcome)

	var exists bool
	require.NoError(t, dest.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists))
	assert.False(t, exists)
}
