// Package sqlite commits imports into a SQLite database file through
// database/sql. The driver is chosen at build time, see DriverName.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// Destination implements ingest.Destination and ingest.TableReader.
// Commits go through a single writer connection; reads use a separate
// query-only pool, which WAL lets run alongside an open write transaction.
type Destination struct {
	db  *sql.DB
	rdb *sql.DB
}

// readers is the size of the read pool.
const readers = 4

// busyTimeoutMillis is how long a connection waits on a locked database.
const busyTimeoutMillis = 5000

// openDatabase opens the writer pool: WAL, one connection and foreign keys
// enforced.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(path, false))
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// openReaders opens the query-only pool. It must follow openDatabase so the
// file is already in WAL mode.
func openReaders(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(path, true))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(readers)
	db.SetMaxIdleConns(readers)
	return db, nil
}

// inMemory reports whether path names a private in-memory database, which a
// second pool would not share.
func inMemory(path string) bool {
	return path == "" || path == ":memory:" || strings.Contains(path, "mode=memory")
}

// withParams appends driver parameters to path, which may carry its own.
func withParams(path string, q url.Values) string {
	if strings.Contains(path, "?") {
		return path + "&" + q.Encode()
	}
	return path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Destination, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	d := &Destination{db: db, rdb: db}
	if inMemory(path) {
		return d, nil
	}
	if d.rdb, err = openReaders(path); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	return d, nil
}

func (d *Destination) Close() error {
	err := d.db.Close()
	if d.rdb != d.db {
		if rerr := d.rdb.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// Ping checks the read pool, so it answers while a commit holds the writer.
func (d *Destination) Ping(ctx context.Context) error {
	return d.rdb.PingContext(ctx)
}

// MaxWriters is 1: SQLite serializes write transactions.
func (d *Destination) MaxWriters() int { return 1 }

func (d *Destination) Begin(ctx context.Context) (ingest.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (d *Destination) DropTable(ctx context.Context, table string) error {
	_, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(table))
	return err
}

func (d *Destination) ReadTable(ctx context.Context, table string, header func([]string) error, row func([]ingest.Value) error) error {
	rows, err := d.rdb.QueryContext(ctx, "SELECT * FROM "+quote(table)+" ORDER BY rowid")
	if err != nil {
		return err
	}
	defer rows.Close()

	cts, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	names := make([]string, len(cts))
	types := make([]ingest.ColumnType, len(cts))
	for i, ct := range cts {
		names[i] = ct.Name()
		types[i] = columnTypeOf(ct.DatabaseTypeName())
	}
	if err := header(names); err != nil {
		return err
	}

	raw := make([]any, len(cts))
	ptrs := make([]any, len(cts))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	values := make([]ingest.Value, len(cts))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, x := range raw {
			v, err := ingest.ValueOf(x)
			if err != nil {
				return fmt.Errorf("column %s: %w", names[i], err)
			}
			if types[i] != ingest.TypeUndetermined {
				v = ingest.Convert(v, types[i])
			}
			values[i] = v
		}
		if err := row(values); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Tx is one commit transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) CreateTable(ctx context.Context, s *ingest.DestinationSchema) error {
	_, err := t.tx.ExecContext(ctx, CreateTableSQL(s))
	return err
}

func (t *Tx) PrepareInsert(ctx context.Context, s *ingest.DestinationSchema) (ingest.Inserter, error) {
	stmt, err := t.tx.PrepareContext(ctx, InsertSQL(s))
	if err != nil {
		return nil, err
	}
	return &inserter{stmt: stmt, args: make([]any, len(s.Fields))}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

// Rollback tolerates a transaction database/sql already rolled back because
// its context was cancelled.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type inserter struct {
	stmt *sql.Stmt
	args []any
}

func (in *inserter) Insert(ctx context.Context, values []ingest.Value) error {
	for i, v := range values {
		in.args[i] = toSQL(v)
	}
	_, err := in.stmt.ExecContext(ctx, in.args...)
	return err
}

func (in *inserter) Close() error {
	return in.stmt.Close()
}

// toSQL stores temporal values as ISO text, which both drivers read back as
// time.Time for DATE and DATETIME columns.
func toSQL(v ingest.Value) any {
	switch v.Kind() {
	case ingest.KindNull:
		return nil
	case ingest.KindInteger, ingest.KindFloat, ingest.KindText:
		return v.Any()
	default:
		return v.String()
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnType returns the SQLite declared type a field is created with.
func ColumnType(f ingest.Field) string {
	switch f.Type {
	case ingest.TypeInteger:
		return "INTEGER"
	case ingest.TypeFloat:
		return "REAL"
	case ingest.TypeDate:
		return "DATE"
	case ingest.TypeTime:
		return "TIME"
	case ingest.TypeDateTime:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

func columnTypeOf(decl string) ingest.ColumnType {
	switch strings.ToUpper(decl) {
	case "INTEGER", "INT", "BIGINT":
		return ingest.TypeInteger
	case "REAL", "DOUBLE", "FLOAT":
		return ingest.TypeFloat
	case "TEXT":
		return ingest.TypeText
	case "DATE":
		return ingest.TypeDate
	case "TIME":
		return ingest.TypeTime
	case "DATETIME", "TIMESTAMP":
		return ingest.TypeDateTime
	}
	return ingest.TypeUndetermined
}

// CreateTableSQL renders the CREATE TABLE statement for s. An integer primary
// key aliases the rowid, with AUTOINCREMENT for a synthesized key.
func CreateTableSQL(s *ingest.DestinationSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quote(s.Table))
	b.WriteString(" (")
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(f.Name))
		b.WriteByte(' ')
		b.WriteString(ColumnType(f))
		if f.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
			if f.AutoIncrement {
				b.WriteString(" AUTOINCREMENT")
			}
		}
	}
	b.WriteString(")")
	return b.String()
}

// InsertSQL renders the parameterised INSERT for s.
func InsertSQL(s *ingest.DestinationSchema) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = quote(f.Name)
	}
	params := strings.TrimSuffix(strings.Repeat("?, ", len(s.Fields)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(s.Table), strings.Join(cols, ", "), params)
}
