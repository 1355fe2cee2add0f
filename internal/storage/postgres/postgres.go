// Package postgres commits imports into PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// PoolOptions are applied on top of what the connection URL configures.
// Zero values keep the pgxpool defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Destination implements ingest.Destination and ingest.TableReader.
type Destination struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool) *Destination {
	return &Destination{pool: pool}
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string, opts PoolOptions) (*Destination, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(pool), nil
}

// Close closes the underlying pool.
func (d *Destination) Close() error {
	d.pool.Close()
	return nil
}

func (d *Destination) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *Destination) Begin(ctx context.Context) (ingest.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (d *Destination) DropTable(ctx context.Context, table string) error {
	_, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quote(table))
	return err
}

// ReadTable streams table in physical order, which for a table written by a
// single import is insertion order.
func (d *Destination) ReadTable(ctx context.Context, table string, header func([]string) error, row func([]ingest.Value) error) error {
	rows, err := d.pool.Query(ctx, "SELECT * FROM "+quote(table)+" ORDER BY ctid")
	if err != nil {
		return err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	if err := header(names); err != nil {
		return err
	}

	values := make([]ingest.Value, len(fds))
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return err
		}
		for i, x := range raw {
			v, err := fromPG(x, fds[i].DataTypeOID)
			if err != nil {
				return fmt.Errorf("column %s: %w", names[i], err)
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
	tx pgx.Tx
	// identity columns written with explicit values whose sequence must be
	// moved past the imported keys before commit
	identity []identity
}

type identity struct {
	table, column string
}

func (t *Tx) CreateTable(ctx context.Context, s *ingest.DestinationSchema) error {
	if _, err := t.tx.Exec(ctx, CreateTableSQL(s)); err != nil {
		return err
	}
	for _, f := range s.Fields {
		if f.AutoIncrement {
			t.identity = append(t.identity, identity{table: s.Table, column: f.Name})
		}
	}
	return nil
}

func (t *Tx) PrepareInsert(ctx context.Context, s *ingest.DestinationSchema) (ingest.Inserter, error) {
	name := "csvingest_insert_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := t.tx.Prepare(ctx, name, InsertSQL(s)); err != nil {
		return nil, err
	}
	types := make([]ingest.ColumnType, len(s.Fields))
	for i, f := range s.Fields {
		types[i] = f.Type
	}
	return &inserter{tx: t.tx, stmt: name, types: types, args: make([]any, len(types))}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	for _, id := range t.identity {
		q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence($1, $2), COALESCE(MAX(%s), 0) + 1, false) FROM %s",
			quote(id.column), quote(id.table))
		if _, err := t.tx.Exec(ctx, q, quote(id.table), id.column); err != nil {
			return fmt.Errorf("advance identity %s: %w", id.column, err)
		}
	}
	return t.tx.Commit(ctx)
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

type inserter struct {
	tx    pgx.Tx
	stmt  string
	types []ingest.ColumnType
	args  []any
}

func (in *inserter) Insert(ctx context.Context, values []ingest.Value) error {
	for i, v := range values {
		in.args[i] = toPG(v, in.types[i])
	}
	_, err := in.tx.Exec(ctx, in.stmt, in.args...)
	return err
}

func (in *inserter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return in.tx.Conn().Deallocate(ctx, in.stmt)
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// ColumnType returns the PostgreSQL type a field is created with.
func ColumnType(f ingest.Field) string {
	switch f.Type {
	case ingest.TypeInteger:
		if f.AutoIncrement {
			return "bigint generated by default as identity"
		}
		return "bigint"
	case ingest.TypeFloat:
		return "double precision"
	case ingest.TypeDate:
		return "date"
	case ingest.TypeTime:
		return "time"
	case ingest.TypeDateTime:
		return "timestamp"
	default:
		return "text"
	}
}

// CreateTableSQL renders the CREATE TABLE statement for s.
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
		}
	}
	b.WriteString(")")
	return b.String()
}

// InsertSQL renders the parameterised INSERT for s.
func InsertSQL(s *ingest.DestinationSchema) string {
	cols := make([]string, len(s.Fields))
	params := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = quote(f.Name)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(s.Table), strings.Join(cols, ", "), strings.Join(params, ", "))
}
