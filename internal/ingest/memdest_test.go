package ingest

import (
	"context"
	"errors"
	"sync"
)

// memDest is an in-memory Destination recording what the pipeline did.
type memDest struct {
	mu       sync.Mutex
	tables   map[string]*memTable
	dropped  []string
	txs      []*memTx
	failAt    int // fail the n-th insert, 0 never
	beginErr  error
	createErr error
}

type memTable struct {
	schema *DestinationSchema
	rows   [][]Value
}

func newMemDest() *memDest {
	return &memDest{tables: make(map[string]*memTable)}
}

func (d *memDest) Begin(ctx context.Context) (Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &memTx{d: d, pending: make(map[string]*memTable)}
	d.mu.Lock()
	d.txs = append(d.txs, tx)
	d.mu.Unlock()
	return tx, nil
}

func (d *memDest) DropTable(ctx context.Context, table string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, table)
	d.dropped = append(d.dropped, table)
	return nil
}

func (d *memDest) ReadTable(ctx context.Context, table string, header func([]string) error, row func([]Value) error) error {
	d.mu.Lock()
	t, ok := d.tables[table]
	d.mu.Unlock()
	if !ok {
		return errors.New("no such table")
	}
	if err := header(t.schema.Names()); err != nil {
		return err
	}
	for _, r := range t.rows {
		if err := row(r); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDest) table(name string) *memTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[name]
}

type memTx struct {
	d          *memDest
	pending    map[string]*memTable
	inserted   int
	committed  bool
	rolledBack bool
}

func (tx *memTx) CreateTable(ctx context.Context, s *DestinationSchema) error {
	if tx.d.createErr != nil {
		return tx.d.createErr
	}
	tx.pending[s.Table] = &memTable{schema: s}
	return nil
}

func (tx *memTx) PrepareInsert(ctx context.Context, s *DestinationSchema) (Inserter, error) {
	return &memInserter{tx: tx, table: tx.pending[s.Table]}, nil
}

func (tx *memTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.d.mu.Lock()
	defer tx.d.mu.Unlock()
	for name, t := range tx.pending {
		tx.d.tables[name] = t
	}
	tx.committed = true
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	tx.pending = nil
	tx.rolledBack = true
	return nil
}

type memInserter struct {
	tx     *memTx
	table  *memTable
	closed bool
}

var errInsert = errors.New("disk full")

func (in *memInserter) Insert(ctx context.Context, values []Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in.tx.inserted++
	if in.tx.d.failAt > 0 && in.tx.inserted == in.tx.d.failAt {
		return errInsert
	}
	in.table.rows = append(in.table.rows, append([]Value(nil), values...))
	return nil
}

func (in *memInserter) Close() error {
	in.closed = true
	return nil
}
