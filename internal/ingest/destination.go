package ingest

import "context"

// Destination is the storage an import commits into. Implementations live in
// internal/storage.
type Destination interface {
	// Begin starts the transaction a commit pass runs in.
	Begin(ctx context.Context) (Tx, error)
	// DropTable removes table if it exists. Called after a rollback once the
	// commit created the table, so a cancelled or failed import leaves nothing
	// behind on backends where DDL is not transactional.
	DropTable(ctx context.Context, table string) error
}

// Tx is one commit transaction.
type Tx interface {
	CreateTable(ctx context.Context, schema *DestinationSchema) error
	PrepareInsert(ctx context.Context, schema *DestinationSchema) (Inserter, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Inserter writes rows with values in schema field order.
type Inserter interface {
	Insert(ctx context.Context, values []Value) error
	Close() error
}

// TableReader is implemented by destinations that can read a table back,
// which export needs.
type TableReader interface {
	// ReadTable calls header once with the column names, then row for every
	// row of table in insertion order.
	ReadTable(ctx context.Context, table string, header func(columns []string) error, row func(values []Value) error) error
}
