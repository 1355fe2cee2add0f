// Package ingest turns delimited text into typed rows in a database table.
//
// The package has no transport or driver dependencies. Storage is reached
// through the [Destination] interface, implemented in internal/storage.
//
// # Two passes
//
// An import runs twice over the same [Source]:
//
//  1. [Pipeline.Preview] reads up to [Session.MaxPreviewRows] data rows,
//     infers a [ColumnType] per column with a [TypeDetector] and finds primary
//     key candidates with a [UniquenessTracker]. Nothing is written.
//  2. The caller adjusts names and types on the [Preview], builds a
//     [DestinationSchema] and calls [Pipeline.Confirm].
//  3. [Pipeline.Commit] reads the whole source again, converts fields with a
//     [FieldCoercer] and inserts every row inside one transaction.
//
// A commit that is cancelled or fails is rolled back and its table dropped;
// cancellation is reported as [OutcomeCancelled], never as an error.
//
// # Tokenizing
//
// [RowReader] is a six-state machine over runes that honors quoting, doubled
// quotes, embedded newlines and collapsed delimiter runs. Sources are decoded
// first by [OpenSource]: decompression (gzip, bzip2, snappy), character set
// conversion, BOM removal and UTF-8 sanitizing.
//
// # Types
//
// The first non-empty value of a column seeds its type; any later value that
// does not fit demotes the column to text for good. Integer columns are never
// widened to float.
package ingest
