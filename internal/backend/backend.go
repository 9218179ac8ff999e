// Package backend implements the Backend capability interface and its two
// engine-specific adapters. A Backend owns one logical
// connection pair (default + maintenance for PostgreSQL, a single file handle
// for SQLite) and exposes the primitive operations the Dump and Load
// Orchestrators compose: open/close, run/run_many, begin/commit/rollback,
// dump_schema/dump_sequences, copy_to_csv/copy_from_csv, list_foreign_keys,
// list_tables, and the drop/create/truncate administrative operations.
package backend

import (
	"context"
	"io"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

// ResultSet is the ordered, named-column record set returned by Run.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Backend is the capability interface every engine adapter implements.
type Backend interface {
	// Open establishes the default (and, for PostgreSQL, maintenance)
	// connection. Close is idempotent.
	Open(ctx context.Context, conn config.DatabaseConfig) error
	Close() error

	// Run executes a single statement on the default connection and returns
	// its rows. A non-returning statement yields an empty ResultSet, not an
	// error.
	Run(ctx context.Context, sqlText string, args ...any) (*ResultSet, error)

	// RunMany executes a multi-statement script, used to replay schema.sql
	// and sequences.sql during load.
	RunMany(ctx context.Context, script string) error

	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	// DumpSchema invokes the engine's native schema tool in a subprocess and
	// returns its stdout.
	DumpSchema(ctx context.Context) ([]byte, error)

	// DumpSequences returns sequence-restoring SQL (PostgreSQL only; SQLite
	// implementations return (nil, nil)).
	DumpSequences(ctx context.Context) ([]byte, error)

	// CopyToCSV executes sqlText on the currently-open transaction and
	// streams the result as CSV (header row, empty field for NULL) to w.
	CopyToCSV(ctx context.Context, sqlText string, w io.Writer) error

	// CopyFromCSV loads CSV rows (header + data) from r into table.
	CopyFromCSV(ctx context.Context, table string, r io.Reader) error

	ListForeignKeys(ctx context.Context, table string) ([]config.ForeignKeyDescriptor, error)
	ListTables(ctx context.Context) ([]string, error)

	// DropConnections terminates other backends connected to dbName
	// (PostgreSQL only; SQLite implementations are a no-op).
	DropConnections(ctx context.Context, dbName string) error
	DropDatabase(ctx context.Context, dbName string) error
	CreateDatabase(ctx context.Context, dbName, owner string) error
	TruncateAll(ctx context.Context) error
	// RecreateDatabase is the composition drop_connections -> drop -> create.
	RecreateDatabase(ctx context.Context, dbName, owner string) error

	Engine() config.Engine
}
