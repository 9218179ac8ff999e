package backend

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
)

// SQLiteBackend implements Backend against a single SQLite file. Unlike
// PostgreSQL there is no maintenance connection: drop/create/truncate are
// expressed as filesystem and in-process operations on the same handle.
type SQLiteBackend struct {
	path string
	db   *sql.DB
	tx   *sql.Tx
}

func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{}
}

func (s *SQLiteBackend) Engine() config.Engine { return config.EngineSQLite }

// Open sets _txlock=immediate on the DSN so every BeginTx acquires SQLite's
// write lock up front (BEGIN IMMEDIATE), giving dbsnap the same
// can't-see-concurrent-writes snapshot guarantee PostgreSQL gets from
// REPEATABLE READ.
func (s *SQLiteBackend) Open(ctx context.Context, conn config.DatabaseConfig) error {
	s.path = conn.Path
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_txlock=immediate", conn.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return corefork.NewInvalidRequest("failed to open sqlite database", err.Error())
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &corefork.DBSnapError{
			Type:        corefork.ConnectError,
			Severity:    corefork.SeverityFatal,
			Message:     "failed to open sqlite database",
			Details:     err.Error(),
			Context:     conn.Path,
			OriginalErr: err,
		}
	}
	s.db = db
	return nil
}

func (s *SQLiteBackend) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteBackend) Begin(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return corefork.NewQueryError("begin immediate", err)
	}
	s.tx = tx
	return nil
}

func (s *SQLiteBackend) Commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *SQLiteBackend) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *SQLiteBackend) queryer() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLiteBackend) execer() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLiteBackend) Run(ctx context.Context, sqlText string, args ...any) (*ResultSet, error) {
	rows, err := s.queryer().QueryContext(ctx, sqlText, args...)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return &ResultSet{}, nil
		}
		return nil, corefork.NewQueryError(sqlText, err)
	}
	defer rows.Close()
	return scanResultSet(rows)
}

// RunMany splits on statement-terminating semicolons since modernc.org/sqlite,
// unlike lib/pq, executes only one statement per Exec call.
func (s *SQLiteBackend) RunMany(ctx context.Context, script string) error {
	for _, stmt := range splitSQLStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.execer().ExecContext(ctx, stmt); err != nil {
			return corefork.NewQueryError(stmt, err)
		}
	}
	return nil
}

func splitSQLStatements(script string) []string {
	return strings.Split(script, ";\n")
}

// DumpSchema shells out to the sqlite3 CLI's .schema meta-command, mirroring
// how dbsnap shells out to pg_dump for PostgreSQL schema capture.
func (s *SQLiteBackend) DumpSchema(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sqlite3", s.path, ".schema")
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, corefork.NewSubprocessError("sqlite3", stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// DumpSequences is a PostgreSQL-only concept and emits nothing for SQLite.
// SQLite's AUTOINCREMENT state lives in sqlite_sequence, which ListTables
// does not list; it reaches the archive only if it is named as a table.
func (s *SQLiteBackend) DumpSequences(ctx context.Context) ([]byte, error) {
	return nil, nil
}

// CopyToCSV serializes a query's result set to CSV in process, the same
// shape as airframesio-postgresql-archiver's CSVFormatter.Format: header
// row first, NULL becomes an empty field.
func (s *SQLiteBackend) CopyToCSV(ctx context.Context, sqlText string, w io.Writer) error {
	rows, err := s.queryer().QueryContext(ctx, sqlText)
	if err != nil {
		return corefork.NewQueryError(sqlText, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return corefork.NewQueryError(sqlText, err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	record := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range vals {
			record[i] = stringifyCSVValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CopyFromCSV parses CSV rows in process and issues one parameterized INSERT
// per row through a prepared statement, since modernc.org/sqlite has no
// COPY-equivalent fast path; rows are not grouped into multi-row INSERTs.
// Context cancellation is checked every 500 rows.
const sqliteInsertBatchSize = 500

func (s *SQLiteBackend) CopyFromCSV(ctx context.Context, table string, r io.Reader) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return corefork.NewQueryError("copy_from_csv header", err)
	}
	if s.tx == nil {
		return corefork.NewInvalidRequest("copy_from_csv requires an open transaction", table)
	}

	placeholders := make([]string, len(header))
	for i := range header {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteSQLiteIdentifier(table), strings.Join(header, ", "), strings.Join(placeholders, ", "))

	stmt, err := s.tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return corefork.NewQueryError(insertSQL, err)
	}
	defer stmt.Close()

	batch := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return corefork.NewQueryError("copy_from_csv read", err)
		}
		args := make([]any, len(record))
		for i, f := range record {
			args[i] = csvFieldToArg(f)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return corefork.NewQueryError(insertSQL, err)
		}
		batch++
		if batch%sqliteInsertBatchSize == 0 {
			// Yield to context cancellation between batches on large loads.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

func quoteSQLiteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ListForeignKeys uses PRAGMA foreign_key_list, which SQLite exposes
// per-table (there is no cross-table system catalog equivalent to
// pg_constraint).
func (s *SQLiteBackend) ListForeignKeys(ctx context.Context, table string) ([]config.ForeignKeyDescriptor, error) {
	rs, err := s.Run(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLiteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	colIdx := func(name string) int {
		for i, c := range rs.Columns {
			if c == name {
				return i
			}
		}
		return -1
	}
	tableIdx, fromIdx, toIdx := colIdx("table"), colIdx("from"), colIdx("to")
	seq := map[int64]int{}
	descs := make([]config.ForeignKeyDescriptor, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		id, _ := row[colIdx("id")].(int64)
		seq[id]++
	}
	for _, row := range rs.Rows {
		id, _ := row[colIdx("id")].(int64)
		foreignTable, _ := row[tableIdx].(string)
		column, _ := row[fromIdx].(string)
		foreignColumn, _ := row[toIdx].(string)
		descs = append(descs, config.ForeignKeyDescriptor{
			Table:         table,
			Column:        column,
			ForeignTable:  foreignTable,
			ForeignColumn: foreignColumn,
			CompositeWarn: seq[id] > 1,
		})
	}
	return descs, nil
}

func (s *SQLiteBackend) ListTables(ctx context.Context) ([]string, error) {
	rs, err := s.Run(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if name, ok := row[0].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// DropConnections is a no-op: SQLite has no server-side connection registry
// to terminate against.
func (s *SQLiteBackend) DropConnections(ctx context.Context, dbName string) error {
	return nil
}

// DropDatabase unlinks the database file. A missing file is not an error,
// since drop must be idempotent.
func (s *SQLiteBackend) DropDatabase(ctx context.Context, dbName string) error {
	if s.db != nil {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return corefork.NewQueryError("drop database", err)
	}
	return nil
}

// CreateDatabase opens (and so creates) an empty SQLite file. owner has no
// meaning for SQLite and is accepted only to satisfy the Backend interface.
func (s *SQLiteBackend) CreateDatabase(ctx context.Context, dbName, owner string) error {
	return s.Open(ctx, config.DatabaseConfig{Path: s.path})
}

func (s *SQLiteBackend) TruncateAll(ctx context.Context) error {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := s.RunMany(ctx, fmt.Sprintf("DELETE FROM %s", quoteSQLiteIdentifier(t))); err != nil {
			return err
		}
	}
	_, _ = s.execer().ExecContext(ctx, "DELETE FROM sqlite_sequence")
	return nil
}

func (s *SQLiteBackend) RecreateDatabase(ctx context.Context, dbName, owner string) error {
	if err := s.DropDatabase(ctx, dbName); err != nil {
		return err
	}
	return s.CreateDatabase(ctx, dbName, owner)
}
