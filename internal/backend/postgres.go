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
	"time"

	"github.com/lib/pq"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/logging"
)

// PostgresBackend implements Backend against a live PostgreSQL server. It
// holds two pools: defaultDB runs against the target database itself,
// maintenanceDB connects to the "postgres" database so drop/create can run
// outside the database being dropped.
type PostgresBackend struct {
	cfg           config.DatabaseConfig
	defaultDB     *sql.DB
	maintenanceDB *sql.DB
	tx            *sql.Tx
	errHandler    *corefork.ErrorHandler
}

// NewPostgresBackend constructs an unopened backend.
func NewPostgresBackend() *PostgresBackend {
	return &PostgresBackend{
		errHandler: corefork.NewErrorHandler(corefork.DefaultRetryConfig(), "postgres backend"),
	}
}

func (p *PostgresBackend) Engine() config.Engine { return config.EnginePostgres }

// ErrorSummary reports how many errors of each type errHandler has wrapped
// so far this run, by error type, for end-of-run audit logging. Backends
// that don't track retryable errors (SQLite) simply have no such method;
// callers type-assert for it.
func (p *PostgresBackend) ErrorSummary() map[corefork.ErrorType]int {
	return p.errHandler.GetErrorSummary()
}

// Open sizes the connection pool modestly, since dbsnap holds at most a
// handful of connections per run (default + maintenance).
func (p *PostgresBackend) Open(ctx context.Context, conn config.DatabaseConfig) error {
	p.cfg = conn

	db, err := sql.Open("postgres", conn.ConnectionString())
	if err != nil {
		return corefork.NewInvalidRequest("failed to open postgres connection", err.Error())
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return p.errHandler.WrapError(err, "connecting to target database")
	}
	p.defaultDB = db

	maintCfg := conn
	maintCfg.Database = "postgres"
	maintCfg.URI = ""
	mdb, err := sql.Open("postgres", maintCfg.ConnectionString())
	if err != nil {
		db.Close()
		return corefork.NewInvalidRequest("failed to open maintenance connection", err.Error())
	}
	mdb.SetMaxOpenConns(2)
	if err := mdb.PingContext(ctx); err != nil {
		db.Close()
		mdb.Close()
		return p.errHandler.WrapError(err, "connecting to maintenance database")
	}
	p.maintenanceDB = mdb

	logging.Debugf("postgres backend opened for database %s", conn.Database)
	return nil
}

func (p *PostgresBackend) Close() error {
	var firstErr error
	if p.tx != nil {
		_ = p.tx.Rollback()
		p.tx = nil
	}
	if p.defaultDB != nil {
		if err := p.defaultDB.Close(); err != nil {
			firstErr = err
		}
		p.defaultDB = nil
	}
	if p.maintenanceDB != nil {
		if err := p.maintenanceDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.maintenanceDB = nil
	}
	return firstErr
}

// Begin opens the dump/load transaction at REPEATABLE READ so every
// statement issued for the remainder of the run observes one snapshot.
func (p *PostgresBackend) Begin(ctx context.Context) error {
	tx, err := p.defaultDB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return p.errHandler.WrapError(err, "beginning repeatable-read transaction")
	}
	p.tx = tx
	return nil
}

func (p *PostgresBackend) Commit() error {
	if p.tx == nil {
		return nil
	}
	err := p.tx.Commit()
	p.tx = nil
	return err
}

func (p *PostgresBackend) Rollback() error {
	if p.tx == nil {
		return nil
	}
	err := p.tx.Rollback()
	p.tx = nil
	return err
}

func (p *PostgresBackend) queryer() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
} {
	if p.tx != nil {
		return p.tx
	}
	return p.defaultDB
}

func (p *PostgresBackend) execer() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if p.tx != nil {
		return p.tx
	}
	return p.defaultDB
}

func (p *PostgresBackend) Run(ctx context.Context, sqlText string, args ...any) (*ResultSet, error) {
	rows, err := p.queryer().QueryContext(ctx, sqlText, args...)
	if err != nil {
		// A statement with no result set (INSERT/UPDATE/DDL without
		// RETURNING) surfaces here as a driver error on some paths; treat it
		// as success with an empty ResultSet rather than propagating it.
		if strings.Contains(err.Error(), "no results to return") {
			return &ResultSet{}, nil
		}
		return nil, corefork.NewQueryError(sqlText, err)
	}
	defer rows.Close()
	return scanResultSet(rows)
}

func scanResultSet(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return &ResultSet{}, nil
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, vals)
	}
	return rs, rows.Err()
}

// RunMany replays a schema.sql/sequences.sql script. lib/pq's simple query
// protocol (used whenever Exec is called without bound parameters) accepts
// multiple ;-separated statements in a single round trip.
func (p *PostgresBackend) RunMany(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	_, err := p.execer().ExecContext(ctx, script)
	if err != nil {
		return corefork.NewQueryError("run_many", err)
	}
	return nil
}

// DumpSchema shells out to pg_dump and captures stdout into memory instead
// of piping it to pg_restore.
func (p *PostgresBackend) DumpSchema(ctx context.Context) ([]byte, error) {
	args := []string{
		"-h", p.cfg.Host, "-p", fmt.Sprintf("%d", p.cfg.Port), "-U", p.cfg.Username,
		"-d", p.cfg.Database, "-s", "-x", "-O", "--no-comments",
	}
	return p.runCaptured(ctx, "pg_dump", args)
}

// DumpSequences emits SELECT setval(...) statements for every sequence so
// load can restore sequence positions after data is repopulated.
func (p *PostgresBackend) DumpSequences(ctx context.Context) ([]byte, error) {
	rs, err := p.Run(ctx, `SELECT sequence_schema, sequence_name FROM information_schema.sequences WHERE sequence_schema NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, row := range rs.Rows {
		schema, _ := row[0].(string)
		name, _ := row[1].(string)
		full := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
		valRS, err := p.Run(ctx, fmt.Sprintf("SELECT last_value FROM %s", full))
		if err != nil || len(valRS.Rows) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "SELECT setval('%s', %v, true);\n", strings.ReplaceAll(full, "'", "''"), valRS.Rows[0][0])
	}
	return buf.Bytes(), nil
}

func (p *PostgresBackend) runCaptured(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if p.cfg.Password != "" {
		cmd.Env = append(os.Environ(), "PGPASSWORD="+p.cfg.Password)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, corefork.NewSubprocessError(name, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// CopyToCSV executes sqlText on the already-open transaction and serializes
// the result set to CSV in process. lib/pq does not expose the COPY TO
// wire-protocol fast path through database/sql (only COPY FROM, via
// pq.CopyIn), so reading the dump transaction's rows through Query and
// writing them out with encoding/csv is the only way to stay on the same
// snapshot that Begin opened — see DESIGN.md.
func (p *PostgresBackend) CopyToCSV(ctx context.Context, sqlText string, w io.Writer) error {
	rows, err := p.queryer().QueryContext(ctx, sqlText)
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

func stringifyCSVValue(v any) string {
	if v == nil {
		return ""
	}
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// csvFieldToArg is the inverse of stringifyCSVValue: an empty field was
// written for a NULL column, so it binds as nil rather than the literal
// empty string.
func csvFieldToArg(f string) any {
	if f == "" {
		return nil
	}
	return f
}

// CopyFromCSV uses pq.CopyIn, the one COPY fast path lib/pq exposes, to
// stream CSV rows into table via the PostgreSQL wire-protocol COPY FROM
// STDIN command rather than row-by-row INSERTs.
func (p *PostgresBackend) CopyFromCSV(ctx context.Context, table string, r io.Reader) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return corefork.NewQueryError("copy_from_csv header", err)
	}

	if p.tx == nil {
		return corefork.NewInvalidRequest("copy_from_csv requires an open transaction", table)
	}
	stmt, err := p.tx.PrepareContext(ctx, pq.CopyIn(table, header...))
	if err != nil {
		return corefork.NewQueryError("copy_from_csv prepare", err)
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			stmt.Close()
			return corefork.NewQueryError("copy_from_csv read", err)
		}
		args := make([]any, len(record))
		for i, f := range record {
			args[i] = csvFieldToArg(f)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return corefork.NewQueryError("copy_from_csv exec", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return corefork.NewQueryError("copy_from_csv flush", err)
	}
	return stmt.Close()
}

// ListForeignKeys queries pg_constraint directly instead of the
// information_schema views, which filter rows to those the connecting role
// owns or has been granted privileges on; pg_constraint exposes every FK
// regardless of ownership, so referential closure resolution sees the whole
// foreign-key graph rather than whatever subset the role can query.
func (p *PostgresBackend) ListForeignKeys(ctx context.Context, table string) ([]config.ForeignKeyDescriptor, error) {
	const q = `
SELECT
  att.attname AS column_name,
  ftbl.relname AS foreign_table,
  fatt.attname AS foreign_column,
  array_length(con.conkey, 1) AS key_count
FROM pg_constraint con
JOIN pg_class tbl ON tbl.oid = con.conrelid
JOIN pg_class ftbl ON ftbl.oid = con.confrelid
JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = con.conkey[1]
JOIN pg_attribute fatt ON fatt.attrelid = con.confrelid AND fatt.attnum = con.confkey[1]
WHERE con.contype = 'f' AND tbl.relname = $1
`
	rs, err := p.Run(ctx, q, table)
	if err != nil {
		return nil, err
	}
	descs := make([]config.ForeignKeyDescriptor, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		column, _ := row[0].(string)
		foreignTable, _ := row[1].(string)
		foreignColumn, _ := row[2].(string)
		keyCount, _ := row[3].(int64)
		descs = append(descs, config.ForeignKeyDescriptor{
			Table:         table,
			Column:        column,
			ForeignTable:  foreignTable,
			ForeignColumn: foreignColumn,
			CompositeWarn: keyCount > 1,
		})
	}
	return descs, nil
}

// ListTables excludes system schemas and spans every user schema rather
// than hard-coding "public".
func (p *PostgresBackend) ListTables(ctx context.Context) ([]string, error) {
	rs, err := p.Run(ctx, `SELECT tablename FROM pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema') ORDER BY tablename`)
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

// DropConnections terminates every other backend on dbName, grounded on the
// teacher's internal/db/connection.go TerminateAllConnections.
func (p *PostgresBackend) DropConnections(ctx context.Context, dbName string) error {
	_, err := p.maintenanceDB.ExecContext(ctx, `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = $1 AND pid <> pg_backend_pid()`, dbName)
	return err
}

// DropDatabase retries on "object in use"/"too many connections", since a
// just-terminated backend can take a moment to release its slot.
func (p *PostgresBackend) DropDatabase(ctx context.Context, dbName string) error {
	return p.errHandler.RetryWithExponentialBackoff(func() error {
		_, err := p.maintenanceDB.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(dbName)))
		return err
	}, "drop database "+dbName)
}

func (p *PostgresBackend) CreateDatabase(ctx context.Context, dbName, owner string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if owner != "" {
		stmt += fmt.Sprintf(" OWNER %s", pq.QuoteIdentifier(owner))
	}
	return p.errHandler.RetryWithExponentialBackoff(func() error {
		_, err := p.maintenanceDB.ExecContext(ctx, stmt)
		return err
	}, "create database "+dbName)
}

func (p *PostgresBackend) TruncateAll(ctx context.Context) error {
	tables, err := p.ListTables(ctx)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = pq.QuoteIdentifier(t)
	}
	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(quoted, ", "))
	return p.RunMany(ctx, stmt)
}

func (p *PostgresBackend) RecreateDatabase(ctx context.Context, dbName, owner string) error {
	if err := p.DropConnections(ctx, dbName); err != nil {
		return err
	}
	if err := p.DropDatabase(ctx, dbName); err != nil {
		return err
	}
	return p.CreateDatabase(ctx, dbName, owner)
}
