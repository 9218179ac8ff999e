package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
)

func newMockPostgresBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresBackend{
		defaultDB:  db,
		cfg:        config.DatabaseConfig{Database: "testdb"},
		errHandler: corefork.NewErrorHandler(corefork.DefaultRetryConfig(), "postgres backend test"),
	}, mock
}

func TestStringifyCSVValue(t *testing.T) {
	assert.Equal(t, "", stringifyCSVValue(nil))
	assert.Equal(t, "hello", stringifyCSVValue([]byte("hello")))
	assert.Equal(t, "42", stringifyCSVValue(42))
}

func TestCsvFieldToArg(t *testing.T) {
	assert.Nil(t, csvFieldToArg(""))
	assert.Equal(t, "hello", csvFieldToArg("hello"))
	assert.Equal(t, "0", csvFieldToArg("0"))
}

func TestPostgresBackend_ListTables(t *testing.T) {
	p, mock := newMockPostgresBackend(t)

	mock.ExpectQuery(`SELECT tablename FROM pg_tables`).
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("accounts").AddRow("orders"))

	tables, err := p.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "orders"}, tables)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_CopyToCSV(t *testing.T) {
	p, mock := newMockPostgresBackend(t)

	mock.ExpectQuery(`SELECT id, name FROM accounts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "alice").
			AddRow(2, nil))

	var buf strings.Builder
	err := p.CopyToCSV(context.Background(), "SELECT id, name FROM accounts", &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "id,name")
	assert.Contains(t, out, "1,alice")
	assert.Contains(t, out, "2,")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Run_WrapsDriverErrorAsQueryError(t *testing.T) {
	p, mock := newMockPostgresBackend(t)

	mock.ExpectQuery(`UPDATE accounts SET balance = 0`).
		WillReturnError(assert.AnError)

	_, err := p.Run(context.Background(), "UPDATE accounts SET balance = 0")
	require.Error(t, err)
	var de *corefork.DBSnapError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, corefork.QueryError, de.Type)
}

func TestPostgresBackend_DropDatabase_RetriesOnTransientConnectError(t *testing.T) {
	maintDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer maintDB.Close()

	p := &PostgresBackend{
		maintenanceDB: maintDB,
		errHandler: corefork.NewErrorHandler(corefork.RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    0,
			MaxDelay:        0,
			BackoffFactor:   1,
			RetryableErrors: []corefork.ErrorType{corefork.ConnectError},
		}, "drop database test"),
	}

	mock.ExpectExec(`DROP DATABASE IF EXISTS "scratch"`).
		WillReturnError(errConnectionTimeout{})
	mock.ExpectExec(`DROP DATABASE IF EXISTS "scratch"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.DropDatabase(context.Background(), "scratch"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// errConnectionTimeout exercises classifyError's "connection"+timeout string
// match (retryable, 5s) without needing a real *pq.Error.
type errConnectionTimeout struct{}

func (e errConnectionTimeout) Error() string { return "connection timeout" }

func TestSQLiteBackend_ListTablesAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.db")

	s := NewSQLiteBackend()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, config.DatabaseConfig{Path: path}))
	defer s.Close()

	require.NoError(t, s.RunMany(ctx, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, parent_id INTEGER)"))

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.CopyFromCSV(ctx, "widgets", strings.NewReader("id,name,parent_id\n1,gear,\n2,cog,1\n")))
	require.NoError(t, s.Commit())

	tables, err := s.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, tables)

	var buf strings.Builder
	require.NoError(t, s.CopyToCSV(ctx, "SELECT id, name, parent_id FROM widgets ORDER BY id", &buf))
	assert.Equal(t, "id,name,parent_id\n1,gear,\n2,cog,1\n", buf.String())

	require.NoError(t, s.DropDatabase(ctx, path))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSQLiteBackend_DropDatabase_MissingFileIsNotError(t *testing.T) {
	s := NewSQLiteBackend()
	s.path = filepath.Join(t.TempDir(), "never-existed.db")
	require.NoError(t, s.DropDatabase(context.Background(), s.path))
}

func TestRegistry_New(t *testing.T) {
	pg, err := New(config.EnginePostgres)
	require.NoError(t, err)
	assert.Equal(t, config.EnginePostgres, pg.Engine())

	lite, err := New(config.EngineSQLite)
	require.NoError(t, err)
	assert.Equal(t, config.EngineSQLite, lite.Engine())

	_, err = New(config.Engine("mysql"))
	require.Error(t, err)
}

func TestRegistry_Supported(t *testing.T) {
	engines := Supported()
	assert.Contains(t, engines, config.EnginePostgres)
	assert.Contains(t, engines, config.EngineSQLite)
}
