//go:build integration || e2e

package main

import (
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/config"

	_ "github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
)

// TestConfig holds configuration for test environments
type TestConfig struct {
	PostgreSQLVersion string
	DatabaseName      string
	Username          string
	Password          string
	Host              string
	Port              string
}

// DefaultTestConfig returns default configuration for testing
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		PostgreSQLVersion: "13-alpine",
		DatabaseName:      "testdb",
		Username:          "testuser",
		Password:          "testpass",
		Host:              "localhost",
	}
}

// TestEnvironment represents a running PostgreSQL instance for dump/load tests
type TestEnvironment struct {
	Pool     *dockertest.Pool
	Resource *dockertest.Resource
	Config   *TestConfig
	DB       *sql.DB
}

// SetupTestEnvironment creates a test PostgreSQL instance using Docker
func SetupTestEnvironment(t *testing.T) (*TestEnvironment, func()) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests - Docker not available")
	}

	testConfig := DefaultTestConfig()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("Could not connect to docker: %s - skipping integration test", err)
		return nil, nil
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        testConfig.PostgreSQLVersion,
		Env: []string{
			"POSTGRES_PASSWORD=" + testConfig.Password,
			"POSTGRES_USER=" + testConfig.Username,
			"POSTGRES_DB=" + testConfig.DatabaseName,
			"listen_addresses = '*'",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Skipf("Could not start postgres container: %s - skipping integration test", err)
		return nil, nil
	}

	testConfig.Host = "localhost"
	testConfig.Port = resource.GetPort("5432/tcp")

	cleanup := func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("Could not purge resource: %s", err)
		}
	}

	pool.MaxWait = 120 * time.Second
	var db *sql.DB
	if err := pool.Retry(func() error {
		var err error
		db, err = sql.Open("postgres", fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable", // pragma: allowlist secret
			testConfig.Username, testConfig.Password, testConfig.Host, testConfig.Port, testConfig.DatabaseName,
		))
		if err != nil {
			return err
		}
		return db.Ping()
	}); err != nil {
		cleanup()
		t.Skipf("Could not connect to postgres container: %s - skipping integration test", err)
		return nil, nil
	}

	return &TestEnvironment{Pool: pool, Resource: resource, Config: testConfig, DB: db}, cleanup
}

// CreateTestDatabase creates a database in the test environment
func (te *TestEnvironment) CreateTestDatabase(t *testing.T, dbName string) {
	_, err := te.DB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
}

// openDB opens a raw *sql.DB against one database in the test environment,
// used only to seed fixture data ahead of a dump.Run call.
func (te *TestEnvironment) openDB(t *testing.T, dbName string) *sql.DB {
	db, err := sql.Open("postgres", fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable", // pragma: allowlist secret
		te.Config.Username, te.Config.Password, te.Config.Host, te.Config.Port, dbName,
	))
	require.NoError(t, err)
	return db
}

// SeedUsersAndOrders creates a users/orders pair with a foreign key from
// orders.user_id to users.id, used to exercise referential-closure dumps.
func (te *TestEnvironment) SeedUsersAndOrders(t *testing.T, dbName string, userCount, orderCount int) {
	db := te.openDB(t, dbName)
	defer func() { _ = db.Close() }()

	_, err := db.Exec(`
		CREATE TABLE users (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100),
			email VARCHAR(100)
		)`)
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE orders (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			amount NUMERIC(10,2)
		)`)
	require.NoError(t, err)

	for i := 1; i <= userCount; i++ {
		_, err = db.Exec(`INSERT INTO users (name, email) VALUES ($1, $2)`,
			fmt.Sprintf("User %d", i), fmt.Sprintf("user%d@example.com", i))
		require.NoError(t, err)
	}
	for i := 1; i <= orderCount; i++ {
		userID := (i % userCount) + 1
		_, err = db.Exec(`INSERT INTO orders (user_id, amount) VALUES ($1, $2)`, userID, float64(i)*1.5)
		require.NoError(t, err)
	}
}

// ConnParams returns connection parameters for dbName in the test environment.
func (te *TestEnvironment) ConnParams(dbName string) config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:     te.Config.Host,
		Port:     parsePort(te.Config.Port),
		Username: te.Config.Username,
		Password: te.Config.Password,
		Database: dbName,
		SSLMode:  "disable",
	}
}

// AssertRowCount checks the number of rows in a table of dbName.
func (te *TestEnvironment) AssertRowCount(t *testing.T, dbName, tableName string, expectedCount int) {
	db := te.openDB(t, dbName)
	defer func() { _ = db.Close() }()

	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, expectedCount, count, "table %s should have %d rows", tableName, expectedCount)
}

// AssertDatabaseExists checks if a database exists on the shared admin connection.
func (te *TestEnvironment) AssertDatabaseExists(t *testing.T, dbName string) {
	var exists bool
	err := te.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists, "database %s should exist", dbName)
}

func parsePort(portStr string) int {
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 5432
	}
	return port
}
