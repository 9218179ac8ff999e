//go:build e2e

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/dump"
	"github.com/hongkongkiwi/dbsnap/internal/load"

	"github.com/stretchr/testify/require"
)

// TestE2E_FullDumpLoadRoundTrip dumps every table of a source database and
// loads the resulting archive into a freshly recreated target database,
// against a real PostgreSQL instance.
func TestE2E_FullDumpLoadRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	env, cleanup := SetupTestEnvironment(t)
	if env == nil {
		return
	}
	defer cleanup()

	sourceDB := "e2e_source"
	targetDB := "e2e_target"
	env.CreateTestDatabase(t, sourceDB)
	env.SeedUsersAndOrders(t, sourceDB, 20, 40)

	archivePath := filepath.Join(t.TempDir(), "full.zip")

	dumpReq := &config.DumpRequest{
		Engine:        config.EnginePostgres,
		ConnParams:    env.ConnParams(sourceDB),
		OutputPath:    archivePath,
		FullTables:    []string{"users", "orders"},
		Compression:   config.CompressionDeflated,
		IncludeSchema: true,
		IncludeData:   true,
		OutputFormat:  "text",
		Timeout:       2 * time.Minute,
	}
	_, err := dump.Run(context.Background(), dumpReq)
	require.NoError(t, err)
	_, err = os.Stat(archivePath)
	require.NoError(t, err)

	loadReq := &config.LoadRequest{
		Engine:       config.EnginePostgres,
		ConnParams:   env.ConnParams(targetDB),
		InputPath:    archivePath,
		Cleanup:      config.CleanupRecreate,
		OutputFormat: "text",
		Timeout:      2 * time.Minute,
	}
	_, err = load.Run(context.Background(), loadReq)
	require.NoError(t, err)

	env.AssertDatabaseExists(t, targetDB)
	env.AssertRowCount(t, targetDB, "users", 20)
	env.AssertRowCount(t, targetDB, "orders", 40)
}

// TestE2E_PartialDumpClosesForeignKeys dumps a row-filtered subset of
// "orders" and verifies the expansion pulls in every "users" row the
// filtered orders reference, then confirms the loaded target only contains
// that closure, not the full source.
func TestE2E_PartialDumpClosesForeignKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	env, cleanup := SetupTestEnvironment(t)
	if env == nil {
		return
	}
	defer cleanup()

	sourceDB := "e2e_partial_source"
	targetDB := "e2e_partial_target"
	env.CreateTestDatabase(t, sourceDB)
	env.SeedUsersAndOrders(t, sourceDB, 20, 40)

	archivePath := filepath.Join(t.TempDir(), "partial.zip")

	dumpReq := &config.DumpRequest{
		Engine:     config.EnginePostgres,
		ConnParams: env.ConnParams(sourceDB),
		OutputPath: archivePath,
		PartialTables: map[string]string{
			"orders": "SELECT * FROM orders WHERE id <= 5",
		},
		Compression:   config.CompressionDeflated,
		IncludeSchema: true,
		IncludeData:   true,
		OutputFormat:  "text",
		Timeout:       2 * time.Minute,
	}
	_, err := dump.Run(context.Background(), dumpReq)
	require.NoError(t, err)

	loadReq := &config.LoadRequest{
		Engine:       config.EnginePostgres,
		ConnParams:   env.ConnParams(targetDB),
		InputPath:    archivePath,
		Cleanup:      config.CleanupRecreate,
		OutputFormat: "text",
		Timeout:      2 * time.Minute,
	}
	_, err = load.Run(context.Background(), loadReq)
	require.NoError(t, err)

	env.AssertRowCount(t, targetDB, "orders", 5)
	// orders 1..5 reference users 2,3,4,5,6 (userID = i%20+1) — all distinct.
	env.AssertRowCount(t, targetDB, "users", 5)
}

// TestE2E_SchemaOnlyDump dumps only schema.sql, then loads it into an empty
// target and confirms tables exist with zero rows.
func TestE2E_SchemaOnlyDump(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	env, cleanup := SetupTestEnvironment(t)
	if env == nil {
		return
	}
	defer cleanup()

	sourceDB := "e2e_schema_source"
	targetDB := "e2e_schema_target"
	env.CreateTestDatabase(t, sourceDB)
	env.SeedUsersAndOrders(t, sourceDB, 10, 10)

	archivePath := filepath.Join(t.TempDir(), "schema.zip")

	dumpReq := &config.DumpRequest{
		Engine:        config.EnginePostgres,
		ConnParams:    env.ConnParams(sourceDB),
		OutputPath:    archivePath,
		FullTables:    []string{"users", "orders"},
		Compression:   config.CompressionStored,
		IncludeSchema: true,
		IncludeData:   false,
		OutputFormat:  "text",
		Timeout:       2 * time.Minute,
	}
	_, err := dump.Run(context.Background(), dumpReq)
	require.NoError(t, err)

	loadReq := &config.LoadRequest{
		Engine:       config.EnginePostgres,
		ConnParams:   env.ConnParams(targetDB),
		InputPath:    archivePath,
		Cleanup:      config.CleanupRecreate,
		OutputFormat: "text",
		Timeout:      2 * time.Minute,
	}
	_, err = load.Run(context.Background(), loadReq)
	require.NoError(t, err)

	env.AssertRowCount(t, targetDB, "users", 0)
	env.AssertRowCount(t, targetDB, "orders", 0)
}
