package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/dbsnap/internal/corefork"
)

func TestDumpCmdFlags(t *testing.T) {
	expectedFlags := []string{
		"engine", "source-host", "source-port", "source-user", "source-password",
		"source-db", "source-sslmode", "source-uri", "source-path",
		"full", "partial", "output", "compression", "schema", "data", "timeout",
		"output-format", "quiet", "dry-run", "interactive", "template-var",
	}
	for _, flagName := range expectedFlags {
		flag := dumpCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "flag %s should exist", flagName)
	}
}

func TestParsePartialFlags(t *testing.T) {
	t.Run("table:SQL parses with first-colon separator", func(t *testing.T) {
		got, err := parsePartialFlags([]string{"orders:SELECT * FROM orders WHERE created_at > '2024-01-01'"})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM orders WHERE created_at > '2024-01-01'", got["orders"])
	})

	t.Run("additional colons in the SQL stay on the value side", func(t *testing.T) {
		got, err := parsePartialFlags([]string{"events:SELECT * FROM events WHERE payload->>'kind' = 'x:y'"})
		require.NoError(t, err)
		assert.Equal(t, `SELECT * FROM events WHERE payload->>'kind' = 'x:y'`, got["events"])
	})

	t.Run("surrounding whitespace is trimmed on both sides", func(t *testing.T) {
		got, err := parsePartialFlags([]string{" orders : SELECT 1 "})
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1", got["orders"])
	})

	t.Run("missing colon is a malformed spec", func(t *testing.T) {
		_, err := parsePartialFlags([]string{"orders SELECT 1"})
		require.Error(t, err)
		var de *corefork.DBSnapError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, corefork.InvalidRequest, de.Type)
	})

	t.Run("empty left side is invalid", func(t *testing.T) {
		_, err := parsePartialFlags([]string{":SELECT 1"})
		require.Error(t, err)
		var de *corefork.DBSnapError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, corefork.InvalidRequest, de.Type)
	})

	t.Run("no args returns an empty map", func(t *testing.T) {
		got, err := parsePartialFlags(nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(corefork.NewInvalidRequest("bad input", "")))
	assert.Equal(t, 1, exitCode(corefork.NewQueryError("SELECT 1", assert.AnError)))
	assert.Equal(t, 1, exitCode(nil))
}
