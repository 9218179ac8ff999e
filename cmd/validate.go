package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"

	"github.com/spf13/cobra"
)

// ValidationResult represents the result of a single validation check
type ValidationResult struct {
	Check   string `json:"check"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ValidateOutput represents the complete validation output
type ValidateOutput struct {
	Format   string             `json:"format"`
	Success  bool               `json:"success"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
	Results  []ValidationResult `json:"results"`
	Duration string             `json:"duration"`
}

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and database connectivity",
	Long: `Validate a dump or load configuration and test database connectivity before
running the actual operation.

By default both the source (dump) and target (load) connection parameters
are checked, whichever of --source-* / --target-* are supplied. Use --mode
to restrict the check to one side.

Examples:
  # Validate a source connection
  dbsnap validate --mode dump --source-host localhost --source-db myapp

  # Validate a target connection
  dbsnap validate --mode load --target-db myapp_dev

  # JSON output for CI/CD
  dbsnap validate --source-db myapp --output-format json`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().String("mode", "", "Restrict validation to one side: dump or load (default: both supplied)")
	validateCmd.Flags().String("engine", "postgres", "Database engine: postgres or sqlite")

	validateCmd.Flags().String("source-host", "localhost", "Source database host")
	validateCmd.Flags().Int("source-port", 5432, "Source database port")
	validateCmd.Flags().String("source-user", "", "Source database username")
	validateCmd.Flags().String("source-password", "", "Source database password")
	validateCmd.Flags().String("source-db", "", "Source database name")
	validateCmd.Flags().String("source-sslmode", "prefer", "Source database SSL mode")
	validateCmd.Flags().String("source-path", "", "Source database file path (SQLite)")

	validateCmd.Flags().String("target-host", "localhost", "Target database host")
	validateCmd.Flags().Int("target-port", 5432, "Target database port")
	validateCmd.Flags().String("target-user", "", "Target database username")
	validateCmd.Flags().String("target-password", "", "Target database password")
	validateCmd.Flags().String("target-db", "", "Target database name")
	validateCmd.Flags().String("target-sslmode", "prefer", "Target database SSL mode")
	validateCmd.Flags().String("target-path", "", "Target database file path (SQLite)")

	validateCmd.Flags().Bool("quick", false, "Only test basic connectivity (skip table listing)")
	validateCmd.Flags().String("output-format", "text", "Output format: text or json")
	validateCmd.Flags().Bool("quiet", false, "Only output errors and final result")
}

func runValidate(cmd *cobra.Command, args []string) error {
	start := time.Now()

	outputFormat, _ := cmd.Flags().GetString("output-format")
	quiet, _ := cmd.Flags().GetBool("quiet")
	quick, _ := cmd.Flags().GetBool("quick")
	mode, _ := cmd.Flags().GetString("mode")
	engine, _ := cmd.Flags().GetString("engine")
	ctx := context.Background()

	var results []ValidationResult

	checkSource := mode == "" || mode == "dump"
	checkTarget := mode == "" || mode == "load"

	if checkSource {
		conn := connParamsFromFlags(cmd, "source-host", "source-port", "source-user", "source-password", "source-db", "source-sslmode", "source-path")
		results = append(results, validateConnection(ctx, "source", config.Engine(engine), conn, quick)...)
	}
	if checkTarget {
		conn := connParamsFromFlags(cmd, "target-host", "target-port", "target-user", "target-password", "target-db", "target-sslmode", "target-path")
		results = append(results, validateConnection(ctx, "target", config.Engine(engine), conn, quick)...)
	}

	success := true
	var failedChecks []string
	for _, result := range results {
		if result.Status == "fail" {
			success = false
			failedChecks = append(failedChecks, result.Check)
		}
	}

	output := &ValidateOutput{
		Format:   outputFormat,
		Success:  success,
		Results:  results,
		Duration: time.Since(start).String(),
	}
	if success {
		output.Message = "All validation checks passed"
	} else {
		output.Error = fmt.Sprintf("validation failed: %v", failedChecks)
	}

	return outputValidationResult(output, quiet)
}

func connParamsFromFlags(cmd *cobra.Command, hostFlag, portFlag, userFlag, passFlag, dbFlag, sslFlag, pathFlag string) config.DatabaseConfig {
	host, _ := cmd.Flags().GetString(hostFlag)
	port, _ := cmd.Flags().GetInt(portFlag)
	user, _ := cmd.Flags().GetString(userFlag)
	pass, _ := cmd.Flags().GetString(passFlag)
	db, _ := cmd.Flags().GetString(dbFlag)
	ssl, _ := cmd.Flags().GetString(sslFlag)
	path, _ := cmd.Flags().GetString(pathFlag)
	return config.DatabaseConfig{
		Host: host, Port: port, Username: user, Password: pass,
		Database: db, SSLMode: ssl, Path: path,
	}
}

// validateConnection opens (and immediately closes) a Backend against conn
// and, unless quick is set, lists its tables to confirm read access.
func validateConnection(ctx context.Context, label string, engine config.Engine, conn config.DatabaseConfig, quick bool) []ValidationResult {
	var results []ValidationResult

	if conn.Database == "" && conn.Path == "" {
		results = append(results, ValidationResult{
			Check:   label + "_configured",
			Status:  "warn",
			Message: fmt.Sprintf("%s database/path not specified, skipping", label),
		})
		return results
	}

	b, err := backend.New(engine)
	if err != nil {
		results = append(results, ValidationResult{
			Check:   label + "_engine",
			Status:  "fail",
			Message: fmt.Sprintf("no backend registered for engine %q", engine),
			Details: err.Error(),
		})
		return results
	}

	if err := b.Open(ctx, conn); err != nil {
		results = append(results, ValidationResult{
			Check:   label + "_connectivity",
			Status:  "fail",
			Message: fmt.Sprintf("cannot connect to %s database", label),
			Details: err.Error(),
		})
		return results
	}
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Printf("Warning: failed to close %s connection: %v\n", label, err)
		}
	}()

	results = append(results, ValidationResult{
		Check:   label + "_connectivity",
		Status:  "pass",
		Message: fmt.Sprintf("%s database connection successful", label),
	})

	if quick {
		return results
	}

	tables, err := b.ListTables(ctx)
	if err != nil {
		results = append(results, ValidationResult{
			Check:   label + "_list_tables",
			Status:  "warn",
			Message: fmt.Sprintf("cannot list tables on %s database", label),
			Details: err.Error(),
		})
		return results
	}

	results = append(results, ValidationResult{
		Check:   label + "_list_tables",
		Status:  "pass",
		Message: fmt.Sprintf("%s database has %d table(s)", label, len(tables)),
	})

	return results
}

// outputValidationResult outputs the validation result in the specified format
func outputValidationResult(output *ValidateOutput, quiet bool) error {
	if output.Format == "json" {
		jsonOutput, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON output: %w", err)
		}
		fmt.Println(string(jsonOutput))
	} else if !quiet {
		if output.Success {
			fmt.Printf("OK: %s\n", output.Message)
		} else {
			fmt.Printf("FAIL: %s\n", output.Error)
		}

		fmt.Println("\nValidation Results:")
		for _, result := range output.Results {
			fmt.Printf("  [%s] %s: %s\n", result.Status, result.Check, result.Message)
			if result.Details != "" && result.Status != "pass" {
				fmt.Printf("      Details: %s\n", result.Details)
			}
		}
		fmt.Printf("\nValidation completed in %s\n", output.Duration)
	} else {
		if output.Success {
			fmt.Println("PASS")
		} else {
			fmt.Printf("FAIL: %s\n", output.Error)
		}
	}

	if !output.Success {
		os.Exit(1)
	}
	return nil
}
