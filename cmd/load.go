package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/load"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a zip archive into a database",
	Long: `Load a zip archive produced by "dbsnap dump" into a PostgreSQL or SQLite
database.

The cleanup strategy controls what happens to the destination before the
archive's data is imported:
  recreate - drop and recreate the destination database, then replay schema.sql
  truncate - truncate every existing table, keep the destination's own schema
  skip     - assume the destination already has the right schema, load data only

Examples:
  # Recreate the destination database from a full dump
  dbsnap load --engine postgres --target-db myapp_dev --input snapshot.zip --cleanup recreate

  # Load into an already-migrated staging database
  dbsnap load --target-db myapp_staging --input recent.zip --cleanup truncate

  # SQLite
  dbsnap load --engine sqlite --target-path ./restored.db --input snapshot.zip --cleanup recreate

  # Dry run to preview what would be loaded
  dbsnap load --target-db myapp_dev --input snapshot.zip --dry-run

  # Skip the destructive-cleanup confirmation prompt (scripting/CI)
  dbsnap load --target-db myapp_dev --input snapshot.zip --cleanup recreate --yes

  # Prompt for the cleanup strategy instead of passing --cleanup
  dbsnap load --target-db myapp_dev --input snapshot.zip --interactive`,
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().String("engine", "postgres", "Database engine: postgres or sqlite")

	loadCmd.Flags().String("target-host", "localhost", "Destination database host")
	loadCmd.Flags().Int("target-port", 5432, "Destination database port")
	loadCmd.Flags().String("target-user", "", "Destination database username")
	loadCmd.Flags().String("target-password", "", "Destination database password")
	loadCmd.Flags().String("target-db", "", "Destination database name (PostgreSQL)")
	loadCmd.Flags().String("target-sslmode", "prefer", "Destination database SSL mode")
	loadCmd.Flags().String("target-uri", "", "Destination database connection URI (PostgreSQL, overrides host/port/user/etc)")
	loadCmd.Flags().String("target-path", "", "Destination database file path (SQLite)")

	loadCmd.Flags().String("input", "", "Input archive path (required)")
	loadCmd.Flags().String("cleanup", "recreate", "Cleanup strategy: recreate, truncate, or skip")
	loadCmd.Flags().Duration("timeout", 30*time.Minute, "Operation timeout")

	loadCmd.Flags().String("output-format", "text", "Output format: text or json")
	loadCmd.Flags().Bool("quiet", false, "Suppress all output except errors and final result")
	loadCmd.Flags().Bool("dry-run", false, "Preview what would be loaded without making changes")
	loadCmd.Flags().Bool("yes", false, "Skip the interactive confirmation before a recreate/truncate cleanup")
	loadCmd.Flags().Bool("interactive", false, "Prompt for cleanup strategy instead of requiring --cleanup")
	loadCmd.Flags().StringToString("template-var", map[string]string{}, "Template variables")
	loadCmd.Flags().StringSlice("pre-load-hook", []string{}, "Shell command(s) to run before loading")
	loadCmd.Flags().StringSlice("post-load-hook", []string{}, "Shell command(s) to run after a successful load")
	loadCmd.Flags().StringSlice("on-load-error-hook", []string{}, "Shell command(s) to run if the load fails")

	bindFlag("load.engine", loadCmd.Flags().Lookup("engine"))
	bindFlag("load.target.host", loadCmd.Flags().Lookup("target-host"))
	bindFlag("load.target.port", loadCmd.Flags().Lookup("target-port"))
	bindFlag("load.target.username", loadCmd.Flags().Lookup("target-user"))
	bindFlag("load.target.password", loadCmd.Flags().Lookup("target-password"))
	bindFlag("load.target.database", loadCmd.Flags().Lookup("target-db"))
	bindFlag("load.target.sslmode", loadCmd.Flags().Lookup("target-sslmode"))
	bindFlag("load.target.uri", loadCmd.Flags().Lookup("target-uri"))
	bindFlag("load.target.path", loadCmd.Flags().Lookup("target-path"))
	bindFlag("load.input", loadCmd.Flags().Lookup("input"))
	bindFlag("load.cleanup", loadCmd.Flags().Lookup("cleanup"))
	bindFlag("load.timeout", loadCmd.Flags().Lookup("timeout"))
	bindFlag("load.output_format", loadCmd.Flags().Lookup("output-format"))
	bindFlag("load.quiet", loadCmd.Flags().Lookup("quiet"))
	bindFlag("load.dry_run", loadCmd.Flags().Lookup("dry-run"))
}

func runLoad(cmd *cobra.Command, args []string) error {
	req := &config.LoadRequest{}
	req.LoadFromEnvironment()

	if cmd.Flags().Changed("engine") || req.Engine == "" {
		engine, _ := cmd.Flags().GetString("engine")
		req.Engine = config.Engine(engine)
	}

	if cmd.Flags().Changed("target-uri") || req.ConnParams.URI == "" {
		req.ConnParams.URI = viper.GetString("load.target.uri")
	}
	if cmd.Flags().Changed("target-path") || req.ConnParams.Path == "" {
		req.ConnParams.Path = viper.GetString("load.target.path")
	}
	if req.ConnParams.URI == "" && req.ConnParams.Path == "" {
		if cmd.Flags().Changed("target-host") || req.ConnParams.Host == "" {
			req.ConnParams.Host = viper.GetString("load.target.host")
		}
		if cmd.Flags().Changed("target-port") || req.ConnParams.Port == 0 {
			req.ConnParams.Port = viper.GetInt("load.target.port")
		}
		if cmd.Flags().Changed("target-user") || req.ConnParams.Username == "" {
			req.ConnParams.Username = viper.GetString("load.target.username")
		}
		if cmd.Flags().Changed("target-password") || req.ConnParams.Password == "" {
			req.ConnParams.Password = viper.GetString("load.target.password")
		}
		if cmd.Flags().Changed("target-db") || req.ConnParams.Database == "" {
			req.ConnParams.Database = viper.GetString("load.target.database")
		}
		if cmd.Flags().Changed("target-sslmode") || req.ConnParams.SSLMode == "" {
			req.ConnParams.SSLMode = viper.GetString("load.target.sslmode")
		}
	}

	if cmd.Flags().Changed("input") || req.InputPath == "" {
		req.InputPath = viper.GetString("load.input")
	}
	if cmd.Flags().Changed("cleanup") || req.Cleanup == "" {
		req.Cleanup = config.CleanupMode(viper.GetString("load.cleanup"))
	}

	interactive, _ := cmd.Flags().GetBool("interactive")
	if interactive && !cmd.Flags().Changed("cleanup") {
		cleanup, err := promptCleanupMode()
		if err != nil {
			return outputLoadResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet, err)
		}
		req.Cleanup = cleanup
	}
	if cmd.Flags().Changed("timeout") || req.Timeout == 0 {
		req.Timeout = viper.GetDuration("load.timeout")
	}

	if cmd.Flags().Changed("output-format") || req.OutputFormat == "" {
		req.OutputFormat = viper.GetString("load.output_format")
	}
	if cmd.Flags().Changed("quiet") {
		req.Quiet = viper.GetBool("load.quiet")
	}
	if cmd.Flags().Changed("dry-run") {
		req.DryRun = viper.GetBool("load.dry_run")
	}
	req.TemplateVars, _ = cmd.Flags().GetStringToString("template-var")

	req.Hooks.PreLoad, _ = cmd.Flags().GetStringSlice("pre-load-hook")
	req.Hooks.PostLoad, _ = cmd.Flags().GetStringSlice("post-load-hook")
	req.Hooks.OnLoadErr, _ = cmd.Flags().GetStringSlice("on-load-error-hook")

	if req.InputPath == "" {
		return outputLoadResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet,
			corefork.NewInvalidRequest("--input is required", ""))
	}

	skipConfirm, _ := cmd.Flags().GetBool("yes")
	if !skipConfirm && !req.Quiet && !req.DryRun && req.OutputFormat != "json" {
		if (req.Cleanup == config.CleanupRecreate || req.Cleanup == config.CleanupTruncate) && !confirmCleanup(req) {
			return outputLoadResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet, fmt.Errorf("load aborted by user"))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	result, err := load.Run(ctx, req)
	return outputLoadResult(result, req.Quiet, err)
}

// promptCleanupMode asks the operator to pick a cleanup strategy
// interactively.
func promptCleanupMode() (config.CleanupMode, error) {
	options := []string{string(config.CleanupRecreate), string(config.CleanupTruncate), string(config.CleanupSkip)}
	var choice string
	prompt := &survey.Select{
		Message: "Cleanup strategy for the destination before loading:",
		Options: options,
		Default: string(config.CleanupRecreate),
	}
	if err := survey.AskOne(prompt, &choice); err != nil {
		return "", fmt.Errorf("cleanup mode selection cancelled: %w", err)
	}
	return config.CleanupMode(choice), nil
}

// confirmCleanup asks the operator to confirm a destructive cleanup before
// it runs against the target database. Skipped entirely with --yes, in
// --quiet or --dry-run mode, or when output-format is json (automation).
func confirmCleanup(req *config.LoadRequest) bool {
	target := req.ConnParams.Database
	if req.Engine == config.EngineSQLite {
		target = req.ConnParams.Path
	}

	var message string
	switch req.Cleanup {
	case config.CleanupRecreate:
		message = fmt.Sprintf("This will DROP and recreate %q before loading. Continue?", target)
	case config.CleanupTruncate:
		message = fmt.Sprintf("This will TRUNCATE every existing table in %q before loading. Continue?", target)
	default:
		return true
	}

	confirmed := false
	prompt := &survey.Confirm{Message: message, Default: false}
	if err := survey.AskOne(prompt, &confirmed); err != nil {
		return false
	}
	return confirmed
}

func outputLoadResult(result *config.OutputResult, quiet bool, err error) error {
	if result == nil {
		result = &config.OutputResult{}
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	}

	if result.Format == "json" {
		jsonOutput, marshalErr := json.MarshalIndent(result, "", "  ")
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal JSON output: %w", marshalErr)
		}
		fmt.Println(string(jsonOutput))
	} else if !quiet {
		if result.Success {
			fmt.Printf("load: %s\n", result.Message)
		} else {
			fmt.Fprintf(os.Stderr, "load failed: %s\n", result.Error)
		}
	}

	if !result.Success {
		os.Exit(exitCode(err))
	}
	return nil
}
