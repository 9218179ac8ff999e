package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/corefork"
	"github.com/hongkongkiwi/dbsnap/internal/dump"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump a database to a zip archive",
	Long: `Dump a PostgreSQL or SQLite database to a portable zip archive containing
schema.sql, sequences.sql (PostgreSQL only), and one data/<table>.csv per
exported table.

Tables passed via --full are exported in their entirety. Tables passed via
--partial are exported using the given row-filtering SQL query, and dbsnap
automatically expands that selection across foreign keys so the restored
database stays referentially consistent.

Environment Variables (DBSNAP_ prefix):
  DBSNAP_SOURCE_HOST, DBSNAP_SOURCE_PORT, DBSNAP_SOURCE_USER,
  DBSNAP_SOURCE_PASSWORD, DBSNAP_SOURCE_DATABASE, DBSNAP_ENGINE
  DBSNAP_VAR_* variables can be used in --output templates

Template Variables:
  {{.PR_NUMBER}}, {{.BRANCH}}, {{.COMMIT_SHORT}} and any custom
  --template-var or DBSNAP_VAR_* variable

Examples:
  # Full dump of a PostgreSQL database
  dbsnap dump --engine postgres --source-db myapp --output snapshot.zip

  # Partial dump: only orders placed this year, closed over their FKs
  dbsnap dump --source-db myapp --full users -p "orders:SELECT * FROM orders WHERE created_at > now() - interval '1 year'" --output recent.zip

  # SQLite
  dbsnap dump --engine sqlite --source-path ./app.db --output snapshot.zip

  # Dry run to preview the resolved table set
  dbsnap dump --source-db myapp --full users --dry-run

  # Prompt for which tables to export instead of passing --full/--partial
  dbsnap dump --source-db myapp --output snapshot.zip --interactive`,
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().String("engine", "postgres", "Database engine: postgres or sqlite")

	dumpCmd.Flags().String("source-host", "localhost", "Source database host")
	dumpCmd.Flags().Int("source-port", 5432, "Source database port")
	dumpCmd.Flags().String("source-user", "", "Source database username")
	dumpCmd.Flags().String("source-password", "", "Source database password")
	dumpCmd.Flags().String("source-db", "", "Source database name (PostgreSQL)")
	dumpCmd.Flags().String("source-sslmode", "prefer", "Source database SSL mode")
	dumpCmd.Flags().String("source-uri", "", "Source database connection URI (PostgreSQL, overrides host/port/user/etc)")
	dumpCmd.Flags().String("source-path", "", "Source database file path (SQLite)")

	dumpCmd.Flags().StringSlice("full", []string{}, "Tables to export in their entirety")
	dumpCmd.Flags().StringArrayP("partial", "p", []string{}, "table:SQL row-filtered export; repeatable, separator is the first ':'")

	dumpCmd.Flags().String("output", "", "Output archive path (required, supports templates)")
	dumpCmd.Flags().String("compression", "deflated", "Archive compression: stored, deflated, bzip2, lzma")
	dumpCmd.Flags().Bool("schema", true, "Include schema.sql (and sequences.sql for PostgreSQL)")
	dumpCmd.Flags().Bool("data", true, "Include table data")
	dumpCmd.Flags().Duration("timeout", 30*time.Minute, "Operation timeout")

	dumpCmd.Flags().String("output-format", "text", "Output format: text or json")
	dumpCmd.Flags().Bool("quiet", false, "Suppress all output except errors and final result")
	dumpCmd.Flags().Bool("dry-run", false, "Preview the resolved table set without writing an archive")
	dumpCmd.Flags().Bool("interactive", false, "Prompt for table selection instead of requiring --full/--partial")
	dumpCmd.Flags().StringToString("template-var", map[string]string{}, "Template variables (e.g., --template-var PR_NUMBER=123)")
	dumpCmd.Flags().StringSlice("pre-dump-hook", []string{}, "Shell command(s) to run before dumping")
	dumpCmd.Flags().StringSlice("post-dump-hook", []string{}, "Shell command(s) to run after a successful dump")
	dumpCmd.Flags().StringSlice("on-dump-error-hook", []string{}, "Shell command(s) to run if the dump fails")

	bindFlag("dump.engine", dumpCmd.Flags().Lookup("engine"))
	bindFlag("dump.source.host", dumpCmd.Flags().Lookup("source-host"))
	bindFlag("dump.source.port", dumpCmd.Flags().Lookup("source-port"))
	bindFlag("dump.source.username", dumpCmd.Flags().Lookup("source-user"))
	bindFlag("dump.source.password", dumpCmd.Flags().Lookup("source-password"))
	bindFlag("dump.source.database", dumpCmd.Flags().Lookup("source-db"))
	bindFlag("dump.source.sslmode", dumpCmd.Flags().Lookup("source-sslmode"))
	bindFlag("dump.source.uri", dumpCmd.Flags().Lookup("source-uri"))
	bindFlag("dump.source.path", dumpCmd.Flags().Lookup("source-path"))
	bindFlag("dump.output", dumpCmd.Flags().Lookup("output"))
	bindFlag("dump.compression", dumpCmd.Flags().Lookup("compression"))
	bindFlag("dump.schema", dumpCmd.Flags().Lookup("schema"))
	bindFlag("dump.data", dumpCmd.Flags().Lookup("data"))
	bindFlag("dump.timeout", dumpCmd.Flags().Lookup("timeout"))
	bindFlag("dump.output_format", dumpCmd.Flags().Lookup("output-format"))
	bindFlag("dump.quiet", dumpCmd.Flags().Lookup("quiet"))
	bindFlag("dump.dry_run", dumpCmd.Flags().Lookup("dry-run"))
}

func runDump(cmd *cobra.Command, args []string) error {
	req := &config.DumpRequest{}
	req.LoadFromEnvironment()

	if cmd.Flags().Changed("engine") || req.Engine == "" {
		engine, _ := cmd.Flags().GetString("engine")
		req.Engine = config.Engine(engine)
	}

	if cmd.Flags().Changed("source-uri") || req.ConnParams.URI == "" {
		req.ConnParams.URI = viper.GetString("dump.source.uri")
	}
	if cmd.Flags().Changed("source-path") || req.ConnParams.Path == "" {
		req.ConnParams.Path = viper.GetString("dump.source.path")
	}
	if req.ConnParams.URI == "" && req.ConnParams.Path == "" {
		if cmd.Flags().Changed("source-host") || req.ConnParams.Host == "" {
			req.ConnParams.Host = viper.GetString("dump.source.host")
		}
		if cmd.Flags().Changed("source-port") || req.ConnParams.Port == 0 {
			req.ConnParams.Port = viper.GetInt("dump.source.port")
		}
		if cmd.Flags().Changed("source-user") || req.ConnParams.Username == "" {
			req.ConnParams.Username = viper.GetString("dump.source.username")
		}
		if cmd.Flags().Changed("source-password") || req.ConnParams.Password == "" {
			req.ConnParams.Password = viper.GetString("dump.source.password")
		}
		if cmd.Flags().Changed("source-db") || req.ConnParams.Database == "" {
			req.ConnParams.Database = viper.GetString("dump.source.database")
		}
		if cmd.Flags().Changed("source-sslmode") || req.ConnParams.SSLMode == "" {
			req.ConnParams.SSLMode = viper.GetString("dump.source.sslmode")
		}
	}

	req.FullTables, _ = cmd.Flags().GetStringSlice("full")
	partialArgs, _ := cmd.Flags().GetStringArray("partial")
	partialTables, err := parsePartialFlags(partialArgs)
	if err != nil {
		return outputDumpResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet, err)
	}
	req.PartialTables = partialTables

	interactive, _ := cmd.Flags().GetBool("interactive")
	if interactive && !cmd.Flags().Changed("full") && !cmd.Flags().Changed("partial") {
		selected, err := promptTableSelection(context.Background(), req.Engine, req.ConnParams)
		if err != nil {
			return outputDumpResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet, err)
		}
		req.FullTables = selected
	}

	if cmd.Flags().Changed("output") || req.OutputPath == "" {
		req.OutputPath = viper.GetString("dump.output")
	}
	if cmd.Flags().Changed("compression") || req.Compression == "" {
		req.Compression = config.Compression(viper.GetString("dump.compression"))
	}
	req.IncludeSchema = viper.GetBool("dump.schema")
	req.IncludeData = viper.GetBool("dump.data")
	if cmd.Flags().Changed("timeout") || req.Timeout == 0 {
		req.Timeout = viper.GetDuration("dump.timeout")
	}

	if cmd.Flags().Changed("output-format") || req.OutputFormat == "" {
		req.OutputFormat = viper.GetString("dump.output_format")
	}
	if cmd.Flags().Changed("quiet") {
		req.Quiet = viper.GetBool("dump.quiet")
	}
	if cmd.Flags().Changed("dry-run") {
		req.DryRun = viper.GetBool("dump.dry_run")
	}
	flagVars, _ := cmd.Flags().GetStringToString("template-var")
	if req.TemplateVars == nil {
		req.TemplateVars = map[string]string{}
	}
	for k, v := range flagVars {
		req.TemplateVars[k] = v
	}

	req.Hooks.PreDump, _ = cmd.Flags().GetStringSlice("pre-dump-hook")
	req.Hooks.PostDump, _ = cmd.Flags().GetStringSlice("post-dump-hook")
	req.Hooks.OnDumpErr, _ = cmd.Flags().GetStringSlice("on-dump-error-hook")

	if req.OutputPath == "" {
		return outputDumpResult(&config.OutputResult{Format: req.OutputFormat}, req.Quiet,
			corefork.NewInvalidRequest("--output is required", ""))
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	result, err := dump.Run(ctx, req)
	return outputDumpResult(result, req.Quiet, err)
}

// parsePartialFlags turns repeated -p/--partial "table:SQL" arguments into
// the map dump.Run expects. The separator is the first ':' in the argument;
// both sides are trimmed, and an empty left side is a malformed spec.
func parsePartialFlags(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return map[string]string{}, nil
	}
	partial := make(map[string]string, len(args))
	for _, arg := range args {
		idx := strings.Index(arg, ":")
		if idx < 0 {
			return nil, corefork.NewInvalidRequest("malformed -p argument: expected table:SQL", arg)
		}
		table := strings.TrimSpace(arg[:idx])
		sqlText := strings.TrimSpace(arg[idx+1:])
		if table == "" {
			return nil, corefork.NewInvalidRequest("malformed -p argument: empty table name", arg)
		}
		partial[table] = sqlText
	}
	return partial, nil
}

// promptTableSelection connects to the source, lists its tables, and lets
// the operator pick which ones to export in full via an interactive
// checklist.
func promptTableSelection(ctx context.Context, engine config.Engine, conn config.DatabaseConfig) ([]string, error) {
	b, err := backend.New(engine)
	if err != nil {
		return nil, fmt.Errorf("no backend for engine %q: %w", engine, err)
	}
	if err := b.Open(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to connect for table listing: %w", err)
	}
	defer func() { _ = b.Close() }()

	tables, err := b.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("source database has no tables to select from")
	}

	var selected []string
	prompt := &survey.MultiSelect{
		Message: "Select tables to export in full:",
		Options: tables,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return nil, fmt.Errorf("table selection cancelled: %w", err)
	}
	return selected, nil
}

func outputDumpResult(result *config.OutputResult, quiet bool, err error) error {
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
			fmt.Printf("dump: %s\n", result.Message)
			if result.ArchivePath != "" {
				fmt.Printf("archive: %s (%d bytes)\n", result.ArchivePath, result.Bytes)
			}
		} else {
			fmt.Fprintf(os.Stderr, "dump failed: %s\n", result.Error)
		}
	}

	if !result.Success {
		os.Exit(exitCode(err))
	}
	return nil
}
