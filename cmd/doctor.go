package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/logging"

	"github.com/spf13/cobra"
)

// DoctorResult represents a single health check result
type DoctorResult struct {
	Check   string `json:"check"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// DoctorOutput represents the complete doctor check output
type DoctorOutput struct {
	Format    string         `json:"format"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Results   []DoctorResult `json:"results"`
	Summary   string         `json:"summary"`
	Duration  string         `json:"duration"`
}

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run comprehensive health checks",
	Long: `Run comprehensive health checks on the dbsnap installation.

This checks the runtime environment, configuration file and environment
variables, a writable temp directory, source database connectivity, and the
external tools dbsnap shells out to for schema dumping.

Examples:
  # Run all health checks
  dbsnap doctor

  # JSON output for automation
  dbsnap doctor --output-format json

  # Quick checks only
  dbsnap doctor --quick`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().String("output-format", "text", "Output format: text or json")
	doctorCmd.Flags().Bool("quick", false, "Run only quick checks (skip database connectivity)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	start := time.Now()
	outputFormat, _ := cmd.Flags().GetString("output-format")
	quick, _ := cmd.Flags().GetBool("quick")

	var results []DoctorResult

	results = append(results, checkSystemHealth()...)
	results = append(results, checkConfiguration()...)
	results = append(results, checkFileSystem()...)
	if !quick {
		results = append(results, checkDatabaseConnectivity()...)
	}
	results = append(results, checkDependencies()...)

	passCount, warnCount, failCount := 0, 0, 0
	for _, result := range results {
		switch result.Status {
		case "pass":
			passCount++
		case "warn":
			warnCount++
		case "fail":
			failCount++
		}
	}

	success := failCount == 0
	var summary string
	if success {
		if warnCount > 0 {
			summary = fmt.Sprintf("System is healthy with %d warnings (%d passed, %d warnings)", warnCount, passCount, warnCount)
		} else {
			summary = fmt.Sprintf("System is healthy (%d checks passed)", passCount)
		}
	} else {
		summary = fmt.Sprintf("System has issues (%d passed, %d warnings, %d failed)", passCount, warnCount, failCount)
	}

	output := &DoctorOutput{
		Format:    outputFormat,
		Success:   success,
		Timestamp: time.Now(),
		Results:   results,
		Summary:   summary,
		Duration:  time.Since(start).String(),
	}

	return outputDoctorResults(output)
}

func checkSystemHealth() []DoctorResult {
	var results []DoctorResult

	results = append(results, DoctorResult{
		Check:   "go_version",
		Status:  "pass",
		Message: fmt.Sprintf("Go runtime version: %s", runtime.Version()),
		Details: fmt.Sprintf("OS: %s, Arch: %s", runtime.GOOS, runtime.GOARCH),
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryMB := m.Alloc / 1024 / 1024

	status := "pass"
	if memoryMB > 100 {
		status = "warn"
	}
	results = append(results, DoctorResult{
		Check:   "memory_usage",
		Status:  status,
		Message: fmt.Sprintf("Memory usage: %d MB", memoryMB),
		Details: fmt.Sprintf("Total allocated: %d MB, System memory: %d MB", m.TotalAlloc/1024/1024, m.Sys/1024/1024),
	})

	goroutines := runtime.NumGoroutine()
	goStatus := "pass"
	if goroutines > 50 {
		goStatus = "warn"
	}
	results = append(results, DoctorResult{
		Check:   "goroutines",
		Status:  goStatus,
		Message: fmt.Sprintf("Active goroutines: %d", goroutines),
	})

	return results
}

func checkConfiguration() []DoctorResult {
	var results []DoctorResult

	home, err := os.UserHomeDir()
	if err != nil {
		results = append(results, DoctorResult{
			Check:   "config_file",
			Status:  "warn",
			Message: "Cannot determine home directory",
			Details: err.Error(),
		})
	} else {
		configPath := filepath.Join(home, ".dbsnap.yaml")
		if _, err := os.Stat(configPath); err == nil {
			results = append(results, DoctorResult{
				Check:   "config_file",
				Status:  "pass",
				Message: "Configuration file found",
				Details: configPath,
			})
		} else {
			results = append(results, DoctorResult{
				Check:   "config_file",
				Status:  "pass",
				Message: "No configuration file (using defaults)",
				Details: "This is normal - configuration can be provided via flags or environment variables",
			})
		}
	}

	envVars := []string{
		"DBSNAP_SOURCE_HOST", "DBSNAP_SOURCE_DATABASE",
		"DBSNAP_TARGET_DATABASE", "DBSNAP_SOURCE_USER", "DBSNAP_ENGINE",
	}
	envCount := 0
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			envCount++
		}
	}
	if envCount > 0 {
		results = append(results, DoctorResult{
			Check:   "environment_variables",
			Status:  "pass",
			Message: fmt.Sprintf("Found %d DBSNAP environment variables", envCount),
		})
	} else {
		results = append(results, DoctorResult{
			Check:   "environment_variables",
			Status:  "pass",
			Message: "No DBSNAP environment variables set",
			Details: "This is normal - configuration can be provided via flags or config file",
		})
	}

	return results
}

func checkFileSystem() []DoctorResult {
	var results []DoctorResult

	stateDir := filepath.Join(os.TempDir(), "dbsnap")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		results = append(results, DoctorResult{
			Check:   "state_directory_creation",
			Status:  "fail",
			Message: "Cannot create dbsnap temp directory",
			Details: err.Error(),
		})
	} else {
		results = append(results, DoctorResult{
			Check:   "state_directory_creation",
			Status:  "pass",
			Message: "Temp directory is accessible",
			Details: stateDir,
		})

		testFile := filepath.Join(stateDir, "test.tmp")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			results = append(results, DoctorResult{
				Check:   "state_directory_write_perms",
				Status:  "fail",
				Message: "Cannot write to temp directory",
				Details: err.Error(),
			})
		} else {
			results = append(results, DoctorResult{
				Check:   "state_directory_write_perms",
				Status:  "pass",
				Message: "Write permissions are correct for temp directory",
			})
			_ = os.Remove(testFile)
		}
	}

	return results
}

func checkDatabaseConnectivity() []DoctorResult {
	doctorLogger, _ := logging.NewLogger(&logging.Config{Level: "info", Format: "text"})

	req := &config.DumpRequest{}
	req.LoadFromEnvironment()

	if req.ConnParams.Database == "" && req.ConnParams.Path == "" {
		return []DoctorResult{
			{
				Check:   "source_database_connection",
				Status:  "warn",
				Message: "Source database not configured, skipping connection test.",
				Details: "Set DBSNAP_SOURCE_* environment variables to enable this check.",
			},
		}
	}
	if req.Engine == "" {
		req.Engine = config.EnginePostgres
	}

	b, err := backend.New(req.Engine)
	if err != nil {
		return []DoctorResult{
			{
				Check:   "source_database_connection",
				Status:  "fail",
				Message: fmt.Sprintf("no backend registered for engine %q", req.Engine),
				Details: err.Error(),
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Open(ctx, req.ConnParams); err != nil {
		return []DoctorResult{
			{
				Check:   "source_database_connection",
				Status:  "fail",
				Message: fmt.Sprintf("Failed to connect to source database: %s", req.ConnParams.Database),
				Details: err.Error(),
			},
		}
	}
	defer func() {
		if err := b.Close(); err != nil {
			doctorLogger.Warnf("Failed to close database connection: %v", err)
		}
	}()

	tables, err := b.ListTables(ctx)
	if err != nil {
		return []DoctorResult{
			{
				Check:   "source_database_connection",
				Status:  "fail",
				Message: "Connected, but failed to list tables.",
				Details: err.Error(),
			},
		}
	}

	return []DoctorResult{
		{
			Check:   "source_database_connection",
			Status:  "pass",
			Message: fmt.Sprintf("Successfully connected to source database: %s", req.ConnParams.Database),
			Details: fmt.Sprintf("%d table(s) visible", len(tables)),
		},
	}
}

func checkDependencies() []DoctorResult {
	var results []DoctorResult
	deps := []string{"pg_dump", "sqlite3"}

	for _, dep := range deps {
		if _, err := exec.LookPath(dep); err != nil {
			results = append(results, DoctorResult{
				Check:   fmt.Sprintf("dependency_%s", dep),
				Status:  "fail",
				Message: fmt.Sprintf("Required dependency '%s' not found in PATH.", dep),
				Details: "Required to dump schema.sql for this engine.",
			})
		} else {
			results = append(results, DoctorResult{
				Check:   fmt.Sprintf("dependency_%s", dep),
				Status:  "pass",
				Message: fmt.Sprintf("Dependency '%s' found in PATH.", dep),
			})
		}
	}

	return results
}

func outputDoctorResults(output *DoctorOutput) error {
	if output.Format == "json" {
		jsonOutput, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON output: %w", err)
		}
		fmt.Println(string(jsonOutput))
		return nil
	}

	fmt.Printf("dbsnap health check\n")
	fmt.Printf("Timestamp: %s\n", output.Timestamp.Format(time.RFC3339))
	fmt.Printf("Duration: %s\n\n", output.Duration)

	warnCount, failCount := 0, 0
	for _, result := range output.Results {
		switch result.Status {
		case "warn":
			warnCount++
		case "fail":
			failCount++
		}
		fmt.Printf("[%s] %s: %s\n", result.Status, result.Check, result.Message)
		if result.Details != "" {
			fmt.Printf("   %s\n", result.Details)
		}
	}

	fmt.Printf("\nSummary: %s\n", output.Summary)

	if !output.Success {
		fmt.Printf("\nSome checks failed. Please address the failing checks before using dbsnap.\n")
		os.Exit(1)
	} else if warnCount > 0 {
		fmt.Printf("\nSome checks have warnings. The system should work but consider addressing these.\n")
	} else if failCount == 0 {
		fmt.Printf("\nAll checks passed. dbsnap is ready to use.\n")
	}

	return nil
}
