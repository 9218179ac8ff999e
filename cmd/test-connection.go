package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"

	"github.com/spf13/cobra"
)

// ConnectionTestResult represents the result of a connection test
type ConnectionTestResult struct {
	Target          string                `json:"target"`
	Timestamp       time.Time             `json:"timestamp"`
	Overall         string                `json:"overall"` // "success", "warning", "error"
	Tests           map[string]TestResult `json:"tests"`
	Summary         string                `json:"summary,omitempty"`
	Duration        time.Duration         `json:"duration"`
	Recommendations []string              `json:"recommendations,omitempty"`
}

// TestResult represents the result of an individual test
type TestResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message"`
	Details  interface{}   `json:"details,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// testConnectionCmd represents the test-connection command
var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Test database connectivity and troubleshoot connection issues",
	Long: `Comprehensive database connection testing tool that performs multiple checks
to diagnose connectivity, authentication, and permission issues.

For PostgreSQL this performs DNS resolution, TCP reachability, an SSL/TLS
handshake (unless --sslmode=disable), and an authenticated connection +
table listing through the dbsnap Backend. For SQLite it opens the file
directly and lists its tables.

Examples:
  # Test a PostgreSQL connection
  dbsnap test-connection --host localhost --port 5432 --user myuser --database mydb

  # Test a SQLite file
  dbsnap test-connection --engine sqlite --path ./app.db

  # JSON output for automation
  dbsnap test-connection --database mydb --output-format json`,
	RunE: runTestConnection,
}

func init() {
	rootCmd.AddCommand(testConnectionCmd)

	testConnectionCmd.Flags().String("engine", "postgres", "Database engine: postgres or sqlite")
	testConnectionCmd.Flags().String("host", "localhost", "Database host")
	testConnectionCmd.Flags().Int("port", 5432, "Database port")
	testConnectionCmd.Flags().String("user", "", "Database user")
	testConnectionCmd.Flags().String("password", "", "Database password")
	testConnectionCmd.Flags().String("database", "", "Database name")
	testConnectionCmd.Flags().String("sslmode", "prefer", "SSL mode (disable, prefer, require, verify-ca, verify-full)")
	testConnectionCmd.Flags().String("path", "", "Database file path (SQLite)")
	testConnectionCmd.Flags().String("output-format", "text", "Output format: text or json")
	testConnectionCmd.Flags().Bool("verbose", false, "Verbose output with detailed diagnostics")
	testConnectionCmd.Flags().Duration("timeout", 30*time.Second, "Connection timeout")
}

func runTestConnection(cmd *cobra.Command, args []string) error {
	outputFormat, _ := cmd.Flags().GetString("output-format")
	verbose, _ := cmd.Flags().GetBool("verbose")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	engine, _ := cmd.Flags().GetString("engine")

	conn := config.DatabaseConfig{}
	conn.Host, _ = cmd.Flags().GetString("host")
	conn.Port, _ = cmd.Flags().GetInt("port")
	conn.Username, _ = cmd.Flags().GetString("user")
	conn.Password, _ = cmd.Flags().GetString("password")
	conn.Database, _ = cmd.Flags().GetString("database")
	conn.SSLMode, _ = cmd.Flags().GetString("sslmode")
	conn.Path, _ = cmd.Flags().GetString("path")

	if config.Engine(engine) == config.EnginePostgres && conn.Database == "" {
		return fmt.Errorf("--database is required")
	}
	if config.Engine(engine) == config.EngineSQLite && conn.Path == "" {
		return fmt.Errorf("--path is required for --engine sqlite")
	}

	result := performConnectionTest(config.Engine(engine), conn, timeout, verbose)
	return outputConnectionTestResult(result, outputFormat)
}

func performConnectionTest(engine config.Engine, conn config.DatabaseConfig, timeout time.Duration, verbose bool) *ConnectionTestResult {
	target := fmt.Sprintf("%s@%s:%d/%s", conn.Username, conn.Host, conn.Port, conn.Database)
	if engine == config.EngineSQLite {
		target = conn.Path
	}

	result := &ConnectionTestResult{
		Target:    target,
		Timestamp: time.Now(),
		Tests:     make(map[string]TestResult),
		Overall:   "success",
	}

	startTime := time.Now()

	if engine == config.EnginePostgres {
		result.Tests["dns"] = testDNSResolution(conn.Host)
		result.Tests["tcp"] = testTCPConnectivity(conn.Host, conn.Port, timeout)
		if conn.SSLMode != "disable" {
			result.Tests["ssl"] = testSSLConnection(conn.Host, conn.Port, timeout)
		}
	}

	result.Tests["auth"] = testBackendAuth(engine, conn, timeout)
	if result.Tests["auth"].Status == "pass" {
		result.Tests["list_tables"] = testListTables(engine, conn, timeout)
	}

	result.Duration = time.Since(startTime)
	result.Overall = determineOverallStatus(result.Tests)
	result.Summary = generateSummary(result.Tests, result.Overall)
	result.Recommendations = generateRecommendations(result.Tests)

	return result
}

func testDNSResolution(host string) TestResult {
	start := time.Now()
	ips, err := net.LookupIP(host)
	duration := time.Since(start)

	if err != nil {
		return TestResult{Status: "fail", Duration: duration, Message: "DNS resolution failed", Error: err.Error()}
	}

	details := make([]string, len(ips))
	for i, ip := range ips {
		details[i] = ip.String()
	}
	return TestResult{Status: "pass", Duration: duration, Message: fmt.Sprintf("Resolved to %d IP(s)", len(ips)), Details: details}
}

func testTCPConnectivity(host string, port int, timeout time.Duration) TestResult {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), timeout)
	duration := time.Since(start)

	if err != nil {
		return TestResult{Status: "fail", Duration: duration, Message: "TCP connection failed", Error: err.Error()}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			fmt.Printf("Warning: Failed to close connection: %v\n", err)
		}
	}()

	return TestResult{Status: "pass", Duration: duration, Message: "TCP connection successful"}
}

func testSSLConnection(host string, port int, timeout time.Duration) TestResult {
	start := time.Now()
	tlsConfig := &tls.Config{ServerName: host}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), tlsConfig)
	duration := time.Since(start)

	if err != nil {
		return TestResult{Status: "warn", Duration: duration, Message: "SSL connection failed (may not be required)", Error: err.Error()}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			fmt.Printf("Warning: Failed to close connection: %v\n", err)
		}
	}()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) > 0 {
		cert := certs[0]
		details := map[string]interface{}{
			"subject":    cert.Subject.String(),
			"issuer":     cert.Issuer.String(),
			"not_after":  cert.NotAfter,
			"not_before": cert.NotBefore,
		}
		return TestResult{Status: "pass", Duration: duration, Message: "SSL connection successful", Details: details}
	}
	return TestResult{Status: "pass", Duration: duration, Message: "SSL connection successful"}
}

func testBackendAuth(engine config.Engine, conn config.DatabaseConfig, timeout time.Duration) TestResult {
	start := time.Now()

	b, err := backend.New(engine)
	if err != nil {
		return TestResult{Status: "fail", Duration: time.Since(start), Message: "no backend for engine", Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Open(ctx, conn); err != nil {
		return TestResult{Status: "fail", Duration: time.Since(start), Message: "Database authentication failed", Error: err.Error()}
	}
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Printf("Warning: Failed to close database: %v\n", err)
		}
	}()

	return TestResult{Status: "pass", Duration: time.Since(start), Message: "Database authentication successful"}
}

func testListTables(engine config.Engine, conn config.DatabaseConfig, timeout time.Duration) TestResult {
	start := time.Now()

	b, err := backend.New(engine)
	if err != nil {
		return TestResult{Status: "fail", Duration: time.Since(start), Message: "no backend for engine", Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Open(ctx, conn); err != nil {
		return TestResult{Status: "fail", Duration: time.Since(start), Message: "Failed to reopen connection", Error: err.Error()}
	}
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Printf("Warning: Failed to close database: %v\n", err)
		}
	}()

	tables, err := b.ListTables(ctx)
	duration := time.Since(start)
	if err != nil {
		return TestResult{Status: "warn", Duration: duration, Message: "Cannot list tables", Error: err.Error()}
	}

	return TestResult{Status: "pass", Duration: duration, Message: fmt.Sprintf("Found %d table(s)", len(tables)), Details: tables}
}

func determineOverallStatus(tests map[string]TestResult) string {
	overall := "success"
	for _, t := range tests {
		switch t.Status {
		case "fail":
			return "error"
		case "warn":
			overall = "warning"
		}
	}
	return overall
}

func generateSummary(tests map[string]TestResult, overall string) string {
	switch overall {
	case "success":
		return "All connectivity checks passed"
	case "warning":
		return "Connectivity checks passed with warnings"
	default:
		return "One or more connectivity checks failed"
	}
}

func generateRecommendations(tests map[string]TestResult) []string {
	var recs []string
	if t, ok := tests["dns"]; ok && t.Status == "fail" {
		recs = append(recs, "Verify the hostname is correct and resolvable from this machine")
	}
	if t, ok := tests["tcp"]; ok && t.Status == "fail" {
		recs = append(recs, "Check firewall rules and that the database is listening on the given port")
	}
	if t, ok := tests["auth"]; ok && t.Status == "fail" {
		recs = append(recs, "Verify credentials, database name, and sslmode")
	}
	return recs
}

func outputConnectionTestResult(result *ConnectionTestResult, outputFormat string) error {
	if outputFormat == "json" {
		jsonOutput, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON output: %w", err)
		}
		fmt.Println(string(jsonOutput))
		return nil
	}

	fmt.Printf("Testing connection to %s\n", result.Target)
	for name, t := range result.Tests {
		fmt.Printf("  [%s] %s: %s (%s)\n", t.Status, name, t.Message, t.Duration)
		if t.Error != "" {
			fmt.Printf("      Error: %s\n", t.Error)
		}
	}
	fmt.Printf("\nOverall: %s — %s\n", result.Overall, result.Summary)
	for _, rec := range result.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}

	if result.Overall == "error" {
		return fmt.Errorf("connection test failed")
	}
	return nil
}
