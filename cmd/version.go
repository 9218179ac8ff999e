package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information set by linker flags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// VersionInfo represents version and build information
type VersionInfo struct {
	Version      string            `json:"version"`
	GitCommit    string            `json:"git_commit"`
	BuildDate    string            `json:"build_date"`
	GoVersion    string            `json:"go_version"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch"`
	Features     []string          `json:"features"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Long: `Display version information including build details, Go version, and enabled
engines/features.

Examples:
  # Show version information
  dbsnap version

  # JSON output for automation
  dbsnap version --output-format json

  # Check if specific version
  dbsnap version --output-format json | jq -r '.version'`,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().String("output-format", "text", "Output format: text or json")
}

func runVersion(cmd *cobra.Command, args []string) error {
	outputFormat, _ := cmd.Flags().GetString("output-format")

	versionInfo := &VersionInfo{
		Version:      Version,
		GitCommit:    GitCommit,
		BuildDate:    BuildDate,
		GoVersion:    GoVersion,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		Features:     getEnabledFeatures(),
		Dependencies: getDependencies(),
	}

	if outputFormat == "json" {
		jsonOutput, err := json.MarshalIndent(versionInfo, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		fmt.Println(string(jsonOutput))
	} else {
		printVersionText(versionInfo)
	}

	return nil
}

func printVersionText(info *VersionInfo) {
	fmt.Printf("dbsnap version %s\n", info.Version)
	fmt.Printf("Git commit: %s\n", info.GitCommit)
	fmt.Printf("Build date: %s\n", info.BuildDate)
	fmt.Printf("Go version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)

	if len(info.Features) > 0 {
		fmt.Printf("Features: ")
		for i, feature := range info.Features {
			if i > 0 {
				fmt.Printf(", ")
			}
			fmt.Printf("%s", feature)
		}
		fmt.Println()
	}

	if len(info.Dependencies) > 0 {
		fmt.Println("\nKey Dependencies:")
		for name, version := range info.Dependencies {
			fmt.Printf("  %s: %s\n", name, version)
		}
	}
}

func getEnabledFeatures() []string {
	features := []string{
		"postgres-engine",
		"sqlite-engine",
		"full-table-dump",
		"partial-table-dump",
		"foreign-key-closure",
		"progress-monitoring",
		"dump-load-hooks",
		"configuration-validation",
		"json-output",
	}

	if runtime.GOOS != "windows" {
		features = append(features, "unix-signals")
	}

	return features
}

func getDependencies() map[string]string {
	deps := map[string]string{
		"go":                  runtime.Version(),
		"lib/pq":              "v1.10.9",  // PostgreSQL driver
		"modernc.org/sqlite":  "v1.38.2",  // SQLite driver
		"cobra":               "v1.9.1",   // CLI framework
		"viper":               "v1.20.1",  // Configuration
		"logrus":              "v1.9.3",   // Logging
		"validator":           "v10.26.0", // Request validation
		"klauspost/compress":  "v1.17.9",  // deflate archive compression
		"ulikunitz/xz":        "v0.5.12",  // lzma archive compression
	}

	return deps
}
