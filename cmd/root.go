package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/hongkongkiwi/dbsnap/internal/corefork"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dbsnap",
	Short: "A tool to snapshot and restore PostgreSQL and SQLite databases",
	Long: `dbsnap dumps a PostgreSQL or SQLite database to a portable zip archive and
restores that archive back into a database.

Features:
- Engine-agnostic: PostgreSQL and SQLite behind one command surface
- Full-table and partial-table (row-filtered) exports with automatic
  referential closure across foreign keys
- Selectable archive compression: stored, deflate, bzip2, lzma
- Progress monitoring and structured logging
- Configuration file support
- Hooks around dump/load for CI/CD integration`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dbsnap.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")

	// Bind flags to viper
	bindFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// exitCode maps a command's terminal error to the process exit code: 2 for
// invalid user input (malformed flags, disjointness violations, and the
// like), 1 for every other runtime failure.
func exitCode(err error) int {
	var de *corefork.DBSnapError
	if errors.As(err, &de) && de.Type == corefork.InvalidRequest {
		return 2
	}
	return 1
}

// bindFlag binds a flag to viper and handles the error gracefully instead of
// returning it, since every init() call site would otherwise need to thread
// an error through cobra's flag-registration pattern.
func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		fmt.Printf("Warning: failed to bind flag %s: %v\n", key, err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dbsnap")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})
}
