// Package config defines the validated request shapes the core accepts from
// its external CLI/config-file collaborator: DatabaseConfig,
// DumpRequest and LoadRequest. The core never parses a config file or a CLI
// flag itself; it only validates the structs this package describes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
)

// Engine identifies which Backend implementation a request targets.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineSQLite   Engine = "sqlite"
)

// Compression identifies the archive member compressor.
type Compression string

const (
	CompressionStored   Compression = "stored"
	CompressionDeflated Compression = "deflated"
	CompressionBzip2    Compression = "bzip2"
	CompressionLZMA     Compression = "lzma"
)

// CleanupMode identifies the Load Orchestrator's cleanup strategy.
type CleanupMode string

const (
	CleanupRecreate CleanupMode = "recreate"
	CleanupTruncate CleanupMode = "truncate"
	CleanupSkip     CleanupMode = "skip"
)

// DatabaseConfig holds engine-agnostic connection parameters. For PostgreSQL,
// Host/Port/Username/Password/Database/SSLMode are used (or URI, which takes
// precedence); for SQLite, Path is the only field that matters.
type DatabaseConfig struct {
	// URI takes precedence over individual parameters if provided (PostgreSQL only).
	URI string `mapstructure:"uri" yaml:"uri" validate:"omitempty,uri"`

	Host     string `mapstructure:"host" yaml:"host" validate:"required_without_all=URI Path,omitempty,hostname_rfc1123|ip"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database" validate:"required_without_all=URI Path,omitempty,min=1,max=63"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	// Path is the SQLite database file path. Required (and sufficient) when Engine == sqlite.
	Path string `mapstructure:"path" yaml:"path"`
}

// ForeignKeyDescriptor describes one foreign-key constraint, discovered by a
// Backend's ListForeignKeys.
type ForeignKeyDescriptor struct {
	Table          string
	Column         string
	ForeignTable   string
	ForeignColumn  string
	CompositeWarn  bool // set when the FK spans more than one column
}

// HooksConfig defines shell hooks executed around a dump or load.
type HooksConfig struct {
	PreDump   []string `mapstructure:"pre_dump" yaml:"pre_dump"`
	PostDump  []string `mapstructure:"post_dump" yaml:"post_dump"`
	OnDumpErr []string `mapstructure:"on_dump_error" yaml:"on_dump_error"`

	PreLoad   []string `mapstructure:"pre_load" yaml:"pre_load"`
	PostLoad  []string `mapstructure:"post_load" yaml:"post_load"`
	OnLoadErr []string `mapstructure:"on_load_error" yaml:"on_load_error"`
}

// DumpRequest is the validated input to the Dump Orchestrator, carrying both
// the core table selection and the ambient CI/CD fields (dry-run, quiet,
// output format, hooks, template vars).
type DumpRequest struct {
	Engine     Engine         `mapstructure:"engine" yaml:"engine" validate:"required,oneof=postgres sqlite"`
	ConnParams DatabaseConfig `mapstructure:"conn_params" yaml:"conn_params" validate:"required"`
	OutputPath string         `mapstructure:"output_path" yaml:"output_path" validate:"required"`

	FullTables    []string          `mapstructure:"full_tables" yaml:"full_tables" validate:"dive,min=1"`
	PartialTables map[string]string `mapstructure:"partial_tables" yaml:"partial_tables"`

	Compression   Compression `mapstructure:"compression" yaml:"compression" validate:"omitempty,oneof=stored deflated bzip2 lzma"`
	IncludeSchema bool        `mapstructure:"include_schema" yaml:"include_schema"`
	IncludeData   bool        `mapstructure:"include_data" yaml:"include_data"`

	// CI/CD ergonomics.
	OutputFormat string            `mapstructure:"output_format" yaml:"output_format" validate:"omitempty,oneof=text json"`
	Quiet        bool              `mapstructure:"quiet" yaml:"quiet"`
	DryRun       bool              `mapstructure:"dry_run" yaml:"dry_run"`
	LogLevel     string            `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	TemplateVars map[string]string `mapstructure:"template_vars" yaml:"template_vars"`
	Hooks        HooksConfig       `mapstructure:"hooks" yaml:"hooks"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"omitempty,min=0"`
}

// LoadRequest is the validated input to the Load Orchestrator.
type LoadRequest struct {
	Engine     Engine         `mapstructure:"engine" yaml:"engine" validate:"required,oneof=postgres sqlite"`
	ConnParams DatabaseConfig `mapstructure:"conn_params" yaml:"conn_params" validate:"required"`
	InputPath  string         `mapstructure:"input_path" yaml:"input_path" validate:"required"`

	Cleanup CleanupMode `mapstructure:"cleanup" yaml:"cleanup" validate:"omitempty,oneof=recreate truncate skip"`

	OutputFormat string            `mapstructure:"output_format" yaml:"output_format" validate:"omitempty,oneof=text json"`
	Quiet        bool              `mapstructure:"quiet" yaml:"quiet"`
	DryRun       bool              `mapstructure:"dry_run" yaml:"dry_run"`
	LogLevel     string            `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	TemplateVars map[string]string `mapstructure:"template_vars" yaml:"template_vars"`
	Hooks        HooksConfig       `mapstructure:"hooks" yaml:"hooks"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"omitempty,min=0"`
}

// OutputResult is the CI/CD machine-readable result struct (teacher's
// OutputConfig, adapted to report dump/load outcomes instead of fork outcomes).
type OutputResult struct {
	Format       string         `json:"format"`
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	ArchivePath  string         `json:"archive_path,omitempty"`
	Duration     string         `json:"duration,omitempty"`
	Bytes        int64          `json:"bytes,omitempty"`
	TableCounts  map[string]int `json:"table_counts,omitempty"`
}

// Global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("required_without_all", requiredWithoutAllValidator); err != nil {
		panic(fmt.Sprintf("failed to register custom validation: %v", err))
	}
}

// requiredWithoutAllValidator requires the field only when ALL of the named
// sibling fields (space-separated in the tag param) are empty; any one
// non-empty sibling satisfies it.
func requiredWithoutAllValidator(fl validator.FieldLevel) bool {
	params := strings.Fields(fl.Param())
	for _, p := range params {
		field := fl.Parent().FieldByName(p)
		if !field.IsValid() {
			continue
		}
		if field.Kind() == reflect.String && field.String() != "" {
			return true
		}
	}
	return fl.Field().String() != ""
}

// parsePostgreSQLURI parses a PostgreSQL URI using the standard library's url.Parse.
func parsePostgreSQLURI(uri string) (*DatabaseConfig, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL URI: %w", err)
	}

	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid PostgreSQL URI scheme: %s", u.Scheme)
	}

	cfg := &DatabaseConfig{URI: uri}

	if u.User != nil {
		cfg.Username = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cfg.Password = pass // pragma: allowlist secret
		}
	}

	cfg.Host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in URI: %q", portStr)
		}
		cfg.Port = port
	} else {
		cfg.Port = 5432
	}

	if u.Path != "" {
		cfg.Database = strings.TrimPrefix(u.Path, "/")
	}

	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		cfg.SSLMode = sslmode
	}

	return cfg, nil
}

// ConnectionString builds a PostgreSQL connection string (lib/pq accepts URIs
// or key=value strings natively). Unused for SQLite, which connects by Path.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", // pragma: allowlist secret
		c.Host, c.Port, c.Username, c.Password, c.Database, sslMode,
	)
}

// LoadFromEnvironment loads DumpRequest connection/option fields from
// DBSNAP_-prefixed environment variables, the same CI/CD-friendly pattern
// as a PGFORK_-prefixed loader.
func (r *DumpRequest) LoadFromEnvironment() {
	loadConnParamsFromEnv(&r.ConnParams, "DBSNAP_SOURCE_")

	if engine := os.Getenv("DBSNAP_ENGINE"); engine != "" {
		r.Engine = Engine(engine)
	}
	if output := os.Getenv("DBSNAP_OUTPUT_PATH"); output != "" {
		r.OutputPath = output
	}
	if compression := os.Getenv("DBSNAP_COMPRESSION"); compression != "" {
		r.Compression = Compression(compression)
	}
	if outputFormat := os.Getenv("DBSNAP_OUTPUT_FORMAT"); outputFormat != "" {
		r.OutputFormat = outputFormat
	}
	if quiet := os.Getenv("DBSNAP_QUIET"); quiet != "" {
		r.Quiet = strings.EqualFold(quiet, "true")
	}
	if dryRun := os.Getenv("DBSNAP_DRY_RUN"); dryRun != "" {
		r.DryRun = strings.EqualFold(dryRun, "true")
	}
	if timeout := os.Getenv("DBSNAP_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			r.Timeout = t
		}
	}

	r.TemplateVars = loadTemplateVarsFromEnv(r.TemplateVars)
}

// LoadFromEnvironment loads LoadRequest connection/option fields from
// DBSNAP_-prefixed environment variables.
func (r *LoadRequest) LoadFromEnvironment() {
	loadConnParamsFromEnv(&r.ConnParams, "DBSNAP_TARGET_")

	if engine := os.Getenv("DBSNAP_ENGINE"); engine != "" {
		r.Engine = Engine(engine)
	}
	if input := os.Getenv("DBSNAP_INPUT_PATH"); input != "" {
		r.InputPath = input
	}
	if cleanup := os.Getenv("DBSNAP_CLEANUP"); cleanup != "" {
		r.Cleanup = CleanupMode(cleanup)
	}
	if outputFormat := os.Getenv("DBSNAP_OUTPUT_FORMAT"); outputFormat != "" {
		r.OutputFormat = outputFormat
	}
	if quiet := os.Getenv("DBSNAP_QUIET"); quiet != "" {
		r.Quiet = strings.EqualFold(quiet, "true")
	}
	if dryRun := os.Getenv("DBSNAP_DRY_RUN"); dryRun != "" {
		r.DryRun = strings.EqualFold(dryRun, "true")
	}
	if timeout := os.Getenv("DBSNAP_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			r.Timeout = t
		}
	}

	r.TemplateVars = loadTemplateVarsFromEnv(r.TemplateVars)
}

func loadConnParamsFromEnv(c *DatabaseConfig, prefix string) {
	if uri := os.Getenv(prefix + "URI"); uri != "" {
		if parsed, err := parsePostgreSQLURI(uri); err == nil {
			*c = *parsed
			return
		}
	}
	if host := os.Getenv(prefix + "HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if user := os.Getenv(prefix + "USER"); user != "" {
		c.Username = user
	}
	if password := os.Getenv(prefix + "PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "DATABASE"); database != "" {
		c.Database = database
	}
	if sslmode := os.Getenv(prefix + "SSLMODE"); sslmode != "" {
		c.SSLMode = sslmode
	}
	if path := os.Getenv(prefix + "PATH"); path != "" {
		c.Path = path
	}
}

func loadTemplateVarsFromEnv(existing map[string]string) map[string]string {
	vars := existing
	if vars == nil {
		vars = make(map[string]string)
	}
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "DBSNAP_VAR_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				name := strings.TrimPrefix(parts[0], "DBSNAP_VAR_")
				vars[name] = parts[1]
			}
		}
	}
	return vars
}

// ProcessTemplates expands {{ }} template variables in OutputPath, enabling
// dynamic archive naming in CI/CD pipelines.
func (r *DumpRequest) ProcessTemplates() error {
	if !strings.Contains(r.OutputPath, "{{") {
		return nil
	}
	processed, err := processTemplate(r.OutputPath, r.TemplateVars)
	if err != nil {
		return fmt.Errorf("failed to process output path template: %w", err)
	}
	r.OutputPath = processed
	return nil
}

func processTemplate(templateStr string, templateVars map[string]string) (string, error) {
	tmpl, err := template.New("config").Parse(templateStr)
	if err != nil {
		return "", err
	}

	vars := make(map[string]string, len(templateVars))
	for k, v := range templateVars {
		vars[k] = v
	}

	if prNumber := os.Getenv("GITHUB_PR_NUMBER"); prNumber != "" {
		vars["PR_NUMBER"] = prNumber
	}
	if prNumber := os.Getenv("CI_MERGE_REQUEST_IID"); prNumber != "" {
		vars["PR_NUMBER"] = prNumber
	}
	if branch := os.Getenv("GITHUB_HEAD_REF"); branch != "" {
		vars["BRANCH"] = sanitizeIdentifier(branch)
	}
	if branch := os.Getenv("CI_COMMIT_REF_NAME"); branch != "" {
		vars["BRANCH"] = sanitizeIdentifier(branch)
	}
	if commit := os.Getenv("GITHUB_SHA"); commit != "" && len(commit) >= 8 {
		vars["COMMIT_SHORT"] = commit[:8]
	}
	if commit := os.Getenv("CI_COMMIT_SHA"); commit != "" && len(commit) >= 8 {
		vars["COMMIT_SHORT"] = commit[:8]
	}

	var result strings.Builder
	if err := tmpl.Execute(&result, vars); err != nil {
		return "", err
	}
	return result.String(), nil
}

// sanitizeIdentifier converts a branch name into a filesystem/identifier-safe token.
func sanitizeIdentifier(s string) string {
	result := strings.ReplaceAll(s, "/", "_")
	result = strings.ReplaceAll(result, "-", "_")
	result = strings.ReplaceAll(result, ".", "_")
	result = strings.ToLower(result)

	if len(result) > 0 && result[0] >= '0' && result[0] <= '9' {
		result = "br_" + result
	}
	if len(result) > 63 {
		result = result[:63]
	}
	return result
}

// Validate checks struct-tag constraints plus the business-logic invariant
// that full_tables and the keys of partial_tables are disjoint.
func (r *DumpRequest) Validate() error {
	if r.Engine == EngineSQLite && r.ConnParams.Path == "" {
		return fmt.Errorf("conn_params.path is required for the sqlite engine")
	}
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return r.validateBusinessLogic()
}

func (r *DumpRequest) validateBusinessLogic() error {
	fullSet := make(map[string]bool, len(r.FullTables))
	for _, t := range r.FullTables {
		fullSet[t] = true
	}
	for t := range r.PartialTables {
		if fullSet[t] {
			return fmt.Errorf("table %q cannot be both a full table and a partial table", t)
		}
	}

	if !r.IncludeSchema && !r.IncludeData {
		return fmt.Errorf("at least one of include_schema or include_data must be set")
	}

	return nil
}

// Validate checks struct-tag constraints and that a SQLite request carries a
// path. The rule that cleanup must be `skip` when the archive has no schema
// file is not checked here: the Load Orchestrator enforces it, since it
// requires reading the archive manifest.
func (r *LoadRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	if r.Engine == EngineSQLite && r.ConnParams.Path == "" {
		return fmt.Errorf("conn_params.path is required for the sqlite engine")
	}

	return nil
}

// formatValidationErrors converts validator errors into user-friendly messages.
func formatValidationErrors(errs validator.ValidationErrors) error {
	var messages []string

	for _, err := range errs {
		var message string

		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", err.Field())
		case "required_without_all":
			message = fmt.Sprintf("%s is required when %s are all absent", err.Field(), err.Param())
		case "min":
			message = fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s", err.Field(), err.Param())
		case "oneof":
			message = fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
		case "hostname_rfc1123":
			message = fmt.Sprintf("%s must be a valid hostname", err.Field())
		case "ip":
			message = fmt.Sprintf("%s must be a valid IP address", err.Field())
		case "uri":
			message = fmt.Sprintf("%s must be a valid URI", err.Field())
		default:
			message = fmt.Sprintf("%s validation failed: %s", err.Field(), err.Tag())
		}

		messages = append(messages, message)
	}

	return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
}
