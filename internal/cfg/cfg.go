package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Record store backends.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the application settings shared by the server and the
// terminal agent. Fields are bound to flags by RegisterFlags and may be
// overridden from UNDERWRITE_* environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	ClaudeAPIKey             string
	ClaudeModel              string
	Temperature              float64
	MaxTokens                int
	CompletionTimeoutSeconds int
	MaxToolRounds            int
	DisableTools             bool

	InputDir    string
	OutputDir   string
	WatchInputs bool
	RecordStore string
	DatabaseURL string

	SlackWebhookURL string
	APIToken        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.Float64Var(&c.Temperature, "temperature", 0.7, "sampling temperature (0..1)")
	fs.IntVar(&c.MaxTokens, "max-tokens", 4096, "maximum tokens per completion (1..64000)")
	fs.IntVar(&c.CompletionTimeoutSeconds, "completion-timeout-seconds", 120, "timeout for a single completion call (1..600)")
	fs.IntVar(&c.MaxToolRounds, "max-tool-rounds", 10, "tool rounds allowed per user turn (1..50)")
	fs.BoolVar(&c.DisableTools, "disable-tools", false, "run conversations without tools; finalization then only happens through confirm")

	fs.StringVar(&c.InputDir, "input-dir", "inputs", "directory holding submission XML documents")
	fs.StringVar(&c.OutputDir, "output-dir", "outputs", "directory for triage result files (file store)")
	fs.BoolVar(&c.WatchInputs, "watch-inputs", true, "cache the submission listing and refresh it on filesystem events")
	fs.StringVar(&c.RecordStore, "record-store", StoreFile, "triage record store: file, memory or postgres")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (required for the postgres record store)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for finalization notifications")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api routes (empty = no auth)")
}

// CompletionTimeout returns CompletionTimeoutSeconds as a duration.
func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateStorage()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateLLM() []error {
	var errs []error
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	// NaN fails both comparisons, so test for the valid range
	if !(c.Temperature >= 0 && c.Temperature <= 1) {
		errs = append(errs, fmt.Errorf("invalid TEMPERATURE %v (must be 0..1)", c.Temperature))
	}
	if c.MaxTokens <= 0 || c.MaxTokens > 64000 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOKENS %d (must be 1..64000)", c.MaxTokens))
	}
	if c.CompletionTimeoutSeconds <= 0 || c.CompletionTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid COMPLETION_TIMEOUT_SECONDS %d (must be 1..600)", c.CompletionTimeoutSeconds))
	}
	if c.MaxToolRounds <= 0 || c.MaxToolRounds > 50 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOOL_ROUNDS %d (must be 1..50)", c.MaxToolRounds))
	}
	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error
	if c.InputDir == "" {
		errs = append(errs, errors.New("INPUT_DIR is required"))
	}
	switch c.RecordStore {
	case StoreFile:
		if c.OutputDir == "" {
			errs = append(errs, errors.New("OUTPUT_DIR is required for the file record store"))
		}
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres record store"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RECORD_STORE %q (must be file, memory or postgres)", c.RecordStore))
	}
	return errs
}
