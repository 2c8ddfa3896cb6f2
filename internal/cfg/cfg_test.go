package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:             60,
		ShutdownBudgetSeconds:    90,
		APIPort:                  8080,
		ClaudeAPIKey:             "sk-test-key",
		ClaudeModel:              "claude-sonnet-4-20250514",
		Temperature:              0.7,
		MaxTokens:                4096,
		CompletionTimeoutSeconds: 120,
		MaxToolRounds:            10,
		InputDir:                 "inputs",
		OutputDir:                "outputs",
		RecordStore:              StoreFile,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", c.Temperature)
	}
	if c.MaxToolRounds != 10 {
		t.Errorf("MaxToolRounds = %d, want 10", c.MaxToolRounds)
	}
	if c.InputDir != "inputs" || c.OutputDir != "outputs" {
		t.Errorf("dirs = (%q, %q), want (inputs, outputs)", c.InputDir, c.OutputDir)
	}
	if c.RecordStore != StoreFile {
		t.Errorf("RecordStore = %q, want %q", c.RecordStore, StoreFile)
	}
	if !c.WatchInputs {
		t.Error("WatchInputs = false, want true")
	}
	if c.CompletionTimeout() != 120*time.Second {
		t.Errorf("CompletionTimeout = %v, want 2m", c.CompletionTimeout())
	}

	// Defaults only lack the API key.
	c.ClaudeAPIKey = "k"
	if err := c.Validate(); err != nil {
		t.Errorf("defaults with api key should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-http-port", "9090",
		"-claude-api-key", "sk-override",
		"-temperature", "0.2",
		"-max-tool-rounds", "3",
		"-record-store", "postgres",
		"-database-url", "postgres://localhost/underwrite",
		"-api-token", "tok",
		"-disable-tools",
		"-watch-inputs=false",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", c.Temperature)
	}
	if c.MaxToolRounds != 3 {
		t.Errorf("MaxToolRounds = %d, want 3", c.MaxToolRounds)
	}
	if c.RecordStore != StorePostgres || c.DatabaseURL == "" {
		t.Errorf("store = (%q, %q)", c.RecordStore, c.DatabaseURL)
	}
	if c.APIToken != "tok" {
		t.Errorf("APIToken = %q, want tok", c.APIToken)
	}
	if !c.DisableTools || c.WatchInputs {
		t.Errorf("DisableTools = %v, WatchInputs = %v", c.DisableTools, c.WatchInputs)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string
	}{
		{name: "defaults are valid", cfg: validBase()},
		{name: "memory store", cfg: with(func(c *Config) { c.RecordStore = StoreMemory; c.OutputDir = "" })},
		{name: "postgres store", cfg: with(func(c *Config) { c.RecordStore = StorePostgres; c.DatabaseURL = "postgres://x" })},
		{name: "temperature bounds", cfg: with(func(c *Config) { c.Temperature = 1 })},
		{name: "temperature zero", cfg: with(func(c *Config) { c.Temperature = 0 })},
		{name: "budget is drain plus one", cfg: with(func(c *Config) { c.DrainSeconds = 60; c.ShutdownBudgetSeconds = 61 })},
		{name: "port upper bound", cfg: with(func(c *Config) { c.APIPort = 65535 })},

		{"drain zero", with(func(c *Config) { c.DrainSeconds = 0 }), true, []string{"DRAIN_SECONDS"}},
		{"drain above max", with(func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }), true, []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"}},
		{"budget equals drain", with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }), true, []string{"must be greater than"}},
		{"budget less than drain", with(func(c *Config) { c.ShutdownBudgetSeconds = 30 }), true, []string{"must be greater than"}},
		{"port zero", with(func(c *Config) { c.APIPort = 0 }), true, []string{"HTTP_PORT"}},
		{"port above max", with(func(c *Config) { c.APIPort = 65536 }), true, []string{"HTTP_PORT"}},
		{"empty claude api key", with(func(c *Config) { c.ClaudeAPIKey = "" }), true, []string{"CLAUDE_API_KEY"}},
		{"empty claude model", with(func(c *Config) { c.ClaudeModel = "" }), true, []string{"CLAUDE_MODEL"}},
		{"temperature negative", with(func(c *Config) { c.Temperature = -0.1 }), true, []string{"TEMPERATURE"}},
		{"temperature above one", with(func(c *Config) { c.Temperature = 1.5 }), true, []string{"TEMPERATURE"}},
		{"temperature NaN", with(func(c *Config) { c.Temperature = math.NaN() }), true, []string{"TEMPERATURE"}},
		{"max tokens zero", with(func(c *Config) { c.MaxTokens = 0 }), true, []string{"MAX_TOKENS"}},
		{"completion timeout zero", with(func(c *Config) { c.CompletionTimeoutSeconds = 0 }), true, []string{"COMPLETION_TIMEOUT_SECONDS"}},
		{"tool rounds zero", with(func(c *Config) { c.MaxToolRounds = 0 }), true, []string{"MAX_TOOL_ROUNDS"}},
		{"tool rounds above max", with(func(c *Config) { c.MaxToolRounds = 51 }), true, []string{"MAX_TOOL_ROUNDS"}},
		{"empty input dir", with(func(c *Config) { c.InputDir = "" }), true, []string{"INPUT_DIR"}},
		{"file store without output dir", with(func(c *Config) { c.OutputDir = "" }), true, []string{"OUTPUT_DIR"}},
		{"postgres without url", with(func(c *Config) { c.RecordStore = StorePostgres }), true, []string{"DATABASE_URL"}},
		{"unknown store", with(func(c *Config) { c.RecordStore = "sqlite" }), true, []string{"RECORD_STORE"}},
		{
			name:      "all fields invalid",
			cfg:       Config{Temperature: -1},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "CLAUDE_API_KEY", "CLAUDE_MODEL", "TEMPERATURE", "MAX_TOKENS", "COMPLETION_TIMEOUT_SECONDS", "MAX_TOOL_ROUNDS", "INPUT_DIR", "RECORD_STORE"},
		},
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	seeds := []struct {
		drain, budget, port, rounds int
		temp                        float64
		key, store, dbURL           string
	}{
		{60, 90, 8080, 10, 0.7, "sk-test", "file", ""},
		{1, 2, 1, 1, 0, "k", "memory", ""},
		{299, 300, 65535, 50, 1, "k", "postgres", "postgres://x"},
		{0, 0, 0, 0, -1, "", "", ""},
		{300, 300, 65535, 51, 1.01, "k", "postgres", ""},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.Inf(1), "", "sqlite", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.NaN(), "", "file", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.rounds, s.temp, s.key, s.store, s.dbURL)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, rounds int, temp float64, key, store, dbURL string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.MaxToolRounds = rounds
		c.Temperature = temp
		c.ClaudeAPIKey = key
		c.RecordStore = store
		c.DatabaseURL = dbURL
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		roundsOK := rounds >= 1 && rounds <= 50
		tempOK := temp >= 0 && temp <= 1
		keyOK := key != ""
		storeOK := store == StoreFile || store == StoreMemory || (store == StorePostgres && dbURL != "")

		allValid := drainOK && budgetOK && portOK && crossOK && roundsOK && tempOK && keyOK && storeOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
