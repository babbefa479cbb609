package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all warden configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// On-disk locations of per-trace state, contracts, ledger and journal
	State StateConfig `yaml:"state"`

	// Evidence freshness
	Evidence EvidenceConfig `yaml:"evidence"`

	// Failure-mode cascade knobs
	FailMode FailModeConfig `yaml:"failmode"`

	// ACI intent routing
	Intent IntentConfig `yaml:"intent"`

	// Resolution engine
	Resolution ResolutionConfig `yaml:"resolution"`

	// Counterfactual simulation
	Simulate SimulateConfig `yaml:"simulate"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StateConfig locates warden's files. Relative paths resolve against the
// process working directory.
type StateConfig struct {
	// Per-trace evidence, causal trace and task graph files
	Dir string `yaml:"dir"`

	// Capability contract YAML files
	ContractsDir string `yaml:"contracts_dir"`

	// Issuance ledger NDJSON file
	LedgerPath string `yaml:"ledger_path"`

	// Execution journal SQLite database. Empty disables the journal.
	JournalPath string `yaml:"journal_path"`

	// Log files
	LogsDir string `yaml:"logs_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.4.0",

		State: StateConfig{
			Dir:          ".warden/state",
			ContractsDir: "contracts",
			LedgerPath:   ".warden/ledger.jsonl",
			JournalPath:  ".warden/journal.db",
			LogsDir:      ".warden/logs",
		},

		Evidence: EvidenceConfig{
			TTL: map[string]string{
				"introspection": "300s",
				"command":       "300s",
				"file":          "3600s",
				"test":          "3600s",
				"observation":   "60s",
			},
		},

		FailMode: FailModeConfig{
			AckToken: "ACK-IRREVERSIBLE",
		},

		Intent: IntentConfig{
			Threshold: 0.68,
		},

		Simulate: SimulateConfig{
			Concurrency: 4,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults, still subject to env overrides
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WARDEN_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("WARDEN_CONTRACTS_DIR"); v != "" {
		c.State.ContractsDir = v
	}
	if v := os.Getenv("WARDEN_LEDGER_PATH"); v != "" {
		c.State.LedgerPath = v
	}
	// Set but empty is meaningful: it disables the journal.
	if v, ok := os.LookupEnv("WARDEN_JOURNAL_PATH"); ok {
		c.State.JournalPath = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
		c.Logging.DebugMode = true
	}
	if v := os.Getenv("WARDEN_INTENT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Intent.Threshold = f
		}
	}
}

// ValidLogLevels lists the accepted logging.level values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.State.ContractsDir == "" {
		return fmt.Errorf("state.contracts_dir is required")
	}
	if c.State.LedgerPath == "" {
		return fmt.Errorf("state.ledger_path is required")
	}
	if _, err := c.Evidence.TTLs(); err != nil {
		return err
	}
	if c.Intent.Threshold <= 0 || c.Intent.Threshold >= 1 {
		return fmt.Errorf("intent.threshold must be in (0, 1), got %v", c.Intent.Threshold)
	}
	if c.Simulate.Concurrency < 1 {
		return fmt.Errorf("simulate.concurrency must be >= 1")
	}
	if _, err := c.FailMode.GetEvidenceMaxAge(); err != nil {
		return err
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	return nil
}

// JournalEnabled reports whether an execution journal is configured.
func (c *Config) JournalEnabled() bool {
	return c.State.JournalPath != ""
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
