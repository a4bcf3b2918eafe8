// Package config loads nodeflow settings from a YAML file with defaults
// merged in and NODEFLOW_ environment overrides applied on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NODEFLOW_"

// Config holds all settings.
type Config struct {
	DataDir       string            `yaml:"data_dir"`
	ObjectStore   ObjectStoreConfig `yaml:"object_store"`
	Ledger        LedgerConfig      `yaml:"ledger"`
	CheckpointDir string            `yaml:"checkpoint_dir"`
	NodeLogDir    string            `yaml:"node_log_dir"`
	Log           LogConfig         `yaml:"log"`
	Poll          PollConfig        `yaml:"poll"`
	Prediction    PredictionConfig  `yaml:"prediction"`

	// RetainStepRecords keeps durable step records after a node completes.
	RetainStepRecords bool `yaml:"retain_step_records"`

	// InlineSleep is the longest durable sleep served in process.
	InlineSleep time.Duration `yaml:"inline_sleep"`

	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// SecretPrefix is prepended to the names nodes look up in the process
	// environment, e.g. NODEFLOW_SECRET_PREDICTION_API_TOKEN.
	SecretPrefix string `yaml:"secret_prefix"`
}

type ObjectStoreConfig struct {
	// Backend is memory, file or badger.
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type LedgerConfig struct {
	// Backend is memory, sqlite, badger or postgres.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type LogConfig struct {
	// Format is text or json.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type PredictionConfig struct {
	BaseURL string `yaml:"base_url"`
}

var (
	objectStoreBackends = []string{"memory", "file", "badger"}
	ledgerBackends      = []string{"memory", "sqlite", "badger", "postgres"}
	logFormats          = []string{"text", "json"}
	logLevels           = []string{"debug", "info", "warn", "error"}
)

// Default returns the default configuration. Paths left empty are derived
// from DataDir by Load.
func Default() Config {
	return Config{
		DataDir:           ".nodeflow",
		ObjectStore:       ObjectStoreConfig{Backend: "file"},
		Ledger:            LedgerConfig{Backend: "sqlite"},
		Log:               LogConfig{Format: "text", Level: "info"},
		Poll:              PollConfig{Interval: 5 * time.Second, MaxAttempts: 120},
		InlineSleep:       time.Second,
		MaxConcurrentRuns: 4,
		SecretPrefix:      "NODEFLOW_SECRET",
	}
}

// Load reads the file at path, which may be empty, and applies defaults
// and environment overrides from the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with a custom environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	cfg.derivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) derivePaths() {
	if c.ObjectStore.Dir == "" {
		c.ObjectStore.Dir = filepath.Join(c.DataDir, "objects")
	}
	if c.Ledger.Path == "" {
		switch c.Ledger.Backend {
		case "sqlite":
			c.Ledger.Path = filepath.Join(c.DataDir, "steps.db")
		case "badger":
			c.Ledger.Path = filepath.Join(c.DataDir, "steps")
		}
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.DataDir, "runs")
	}
	if c.NodeLogDir == "" {
		c.NodeLogDir = filepath.Join(c.DataDir, "logs")
	}
}

// Validate rejects unknown backends and out of range values.
func (c *Config) Validate() error {
	var errs []error
	if err := oneOf("object_store.backend", c.ObjectStore.Backend, objectStoreBackends); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("ledger.backend", c.Ledger.Backend, ledgerBackends); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Backend == "postgres" && c.Ledger.DSN == "" {
		errs = append(errs, fmt.Errorf("ledger.dsn is required for the postgres backend"))
	}
	if err := oneOf("log.format", c.Log.Format, logFormats); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("log.level", strings.ToLower(c.Log.Level), logLevels); err != nil {
		errs = append(errs, err)
	}
	if c.Poll.Interval < 0 {
		errs = append(errs, fmt.Errorf("poll.interval must not be negative"))
	}
	if c.Poll.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("poll.max_attempts must not be negative"))
	}
	if c.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_runs must not be negative"))
	}
	return errors.Join(errs...)
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (expected one of %s)", field, value, strings.Join(allowed, ", "))
}

// envOverrides maps environment names, without the prefix, to setters.
var envOverrides = map[string]func(c *Config, v string) error{
	"DATA_DIR":             func(c *Config, v string) error { c.DataDir = v; return nil },
	"OBJECT_STORE_BACKEND": func(c *Config, v string) error { c.ObjectStore.Backend = v; return nil },
	"OBJECT_STORE_DIR":     func(c *Config, v string) error { c.ObjectStore.Dir = v; return nil },
	"LEDGER_BACKEND":       func(c *Config, v string) error { c.Ledger.Backend = v; return nil },
	"LEDGER_PATH":          func(c *Config, v string) error { c.Ledger.Path = v; return nil },
	"LEDGER_DSN":           func(c *Config, v string) error { c.Ledger.DSN = v; return nil },
	"CHECKPOINT_DIR":       func(c *Config, v string) error { c.CheckpointDir = v; return nil },
	"NODE_LOG_DIR":         func(c *Config, v string) error { c.NodeLogDir = v; return nil },
	"LOG_FORMAT":           func(c *Config, v string) error { c.Log.Format = v; return nil },
	"LOG_LEVEL":            func(c *Config, v string) error { c.Log.Level = v; return nil },
	"PREDICTION_URL":       func(c *Config, v string) error { c.Prediction.BaseURL = v; return nil },
	"SECRET_PREFIX":        func(c *Config, v string) error { c.SecretPrefix = v; return nil },
	"POLL_INTERVAL": func(c *Config, v string) (err error) {
		c.Poll.Interval, err = time.ParseDuration(v)
		return err
	},
	"POLL_MAX_ATTEMPTS": func(c *Config, v string) (err error) {
		c.Poll.MaxAttempts, err = strconv.Atoi(v)
		return err
	},
	"INLINE_SLEEP": func(c *Config, v string) (err error) {
		c.InlineSleep, err = time.ParseDuration(v)
		return err
	},
	"MAX_CONCURRENT_RUNS": func(c *Config, v string) (err error) {
		c.MaxConcurrentRuns, err = strconv.Atoi(v)
		return err
	},
	"RETAIN_STEP_RECORDS": func(c *Config, v string) (err error) {
		c.RetainStepRecords, err = strconv.ParseBool(v)
		return err
	},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}
