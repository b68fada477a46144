package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"plangate/internal/policy"
)

// Config models plangate.yml.
type Config struct {
	Database  Database  `yaml:"database"`
	Policy    Policy    `yaml:"policy"`
	Scheduler Scheduler `yaml:"scheduler"`
	Relay     Relay     `yaml:"relay"`
	Bus       Bus       `yaml:"bus"`
	Executor  Executor  `yaml:"executor"`
	Server    Server    `yaml:"server"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Policy holds the inline risk mapping. When File is set the mapping is read
// from that file instead and reloaded on change.
type Policy struct {
	policy.Policy `yaml:",inline"`
	File          string `yaml:"file,omitempty"`
}

type Scheduler struct {
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxParallel      int           `yaml:"max_parallel"`
}

type Relay struct {
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ClaimTimeout   time.Duration `yaml:"claim_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
}

type Bus struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url,omitempty"`
	Secret  string        `yaml:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	Events  []string      `yaml:"events,omitempty"`
}

// Executor selects how `plangate serve` runs tools: echo answers in-process,
// http posts each execution to URL.
type Executor struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url,omitempty"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no plangate.yml exists.
func Default() *Config {
	return &Config{
		Database: Database{Driver: "sqlite"},
		Policy:   Policy{Policy: policy.Default()},
		Scheduler: Scheduler{
			ApprovalTimeout:  24 * time.Hour,
			ExecutionTimeout: 30 * time.Minute,
			SweepInterval:    30 * time.Second,
			MaxParallel:      4,
		},
		Relay: Relay{
			BatchSize:      100,
			PollInterval:   2 * time.Second,
			MaxRetries:     8,
			BaseBackoff:    time.Second,
			MaxBackoff:     5 * time.Minute,
			Jitter:         0.2,
			PublishTimeout: 10 * time.Second,
			ClaimTimeout:   5 * time.Minute,
		},
		Bus:      Bus{Kind: "log", Timeout: 5 * time.Second},
		Executor: Executor{Kind: "echo", Timeout: 5 * time.Minute},
		Server:   Server{Addr: ":8080"},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Policy.File == "" {
		if err := c.Policy.Policy.Validate(); err != nil {
			return fmt.Errorf("config.policy: %w", err)
		}
	}
	if c.Scheduler.ApprovalTimeout < 0 || c.Scheduler.ExecutionTimeout < 0 {
		return fmt.Errorf("config.scheduler timeouts must not be negative")
	}
	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("config.scheduler.max_parallel must be at least 1")
	}
	if c.Relay.BatchSize < 1 {
		return fmt.Errorf("config.relay.batch_size must be at least 1")
	}
	if c.Relay.MaxRetries < 0 {
		return fmt.Errorf("config.relay.max_retries must not be negative")
	}
	if c.Relay.Jitter < 0 || c.Relay.Jitter > 1 {
		return fmt.Errorf("config.relay.jitter must be within [0,1]")
	}
	if c.Relay.MaxBackoff > 0 && c.Relay.MaxBackoff < c.Relay.BaseBackoff {
		return fmt.Errorf("config.relay.max_backoff must not be below base_backoff")
	}
	switch c.Bus.Kind {
	case "log":
	case "webhook":
		if c.Bus.URL == "" {
			return fmt.Errorf("config.bus.url is required for webhook bus")
		}
	default:
		return fmt.Errorf("config.bus.kind must be log or webhook, got %q", c.Bus.Kind)
	}
	switch c.Executor.Kind {
	case "echo":
	case "http":
		if c.Executor.URL == "" {
			return fmt.Errorf("config.executor.url is required for http executor")
		}
	default:
		return fmt.Errorf("config.executor.kind must be echo or http, got %q", c.Executor.Kind)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "plangate.yml")
}

// Load reads config from the workspace, falling back to Default when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Policy.File != "" && !filepath.IsAbs(cfg.Policy.File) {
		cfg.Policy.File = filepath.Join(workspace, cfg.Policy.File)
	}
	return cfg, nil
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders c as YAML, e.g. for `plangate config show`.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
