package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Finished-branch predicates accepted by cascade.finished_branch.
const (
	FinishedLastOrLastOpen = "last-or-last-open"
	FinishedLastOpen       = "last-open"
	FinishedLastOnlyActive = "last-only-active"
)

// Config models todo.yml.
type Config struct {
	Cascade struct {
		FinishedBranch       string `yaml:"finished_branch"`
		ResolveTaskFromSteps bool   `yaml:"resolve_task_from_steps"`
	} `yaml:"cascade"`
	Steps struct {
		AllowedTime     int    `yaml:"allowed_time"`
		AllowedTimeUnit string `yaml:"allowed_time_unit"`
	} `yaml:"steps"`
	ExtRef struct {
		BaseURL    string `yaml:"base_url"`
		Timeout    string `yaml:"timeout"`
		MaxRetries int    `yaml:"max_retries"`
		CacheTTL   string `yaml:"cache_ttl"`
		RedisAddr  string `yaml:"redis_addr"`
	} `yaml:"extref"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// WebhookConfig delivers new actions to an HTTP endpoint while the server
// runs. An empty Flags list delivers every action.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Flags   []string `yaml:"flags"`
	Secret  string   `yaml:"secret"`
	Timeout string   `yaml:"timeout"`
	Enabled *bool    `yaml:"enabled"`
}

// Active reports whether the hook should be dispatched.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

func (w WebhookConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(w.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with todo config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Cascade.FinishedBranch {
	case FinishedLastOrLastOpen, FinishedLastOpen, FinishedLastOnlyActive:
	default:
		return fmt.Errorf("cascade.finished_branch must be one of %s, %s, %s",
			FinishedLastOrLastOpen, FinishedLastOpen, FinishedLastOnlyActive)
	}
	if c.Steps.AllowedTime < 0 {
		return fmt.Errorf("steps.allowed_time must not be negative")
	}
	if _, err := parseDuration("steps.allowed_time_unit", c.Steps.AllowedTimeUnit); err != nil {
		return err
	}
	if _, err := parseDuration("extref.timeout", c.ExtRef.Timeout); err != nil {
		return err
	}
	if _, err := parseDuration("extref.cache_ttl", c.ExtRef.CacheTTL); err != nil {
		return err
	}
	if c.ExtRef.MaxRetries < 0 {
		return fmt.Errorf("extref.max_retries must not be negative")
	}
	if c.ExtRef.BaseURL != "" && !strings.HasPrefix(c.ExtRef.BaseURL, "http://") && !strings.HasPrefix(c.ExtRef.BaseURL, "https://") {
		return fmt.Errorf("extref.base_url must be an http(s) URL")
	}
	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("webhooks[%d].url must be an http(s) URL", i)
		}
		if w.Timeout != "" {
			if _, err := parseDuration(fmt.Sprintf("webhooks[%d].timeout", i), w.Timeout); err != nil {
				return err
			}
		}
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// AllowedTimeUnit is the duration of one unit of a step's allowed_time.
func (c *Config) AllowedTimeUnit() time.Duration {
	d, err := time.ParseDuration(c.Steps.AllowedTimeUnit)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func (c *Config) ExtRefTimeout() time.Duration {
	d, err := time.ParseDuration(c.ExtRef.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (c *Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.ExtRef.CacheTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "todo.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `cascade:
  # last-or-last-open | last-open | last-only-active
  finished_branch: last-or-last-open
  resolve_task_from_steps: false

steps:
  allowed_time: 3
  allowed_time_unit: 24h

extref:
  base_url: https://bugzilla.mozilla.org/rest
  timeout: 10s
  max_retries: 3
  cache_ttl: 10m
  redis_addr: ""

# webhooks:
#   - url: https://example.com/hooks/todo
#     flags: [resolved_completed, resolved_failed]
#     secret: change-me

telemetry:
  enabled: false
  stdout: false

log:
  level: info
`
