// Package config handles configuration loading for Keeper. Configuration
// lives in a single YAML file; a missing file yields the defaults so a fresh
// install works without any setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okapilab/keeper/internal/hooks"
	"github.com/okapilab/keeper/internal/policy"
	"github.com/okapilab/keeper/internal/runner"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClaudeConfig configures the agent subprocess.
type ClaudeConfig struct {
	// Path optionally overrides the agent command line. Empty uses the
	// default binary found on PATH.
	Path string `yaml:"path,omitempty"`
	// BufferLimit bounds each session's output replay buffer.
	BufferLimit int `yaml:"buffer_limit,omitempty"`
}

// SnapshotConfig configures snapshot persistence.
type SnapshotConfig struct {
	// Dir overrides where snapshots are stored. Empty uses the application
	// data directory.
	Dir string `yaml:"dir,omitempty"`
	// Interval is the minimum time between snapshot writes for one session.
	// Bursts of output within the interval coalesce into one write.
	Interval Duration `yaml:"interval,omitempty"`
}

// WebHooks are lifecycle commands run around the server.
type WebHooks struct {
	// Up starts when the server comes up and is stopped at shutdown.
	Up hooks.Hook `yaml:"up,omitempty"`
	// Down runs synchronously during shutdown.
	Down hooks.Hook `yaml:"down,omitempty"`
}

// WebConfig configures the HTTP/WebSocket interface.
type WebConfig struct {
	// Host is the listen address (default 127.0.0.1).
	Host string `yaml:"host,omitempty"`
	// Port is the listen port (default 8377).
	Port int `yaml:"port,omitempty"`
	// Hooks are lifecycle commands tied to the server.
	Hooks WebHooks `yaml:"hooks,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// JSON switches the output format to JSON.
	JSON bool `yaml:"json,omitempty"`
	// File enables logging to the rotating application log file.
	File bool `yaml:"file,omitempty"`
	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`
	// MaxBackups is how many rotated files to keep.
	MaxBackups int `yaml:"max_backups,omitempty"`
	// Components restricts log output to the named components,
	// comma-separated. Empty means all.
	Components string `yaml:"components,omitempty"`
}

// PermissionsConfig configures automatic permission handling.
type PermissionsConfig struct {
	// Timeout denies a pending permission request that nobody answers
	// within the window. Zero disables the timeout.
	Timeout Duration `yaml:"timeout,omitempty"`
	// Rules are evaluated in order against each permission request.
	Rules []policy.Rule `yaml:"rules,omitempty"`
}

// Config is the complete Keeper configuration.
type Config struct {
	Claude      ClaudeConfig      `yaml:"claude,omitempty"`
	Snapshots   SnapshotConfig    `yaml:"snapshots,omitempty"`
	Web         WebConfig         `yaml:"web,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Permissions PermissionsConfig `yaml:"permissions,omitempty"`
	// Runner optionally sandboxes agent subprocesses.
	Runner *runner.Config `yaml:"runner,omitempty"`
}

// Default values applied to unset fields.
const (
	DefaultBufferLimit      = 1000
	DefaultSnapshotInterval = 2 * time.Second
	DefaultWebHost          = "127.0.0.1"
	DefaultWebPort          = 8377
	DefaultLogLevel         = "info"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from path. A missing file is not an error;
// the defaults are returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Claude.BufferLimit == 0 {
		c.Claude.BufferLimit = DefaultBufferLimit
	}
	if c.Snapshots.Interval == 0 {
		c.Snapshots.Interval = Duration(DefaultSnapshotInterval)
	}
	if c.Web.Host == "" {
		c.Web.Host = DefaultWebHost
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultWebPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Claude.BufferLimit <= 0 {
		return fmt.Errorf("claude.buffer_limit must be positive, got %d", c.Claude.BufferLimit)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be in 1..65535, got %d", c.Web.Port)
	}
	if c.Snapshots.Interval < 0 {
		return fmt.Errorf("snapshots.interval must not be negative")
	}
	if c.Permissions.Timeout < 0 {
		return fmt.Errorf("permissions.timeout must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	// Compile the rules now so a typo fails at startup, not at the first
	// permission request.
	if _, err := policy.New(c.Permissions.Rules, nil); err != nil {
		return fmt.Errorf("permissions.rules: %w", err)
	}
	return nil
}

// WebAddr returns the listen address in host:port form.
func (c *Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}
