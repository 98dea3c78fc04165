// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/messaging"
	"github.com/parleyhq/parley/internal/presence"
	"github.com/parleyhq/parley/internal/receipts"
)

// Config represents the complete parley configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Limits   LimitsConfig   `yaml:"limits"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Receipts ReceiptsConfig `yaml:"receipts"`
	Presence PresenceConfig `yaml:"presence"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LimitsConfig holds message mutation and size limits
type LimitsConfig struct {
	EditWindow      time.Duration `yaml:"-"`
	DeleteWindow    time.Duration `yaml:"-"`
	MaxContentBytes int           `yaml:"max_content_bytes"`

	// Raw string values for YAML unmarshaling
	EditWindowRaw   string `yaml:"edit_window"`
	DeleteWindowRaw string `yaml:"delete_window"`
}

// RealtimeConfig holds event fan-out configuration
type RealtimeConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ReceiptsConfig holds read-receipt debounce configuration
type ReceiptsConfig struct {
	QuietWindow time.Duration `yaml:"-"`

	QuietWindowRaw string `yaml:"quiet_window"`
}

// PresenceConfig holds typing indicator configuration
type PresenceConfig struct {
	TypingTTL     time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TypingTTLRaw     string `yaml:"typing_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// Default returns a Config populated with usable defaults for every field
// except database.path, which has no sensible default and must be set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8420",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Limits: LimitsConfig{
			EditWindow:      messaging.DefaultMutationWindow,
			DeleteWindow:    messaging.DefaultMutationWindow,
			MaxContentBytes: messaging.DefaultMaxContentBytes,
		},
		Realtime: RealtimeConfig{
			QueueSize: dispatch.DefaultQueueSize,
		},
		Receipts: ReceiptsConfig{
			QuietWindow: receipts.DefaultQuietWindow,
		},
		Presence: PresenceConfig{
			TypingTTL:     presence.DefaultTypingTTL,
			SweepInterval: presence.DefaultSweepInterval,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Limits.EditWindow < 0 {
		return fmt.Errorf("limits.edit_window must not be negative")
	}
	if c.Limits.DeleteWindow < 0 {
		return fmt.Errorf("limits.delete_window must not be negative")
	}
	if c.Limits.MaxContentBytes <= 0 {
		return fmt.Errorf("limits.max_content_bytes must be positive")
	}

	if c.Realtime.QueueSize <= 0 {
		return fmt.Errorf("realtime.queue_size must be positive")
	}

	if c.Receipts.QuietWindow <= 0 {
		return fmt.Errorf("receipts.quiet_window must be positive")
	}

	if c.Presence.TypingTTL <= 0 {
		return fmt.Errorf("presence.typing_ttl must be positive")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Limits.EditWindowRaw != "" {
		cfg.Limits.EditWindow, err = time.ParseDuration(cfg.Limits.EditWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing edit_window %q: %w", cfg.Limits.EditWindowRaw, err)
		}
	}

	if cfg.Limits.DeleteWindowRaw != "" {
		cfg.Limits.DeleteWindow, err = time.ParseDuration(cfg.Limits.DeleteWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing delete_window %q: %w", cfg.Limits.DeleteWindowRaw, err)
		}
	}

	if cfg.Receipts.QuietWindowRaw != "" {
		cfg.Receipts.QuietWindow, err = time.ParseDuration(cfg.Receipts.QuietWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing quiet_window %q: %w", cfg.Receipts.QuietWindowRaw, err)
		}
	}

	if cfg.Presence.TypingTTLRaw != "" {
		cfg.Presence.TypingTTL, err = time.ParseDuration(cfg.Presence.TypingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_ttl %q: %w", cfg.Presence.TypingTTLRaw, err)
		}
	}

	if cfg.Presence.SweepIntervalRaw != "" {
		cfg.Presence.SweepInterval, err = time.ParseDuration(cfg.Presence.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Presence.SweepIntervalRaw, err)
		}
	}

	return nil
}
