// Package config loads TOML configuration for a threadflow deployment with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top level deployment configuration.
type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Checkpoint   CheckpointConfig   `toml:"checkpoint"`
	Logging      LoggingConfig      `toml:"logging"`
}

// OrchestratorConfig tunes driving cycle behavior.
type OrchestratorConfig struct {
	EventBufferSize    int      `toml:"event_buffer_size"`
	CheckpointAttempts int      `toml:"checkpoint_attempts"`
	CheckpointBackoff  duration `toml:"checkpoint_backoff"`
	InterruptDeadline  duration `toml:"interrupt_deadline"`
	WatchdogInterval   duration `toml:"watchdog_interval"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `toml:"driver"`
	// Path is the database file path for the sqlite driver.
	Path string `toml:"path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration parses TOML strings like "30s" into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the parsed value as a time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			EventBufferSize:    100,
			CheckpointAttempts: 3,
			CheckpointBackoff:  duration(50 * time.Millisecond),
			WatchdogInterval:   duration(time.Second),
		},
		Checkpoint: CheckpointConfig{Driver: "memory"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from the given path, expanding ${VAR} environment
// references before decoding. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks field combinations the decoder cannot.
func (c *Config) Validate() error {
	switch c.Checkpoint.Driver {
	case "memory":
	case "sqlite":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown checkpoint.driver %q", c.Checkpoint.Driver)
	}
	if c.Orchestrator.EventBufferSize < 0 {
		return fmt.Errorf("orchestrator.event_buffer_size must not be negative")
	}
	if c.Orchestrator.CheckpointAttempts < 1 {
		return fmt.Errorf("orchestrator.checkpoint_attempts must be at least 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
