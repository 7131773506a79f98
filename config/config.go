// Package config loads the YAML files that describe which servers the
// client can launch and how persistently it should retry them. A loaded
// Config implements the client's ServerSource, so it plugs straight
// into NewClient.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

// Duration is a time.Duration that unmarshals from YAML scalars like
// "30s" or "1m30s" via time.ParseDuration.
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

// Config is the top-level client configuration.
type Config struct {
	// Default names the server Connect falls back to when the caller
	// does not pick one. When exactly one server is configured it is
	// implied and may be left empty.
	Default string `yaml:"default_server,omitempty"`

	Retry RetrySettings `yaml:"retry,omitempty"`

	// Servers maps server names to their launch configurations.
	Servers map[string]ServerEntry `yaml:"servers"`
}

// ServerEntry describes how to launch and constrain one server.
type ServerEntry struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`

	// Timeout bounds each request to this server, e.g. "30s". Zero
	// uses the client default.
	Timeout Duration `yaml:"timeout,omitempty"`

	// AllowedTools restricts the tools exposed from this server to the
	// given glob patterns. Empty means everything is allowed.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
}

// RetrySettings holds the connect retry policy.
type RetrySettings struct {
	MaxRetries        int      `yaml:"max_retries,omitempty"`
	RetryDelay        Duration `yaml:"retry_delay,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty"`
}

var _ mcp.ServerSource = (*Config)(nil)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Retry: RetrySettings{
			MaxRetries:        3,
			RetryDelay:        Duration(time.Second),
			BackoffMultiplier: 2.0,
		},
		Servers: map[string]ServerEntry{},
	}
}

// Load reads a YAML config file, applies env var overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes on top of the defaults, applies env
// var overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MCPCLI_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPCLI_DEFAULT_SERVER"); v != "" {
		cfg.Default = v
	}
	if v := os.Getenv("MCPCLI_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("MCPCLI_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retry.RetryDelay = Duration(d)
		}
	}
}

// Validate checks that every configured server is launchable and the
// retry policy is sane.
func Validate(cfg *Config) error {
	if len(cfg.Servers) == 0 {
		return errors.New("no servers configured")
	}
	for name, entry := range cfg.Servers {
		if name == "" {
			return errors.New("server name cannot be empty")
		}
		if entry.Command == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
		if entry.Timeout < 0 {
			return fmt.Errorf("server %q: timeout cannot be negative", name)
		}
		for _, pattern := range entry.AllowedTools {
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("server %q: invalid allowed_tools pattern %q: %w", name, pattern, err)
			}
		}
	}
	if cfg.Default != "" {
		if _, ok := cfg.Servers[cfg.Default]; !ok {
			return fmt.Errorf("default server %q is not configured", cfg.Default)
		}
	}
	if cfg.Retry.MaxRetries < 0 {
		return errors.New("retry: max_retries cannot be negative")
	}
	if cfg.Retry.RetryDelay < 0 {
		return errors.New("retry: retry_delay cannot be negative")
	}
	if cfg.Retry.BackoffMultiplier < 0 {
		return errors.New("retry: backoff_multiplier cannot be negative")
	}
	return nil
}

// Server returns the launch configuration for the named server.
func (c *Config) Server(name string) (mcp.ServerConfig, error) {
	entry, ok := c.Servers[name]
	if !ok {
		return mcp.ServerConfig{}, fmt.Errorf("server %q is not configured: %w", name, mcp.ErrServerNotFound)
	}
	return mcp.ServerConfig{
		Name:         name,
		Command:      entry.Command,
		Args:         entry.Args,
		Env:          entry.Env,
		Cwd:          entry.Cwd,
		Timeout:      time.Duration(entry.Timeout),
		AllowedTools: entry.AllowedTools,
	}, nil
}

// DefaultServer returns the configured default server name. When no
// default is set and exactly one server is configured, that server is
// the default.
func (c *Config) DefaultServer() string {
	if c.Default != "" {
		return c.Default
	}
	if len(c.Servers) == 1 {
		for name := range c.Servers {
			return name
		}
	}
	return ""
}

// RetryPolicy returns the connect retry policy.
func (c *Config) RetryPolicy() mcp.RetryConfig {
	return mcp.RetryConfig{
		MaxRetries:        c.Retry.MaxRetries,
		RetryDelay:        time.Duration(c.Retry.RetryDelay),
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
}
