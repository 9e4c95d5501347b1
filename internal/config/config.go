// Package config provides configuration parsing and validation for Burrow.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a relay or hidden
// process. CLI flags override anything loaded from a file.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Relay   RelayConfig   `yaml:"relay"`
	Hidden  HiddenConfig  `yaml:"hidden"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	// Address is the host:port to serve /metrics on. Empty disables it.
	Address string `yaml:"address"`
}

// RelayConfig configures the public-side process.
type RelayConfig struct {
	// Bind is the address both public listeners bind to.
	Bind string `yaml:"bind"`

	// ConfigPort is the control port the hidden agent dials.
	ConfigPort uint16 `yaml:"config_port"`

	// ExposedPort is the public data port external clients connect to.
	ExposedPort uint16 `yaml:"exposed_port"`
}

// HiddenConfig configures the private-side process.
type HiddenConfig struct {
	// RelayIP is the relay host to dial.
	RelayIP string `yaml:"relay_ip"`

	// ConfigPort is the relay's control port.
	ConfigPort uint16 `yaml:"config_port"`

	// TargetPort is the local service port flows are delivered to.
	TargetPort uint16 `yaml:"target_port"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Bind:        "0.0.0.0",
			ConfigPort:  10000,
			ExposedPort: 20000,
		},
		Hidden: HiddenConfig{
			RelayIP:    "127.0.0.1",
			ConfigPort: 10000,
			TargetPort: 20000,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for problems.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.Metrics.Address, err)
		}
	}

	if c.Relay.Bind != "" && net.ParseIP(c.Relay.Bind) == nil {
		return fmt.Errorf("invalid relay bind address %q", c.Relay.Bind)
	}

	if c.Hidden.RelayIP == "" {
		return fmt.Errorf("hidden relay_ip must not be empty")
	}

	return nil
}
