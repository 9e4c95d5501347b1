package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	if cfg.Relay.ConfigPort != 10000 || cfg.Relay.ExposedPort != 20000 {
		t.Errorf("relay defaults = %+v", cfg.Relay)
	}
	if cfg.Hidden.RelayIP != "127.0.0.1" || cfg.Hidden.ConfigPort != 10000 || cfg.Hidden.TargetPort != 20000 {
		t.Errorf("hidden defaults = %+v", cfg.Hidden)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	data := `
log:
  level: debug
  format: json
metrics:
  address: 127.0.0.1:9090
relay:
  bind: 127.0.0.1
  config_port: 11000
  exposed_port: 21000
hidden:
  relay_ip: 203.0.113.10
  config_port: 11000
  target_port: 30000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Metrics.Address != "127.0.0.1:9090" {
		t.Errorf("metrics address = %q", cfg.Metrics.Address)
	}
	if cfg.Relay.Bind != "127.0.0.1" || cfg.Relay.ConfigPort != 11000 || cfg.Relay.ExposedPort != 21000 {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Hidden.RelayIP != "203.0.113.10" || cfg.Hidden.TargetPort != 30000 {
		t.Errorf("hidden = %+v", cfg.Hidden)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	if err := os.WriteFile(path, []byte("relay:\n  exposed_port: 8443\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.ExposedPort != 8443 {
		t.Errorf("exposed_port = %d, want 8443", cfg.Relay.ExposedPort)
	}
	if cfg.Relay.ConfigPort != 10000 {
		t.Errorf("config_port = %d, want default 10000", cfg.Relay.ConfigPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad metrics addr", func(c *Config) { c.Metrics.Address = "no-port" }},
		{"bad bind", func(c *Config) { c.Relay.Bind = "not-an-ip" }},
		{"empty relay ip", func(c *Config) { c.Hidden.RelayIP = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
