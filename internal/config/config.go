// Package config loads and validates the YAML configuration for the
// socks4ad daemon, following the load-then-validate shape of
// Ealireza-SuperProxy's config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration.
type Config struct {
	// Port the SOCKS4/4A listener binds to, on all interfaces.
	Port int `yaml:"port"`

	// MetricsAddr, if non-empty, serves Prometheus metrics at /metrics
	// on this address (e.g. "127.0.0.1:9090"). Disabled when empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// MaxSessions caps concurrently registered sessions (those that have
	// completed the handshake); 0 means unbounded. Connections still in
	// the handshake are not counted.
	MaxSessions int `yaml:"max_sessions"`

	// HandshakeBufferCap bounds the inbound read buffer during the
	// handshake phase; exceeding it without a complete request is
	// Invalid. The protocol spec recommends 4 KiB.
	HandshakeBufferCap int `yaml:"handshake_buffer_cap"`

	// DialTimeout bounds the outbound TCP connect. For SOCKS4A the
	// hostname lookup that precedes the connect is not covered by it.
	// Zero means no timeout, matching the original implementation's
	// behavior.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
}

const (
	defaultHandshakeBufferCap = 4096
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
)

// Load reads, defaults and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		HandshakeBufferCap: defaultHandshakeBufferCap,
		LogLevel:           defaultLogLevel,
		LogFormat:          defaultLogFormat,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range (1-65535)", c.Port)
	}
	if c.HandshakeBufferCap <= 0 {
		return fmt.Errorf("config: handshake_buffer_cap must be positive, got %d", c.HandshakeBufferCap)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("config: max_sessions must be >= 0, got %d", c.MaxSessions)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("config: dial_timeout must be >= 0, got %s", c.DialTimeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	return nil
}
