// SPDX-License-Identifier: GPL-3.0-or-later

// Package appconfig loads the YAML configuration of the hopcat command.
package appconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/bassosimone/hops"
	"github.com/bassosimone/hops/compressor"
	"gopkg.in/yaml.v3"
)

// Config is the hopcat configuration.
type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Compression CompressionConfig `yaml:"compression"`
	DNS         DNSConfig         `yaml:"dns"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	LogLevel    string            `yaml:"log_level"`
}

// TransportConfig selects and tunes the wire transport.
type TransportConfig struct {
	Kind          string `yaml:"kind"`
	Bind          string `yaml:"bind"`
	LocalPort     int    `yaml:"local_port"`
	RemoteHost    string `yaml:"remote_host"`
	RemotePort    int    `yaml:"remote_port"`
	NoDelay       bool   `yaml:"no_delay"`
	BufferSize    int    `yaml:"buffer_size"`
	WebSocketPath string `yaml:"websocket_path"`
}

// CompressionConfig configures the compression stage.
type CompressionConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Algorithms []string `yaml:"algorithms"`
	BlockSize  int      `yaml:"block_size"`

	// MaxBlockSize, when positive, is stored under the
	// compr_max_block_size bag key before the compression stage runs.
	MaxBlockSize int `yaml:"max_block_size"`
}

// DNSConfig configures name resolution for bind specifiers.
type DNSConfig struct {
	// Server is an optional ip:port of a DNS-over-UDP server. When empty,
	// the system resolver is used.
	Server string `yaml:"server"`
}

// TimeoutsConfig contains the timeouts.
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake"`
	Shutdown  time.Duration `yaml:"shutdown"`
	Drain     time.Duration `yaml:"drain"`
}

// Transport kinds.
const (
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:       KindTCP,
			Bind:       "127.0.0.1",
			LocalPort:  9000,
			RemoteHost: "127.0.0.1",
			RemotePort: 9000,
			NoDelay:    true,
		},
		Compression: CompressionConfig{
			Enabled:    true,
			Algorithms: []string{compressor.LZ4.Name, compressor.S2.Name},
			BlockSize:  65536,
		},
		Timeouts: TimeoutsConfig{
			Handshake: 10 * time.Second,
			Shutdown:  5 * time.Second,
			Drain:     time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the configuration from path, applying it over [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case KindTCP, KindWebSocket:
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Transport.Kind)
	}
	if c.Transport.LocalPort < 0 || c.Transport.LocalPort > 65535 {
		return errors.New("local_port must be between 0 and 65535")
	}
	if c.Transport.RemotePort < 0 || c.Transport.RemotePort > 65535 {
		return errors.New("remote_port must be between 0 and 65535")
	}
	if c.Transport.BufferSize < 0 {
		return errors.New("buffer_size cannot be negative")
	}
	if c.Transport.Kind == KindWebSocket && c.Transport.WebSocketPath != "" &&
		!strings.HasPrefix(c.Transport.WebSocketPath, "/") {
		return errors.New("websocket_path must start with /")
	}

	if c.Compression.Enabled {
		if len(c.Compression.Algorithms) <= 0 {
			return errors.New("compression requires at least one algorithm")
		}
		if _, err := c.Factories(); err != nil {
			return err
		}
		if c.Compression.BlockSize <= 0 || c.Compression.BlockSize > compressor.MaxBlockSize {
			return fmt.Errorf("block_size must be between 1 and %d", compressor.MaxBlockSize)
		}
		if c.Compression.MaxBlockSize < 0 {
			return errors.New("max_block_size cannot be negative")
		}
	}

	if c.DNS.Server != "" {
		if _, err := netip.ParseAddrPort(c.DNS.Server); err != nil {
			return fmt.Errorf("invalid dns server: %w", err)
		}
	}

	if c.Timeouts.Handshake <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if c.Timeouts.Shutdown <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Timeouts.Drain < 0 {
		return errors.New("drain timeout cannot be negative")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Factories resolves the configured algorithm names, keeping their order.
func (c *Config) Factories() ([]*compressor.Factory, error) {
	var out []*compressor.Factory
	for _, name := range c.Compression.Algorithms {
		factory, found := compressor.Lookup(name)
		if !found {
			return nil, fmt.Errorf("unknown compression algorithm: %q", name)
		}
		out = append(out, factory)
	}
	return out, nil
}

// HopsTransportConfig returns the [*hops.TransportConfig] to use.
func (c *Config) HopsTransportConfig() *hops.TransportConfig {
	return &hops.TransportConfig{
		Bind:          c.Transport.Bind,
		BufferSize:    c.Transport.BufferSize,
		LocalPort:     c.Transport.LocalPort,
		NoDelay:       c.Transport.NoDelay,
		RemoteHost:    c.Transport.RemoteHost,
		RemotePort:    c.Transport.RemotePort,
		WebSocketPath: c.Transport.WebSocketPath,
	}
}

// Apply copies the timeouts into cfg.
func (c *Config) Apply(cfg *hops.Config) {
	cfg.HandshakeTimeout = c.Timeouts.Handshake
	cfg.ShutdownTimeout = c.Timeouts.Shutdown
	cfg.DrainTimeout = c.Timeouts.Drain
}

// ParseLogLevel maps debug, info, warn and error to a [slog.Level].
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", level)
	}
}
