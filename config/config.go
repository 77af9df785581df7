// Package config loads bridge configuration.
//
// Values start from Default, are overlaid by an optional YAML or TOML file
// (chosen by extension), and the commands then apply their flags on top.
// Validate runs last.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"host-bridge/bridge"
	"host-bridge/protocol"
	"host-bridge/transport"
)

// Config is the full bridge configuration.
type Config struct {
	// Server configures the listener.
	Server ServerConfig `yaml:"server" toml:"server"`

	// Bridge configures the execution queue.
	Bridge BridgeConfig `yaml:"bridge" toml:"bridge"`

	// Limits configures request admission.
	Limits LimitsConfig `yaml:"limits" toml:"limits"`

	// Log configures logging.
	Log LogConfig `yaml:"log" toml:"log"`

	// Registry configures discovery. Disabled when Endpoints is empty.
	Registry RegistryConfig `yaml:"registry" toml:"registry"`

	// Client configures hostbridge-call.
	Client ClientConfig `yaml:"client" toml:"client"`
}

type ServerConfig struct {
	// Addr is the listen address. Must be loopback.
	// Default: 127.0.0.1:8080
	Addr string `yaml:"addr" toml:"addr"`

	// MaxBufferedBytes caps unframed data per connection.
	// Default: 16 MiB
	MaxBufferedBytes int `yaml:"max_buffered_bytes" toml:"max_buffered_bytes"`

	// ShutdownTimeout bounds how long shutdown waits for connections.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type BridgeConfig struct {
	// CommandTimeout is how long a queued command may wait for the host.
	// Default: 300s
	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout"`

	// HostQueueSize bounds pending host tasks; a full queue reports busy.
	HostQueueSize int `yaml:"host_queue_size" toml:"host_queue_size"`
}

type LimitsConfig struct {
	// RateLimit is requests per second across all connections. 0 disables it.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`

	// Retries is how many times a busy host is retried. 0 surfaces busy immediately.
	Retries    int           `yaml:"retries" toml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`

	// Format is "console" or "json".
	Format string `yaml:"format" toml:"format"`
}

type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints" toml:"endpoints"`

	// HostName is the name the bridge is announced and discovered under.
	HostName string `yaml:"host_name" toml:"host_name"`
}

type ClientConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout" toml:"call_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             "127.0.0.1:8080",
			MaxBufferedBytes: protocol.DefaultMaxBufferedBytes,
			ShutdownTimeout:  5 * time.Second,
		},
		Bridge: BridgeConfig{
			CommandTimeout: bridge.DefaultTimeout,
			HostQueueSize:  64,
		},
		Limits: LimitsConfig{
			Burst:      10,
			RetryDelay: 50 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Registry: RegistryConfig{
			HostName: "host",
		},
		Client: ClientConfig{
			DialTimeout: transport.DefaultConnectTimeout,
			CallTimeout: transport.DefaultCallTimeout,
		},
	}
}

// LoadFile loads path over the defaults. Files ending in .toml are read as
// TOML, anything else as YAML. An empty path returns the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late or silently.
func (c *Config) Validate() error {
	var errs []error

	host, _, err := net.SplitHostPort(c.Server.Addr)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	case host != "" && host != "localhost":
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			errs = append(errs, fmt.Errorf("server.addr: %q is not a loopback address", c.Server.Addr))
		}
	}
	if c.Server.MaxBufferedBytes <= 0 {
		errs = append(errs, errors.New("server.max_buffered_bytes must be positive"))
	}
	if c.Bridge.CommandTimeout <= 0 {
		errs = append(errs, errors.New("bridge.command_timeout must be positive"))
	}
	if c.Bridge.HostQueueSize <= 0 {
		errs = append(errs, errors.New("bridge.host_queue_size must be positive"))
	}
	if c.Limits.RateLimit < 0 {
		errs = append(errs, errors.New("limits.rate_limit must not be negative"))
	}
	if c.Limits.RateLimit > 0 && c.Limits.Burst <= 0 {
		errs = append(errs, errors.New("limits.burst must be positive when rate_limit is set"))
	}
	if c.Limits.Retries < 0 {
		errs = append(errs, errors.New("limits.retries must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.HostName == "" {
		errs = append(errs, errors.New("registry.host_name is required with registry endpoints"))
	}
	return errors.Join(errs...)
}
