// Package config loads server and gateway configuration from YAML or TOML files.
// Environment variables written as ${VAR_NAME} are expanded before parsing and
// duration strings are parsed after.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ServerConfig configures cmd/mcp-server.
type ServerConfig struct {
	Transport    string        `yaml:"transport" toml:"transport"`
	Addr         string        `yaml:"addr" toml:"addr"`
	Path         string        `yaml:"path" toml:"path"`
	MetricsAddr  string        `yaml:"metrics_addr" toml:"metrics_addr"`
	PageSize     int           `yaml:"page_size" toml:"page_size"`
	Name         string        `yaml:"name" toml:"name"`
	Instructions string        `yaml:"instructions" toml:"instructions"`
	Logging      LoggingConfig `yaml:"logging" toml:"logging"`

	ToolTimeout    time.Duration `yaml:"-" toml:"-"`
	ToolTimeoutRaw string        `yaml:"tool_timeout" toml:"tool_timeout"`
}

// ClientConfig configures the transports a client or gateway aggregates.
type ClientConfig struct {
	Transports []TransportConfig `yaml:"transports" toml:"transports"`
	Breaker    BreakerConfig     `yaml:"breaker" toml:"breaker"`
	Listen     ListenConfig      `yaml:"listen" toml:"listen"`
	Logging    LoggingConfig     `yaml:"logging" toml:"logging"`
}

// TransportConfig describes one transport. Type selects which fields apply.
type TransportConfig struct {
	Name string `yaml:"name" toml:"name"`
	Type string `yaml:"type" toml:"type"`

	// http
	URL     string            `yaml:"url" toml:"url"`
	Host    string            `yaml:"host" toml:"host"`
	Port    int               `yaml:"port" toml:"port"`
	Path    string            `yaml:"path" toml:"path"`
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// stdio
	Command []string          `yaml:"command" toml:"command"`
	Env     map[string]string `yaml:"env" toml:"env"`
	Dir     string            `yaml:"dir" toml:"dir"`

	Timeout       time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	ShutdownGraceRaw string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// BreakerConfig bounds in-flight and queued requests per transport.
type BreakerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`
	MaxQueueSize  int `yaml:"max_queue_size" toml:"max_queue_size"`

	QueueTimeout    time.Duration `yaml:"-" toml:"-"`
	QueueTimeoutRaw string        `yaml:"queue_timeout" toml:"queue_timeout"`
}

// ListenConfig holds the gateway's listen addresses.
type ListenConfig struct {
	Addr        string `yaml:"addr" toml:"addr"`
	Path        string `yaml:"path" toml:"path"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// LoadServer reads a server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads a client or gateway configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// load decodes path into v. Files ending in .toml are TOML; everything else is
// YAML, which also accepts JSON.
func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, v); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal([]byte(expanded), v); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	*dst = d
	return nil
}

func (c *ServerConfig) parseDurations() error {
	return parseDuration("tool_timeout", c.ToolTimeoutRaw, &c.ToolTimeout)
}

func (c *ClientConfig) parseDurations() error {
	if err := parseDuration("breaker.queue_timeout", c.Breaker.QueueTimeoutRaw, &c.Breaker.QueueTimeout); err != nil {
		return err
	}
	for i := range c.Transports {
		t := &c.Transports[i]
		if err := parseDuration(fmt.Sprintf("transports[%d].timeout", i), t.TimeoutRaw, &t.Timeout); err != nil {
			return err
		}
		if err := parseDuration(fmt.Sprintf("transports[%d].shutdown_grace", i), t.ShutdownGraceRaw, &t.ShutdownGrace); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	switch c.Transport {
	case "", TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportHTTP, TransportStdio, c.Transport)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative")
	}
	return nil
}

// Validate checks the client configuration and returns the first problem found.
func (c *ClientConfig) Validate() error {
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	seen := make(map[string]bool, len(c.Transports))
	for i, t := range c.Transports {
		if t.Name == "" {
			return fmt.Errorf("transports[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("transports[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true

		switch t.Type {
		case TransportHTTP:
			if t.URL == "" && t.Host == "" {
				return fmt.Errorf("transports[%d] (%s): url or host is required", i, t.Name)
			}
		case TransportStdio:
			if len(t.Command) == 0 || t.Command[0] == "" {
				return fmt.Errorf("transports[%d] (%s): command is required", i, t.Name)
			}
		default:
			return fmt.Errorf("transports[%d] (%s): type must be %q or %q, got %q", i, t.Name, TransportHTTP, TransportStdio, t.Type)
		}
	}
	if c.Breaker.MaxConcurrent < 0 || c.Breaker.MaxQueueSize < 0 {
		return fmt.Errorf("breaker limits must not be negative")
	}
	return nil
}
