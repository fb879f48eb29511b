package config

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/circuit"
	"github.com/jarsater/mcp-relay/internal/transport"
)

// BuildTransports creates the configured transports in file order. Nothing is
// started; the client initializes them.
func (c *ClientConfig) BuildTransports(logger *zap.SugaredLogger) ([]transport.Transport, error) {
	out := make([]transport.Transport, 0, len(c.Transports))
	for _, tc := range c.Transports {
		t, err := tc.Build(logger)
		if err != nil {
			return nil, fmt.Errorf("transport %s: %w", tc.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Build creates the transport described by c.
func (c TransportConfig) Build(logger *zap.SugaredLogger) (transport.Transport, error) {
	opts := []transport.Option{transport.WithLogger(logger)}
	switch c.Type {
	case TransportHTTP:
		return transport.NewHTTP(transport.HTTPConfig{
			Name:    c.Name,
			URL:     c.URL,
			Host:    c.Host,
			Port:    c.Port,
			Path:    c.Path,
			Timeout: c.Timeout,
			Headers: c.Headers,
		}, opts...)
	case TransportStdio:
		return transport.NewStdio(transport.StdioConfig{
			Name:          c.Name,
			Command:       c.Command,
			Env:           envList(c.Env),
			Dir:           c.Dir,
			ReadTimeout:   c.Timeout,
			ShutdownGrace: c.ShutdownGrace,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown transport type %q", c.Type)
	}
}

// CircuitConfig converts the breaker section, leaving zero values to the breaker defaults.
func (b BreakerConfig) CircuitConfig() circuit.Config {
	cfg := circuit.DefaultConfig()
	if b.MaxConcurrent > 0 {
		cfg.MaxConcurrent = b.MaxConcurrent
	}
	if b.MaxQueueSize > 0 {
		cfg.MaxQueueSize = b.MaxQueueSize
	}
	if b.QueueTimeout > 0 {
		cfg.QueueTimeout = b.QueueTimeout
	}
	return cfg
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
