// Package builtin provides the tools served by cmd/mcp-server.
package builtin

import (
	"context"
	"time"

	"github.com/jarsater/mcp-relay/internal/tools"
)

// Tools returns every built-in tool in listing order.
func Tools(opts ...Option) []tools.Tool {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return []tools.Tool{
		CurrentDateTime(o.now),
		ResolveDate(o.now),
		Echo(),
		Examine(),
	}
}

// Option configures the built-in tools.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for the date tools.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Registry builds a registry of the built-in tools.
func Registry(opts ...Option) (*tools.Registry, error) {
	return tools.NewRegistry(Tools(opts...)...)
}

// Echo returns its message argument unchanged.
func Echo() tools.Tool {
	return tools.New("echo", "Echo back the given message.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "description": "Text to echo"},
		},
		"required": []string{"message"},
	}, func(_ context.Context, args map[string]any) (any, error) {
		msg, ok := tools.StringArg(args, "message")
		if !ok {
			return nil, errMissingArg("message")
		}
		return msg, nil
	})
}
