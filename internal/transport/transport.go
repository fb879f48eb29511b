// Package transport moves one JSON-RPC request to a remote MCP server and brings
// back one response.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

var (
	// ErrTimeout is wrapped when a round trip exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrNotRunning is wrapped when the subprocess behind a stdio transport is gone.
	ErrNotRunning = errors.New("process not running")
	// ErrMalformed is wrapped when the peer answers with bytes that are not a JSON-RPC response.
	ErrMalformed = errors.New("malformed response")
)

// Transport is a channel that exchanges one request for one response.
//
// Initialize and Shutdown are idempotent. SendRequest performs exactly one round
// trip and never retries; it returns (nil, nil) for a notification. A JSON-RPC
// error object from the peer is a successful round trip and comes back in the
// response; only channel failures are returned as *Error.
//
// A transport carries one request at a time; callers serialize access.
type Transport interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	SendRequest(ctx context.Context, req *mcp.Request) (*mcp.Response, error)
}

// Named is implemented by transports that report a name for logs and metrics.
type Named interface {
	Name() string
}

// NameOf returns the transport's name, or a positional fallback.
func NameOf(t Transport, index int) string {
	if n, ok := t.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return "transport-" + strconv.Itoa(index)
}

// Nop supplies no-op lifecycle methods. Embed it in transports that only need
// SendRequest.
type Nop struct{}

// Initialize does nothing.
func (Nop) Initialize(context.Context) error { return nil }

// Shutdown does nothing.
func (Nop) Shutdown(context.Context) error { return nil }

// Func adapts a function into a Transport with no-op lifecycle.
type Func func(ctx context.Context, req *mcp.Request) (*mcp.Response, error)

// Initialize does nothing.
func (Func) Initialize(context.Context) error { return nil }

// Shutdown does nothing.
func (Func) Shutdown(context.Context) error { return nil }

// SendRequest calls f.
func (f Func) SendRequest(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	return f(ctx, req)
}

// Error is a channel-level failure: the peer was unreachable, too slow, or
// answered with something that is not a JSON-RPC response.
type Error struct {
	Transport  string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: %s: status %d: %v", e.Transport, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Option configures a transport.
type Option func(*options)

type options struct {
	logger *zap.SugaredLogger
}

// WithLogger sets the transport logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// decodeResponse parses and validates a response line or body.
func decodeResponse(data []byte) (*mcp.Response, error) {
	var resp mcp.Response
	if err := resp.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
