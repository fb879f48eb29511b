// Package gateway re-exposes the tools of several MCP servers as one MCP server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/api"
	"github.com/jarsater/mcp-relay/internal/circuit"
	"github.com/jarsater/mcp-relay/internal/client"
	"github.com/jarsater/mcp-relay/internal/config"
	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/tools"
	"github.com/jarsater/mcp-relay/internal/transport"
)

const (
	serverName    = "mcp-relay-gateway"
	serverVersion = "1.0.0"
)

// Gateway owns one client session at a time and serves its unified tool list
// through an api.Handler. Reload replaces the session without dropping requests.
type Gateway struct {
	id      string
	logger  *zap.SugaredLogger
	handler *api.Handler
	rpcOpts []rpc.Option

	mu     sync.Mutex
	client *client.Client
	closed bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithDispatcherOptions adds options to every dispatcher the gateway builds.
func WithDispatcherOptions(opts ...rpc.Option) Option {
	return func(g *Gateway) { g.rpcOpts = append(g.rpcOpts, opts...) }
}

// New creates a gateway serving no tools until the first Reload.
func New(apiOpts []api.Option, opts ...Option) *Gateway {
	g := &Gateway{
		id:     uuid.NewString(),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("instance", g.id)
	g.handler = api.NewHandler(g.newDispatcher(nil), append([]api.Option{api.WithLogger(g.logger)}, apiOpts...)...)
	return g
}

// ID returns the instance id.
func (g *Gateway) ID() string {
	return g.id
}

// Handler returns the HTTP handler serving the current tool set.
func (g *Gateway) Handler() *api.Handler {
	return g.handler
}

func (g *Gateway) newDispatcher(reg *tools.Registry) *rpc.Dispatcher {
	opts := append([]rpc.Option{
		rpc.WithLogger(g.logger),
		rpc.WithServerInfo(serverName, serverVersion),
	}, g.rpcOpts...)
	return rpc.NewDispatcher(reg, opts...)
}

// Reload builds transports from cfg and switches to them.
func (g *Gateway) Reload(ctx context.Context, cfg *config.ClientConfig) error {
	transports, err := cfg.BuildTransports(g.logger)
	if err != nil {
		metrics.RecordReload("failure")
		return err
	}
	return g.Load(ctx, transports, cfg.Breaker.CircuitConfig())
}

// ReloadFile loads the client configuration at path and switches to it. On any
// failure the current session keeps serving.
func (g *Gateway) ReloadFile(ctx context.Context, path string) error {
	cfg, err := config.LoadClient(path)
	if err != nil {
		metrics.RecordReload("failure")
		return err
	}
	return g.Reload(ctx, cfg)
}

// Load starts a session over transports, publishes its tools and then shuts the
// previous session down. If the new session cannot be built the previous one
// stays in place.
func (g *Gateway) Load(ctx context.Context, transports []transport.Transport, breaker circuit.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return errors.New("gateway is closed")
	}

	next, err := client.New(transports, client.WithLogger(g.logger), client.WithBreakerConfig(breaker),
		client.WithClientInfo(serverName, serverVersion))
	if err != nil {
		metrics.RecordReload("failure")
		return fmt.Errorf("creating client: %w", err)
	}
	if err := next.Initialize(ctx); err != nil {
		_ = next.Shutdown(context.WithoutCancel(ctx))
		metrics.RecordReload("failure")
		return fmt.Errorf("initializing client: %w", err)
	}

	reg, err := registryFor(next)
	if err != nil {
		_ = next.Shutdown(context.WithoutCancel(ctx))
		metrics.RecordReload("failure")
		return err
	}

	g.handler.SetDispatcher(g.newDispatcher(reg))
	prev := g.client
	g.client = next

	metrics.RecordReload("success")
	metrics.SetGatewayTools(reg.Len())
	if reg.Len() == 0 {
		g.logger.Warnw("No tools discovered; gateway serves an empty tool list", "transports", next.TransportNames())
	} else {
		g.logger.Infow("Gateway tool set loaded", "tools", reg.Len(), "transports", next.TransportNames())
	}

	if prev != nil {
		if err := prev.Shutdown(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warnw("Previous session shut down with errors", "error", err)
		}
	}
	return nil
}

// Client returns the current session's client, or nil before the first Load.
func (g *Gateway) Client() *client.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client
}

// Watch reloads from path every time the file changes, until ctx is done.
func (g *Gateway) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, g.logger, path, func() {
		if err := g.ReloadFile(ctx, path); err != nil {
			g.logger.Errorw("Failed to reload config", "path", path, "error", err)
			return
		}
		g.logger.Infow("Config reloaded successfully", "path", path)
	})
}

// Close shuts the current session down. The handler keeps answering with an
// empty tool list.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.handler.SetDispatcher(g.newDispatcher(nil))
	metrics.SetGatewayTools(0)
	if g.client == nil {
		return nil
	}
	err := g.client.Shutdown(ctx)
	g.client = nil
	return err
}

// registryFor wraps every unified tool of c as a local tool.
func registryFor(c *client.Client) (*tools.Registry, error) {
	set, err := c.Tools()
	if err != nil {
		return nil, err
	}
	descriptors := set.Descriptors()
	remote := make([]tools.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		fn, ok := set.Get(d.Name)
		if !ok {
			continue
		}
		if d.InputSchema == nil {
			d.InputSchema = tools.EmptyObjectSchema()
		}
		remote = append(remote, &remoteTool{desc: d, call: fn})
	}
	return tools.NewRegistry(remote...)
}

// remoteTool forwards calls to the transport that owns the tool.
type remoteTool struct {
	desc mcp.Tool
	call client.ToolFunc
}

func (t *remoteTool) Descriptor() mcp.Tool {
	return t.desc
}

// Run returns the remote result unchanged. A remote isError result is passed
// through as is so callers see the tool's own message.
func (t *remoteTool) Run(ctx context.Context, args map[string]any) (any, error) {
	res, err := t.call(ctx, args)
	if err != nil {
		var toolErr *client.ToolExecutionError
		if errors.As(err, &toolErr) {
			return toolErr.Result, nil
		}
		return nil, err
	}
	return *res, nil
}
