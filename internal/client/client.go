// Package client discovers tools across several MCP transports and routes calls
// to the transport that owns each tool.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jarsater/mcp-relay/internal/circuit"
	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/routes"
	"github.com/jarsater/mcp-relay/internal/transport"
)

const (
	defaultClientName    = "mcp-relay-client"
	defaultClientVersion = "1.0.0"

	// maxListPages stops discovery against a server that never ends its cursor chain.
	maxListPages = 1000
)

// State is the client lifecycle state.
type State int

const (
	StateUnstarted State = iota
	StateInitialized
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInitialized:
		return "initialized"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type entry struct {
	name      string
	transport transport.Transport
	breaker   *circuit.Breaker
}

// Client aggregates transports. Discovery builds an immutable tool table that
// calls read without locking; a new discovery pass swaps in a new table.
type Client struct {
	logger     *zap.SugaredLogger
	entries    []*entry
	byName     map[string]int
	table      *routes.Holder
	clientInfo mcp.Implementation
	protocol   string
	newID      func() string

	mu    sync.RWMutex
	state State
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger     *zap.SugaredLogger
	breaker    circuit.Config
	clientInfo mcp.Implementation
	protocol   string
	newID      func() string
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBreakerConfig sets the per-transport concurrency limits.
func WithBreakerConfig(cfg circuit.Config) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithClientInfo sets the clientInfo sent in the initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(o *options) { o.clientInfo = mcp.Implementation{Name: name, Version: version} }
}

// WithProtocolVersion sets the protocol version requested in the handshake.
func WithProtocolVersion(v string) Option {
	return func(o *options) { o.protocol = v }
}

// New creates a client over transports in registration order. Transport names
// must be unique; unnamed transports are called transport-<index>.
func New(transports []transport.Transport, opts ...Option) (*Client, error) {
	if len(transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}

	o := options{
		logger:     zap.NewNop().Sugar(),
		breaker:    circuit.DefaultConfig(),
		clientInfo: mcp.Implementation{Name: defaultClientName, Version: defaultClientVersion},
		protocol:   "2025-06-18",
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		logger:     o.logger,
		byName:     make(map[string]int, len(transports)),
		table:      routes.NewHolder(),
		clientInfo: o.clientInfo,
		protocol:   o.protocol,
		newID:      o.newID,
	}
	for i, t := range transports {
		if t == nil {
			return nil, fmt.Errorf("transport at position %d is nil", i)
		}
		name := transport.NameOf(t, i)
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("duplicate transport name %q", name)
		}
		c.byName[name] = i
		c.entries = append(c.entries, &entry{
			name:      name,
			transport: t,
			breaker:   circuit.New(name, o.breaker),
		})
	}
	return c, nil
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TransportNames returns transport names in registration order.
func (c *Client) TransportNames() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Initialize brings every transport up and discovers its tools. A transport that
// fails to initialize or list contributes no tools; the others are unaffected.
// Calling Initialize again is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateShutdown:
		return &UsageError{Op: "initialize", Err: ErrShutdown}
	case StateInitialized:
		return nil
	}

	c.discover(ctx)
	c.state = StateInitialized
	return nil
}

// Rediscover runs a new discovery pass and swaps the tool table. Calls in flight
// keep the table they started with.
func (c *Client) Rediscover(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkLocked("rediscover"); err != nil {
		return err
	}
	c.discover(ctx)
	return nil
}

// discover queries transports concurrently and merges in registration order.
func (c *Client) discover(ctx context.Context) {
	sources := make([]routes.Source, len(c.entries))

	var g errgroup.Group
	for i, e := range c.entries {
		i, e := i, e
		g.Go(func() error {
			sources[i] = routes.Source{Name: e.name, Tools: c.discoverOne(ctx, e)}
			return nil
		})
	}
	_ = g.Wait()

	table := routes.Build(sources)
	for _, conflict := range table.Conflicts() {
		c.logger.Infow("Tool shadowed by earlier transport",
			"tool", conflict.Tool, "owner", conflict.Winner, "shadowed", conflict.Shadowed)
	}
	c.table.Swap(table)
	c.logger.Infow("Tool discovery complete", "transports", len(c.entries), "tools", table.Len())
}

func (c *Client) discoverOne(ctx context.Context, e *entry) []mcp.Tool {
	log := c.logger.With("transport", e.name)

	if err := e.transport.Initialize(ctx); err != nil {
		log.Errorw("Transport failed to initialize", "error", err)
		metrics.RecordDiscoveryFailure(e.name, "initialize")
		metrics.SetDiscoveredTools(e.name, 0)
		return nil
	}

	if err := c.handshake(ctx, e); err != nil {
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			log.Errorw("Initialize handshake failed", "error", err)
			metrics.RecordDiscoveryFailure(e.name, "handshake")
			metrics.SetDiscoveredTools(e.name, 0)
			return nil
		}
		log.Warnw("Server rejected initialize handshake, listing anyway", "error", err)
	}

	tools, err := c.listAll(ctx, e)
	if err != nil {
		log.Errorw("Failed to list tools", "error", err)
		metrics.RecordDiscoveryFailure(e.name, "list")
		metrics.SetDiscoveredTools(e.name, 0)
		return nil
	}

	log.Infow("Discovered tools", "count", len(tools))
	metrics.SetDiscoveredTools(e.name, len(tools))
	return tools
}

func (c *Client) handshake(ctx context.Context, e *entry) error {
	info := c.clientInfo
	_, err := c.send(ctx, e, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: c.protocol,
		ClientInfo:      &info,
	})
	if err != nil {
		return err
	}
	if err := c.notify(ctx, e, "notifications/initialized"); err != nil {
		c.logger.Debugw("Initialized notification failed", "transport", e.name, "error", err)
	}
	return nil
}

// listAll pages through tools/list until the cursor runs out.
func (c *Client) listAll(ctx context.Context, e *entry) ([]mcp.Tool, error) {
	var (
		all    []mcp.Tool
		cursor *string
		seen   = map[string]bool{}
	)
	for page := 0; page < maxListPages; page++ {
		resp, err := c.send(ctx, e, mcp.MethodToolsList, mcp.ListParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var result mcp.ListToolsResult
		if err := resp.DecodeResult(&result); err != nil {
			return nil, &ProtocolError{Transport: e.name, Method: mcp.MethodToolsList, Err: fmt.Errorf("%w: %v", ErrMalformedResult, err)}
		}
		for _, tool := range result.Tools {
			if tool.Name == "" {
				c.logger.Warnw("Skipping tool without a name", "transport", e.name)
				continue
			}
			all = append(all, tool)
		}
		if result.NextCursor == nil || *result.NextCursor == "" {
			return all, nil
		}
		if seen[*result.NextCursor] {
			return nil, &ProtocolError{Transport: e.name, Method: mcp.MethodToolsList, Err: fmt.Errorf("%w: cursor %q repeated", ErrMalformedResult, *result.NextCursor)}
		}
		seen[*result.NextCursor] = true
		cursor = result.NextCursor
	}
	return nil, &ProtocolError{Transport: e.name, Method: mcp.MethodToolsList, Err: fmt.Errorf("%w: more than %d pages", ErrMalformedResult, maxListPages)}
}

// send performs one request on e, one at a time per transport.
func (c *Client) send(ctx context.Context, e *entry, method string, params any) (*mcp.Response, error) {
	req, err := mcp.NewRequest(c.newID(), method, params)
	if err != nil {
		return nil, err
	}

	if err := e.breaker.Acquire(ctx); err != nil {
		return nil, queueError(e.name, err)
	}
	resp, err := e.transport.SendRequest(ctx, req)
	e.breaker.Release()

	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &transport.Error{Transport: e.name, Op: "receive", Err: fmt.Errorf("%w: no response to %s", transport.ErrMalformed, method)}
	}
	if resp.Error != nil {
		return nil, newProtocolError(e.name, method, resp.Error)
	}
	return resp, nil
}

func (c *Client) notify(ctx context.Context, e *entry, method string) error {
	req, err := mcp.NewRequest(nil, method, nil)
	if err != nil {
		return err
	}
	if err := e.breaker.Acquire(ctx); err != nil {
		return queueError(e.name, err)
	}
	defer e.breaker.Release()
	_, err = e.transport.SendRequest(ctx, req)
	return err
}

// checkLocked must be called with c.mu held.
func (c *Client) checkLocked(op string) error {
	switch c.state {
	case StateUnstarted:
		return &UsageError{Op: op, Err: ErrNotInitialized}
	case StateShutdown:
		return &UsageError{Op: op, Err: ErrShutdown}
	}
	return nil
}

func (c *Client) check(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkLocked(op)
}

// ListTools returns the unified tool list: one descriptor per name, first owner wins.
func (c *Client) ListTools() ([]mcp.Tool, error) {
	if err := c.check("list tools"); err != nil {
		return nil, err
	}
	return c.table.Load().Tools(), nil
}

// ListToolsFrom returns everything the named transport listed, including tools
// shadowed in the unified list.
func (c *Client) ListToolsFrom(transportName string) ([]mcp.Tool, error) {
	if err := c.check("list tools"); err != nil {
		return nil, err
	}
	i, ok := c.byName[transportName]
	if !ok {
		return nil, &UsageError{Op: "list tools", Name: transportName, Err: ErrUnknownTransport}
	}
	tools, _ := c.table.Load().SourceTools(i)
	return tools, nil
}

// GetToolSchema returns the unified descriptor for name, or nil when no transport has it.
func (c *Client) GetToolSchema(name string) (*mcp.Tool, error) {
	if err := c.check("get tool schema"); err != nil {
		return nil, err
	}
	route, ok := c.table.Load().Lookup(name)
	if !ok {
		return nil, nil
	}
	tool := route.Tool
	return &tool, nil
}

// CallTool calls name on the transport that owns it. A name no transport owns
// fails before any transport is contacted.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.check("call tool"); err != nil {
		return nil, err
	}
	route, ok := c.table.Load().Lookup(name)
	if !ok {
		metrics.RecordClientToolCall(name, "", "unknown_tool")
		return nil, &UsageError{Op: "call tool", Name: name, Err: ErrUnknownTool}
	}
	return c.callOn(ctx, c.entries[route.Owner], name, args)
}

// CallToolOn calls name on the named transport regardless of which transport
// owns it in the unified list.
func (c *Client) CallToolOn(ctx context.Context, transportName, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.check("call tool"); err != nil {
		return nil, err
	}
	i, ok := c.byName[transportName]
	if !ok {
		return nil, &UsageError{Op: "call tool", Name: transportName, Err: ErrUnknownTransport}
	}
	return c.callOn(ctx, c.entries[i], name, args)
}

func (c *Client) callOn(ctx context.Context, e *entry, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	c.logger.Debugw("Calling tool", "tool", name, "transport", e.name, "args", len(args))

	resp, err := c.send(ctx, e, mcp.MethodToolsCall, mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		metrics.RecordClientToolCall(name, e.name, KindOf(err).String())
		return nil, err
	}

	var result mcp.CallToolResult
	if err := resp.DecodeResult(&result); err != nil || result.Content == nil {
		if err == nil {
			err = errors.New("result has no content")
		}
		metrics.RecordClientToolCall(name, e.name, KindProtocol.String())
		return nil, &ProtocolError{Transport: e.name, Method: mcp.MethodToolsCall, Err: fmt.Errorf("%w: %v", ErrMalformedResult, err)}
	}

	if result.IsError {
		c.logger.Infow("Tool reported an error", "tool", name, "transport", e.name, "message", result.Text())
		metrics.RecordClientToolCall(name, e.name, KindToolExecution.String())
		return nil, &ToolExecutionError{Tool: name, Transport: e.name, Result: result}
	}

	metrics.RecordClientToolCall(name, e.name, "success")
	return &result, nil
}

// Ping sends a ping to the named transport.
func (c *Client) Ping(ctx context.Context, transportName string) error {
	if err := c.check("ping"); err != nil {
		return err
	}
	i, ok := c.byName[transportName]
	if !ok {
		return &UsageError{Op: "ping", Name: transportName, Err: ErrUnknownTransport}
	}
	_, err := c.send(ctx, c.entries[i], mcp.MethodPing, nil)
	return err
}

// Shutdown shuts every transport down in reverse registration order. A failing
// transport does not stop the others; all failures are returned together. The
// client is unusable afterwards. Calling Shutdown again is a no-op.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateShutdown {
		return nil
	}

	var errs error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if err := shutdownOne(ctx, e.transport); err != nil {
			c.logger.Errorw("Transport shutdown failed", "transport", e.name, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", e.name, err))
		}
	}

	c.state = StateShutdown
	c.table.Swap(nil)
	c.logger.Infow("Client shut down", "transports", len(c.entries))
	return errs
}

// shutdownOne turns a panicking Shutdown into an error so the rest still run.
func shutdownOne(ctx context.Context, t transport.Transport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Shutdown(ctx)
}

// Session initializes a client over transports, runs fn, and shuts the client
// down on every exit path.
func Session(ctx context.Context, transports []transport.Transport, fn func(*Client) error, opts ...Option) (err error) {
	c, err := New(transports, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, c.Shutdown(context.WithoutCancel(ctx)))
	}()

	if err := c.Initialize(ctx); err != nil {
		return err
	}
	return fn(c)
}
