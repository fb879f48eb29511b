// Package rpc routes JSON-RPC requests to the MCP method handlers backed by a
// tool registry.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/tools"
)

const (
	// DefaultPageSize is the number of tools returned per tools/list page.
	DefaultPageSize = 50

	// LatestProtocolVersion is answered when the client asks for a version we do not speak.
	LatestProtocolVersion = "2025-06-18"

	defaultServerName    = "mcp-relay"
	defaultServerVersion = "1.0.0"
)

// SupportedProtocolVersions lists the MCP revisions the dispatcher negotiates.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", LatestProtocolVersion}

type handlerFunc func(ctx context.Context, req *mcp.Request) (any, *mcp.Error)

// Dispatcher maps a parsed request to its method handler. It holds no per-call
// state and is safe for concurrent use.
type Dispatcher struct {
	logger       *zap.SugaredLogger
	registry     *tools.Registry
	pageSize     int
	serverInfo   mcp.Implementation
	instructions string
	toolTimeout  time.Duration
	methods      map[string]handlerFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithPageSize overrides DefaultPageSize. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithServerInfo sets the serverInfo returned by initialize.
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) { d.serverInfo = mcp.Implementation{Name: name, Version: version} }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(d *Dispatcher) { d.instructions = s }
}

// WithToolTimeout bounds the context handed to each tool run.
func WithToolTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.toolTimeout = timeout }
}

// NewDispatcher creates a dispatcher over reg. A nil registry serves no tools.
func NewDispatcher(reg *tools.Registry, opts ...Option) *Dispatcher {
	if reg == nil {
		reg, _ = tools.NewRegistry()
	}
	d := &Dispatcher{
		logger:     zap.NewNop().Sugar(),
		registry:   reg,
		pageSize:   DefaultPageSize,
		serverInfo: mcp.Implementation{Name: defaultServerName, Version: defaultServerVersion},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.methods = map[string]handlerFunc{
		mcp.MethodInitialize:    d.handleInitialize,
		mcp.MethodPing:          d.handlePing,
		mcp.MethodToolsList:     d.handleToolsList,
		mcp.MethodToolsCall:     d.handleToolsCall,
		mcp.MethodResourcesList: d.handleResourcesList,
		mcp.MethodPromptsList:   d.handlePromptsList,
		mcp.MethodExit:          d.handleExit,
	}
	return d
}

// Registry returns the registry the dispatcher serves.
func (d *Dispatcher) Registry() *tools.Registry {
	return d.registry
}

// HandleMessage parses one raw message and dispatches it. It returns nil when
// no response is due (a well-formed notification).
func (d *Dispatcher) HandleMessage(ctx context.Context, data []byte) *mcp.Response {
	req, rpcErr := mcp.ParseRequest(data)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		metrics.RecordDispatch("", rpcErr.Code, 0)
		return &mcp.Response{JSONRPC: mcp.Version, ID: id, Error: rpcErr}
	}
	return d.Dispatch(ctx, req)
}

// Dispatch routes req to its handler. Notifications are accepted silently and
// return nil. Every other request yields exactly one response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *mcp.Request) (resp *mcp.Response) {
	start := time.Now()

	if req == nil {
		return mcp.NewError(nil, mcp.CodeInvalidRequest, "Invalid Request", "empty request")
	}
	if err := req.Validate(); err != nil {
		return mcp.NewError(req.EchoID(), mcp.CodeInvalidRequest, "Invalid Request", err.Error())
	}
	if req.IsNotification() {
		d.logger.Debugw("Notification received", "method", req.Method)
		return nil
	}

	defer func() {
		code := 0
		if resp != nil && resp.Error != nil {
			code = resp.Error.Code
		}
		metrics.RecordDispatch(req.Method, code, time.Since(start).Seconds())
	}()

	handler, ok := d.methods[req.Method]
	if !ok {
		d.logger.Debugw("Method not found", "method", req.Method)
		return mcp.NewError(req.ID, mcp.CodeMethodNotFound, "Method not found", req.Method)
	}

	result, rpcErr := d.invoke(ctx, handler, req)
	if rpcErr != nil {
		return &mcp.Response{JSONRPC: mcp.Version, ID: req.ID, Error: rpcErr}
	}

	resp, err := mcp.NewResult(req.ID, result)
	if err != nil {
		d.logger.Errorw("Failed to encode result", "method", req.Method, "error", err)
		return mcp.NewError(req.ID, mcp.CodeInternalError, "Internal error", err.Error())
	}
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, handler handlerFunc, req *mcp.Request) (result any, rpcErr *mcp.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Handler panic", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			result = nil
			rpcErr = &mcp.Error{Code: mcp.CodeInternalError, Message: "Internal error", Data: quote(fmt.Sprint(r))}
		}
	}()
	return handler(ctx, req)
}

func (d *Dispatcher) handleInitialize(_ context.Context, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.InitializeParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	version := negotiateVersion(params.ProtocolVersion)
	if params.ClientInfo != nil {
		d.logger.Infow("Client initialized",
			"client", params.ClientInfo.Name,
			"clientVersion", params.ClientInfo.Version,
			"protocolVersion", version,
		)
	}

	info := d.serverInfo
	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: false},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
		ServerInfo:   &info,
		Instructions: d.instructions,
	}, nil
}

func (d *Dispatcher) handlePing(context.Context, *mcp.Request) (any, *mcp.Error) {
	return struct{}{}, nil
}

func (d *Dispatcher) handleExit(context.Context, *mcp.Request) (any, *mcp.Error) {
	return nil, nil
}

func (d *Dispatcher) handleToolsList(_ context.Context, req *mcp.Request) (any, *mcp.Error) {
	var params mcp.ListParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	total := d.registry.Len()
	cursor := ""
	if params.Cursor != nil {
		cursor = *params.Cursor
	}
	offset, err := decodeCursor(cursor, total)
	if err != nil {
		return nil, invalidParams(err)
	}

	result := mcp.ListToolsResult{Tools: d.registry.Page(offset, d.pageSize)}
	if next := offset + d.pageSize; next < total {
		token := encodeCursor(next)
		result.NextCursor = &token
	}

	metrics.RecordToolsListPage()
	return result, nil
}

func (d *Dispatcher) handleResourcesList(context.Context, *mcp.Request) (any, *mcp.Error) {
	return mcp.ListResourcesResult{Resources: []json.RawMessage{}}, nil
}

func (d *Dispatcher) handlePromptsList(context.Context, *mcp.Request) (any, *mcp.Error) {
	return mcp.ListPromptsResult{Prompts: []json.RawMessage{}}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *mcp.Request) (any, *mcp.Error) {
	if len(req.Params) == 0 || req.Params[0] != '{' {
		return nil, invalidParams(fmt.Errorf("params must be an object"))
	}
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParams(err)
	}
	if params.Name == "" {
		return nil, invalidParams(fmt.Errorf("name is required"))
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	tool, ok := d.registry.Get(params.Name)
	if !ok {
		d.logger.Warnw("Tool not found", "tool", params.Name)
		metrics.RecordToolCall(params.Name, true)
		return toolFailure(fmt.Sprintf("Tool not found: %s", params.Name)), nil
	}

	d.logger.Debugw("Tool call", "tool", params.Name)
	result := d.runTool(ctx, tool, params)
	metrics.RecordToolCall(params.Name, result.IsError)
	return result, nil
}

// runTool executes the tool and folds every failure, panics included, into an
// isError result.
func (d *Dispatcher) runTool(ctx context.Context, tool tools.Tool, params mcp.CallToolParams) (result mcp.CallToolResult) {
	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Tool panic", "tool", params.Name, "panic", r)
			result = toolFailure(fmt.Sprintf("Error: %v", r))
		}
	}()

	value, err := tool.Run(ctx, params.Arguments)
	if err != nil {
		d.logger.Infow("Tool failed", "tool", params.Name, "error", err)
		return toolFailure(fmt.Sprintf("Error: %v", err))
	}

	wrapped, err := wrapValue(value)
	if err != nil {
		return toolFailure(fmt.Sprintf("Error: %v", err))
	}
	return wrapped
}

// wrapValue turns a tool's return value into tool output.
func wrapValue(v any) (mcp.CallToolResult, error) {
	switch val := v.(type) {
	case nil:
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("")}}, nil
	case string:
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(val)}}, nil
	case mcp.Content:
		return mcp.CallToolResult{Content: []mcp.Content{val}}, nil
	case []mcp.Content:
		if val == nil {
			val = []mcp.Content{}
		}
		return mcp.CallToolResult{Content: val}, nil
	case mcp.CallToolResult:
		if val.Content == nil {
			val.Content = []mcp.Content{}
		}
		return val, nil
	case *mcp.CallToolResult:
		if val == nil {
			return wrapValue(nil)
		}
		return wrapValue(*val)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(string(raw))}}, nil
}

func toolFailure(message string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(message)}, IsError: true}
}

func negotiateVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}

// decodeParams unmarshals optional object params; absent or null params leave v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] != '{' {
		return fmt.Errorf("params must be an object")
	}
	return json.Unmarshal(raw, v)
}

func invalidParams(err error) *mcp.Error {
	return &mcp.Error{Code: mcp.CodeInvalidParams, Message: "Invalid params", Data: quote(err.Error())}
}

func quote(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
