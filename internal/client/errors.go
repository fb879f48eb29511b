package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/transport"
)

var (
	// ErrNotInitialized is returned by operations that need an initialized client.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrShutdown is returned by every operation after Shutdown.
	ErrShutdown = errors.New("client is shut down")
	// ErrUnknownTool is returned when no transport owns the requested tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownTransport is returned when a named transport is not registered.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrMalformedResult is wrapped when a success response does not carry the expected result shape.
	ErrMalformedResult = errors.New("malformed result")
)

// Kind classifies client errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindToolExecution
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindToolExecution:
		return "tool_execution"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// KindOf returns the category of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var toolErr *ToolExecutionError
	if errors.As(err, &toolErr) {
		return KindToolExecution
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return KindProtocol
	}
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return KindUsage
	}
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return KindTransport
	}
	return KindUnknown
}

// UsageError reports a call the client refused before touching any transport.
type UsageError struct {
	Op   string
	Name string
	Err  error
}

func (e *UsageError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("mcp client: %s %q: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("mcp client: %s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// ProtocolError is a JSON-RPC error object returned by the remote side, or a
// success response whose result could not be understood.
type ProtocolError struct {
	Transport string
	Method    string
	Code      int
	Message   string
	Data      json.RawMessage
	Err       error
}

func newProtocolError(transportName, method string, rpcErr *mcp.Error) *ProtocolError {
	return &ProtocolError{
		Transport: transportName,
		Method:    method,
		Code:      rpcErr.Code,
		Message:   rpcErr.Message,
		Data:      rpcErr.Data,
	}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp %s via %s: %v", e.Method, e.Transport, e.Err)
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("mcp %s via %s: error %d: %s (%s)", e.Method, e.Transport, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("mcp %s via %s: error %d: %s", e.Method, e.Transport, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToolExecutionError is a tool-level failure: the protocol round trip worked but
// the tool reported isError. Result holds the tool's own payload.
type ToolExecutionError struct {
	Tool      string
	Transport string
	Result    mcp.CallToolResult
}

func (e *ToolExecutionError) Error() string {
	for _, c := range e.Result.Content {
		if c.Type == mcp.ContentText && c.Text != "" {
			return fmt.Sprintf("tool %q failed: %s", e.Tool, c.Text)
		}
	}
	return fmt.Sprintf("tool %q execution reported an error on the server", e.Tool)
}

// queueError reports a request that never got its turn on the transport.
func queueError(transportName string, err error) error {
	return &transport.Error{Transport: transportName, Op: "queue", Err: err}
}
