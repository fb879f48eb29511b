// Package stdio serves MCP over line-delimited JSON on a pair of streams. Each
// line is either a JSON-RPC request or a legacy command, and each kind is
// answered in its own envelope.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

const (
	// StatusSuccess and StatusError mark legacy replies; StatusInfo marks diagnostics.
	StatusSuccess = "success"
	StatusError   = "error"
	StatusInfo    = "info"

	// ExamineTool is the tool a legacy examine command is routed to.
	ExamineTool = "examine"

	legacyRequestID = `"legacy"`
	maxLineBytes    = 10 << 20
)

// Envelope is the reply shape of the legacy command grammar and of diagnostics.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Handler answers one raw JSON-RPC message; nil means no reply is due.
type Handler interface {
	HandleMessage(ctx context.Context, data []byte) *mcp.Response
}

// Server runs the read-dispatch-write loop.
type Server struct {
	handler Handler
	logger  *zap.SugaredLogger
	diag    io.Writer
	diagMu  sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDiagnostics sets the stream that receives {"status":"info"} lines.
func WithDiagnostics(w io.Writer) Option {
	return func(s *Server) { s.diag = w }
}

// NewServer creates a server that hands JSON-RPC lines to h.
func NewServer(h Handler, opts ...Option) *Server {
	s := &Server{
		handler: h,
		logger:  zap.NewNop().Sugar(),
		diag:    io.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads lines from in until EOF, an exit request, or ctx is done, and
// writes one reply line per answered request to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.Info("STDIO MCP server ready")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	w := bufio.NewWriter(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		reply, stop := s.handleLine(ctx, line)
		if reply != nil {
			if _, err := w.Write(append(reply, '\n')); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("flush reply: %w", err)
			}
		}
		if stop {
			s.logger.Infow("Exit requested, stopping")
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	s.logger.Infow("Input closed, stopping")
	return nil
}

// Info writes a diagnostic line.
func (s *Server) Info(message string) {
	data, _ := json.Marshal(Envelope{Status: StatusInfo, Message: message})
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	_, _ = s.diag.Write(append(data, '\n'))
}

// handleLine classifies a line and answers it. A panic becomes a legacy error
// reply so the loop keeps running.
func (s *Server) handleLine(ctx context.Context, line []byte) (reply []byte, stop bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Panic while handling line", "panic", r)
			reply = legacy(StatusError, fmt.Sprintf("Server error: %v", r))
			stop = false
		}
	}()

	if !json.Valid(line) {
		s.logger.Debugw("Invalid JSON line", "bytes", len(line))
		return legacy(StatusError, "Invalid JSON request"), false
	}

	var fields map[string]json.RawMessage
	if line[0] != '{' || json.Unmarshal(line, &fields) != nil {
		s.logger.Debugw("JSON line is not an object", "bytes", len(line))
		return legacy(StatusError, "Invalid JSON request"), false
	}

	if isJSONRPC(fields) {
		return s.handleRPC(ctx, line, isExit(fields))
	}
	return s.handleLegacy(ctx, fields)
}

// isJSONRPC reports whether an object carries the JSON-RPC framing. A line with
// only one of the two fields is a legacy command.
func isJSONRPC(fields map[string]json.RawMessage) bool {
	_, hasVersion := fields["jsonrpc"]
	_, hasMethod := fields["method"]
	return hasVersion && hasMethod
}

func isExit(fields map[string]json.RawMessage) bool {
	var method string
	return json.Unmarshal(fields["method"], &method) == nil && method == mcp.MethodExit
}

// handleRPC dispatches a JSON-RPC line. An accepted exit request, answered or
// sent as a notification, stops the loop.
func (s *Server) handleRPC(ctx context.Context, line []byte, exit bool) ([]byte, bool) {
	resp := s.handler.HandleMessage(ctx, line)
	if resp == nil {
		return nil, exit
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
		data, _ = json.Marshal(mcp.NewError(resp.ID, mcp.CodeInternalError, "Internal error", err.Error()))
	}
	return data, exit && resp.Error == nil
}

func (s *Server) handleLegacy(ctx context.Context, fields map[string]json.RawMessage) ([]byte, bool) {
	raw, ok := fields["command"]
	if !ok {
		raw = json.RawMessage("null")
	}
	// Anything but a JSON string is named by its raw text, so a missing command reads "null".
	command := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		_ = json.Unmarshal(raw, &command)
	}

	s.logger.Debugw("Legacy command", "command", command)

	switch command {
	case "ping":
		return legacy(StatusSuccess, "pong"), false
	case "exit":
		return legacy(StatusSuccess, "Server exiting"), true
	case "examine":
		return s.examine(ctx, fields), false
	default:
		return legacy(StatusError, "Unknown command: "+command), false
	}
}

// examine routes the command to the examine tool and reports the outcome in the
// legacy envelope.
func (s *Server) examine(ctx context.Context, fields map[string]json.RawMessage) []byte {
	args := map[string]json.RawMessage{}
	if q, ok := fields["query"]; ok {
		args["query"] = q
	}
	params, err := json.Marshal(map[string]any{"name": ExamineTool, "arguments": args})
	if err != nil {
		return legacy(StatusError, fmt.Sprintf("Server error: %v", err))
	}
	req, err := json.Marshal(mcp.Request{
		JSONRPC: mcp.Version,
		ID:      json.RawMessage(legacyRequestID),
		Method:  mcp.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return legacy(StatusError, fmt.Sprintf("Server error: %v", err))
	}

	resp := s.handler.HandleMessage(ctx, req)
	if resp == nil {
		return legacy(StatusError, "Failed to process examine request")
	}
	if resp.Error != nil {
		return legacy(StatusError, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := resp.DecodeResult(&result); err != nil {
		return legacy(StatusError, "Failed to process examine request")
	}
	if result.IsError {
		return legacy(StatusError, result.Text())
	}
	return legacy(StatusSuccess, result.Text())
}

func legacy(status, message string) []byte {
	data, _ := json.Marshal(Envelope{Status: status, Message: message})
	return data
}
