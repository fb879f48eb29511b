// Package api serves the JSON-RPC dispatcher over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/rpc"
)

const (
	// DefaultPath is where JSON-RPC requests are accepted.
	DefaultPath = "/jsonrpc"
	// MaxBodyBytes bounds a request body.
	MaxBodyBytes = 1 << 20
)

// Handler handles HTTP requests for the MCP endpoint.
type Handler struct {
	logger     *zap.SugaredLogger
	path       string
	dispatcher atomic.Pointer[rpc.Dispatcher]
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithPath sets the JSON-RPC path.
func WithPath(path string) Option {
	return func(h *Handler) {
		if path != "" {
			if path[0] != '/' {
				path = "/" + path
			}
			h.path = path
		}
	}
}

// NewHandler creates a new API handler.
func NewHandler(d *rpc.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		logger: zap.NewNop().Sugar(),
		path:   DefaultPath,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.SetDispatcher(d)
	return h
}

// SetDispatcher replaces the dispatcher. Requests already running finish on the
// dispatcher they started with.
func (h *Handler) SetDispatcher(d *rpc.Dispatcher) {
	if d == nil {
		d = rpc.NewDispatcher(nil)
	}
	h.dispatcher.Store(d)
}

// Dispatcher returns the current dispatcher.
func (h *Handler) Dispatcher() *rpc.Dispatcher {
	return h.dispatcher.Load()
}

// Path returns the JSON-RPC path.
func (h *Handler) Path() string {
	return h.path
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == h.path && r.Method == http.MethodPost:
		h.handleRPC(w, r)
	case r.URL.Path == h.path:
		w.Header().Set("Allow", http.MethodPost)
		h.writeStatus(w, http.StatusMethodNotAllowed)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/tools":
		h.handleListTools(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		h.handleHealthz(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warnw("Request body too large", "limit", MaxBodyBytes)
			h.writeResponse(w, http.StatusRequestEntityTooLarge,
				mcp.NewError(nil, mcp.CodeInvalidRequest, "Invalid Request", "request body too large"))
			return
		}
		h.writeResponse(w, http.StatusBadRequest,
			mcp.NewError(nil, mcp.CodeParseError, "Parse error", err.Error()))
		return
	}

	resp := h.Dispatcher().HandleMessage(r.Context(), body)
	if resp == nil {
		h.writeStatus(w, http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if resp.Error != nil {
		switch resp.Error.Code {
		case mcp.CodeParseError, mcp.CodeInvalidRequest:
			status = http.StatusBadRequest
		}
	}
	h.writeResponse(w, status, resp)
}

func (h *Handler) handleListTools(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.Dispatcher().Registry().Descriptors()
	h.writeJSON(w, http.StatusOK, map[string]any{"tools": descriptors, "count": len(descriptors)})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, resp *mcp.Response) {
	data, err := resp.MarshalJSON()
	if err != nil {
		h.logger.Errorw("Failed to encode response", "error", err)
		status = http.StatusInternalServerError
		data, _ = mcp.NewError(resp.ID, mcp.CodeInternalError, "Internal error", nil).MarshalJSON()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	metrics.RecordHTTPRequest(status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
	metrics.RecordHTTPRequest(status)
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
	metrics.RecordHTTPRequest(status)
}
