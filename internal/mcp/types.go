package mcp

// JSON-RPC 2.0 message model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined errors occupy -32099..-32000.
	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

var nullJSON = json.RawMessage("null")

// Request represents a JSON-RPC 2.0 request. ID holds the raw JSON of the id so that
// its string or number type is echoed back unchanged. An empty ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response. Exactly one of Result and Error is
// serialized; a response without an error always carries "result" (possibly null).
type Response struct {
	JSONRPC string
	ID      json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsServerError reports whether the code lies in the server-defined range.
func IsServerError(code int) bool {
	return code >= CodeServerErrorMin && code <= CodeServerErrorMax
}

// NewRequest builds a request. id may be nil (notification), a string, or an integer.
// params is marshalled unless it is nil.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("marshal id: %w", err)
		}
		req.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// EchoID returns the id to answer a rejected request with: its own id when that
// is a string, number or null, otherwise nil (encoded as null).
func (r *Request) EchoID() json.RawMessage {
	if !validID(r.ID) {
		return nil
	}
	return r.ID
}

// Validate checks JSON-RPC framing: version, method, id type and params shape.
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	if !validID(r.ID) {
		return fmt.Errorf("id must be a string, number or null")
	}
	if len(r.Params) > 0 {
		switch firstByte(r.Params) {
		case '{', '[':
		default:
			if !bytes.Equal(bytes.TrimSpace(r.Params), nullJSON) {
				return fmt.Errorf("params must be an object or array")
			}
		}
	}
	return nil
}

// ParseRequest decodes and validates one request. On failure it returns the
// partially decoded request (so its id can be echoed when known) and the JSON-RPC
// error to answer with: -32700 for unparsable JSON, -32600 for bad framing.
func ParseRequest(data []byte) (*Request, *Error) {
	if !json.Valid(data) {
		return nil, &Error{Code: CodeParseError, Message: "Parse error"}
	}
	if firstByte(data) != '{' {
		return nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: quote("request must be a JSON object")}
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: quote(err.Error())}
	}
	if err := req.Validate(); err != nil {
		req.ID = req.EchoID()
		return &req, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: quote(err.Error())}
	}
	return &req, nil
}

// NewResult builds a success response. result is marshalled; nil becomes JSON null.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response. data may be nil.
func NewError(id json.RawMessage, code int, message string, data any) *Response {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Response{JSONRPC: Version, ID: id, Error: e}
}

// Validate checks response framing: version and result/error exclusivity.
func (r *Response) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version %q", r.JSONRPC)
	}
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("response must carry exactly one of result and error")
	}
	return nil
}

// MarshalJSON writes exactly one of result and error, and a null id when the id is unknown.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullJSON
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, id, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = nullJSON
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{Version, id, result})
}

// UnmarshalJSON keeps a present-but-null result distinguishable from an absent one.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Response{}
	if v, ok := raw["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &r.JSONRPC); err != nil {
			return fmt.Errorf("jsonrpc: %w", err)
		}
	}
	r.ID = raw["id"]
	if v, ok := raw["result"]; ok {
		r.Result = v
	}
	if v, ok := raw["error"]; ok && !bytes.Equal(bytes.TrimSpace(v), nullJSON) {
		r.Error = &Error{}
		if err := json.Unmarshal(v, r.Error); err != nil {
			return fmt.Errorf("error: %w", err)
		}
	}
	return nil
}

// DecodeResult unmarshals the result into v.
func (r *Response) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(id)
	if bytes.Equal(trimmed, nullJSON) {
		return true
	}
	switch c := firstByte(trimmed); {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		return true
	}
	return false
}

func firstByte(data []byte) byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func quote(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
