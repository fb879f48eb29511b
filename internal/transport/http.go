package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
)

const (
	// DefaultHTTPPath is used when the endpoint is given as host and port.
	DefaultHTTPPath = "/jsonrpc"
	// DefaultHTTPTimeout bounds one HTTP round trip.
	DefaultHTTPTimeout = 30 * time.Second

	maxResponseBytes = 10 << 20
)

// HTTPConfig describes an HTTP JSON-RPC endpoint. URL wins over Host, Port and Path.
type HTTPConfig struct {
	Name    string
	URL     string
	Host    string
	Port    int
	Path    string
	Timeout time.Duration
	Headers map[string]string
}

// HTTP is a transport that POSTs each request to a fixed endpoint over a pooled
// connection.
type HTTP struct {
	name     string
	endpoint string
	timeout  time.Duration
	headers  map[string]string
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	client *http.Client
}

// NewHTTP creates an HTTP transport. No connection is made until Initialize or
// the first request.
func NewHTTP(cfg HTTPConfig, opts ...Option) (*HTTP, error) {
	endpoint, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	name := cfg.Name
	if name == "" {
		name = endpoint
	}
	o := buildOptions(opts)
	return &HTTP{
		name:     name,
		endpoint: endpoint,
		timeout:  cfg.Timeout,
		headers:  cfg.Headers,
		logger:   o.logger.With("transport", name),
	}, nil
}

func (c HTTPConfig) endpoint() (string, error) {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return "", fmt.Errorf("invalid url %q: %w", c.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("invalid url %q: scheme must be http or https", c.URL)
		}
		return u.String(), nil
	}
	if c.Host == "" {
		return "", errors.New("http transport needs a url or a host")
	}
	path := c.Path
	if path == "" {
		path = DefaultHTTPPath
	}
	if path[0] != '/' {
		path = "/" + path
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	u := url.URL{Scheme: "http", Host: host, Path: path}
	return u.String(), nil
}

// Name returns the transport name.
func (t *HTTP) Name() string {
	return t.name
}

// Endpoint returns the URL requests are posted to.
func (t *HTTP) Endpoint() string {
	return t.endpoint
}

// Initialize prepares the pooled client. Calling it again is a no-op.
func (t *HTTP) Initialize(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureClient()
	return nil
}

func (t *HTTP) ensureClient() *http.Client {
	if t.client == nil {
		t.client = &http.Client{
			Timeout: t.timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		t.logger.Debugw("HTTP transport initialized", "endpoint", t.endpoint)
	}
	return t.client
}

// Shutdown drops pooled connections. Calling it again is a no-op.
func (t *HTTP) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.CloseIdleConnections()
		t.client = nil
		t.logger.Debugw("HTTP transport shut down")
	}
	return nil
}

// SendRequest POSTs req and parses the JSON-RPC response.
func (t *HTTP) SendRequest(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	start := time.Now()
	resp, err := t.roundTrip(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordRoundTrip(t.name, "http", outcome, time.Since(start).Seconds())
	return resp, err
}

func (t *HTTP) roundTrip(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	t.mu.Lock()
	client := t.ensureClient()
	t.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, t.fail("encode", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, t.fail("send", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.logger.Debugw(">> POST", "method", req.Method, "id", string(req.ID))

	httpResp, err := client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return nil, t.fail("send", 0, fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return nil, t.fail("send", 0, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, t.fail("read", httpResp.StatusCode, err)
	}

	t.logger.Debugw("<< response", "status", httpResp.StatusCode, "bytes", len(respBody))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, t.fail("send", httpResp.StatusCode,
			fmt.Errorf("unexpected status: %s", truncate(string(bytes.TrimSpace(respBody)), 200)))
	}

	if req.IsNotification() {
		return nil, nil
	}

	resp, err := decodeResponse(respBody)
	if err != nil {
		return nil, t.fail("decode", httpResp.StatusCode, err)
	}
	return resp, nil
}

func (t *HTTP) fail(op string, status int, err error) *Error {
	t.logger.Warnw("HTTP round trip failed", "op", op, "status", status, "error", err)
	return &Error{Transport: t.name, Op: op, StatusCode: status, Err: err}
}
