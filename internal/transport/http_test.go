package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/tools"
)

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg, err := tools.NewRegistry(tools.New("hello", "Say hello", nil, func(context.Context, map[string]any) (any, error) {
		return "hello", nil
	}))
	require.NoError(t, err)
	d := rpc.NewDispatcher(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		resp := d.HandleMessage(r.Context(), body)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		data, _ := resp.MarshalJSON()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func mustRequest(t *testing.T, id any, method string, params any) *mcp.Request {
	t.Helper()
	req, err := mcp.NewRequest(id, method, params)
	require.NoError(t, err)
	return req
}

func TestHTTPConfigEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HTTPConfig
		want    string
		wantErr bool
	}{
		{name: "url wins", cfg: HTTPConfig{URL: "https://example.com/rpc", Host: "ignored"}, want: "https://example.com/rpc"},
		{name: "host and port default path", cfg: HTTPConfig{Host: "localhost", Port: 8080}, want: "http://localhost:8080/jsonrpc"},
		{name: "custom path without slash", cfg: HTTPConfig{Host: "10.0.0.1", Port: 9, Path: "mcp"}, want: "http://10.0.0.1:9/mcp"},
		{name: "host only", cfg: HTTPConfig{Host: "svc"}, want: "http://svc/jsonrpc"},
		{name: "nothing", cfg: HTTPConfig{}, wantErr: true},
		{name: "bad scheme", cfg: HTTPConfig{URL: "ftp://x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewHTTP(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Endpoint())
		})
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := newRPCServer(t)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	tr, err := NewHTTP(HTTPConfig{Name: "local", Host: u.Hostname(), Port: port})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tr.Initialize(ctx))
	require.NoError(t, tr.Initialize(ctx))
	defer func() {
		assert.NoError(t, tr.Shutdown(ctx))
		assert.NoError(t, tr.Shutdown(ctx))
	}()

	resp, err := tr.SendRequest(ctx, mustRequest(t, "abc", mcp.MethodToolsCall, mcp.CallToolParams{Name: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(resp.ID))
	var res mcp.CallToolResult
	require.NoError(t, resp.DecodeResult(&res))
	assert.Equal(t, "hello", res.Text())

	// A JSON-RPC error is a successful round trip.
	resp, err = tr.SendRequest(ctx, mustRequest(t, 2, "no/such", nil))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)

	resp, err = tr.SendRequest(ctx, mustRequest(t, nil, "notifications/initialized", nil))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPTransportErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "kaput", http.StatusBadGateway)
		}))
		defer srv.Close()

		tr, err := NewHTTP(HTTPConfig{URL: srv.URL})
		require.NoError(t, err)
		_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))

		var terr *Error
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
		assert.Contains(t, terr.Error(), "kaput")
	})

	t.Run("non-json body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>hi</html>")
		}))
		defer srv.Close()

		tr, err := NewHTTP(HTTPConfig{URL: srv.URL})
		require.NoError(t, err)
		_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("invalid framing", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1}`)
		}))
		defer srv.Close()

		tr, err := NewHTTP(HTTPConfig{URL: srv.URL})
		require.NoError(t, err)
		_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		tr, err := NewHTTP(HTTPConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		tr, err := NewHTTP(HTTPConfig{URL: addr})
		require.NoError(t, err)
		_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
		var terr *Error
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "send", terr.Op)
	})
}

func TestNameOf(t *testing.T) {
	tr, err := NewHTTP(HTTPConfig{Name: "named", URL: "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "named", NameOf(tr, 0))

	fn := Func(func(context.Context, *mcp.Request) (*mcp.Response, error) { return nil, nil })
	assert.Equal(t, "transport-3", NameOf(fn, 3))
}
