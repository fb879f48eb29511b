package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarsater/mcp-relay/internal/api"
	"github.com/jarsater/mcp-relay/internal/circuit"
	"github.com/jarsater/mcp-relay/internal/client"
	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/tools"
	"github.com/jarsater/mcp-relay/internal/transport"
)

// backend serves tools over HTTP the way a real MCP server would.
func backend(t *testing.T, ts ...tools.Tool) *httptest.Server {
	t.Helper()
	reg, err := tools.NewRegistry(ts...)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewHandler(rpc.NewDispatcher(reg)))
	t.Cleanup(srv.Close)
	return srv
}

func constTool(name, out string) tools.Tool {
	return tools.New(name, name, nil, func(context.Context, map[string]any) (any, error) { return out, nil })
}

func httpTransport(t *testing.T, name, url string) transport.Transport {
	t.Helper()
	tr, err := transport.NewHTTP(transport.HTTPConfig{Name: name, URL: url + "/jsonrpc", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return tr
}

func rpcCall(t *testing.T, h http.Handler, body string) *mcp.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonrpc", strings.NewReader(body)))
	var resp mcp.Response
	require.NoError(t, resp.UnmarshalJSON(rec.Body.Bytes()))
	return &resp
}

func callResult(t *testing.T, h http.Handler, tool string) mcp.CallToolResult {
	t.Helper()
	resp := rpcCall(t, h, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q}}`, tool))
	require.Nil(t, resp.Error)
	var res mcp.CallToolResult
	require.NoError(t, resp.DecodeResult(&res))
	return res
}

func listNames(t *testing.T, h http.Handler) []string {
	t.Helper()
	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	var res mcp.ListToolsResult
	require.NoError(t, resp.DecodeResult(&res))
	names := []string{}
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestGatewayAggregatesBackends(t *testing.T) {
	first := backend(t, constTool("a", "a@first"), constTool("b", "b@first"))
	failing := tools.New("broken", "", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend says no")
	})
	second := backend(t, constTool("b", "b@second"), constTool("c", "c@second"), failing)

	g := New(nil)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.Load(context.Background(), []transport.Transport{
		httpTransport(t, "first", first.URL),
		httpTransport(t, "second", second.URL),
	}, circuit.DefaultConfig()))

	h := g.Handler()
	assert.Equal(t, []string{"a", "b", "c", "broken"}, listNames(t, h))
	assert.Equal(t, "b@first", callResult(t, h, "b").Text())
	assert.Equal(t, "c@second", callResult(t, h, "c").Text())

	res := callResult(t, h, "broken")
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: backend says no", res.Text())

	res = callResult(t, h, "missing")
	assert.True(t, res.IsError)
	assert.Equal(t, "Tool not found: missing", res.Text())
}

func TestGatewayReloadSwapsSession(t *testing.T) {
	oldSrv := backend(t, constTool("old", "old"))
	newSrv := backend(t, constTool("new", "new"))

	g := New(nil)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.Load(context.Background(), []transport.Transport{httpTransport(t, "s", oldSrv.URL)}, circuit.DefaultConfig()))
	first := g.Client()

	require.NoError(t, g.Load(context.Background(), []transport.Transport{httpTransport(t, "s", newSrv.URL)}, circuit.DefaultConfig()))
	assert.Equal(t, []string{"new"}, listNames(t, g.Handler()))
	assert.Equal(t, client.StateShutdown, first.State())
	assert.Equal(t, client.StateInitialized, g.Client().State())
}

func TestGatewayFailedReloadKeepsSession(t *testing.T) {
	srv := backend(t, constTool("keep", "kept"))

	g := New(nil)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.Load(context.Background(), []transport.Transport{httpTransport(t, "s", srv.URL)}, circuit.DefaultConfig()))

	dir := t.TempDir()
	bad := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transports: []\n"), 0o600))
	assert.Error(t, g.ReloadFile(context.Background(), bad))
	assert.Error(t, g.Load(context.Background(), nil, circuit.DefaultConfig()))

	assert.Equal(t, "kept", callResult(t, g.Handler(), "keep").Text())
}

func TestGatewayReloadFromFile(t *testing.T) {
	srv := backend(t, constTool("filetool", "from file"))
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	content := fmt.Sprintf("[[transports]]\nname = \"remote\"\ntype = \"http\"\nurl = %q\n", srv.URL+"/jsonrpc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	g := New([]api.Option{api.WithPath("/mcp")})
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.ReloadFile(context.Background(), path))

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"filetool"}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "from file")
}

func TestGatewayUnreachableBackendServesRest(t *testing.T) {
	srv := backend(t, constTool("up", "up"))
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	g := New(nil)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.Load(context.Background(), []transport.Transport{
		httpTransport(t, "dead", deadURL),
		httpTransport(t, "up", srv.URL),
	}, circuit.DefaultConfig()))

	assert.Equal(t, []string{"up"}, listNames(t, g.Handler()))
}

func TestGatewayClose(t *testing.T) {
	srv := backend(t, constTool("x", "x"))
	g := New(nil)
	require.NoError(t, g.Load(context.Background(), []transport.Transport{httpTransport(t, "s", srv.URL)}, circuit.DefaultConfig()))

	require.NoError(t, g.Close(context.Background()))
	require.NoError(t, g.Close(context.Background()))
	assert.Nil(t, g.Client())
	assert.Empty(t, listNames(t, g.Handler()))
	assert.Error(t, g.Load(context.Background(), []transport.Transport{httpTransport(t, "s", srv.URL)}, circuit.DefaultConfig()))
	assert.NotEmpty(t, g.ID())
}
