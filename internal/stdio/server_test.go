package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/tools"
)

func newTestServer(t *testing.T, diag io.Writer) *Server {
	t.Helper()
	reg, err := tools.NewRegistry(
		tools.New(ExamineTool, "Examine a path", nil, func(_ context.Context, args map[string]any) (any, error) {
			q, ok := tools.StringArg(args, "query")
			if !ok {
				return nil, errors.New("query is required")
			}
			return "examined " + q, nil
		}),
	)
	require.NoError(t, err)
	return NewServer(rpc.NewDispatcher(reg), WithDiagnostics(diag))
}

func serveLines(t *testing.T, lines ...string) []string {
	t.Helper()
	var out bytes.Buffer
	err := newTestServer(t, io.Discard).Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, err)

	var replies []string
	for _, l := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if l != "" {
			replies = append(replies, l)
		}
	}
	return replies
}

func TestLegacyCommands(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "ping", line: `{"command":"ping"}`, want: `{"status":"success","message":"pong"}`},
		{name: "unknown", line: `{"command":"dance"}`, want: `{"status":"error","message":"Unknown command: dance"}`},
		{name: "missing command", line: `{"foo":1}`, want: `{"status":"error","message":"Unknown command: null"}`},
		{name: "empty object", line: `{}`, want: `{"status":"error","message":"Unknown command: null"}`},
		{name: "null command", line: `{"command": null}`, want: `{"status":"error","message":"Unknown command: null"}`},
		{name: "partial framing", line: `{"jsonrpc":"2.0","id":1}`, want: `{"status":"error","message":"Unknown command: null"}`},
		{name: "array", line: `[1,2]`, want: `{"status":"error","message":"Invalid JSON request"}`},
		{name: "number", line: `42`, want: `{"status":"error","message":"Invalid JSON request"}`},
		{name: "non-string command", line: `{"command":7}`, want: `{"status":"error","message":"Unknown command: 7"}`},
		{name: "invalid json", line: `{"command":`, want: `{"status":"error","message":"Invalid JSON request"}`},
		{name: "examine", line: `{"command":"examine","query":"/tmp"}`, want: `{"status":"success","message":"examined /tmp"}`},
		{name: "examine without query", line: `{"command":"examine"}`, want: `{"status":"error","message":"Error: query is required"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies := serveLines(t, tt.line)
			require.Len(t, replies, 1)
			assert.Equal(t, tt.want, replies[0])
		})
	}
}

func TestPingIsExact(t *testing.T) {
	replies := serveLines(t, `{"command":"ping"}`)
	require.Len(t, replies, 1)
	assert.Equal(t, `{"status":"success","message":"pong"}`, replies[0])
}

func TestJSONRPCLines(t *testing.T) {
	replies := serveLines(t,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"t","method":"tools/call","params":{"name":"examine","arguments":{"query":"x"}}}`,
		`{"jsonrpc":"1.0","id":3,"method":"ping"}`,
	)
	require.Len(t, replies, 3)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, replies[0])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"t","result":{"content":[{"type":"text","text":"examined x"}],"isError":false}}`, replies[1])

	// Framed as JSON-RPC, so a bad version is a JSON-RPC error.
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(replies[2]), &resp))
	assert.Contains(t, resp, "error")
	assert.NotContains(t, resp, "status")
}

func TestReplyShapesNeverMix(t *testing.T) {
	replies := serveLines(t,
		`{"command":"ping"}`,
		`{"jsonrpc":"2.0","id":2,"method":"nope"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"method":"ping","id":4}`,
		`[1,2]`,
		`42`,
		`{}`,
	)
	require.Len(t, replies, 8)

	for i, wantLegacy := range []bool{true, false, true, true, true, true, true, true} {
		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(replies[i]), &fields))
		_, hasStatus := fields["status"]
		_, hasVersion := fields["jsonrpc"]
		assert.Equal(t, wantLegacy, hasStatus, replies[i])
		assert.Equal(t, !wantLegacy, hasVersion, replies[i])
	}
}

func TestExitStopsLoop(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		reply string
	}{
		{name: "legacy", line: `{"command":"exit"}`, reply: `{"status":"success","message":"Server exiting"}`},
		{name: "jsonrpc request", line: `{"jsonrpc":"2.0","id":9,"method":"exit"}`, reply: `{"jsonrpc":"2.0","id":9,"result":null}`},
		{name: "jsonrpc notification", line: `{"jsonrpc":"2.0","method":"exit"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inR, inW := io.Pipe()
			outR, outW := io.Pipe()
			srv := newTestServer(t, io.Discard)

			done := make(chan error, 1)
			go func() {
				done <- srv.Serve(context.Background(), inR, outW)
				_ = outW.Close()
			}()
			replies := bufio.NewScanner(outR)

			_, err := io.WriteString(inW, `{"command":"ping"}`+"\n")
			require.NoError(t, err)
			require.True(t, replies.Scan())
			assert.Equal(t, `{"status":"success","message":"pong"}`, replies.Text())

			_, err = io.WriteString(inW, tt.line+"\n")
			require.NoError(t, err)
			if tt.reply != "" {
				require.True(t, replies.Scan())
				assert.JSONEq(t, tt.reply, replies.Text())
			}

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("server loop did not stop after exit")
			}

			// Nothing reads the input any more.
			writeDone := make(chan struct{})
			go func() {
				_, _ = io.WriteString(inW, `{"command":"ping"}`+"\n")
				close(writeDone)
			}()
			select {
			case <-writeDone:
				t.Fatal("input was read after exit")
			case <-time.After(50 * time.Millisecond):
			}
			_ = inR.Close()
			<-writeDone
			assert.False(t, replies.Scan())
		})
	}
}

func TestReadyDiagnostic(t *testing.T) {
	var diag bytes.Buffer
	srv := newTestServer(t, &diag)
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(""), io.Discard))
	assert.Equal(t, `{"status":"info","message":"STDIO MCP server ready"}`+"\n", diag.String())
}
