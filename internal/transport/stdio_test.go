package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/stdio"
	"github.com/jarsater/mcp-relay/internal/tools"
)

// TestHelperProcess is not a real test. It is the subprocess the stdio
// transport tests spawn, selected by HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_MODE") {
	case "serve":
		reg, _ := tools.NewRegistry(tools.New("hello", "Say hello", nil, func(context.Context, map[string]any) (any, error) {
			return "hello from stdio", nil
		}))
		srv := stdio.NewServer(rpc.NewDispatcher(reg), stdio.WithDiagnostics(os.Stderr))
		_ = srv.Serve(context.Background(), os.Stdin, os.Stdout)
	case "stall-once":
		// The first process stalls; later ones serve.
		marker := os.Getenv("HELPER_MARKER")
		if _, err := os.Stat(marker); err != nil {
			_ = os.WriteFile(marker, nil, 0o600)
			_, _ = io.Copy(io.Discard, os.Stdin)
			return
		}
		reg, _ := tools.NewRegistry()
		_ = stdio.NewServer(rpc.NewDispatcher(reg)).Serve(context.Background(), os.Stdin, os.Stdout)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
	case "garbage":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println("this is not json")
		}
	case "wrong-id":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println(`{"jsonrpc":"2.0","id":999,"result":{}}`)
		}
	case "stubborn":
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
	case "die":
		fmt.Fprintln(os.Stderr, "dying")
	}
}

func helperTransport(t *testing.T, mode string, cfg StdioConfig) *Stdio {
	t.Helper()
	cfg.Command = []string{os.Args[0], "-test.run=^TestHelperProcess$"}
	cfg.Env = []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode}
	if cfg.Name == "" {
		cfg.Name = mode
	}
	tr, err := NewStdio(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr
}

func TestStdioRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "serve", StdioConfig{})
	require.NoError(t, tr.Initialize(ctx))
	require.NoError(t, tr.Initialize(ctx))

	resp, err := tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	require.NoError(t, err)
	assert.Equal(t, `1`, string(resp.ID))
	assert.JSONEq(t, `{}`, string(resp.Result))

	resp, err = tr.SendRequest(ctx, mustRequest(t, "call-1", mcp.MethodToolsCall, mcp.CallToolParams{Name: "hello"}))
	require.NoError(t, err)
	var res mcp.CallToolResult
	require.NoError(t, resp.DecodeResult(&res))
	assert.Equal(t, "hello from stdio", res.Text())

	resp, err = tr.SendRequest(ctx, mustRequest(t, nil, "notifications/initialized", nil))
	require.NoError(t, err)
	assert.Nil(t, resp)

	// The notification produced no line, so the next reply still lines up.
	resp, err = tr.SendRequest(ctx, mustRequest(t, 2, mcp.MethodPing, nil))
	require.NoError(t, err)
	assert.Equal(t, `2`, string(resp.ID))

	start := time.Now()
	require.NoError(t, tr.Shutdown(ctx))
	assert.Less(t, time.Since(start), DefaultShutdownGrace)
	require.NoError(t, tr.Shutdown(ctx))
}

func TestStdioReadTimeoutKillsProcess(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "silent", StdioConfig{ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, tr.Initialize(ctx))

	_, err := tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = tr.SendRequest(ctx, mustRequest(t, 2, mcp.MethodPing, nil))
	var terr *Error
	require.True(t, errors.As(err, &terr))
}

func TestStdioRestartAfterTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := StdioConfig{Name: "stall-once", ReadTimeout: 100 * time.Millisecond}
	cfg.Command = []string{os.Args[0], "-test.run=^TestHelperProcess$"}
	cfg.Env = []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=stall-once",
		"HELPER_MARKER=" + filepath.Join(t.TempDir(), "stalled")}
	tr, err := NewStdio(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(ctx) })

	require.NoError(t, tr.Initialize(ctx))
	_, err = tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, tr.Shutdown(ctx))
	require.NoError(t, tr.Initialize(ctx))

	for id := 2; id < 5; id++ {
		resp, err := tr.SendRequest(ctx, mustRequest(t, id, mcp.MethodPing, nil))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(id), string(resp.ID))
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\n  \n{\"a\":1}\r\n{\"b\":2}"))

	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))

	_, err = readLine(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdioMalformedLine(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "garbage", StdioConfig{})
	require.NoError(t, tr.Initialize(ctx))

	_, err := tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStdioMismatchedIDStillReturns(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "wrong-id", StdioConfig{})
	require.NoError(t, tr.Initialize(ctx))

	resp, err := tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	require.NoError(t, err)
	assert.Equal(t, `999`, string(resp.ID))
}

func TestStdioDeadProcess(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "die", StdioConfig{})
	require.NoError(t, tr.Initialize(ctx))

	_, err := tr.SendRequest(ctx, mustRequest(t, 1, mcp.MethodPing, nil))
	assert.ErrorIs(t, err, ErrNotRunning)

	done := make(chan error, 1)
	go func() { done <- tr.Shutdown(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung on a dead process")
	}
}

func TestStdioShutdownKillsStubbornProcess(t *testing.T) {
	ctx := context.Background()
	tr := helperTransport(t, "stubborn", StdioConfig{ShutdownGrace: 100 * time.Millisecond})
	require.NoError(t, tr.Initialize(ctx))

	start := time.Now()
	require.NoError(t, tr.Shutdown(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStdioConfigValidation(t *testing.T) {
	_, err := NewStdio(StdioConfig{})
	assert.Error(t, err)

	tr, err := NewStdio(StdioConfig{Command: []string{"/bin/true"}})
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", tr.Name())
}
