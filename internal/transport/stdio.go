package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/metrics"
)

const (
	// DefaultReadTimeout bounds the wait for one response line.
	DefaultReadTimeout = 60 * time.Second
	// DefaultShutdownGrace is how long a subprocess gets to exit before it is killed.
	DefaultShutdownGrace = 5 * time.Second

	maxLineBytes = 10 << 20
)

// StdioConfig describes a subprocess speaking line-delimited JSON-RPC.
type StdioConfig struct {
	Name          string
	Command       []string
	Env           []string
	Dir           string
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Stdio is a transport backed by a subprocess. Requests go to its stdin, one JSON
// document per line, and responses are read one line at a time from its stdout.
// Stderr is a diagnostic channel and is only logged.
type Stdio struct {
	cfg    StdioConfig
	name   string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closer io.Closer
	exited chan struct{}
	broken error
}

// NewStdio creates a stdio transport. The process is started by Initialize.
func NewStdio(cfg StdioConfig, opts ...Option) (*Stdio, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("stdio transport needs a command")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command[0]
	}
	o := buildOptions(opts)
	return &Stdio{
		cfg:    cfg,
		name:   name,
		logger: o.logger.With("transport", name),
	}, nil
}

// Name returns the transport name.
func (t *Stdio) Name() string {
	return t.name
}

// Initialize spawns the subprocess. It is a no-op while the process runs.
func (t *Stdio) Initialize(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil && !t.hasExited() {
		return nil
	}
	return t.start()
}

// start must be called with t.mu held.
func (t *Stdio) start() error {
	if t.closer != nil {
		_ = t.closer.Close()
		t.closer = nil
	}

	cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.fail("start", err)
	}
	// Plain pipes keep cmd.Wait from closing the read ends under a pending read.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return t.fail("start", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return t.fail("start", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, c := range []io.Closer{stdin, stdoutR, stdoutW, stderrR, stderrW} {
			_ = c.Close()
		}
		return t.fail("start", err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		t.logger.Infow("Subprocess exited", "pid", cmd.Process.Pid, "error", err)
		metrics.SetProcessRunning(t.name, false)
		close(exited)
	}()
	go t.drainStderr(stderrR)

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReaderSize(stdoutR, 64<<10)
	t.closer = stdoutR
	t.exited = exited
	t.broken = nil

	metrics.SetProcessRunning(t.name, true)
	t.logger.Infow("Subprocess started", "pid", cmd.Process.Pid, "command", t.cfg.Command)
	return nil
}

// drainStderr logs the diagnostic stream until the process closes it.
func (t *Stdio) drainStderr(r io.ReadCloser) {
	defer func() { _ = r.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var diag struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if json.Unmarshal(line, &diag) == nil && diag.Status != "" {
			t.logger.Infow("Subprocess diagnostic", "status", diag.Status, "message", diag.Message)
			continue
		}
		t.logger.Debugw("Subprocess stderr", "line", string(line))
	}
}

// hasExited must be called with t.mu held.
func (t *Stdio) hasExited() bool {
	if t.exited == nil {
		return true
	}
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

// SendRequest writes one line and reads one line back. A read that outlives the
// read timeout or ctx kills the subprocess, since the stream can no longer be
// trusted to line up requests with responses.
func (t *Stdio) SendRequest(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	start := time.Now()
	resp, err := t.roundTrip(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordRoundTrip(t.name, "stdio", outcome, time.Since(start).Seconds())
	return resp, err
}

type lineResult struct {
	line []byte
	err  error
}

func (t *Stdio) roundTrip(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		if err := t.start(); err != nil {
			return nil, err
		}
	}
	if t.broken != nil {
		return nil, t.fail("send", t.broken)
	}
	if t.hasExited() {
		return nil, t.fail("send", ErrNotRunning)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, t.fail("encode", err)
	}
	t.logger.Debugw(">> request", "method", req.Method, "id", string(req.ID))
	if _, err := t.stdin.Write(append(line, '\n')); err != nil {
		t.broken = err
		return nil, t.fail("write", fmt.Errorf("%w: %v", ErrNotRunning, err))
	}

	if req.IsNotification() {
		return nil, nil
	}

	// The reader is captured here; a restart after a kill replaces t.stdout.
	results := make(chan lineResult, 1)
	go func(r *bufio.Reader) {
		line, err := readLine(r)
		results <- lineResult{line: line, err: err}
	}(t.stdout)

	timer := time.NewTimer(t.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			t.broken = res.err
			if errors.Is(res.err, io.EOF) {
				return nil, t.fail("read", fmt.Errorf("%w: stdout closed", ErrNotRunning))
			}
			return nil, t.fail("read", res.err)
		}
		resp, err := decodeResponse(res.line)
		if err != nil {
			return nil, t.fail("decode", err)
		}
		if !bytes.Equal(resp.ID, req.ID) {
			t.logger.Warnw("Response id does not match request id",
				"requestID", string(req.ID), "responseID", string(resp.ID))
		}
		return resp, nil
	case <-timer.C:
		t.abort(ErrTimeout)
		return nil, t.fail("read", fmt.Errorf("%w: no response within %s", ErrTimeout, t.cfg.ReadTimeout))
	case <-ctx.Done():
		t.abort(ctx.Err())
		return nil, t.fail("read", ctx.Err())
	}
}

// readLine returns the next non-blank line from r.
func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLineBytes)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// abort kills the process after a desynchronizing failure. Must be called with t.mu held.
func (t *Stdio) abort(reason error) {
	t.broken = reason
	if t.cmd != nil && t.cmd.Process != nil && !t.hasExited() {
		t.logger.Warnw("Killing subprocess", "reason", reason)
		_ = t.cmd.Process.Kill()
	}
}

// Shutdown asks the subprocess to exit, closes its input, and kills it if it is
// still running after the grace period. It never blocks on a dead process.
func (t *Stdio) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil
	}

	if !t.hasExited() {
		exit, _ := json.Marshal(mcp.Request{JSONRPC: mcp.Version, Method: mcp.MethodExit})
		if _, err := t.stdin.Write(append(exit, '\n')); err != nil {
			t.logger.Debugw("Failed to send exit", "error", err)
		}
	}
	_ = t.stdin.Close()

	var err error
	select {
	case <-t.exited:
	case <-time.After(t.cfg.ShutdownGrace):
		t.logger.Warnw("Subprocess did not exit in time, killing", "grace", t.cfg.ShutdownGrace)
		if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = t.fail("shutdown", killErr)
		}
		<-t.exited
	}

	_ = t.closer.Close()
	t.cmd = nil
	t.stdin = nil
	t.stdout = nil
	t.closer = nil
	t.broken = nil
	t.logger.Debugw("Stdio transport shut down")
	return err
}

func (t *Stdio) fail(op string, err error) *Error {
	t.logger.Warnw("Stdio round trip failed", "op", op, "error", err)
	return &Error{Transport: t.name, Op: op, Err: err}
}
