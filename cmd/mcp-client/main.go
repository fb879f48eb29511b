package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jarsater/mcp-relay/internal/client"
	"github.com/jarsater/mcp-relay/internal/config"
	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/transport"
	"github.com/jarsater/mcp-relay/pkg/logging"
)

const usage = `Usage: mcp-client [flags] <command> [args]

Commands:
  list                   List the unified tool set
  call <tool> [json]     Call a tool with optional JSON object arguments
  ping [transport]       Ping one transport, or all of them

Flags:
`

func main() {
	var (
		configFile string
		url        string
		stdioCmd   string
		timeout    time.Duration
		verbose    bool
	)

	flag.StringVar(&configFile, "config", "", "Client config file listing transports (YAML or TOML)")
	flag.StringVar(&url, "url", "", "HTTP endpoint of a single MCP server")
	flag.StringVar(&stdioCmd, "stdio", "", "Command line of a single stdio MCP server")
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "Overall timeout")
	flag.BoolVar(&verbose, "v", false, "Log at debug level to stderr")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	logger := logging.NewLogger("mcp-client", logging.WithLevel(level), logging.WithOutput("stderr"))
	defer func() { _ = logger.Sync() }()

	transports, err := buildTransports(logger, configFile, url, stdioCmd)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = client.Session(ctx, transports, func(c *client.Client) error {
		return run(ctx, c, flag.Arg(0), flag.Args()[1:])
	}, client.WithLogger(logger))
	if err != nil {
		fail(err)
	}
}

func buildTransports(logger *zap.SugaredLogger, configFile, url, stdioCmd string) ([]transport.Transport, error) {
	var transports []transport.Transport
	if configFile != "" {
		cfg, err := config.LoadClient(configFile)
		if err != nil {
			return nil, err
		}
		built, err := cfg.BuildTransports(logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, built...)
	}
	if url != "" {
		t, err := transport.NewHTTP(transport.HTTPConfig{Name: "http", URL: url}, transport.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		transports = append(transports, t)
	}
	if stdioCmd != "" {
		t, err := transport.NewStdio(transport.StdioConfig{Name: "stdio", Command: strings.Fields(stdioCmd)}, transport.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		transports = append(transports, t)
	}
	if len(transports) == 0 {
		return nil, errors.New("one of -config, -url or -stdio is required")
	}
	return transports, nil
}

func run(ctx context.Context, c *client.Client, command string, args []string) error {
	switch command {
	case "list":
		return list(c)
	case "call":
		if len(args) == 0 {
			return errors.New("call needs a tool name")
		}
		return call(ctx, c, args[0], args[1:])
	case "ping":
		return ping(ctx, c, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func list(c *client.Client) error {
	tools, err := c.ListTools()
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen, color.Bold)
	gray := color.New(color.FgHiBlack)

	if len(tools) == 0 {
		gray.Println("no tools discovered")
		return nil
	}
	for _, t := range tools {
		green.Print(t.Name)
		if t.Description != "" {
			gray.Printf("  %s", t.Description)
		}
		fmt.Println()
	}
	return nil
}

func call(ctx context.Context, c *client.Client, name string, rest []string) error {
	args := map[string]any{}
	if len(rest) > 0 {
		if err := json.Unmarshal([]byte(strings.Join(rest, " ")), &args); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return err
	}

	for _, item := range res.Content {
		switch item.Type {
		case mcp.ContentText:
			fmt.Println(item.Text)
		default:
			color.New(color.FgCyan).Printf("[%s %s, %d bytes base64]\n", item.Type, item.MimeType, len(item.Data))
		}
	}
	return nil
}

func ping(ctx context.Context, c *client.Client, args []string) error {
	names := args
	if len(names) == 0 {
		names = c.TransportNames()
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	var failed int
	for _, name := range names {
		start := time.Now()
		if err := c.Ping(ctx, name); err != nil {
			red.Print("✗ ")
			fmt.Printf("%s: %v\n", name, err)
			failed++
			continue
		}
		green.Print("✓ ")
		fmt.Printf("%s (%s)\n", name, time.Since(start).Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transports failed", failed, len(names))
	}
	return nil
}

func fail(err error) {
	color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "Error: ")
	fmt.Fprintf(os.Stderr, "%v (%s)\n", err, client.KindOf(err))
	os.Exit(1)
}
