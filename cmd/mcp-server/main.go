package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jarsater/mcp-relay/internal/api"
	"github.com/jarsater/mcp-relay/internal/builtin"
	"github.com/jarsater/mcp-relay/internal/config"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/internal/stdio"
	"github.com/jarsater/mcp-relay/pkg/logging"
)

const serverVersion = "1.0.0"

func main() {
	var (
		configFile  string
		mode        string
		addr        string
		path        string
		metricsAddr string
		pageSize    int
		toolTimeout time.Duration
	)

	flag.StringVar(&configFile, "config", "", "Path to a YAML or TOML server config file")
	flag.StringVar(&mode, "transport", config.TransportHTTP, "Transport to serve: http or stdio")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&path, "path", api.DefaultPath, "JSON-RPC endpoint path")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics listen address (empty disables; off by default in stdio mode)")
	flag.IntVar(&pageSize, "page-size", rpc.DefaultPageSize, "tools/list page size")
	flag.DurationVar(&toolTimeout, "tool-timeout", 0, "Per-call tool timeout (0 = none)")
	flag.Parse()

	cfg := &config.ServerConfig{}
	if configFile != "" {
		loaded, err := config.LoadServer(configFile)
		if err != nil {
			// no logger yet; stderr is safe in both modes
			_, _ = os.Stderr.WriteString("mcp-server: " + err.Error() + "\n")
			os.Exit(1)
		}
		cfg = loaded
	}
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	applyFlags(cfg, explicit, mode, addr, path, metricsAddr, pageSize, toolTimeout)

	logOpts := []logging.Option{}
	if cfg.Logging.Level != "" {
		logOpts = append(logOpts, logging.WithLevel(logging.ParseLogLevel(cfg.Logging.Level)))
	}
	if cfg.Transport == config.TransportStdio {
		// stdout carries the protocol
		logOpts = append(logOpts, logging.WithOutput("stderr"))
	}
	logger := logging.NewLogger("mcp-server", logOpts...)
	defer func() { _ = logger.Sync() }()

	reg, err := builtin.Registry()
	if err != nil {
		logger.Fatalf("Failed to build tool registry: %v", err)
	}

	name := cfg.Name
	if name == "" {
		name = "mcp-relay"
	}
	dispatcher := rpc.NewDispatcher(reg,
		rpc.WithLogger(logger),
		rpc.WithPageSize(cfg.PageSize),
		rpc.WithServerInfo(name, serverVersion),
		rpc.WithInstructions(cfg.Instructions),
		rpc.WithToolTimeout(cfg.ToolTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := startMetrics(logger, cfg.MetricsAddr)

	switch cfg.Transport {
	case config.TransportStdio:
		server := stdio.NewServer(dispatcher, stdio.WithLogger(logger), stdio.WithDiagnostics(os.Stderr))
		logger.Infow("Serving MCP on stdio", "tools", reg.Len())
		done := make(chan error, 1)
		go func() { done <- server.Serve(ctx, os.Stdin, os.Stdout) }()
		// a read on stdin does not observe ctx, so a signal stops us here
		select {
		case err := <-done:
			if err != nil {
				logger.Errorf("Stdio server error: %v", err)
			}
		case <-ctx.Done():
			logger.Info("Signal received, stopping")
		}
	default:
		serveHTTP(ctx, logger, dispatcher, cfg)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Metrics server shutdown error: %v", err)
		}
	}
	logger.Info("Server stopped")
}

// applyFlags layers explicitly set flags, then flag defaults, over cfg.
func applyFlags(cfg *config.ServerConfig, explicit map[string]bool, mode, addr, path, metricsAddr string, pageSize int, toolTimeout time.Duration) {
	if explicit["transport"] || cfg.Transport == "" {
		cfg.Transport = mode
	}
	if explicit["addr"] || cfg.Addr == "" {
		cfg.Addr = addr
	}
	if explicit["path"] || cfg.Path == "" {
		cfg.Path = path
	}
	if explicit["page-size"] || cfg.PageSize == 0 {
		cfg.PageSize = pageSize
	}
	if explicit["tool-timeout"] || cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = toolTimeout
	}
	switch {
	case explicit["metrics-addr"]:
		cfg.MetricsAddr = metricsAddr
	case cfg.MetricsAddr == "" && cfg.Transport != config.TransportStdio:
		// a subprocess per client would fight over one metrics port
		cfg.MetricsAddr = metricsAddr
	}
}

func serveHTTP(ctx context.Context, logger *zap.SugaredLogger, dispatcher *rpc.Dispatcher, cfg *config.ServerConfig) {
	handler := api.NewHandler(dispatcher, api.WithLogger(logger), api.WithPath(cfg.Path))

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()
	logger.Infof("MCP server listening on %s%s", cfg.Addr, handler.Path())

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
}

func startMetrics(logger *zap.SugaredLogger, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
	return server
}
