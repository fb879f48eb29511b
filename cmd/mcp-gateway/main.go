package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jarsater/mcp-relay/internal/api"
	"github.com/jarsater/mcp-relay/internal/config"
	"github.com/jarsater/mcp-relay/internal/gateway"
	"github.com/jarsater/mcp-relay/internal/metrics"
	"github.com/jarsater/mcp-relay/internal/rpc"
	"github.com/jarsater/mcp-relay/pkg/logging"
)

func main() {
	var (
		configFile  string
		addr        string
		path        string
		metricsAddr string
		pageSize    int
		watch       bool
	)

	flag.StringVar(&configFile, "config", "/etc/mcp-relay/gateway.yaml", "Path to the gateway config file (YAML or TOML)")
	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides listen.addr, default :8080)")
	flag.StringVar(&path, "path", "", "JSON-RPC endpoint path (overrides listen.path, default /jsonrpc)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (overrides listen.metrics_addr, default :9090)")
	flag.IntVar(&pageSize, "page-size", rpc.DefaultPageSize, "tools/list page size")
	flag.BoolVar(&watch, "watch", true, "Reload when the config file changes")
	flag.Parse()

	cfg, err := config.LoadClient(configFile)
	if err != nil {
		_, _ = os.Stderr.WriteString("mcp-gateway: " + err.Error() + "\n")
		os.Exit(1)
	}

	logOpts := []logging.Option{}
	if cfg.Logging.Level != "" {
		logOpts = append(logOpts, logging.WithLevel(logging.ParseLogLevel(cfg.Logging.Level)))
	}
	logger := logging.NewLogger("gateway", logOpts...)
	defer func() { _ = logger.Sync() }()

	addr = firstNonEmpty(addr, cfg.Listen.Addr, ":8080")
	path = firstNonEmpty(path, cfg.Listen.Path, api.DefaultPath)
	metricsAddr = firstNonEmpty(metricsAddr, cfg.Listen.MetricsAddr, ":9090")

	gw := gateway.New(
		[]api.Option{api.WithPath(path)},
		gateway.WithLogger(logger),
		gateway.WithDispatcherOptions(rpc.WithPageSize(pageSize)),
	)
	logger.Infof("Starting MCP gateway %s on %s%s (metrics=%s)", gw.ID(), addr, path, metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial load: an unreachable transport only loses its own tools.
	if err := gw.Reload(ctx, cfg); err != nil {
		logger.Fatalf("Failed to start gateway session: %v", err)
	}

	if watch {
		go func() {
			if err := gw.Watch(ctx, configFile); err != nil {
				logger.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsServer := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	logger.Infof("MCP gateway listening on %s (metrics on %s)", addr, metricsAddr)

	<-ctx.Done()
	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Errorf("Transport shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Metrics server shutdown error: %v", err)
	}

	logger.Info("Servers stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
