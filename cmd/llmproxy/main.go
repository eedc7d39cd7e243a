package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmproxy/internal/api"
	"llmproxy/internal/audit"
	"llmproxy/internal/config"
	"llmproxy/internal/logger"
	"llmproxy/internal/observability"
	"llmproxy/internal/proxy"
	"llmproxy/internal/ratelimit"
	"llmproxy/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
	exampleFile = flag.String("save-example-config", "", "Write an example configuration file to the given path and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		info := version.GetInfo()
		fmt.Printf("llmproxy %s (commit %s, built %s)\n", info.Version, info.GitCommit, info.BuildDate)
		return
	}

	if *exampleFile != "" {
		if err := config.SaveExample(*exampleFile); err != nil {
			slog.Error("Failed to write example config", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *exampleFile)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize the audit store when accounting is on
	var auditStore audit.Store
	if cfg.Audit.Enabled {
		store, err := audit.NewStore(cfg.Audit)
		if err != nil {
			slog.Error("Failed to initialize audit store", "error", err)
			os.Exit(1)
		}

		auditStore = store
		if cfg.Metrics.Enabled {
			instrumented, err := observability.NewInstrumentedStore(store)
			if err != nil {
				slog.Error("Failed to instrument audit store", "error", err)
				os.Exit(1)
			}
			auditStore = instrumented
		}
		defer auditStore.Close()

		slog.Info("Audit store ready", "type", cfg.Audit.Type)
	}

	// Initialize the per-key admission limiter
	var limiter *ratelimit.Store
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewStore(cfg.RateLimit)
		defer limiter.Close()

		slog.Info("Rate limiter ready",
			"per_minute", cfg.RateLimit.PerMinute,
			"per_half_hour", cfg.RateLimit.PerHalfHour,
			"max_keys", cfg.RateLimit.MaxKeys,
		)
	}

	// Initialize the upstream forwarder
	forwarder, err := proxy.NewForwarder(cfg.Upstream)
	if err != nil {
		slog.Error("Failed to initialize upstream forwarder", "error", err)
		os.Exit(1)
	}

	relay := http.Handler(forwarder)
	var handlerOpts []api.HandlerOption
	if cfg.Metrics.Enabled {
		proxyMetrics, err := observability.NewProxyMetrics()
		if err != nil {
			slog.Error("Failed to initialize proxy metrics", "error", err)
			os.Exit(1)
		}
		relay = proxyMetrics.InstrumentedHandler(forwarder)
		handlerOpts = append(handlerOpts, api.WithDecisionObserver(proxyMetrics.DecisionObserver()))
	}

	handlers := api.NewHandlers(relay, limiter, auditStore, handlerOpts...)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server. WriteTimeout stays at its configured value; the
	// default of zero keeps long-lived streamed completions from being cut.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"upstream", cfg.Upstream.Host,
			"path_prefix", cfg.Upstream.PathPrefix,
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}
