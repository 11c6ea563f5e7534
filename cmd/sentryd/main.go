// Package main is the entry point for the sentryd binary. It hosts the
// resource governor, its cooperative scheduler, and a diagnostics HTTP
// surface exposing Prometheus metrics and live governor statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pkgsentry/pkgsentry/pkg/config"
	"github.com/pkgsentry/pkgsentry/pkg/governor"
	"github.com/pkgsentry/pkgsentry/pkg/logging"
	"github.com/pkgsentry/pkgsentry/pkg/sched"
	"github.com/pkgsentry/pkgsentry/pkg/telemetry"
)

const (
	defaultLogLevel = "info"
	statsInterval   = time.Minute

	// Repeating timers are reclaimed by their lifetime guard; a zero timeout
	// falls back to the five-minute default, which would end the heartbeat
	// after a handful of firings. The daemon's heartbeat outlives any
	// realistic process lifetime instead.
	heartbeatLifetime = 365 * 24 * time.Hour
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentryd",
		Short: "Resource governor daemon",
		Long: `sentryd runs the pkgsentry resource governor: thread and timer
gatekeeping with per-component ceilings, sliding-window creation rate
limiting, and periodic reclamation of dead or expired entries.

The daemon serves Prometheus metrics on /metrics and a JSON snapshot of
both registries on /stats. Resource ceilings hot-reload from the
configuration file.`,
		RunE: runDaemon,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().String("listen", "", "Diagnostics listen address (overrides config)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Enable pretty console logging")

	return rootCmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	listenOverride, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return fmt.Errorf("failed to get pretty flag: %w", err)
	}

	// Configuration: file plus env overrides; a missing path means defaults.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	if logLevel == "" {
		logLevel = defaultLogLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  logLevel,
		Pretty: pretty || cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("starting sentryd", "config", configPath)

	// Hot reload only makes sense with a file to watch.
	var provider *config.FileProvider
	if configPath != "" {
		provider, err = config.NewFileProvider(configPath, logger)
		if err != nil {
			return fmt.Errorf("failed to watch configuration: %w", err)
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("failed to close config provider", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry: no-op when no endpoint is configured.
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "sentryd",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Governor plus its host scheduler.
	gov := governor.New(cfg.Governor.Limits(), logger)
	metrics := governor.NewMetrics()
	gov.SetMetrics(metrics)
	gov.StartSweeper(ctx)

	loop := sched.NewLoop(logger)
	defer loop.Close()

	if !startHeartbeat(gov, loop, logger) {
		logger.Warn("heartbeat timer was refused")
	}

	if provider != nil {
		go watchConfig(ctx, provider, gov, logger)
	}

	listenAddr := cfg.Diagnostics.ListenAddress
	if listenOverride != "" {
		listenAddr = listenOverride
	}
	server, err := startServer(listenAddr, gov, metrics, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	gov.ShutdownPools()
	gov.CancelAllTimers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// startHeartbeat schedules the daemon's self-monitoring timer: a governed
// repeating timer logging a stats summary, so the daemon itself runs through
// the admission path.
func startHeartbeat(gov *governor.Governor, loop governor.Scheduler, logger *slog.Logger) bool {
	gov.RegisterComponent("sentryd", governor.ClassStandard)
	_, ok := gov.CreateTimer(loop, statsInterval, func() {
		s := gov.Stats()
		logger.Info("governor heartbeat",
			"threads_active", s.Threads.TotalActive,
			"timers_active", s.Timers.TotalTimers,
			"failures", s.Threads.FailureCount,
			"suspicious", s.Threads.Suspicious)
	}, "sentryd", heartbeatLifetime, true)
	return ok
}

// watchConfig applies reloaded resource ceilings to the running governor.
func watchConfig(ctx context.Context, provider *config.FileProvider, gov *governor.Governor, logger *slog.Logger) {
	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			gov.ApplyLimits(cfg.Governor.Limits())
			logger.Info("applied reloaded resource limits")
		}
	}
}

// newDiagnosticsMux wires the health, metrics, and stats endpoints.
func newDiagnosticsMux(gov *governor.Governor, metrics *governor.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(gov.Stats()); err != nil {
			logger.Error("failed to encode stats", "error", err)
		}
	})
	return mux
}

func startServer(addr string, gov *governor.Governor, metrics *governor.Metrics, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:      otelhttp.NewHandler(newDiagnosticsMux(gov, metrics, logger), "sentryd.diagnostics"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener on %s: %w", addr, err)
	}
	logger.Info("diagnostics server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server failed", "error", err)
		}
	}()
	return server, nil
}
