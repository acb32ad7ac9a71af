// trainjobs-service is the HTTP API server for managing training jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trainjobs/internal/api"
	"trainjobs/internal/config"
	"trainjobs/internal/dispatcher"
	"trainjobs/internal/executor"
	"trainjobs/internal/executor/docker"
	"trainjobs/internal/executor/pool"
	"trainjobs/internal/executor/proc"
	"trainjobs/internal/health"
	"trainjobs/internal/history"
	"trainjobs/internal/job"
	"trainjobs/internal/observability"
	"trainjobs/internal/orchestrator"
	"trainjobs/internal/train"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	orchCfg := orchestrator.LoadConfigFromEnv()
	orchCfg.BackendName = svcCfg.Backend
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	metrics.DispatcherBufferSize = int64(dispatcherCfg.BufferSize)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// History store for per-job event logs
	store, err := history.NewStore(filepath.Join(svcCfg.DataDir, "history"))
	if err != nil {
		return err
	}

	// The backend reports events to the orchestrator, which doesn't
	// exist yet; the relay closes the loop below.
	relay := &executor.RelaySink{}
	backend, err := newBackend(svcCfg.Backend, relay)
	if err != nil {
		return err
	}
	defer backend.Close()

	slog.Info("Executor backend ready", "backend", svcCfg.Backend)

	orch := orchestrator.New(orchCfg, backend, store, eventDispatcher, metrics)
	relay.Set(orch)
	defer orch.Close()

	// Create health checker
	healthChecker := health.NewChecker(backend)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       orch,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Deferred closes stop the orchestrator loops and then the
	// backend, which terminates any still-running workers.
	slog.Info("Shutdown complete")
	return nil
}

// newBackend builds the configured executor backend. The pool backend
// trains in-process; proc and docker delegate to trainjobs-worker.
func newBackend(name string, sink executor.EventSink) (executor.Backend, error) {
	logger := slog.Default()

	switch name {
	case "pool":
		trainCfg := train.LoadConfigFromEnv()
		factory := func(spec job.Spec, jobID string) executor.Task {
			tj := train.NewJob(spec, jobID, trainCfg, train.NewBaselineTrainer(), logger)
			return executor.Task{Pipeline: tj.Pipeline(), Result: tj.Result}
		}
		return pool.New(pool.LoadConfigFromEnv(), factory, sink, logger), nil

	case "proc":
		return proc.New(proc.LoadConfigFromEnv(), sink, logger)

	case "docker":
		return docker.New(docker.LoadConfigFromEnv(), sink, logger)

	default:
		return nil, fmt.Errorf("unknown executor backend %q (want pool, proc or docker)", name)
	}
}
