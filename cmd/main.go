// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/app"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/config"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/handler"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ticket-reservations: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Configuration and telemetry ───────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	// ── 2. Wire up layers ────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("connected to PostgreSQL")

	// ── 3. Build the router ───────────────────────────────────────────────
	r := handler.NewRouter(handler.Handlers{
		Events:   handler.NewEventHandler(a.Events),
		Orders:   handler.NewOrderHandler(a.Orders),
		Payments: handler.NewPaymentHandler(a.Payments, logger.Named("http")),
		DB:       a.Pool,
	}, logger.Named("http"), a.Metrics)
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	// ── 4. Background sweeper ────────────────────────────────────────────
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.Sweeper.Run(sweepCtx, cfg.SweepInterval)
	}()

	// ── 5. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "http.server"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Mpesa.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopSweep()
		<-sweepDone
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("shutting down server")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	<-sweepDone
	logger.Info("server stopped")
	return nil
}
