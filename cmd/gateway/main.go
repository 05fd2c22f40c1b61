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

	"github.com/ent0n29/realtime-gateway/internal/app"
	"github.com/ent0n29/realtime-gateway/internal/config"
	"github.com/ent0n29/realtime-gateway/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadEnvFiles(".env", ".env.local")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("build failed")
		return fmt.Errorf("build: %w", err)
	}
	log.Info().
		Str("clinic_store", res.Backends.Store).
		Str("events", res.Backends.Events).
		Str("rate_limit", res.Backends.RateLimit).
		Bool("clinic_tools", cfg.ClinicToolsEnabled).
		Str("upstream_auth", cfg.UpstreamAuthMode).
		Msg("backends ready")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case listenErr = <-serveErr:
		log.Error().Err(listenErr).Msg("listen error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Relay sessions are hijacked connections; Shutdown does not close them.
	if n := res.Registry.ShutdownAll("server shutting down"); n > 0 {
		log.Info().Int("sessions", n).Msg("closing active sessions")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	waitForSessions(shutdownCtx, res)
	if err := res.Cleanup(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
	log.Info().Msg("shutdown complete")
	if listenErr != nil {
		return fmt.Errorf("listen: %w", listenErr)
	}
	return nil
}

func waitForSessions(ctx context.Context, res *app.BuildResult) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for res.Registry.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
