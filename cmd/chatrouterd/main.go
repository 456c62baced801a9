package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/opsdesk/chatrouter/internal/config"
	"github.com/opsdesk/chatrouter/internal/engine"
	"github.com/opsdesk/chatrouter/internal/httpapi"
	"github.com/opsdesk/chatrouter/internal/liveness"
	"github.com/opsdesk/chatrouter/internal/observability"
	"github.com/opsdesk/chatrouter/internal/reconciler"
	"github.com/opsdesk/chatrouter/internal/registry"
	"github.com/opsdesk/chatrouter/internal/roster"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config error")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	rosterProvider := roster.NewProvider(logger)
	store := registry.NewStore(logger)
	tracker := liveness.NewTracker(cfg.PollHistorySize, logger)
	bus := engine.NewBus()
	eng := engine.New(rosterProvider, store, tracker, metrics, bus, cfg.PollInterval, cfg.MaxMissedPolls, logger)

	api := httpapi.New(cfg, rosterProvider, store, tracker, eng, bus, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	reconciler.New(rosterProvider, eng, metrics, cfg.ReconcileInterval, logger).Start(runCtx)

	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
