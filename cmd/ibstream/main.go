package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/config"
	"github.com/lakowske/ib-stream-sub000/internal/core"
	"github.com/lakowske/ib-stream-sub000/internal/logging"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"

	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err) // no logger yet to report through
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "ibstream",
	})
	cfg.Print(func(format string, args ...interface{}) { logger.Info().Msgf(format, args...) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct core")
	}

	if err := c.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start core")
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	apiServer := &http.Server{Addr: cfg.Addr, Handler: c.Router()}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: c.MetricsRouter(reg)}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("subscriber HTTP/WS/SSE surface listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api server stopped")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics surface listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, draining")

	cancel() // stop supervised background tasks

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown did not complete cleanly")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown did not complete cleanly")
	}
	c.SessionStore.Close()

	logger.Info().Msg("shutdown complete")
}
