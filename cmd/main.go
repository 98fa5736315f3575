// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/coapbwt"
	"github.com/absmach/coapbwt/examples/simple"
	"github.com/absmach/coapbwt/pkg/health"
	"github.com/absmach/coapbwt/pkg/messenger"
	"github.com/absmach/coapbwt/pkg/metrics"
	"github.com/absmach/coapbwt/pkg/ratelimit"
	"github.com/absmach/coapbwt/pkg/server/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	limiterIdle     = 5 * time.Minute
)

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := coapbwt.NewConfig(env.Options{Prefix: coapbwt.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("coapbwt", reg)

	udpCfg := udp.Config{
		Address: cfg.Address(),
		Logger:  logger,
		Metrics: m,
	}
	if cfg.RateLimitCapacity > 0 {
		limiter := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
		udpCfg.Limiter = limiter
		g.Go(func() error {
			limiter.Cleanup(ctx, limiterIdle)
			return nil
		})
	}
	server := udp.New(udpCfg)

	blockCfg := cfg.BlockConfig()
	msgr := messenger.New(messenger.Config{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		ContextTTL: cfg.ContextTTL,
		Block:      blockCfg,
		Logger:     logger,
		Metrics:    m,
	}, server, simple.New(logger))

	checker := health.NewChecker(5 * time.Second)
	checker.Register("transport", true, health.TransportCheck(server.LocalAddr))
	checker.Register("block_contexts", false, health.CapacityCheck("block contexts",
		msgr.Engine().Registry().Len, blockCfg.MaxContexts))
	checker.Register("send_queue", false, health.CapacityCheck("send queue", func() int {
		send, _ := msgr.QueueLen()
		return send
	}, cfg.QueueSize))

	logger.Info("Starting CoAP node",
		slog.String("address", cfg.Address()),
		slog.Int("block_size", cfg.BlockSize()),
		slog.Int("max_payload_size", cfg.MaxPayloadSize),
		slog.Int("max_contexts", cfg.MaxContexts))

	g.Go(func() error {
		return server.Listen(ctx, msgr)
	})
	g.Go(func() error {
		return msgr.Run(ctx)
	})
	g.Go(func() error {
		return startHTTPServer(ctx, cfg.MetricsPort, reg, checker, logger)
	})
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("CoAP node terminated with error: %s", err))
	} else {
		logger.Info("CoAP node stopped")
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// startHTTPServer serves metrics and health probes until ctx is done.
func startHTTPServer(ctx context.Context, port int, reg *prometheus.Registry, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting metrics server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
