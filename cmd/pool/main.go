// Package main provides the pool coordinator entry point.
// The pool registers remote GPU workers, distributes generation jobs, and
// terminates the worker control channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/config"
	"github.com/xjanova/postx-agent/internal/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	vramTable, err := pool.LoadVRAMTable(cfg.VRAMTablePath)
	if err != nil {
		slog.Error("vram table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	registry := pool.NewRegistry(cfg.HeartbeatPeriod, cfg.ProbeTimeout)
	hub := pool.NewHub(registry, nil)
	dist := pool.NewDistributor(registry, hub, pool.DistributorOptions{
		DispatchDeadline: cfg.DispatchDeadline,
		VRAMTable:        vramTable,
	})
	hub.AttachDistributor(dist)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go registry.Run(ctx)
	go dist.Run(ctx)
	go hub.PingLoop(ctx, cfg.HeartbeatPeriod)

	srv := pool.NewServer(registry, dist, hub)
	httpSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     srv.Router(),
		ReadTimeout: cfg.HTTPReadTimeout,
		// generation dispatches and websocket upgrades need long writes
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("pool API listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	slog.Info("pool started",
		slog.Duration("heartbeat_period", cfg.HeartbeatPeriod),
		slog.Duration("dispatch_deadline", cfg.DispatchDeadline))

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", slog.Any("error", err))
	}
	slog.Info("pool stopped")
}
