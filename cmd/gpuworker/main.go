// Package main provides the GPU worker entry point.
// One process per remote GPU node: the control-channel client plus the local
// API surface.
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
	"github.com/xjanova/postx-agent/internal/gpuworker"
	"github.com/xjanova/postx-agent/internal/gpuworker/gpumon"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// NVML wiring lives outside the scheduling core; nodes report through
	// the monitor port. The fake keeps CPU-only machines functional.
	monitor := gpumon.NewFake(1, 24)

	pipelines := map[string]gpuworker.Pipeline{
		gpuworker.ModelTypeImage: &gpuworker.StubPipeline{Kind: gpuworker.ModelTypeImage},
		gpuworker.ModelTypeVideo: &gpuworker.StubPipeline{Kind: gpuworker.ModelTypeVideo},
	}
	tracker := gpuworker.NewTracker()

	slog.Info("starting gpu worker",
		slog.String("worker_id", cfg.WorkerID),
		slog.Int("gpu_count", monitor.GPUCount()),
		slog.Float64("total_vram_gb", monitor.TotalVRAMGB()))

	client := gpuworker.NewClient(gpuworker.ClientConfig{
		WorkerID:         cfg.WorkerID,
		WorkerName:       cfg.WorkerName,
		MasterURL:        cfg.MasterURL,
		APIPort:          cfg.APIPort,
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	}, monitor, pipelines, tracker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go client.Run(ctx)

	api := gpuworker.NewAPI(cfg.WorkerID, monitor, pipelines, tracker)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      api.Router(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("worker API listening", slog.Int("port", cfg.APIPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", slog.Any("error", err))
	}
	slog.Info("gpu worker stopped")
}
