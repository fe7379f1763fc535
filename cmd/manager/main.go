// Package main provides the manager application entry point.
// The manager supervises per-platform worker slots, bridges the shared Redis
// queue, and exposes the task API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xjanova/postx-agent/internal/adapter/ai"
	aistub "github.com/xjanova/postx-agent/internal/adapter/ai/stub"
	"github.com/xjanova/postx-agent/internal/adapter/httpserver"
	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/adapter/platform"
	"github.com/xjanova/postx-agent/internal/adapter/poolclient"
	"github.com/xjanova/postx-agent/internal/adapter/queue/redisq"
	"github.com/xjanova/postx-agent/internal/app"
	"github.com/xjanova/postx-agent/internal/config"
	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/scheduler"
	"github.com/xjanova/postx-agent/internal/service/ratelimiter"
	"github.com/xjanova/postx-agent/internal/supervisor"
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

	slog.Info("starting manager",
		slog.String("env", cfg.AppEnv),
		slog.Int("cores", cfg.Cores()))

	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()
	if err := queue.Ping(context.Background()); err != nil {
		slog.Error("redis ping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Cross-slot platform rate limiting shares the queue's Redis connection.
	buckets := map[string]ratelimiter.BucketConfig{}
	for _, p := range domain.Platforms() {
		buckets["platform:"+string(p)] = ratelimiter.NewBucketConfigFromPerMinute(cfg.PlatformRateLimitPerMin)
	}
	limiter := ratelimiter.NewRedisLuaLimiter(queue.Client(), buckets)

	adapters := platform.NewRegistry(platform.Options{Limiter: limiter})

	selector := ai.NewSelector(textProviders(cfg), imageProviders(cfg), cfg.FreeFirst())

	runner := &supervisor.TaskRunner{
		Adapters: adapters,
		AI:       selector,
	}
	if pc := poolclient.New(cfg.MasterURL); pc.Enabled() {
		runner.Pool = pc
	}

	sup := supervisor.New(queue, runner, supervisor.Options{
		Slots:          cfg.Cores(),
		MaxPerPlatform: cfg.MaxWorkersPerPlatform,
		QueuePoll:      cfg.QueuePollInterval,
		HealthCheck:    cfg.HealthCheckInterval,
		TaskTimeout:    cfg.TaskTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryDelayBase: cfg.RetryDelayBase,
		RetryDelayMax:  cfg.RetryDelayMax,
		StatsInterval:  cfg.StatsInterval,
		JoinTimeout:    cfg.ShutdownJoinTimeout,
	})

	sched := scheduler.New(sup.Submit)
	defer sched.Close()
	runner.Schedule = sched.Schedule

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		slog.Error("supervisor start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.New(sup, queue)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("manager API listening", slog.Int("port", cfg.Port))
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
	if err := sup.Stop(shutdownCtx); err != nil {
		slog.Error("supervisor stop error", slog.Any("error", err))
	}
	slog.Info("manager stopped")
}

// textProviders assembles the fallback chain. The stub provider is added in
// dev, or when no text-provider key is set; no other provider is added here.
func textProviders(cfg config.Config) []ai.TextEntry {
	var out []ai.TextEntry
	if cfg.IsDev() || (cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GoogleAPIKey == "") {
		out = append(out, ai.TextEntry{Provider: &aistub.TextProvider{}, Tier: ai.TierFree})
	}
	return out
}

func imageProviders(cfg config.Config) []ai.ImageEntry {
	var out []ai.ImageEntry
	if cfg.IsDev() || cfg.OpenAIAPIKey == "" {
		out = append(out, ai.ImageEntry{Provider: &aistub.ImageProvider{}, Tier: ai.TierFree})
	}
	return out
}
