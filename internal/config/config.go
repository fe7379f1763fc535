// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables. One struct serves the manager, pool, and gpuworker binaries;
// each reads the fields it needs.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8080"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Supervisor
	NumCores              int           `env:"NUM_CORES" envDefault:"0"`
	MaxWorkersPerPlatform int           `env:"MAX_WORKERS_PER_PLATFORM" envDefault:"5"`
	TaskTimeout           time.Duration `env:"TASK_TIMEOUT" envDefault:"300s"`
	HealthCheckInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	QueuePollInterval     time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"100ms"`
	MaxRetries            int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelayBase        time.Duration `env:"RETRY_DELAY_BASE" envDefault:"5s"`
	RetryDelayMax         time.Duration `env:"RETRY_DELAY_MAX" envDefault:"5m"`
	StatsInterval         time.Duration `env:"STATS_INTERVAL" envDefault:"60s"`
	ShutdownJoinTimeout   time.Duration `env:"SHUTDOWN_JOIN_TIMEOUT" envDefault:"5s"`

	// Pool
	HeartbeatPeriod  time.Duration `env:"HEARTBEAT_PERIOD" envDefault:"30s"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
	DispatchDeadline time.Duration `env:"DISPATCH_DEADLINE" envDefault:"300s"`
	VRAMTablePath    string        `env:"VRAM_TABLE_PATH"`

	// GPU worker
	MasterURL  string `env:"MASTER_URL"`
	WorkerID   string `env:"WORKER_ID" envDefault:"worker-1"`
	WorkerName string `env:"WORKER_NAME" envDefault:"PostX GPU Worker"`
	APIPort    int    `env:"API_PORT" envDefault:"8000"`

	// Reconnect backoff for the worker control channel.
	ReconnectInitial time.Duration `env:"RECONNECT_INITIAL" envDefault:"5s"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX" envDefault:"60s"`

	// Providers. Keys are opaque to the core; presence selects availability.
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GoogleAPIKey    string `env:"GOOGLE_API_KEY"`
	OllamaBaseURL   string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	SDAPIURL        string `env:"SD_API_URL" envDefault:"http://localhost:7860"`
	LeonardoAPIKey  string `env:"LEONARDO_API_KEY"`
	// ProviderPreference selects fallback ordering: free_first or paid_first.
	ProviderPreference string `env:"PROVIDER_PREFERENCE" envDefault:"free_first"`

	// Platform rate limits (requests per minute, cross-slot via Redis).
	PlatformRateLimitPerMin int `env:"PLATFORM_RATE_LIMIT_PER_MIN" envDefault:"30"`

	// HTTP surface
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"postx-agent"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Cores returns the configured core count, auto-detecting when unset.
func (c Config) Cores() int {
	if c.NumCores > 0 {
		return c.NumCores
	}
	return runtime.NumCPU()
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// FreeFirst reports whether free providers are preferred in fallback order.
func (c Config) FreeFirst() bool {
	return strings.ToLower(c.ProviderPreference) != "paid_first"
}
