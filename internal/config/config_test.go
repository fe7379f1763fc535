package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true by default")
	}
	require.Equal(t, 100*time.Millisecond, cfg.QueuePollInterval)
	require.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	require.Equal(t, 30*time.Second, cfg.HeartbeatPeriod)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 300*time.Second, cfg.DispatchDeadline)
	require.True(t, cfg.FreeFirst())
	if cfg.Cores() <= 0 {
		t.Fatalf("cores must auto-detect, got %d", cfg.Cores())
	}
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("NUM_CORES", "40")
	t.Setenv("PROVIDER_PREFERENCE", "paid_first")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.False(t, cfg.IsDev())
	require.Equal(t, 40, cfg.Cores())
	require.False(t, cfg.FreeFirst())
	require.Equal(t, 250*time.Millisecond, cfg.QueuePollInterval)
}
