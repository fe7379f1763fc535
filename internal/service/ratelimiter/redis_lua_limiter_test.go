package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, buckets map[string]BucketConfig) *RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLuaLimiter(rdb, buckets)
}

func TestLimiter_AllowThenDeny(t *testing.T) {
	l := newLimiter(t, map[string]BucketConfig{
		"platform:twitter": {Capacity: 2, RefillRate: 0.001},
	})
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "platform:twitter", 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = l.Allow(ctx, "platform:twitter", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, retryAfter, err := l.Allow(ctx, "platform:twitter", 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestLimiter_UnknownKeyFailsOpen(t *testing.T) {
	l := newLimiter(t, nil)
	ok, _, err := l.Allow(context.Background(), "platform:unknown", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLimiter_NilFailsOpen(t *testing.T) {
	var l *RedisLuaLimiter
	ok, _, err := l.Allow(context.Background(), "x", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLimiter_SetBucketConfig(t *testing.T) {
	l := newLimiter(t, nil)
	l.SetBucketConfig("platform:line", NewBucketConfigFromPerMinute(1))

	ok, _, err := l.Allow(context.Background(), "platform:line", 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, _ = l.Allow(context.Background(), "platform:line", 1)
	require.False(t, ok)
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(60)
	require.EqualValues(t, 60, cfg.Capacity)
	require.InDelta(t, 1.0, cfg.RefillRate, 1e-9)
	require.Zero(t, NewBucketConfigFromPerMinute(0).Capacity)
}
