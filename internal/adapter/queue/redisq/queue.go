// Package redisq adapts the shared Redis store to the durable task queue
// port. Key layout follows the manager/backend contract:
//
//	tasks:<platform>:pending   supervisor-owned pending records
//	backend:tasks:<platform>   inbound work from the external backend
//	backend:results            finalized records for the backend
//	orchestrator:stats         latest stats snapshot
//
// Each key has a single writer and a single reader by convention; delivery
// is at-least-once and backends must be idempotent on task id.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xjanova/postx-agent/internal/domain"
)

// Queue is a go-redis backed implementation of domain.TaskQueue.
type Queue struct {
	rdb *redis.Client
}

// New constructs a Queue from a redis URL.
func New(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing client. Used by tests and shared-client
// callers (the platform rate limiter reuses the same connection).
func NewFromClient(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Client exposes the underlying redis client for co-located services.
func (q *Queue) Client() *redis.Client { return q.rdb }

// Close releases the underlying connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// PendingKey returns the pending-list key for a platform.
func PendingKey(p domain.Platform) string {
	return fmt.Sprintf("tasks:%s:pending", p)
}

// BackendKey returns the backend inbound key for a platform.
func BackendKey(p domain.Platform) string {
	return fmt.Sprintf("backend:tasks:%s", p)
}

// ResultsKey is the outbound key consumed by the external backend.
const ResultsKey = "backend:results"

// StatsKey stores the orchestrator stats snapshot.
const StatsKey = "orchestrator:stats"

// PushPending appends a serialized record to tasks:<platform>:pending.
func (q *Queue) PushPending(ctx domain.Context, t *domain.Task) error {
	if t.Platform == "" {
		return fmt.Errorf("op=redisq.PushPending: task %s has no platform: %w", t.ID, domain.ErrInvalidArgument)
	}
	if err := q.rdb.LPush(ctx, PendingKey(t.Platform), t).Err(); err != nil {
		return fmt.Errorf("op=redisq.PushPending: %w", err)
	}
	return nil
}

// PopPending pops the oldest record from tasks:<platform>:pending.
// Returns (nil, nil) when the key is empty.
func (q *Queue) PopPending(ctx domain.Context, p domain.Platform) (*domain.Task, error) {
	return q.pop(ctx, PendingKey(p))
}

// PopBackend pops the oldest record from backend:tasks:<platform>.
func (q *Queue) PopBackend(ctx domain.Context, p domain.Platform) (*domain.Task, error) {
	return q.pop(ctx, BackendKey(p))
}

func (q *Queue) pop(ctx domain.Context, key string) (*domain.Task, error) {
	raw, err := q.rdb.RPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.pop key=%s: %w", key, err)
	}
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		// Protocol policy: drop the malformed record, surface the error.
		return nil, fmt.Errorf("op=redisq.pop key=%s: malformed record: %w", key, err)
	}
	return &t, nil
}

// PushResult publishes a finalized record to backend:results.
func (q *Queue) PushResult(ctx domain.Context, t *domain.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("op=redisq.PushResult: task %s status %s is not terminal: %w", t.ID, t.Status, domain.ErrInvalidArgument)
	}
	if err := q.rdb.LPush(ctx, ResultsKey, t).Err(); err != nil {
		return fmt.Errorf("op=redisq.PushResult: %w", err)
	}
	return nil
}

// PopResult pops one finalized record; used by tests and backend shims.
func (q *Queue) PopResult(ctx domain.Context) (*domain.Task, error) {
	return q.pop(ctx, ResultsKey)
}

// SetStats stores a JSON stats snapshot under orchestrator:stats.
func (q *Queue) SetStats(ctx domain.Context, snapshot any) error {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("op=redisq.SetStats: %w", err)
	}
	if err := q.rdb.Set(ctx, StatsKey, b, 0).Err(); err != nil {
		return fmt.Errorf("op=redisq.SetStats: %w", err)
	}
	return nil
}

// Ping verifies connectivity to the store.
func (q *Queue) Ping(ctx domain.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisq.Ping: %w", err)
	}
	return nil
}
