package redisq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xjanova/postx-agent/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb), mr
}

func TestQueue_PushPopPending_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	t1 := domain.NewTask(domain.KindGenerateContent, domain.PlatformTwitter, 1, 1, map[string]any{"prompt": "a"})
	t2 := domain.NewTask(domain.KindGenerateContent, domain.PlatformTwitter, 1, 1, map[string]any{"prompt": "b"})
	require.NoError(t, q.PushPending(ctx, t1))
	require.NoError(t, q.PushPending(ctx, t2))

	got1, err := q.PopPending(ctx, domain.PlatformTwitter)
	require.NoError(t, err)
	require.Equal(t, t1.ID, got1.ID)
	got2, err := q.PopPending(ctx, domain.PlatformTwitter)
	require.NoError(t, err)
	require.Equal(t, t2.ID, got2.ID)

	// empty pops return nil, nil
	got3, err := q.PopPending(ctx, domain.PlatformTwitter)
	require.NoError(t, err)
	require.Nil(t, got3)
}

func TestQueue_PushPending_RequiresPlatform(t *testing.T) {
	q, _ := newTestQueue(t)
	task := domain.NewTask(domain.KindGenerateImage, "", 1, 1, nil)
	err := q.PushPending(context.Background(), task)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQueue_ObservableUntilConsumed(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewTask(domain.KindPostContent, domain.PlatformFacebook, 1, 1, nil)
	require.NoError(t, q.PushPending(ctx, task))

	// the record is visible under the pending key until popped
	vals, err := mr.List(PendingKey(domain.PlatformFacebook))
	require.NoError(t, err)
	require.Len(t, vals, 1)

	_, err = q.PopPending(ctx, domain.PlatformFacebook)
	require.NoError(t, err)
	if mr.Exists(PendingKey(domain.PlatformFacebook)) {
		vals, _ := mr.List(PendingKey(domain.PlatformFacebook))
		require.Empty(t, vals)
	}
}

func TestQueue_PopBackend(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewTask(domain.KindAnalyzeMetrics, domain.PlatformYouTube, 3, 4, nil)
	b, err := json.Marshal(task)
	require.NoError(t, err)
	// the external backend tail-pushes inbound work
	_, err = mr.Lpush(BackendKey(domain.PlatformYouTube), string(b))
	require.NoError(t, err)

	got, err := q.PopBackend(ctx, domain.PlatformYouTube)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, domain.KindAnalyzeMetrics, got.Kind)
}

func TestQueue_PopBackend_Malformed(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.Lpush(BackendKey(domain.PlatformLine), "{not json")
	require.NoError(t, err)

	got, err := q.PopBackend(context.Background(), domain.PlatformLine)
	require.Error(t, err)
	require.Nil(t, got)
	// the malformed frame is dropped, not requeued
	vals, _ := mr.List(BackendKey(domain.PlatformLine))
	require.Empty(t, vals)
}

func TestQueue_PushResult_TerminalOnly(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewTask(domain.KindPostContent, domain.PlatformTikTok, 1, 1, nil)
	err := q.PushResult(ctx, task)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	task.Status = domain.TaskCompleted
	task.Result = map[string]any{"post_id": "p1"}
	require.NoError(t, q.PushResult(ctx, task))

	got, err := q.PopResult(ctx)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, domain.TaskCompleted, got.Status)
	require.Equal(t, "p1", got.Result["post_id"])
}

func TestQueue_SetStats(t *testing.T) {
	q, mr := newTestQueue(t)
	snap := map[string]any{"active_workers": 9, "tasks_processed": 42}
	require.NoError(t, q.SetStats(context.Background(), snap))

	raw, err := mr.Get(StatsKey)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	require.EqualValues(t, 42, got["tasks_processed"])
}
