package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_MaxHeapOrder(t *testing.T) {
	q := NewPriorityQueue()
	q.PushJob(&Job{ID: "low", Priority: 1})
	q.PushJob(&Job{ID: "high", Priority: 9})
	q.PushJob(&Job{ID: "mid", Priority: 5})

	ctx := context.Background()
	for _, want := range []string{"high", "mid", "low"} {
		it, ok := q.Pop(ctx)
		require.True(t, ok)
		require.Equal(t, want, it.job.ID)
	}
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	q := NewPriorityQueue()
	q.PushJob(&Job{ID: "first", Priority: 3})
	q.PushJob(&Job{ID: "second", Priority: 3})
	q.PushJob(&Job{ID: "third", Priority: 3})

	ctx := context.Background()
	for _, want := range []string{"first", "second", "third"} {
		it, ok := q.Pop(ctx)
		require.True(t, ok)
		require.Equal(t, want, it.job.ID)
	}
}

func TestPriorityQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewPriorityQueue()
	got := make(chan string, 1)
	go func() {
		it, ok := q.Pop(context.Background())
		if ok {
			got <- it.job.ID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.PushJob(&Job{ID: "j1", Priority: 1})

	select {
	case id := <-got:
		require.Equal(t, "j1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestPriorityQueue_PopHonoursContext(t *testing.T) {
	q := NewPriorityQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	require.False(t, ok)
}
