package gpuworker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	tr.Add("t1", ModelTypeImage)

	st, ok := tr.Get("t1")
	require.True(t, ok)
	require.Equal(t, StatePending, st.Status)

	require.True(t, tr.Begin("t1"))
	require.Equal(t, "t1", tr.Current())

	tr.Complete("t1", Result{Seed: 42, Images: []string{"a"}})
	st, _ = tr.Get("t1")
	require.Equal(t, StateCompleted, st.Status)
	require.Empty(t, tr.Current())

	completed, failed := tr.Counters()
	require.EqualValues(t, 1, completed)
	require.EqualValues(t, 0, failed)
}

func TestTracker_FailCounts(t *testing.T) {
	tr := NewTracker()
	tr.Add("t1", ModelTypeVideo)
	require.True(t, tr.Begin("t1"))
	tr.Fail("t1", "CUDA out of memory")

	st, _ := tr.Get("t1")
	require.Equal(t, StateFailed, st.Status)
	require.Equal(t, "CUDA out of memory", st.Error)
	_, failed := tr.Counters()
	require.EqualValues(t, 1, failed)
}

func TestTracker_CancelOnlyPending(t *testing.T) {
	tr := NewTracker()
	tr.Add("t1", ModelTypeImage)
	require.True(t, tr.Cancel("t1"))
	require.False(t, tr.Cancel("t1"))
	require.False(t, tr.Begin("t1"), "cancelled tasks must not start")

	tr.Add("t2", ModelTypeImage)
	require.True(t, tr.Begin("t2"))
	require.False(t, tr.Cancel("t2"), "running tasks are not cancellable via the tracker")
	require.False(t, tr.Cancel("missing"))
}
