package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records dispatches and lets tests script failures.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []TaskDispatch
	byNode map[string][]TaskDispatch
	fail   map[string]error // workerID -> error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{byNode: map[string][]TaskDispatch{}, fail: map[string]error{}}
}

func (f *fakeTransport) SendTask(_ context.Context, workerID string, d TaskDispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[workerID]; ok {
		return err
	}
	f.sent = append(f.sent, d)
	f.byNode[workerID] = append(f.byNode[workerID], d)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func threeWorkerRegistry() *Registry {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 2, 24))
	r.Register(node("w2", 1, 24))
	r.Register(node("w3", 1, 24))
	return r
}

func TestSplitBatch_ProportionalWithRemainder(t *testing.T) {
	// seed scenario: batch 6 over compute powers 2,1,1 -> 3,1,2
	workers := []*WorkerNode{node("w1", 2, 24), node("w2", 1, 24), node("w3", 1, 24)}
	j := &Job{ID: "j1", Type: JobImage, Request: map[string]any{"batch_size": 6}}

	subtasks := splitBatch(j, workers)
	require.Len(t, subtasks, 3)
	require.Equal(t, []int{3, 1, 2}, []int{subtasks[0].BatchSize, subtasks[1].BatchSize, subtasks[2].BatchSize})

	sum := 0
	seen := map[int]bool{}
	for _, st := range subtasks {
		sum += st.BatchSize
		require.False(t, seen[st.Index], "duplicate subtask index")
		seen[st.Index] = true
		require.Equal(t, SubtaskID("j1", st.Index), st.ID)
	}
	require.Equal(t, 6, sum, "subtask batch sizes must sum to the parent batch")
}

func TestSplitBatch_SingleWorkerTakesAll(t *testing.T) {
	workers := []*WorkerNode{node("w1", 1, 24)}
	j := &Job{ID: "j1", Type: JobImage, Request: map[string]any{"batch_size": 5}}
	subtasks := splitBatch(j, workers)
	require.Len(t, subtasks, 1)
	require.Equal(t, 5, subtasks[0].BatchSize)
}

func TestSplitBatch_SkipsZeroShareNodes(t *testing.T) {
	workers := []*WorkerNode{node("w1", 5, 24), node("w2", 1, 24), node("w3", 1, 24)}
	j := &Job{ID: "j1", Type: JobImage, Request: map[string]any{"batch_size": 2}}
	subtasks := splitBatch(j, workers)
	sum := 0
	for _, st := range subtasks {
		require.Positive(t, st.BatchSize)
		sum += st.BatchSize
	}
	require.Equal(t, 2, sum)
	require.LessOrEqual(t, len(subtasks), 2)
}

func TestSelectBestWorker_VRAMFilterAndOrdering(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("big", 1, 30))
	r.Register(node("fast", 4, 10))
	d := NewDistributor(r, newFakeTransport(), DistributorOptions{})

	// FLUX.1-dev needs 24 GiB: only "big" qualifies despite lower power
	j := &Job{ID: "j1", Type: JobImage, Request: map[string]any{"model_id": "black-forest-labs/FLUX.1-dev"}}
	w, ok := d.selectBestWorker(j)
	require.True(t, ok)
	require.Equal(t, "big", w.ID)

	// SD 1.5 needs 4 GiB: both qualify, higher compute power wins
	j2 := &Job{ID: "j2", Type: JobImage, Request: map[string]any{"model_id": "runwayml/stable-diffusion-v1-5"}}
	w, ok = d.selectBestWorker(j2)
	require.True(t, ok)
	require.Equal(t, "fast", w.ID)
}

func TestSelectBestWorker_FallbackWhenNoneFit(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("small1", 1, 6))
	r.Register(node("small2", 1, 6))
	d := NewDistributor(r, newFakeTransport(), DistributorOptions{})

	j := &Job{ID: "j1", Type: JobVideo, Request: map[string]any{"model_id": "stabilityai/stable-video-diffusion-img2vid-xt"}}
	w, ok := d.selectBestWorker(j)
	require.True(t, ok, "falls back to all available nodes when none satisfy VRAM")
	require.Equal(t, "small1", w.ID, "id breaks the tie")
}

func TestSelectBestWorker_NoneAvailable(t *testing.T) {
	d := NewDistributor(NewRegistry(time.Second, time.Second), newFakeTransport(), DistributorOptions{})
	_, ok := d.selectBestWorker(&Job{ID: "j1", Type: JobImage, Request: map[string]any{}})
	require.False(t, ok)
}

func runDistributor(t *testing.T, d *Distributor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestDistributor_ParallelAssignsSingleWorker(t *testing.T) {
	r := threeWorkerRegistry()
	tr := newFakeTransport()
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	j, err := d.Submit("j1", JobImage, map[string]any{"batch_size": 1}, 0, ModeParallel, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.mu.RLock()
	defer d.mu.RUnlock()
	require.Len(t, j.AssignedWorkers, 1)
	require.Equal(t, "w1", j.AssignedWorkers[0], "highest compute power wins")
	require.Equal(t, JobDistributed, j.Status)
}

func TestDistributor_CombinedSplitsAndAggregates(t *testing.T) {
	r := threeWorkerRegistry()
	tr := newFakeTransport()
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	var cbJobs []*Job
	var cbMu sync.Mutex
	j, err := d.Submit("j1", JobImage, map[string]any{"batch_size": 6}, 0, ModeCombined, func(job *Job) {
		cbMu.Lock()
		cbJobs = append(cbJobs, job)
		cbMu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.sentCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	d.mu.RLock()
	subs := append([]*Subtask(nil), j.Subtasks...)
	d.mu.RUnlock()
	require.Len(t, subs, 3)

	// resolve out of order; aggregation must order by index
	d.HandleResult(subs[2].WorkerID, subs[2].ID, map[string]any{"images": []any{"c"}}, "")
	d.HandleResult(subs[0].WorkerID, subs[0].ID, map[string]any{"images": []any{"a1", "a2", "a3"}}, "")
	d.HandleResult(subs[1].WorkerID, subs[1].ID, map[string]any{"images": []any{"b"}}, "")

	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return j.Status == JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	d.mu.RLock()
	images := j.Result["images"].([]any)
	d.mu.RUnlock()
	require.Equal(t, []any{"a1", "a2", "a3", "b", "c"}, images)

	// callback fires exactly once
	require.Eventually(t, func() bool {
		cbMu.Lock()
		defer cbMu.Unlock()
		return len(cbJobs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDistributor_CombinedBatchOneDegeneratesToParallel(t *testing.T) {
	// seed scenario: combined with batch 1 runs on the single best worker
	r := threeWorkerRegistry()
	tr := newFakeTransport()
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	j, err := d.Submit("j1", JobImage, map[string]any{"batch_size": 1}, 0, ModeCombined, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.mu.RLock()
	defer d.mu.RUnlock()
	require.Len(t, j.AssignedWorkers, 1)
	require.Empty(t, j.Subtasks)
}

func TestDistributor_AutoPrefersCombinedWhenVRAMTight(t *testing.T) {
	// seed scenario: FLUX.1-dev needs 24 GiB, every node has less; auto
	// resolves to combined, and batch 1 degenerates to the best worker
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 2, 12))
	r.Register(node("w2", 1, 12))
	tr := newFakeTransport()
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	j, err := d.Submit("j2", JobVideo, map[string]any{
		"model_id":   "black-forest-labs/FLUX.1-dev",
		"batch_size": 1,
	}, 0, ModeAuto, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.mu.RLock()
	defer d.mu.RUnlock()
	require.Equal(t, []string{"w1"}, j.AssignedWorkers)
}

func TestDistributor_AutoParallelWhenVRAMFits(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 2, 32))
	d := NewDistributor(r, newFakeTransport(), DistributorOptions{})

	j := &Job{ID: "x", Type: JobImage, Request: map[string]any{"model_id": "stabilityai/sdxl-turbo"}}
	require.Equal(t, ModeParallel, d.resolveAuto(j))

	j2 := &Job{ID: "y", Type: JobImage, Request: map[string]any{"requires_large_vram": true}}
	require.Equal(t, ModeCombined, d.resolveAuto(j2))
}

func TestDistributor_DispatchFailureRepushesWithPenalty(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("bad", 5, 24))
	r.Register(node("good", 1, 24))
	tr := newFakeTransport()
	tr.fail["bad"] = errors.New("connection refused")
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	j, err := d.Submit("j1", JobImage, map[string]any{"batch_size": 1}, 5, ModeParallel, nil)
	require.NoError(t, err)

	// first attempt hits "bad" (higher power), fails, marks it error, and the
	// re-push lands on "good"
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.byNode["good"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bad, _ := r.Get("bad")
	require.Equal(t, WorkerError, bad.Status)
	_ = j
}

func TestDistributor_CancelSemantics(t *testing.T) {
	r := NewRegistry(time.Second, time.Second) // no workers: job stays queued
	d := NewDistributor(r, newFakeTransport(), DistributorOptions{})

	_, err := d.Submit("j1", JobImage, map[string]any{}, 0, ModeParallel, nil)
	require.NoError(t, err)

	require.True(t, d.Cancel("j1"))
	require.False(t, d.Cancel("j1"), "second cancel is a no-op")
	require.False(t, d.Cancel("missing"))

	j, ok := d.GetJob("j1")
	require.True(t, ok)
	require.Equal(t, JobCancelled, j.Status)

	// a late result for the cancelled job is discarded
	d.HandleResult("w1", "j1", map[string]any{"images": []any{"x"}}, "")
	require.Equal(t, JobCancelled, j.Status)
	require.Nil(t, j.Result)
}

func TestDistributor_SubtaskFailureFailsParent(t *testing.T) {
	r := threeWorkerRegistry()
	tr := newFakeTransport()
	d := NewDistributor(r, tr, DistributorOptions{})
	runDistributor(t, d)

	j, err := d.Submit("j1", JobImage, map[string]any{"batch_size": 6}, 0, ModeCombined, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.sentCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	d.mu.RLock()
	subs := append([]*Subtask(nil), j.Subtasks...)
	d.mu.RUnlock()

	d.HandleResult(subs[0].WorkerID, subs[0].ID, map[string]any{"images": []any{"a"}}, "")
	d.HandleResult(subs[1].WorkerID, subs[1].ID, nil, "CUDA out of memory")
	d.HandleResult(subs[2].WorkerID, subs[2].ID, map[string]any{"images": []any{"c"}}, "")

	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return j.Status == JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	d.mu.RLock()
	defer d.mu.RUnlock()
	require.Equal(t, "CUDA out of memory", j.Error)
	require.Equal(t, []string{subs[1].ID}, j.FailedSubtasks)
}

func TestDistributor_SubmitValidation(t *testing.T) {
	d := NewDistributor(NewRegistry(time.Second, time.Second), newFakeTransport(), DistributorOptions{})
	_, err := d.Submit("", JobImage, nil, 0, ModeParallel, nil)
	require.Error(t, err)
	_, err = d.Submit("j1", "audio", nil, 0, ModeParallel, nil)
	require.Error(t, err)

	_, err = d.Submit("j1", JobImage, map[string]any{}, 0, ModeParallel, nil)
	require.NoError(t, err)
	_, err = d.Submit("j1", JobImage, map[string]any{}, 0, ModeParallel, nil)
	require.Error(t, err, "duplicate ids rejected")
}

func TestVRAMTable_Estimate(t *testing.T) {
	tbl := defaultVRAMTable
	cases := []struct {
		model string
		typ   JobType
		want  float64
	}{
		{"stabilityai/stable-diffusion-xl-base-1.0", JobImage, 8},
		{"runwayml/stable-diffusion-v1-5", JobImage, 4},
		{"black-forest-labs/FLUX.1-schnell", JobImage, 12},
		{"black-forest-labs/FLUX.1-dev", JobImage, 24},
		{"ali-vilab/text-to-video-ms-1.7b", JobVideo, 8},
		{"", JobImage, 6},
		{"", JobVideo, 8},
		{"unknown/model", JobImage, 6},
	}
	for _, tc := range cases {
		j := &Job{Type: tc.typ, Request: map[string]any{"model_id": tc.model}}
		require.Equal(t, tc.want, tbl.Estimate(j), "model %q", tc.model)
	}
}
