package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/domain"
)

// TaskDispatch is one unit of work sent to a node: a whole job in parallel
// mode, or one subtask of a combined job.
type TaskDispatch struct {
	TaskID  string
	Type    JobType
	Request map[string]any
}

// Transport delivers dispatches to nodes. The control-channel hub is the
// production implementation; tests substitute fakes.
type Transport interface {
	SendTask(ctx context.Context, workerID string, d TaskDispatch) error
}

// DistributorOptions tune the distributor.
type DistributorOptions struct {
	// DispatchDeadline bounds each dispatch RPC.
	DispatchDeadline time.Duration
	// VRAMTable overrides the built-in model VRAM estimates.
	VRAMTable VRAMTable
}

// Distributor routes distributed jobs over the fleet: priority ordering,
// worker selection, batch splitting, subtask aggregation, and failure
// re-pushes.
type Distributor struct {
	registry  *Registry
	queue     *PriorityQueue
	transport Transport
	deadline  time.Duration
	vram      VRAMTable

	mu       sync.RWMutex
	jobs     map[string]*Job
	subIndex map[string]string // subtask id -> parent job id
}

// NewDistributor constructs a distributor over the registry and transport.
func NewDistributor(reg *Registry, tr Transport, opts DistributorOptions) *Distributor {
	if opts.DispatchDeadline <= 0 {
		opts.DispatchDeadline = 300 * time.Second
	}
	if opts.VRAMTable == nil {
		opts.VRAMTable = defaultVRAMTable
	}
	return &Distributor{
		registry:  reg,
		queue:     NewPriorityQueue(),
		transport: tr,
		deadline:  opts.DispatchDeadline,
		vram:      opts.VRAMTable,
		jobs:      make(map[string]*Job),
		subIndex:  make(map[string]string),
	}
}

// Submit queues a job for distribution. The job id must be unique.
func (d *Distributor) Submit(id string, jobType JobType, request map[string]any, priority int, mode Mode, callback func(*Job)) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("op=pool.Submit: missing job id: %w", domain.ErrInvalidArgument)
	}
	if jobType != JobImage && jobType != JobVideo {
		return nil, fmt.Errorf("op=pool.Submit: unknown job type %q: %w", jobType, domain.ErrInvalidArgument)
	}
	if mode == "" {
		mode = ModeParallel
	}
	j := &Job{
		ID:        id,
		Type:      jobType,
		Request:   request,
		Priority:  priority,
		Mode:      mode,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
		callback:  callback,
	}

	d.mu.Lock()
	if _, ok := d.jobs[id]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("op=pool.Submit: job %s already exists: %w", id, domain.ErrConflict)
	}
	d.jobs[id] = j
	d.mu.Unlock()

	d.queue.PushJob(j)
	observability.PoolQueueDepth.Set(float64(d.queue.Len()))
	slog.Info("pool job submitted",
		slog.String("job_id", id),
		slog.String("type", string(jobType)),
		slog.String("mode", string(mode)),
		slog.Int("priority", priority))
	return j, nil
}

// GetJob returns the tracked job.
func (d *Distributor) GetJob(id string) (*Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[id]
	return j, ok
}

// Cancel marks a pending or queued job cancelled. Already-dispatched
// subtasks run to completion; their results are discarded on arrival.
func (d *Distributor) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return false
	}
	if j.Status != JobPending && j.Status != JobQueued {
		return false
	}
	j.Status = JobCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
	observability.PoolJobsTotal.WithLabelValues(string(JobCancelled)).Inc()
	slog.Info("pool job cancelled", slog.String("job_id", id))
	return true
}

// Run is the distribution loop: pop the highest-priority item and dispatch
// per its mode until ctx is done.
func (d *Distributor) Run(ctx context.Context) {
	slog.Info("task distributor started")
	for {
		it, ok := d.queue.Pop(ctx)
		if !ok {
			slog.Info("task distributor stopped")
			return
		}
		observability.PoolQueueDepth.Set(float64(d.queue.Len()))
		if d.skipItem(it) {
			continue
		}
		if it.subtask != nil {
			d.dispatchSubtaskItem(ctx, it)
			continue
		}
		d.distribute(ctx, it)
	}
}

// skipItem drops cancelled jobs and already-resolved subtasks after popping.
func (d *Distributor) skipItem(it *queueItem) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if it.job != nil && it.job.Status == JobCancelled {
		return true
	}
	if it.subtask != nil && it.subtask.Status.Terminal() {
		return true
	}
	return false
}

// requeue pushes an item back with the dispatch-failure priority penalty.
func (d *Distributor) requeue(it *queueItem, penalize bool) {
	if penalize && it.priority > 0 {
		it.priority--
	}
	d.queue.Push(it)
	observability.PoolQueueDepth.Set(float64(d.queue.Len()))
}

func (d *Distributor) distribute(ctx context.Context, it *queueItem) {
	j := it.job
	mode := j.Mode
	if mode == ModeAuto {
		mode = d.resolveAuto(j)
	}
	switch mode {
	case ModeCombined:
		d.distributeCombined(ctx, it)
	default:
		d.distributeParallel(ctx, it)
	}
}

// resolveAuto picks combined when the estimated VRAM need exceeds every
// single node's free VRAM or the request carries the large-VRAM hint.
func (d *Distributor) resolveAuto(j *Job) Mode {
	if j.requiresLargeVRAM() {
		return ModeCombined
	}
	required := d.vram.Estimate(j)
	for _, n := range d.registry.Available() {
		if n.FreeVRAMGB >= required {
			return ModeParallel
		}
	}
	return ModeCombined
}

func (d *Distributor) distributeParallel(ctx context.Context, it *queueItem) {
	j := it.job
	worker, ok := d.selectBestWorker(j)
	if !ok {
		// no workers available; push back and let the queue pace the retry
		d.requeue(it, false)
		time.Sleep(50 * time.Millisecond)
		return
	}

	d.mu.Lock()
	j.AssignedWorkers = []string{worker.ID}
	j.Status = JobDistributed
	now := time.Now().UTC()
	j.StartedAt = &now
	d.mu.Unlock()

	d.send(ctx, worker.ID, TaskDispatch{TaskID: j.ID, Type: j.Type, Request: j.Request}, it, string(ModeParallel))
}

func (d *Distributor) distributeCombined(ctx context.Context, it *queueItem) {
	j := it.job
	available := d.registry.Available()
	if len(available) == 0 {
		d.requeue(it, false)
		time.Sleep(50 * time.Millisecond)
		return
	}

	if j.BatchSize() <= 1 {
		// single-item combined degenerates to parallel on the best worker
		d.distributeParallel(ctx, it)
		return
	}

	subtasks := splitBatch(j, available)

	d.mu.Lock()
	j.Subtasks = subtasks
	j.AssignedWorkers = j.AssignedWorkers[:0]
	for _, st := range subtasks {
		j.AssignedWorkers = append(j.AssignedWorkers, st.WorkerID)
		d.subIndex[st.ID] = j.ID
	}
	j.Status = JobDistributed
	now := time.Now().UTC()
	j.StartedAt = &now
	d.mu.Unlock()

	// dispatch all subtasks concurrently; submission is acknowledged without
	// waiting for results
	for _, st := range subtasks {
		st := st
		go func() {
			req := cloneRequest(j.Request)
			req["batch_size"] = st.BatchSize
			d.send(ctx, st.WorkerID, TaskDispatch{TaskID: st.ID, Type: j.Type, Request: req},
				&queueItem{subtask: st, job: j, priority: j.Priority}, string(ModeCombined))
		}()
	}
}

// dispatchSubtaskItem re-dispatches one subtask after a failed attempt.
func (d *Distributor) dispatchSubtaskItem(ctx context.Context, it *queueItem) {
	st := it.subtask
	j := it.job
	worker, ok := d.selectBestWorker(j)
	if !ok {
		d.requeue(it, false)
		time.Sleep(50 * time.Millisecond)
		return
	}
	d.mu.Lock()
	st.WorkerID = worker.ID
	d.mu.Unlock()

	req := cloneRequest(j.Request)
	req["batch_size"] = st.BatchSize
	d.send(ctx, worker.ID, TaskDispatch{TaskID: st.ID, Type: j.Type, Request: req}, it, string(ModeCombined))
}

// send performs one dispatch RPC; transport errors mark the node and re-push
// the item with a priority penalty to avoid livelock on the same node.
func (d *Distributor) send(ctx context.Context, workerID string, td TaskDispatch, retry *queueItem, mode string) {
	d.registry.SetCurrentTask(workerID, td.TaskID)

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, d.deadline)
	err := d.transport.SendTask(sctx, workerID, td)
	cancel()
	observability.DispatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("dispatch failed",
			slog.String("task_id", td.TaskID),
			slog.String("worker_id", workerID),
			slog.Any("error", err))
		d.registry.MarkError(workerID)
		d.requeue(retry, true)
		return
	}
	slog.Debug("task dispatched",
		slog.String("task_id", td.TaskID), slog.String("worker_id", workerID))
}

// selectBestWorker filters available nodes by estimated VRAM need, falling
// back to all available nodes, then picks by compute power, free VRAM, and
// id.
func (d *Distributor) selectBestWorker(j *Job) (*WorkerNode, bool) {
	available := d.registry.Available()
	if len(available) == 0 {
		return nil, false
	}
	required := d.vram.Estimate(j)
	suitable := make([]*WorkerNode, 0, len(available))
	for _, n := range available {
		if n.FreeVRAMGB >= required {
			suitable = append(suitable, n)
		}
	}
	if len(suitable) == 0 {
		suitable = available
	}
	sort.Slice(suitable, func(i, k int) bool {
		if suitable[i].ComputePower != suitable[k].ComputePower {
			return suitable[i].ComputePower > suitable[k].ComputePower
		}
		if suitable[i].FreeVRAMGB != suitable[k].FreeVRAMGB {
			return suitable[i].FreeVRAMGB > suitable[k].FreeVRAMGB
		}
		return suitable[i].ID < suitable[k].ID
	})
	return suitable[0], true
}

// splitBatch assigns batch shares proportional to compute power; the last
// node absorbs the remainder. Nodes that would receive zero are skipped.
func splitBatch(j *Job, workers []*WorkerNode) []*Subtask {
	sorted := make([]*WorkerNode, len(workers))
	copy(sorted, workers)
	sort.Slice(sorted, func(i, k int) bool {
		if sorted[i].ComputePower != sorted[k].ComputePower {
			return sorted[i].ComputePower > sorted[k].ComputePower
		}
		return sorted[i].ID < sorted[k].ID
	})

	batch := j.BatchSize()
	totalPower := 0.0
	for _, w := range sorted {
		totalPower += w.ComputePower
	}

	subtasks := make([]*Subtask, 0, len(sorted))
	remaining := batch
	idx := 0
	for i, w := range sorted {
		if remaining <= 0 {
			break
		}
		var share int
		if i == len(sorted)-1 {
			share = remaining
		} else {
			share = int(float64(batch) * w.ComputePower / totalPower)
			if share < 1 {
				share = 1
			}
			if share > remaining {
				share = remaining
			}
		}
		remaining -= share
		if share <= 0 {
			continue
		}
		subtasks = append(subtasks, &Subtask{
			ID:        SubtaskID(j.ID, idx),
			Index:     idx,
			BatchSize: share,
			WorkerID:  w.ID,
			Status:    JobDistributed,
		})
		idx++
	}
	return subtasks
}

func cloneRequest(req map[string]any) map[string]any {
	out := make(map[string]any, len(req))
	for k, v := range req {
		out[k] = v
	}
	return out
}

// HandleResult applies a task_result frame from a node: either a whole job
// or one subtask of a combined job.
func (d *Distributor) HandleResult(workerID, taskID string, result map[string]any, errMsg string) {
	d.registry.ClearCurrentTask(workerID, errMsg == "")

	d.mu.Lock()
	defer d.mu.Unlock()

	if parentID, ok := d.subIndex[taskID]; ok {
		j := d.jobs[parentID]
		if j == nil {
			return
		}
		d.applySubtaskResultLocked(j, taskID, result, errMsg)
		return
	}

	j, ok := d.jobs[taskID]
	if !ok {
		slog.Warn("result for unknown task", slog.String("task_id", taskID))
		return
	}
	if j.Status.Terminal() {
		// late result for a cancelled or finished job is discarded
		return
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	if errMsg != "" {
		j.Status = JobFailed
		j.Error = errMsg
		observability.PoolJobsTotal.WithLabelValues(string(JobFailed)).Inc()
	} else {
		j.Status = JobCompleted
		j.Result = result
		observability.PoolJobsTotal.WithLabelValues(string(JobCompleted)).Inc()
	}
	go j.fireCallback()
	slog.Info("pool job resolved",
		slog.String("job_id", j.ID), slog.String("status", string(j.Status)))
}

// applySubtaskResultLocked records one subtask resolution and finalizes the
// parent when every subtask has resolved.
func (d *Distributor) applySubtaskResultLocked(j *Job, subtaskID string, result map[string]any, errMsg string) {
	var st *Subtask
	for _, s := range j.Subtasks {
		if s.ID == subtaskID {
			st = s
			break
		}
	}
	if st == nil || st.Status.Terminal() {
		return
	}
	if errMsg != "" {
		st.Status = JobFailed
		st.Error = errMsg
	} else {
		st.Status = JobCompleted
		st.Result = result
	}

	for _, s := range j.Subtasks {
		if !s.Status.Terminal() {
			return // still waiting
		}
	}

	if j.Status.Terminal() {
		// parent was cancelled while subtasks ran; discard
		return
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.Result, j.Error, j.FailedSubtasks = aggregateSubtasks(j.Subtasks)
	if j.Error != "" {
		j.Status = JobFailed
		observability.PoolJobsTotal.WithLabelValues(string(JobFailed)).Inc()
	} else {
		j.Status = JobCompleted
		observability.PoolJobsTotal.WithLabelValues(string(JobCompleted)).Inc()
	}
	go j.fireCallback()
	slog.Info("pool job aggregated",
		slog.String("job_id", j.ID),
		slog.String("status", string(j.Status)),
		slog.Int("subtasks", len(j.Subtasks)))
}

// aggregateSubtasks concatenates subtask results in index order. Any failed
// subtask fails the parent with the first error surfaced and the failed ids
// attached.
func aggregateSubtasks(subtasks []*Subtask) (map[string]any, string, []string) {
	ordered := make([]*Subtask, len(subtasks))
	copy(ordered, subtasks)
	sort.Slice(ordered, func(i, k int) bool { return ordered[i].Index < ordered[k].Index })

	var firstErr string
	var failed []string
	for _, st := range ordered {
		if st.Status == JobFailed {
			if firstErr == "" {
				firstErr = st.Error
			}
			failed = append(failed, st.ID)
		}
	}
	if firstErr != "" {
		return nil, firstErr, failed
	}

	parts := make([]map[string]any, 0, len(ordered))
	var images, frames []any
	for _, st := range ordered {
		parts = append(parts, st.Result)
		if st.Result == nil {
			continue
		}
		if imgs, ok := st.Result["images"].([]any); ok {
			images = append(images, imgs...)
		}
		if fr, ok := st.Result["frames"].([]any); ok {
			frames = append(frames, fr...)
		}
	}
	out := map[string]any{"parts": parts}
	if len(images) > 0 {
		out["images"] = images
	}
	if len(frames) > 0 {
		out["frames"] = frames
	}
	return out, "", nil
}

// DistributorStats summarizes tracked jobs.
type DistributorStats struct {
	TotalJobs    int               `json:"total_jobs"`
	QueueDepth   int               `json:"queue_depth"`
	StatusCounts map[JobStatus]int `json:"status_counts"`
}

// Stats returns distributor statistics.
func (d *Distributor) Stats() DistributorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := DistributorStats{
		TotalJobs:    len(d.jobs),
		QueueDepth:   d.queue.Len(),
		StatusCounts: make(map[JobStatus]int),
	}
	for _, j := range d.jobs {
		st.StatusCounts[j.Status]++
	}
	return st
}
