package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/pool/protocol"
)

// Registry owns the worker-node records and keeps them fresh with a periodic
// status probe. The probe doubles as the heartbeat: a node that misses three
// heartbeat periods goes offline.
type Registry struct {
	heartbeatPeriod time.Duration
	probeTimeout    time.Duration
	client          *http.Client

	mu    sync.RWMutex
	nodes map[string]*WorkerNode
}

// NewRegistry constructs a registry.
func NewRegistry(heartbeatPeriod, probeTimeout time.Duration) *Registry {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Registry{
		heartbeatPeriod: heartbeatPeriod,
		probeTimeout:    probeTimeout,
		client:          &http.Client{Timeout: probeTimeout},
		nodes:           make(map[string]*WorkerNode),
	}
}

// Register adds a node or, for a known id, updates its endpoint and
// capabilities. Registration is idempotent.
func (r *Registry) Register(n *WorkerNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ComputePower <= 0 {
		n.ComputePower = 1.0
	}
	if n.LastHeartbeat.IsZero() {
		n.LastHeartbeat = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = WorkerOnline
	}
	if existing, ok := r.nodes[n.ID]; ok {
		existing.Name = n.Name
		existing.Host = n.Host
		existing.Port = n.Port
		existing.GPUCount = n.GPUCount
		existing.TotalVRAMGB = n.TotalVRAMGB
		existing.FreeVRAMGB = n.FreeVRAMGB
		existing.ComputePower = n.ComputePower
		existing.SupportedModels = append([]string(nil), n.SupportedModels...)
		existing.Status = n.Status
		existing.LastHeartbeat = time.Now().UTC()
		slog.Info("worker re-registered", slog.String("worker_id", n.ID))
		return
	}
	r.nodes[n.ID] = n.clone()
	slog.Info("worker registered",
		slog.String("worker_id", n.ID),
		slog.Int("gpu_count", n.GPUCount),
		slog.Float64("total_vram_gb", n.TotalVRAMGB))
	r.updateOnlineGaugeLocked()
}

// Unregister removes a node. Returns false for unknown ids.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	slog.Info("worker unregistered", slog.String("worker_id", id))
	r.updateOnlineGaugeLocked()
	return true
}

// Get returns a snapshot of the node.
func (r *Registry) Get(id string) (*WorkerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// List returns snapshots of every node, sorted by id.
func (r *Registry) List() []*WorkerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns snapshots of nodes that can accept work now.
func (r *Registry) Available() []*WorkerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Available() {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Heartbeat applies a status frame pushed by the node over its control
// channel. It refreshes last_heartbeat and overrides a probe-driven offline
// transition.
func (r *Registry) Heartbeat(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[f.WorkerID]
	if !ok {
		return
	}
	if f.GPUCount > 0 {
		n.GPUCount = f.GPUCount
	}
	if f.TotalVRAMGB > 0 {
		n.TotalVRAMGB = f.TotalVRAMGB
	}
	n.FreeVRAMGB = f.FreeVRAMGB
	n.CurrentTask = f.CurrentTask
	if n.CurrentTask != "" {
		n.Status = WorkerBusy
	} else {
		n.Status = WorkerOnline
	}
	n.LastHeartbeat = time.Now().UTC()
	r.updateOnlineGaugeLocked()
}

// Touch refreshes a node's heartbeat timestamp without changing its state.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastHeartbeat = time.Now().UTC()
	}
}

// SetCurrentTask marks a node busy with the given task.
func (r *Registry) SetCurrentTask(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.CurrentTask = taskID
		n.Status = WorkerBusy
	}
}

// ClearCurrentTask releases a node after a task resolves and bumps its
// counters.
func (r *Registry) ClearCurrentTask(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	n.CurrentTask = ""
	if n.Status == WorkerBusy {
		n.Status = WorkerOnline
	}
	if success {
		n.TasksCompleted++
	} else {
		n.TasksFailed++
	}
}

// MarkError flags a node after a transport-level dispatch failure; the next
// successful probe clears it.
func (r *Registry) MarkError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Status = WorkerError
		n.CurrentTask = ""
	}
	r.updateOnlineGaugeLocked()
}

// Run probes every node each heartbeat period until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every node once and applies the stale-heartbeat rule.
func (r *Registry) ProbeAll(ctx context.Context) {
	for _, n := range r.List() {
		r.probe(ctx, n.ID)
	}
	r.expireStale()
}

// statusResponse mirrors the worker /status payload.
type statusResponse struct {
	WorkerID       string  `json:"worker_id"`
	Status         string  `json:"status"`
	GPUCount       int     `json:"gpu_count"`
	TotalVRAMGB    float64 `json:"total_vram_gb"`
	FreeVRAMGB     float64 `json:"free_vram_gb"`
	CurrentTask    string  `json:"current_task"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
}

func (r *Registry) probe(ctx context.Context, id string) {
	r.mu.RLock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	url := n.URL() + "/status"
	r.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		r.probeFailed(id, err)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.probeFailed(id, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		r.probeFailed(id, fmt.Errorf("status %d", resp.StatusCode))
		return
	}
	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		r.probeFailed(id, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	if sr.GPUCount > 0 {
		node.GPUCount = sr.GPUCount
	}
	if sr.TotalVRAMGB > 0 {
		node.TotalVRAMGB = sr.TotalVRAMGB
	}
	node.FreeVRAMGB = sr.FreeVRAMGB
	node.CurrentTask = sr.CurrentTask
	node.TasksCompleted = sr.TasksCompleted
	node.TasksFailed = sr.TasksFailed
	if node.CurrentTask != "" {
		node.Status = WorkerBusy
	} else {
		node.Status = WorkerOnline
	}
	node.LastHeartbeat = time.Now().UTC()
	r.updateOnlineGaugeLocked()
}

func (r *Registry) probeFailed(id string, err error) {
	slog.Warn("worker probe failed", slog.String("worker_id", id), slog.Any("error", err))
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Status = WorkerOffline
	}
	r.updateOnlineGaugeLocked()
}

// expireStale flips nodes offline after three missed heartbeat periods.
func (r *Registry) expireStale() {
	cutoff := time.Now().UTC().Add(-3 * r.heartbeatPeriod)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Status != WorkerOffline && n.LastHeartbeat.Before(cutoff) {
			slog.Warn("worker heartbeat stale, marking offline", slog.String("worker_id", n.ID))
			n.Status = WorkerOffline
			n.CurrentTask = ""
		}
	}
	r.updateOnlineGaugeLocked()
}

func (r *Registry) updateOnlineGaugeLocked() {
	online := 0
	for _, n := range r.nodes {
		if n.Status == WorkerOnline || n.Status == WorkerBusy {
			online++
		}
	}
	observability.PoolWorkersOnline.Set(float64(online))
}

// PoolStats is the aggregate pool snapshot.
type PoolStats struct {
	TotalWorkers      int     `json:"total_workers"`
	OnlineWorkers     int     `json:"online_workers"`
	BusyWorkers       int     `json:"busy_workers"`
	TotalGPUs         int     `json:"total_gpus"`
	TotalVRAMGB       float64 `json:"total_vram_gb"`
	FreeVRAMGB        float64 `json:"free_vram_gb"`
	TotalComputePower float64 `json:"total_compute_power"`
}

// Stats aggregates registry-level statistics.
func (r *Registry) Stats() PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st PoolStats
	st.TotalWorkers = len(r.nodes)
	for _, n := range r.nodes {
		st.TotalGPUs += n.GPUCount
		st.TotalVRAMGB += n.TotalVRAMGB
		switch n.Status {
		case WorkerOnline:
			st.OnlineWorkers++
			st.FreeVRAMGB += n.FreeVRAMGB
			st.TotalComputePower += n.ComputePower
		case WorkerBusy:
			st.BusyWorkers++
		}
	}
	return st
}
