package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/mailbox"
)

// Options configure the supervisor. Zero values take defaults.
type Options struct {
	// Slots is the total number of worker slots across all platforms.
	Slots int
	// MaxPerPlatform caps slots for any single platform (0 = uncapped).
	MaxPerPlatform int
	// MailboxCap bounds each platform mailbox.
	MailboxCap int
	QueuePoll  time.Duration
	// HealthCheck is the liveness probe interval.
	HealthCheck time.Duration
	// TaskTimeout bounds task execution when the record carries none.
	TaskTimeout    time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	RetryDelayMax  time.Duration
	StatsInterval  time.Duration
	// JoinTimeout is the per-shutdown budget for worker slots to drain.
	JoinTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Slots <= 0 {
		o.Slots = len(domain.Platforms())
	}
	if o.MailboxCap <= 0 {
		o.MailboxCap = 64
	}
	if o.QueuePoll <= 0 {
		o.QueuePoll = 100 * time.Millisecond
	}
	if o.HealthCheck <= 0 {
		o.HealthCheck = 30 * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 300 * time.Second
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = 5 * time.Second
	}
	if o.RetryDelayMax <= 0 {
		o.RetryDelayMax = 5 * time.Minute
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Minute
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
}

// Stats is the snapshot published under orchestrator:stats.
type Stats struct {
	ActiveWorkers  int    `json:"active_workers"`
	TotalWorkers   int    `json:"total_workers"`
	TasksQueued    int64  `json:"tasks_queued"`
	TasksProcessed int64  `json:"tasks_processed"`
	TasksFailed    int64  `json:"tasks_failed"`
	TasksCancelled int64  `json:"tasks_cancelled"`
	TasksRetried   int64  `json:"tasks_retried"`
	ActiveTasks    int    `json:"active_tasks"`
	Uptime         string `json:"uptime"`
}

type slotEntry struct {
	platform domain.Platform
	index    int
	s        *slot
}

// Supervisor owns the mailbox set, the worker slots, the live-task map, and
// the bridge to the shared Redis queue.
type Supervisor struct {
	opts    Options
	queue   domain.TaskQueue
	handler Handler
	boxes   *mailbox.Set

	reports chan report

	slotMu sync.Mutex
	slots  []*slotEntry

	// live and completed are mutated by the collector goroutine, by
	// Submit/ingestion for inserts, and by Cancel; writes take the lock and
	// reads take the RLock.
	liveMu    sync.RWMutex
	live      map[string]*domain.Task
	completed map[string]*domain.Task
	doneOrder []string

	// inflight tracks ids already delivered to a mailbox so the ingestion
	// loop does not double-deliver the durable copy.
	inflight sync.Map

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retried   atomic.Int64

	running   atomic.Bool
	startedAt time.Time
	loopCtx   context.Context
	loopStop  context.CancelFunc
	slotCtx   context.Context
	slotStop  context.CancelFunc
	wg        sync.WaitGroup
	slotWG    sync.WaitGroup
}

const completedCap = 1024

// New constructs a supervisor over the given queue and handler.
func New(queue domain.TaskQueue, handler Handler, opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		opts:      opts,
		queue:     queue,
		handler:   handler,
		boxes:     mailbox.NewSet(opts.MailboxCap),
		reports:   make(chan report, opts.Slots*2),
		live:      make(map[string]*domain.Task),
		completed: make(map[string]*domain.Task),
	}
}

// Mailboxes exposes the mailbox set for tests.
func (s *Supervisor) Mailboxes() *mailbox.Set { return s.boxes }

// Start allocates and launches worker slots and the supervisor loops.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("op=supervisor.Start: already running: %w", domain.ErrConflict)
	}
	s.startedAt = time.Now().UTC()
	s.loopCtx, s.loopStop = context.WithCancel(ctx)
	s.slotCtx, s.slotStop = context.WithCancel(context.Background())

	alloc := allocate(s.opts.Slots, s.opts.MaxPerPlatform)
	for _, p := range domain.Platforms() {
		mb, err := s.boxes.Get(p)
		if err != nil {
			return err
		}
		for i := 0; i < alloc[p]; i++ {
			s.spawn(p, i, mb)
		}
	}
	slog.Info("supervisor started",
		slog.Int("slots", len(s.slots)),
		slog.Int("platforms", len(domain.Platforms())))

	s.wg.Add(4)
	go s.collectLoop()
	go s.ingestLoop()
	go s.healthLoop()
	go s.statsLoop()
	return nil
}

func (s *Supervisor) spawn(p domain.Platform, index int, mb *mailbox.Mailbox) {
	sl := newSlot(p, index, mb, s.handler, s.reports, s.opts.TaskTimeout)
	entry := &slotEntry{platform: p, index: index, s: sl}
	s.slotMu.Lock()
	s.slots = append(s.slots, entry)
	s.slotMu.Unlock()
	s.slotWG.Add(1)
	go func() {
		defer s.slotWG.Done()
		sl.run(s.slotCtx)
	}()
}

// Submit accepts a task: the durable push to tasks:<platform>:pending must
// succeed before returning; mailbox delivery is best-effort (the ingestion
// loop redelivers from the durable copy).
func (s *Supervisor) Submit(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Platform == "" {
		return fmt.Errorf("op=supervisor.Submit: task %s has no platform: %w", t.ID, domain.ErrInvalidArgument)
	}
	if !s.running.Load() {
		return fmt.Errorf("op=supervisor.Submit: not running: %w", domain.ErrConflict)
	}
	if t.Status == domain.TaskPending {
		_ = t.Advance(domain.TaskQueued)
	}
	if err := s.queue.PushPending(ctx, t); err != nil {
		return err
	}
	s.track(t)
	s.submitted.Add(1)
	observability.TasksSubmittedTotal.WithLabelValues(string(t.Platform), string(t.Kind)).Inc()

	mb, err := s.boxes.Get(t.Platform)
	if err != nil {
		return nil
	}
	if err := mb.TryPut(t.Clone()); err != nil {
		slog.Debug("mailbox full on submit, relying on ingestion",
			slog.String("task_id", t.ID), slog.String("platform", string(t.Platform)))
		return nil
	}
	s.inflight.Store(t.ID, struct{}{})
	return nil
}

func (s *Supervisor) track(t *domain.Task) {
	s.liveMu.Lock()
	if _, ok := s.live[t.ID]; !ok {
		s.live[t.ID] = t
	}
	s.liveMu.Unlock()
	observability.ActiveTasks.Set(float64(s.liveLen()))
}

func (s *Supervisor) liveLen() int {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return len(s.live)
}

// GetTask returns the tracked record for id, searching live then completed.
func (s *Supervisor) GetTask(id string) (*domain.Task, bool) {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	if t, ok := s.live[id]; ok {
		return t, true
	}
	t, ok := s.completed[id]
	return t, ok
}

// Cancel marks a pending or queued task cancelled. The second call for the
// same id is a no-op returning false.
func (s *Supervisor) Cancel(ctx context.Context, id string) bool {
	s.liveMu.Lock()
	t, ok := s.live[id]
	if !ok || (t.Status != domain.TaskPending && t.Status != domain.TaskQueued) {
		s.liveMu.Unlock()
		return false
	}
	_ = t.Advance(domain.TaskCancelled)
	delete(s.live, id)
	s.retire(t)
	s.liveMu.Unlock()

	s.inflight.Delete(id)
	s.cancelled.Add(1)
	if err := s.queue.PushResult(ctx, t); err != nil {
		slog.Error("failed to publish cancelled task", slog.String("task_id", id), slog.Any("error", err))
	}
	return true
}

// retire stores a terminal record in the bounded completed map. Caller holds
// liveMu.
func (s *Supervisor) retire(t *domain.Task) {
	s.completed[t.ID] = t
	s.doneOrder = append(s.doneOrder, t.ID)
	for len(s.doneOrder) > completedCap {
		delete(s.completed, s.doneOrder[0])
		s.doneOrder = s.doneOrder[1:]
	}
}

// collectLoop applies the completed and failed statuses: it drains the shared
// result channel, publishes finalized records outbound, and drives the retry
// and timeout policies. The cancelled status is applied by Cancel in the
// caller's goroutine, not here.
func (s *Supervisor) collectLoop() {
	defer s.wg.Done()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			// flush any buffered reports before exiting
			for {
				select {
				case rep := <-s.reports:
					s.applyReport(rep)
				default:
					return
				}
			}
		case rep := <-s.reports:
			s.applyReport(rep)
		case <-sweep.C:
			s.sweepTimeouts()
		}
	}
}

func (s *Supervisor) applyReport(rep report) {
	s.inflight.Delete(rep.taskID)

	s.liveMu.Lock()
	t, ok := s.live[rep.taskID]
	if !ok || t.Status.Terminal() {
		// unknown or already-cancelled task: discard the late result
		s.liveMu.Unlock()
		return
	}

	if rep.status == domain.TaskCompleted {
		_ = t.Advance(domain.TaskRunning)
		_ = t.Advance(domain.TaskCompleted)
		t.Result = rep.result
		delete(s.live, rep.taskID)
		s.retire(t)
		s.liveMu.Unlock()

		s.processed.Add(1)
		observability.TasksCompletedTotal.WithLabelValues(string(t.Platform)).Inc()
		s.publish(t)
		slog.Info("task completed", slog.String("task_id", t.ID), slog.String("slot", rep.slotID))
		return
	}

	// failure path
	_ = t.Advance(domain.TaskRunning)
	_ = t.Advance(domain.TaskFailed)
	t.Error = rep.errMsg

	if !rep.permanent && t.Retries < s.opts.MaxRetries {
		delay := s.retryDelay(t.Retries)
		t.Retries++
		_ = t.Advance(domain.TaskQueued)
		retry := t.Clone()
		s.liveMu.Unlock()

		s.retried.Add(1)
		observability.TasksRetriedTotal.WithLabelValues(string(t.Platform)).Inc()
		slog.Warn("task failed, scheduling retry",
			slog.String("task_id", t.ID),
			slog.Int("retries", retry.Retries),
			slog.Duration("delay", delay),
			slog.String("error", rep.errMsg))
		time.AfterFunc(delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.queue.PushPending(ctx, retry); err != nil {
				slog.Error("retry re-enqueue failed", slog.String("task_id", retry.ID), slog.Any("error", err))
			}
		})
		return
	}

	delete(s.live, rep.taskID)
	s.retire(t)
	s.liveMu.Unlock()

	s.failed.Add(1)
	observability.TasksFailedTotal.WithLabelValues(string(t.Platform)).Inc()
	s.publish(t)
	slog.Warn("task failed terminally",
		slog.String("task_id", t.ID), slog.String("error", rep.errMsg))
}

// retryDelay is retry_delay_base * 2^retries, capped.
func (s *Supervisor) retryDelay(retries int) time.Duration {
	d := time.Duration(float64(s.opts.RetryDelayBase) * math.Pow(2, float64(retries)))
	if d > s.opts.RetryDelayMax || d <= 0 {
		d = s.opts.RetryDelayMax
	}
	return d
}

func (s *Supervisor) publish(t *domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queue.PushResult(ctx, t); err != nil {
		slog.Error("failed to publish result", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	observability.ActiveTasks.Set(float64(s.liveLen()))
}

// sweepTimeouts fails live tasks whose deadline expired.
func (s *Supervisor) sweepTimeouts() {
	now := time.Now().UTC()
	var expired []*domain.Task
	s.liveMu.Lock()
	for id, t := range s.live {
		if t.Timeout > 0 && now.Sub(t.CreatedAt) > t.Timeout && !t.Status.Terminal() {
			_ = t.Advance(domain.TaskRunning)
			_ = t.Advance(domain.TaskFailed)
			t.Error = "timeout"
			delete(s.live, id)
			s.retire(t)
			expired = append(expired, t)
		}
	}
	s.liveMu.Unlock()

	for _, t := range expired {
		s.inflight.Delete(t.ID)
		s.failed.Add(1)
		observability.TasksFailedTotal.WithLabelValues(string(t.Platform)).Inc()
		s.publish(t)
		slog.Warn("task timed out", slog.String("task_id", t.ID))
	}
}

// ingestLoop polls the backend inbound keys and the durable pending keys for
// every platform, round-robin, and forwards records to mailboxes.
func (s *Supervisor) ingestLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.QueuePoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			for _, p := range domain.Platforms() {
				s.ingestOne(p, s.queue.PopBackend)
				s.ingestOne(p, s.queue.PopPending)
			}
		}
	}
}

func (s *Supervisor) ingestOne(p domain.Platform, pop func(domain.Context, domain.Platform) (*domain.Task, error)) {
	ctx, cancel := context.WithTimeout(s.loopCtx, 5*time.Second)
	defer cancel()
	t, err := pop(ctx, p)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("queue pop failed", slog.String("platform", string(p)), slog.Any("error", err))
		}
		return
	}
	if t == nil {
		return
	}
	if _, busy := s.inflight.Load(t.ID); busy {
		// durable copy of a record already delivered to a mailbox
		return
	}
	s.liveMu.RLock()
	_, retired := s.completed[t.ID]
	s.liveMu.RUnlock()
	if retired {
		// durable copy of a record that already reached a terminal status
		return
	}
	if t.Status == domain.TaskPending {
		_ = t.Advance(domain.TaskQueued)
	}
	s.track(t)

	mb, err := s.boxes.Get(t.Platform)
	if err != nil {
		slog.Error("no mailbox for ingested task", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if err := mb.TryPut(t.Clone()); err != nil {
		// mailbox full: push the record back to the durable key; attempts do
		// not increment for internal redelivery
		if err := s.queue.PushPending(ctx, t); err != nil {
			slog.Error("failed to requeue on full mailbox", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		return
	}
	s.inflight.Store(t.ID, struct{}{})
}

// healthLoop respawns worker slots that exited outside shutdown.
func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HealthCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			s.respawnDead()
		}
	}
}

func (s *Supervisor) respawnDead() {
	s.slotMu.Lock()
	entries := make([]*slotEntry, len(s.slots))
	copy(entries, s.slots)
	s.slotMu.Unlock()

	for _, e := range entries {
		select {
		case <-e.s.done:
			if !s.running.Load() {
				return
			}
			slog.Warn("worker slot dead, respawning",
				slog.String("slot", e.s.id), slog.String("platform", string(e.platform)))
			observability.WorkerSlotRestartsTotal.WithLabelValues(string(e.platform)).Inc()
			mb, err := s.boxes.Get(e.platform)
			if err != nil {
				continue
			}
			s.removeEntry(e)
			s.spawn(e.platform, e.index, mb)
		default:
		}
	}
}

func (s *Supervisor) removeEntry(dead *slotEntry) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	for i, e := range s.slots {
		if e == dead {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			return
		}
	}
}

// statsLoop publishes the stats snapshot to orchestrator:stats.
func (s *Supervisor) statsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.queue.SetStats(ctx, s.Snapshot()); err != nil {
				slog.Error("stats publish failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

// Snapshot returns the current stats.
func (s *Supervisor) Snapshot() Stats {
	s.slotMu.Lock()
	total := len(s.slots)
	alive := 0
	for _, e := range s.slots {
		select {
		case <-e.s.done:
		default:
			alive++
		}
	}
	s.slotMu.Unlock()

	return Stats{
		ActiveWorkers:  alive,
		TotalWorkers:   total,
		TasksQueued:    s.submitted.Load(),
		TasksProcessed: s.processed.Load(),
		TasksFailed:    s.failed.Load(),
		TasksCancelled: s.cancelled.Load(),
		TasksRetried:   s.retried.Load(),
		ActiveTasks:    s.liveLen(),
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// Stop drains the supervisor: one shutdown sentinel per slot, a bounded join,
// then forced cancellation of stragglers. Pending results are flushed before
// returning.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	slog.Info("supervisor stopping")

	alloc := map[domain.Platform]int{}
	s.slotMu.Lock()
	for _, e := range s.slots {
		alloc[e.platform]++
	}
	s.slotMu.Unlock()
	for p, n := range alloc {
		mb, err := s.boxes.Get(p)
		if err == nil {
			mb.PutSentinel(n)
		}
	}

	joined := make(chan struct{})
	go func() {
		s.slotWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(s.opts.JoinTimeout):
		slog.Warn("worker slots did not drain in time, forcing stop")
		s.slotStop()
		<-joined
	case <-ctx.Done():
		s.slotStop()
		<-joined
	}
	s.slotStop()

	// stop loops; the collector flushes buffered reports on its way out
	s.loopStop()
	s.wg.Wait()

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.SetStats(ctx2, s.Snapshot()); err != nil {
		slog.Error("final stats publish failed", slog.Any("error", err))
	}
	slog.Info("supervisor stopped")
	return nil
}
