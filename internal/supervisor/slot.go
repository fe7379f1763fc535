package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/mailbox"
)

// report is one per-task completion record sent to the shared result channel.
type report struct {
	slotID    string
	taskID    string
	status    domain.TaskStatus
	result    map[string]any
	errMsg    string
	permanent bool
}

// slot is one supervised execution context bound to a platform for the
// duration of its life.
type slot struct {
	id          string
	platform    domain.Platform
	index       int
	mb          *mailbox.Mailbox
	handler     Handler
	reports     chan<- report
	taskTimeout time.Duration
	done        chan struct{}
}

func newSlot(p domain.Platform, index int, mb *mailbox.Mailbox, h Handler, reports chan<- report, taskTimeout time.Duration) *slot {
	return &slot{
		id:          fmt.Sprintf("%s_%d", p, index),
		platform:    p,
		index:       index,
		mb:          mb,
		handler:     h,
		reports:     reports,
		taskTimeout: taskTimeout,
		done:        make(chan struct{}),
	}
}

// run is the slot main loop: drain the platform mailbox until the shutdown
// sentinel or context cancellation. A panic in handler code fails the
// in-flight task and kills the slot; the supervisor's health loop respawns a
// fresh slot with the same (platform, index).
func (s *slot) run(ctx context.Context) {
	defer close(s.done)
	slog.Info("worker slot started", slog.String("slot", s.id))

	var current *domain.Task
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker slot panic", slog.String("slot", s.id), slog.Any("panic", r))
			if current != nil {
				s.report(ctx, report{
					slotID: s.id,
					taskID: current.ID,
					status: domain.TaskFailed,
					errMsg: fmt.Sprintf("worker panic: %v", r),
				})
			}
		}
	}()

	for {
		env, ok := s.mb.Get(ctx)
		if !ok {
			slog.Info("worker slot context done", slog.String("slot", s.id))
			return
		}
		if env.Stop {
			slog.Info("worker slot received shutdown sentinel", slog.String("slot", s.id))
			return
		}
		current = env.Task
		s.process(ctx, env.Task)
		current = nil
	}
}

// process runs one task through the handler and reports the outcome.
func (s *slot) process(ctx context.Context, t *domain.Task) {
	timeout := s.taskTimeout
	if t.Timeout > 0 {
		timeout = t.Timeout
	}
	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	slog.Debug("worker slot processing task",
		slog.String("slot", s.id), slog.String("task_id", t.ID), slog.String("kind", string(t.Kind)))

	result, err := s.handler.Handle(tctx, t)
	if err != nil {
		s.report(ctx, report{
			slotID:    s.id,
			taskID:    t.ID,
			status:    domain.TaskFailed,
			errMsg:    err.Error(),
			permanent: domain.IsPermanent(err),
		})
		return
	}
	s.report(ctx, report{
		slotID: s.id,
		taskID: t.ID,
		status: domain.TaskCompleted,
		result: result,
	})
}

func (s *slot) report(ctx context.Context, r report) {
	select {
	case s.reports <- r:
	case <-ctx.Done():
	}
}
