// Package scheduler defers task submissions to a target instant. Platform
// adapters never emulate scheduling themselves; schedule_post routes here and
// a normal submit fires when the timer elapses.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xjanova/postx-agent/internal/domain"
)

// SubmitFunc performs a normal task submission at fire time.
type SubmitFunc func(ctx context.Context, t *domain.Task) error

type key struct {
	platform domain.Platform
	taskID   string
}

// Service holds pending timers keyed by (platform, task id).
type Service struct {
	submit SubmitFunc

	mu     sync.Mutex
	timers map[key]*time.Timer
	closed bool
}

// New constructs a scheduler over the given submit function.
func New(submit SubmitFunc) *Service {
	return &Service{submit: submit, timers: make(map[key]*time.Timer)}
}

// Schedule registers t for submission at the target instant. Scheduling the
// same (platform, task id) twice replaces the earlier timer. Instants in the
// past fire immediately.
func (s *Service) Schedule(t *domain.Task, at time.Time) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("op=scheduler.Schedule: missing task: %w", domain.ErrInvalidArgument)
	}
	k := key{platform: t.Platform, taskID: t.ID}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("op=scheduler.Schedule: scheduler closed: %w", domain.ErrConflict)
	}
	if old, ok := s.timers[k]; ok {
		old.Stop()
	}
	s.timers[k] = time.AfterFunc(delay, func() { s.fire(k, t) })
	slog.Info("post scheduled",
		slog.String("task_id", t.ID),
		slog.String("platform", string(t.Platform)),
		slog.Time("fire_at", at))
	return nil
}

func (s *Service) fire(k key, t *domain.Task) {
	s.mu.Lock()
	delete(s.timers, k)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.submit(ctx, t); err != nil {
		slog.Error("scheduled submit failed",
			slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	slog.Info("scheduled post fired", slog.String("task_id", t.ID))
}

// Cancel stops a pending timer. Returns false when no timer exists.
func (s *Service) Cancel(p domain.Platform, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{platform: p, taskID: taskID}
	timer, ok := s.timers[k]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, k)
	return true
}

// Pending returns the number of registered timers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every pending timer; subsequent Schedule calls fail.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, timer := range s.timers {
		timer.Stop()
		delete(s.timers, k)
	}
}
