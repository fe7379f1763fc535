// Package mailbox provides the per-platform bounded FIFO feeding worker
// slots, including the shutdown sentinel protocol.
package mailbox

import (
	"fmt"
	"time"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/domain"
)

// Envelope is one mailbox item: either a task or the shutdown sentinel.
// Once a consumer observes Stop=true it must do no further work.
type Envelope struct {
	Task *domain.Task
	Stop bool
}

// Mailbox is a bounded FIFO of task records for a single platform.
type Mailbox struct {
	platform domain.Platform
	ch       chan Envelope
}

// New constructs a mailbox with the given capacity.
func New(platform domain.Platform, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{platform: platform, ch: make(chan Envelope, capacity)}
}

// Platform returns the platform tag this mailbox serves.
func (m *Mailbox) Platform() domain.Platform { return m.platform }

// Depth returns the number of queued envelopes.
func (m *Mailbox) Depth() int { return len(m.ch) }

// TryPut enqueues without blocking. Returns ErrMailboxFull when at capacity;
// the caller redelivers from the persistent queue in that case.
func (m *Mailbox) TryPut(t *domain.Task) error {
	select {
	case m.ch <- Envelope{Task: t}:
		observability.MailboxDepth.WithLabelValues(string(m.platform)).Set(float64(len(m.ch)))
		return nil
	default:
		return fmt.Errorf("op=mailbox.TryPut platform=%s: %w", m.platform, domain.ErrMailboxFull)
	}
}

// Put enqueues with retry and backoff until ctx is done.
func (m *Mailbox) Put(ctx domain.Context, t *domain.Task) error {
	delay := 10 * time.Millisecond
	for {
		if err := m.TryPut(t); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=mailbox.Put platform=%s: %w", m.platform, ctx.Err())
		case <-time.After(delay):
		}
		if delay < 500*time.Millisecond {
			delay *= 2
		}
	}
}

// PutSentinel enqueues n shutdown sentinels, one per consumer slot. Sentinels
// block until space frees so shutdown is never lost.
func (m *Mailbox) PutSentinel(n int) {
	for i := 0; i < n; i++ {
		m.ch <- Envelope{Stop: true}
	}
}

// Get receives the next envelope, or false when ctx is done.
func (m *Mailbox) Get(ctx domain.Context) (Envelope, bool) {
	select {
	case <-ctx.Done():
		return Envelope{}, false
	case env := <-m.ch:
		observability.MailboxDepth.WithLabelValues(string(m.platform)).Set(float64(len(m.ch)))
		return env, true
	}
}

// Set owns one mailbox per platform.
type Set struct {
	boxes map[domain.Platform]*Mailbox
}

// NewSet builds mailboxes for every platform with the given capacity.
func NewSet(capacity int) *Set {
	s := &Set{boxes: make(map[domain.Platform]*Mailbox, len(domain.Platforms()))}
	for _, p := range domain.Platforms() {
		s.boxes[p] = New(p, capacity)
	}
	return s
}

// Get returns the mailbox for a platform.
func (s *Set) Get(p domain.Platform) (*Mailbox, error) {
	mb, ok := s.boxes[p]
	if !ok {
		return nil, fmt.Errorf("op=mailbox.Set.Get platform=%s: %w", p, domain.ErrNotFound)
	}
	return mb, nil
}

// Each calls fn for every mailbox in stable platform order.
func (s *Set) Each(fn func(*Mailbox)) {
	for _, p := range domain.Platforms() {
		fn(s.boxes[p])
	}
}
