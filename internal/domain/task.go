// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskKind enumerates the kinds of work the manager accepts.
type TaskKind string

// Task kinds.
const (
	KindGenerateContent   TaskKind = "generate_content"
	KindGenerateImage     TaskKind = "generate_image"
	KindGenerateVideo     TaskKind = "generate_video"
	KindPostContent       TaskKind = "post_content"
	KindSchedulePost      TaskKind = "schedule_post"
	KindAnalyzeMetrics    TaskKind = "analyze_metrics"
	KindMonitorEngagement TaskKind = "monitor_engagement"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindGenerateContent, KindGenerateImage, KindGenerateVideo, KindPostContent,
		KindSchedulePost, KindAnalyzeMetrics, KindMonitorEngagement:
		return true
	}
	return false
}

// Platform tags a task with its destination social network.
type Platform string

// Supported platforms.
const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"
	PlatformLine      Platform = "line"
	PlatformYouTube   Platform = "youtube"
	PlatformThreads   Platform = "threads"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformPinterest Platform = "pinterest"
)

// Platforms lists every supported platform in a stable order. Allocation and
// queue polling iterate this slice, so the order must not change at runtime.
func Platforms() []Platform {
	return []Platform{
		PlatformFacebook, PlatformInstagram, PlatformTikTok, PlatformTwitter,
		PlatformLine, PlatformYouTube, PlatformThreads, PlatformLinkedIn,
		PlatformPinterest,
	}
}

// HighTrafficPlatforms receive leftover worker slots first.
func HighTrafficPlatforms() []Platform {
	return []Platform{PlatformFacebook, PlatformInstagram, PlatformTikTok, PlatformLine}
}

// Valid reports whether p is a known platform tag.
func (p Platform) Valid() bool {
	for _, q := range Platforms() {
		if p == q {
			return true
		}
	}
	return false
}

// TaskStatus captures the lifecycle state of a task.
type TaskStatus string

// Task status values.
const (
	TaskPending     TaskStatus = "pending"
	TaskQueued      TaskStatus = "queued"
	TaskDistributed TaskStatus = "distributed"
	TaskRunning     TaskStatus = "running"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether s forbids further mutation of the record.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var statusRank = map[TaskStatus]int{
	TaskPending:     0,
	TaskQueued:      1,
	TaskDistributed: 2,
	TaskRunning:     3,
	TaskCompleted:   4,
	TaskFailed:      4,
	TaskCancelled:   4,
}

// CanAdvance reports whether a task may move from s to next. Status advances
// monotonically, with the single exception of the failed -> queued retry hop.
func (s TaskStatus) CanAdvance(next TaskStatus) bool {
	if s.Terminal() {
		return s == TaskFailed && next == TaskQueued
	}
	return statusRank[next] >= statusRank[s]
}

// Task is the canonical serializable work item exchanged between the manager,
// its worker slots, and the external backend. The JSON form is the wire
// contract for every queue key.
type Task struct {
	ID        string         `json:"id"`
	Kind      TaskKind       `json:"type"`
	Platform  Platform       `json:"platform,omitempty"`
	UserID    int64          `json:"user_id"`
	BrandID   int64          `json:"brand_id"`
	Payload   map[string]any `json:"payload"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Status    TaskStatus     `json:"status"`
	Retries   int            `json:"retries"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	// Timeout, when positive, bounds end-to-end execution; on expiry the
	// supervisor marks the task failed with error "timeout".
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NewTask constructs a pending task with a fresh ID and creation timestamp.
func NewTask(kind TaskKind, platform Platform, userID, brandID int64, payload map[string]any) *Task {
	return &Task{
		ID:        NewTaskID(),
		Kind:      kind,
		Platform:  platform,
		UserID:    userID,
		BrandID:   brandID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Status:    TaskPending,
	}
}

// NewTaskID returns a lexicographically sortable unique task id.
func NewTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// Validate checks the structural invariants of a task record.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("op=domain.Task.Validate: missing id: %w", ErrInvalidArgument)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("op=domain.Task.Validate: unknown kind %q: %w", t.Kind, ErrInvalidArgument)
	}
	if t.Platform != "" && !t.Platform.Valid() {
		return fmt.Errorf("op=domain.Task.Validate: unknown platform %q: %w", t.Platform, ErrInvalidArgument)
	}
	if t.Retries < 0 {
		return fmt.Errorf("op=domain.Task.Validate: negative retries: %w", ErrInvalidArgument)
	}
	return nil
}

// Advance moves the task to next, enforcing the monotonic-status invariant.
func (t *Task) Advance(next TaskStatus) error {
	if !t.Status.CanAdvance(next) {
		return fmt.Errorf("op=domain.Task.Advance: %s -> %s: %w", t.Status, next, ErrConflict)
	}
	t.Status = next
	return nil
}

// Clone returns a deep-enough copy for handoff across goroutine boundaries.
// Payload and Result maps are copied one level deep; nested values are
// re-serialized at every queue boundary anyway.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// MarshalBinary implements encoding.BinaryMarshaler so tasks can be handed
// to the Redis client directly.
func (t *Task) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Task) UnmarshalBinary(b []byte) error {
	return json.Unmarshal(b, t)
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
