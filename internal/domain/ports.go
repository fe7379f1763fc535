package domain

import "time"

// TaskQueue (port) is the durable queue shared with the external backend.
// Implementations provide Redis-list semantics: tail-push, head-pop, set.
type TaskQueue interface {
	// PushPending appends the task to tasks:<platform>:pending.
	PushPending(ctx Context, t *Task) error
	// PopPending pops one record from tasks:<platform>:pending, or
	// (nil, nil) when the key is empty.
	PopPending(ctx Context, p Platform) (*Task, error)
	// PopBackend pops one record from backend:tasks:<platform>.
	PopBackend(ctx Context, p Platform) (*Task, error)
	// PushResult publishes a finalized record to backend:results.
	PushResult(ctx Context, t *Task) error
	// SetStats stores the latest stats snapshot under orchestrator:stats.
	SetStats(ctx Context, snapshot any) error
	// Ping verifies connectivity.
	Ping(ctx Context) error
}

// PostContent is content ready for posting, produced by the generation
// kinds and consumed by post_content/schedule_post.
type PostContent struct {
	Text        string     `json:"text"`
	Images      []string   `json:"images,omitempty"`
	Videos      []string   `json:"videos,omitempty"`
	Hashtags    []string   `json:"hashtags,omitempty"`
	Mentions    []string   `json:"mentions,omitempty"`
	Link        string     `json:"link,omitempty"`
	Location    string     `json:"location,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// EngagementMetrics is the per-post metrics record returned by platform
// adapters.
type EngagementMetrics struct {
	PostID         string    `json:"post_id"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	Views          int64     `json:"views"`
	Clicks         int64     `json:"clicks"`
	Saves          int64     `json:"saves"`
	Reach          int64     `json:"reach"`
	Impressions    int64     `json:"impressions"`
	EngagementRate float64   `json:"engagement_rate"`
	RetrievedAt    time.Time `json:"retrieved_at"`
}

// PlatformAdapter (port) is the capability surface of one social platform.
// Adapter bodies are REST shims outside the scheduling core; the supervisor
// only depends on this interface.
type PlatformAdapter interface {
	Platform() Platform
	Authenticate(ctx Context, credentials map[string]string) error
	Post(ctx Context, content PostContent) (postID string, err error)
	Schedule(ctx Context, content PostContent, at time.Time) (postID string, err error)
	Metrics(ctx Context, postID string) (EngagementMetrics, error)
	Delete(ctx Context, postID string) error
	// Optimize adjusts content to platform constraints (length caps,
	// hashtag placement). Implementations must not mutate the input.
	Optimize(content PostContent) PostContent
}

// GeneratedText is the result of a text provider call.
type GeneratedText struct {
	Text       string   `json:"text"`
	Hashtags   []string `json:"hashtags,omitempty"`
	Provider   string   `json:"provider"`
	TokensUsed int64    `json:"tokens_used,omitempty"`
}

// GeneratedImage is the result of an image provider call.
type GeneratedImage struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Provider string `json:"provider"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// TextProvider (port) generates social copy from a prompt.
type TextProvider interface {
	Name() string
	GenerateText(ctx Context, prompt string, opts map[string]any) (GeneratedText, error)
}

// ImageProvider (port) generates a single image from a prompt.
type ImageProvider interface {
	Name() string
	GenerateImage(ctx Context, prompt string, opts map[string]any) (GeneratedImage, error)
}
