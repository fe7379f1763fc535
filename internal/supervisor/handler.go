package supervisor

import (
	"fmt"
	"time"

	"github.com/xjanova/postx-agent/internal/adapter/ai"
	"github.com/xjanova/postx-agent/internal/adapter/platform"
	"github.com/xjanova/postx-agent/internal/domain"
)

// Handler executes one task and returns its result payload. Implementations
// must be safe for concurrent use; every worker slot shares one handler.
type Handler interface {
	Handle(ctx domain.Context, t *domain.Task) (map[string]any, error)
}

// PoolDispatcher (port) hands GPU-bound generation work to the pool tier.
type PoolDispatcher interface {
	Generate(ctx domain.Context, jobType string, request map[string]any, priority int) (map[string]any, error)
}

// ScheduleFunc defers a task submission to the target instant. Implemented by
// the scheduler service.
type ScheduleFunc func(t *domain.Task, at time.Time) error

// TaskRunner is the default handler: platform adapters for social-API kinds,
// the provider selector for text/image generation, and the pool for video.
type TaskRunner struct {
	Adapters *platform.Registry
	AI       *ai.Selector
	Pool     PoolDispatcher
	Schedule ScheduleFunc
}

// Handle dispatches a task by kind.
func (r *TaskRunner) Handle(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	switch t.Kind {
	case domain.KindGenerateContent:
		return r.generateContent(ctx, t)
	case domain.KindGenerateImage:
		return r.generateImage(ctx, t)
	case domain.KindGenerateVideo:
		return r.generateVideo(ctx, t)
	case domain.KindPostContent:
		return r.postContent(ctx, t)
	case domain.KindSchedulePost:
		return r.schedulePost(t)
	case domain.KindAnalyzeMetrics:
		return r.analyzeMetrics(ctx, t)
	case domain.KindMonitorEngagement:
		return r.monitorEngagement(ctx, t)
	}
	return nil, fmt.Errorf("op=supervisor.Handle: unknown kind %q: %w", t.Kind, domain.ErrInvalidArgument)
}

func payloadString(t *domain.Task, key string) string {
	v, _ := t.Payload[key].(string)
	return v
}

func (r *TaskRunner) generateContent(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	opts := map[string]any{
		"platform":     string(t.Platform),
		"brand_info":   t.Payload["brand_info"],
		"content_type": t.Payload["content_type"],
		"language":     t.Payload["language"],
	}
	out, err := r.AI.GenerateText(ctx, payloadString(t, "prompt"), opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"text":     out.Text,
		"hashtags": out.Hashtags,
		"provider": out.Provider,
	}, nil
}

func (r *TaskRunner) generateImage(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	opts := map[string]any{
		"style": t.Payload["style"],
		"size":  t.Payload["size"],
	}
	out, err := r.AI.GenerateImage(ctx, payloadString(t, "prompt"), opts)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"provider": out.Provider}
	if out.URL != "" {
		res["image_url"] = out.URL
	}
	if out.Base64 != "" {
		res["image_base64"] = out.Base64
	}
	return res, nil
}

func (r *TaskRunner) generateVideo(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	if r.Pool == nil {
		return nil, fmt.Errorf("op=supervisor.generateVideo: pool not configured: %w", domain.ErrInternal)
	}
	return r.Pool.Generate(ctx, "video", t.Payload, t.Priority)
}

func contentFromPayload(t *domain.Task) domain.PostContent {
	c := domain.PostContent{
		Text: payloadString(t, "text"),
		Link: payloadString(t, "link"),
	}
	if tags, ok := t.Payload["hashtags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				c.Hashtags = append(c.Hashtags, s)
			}
		}
	}
	if imgs, ok := t.Payload["images"].([]any); ok {
		for _, img := range imgs {
			if s, ok := img.(string); ok {
				c.Images = append(c.Images, s)
			}
		}
	}
	return c
}

func (r *TaskRunner) postContent(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	adapter, err := r.Adapters.For(t.Platform)
	if err != nil {
		return nil, err
	}
	postID, err := adapter.Post(ctx, contentFromPayload(t))
	if err != nil {
		return nil, err
	}
	return map[string]any{"post_id": postID, "platform": string(t.Platform)}, nil
}

func (r *TaskRunner) schedulePost(t *domain.Task) (map[string]any, error) {
	if r.Schedule == nil {
		return nil, fmt.Errorf("op=supervisor.schedulePost: scheduler not configured: %w", domain.ErrInternal)
	}
	raw := payloadString(t, "scheduled_at")
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("op=supervisor.schedulePost: bad scheduled_at %q: %w", raw, domain.ErrInvalidArgument)
	}
	deferred := t.Clone()
	deferred.ID = domain.NewTaskID()
	deferred.Kind = domain.KindPostContent
	deferred.Status = domain.TaskPending
	deferred.Retries = 0
	delete(deferred.Payload, "scheduled_at")
	if err := r.Schedule(deferred, at); err != nil {
		return nil, err
	}
	return map[string]any{
		"scheduled": true,
		"fire_at":   at.UTC().Format(time.RFC3339),
		"post_task": deferred.ID,
	}, nil
}

func (r *TaskRunner) analyzeMetrics(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	adapter, err := r.Adapters.For(t.Platform)
	if err != nil {
		return nil, err
	}
	var ids []string
	if raw, ok := t.Payload["post_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	metrics := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		m, err := adapter.Metrics(ctx, id)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, map[string]any{
			"post_id":         m.PostID,
			"likes":           m.Likes,
			"comments":        m.Comments,
			"shares":          m.Shares,
			"views":           m.Views,
			"engagement_rate": m.EngagementRate,
		})
	}
	return map[string]any{"metrics": metrics, "platform": string(t.Platform)}, nil
}

func (r *TaskRunner) monitorEngagement(ctx domain.Context, t *domain.Task) (map[string]any, error) {
	if _, err := r.Adapters.For(t.Platform); err != nil {
		return nil, err
	}
	timeRange := payloadString(t, "time_range")
	if timeRange == "" {
		timeRange = "24h"
	}
	// The summary is zero-valued: no post metrics are collected here. Per-post
	// metrics come from analyze_metrics for explicit post ids.
	return map[string]any{
		"summary": map[string]any{
			"total_posts":      0,
			"total_engagement": 0,
			"time_range":       timeRange,
			"platform":         string(t.Platform),
		},
	}, nil
}
