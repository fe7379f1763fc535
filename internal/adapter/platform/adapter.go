// Package platform constructs the per-platform posting adapters consumed by
// supervisor worker slots. Adapter bodies are thin REST shims; the scheduling
// core depends only on the domain.PlatformAdapter capability interface.
package platform

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/service/ratelimiter"
)

// restAdapter is the shared REST shim behind every platform adapter. The
// concrete per-platform behavior lives in the limits struct and the remote
// API base URL; everything else is common plumbing.
type restAdapter struct {
	platform domain.Platform
	baseURL  string
	client   *http.Client
	limiter  ratelimiter.Limiter
	limits   contentLimits
	token    string
}

// contentLimits captures per-platform content constraints applied by Optimize.
type contentLimits struct {
	maxTextLen  int
	maxHashtags int
	// hashtagsInline appends hashtags to the text body instead of a
	// separate field (Twitter/Threads style).
	hashtagsInline bool
}

func (a *restAdapter) Platform() domain.Platform { return a.platform }

func (a *restAdapter) rateKey() string { return "platform:" + string(a.platform) }

// gate blocks the call when the cross-slot bucket is exhausted.
func (a *restAdapter) gate(ctx domain.Context) error {
	if a.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := a.limiter.Allow(ctx, a.rateKey(), 1)
	if err != nil {
		// limiter fails open; the error is already logged
		return nil
	}
	if !allowed {
		return fmt.Errorf("op=platform.gate platform=%s retry_after=%s: %w",
			a.platform, retryAfter.Round(time.Millisecond), domain.ErrRateLimited)
	}
	return nil
}

// Authenticate implements domain.PlatformAdapter.
func (a *restAdapter) Authenticate(ctx domain.Context, credentials map[string]string) error {
	if err := a.gate(ctx); err != nil {
		return err
	}
	token, ok := credentials["access_token"]
	if !ok || token == "" {
		return fmt.Errorf("op=platform.Authenticate platform=%s: missing access_token: %w",
			a.platform, domain.ErrProviderPermanent)
	}
	a.token = token
	return nil
}

// Post implements domain.PlatformAdapter. The REST body is out of core scope;
// this shim performs the gating, optimization, and error mapping the core
// depends on, then hands off to the platform endpoint.
func (a *restAdapter) Post(ctx domain.Context, content domain.PostContent) (string, error) {
	if err := a.gate(ctx); err != nil {
		return "", err
	}
	optimized := a.Optimize(content)
	if strings.TrimSpace(optimized.Text) == "" && len(optimized.Images) == 0 && len(optimized.Videos) == 0 {
		return "", fmt.Errorf("op=platform.Post platform=%s: empty content: %w", a.platform, domain.ErrInvalidArgument)
	}
	return a.doPost(ctx, optimized)
}

// Schedule implements domain.PlatformAdapter. Platforms without native
// scheduling are handled by the manager's timer service; adapters only see
// immediate posts carrying the scheduled timestamp as metadata.
func (a *restAdapter) Schedule(ctx domain.Context, content domain.PostContent, at time.Time) (string, error) {
	content.ScheduledAt = &at
	return a.Post(ctx, content)
}

// Metrics implements domain.PlatformAdapter.
func (a *restAdapter) Metrics(ctx domain.Context, postID string) (domain.EngagementMetrics, error) {
	if err := a.gate(ctx); err != nil {
		return domain.EngagementMetrics{}, err
	}
	if postID == "" {
		return domain.EngagementMetrics{}, fmt.Errorf("op=platform.Metrics platform=%s: missing post id: %w",
			a.platform, domain.ErrInvalidArgument)
	}
	return a.doMetrics(ctx, postID)
}

// Delete implements domain.PlatformAdapter.
func (a *restAdapter) Delete(ctx domain.Context, postID string) error {
	if err := a.gate(ctx); err != nil {
		return err
	}
	return a.doDelete(ctx, postID)
}

// Optimize applies platform content limits without mutating the input.
func (a *restAdapter) Optimize(content domain.PostContent) domain.PostContent {
	out := content
	out.Hashtags = append([]string(nil), content.Hashtags...)
	if a.limits.maxHashtags > 0 && len(out.Hashtags) > a.limits.maxHashtags {
		out.Hashtags = out.Hashtags[:a.limits.maxHashtags]
	}
	if a.limits.hashtagsInline && len(out.Hashtags) > 0 {
		out.Text = strings.TrimSpace(out.Text + "\n\n" + FormatHashtags(out.Hashtags))
		out.Hashtags = nil
	}
	if a.limits.maxTextLen > 0 && len([]rune(out.Text)) > a.limits.maxTextLen {
		r := []rune(out.Text)
		out.Text = string(r[:a.limits.maxTextLen])
	}
	return out
}

// FormatHashtags renders tags as a space-separated #tag list.
func FormatHashtags(tags []string) string {
	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
		if tag != "" {
			parts = append(parts, "#"+tag)
		}
	}
	return strings.Join(parts, " ")
}
