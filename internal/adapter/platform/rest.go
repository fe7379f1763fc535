package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/xjanova/postx-agent/internal/domain"
)

// doPost publishes content against the platform endpoint. With no base URL
// configured (dev/test), the shim echoes a synthetic post id so the
// scheduling core can be exercised end to end without network access.
func (a *restAdapter) doPost(ctx domain.Context, content domain.PostContent) (string, error) {
	if a.baseURL == "" {
		return string(a.platform) + "-" + uuid.NewString(), nil
	}
	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("op=platform.doPost platform=%s: %w", a.platform, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/posts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=platform.doPost platform=%s: %w", a.platform, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=platform.doPost platform=%s: %w: %w", a.platform, domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := mapStatus(a.platform, resp.StatusCode); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=platform.doPost platform=%s: decode: %w", a.platform, err)
	}
	return out.ID, nil
}

func (a *restAdapter) doMetrics(ctx domain.Context, postID string) (domain.EngagementMetrics, error) {
	if a.baseURL == "" {
		return domain.EngagementMetrics{PostID: postID, RetrievedAt: time.Now().UTC()}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/posts/"+postID+"/metrics", nil)
	if err != nil {
		return domain.EngagementMetrics{}, fmt.Errorf("op=platform.doMetrics platform=%s: %w", a.platform, err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return domain.EngagementMetrics{}, fmt.Errorf("op=platform.doMetrics platform=%s: %w: %w", a.platform, domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := mapStatus(a.platform, resp.StatusCode); err != nil {
		return domain.EngagementMetrics{}, err
	}
	var m domain.EngagementMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return domain.EngagementMetrics{}, fmt.Errorf("op=platform.doMetrics platform=%s: decode: %w", a.platform, err)
	}
	m.PostID = postID
	if m.RetrievedAt.IsZero() {
		m.RetrievedAt = time.Now().UTC()
	}
	return m, nil
}

func (a *restAdapter) doDelete(ctx domain.Context, postID string) error {
	if a.baseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/posts/"+postID, nil)
	if err != nil {
		return fmt.Errorf("op=platform.doDelete platform=%s: %w", a.platform, err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("op=platform.doDelete platform=%s: %w: %w", a.platform, domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return mapStatus(a.platform, resp.StatusCode)
}

// mapStatus converts HTTP status codes to the core error taxonomy: 5xx and
// 429 are transient, other 4xx are permanent.
func mapStatus(p domain.Platform, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("op=platform.mapStatus platform=%s status=%d: %w", p, code, domain.ErrUpstreamRateLimit)
	case code >= 500:
		return fmt.Errorf("op=platform.mapStatus platform=%s status=%d: %w", p, code, domain.ErrUpstreamTimeout)
	default:
		return fmt.Errorf("op=platform.mapStatus platform=%s status=%d: %w", p, code, domain.ErrProviderPermanent)
	}
}
