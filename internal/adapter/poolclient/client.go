// Package poolclient dispatches GPU-bound generation work from the manager
// to the pool tier over its HTTP surface.
package poolclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xjanova/postx-agent/internal/domain"
)

// Client submits jobs to the pool and polls for their resolution.
type Client struct {
	baseURL string
	client  *http.Client
	// PollInterval paces job-status polling.
	PollInterval time.Duration
}

// New constructs a pool client. An empty baseURL disables the client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: time.Second,
	}
}

// Enabled reports whether a pool endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type jobView struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// Generate implements the supervisor's PoolDispatcher port: submit the job,
// then poll until it resolves or ctx expires.
func (c *Client) Generate(ctx domain.Context, jobType string, request map[string]any, priority int) (map[string]any, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("op=poolclient.Generate: pool not configured: %w", domain.ErrInternal)
	}
	body, err := json.Marshal(map[string]any{
		"type":     jobType,
		"request":  request,
		"priority": priority,
		"mode":     "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("op=poolclient.Generate: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=poolclient.Generate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=poolclient.Generate: %w: %w", domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("op=poolclient.Generate: submit status %d: %w", resp.StatusCode, domain.ErrUpstreamTimeout)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("op=poolclient.Generate: decode: %w", err)
	}

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=poolclient.Generate: %w: %w", domain.ErrUpstreamTimeout, ctx.Err())
		case <-ticker.C:
		}
		jv, err := c.getJob(ctx, accepted.JobID)
		if err != nil {
			return nil, err
		}
		switch jv.Status {
		case "completed":
			return jv.Result, nil
		case "failed":
			return nil, fmt.Errorf("op=poolclient.Generate: job failed: %s", jv.Error)
		case "cancelled":
			return nil, fmt.Errorf("op=poolclient.Generate: job cancelled: %w", domain.ErrConflict)
		}
	}
}

func (c *Client) getJob(ctx domain.Context, id string) (jobView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+id, nil)
	if err != nil {
		return jobView{}, fmt.Errorf("op=poolclient.getJob: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return jobView{}, fmt.Errorf("op=poolclient.getJob: %w: %w", domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return jobView{}, fmt.Errorf("op=poolclient.getJob: status %d: %w", resp.StatusCode, domain.ErrUpstreamTimeout)
	}
	var jv jobView
	if err := json.NewDecoder(resp.Body).Decode(&jv); err != nil {
		return jobView{}, fmt.Errorf("op=poolclient.getJob: decode: %w", err)
	}
	return jv, nil
}
