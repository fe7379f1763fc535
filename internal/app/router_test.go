package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xjanova/postx-agent/internal/adapter/httpserver"
	"github.com/xjanova/postx-agent/internal/adapter/queue/redisq"
	"github.com/xjanova/postx-agent/internal/config"
	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/supervisor"
)

type okHandler struct{}

func (okHandler) Handle(_ domain.Context, _ *domain.Task) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func newManagerServer(t *testing.T) (*httptest.Server, *supervisor.Supervisor) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := redisq.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	sup := supervisor.New(q, okHandler{}, supervisor.Options{
		Slots:          9,
		QueuePoll:      10 * time.Millisecond,
		RetryDelayBase: time.Millisecond,
		StatsInterval:  time.Hour,
		JoinTimeout:    2 * time.Second,
	})
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	cfg, err := config.Load()
	require.NoError(t, err)
	srv := httptest.NewServer(BuildRouter(cfg, httpserver.New(sup, q)))
	t.Cleanup(srv.Close)
	return srv, sup
}

func TestRouter_SubmitAndFetchTask(t *testing.T) {
	srv, sup := newManagerServer(t)

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json",
		strings.NewReader(`{"type":"generate_content","platform":"twitter","user_id":1,"brand_id":2,"payload":{"prompt":"hi"}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.TaskID)

	_, ok := sup.GetTask(accepted.TaskID)
	require.True(t, ok)

	getResp, err := http.Get(srv.URL + "/v1/tasks/" + accepted.TaskID)
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestRouter_SubmitValidation(t *testing.T) {
	srv, _ := newManagerServer(t)

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json",
		strings.NewReader(`{"type":"generate_content"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/v1/tasks", "application/json",
		strings.NewReader(`{"type":"explode","platform":"twitter"}`))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRouter_StatsAndHealth(t *testing.T) {
	srv, _ := newManagerServer(t)

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st supervisor.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Positive(t, st.TotalWorkers)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRouter_CancelUnknownTask(t *testing.T) {
	srv, _ := newManagerServer(t)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/tasks/ghost", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestParseOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, ParseOrigins(""))
	require.Equal(t, []string{"*"}, ParseOrigins("*"))
	require.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
}
