package gpuworker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xjanova/postx-agent/internal/gpuworker/gpumon"
)

func newTestAPI() *API {
	pipelines := map[string]Pipeline{
		ModelTypeImage: &StubPipeline{Kind: ModelTypeImage},
		ModelTypeVideo: &StubPipeline{Kind: ModelTypeVideo},
	}
	return NewAPI("worker-1", gpumon.NewFake(2, 24), pipelines, NewTracker())
}

func TestAPI_Status(t *testing.T) {
	srv := httptest.NewServer(newTestAPI().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "worker-1", body["worker_id"])
	require.Equal(t, "online", body["status"])
	require.EqualValues(t, 2, body["gpu_count"])
	require.EqualValues(t, 48, body["total_vram_gb"])
	require.Contains(t, body, "uptime_seconds")
	require.Contains(t, body, "tasks_completed")
}

func TestAPI_GenerateImageAndPoll(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate/image", "application/json",
		strings.NewReader(`{"prompt":"a cat","batch_size":2,"seed":7}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.Equal(t, StatePending, accepted.Status)
	require.NotEmpty(t, accepted.TaskID)

	require.Eventually(t, func() bool {
		st, ok := api.tracker.Get(accepted.TaskID)
		return ok && st.Status == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	taskResp, err := http.Get(srv.URL + "/task/" + accepted.TaskID)
	require.NoError(t, err)
	defer func() { _ = taskResp.Body.Close() }()
	var st TaskState
	require.NoError(t, json.NewDecoder(taskResp.Body).Decode(&st))
	require.Equal(t, StateCompleted, st.Status)
	require.Len(t, st.Result.Images, 2)
	require.EqualValues(t, 7, st.Result.Seed)
}

func TestAPI_GenerateUnknownKind(t *testing.T) {
	srv := httptest.NewServer(newTestAPI().Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate/audio", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_TaskNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestAPI().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/task/nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CancelPendingTask(t *testing.T) {
	api := newTestAPI()
	api.tracker.Add("t1", ModelTypeImage)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/task/t1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusConflict, resp2.StatusCode, "second cancel conflicts")
}

func TestAPI_ModelLoadUnload(t *testing.T) {
	api := newTestAPI()
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/model/load", "application/json",
		strings.NewReader(`{"model_id":"stabilityai/sdxl-turbo","model_type":"image"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stubPipe := api.pipelines[ModelTypeImage].(*StubPipeline)
	require.Equal(t, "stabilityai/sdxl-turbo", stubPipe.Loaded())

	resp2, err := http.Post(srv.URL+"/model/unload", "application/json",
		strings.NewReader(`{"model_id":"stabilityai/sdxl-turbo","model_type":"image"}`))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Empty(t, stubPipe.Loaded())

	// validation: missing fields
	resp3, err := http.Post(srv.URL+"/model/load", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestStubPipeline_Video(t *testing.T) {
	p := &StubPipeline{Kind: ModelTypeVideo}
	res, err := p.Generate(t.Context(), Request{Prompt: "x", NumFrames: 4, FPS: 12})
	require.NoError(t, err)
	require.Len(t, res.Frames, 4)
	require.Equal(t, 12, res.FPS)
	require.Empty(t, res.Images)
}
