package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xjanova/postx-agent/internal/pool/protocol"
)

func node(id string, power, freeVRAM float64) *WorkerNode {
	return &WorkerNode{
		ID:           id,
		Host:         "127.0.0.1",
		Port:         8000,
		GPUCount:     1,
		TotalVRAMGB:  24,
		FreeVRAMGB:   freeVRAM,
		Status:       WorkerOnline,
		ComputePower: power,
	}
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 2, 24))
	r.Register(node("w1", 3, 16))
	require.Equal(t, 1, r.Size(), "re-registration must not grow the registry")

	got, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, 3.0, got.ComputePower, "re-registration updates capabilities")
	require.Equal(t, 16.0, got.FreeVRAMGB)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 1, 8))
	require.True(t, r.Unregister("w1"))
	require.False(t, r.Unregister("w1"))
	require.Equal(t, 0, r.Size())
}

func TestRegistry_AvailableExcludesBusyAndOffline(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 1, 8))
	r.Register(node("w2", 1, 8))
	r.Register(node("w3", 1, 8))

	r.SetCurrentTask("w2", "j1")
	r.MarkError("w3")

	avail := r.Available()
	require.Len(t, avail, 1)
	require.Equal(t, "w1", avail[0].ID)
}

func TestRegistry_ClearCurrentTaskCounters(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 1, 8))
	r.SetCurrentTask("w1", "j1")

	got, _ := r.Get("w1")
	require.Equal(t, WorkerBusy, got.Status)

	r.ClearCurrentTask("w1", true)
	got, _ = r.Get("w1")
	require.Equal(t, WorkerOnline, got.Status)
	require.EqualValues(t, 1, got.TasksCompleted)

	r.SetCurrentTask("w1", "j2")
	r.ClearCurrentTask("w1", false)
	got, _ = r.Get("w1")
	require.EqualValues(t, 1, got.TasksFailed)
}

func TestRegistry_StaleHeartbeatGoesOffline(t *testing.T) {
	period := 10 * time.Millisecond
	r := NewRegistry(period, time.Second)
	r.Register(node("w1", 1, 8))

	// age the heartbeat past three periods
	r.mu.Lock()
	r.nodes["w1"].LastHeartbeat = time.Now().UTC().Add(-4 * period)
	r.mu.Unlock()

	r.expireStale()
	got, _ := r.Get("w1")
	require.Equal(t, WorkerOffline, got.Status)
}

func TestRegistry_HeartbeatOverridesOffline(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	r.Register(node("w1", 1, 8))
	r.probeFailed("w1", context.DeadlineExceeded)

	got, _ := r.Get("w1")
	require.Equal(t, WorkerOffline, got.Status)

	r.Heartbeat(protocol.Frame{Type: protocol.TypeStatus, WorkerID: "w1", FreeVRAMGB: 12})
	got, _ = r.Get("w1")
	require.Equal(t, WorkerOnline, got.Status)
	require.Equal(t, 12.0, got.FreeVRAMGB)
}

func TestRegistry_ProbeUpdatesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"worker_id":"w1","status":"online","gpu_count":2,"total_vram_gb":48,"free_vram_gb":40,"current_task":"","tasks_completed":7,"tasks_failed":1}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())

	r := NewRegistry(time.Second, time.Second)
	r.Register(&WorkerNode{ID: "w1", Host: u.Hostname(), Port: port, Status: WorkerOffline, ComputePower: 1})

	r.probe(context.Background(), "w1")

	got, _ := r.Get("w1")
	require.Equal(t, WorkerOnline, got.Status)
	require.Equal(t, 2, got.GPUCount)
	require.Equal(t, 48.0, got.TotalVRAMGB)
	require.Equal(t, 40.0, got.FreeVRAMGB)
	require.EqualValues(t, 7, got.TasksCompleted)
}

func TestRegistry_ProbeFailureGoesOffline(t *testing.T) {
	// seed scenario: sever the node; within one probe period the status
	// flips offline (TestRegistry_ProbeUpdatesFields covers a successful
	// probe bringing an offline node back online)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"worker_id":"w1","gpu_count":1,"free_vram_gb":8}`))
	}))

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	r := NewRegistry(50*time.Millisecond, 200*time.Millisecond)
	r.Register(&WorkerNode{ID: "w1", Host: u.Hostname(), Port: port, ComputePower: 1})

	srv.Close()
	r.ProbeAll(context.Background())
	got, _ := r.Get("w1")
	require.Equal(t, WorkerOffline, got.Status)
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(time.Second, time.Second)
	a := node("w1", 2, 10)
	a.GPUCount = 2
	r.Register(a)
	r.Register(node("w2", 1, 6))
	r.SetCurrentTask("w2", "j1")

	st := r.Stats()
	require.Equal(t, 2, st.TotalWorkers)
	require.Equal(t, 1, st.OnlineWorkers)
	require.Equal(t, 1, st.BusyWorkers)
	require.Equal(t, 3, st.TotalGPUs)
	require.Equal(t, 10.0, st.FreeVRAMGB)
	require.Equal(t, 2.0, st.TotalComputePower)
}
