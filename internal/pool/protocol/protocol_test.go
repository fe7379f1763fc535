package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrame_TypeSelectsVariant(t *testing.T) {
	raw := `{"type":"task","task_id":"j1_part0","task_type":"image","request":{"prompt":"a cat","batch_size":3}}`
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	require.Equal(t, TypeTask, f.Type)
	require.Equal(t, "j1_part0", f.TaskID)
	require.Equal(t, "image", f.TaskType)
	require.EqualValues(t, 3, f.Request["batch_size"])
}

func TestFrame_RegisterRoundTrip(t *testing.T) {
	orig := Frame{
		Type:            TypeRegister,
		WorkerID:        "w1",
		WorkerName:      "node a",
		APIPort:         8000,
		GPUCount:        2,
		TotalVRAMGB:     48,
		FreeVRAMGB:      40,
		ComputePower:    2,
		SupportedModels: []string{"stabilityai/sdxl-turbo"},
		GPUs: []GPUStatus{
			{ID: 0, Name: "RTX 4090", MemoryFreeGB: 20, Temperature: 55, PowerDraw: 120},
		},
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, orig, got)
}

func TestFrame_OmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Frame{Type: TypePong})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"pong"}`, string(b))
}

func TestFrame_UnknownFieldsIgnored(t *testing.T) {
	raw := `{"type":"status","worker_id":"w1","free_vram_gb":12,"future_field":true}`
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	require.Equal(t, TypeStatus, f.Type)
	require.Equal(t, 12.0, f.FreeVRAMGB)
}
