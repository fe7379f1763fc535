// Package protocol defines the framed JSON messages carried over the worker
// control channel. Every frame is one JSON object whose "type" field selects
// the variant; unknown fields are ignored so the two sides can evolve
// independently.
package protocol

import "time"

// Type selects the frame variant.
type Type string

// Frame types.
const (
	TypeRegister    Type = "register"
	TypeStatus      Type = "status"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeTask        Type = "task"
	TypeTaskStatus  Type = "task_status"
	TypeTaskResult  Type = "task_result"
	TypeCancel      Type = "cancel"
	TypeLoadModel   Type = "load_model"
	TypeUnloadModel Type = "unload_model"
)

// GPUStatus describes one GPU in a status or register frame.
type GPUStatus struct {
	ID           int     `json:"id"`
	Name         string  `json:"name,omitempty"`
	Utilization  float64 `json:"utilization,omitempty"`
	MemoryUsedGB float64 `json:"memory_used_gb,omitempty"`
	MemoryFreeGB float64 `json:"memory_free_gb,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	PowerDraw    float64 `json:"power_draw,omitempty"`
}

// Frame is the wire form of every control-channel message. Fields are
// populated per type; the rest stay empty.
type Frame struct {
	Type Type `json:"type"`

	// register / status
	WorkerID        string      `json:"worker_id,omitempty"`
	WorkerName      string      `json:"worker_name,omitempty"`
	APIPort         int         `json:"api_port,omitempty"`
	GPUCount        int         `json:"gpu_count,omitempty"`
	TotalVRAMGB     float64     `json:"total_vram_gb,omitempty"`
	FreeVRAMGB      float64     `json:"free_vram_gb,omitempty"`
	GPUs            []GPUStatus `json:"gpus,omitempty"`
	SupportedModels []string    `json:"supported_models,omitempty"`
	ComputePower    float64     `json:"compute_power,omitempty"`
	CurrentTask     string      `json:"current_task,omitempty"`

	// task / task_status / task_result / cancel
	TaskID   string         `json:"task_id,omitempty"`
	TaskType string         `json:"task_type,omitempty"`
	Request  map[string]any `json:"request,omitempty"`
	Status   string         `json:"status,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`

	// load_model / unload_model
	ModelID   string `json:"model_id,omitempty"`
	ModelType string `json:"model_type,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`
}
