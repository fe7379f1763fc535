// Package pool implements the GPU pool tier: the worker registry with
// heartbeat-driven state, the priority queue of pending jobs, and the task
// distributor with its parallel and combined modes.
package pool

import (
	"fmt"
	"time"
)

// WorkerStatus is the health state of one pool node.
type WorkerStatus string

// Worker status values.
const (
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// WorkerNode is one remote GPU worker in the pool.
type WorkerNode struct {
	ID              string       `json:"id"`
	Name            string       `json:"name,omitempty"`
	Host            string       `json:"host"`
	Port            int          `json:"port"`
	GPUCount        int          `json:"gpu_count"`
	TotalVRAMGB     float64      `json:"total_vram_gb"`
	FreeVRAMGB      float64      `json:"free_vram_gb"`
	Status          WorkerStatus `json:"status"`
	CurrentTask     string       `json:"current_task,omitempty"`
	TasksCompleted  int64        `json:"tasks_completed"`
	TasksFailed     int64        `json:"tasks_failed"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	ComputePower    float64      `json:"compute_power"`
	SupportedModels []string     `json:"supported_models,omitempty"`
}

// URL returns the node's HTTP base URL.
func (n *WorkerNode) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// Available reports whether the node can accept a new task.
func (n *WorkerNode) Available() bool {
	return n.Status == WorkerOnline && n.CurrentTask == ""
}

// clone returns a snapshot safe to hand outside the registry lock.
func (n *WorkerNode) clone() *WorkerNode {
	c := *n
	c.SupportedModels = append([]string(nil), n.SupportedModels...)
	return &c
}
