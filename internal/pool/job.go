package pool

import (
	"fmt"
	"sync"
	"time"
)

// Mode selects how a job is spread over the pool.
type Mode string

// Distribution modes.
const (
	ModeParallel Mode = "parallel"
	ModeCombined Mode = "combined"
	ModeAuto     Mode = "auto"
)

// JobType tags a job as image or video generation.
type JobType string

// Job types.
const (
	JobImage JobType = "image"
	JobVideo JobType = "video"
)

// JobStatus is the lifecycle state of a distributed job or subtask.
type JobStatus string

// Job status values.
const (
	JobPending     JobStatus = "pending"
	JobQueued      JobStatus = "queued"
	JobDistributed JobStatus = "distributed"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

// Terminal reports whether s forbids further mutation.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Subtask is one unit produced by batch splitting. Its parent completes only
// when every subtask resolves.
type Subtask struct {
	ID        string         `json:"id"`
	Index     int            `json:"index"`
	BatchSize int            `json:"batch_size"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Status    JobStatus      `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Job is a distributed generation job tracked by the distributor.
type Job struct {
	ID              string         `json:"id"`
	Type            JobType        `json:"type"`
	Request         map[string]any `json:"request"`
	Priority        int            `json:"priority"`
	Mode            Mode           `json:"mode"`
	Status          JobStatus      `json:"status"`
	AssignedWorkers []string       `json:"assigned_workers,omitempty"`
	Subtasks        []*Subtask     `json:"subtasks,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	FailedSubtasks  []string       `json:"failed_subtasks,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`

	callback     func(*Job)
	callbackOnce sync.Once
}

// BatchSize reads the request batch size, defaulting to 1.
func (j *Job) BatchSize() int {
	switch v := j.Request["batch_size"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

// ModelID reads the request model id.
func (j *Job) ModelID() string {
	s, _ := j.Request["model_id"].(string)
	return s
}

// requiresLargeVRAM reads the request hint forcing combined mode.
func (j *Job) requiresLargeVRAM() bool {
	b, _ := j.Request["requires_large_vram"].(bool)
	return b
}

// fireCallback invokes the completion callback exactly once.
func (j *Job) fireCallback() {
	if j.callback == nil {
		return
	}
	j.callbackOnce.Do(func() { j.callback(j) })
}

// SubtaskID derives the id of subtask index i.
func SubtaskID(jobID string, i int) string {
	return fmt.Sprintf("%s_part%d", jobID, i)
}
