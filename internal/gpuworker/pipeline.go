// Package gpuworker implements one remote GPU node: the control-channel
// client kept open to the pool, the local HTTP surface, and the bridge to
// the model pipelines.
package gpuworker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Model types accepted by load/unload commands and pipeline routing.
const (
	ModelTypeImage = "image"
	ModelTypeVideo = "video"
)

// Request is the generation request handed to a pipeline.
type Request struct {
	ModelID        string  `json:"model_id,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	NumFrames      int     `json:"num_frames,omitempty"`
	FPS            int     `json:"fps,omitempty"`
}

// Result is what a pipeline returns: encoded images or frames plus the seed
// and elapsed time.
type Result struct {
	Images         []string `json:"images,omitempty"`
	Frames         []string `json:"frames,omitempty"`
	Seed           int64    `json:"seed"`
	GenerationTime float64  `json:"generation_time"`
	ModelID        string   `json:"model_id,omitempty"`
	FPS            int      `json:"fps,omitempty"`
}

// Pipeline (port) wraps one generative model family. The real
// implementations shell out to the GPU model loader, which is outside the
// scheduling core.
type Pipeline interface {
	Generate(ctx context.Context, req Request) (Result, error)
	LoadModel(ctx context.Context, modelID string) error
	UnloadModel()
}

// StubPipeline is a deterministic pipeline for dev and tests.
type StubPipeline struct {
	// Kind is image or video and shapes the result.
	Kind string
	// Delay simulates generation time.
	Delay time.Duration
	// Fail forces every Generate to return the configured error.
	Fail error

	mu     sync.Mutex
	loaded string
}

// Generate implements Pipeline.
func (p *StubPipeline) Generate(ctx context.Context, req Request) (Result, error) {
	if p.Fail != nil {
		return Result{}, p.Fail
	}
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	start := time.Now()
	batch := req.BatchSize
	if batch <= 0 {
		batch = 1
	}
	seed := req.Seed
	if seed == 0 {
		seed = 42
	}
	res := Result{
		Seed:           seed,
		GenerationTime: time.Since(start).Seconds() + p.Delay.Seconds(),
		ModelID:        req.ModelID,
	}
	if p.Kind == ModelTypeVideo {
		frames := req.NumFrames
		if frames <= 0 {
			frames = 16
		}
		for i := 0; i < frames; i++ {
			res.Frames = append(res.Frames, fmt.Sprintf("frame-%d", i))
		}
		res.FPS = req.FPS
		if res.FPS <= 0 {
			res.FPS = 8
		}
		return res, nil
	}
	for i := 0; i < batch; i++ {
		res.Images = append(res.Images, fmt.Sprintf("image-%d-seed-%d", i, seed))
	}
	return res, nil
}

// LoadModel implements Pipeline.
func (p *StubPipeline) LoadModel(_ context.Context, modelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = modelID
	return nil
}

// UnloadModel implements Pipeline.
func (p *StubPipeline) UnloadModel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = ""
}

// Loaded returns the currently warm model id.
func (p *StubPipeline) Loaded() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}
