package gpuworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/xjanova/postx-agent/internal/gpuworker/gpumon"
	"github.com/xjanova/postx-agent/internal/pool/protocol"
)

// ClientConfig configures the control-channel client.
type ClientConfig struct {
	WorkerID   string
	WorkerName string
	// MasterURL is the pool base URL (http(s)://...); the control channel
	// lives at /ws/worker. Empty runs the node standalone.
	MasterURL        string
	APIPort          int
	ComputePower     float64
	HeartbeatPeriod  time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SupportedModels  []string
}

func (c *ClientConfig) withDefaults() {
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.ComputePower <= 0 {
		c.ComputePower = 1.0
	}
}

// Client keeps one node reachable to the pool: register on connect, report
// status on a timer, execute dispatched jobs off the reader path, and
// reconnect with exponential backoff on channel loss.
type Client struct {
	cfg       ClientConfig
	monitor   gpumon.Monitor
	pipelines map[string]Pipeline
	tracker   *Tracker
	dialer    *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient constructs a control-channel client.
func NewClient(cfg ClientConfig, monitor gpumon.Monitor, pipelines map[string]Pipeline, tracker *Tracker) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		monitor:   monitor,
		pipelines: pipelines,
		tracker:   tracker,
		dialer:    websocket.DefaultDialer,
	}
}

// ControlURL derives the websocket endpoint from the master URL.
func (c *Client) ControlURL() string {
	u := c.cfg.MasterURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/") + "/ws/worker"
}

// Run maintains the control channel until ctx is done.
func (c *Client) Run(ctx context.Context) {
	if c.cfg.MasterURL == "" {
		slog.Info("no master configured, running standalone")
		<-ctx.Done()
		return
	}

	go c.heartbeatLoop(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitial
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // never give up
	bo.RandomizationFactor = 0.1

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.session(ctx); err != nil {
			slog.Warn("control channel error", slog.Any("error", err))
		} else {
			// clean session: reset the reconnect delay
			bo.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		delay := bo.NextBackOff()
		slog.Info("reconnecting to master", slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session dials, registers, and runs the reader loop until the channel
// drops. A nil return means the session was healthy long enough to reset
// the backoff.
func (c *Client) session(ctx context.Context) error {
	url := c.ControlURL()
	slog.Info("connecting to master", slog.String("url", url))
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("op=gpuworker.session: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.register(); err != nil {
		return err
	}
	slog.Info("registered with master", slog.String("worker_id", c.cfg.WorkerID))

	connectedAt := time.Now()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if time.Since(connectedAt) > time.Minute {
				return nil
			}
			return fmt.Errorf("op=gpuworker.session: read: %w", err)
		}
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("dropping malformed control frame", slog.Any("error", err))
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Client) register() error {
	f := protocol.Frame{
		Type:            protocol.TypeRegister,
		WorkerID:        c.cfg.WorkerID,
		WorkerName:      c.cfg.WorkerName,
		APIPort:         c.cfg.APIPort,
		GPUCount:        c.monitor.GPUCount(),
		TotalVRAMGB:     c.monitor.TotalVRAMGB(),
		FreeVRAMGB:      c.monitor.FreeVRAMGB(),
		ComputePower:    c.cfg.ComputePower,
		SupportedModels: c.cfg.SupportedModels,
		GPUs:            toProtocolGPUs(c.monitor.GPUs()),
		Timestamp:       time.Now().UTC(),
	}
	return c.writeFrame(f)
}

func toProtocolGPUs(gpus []gpumon.GPU) []protocol.GPUStatus {
	out := make([]protocol.GPUStatus, 0, len(gpus))
	for _, g := range gpus {
		out = append(out, protocol.GPUStatus{
			ID:           g.ID,
			Name:         g.Name,
			Utilization:  g.Utilization,
			MemoryUsedGB: g.MemoryUsedGB,
			MemoryFreeGB: g.MemoryFreeGB,
			Temperature:  g.Temperature,
			PowerDraw:    g.PowerDraw,
		})
	}
	return out
}

// writeFrame serializes frame writes; the reader and pipeline goroutines
// share the connection.
func (c *Client) writeFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("op=gpuworker.writeFrame: not connected")
	}
	return c.conn.WriteJSON(f)
}

// heartbeatLoop sends a status frame on its own timer, independent of the
// reader.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendStatus(); err != nil {
				slog.Debug("status frame skipped", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) sendStatus() error {
	return c.writeFrame(protocol.Frame{
		Type:        protocol.TypeStatus,
		WorkerID:    c.cfg.WorkerID,
		GPUCount:    c.monitor.GPUCount(),
		TotalVRAMGB: c.monitor.TotalVRAMGB(),
		FreeVRAMGB:  c.monitor.FreeVRAMGB(),
		GPUs:        toProtocolGPUs(c.monitor.GPUs()),
		CurrentTask: c.tracker.Current(),
		Timestamp:   time.Now().UTC(),
	})
}

// handleFrame processes one inbound frame. Pipeline execution happens off
// the reader path so the channel never blocks on generation. Malformed
// frames are dropped without closing the channel.
func (c *Client) handleFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypePing:
		if err := c.writeFrame(protocol.Frame{Type: protocol.TypePong}); err != nil {
			slog.Debug("pong write failed", slog.Any("error", err))
		}
	case protocol.TypeTask:
		go c.executeTask(ctx, f)
	case protocol.TypeCancel:
		if c.tracker.Cancel(f.TaskID) {
			slog.Info("task cancelled", slog.String("task_id", f.TaskID))
		} else {
			slog.Info("cancel requested for running task, best effort",
				slog.String("task_id", f.TaskID))
		}
	case protocol.TypeLoadModel:
		go c.loadModel(ctx, f.ModelID, f.ModelType)
	case protocol.TypeUnloadModel:
		c.unloadModel(f.ModelType)
	default:
		slog.Warn("dropping unknown control frame", slog.String("type", string(f.Type)))
	}
}

func (c *Client) pipelineFor(taskType string) (Pipeline, error) {
	if taskType == "" {
		taskType = ModelTypeImage
	}
	p, ok := c.pipelines[taskType]
	if !ok {
		return nil, fmt.Errorf("op=gpuworker.pipelineFor: unknown task type %q", taskType)
	}
	return p, nil
}

// executeTask runs one dispatched job through the pipeline and returns a
// task_result frame carrying either the result or an error string.
func (c *Client) executeTask(ctx context.Context, f protocol.Frame) {
	taskID := f.TaskID
	slog.Info("processing task",
		slog.String("task_id", taskID), slog.String("task_type", f.TaskType))

	c.tracker.Add(taskID, f.TaskType)
	if !c.tracker.Begin(taskID) {
		c.sendTaskError(taskID, "task cancelled before start")
		return
	}
	if err := c.writeFrame(protocol.Frame{
		Type:      protocol.TypeTaskStatus,
		TaskID:    taskID,
		Status:    StateProcessing,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Debug("task status write failed", slog.Any("error", err))
	}

	pipeline, err := c.pipelineFor(f.TaskType)
	if err != nil {
		c.tracker.Fail(taskID, err.Error())
		c.sendTaskError(taskID, err.Error())
		return
	}

	req, err := decodeRequest(f.Request)
	if err != nil {
		c.tracker.Fail(taskID, err.Error())
		c.sendTaskError(taskID, err.Error())
		return
	}

	res, err := pipeline.Generate(ctx, req)
	if err != nil {
		slog.Error("generation failed", slog.String("task_id", taskID), slog.Any("error", err))
		c.tracker.Fail(taskID, err.Error())
		c.sendTaskError(taskID, err.Error())
		return
	}

	c.tracker.Complete(taskID, res)
	if err := c.writeFrame(protocol.Frame{
		Type:      protocol.TypeTaskResult,
		TaskID:    taskID,
		Status:    StateCompleted,
		Result:    resultPayload(res),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Error("result write failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func (c *Client) sendTaskError(taskID, msg string) {
	if err := c.writeFrame(protocol.Frame{
		Type:      protocol.TypeTaskResult,
		TaskID:    taskID,
		Status:    StateFailed,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Error("error frame write failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func decodeRequest(m map[string]any) (Request, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Request{}, fmt.Errorf("op=gpuworker.decodeRequest: %w", err)
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("op=gpuworker.decodeRequest: %w", err)
	}
	return req, nil
}

func resultPayload(res Result) map[string]any {
	out := map[string]any{
		"seed":            res.Seed,
		"generation_time": res.GenerationTime,
	}
	if res.ModelID != "" {
		out["model_id"] = res.ModelID
	}
	if len(res.Images) > 0 {
		imgs := make([]any, len(res.Images))
		for i, s := range res.Images {
			imgs[i] = s
		}
		out["images"] = imgs
	}
	if len(res.Frames) > 0 {
		frames := make([]any, len(res.Frames))
		for i, s := range res.Frames {
			frames[i] = s
		}
		out["frames"] = frames
		out["fps"] = res.FPS
	}
	return out
}

func (c *Client) loadModel(ctx context.Context, modelID, modelType string) {
	p, err := c.pipelineFor(modelType)
	if err != nil {
		slog.Error("load model failed", slog.Any("error", err))
		return
	}
	if err := p.LoadModel(ctx, modelID); err != nil {
		slog.Error("load model failed",
			slog.String("model_id", modelID), slog.Any("error", err))
		return
	}
	slog.Info("model loaded", slog.String("model_id", modelID))
}

func (c *Client) unloadModel(modelType string) {
	p, err := c.pipelineFor(modelType)
	if err != nil {
		slog.Error("unload model failed", slog.Any("error", err))
		return
	}
	p.UnloadModel()
	slog.Info("model unloaded", slog.String("model_type", modelType))
}
