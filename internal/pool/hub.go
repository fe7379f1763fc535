package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/pool/protocol"
)

// wsConn serializes writes to one worker connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// Hub terminates the /ws/worker control channels: it registers nodes from
// their first frame, feeds heartbeats into the registry, routes task_result
// frames to the distributor, and implements the dispatch transport.
type Hub struct {
	registry *Registry
	dist     *Distributor
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewHub constructs a hub over the registry and distributor.
func NewHub(reg *Registry, dist *Distributor) *Hub {
	return &Hub{
		registry: reg,
		dist:     dist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// AttachDistributor wires the distributor after construction; the hub and
// distributor reference each other.
func (h *Hub) AttachDistributor(d *Distributor) { h.dist = d }

// ServeWS upgrades the request and runs the per-worker read loop. The first
// frame must be a register.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	var reg protocol.Frame
	if err := conn.ReadJSON(&reg); err != nil {
		slog.Warn("control channel closed before registration", slog.Any("error", err))
		return
	}
	if reg.Type != protocol.TypeRegister || reg.WorkerID == "" {
		slog.Warn("first control frame is not a valid register",
			slog.String("type", string(reg.Type)))
		return
	}

	host := requestHost(r)
	h.registry.Register(&WorkerNode{
		ID:              reg.WorkerID,
		Name:            reg.WorkerName,
		Host:            host,
		Port:            reg.APIPort,
		GPUCount:        reg.GPUCount,
		TotalVRAMGB:     reg.TotalVRAMGB,
		FreeVRAMGB:      reg.FreeVRAMGB,
		ComputePower:    reg.ComputePower,
		SupportedModels: reg.SupportedModels,
		Status:          WorkerOnline,
	})

	wc := &wsConn{conn: conn}
	h.mu.Lock()
	h.conns[reg.WorkerID] = wc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[reg.WorkerID] == wc {
			delete(h.conns, reg.WorkerID)
		}
		h.mu.Unlock()
	}()

	slog.Info("control channel established", slog.String("worker_id", reg.WorkerID))
	h.readLoop(reg.WorkerID, wc)
}

func requestHost(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func (h *Hub) readLoop(workerID string, wc *wsConn) {
	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("control channel lost",
					slog.String("worker_id", workerID), slog.Any("error", err))
			} else {
				slog.Info("control channel closed", slog.String("worker_id", workerID))
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("dropping malformed control frame",
				slog.String("worker_id", workerID), slog.Any("error", err))
			continue
		}
		h.handleFrame(workerID, wc, f)
	}
}

// handleFrame processes one inbound control frame. Malformed frames are
// dropped without closing the channel.
func (h *Hub) handleFrame(workerID string, wc *wsConn, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeStatus:
		if f.WorkerID == "" {
			f.WorkerID = workerID
		}
		h.registry.Heartbeat(f)
	case protocol.TypePong:
		h.registry.Touch(workerID)
	case protocol.TypePing:
		if err := wc.writeFrame(protocol.Frame{Type: protocol.TypePong}); err != nil {
			slog.Warn("pong write failed", slog.String("worker_id", workerID), slog.Any("error", err))
		}
	case protocol.TypeTaskStatus:
		slog.Debug("task status update",
			slog.String("worker_id", workerID),
			slog.String("task_id", f.TaskID),
			slog.String("status", f.Status))
	case protocol.TypeTaskResult:
		if h.dist != nil {
			h.dist.HandleResult(workerID, f.TaskID, f.Result, f.Error)
		}
	default:
		slog.Warn("dropping unknown control frame",
			slog.String("worker_id", workerID), slog.String("type", string(f.Type)))
	}
}

// SendTask implements Transport over the control channel.
func (h *Hub) SendTask(_ context.Context, workerID string, d TaskDispatch) error {
	wc, ok := h.conn(workerID)
	if !ok {
		return fmt.Errorf("op=pool.Hub.SendTask worker=%s: no control channel: %w", workerID, domain.ErrNoWorkerAvailable)
	}
	return wc.writeFrame(protocol.Frame{
		Type:      protocol.TypeTask,
		TaskID:    d.TaskID,
		TaskType:  string(d.Type),
		Request:   d.Request,
		Timestamp: time.Now().UTC(),
	})
}

// SendCancel forwards a best-effort cancel to the worker running taskID.
func (h *Hub) SendCancel(workerID, taskID string) error {
	wc, ok := h.conn(workerID)
	if !ok {
		return fmt.Errorf("op=pool.Hub.SendCancel worker=%s: no control channel: %w", workerID, domain.ErrNoWorkerAvailable)
	}
	return wc.writeFrame(protocol.Frame{Type: protocol.TypeCancel, TaskID: taskID})
}

// SendModelCommand asks a worker to warm or evict a pipeline.
func (h *Hub) SendModelCommand(workerID string, load bool, modelID, modelType string) error {
	wc, ok := h.conn(workerID)
	if !ok {
		return fmt.Errorf("op=pool.Hub.SendModelCommand worker=%s: no control channel: %w", workerID, domain.ErrNoWorkerAvailable)
	}
	t := protocol.TypeUnloadModel
	if load {
		t = protocol.TypeLoadModel
	}
	return wc.writeFrame(protocol.Frame{Type: t, ModelID: modelID, ModelType: modelType})
}

// PingLoop sends a ping frame to every connected worker each period.
func (h *Hub) PingLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			conns := make(map[string]*wsConn, len(h.conns))
			for id, wc := range h.conns {
				conns[id] = wc
			}
			h.mu.RUnlock()
			for id, wc := range conns {
				if err := wc.writeFrame(protocol.Frame{Type: protocol.TypePing}); err != nil {
					slog.Warn("ping failed", slog.String("worker_id", id), slog.Any("error", err))
				}
			}
		}
	}
}

// Connected reports whether a worker has a live control channel.
func (h *Hub) Connected(workerID string) bool {
	_, ok := h.conn(workerID)
	return ok
}

func (h *Hub) conn(workerID string) (*wsConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	wc, ok := h.conns[workerID]
	return wc, ok
}
