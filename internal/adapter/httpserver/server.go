// Package httpserver exposes the manager's operations over HTTP: task
// submission, status, cancellation, and the stats snapshot.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xjanova/postx-agent/internal/domain"
	"github.com/xjanova/postx-agent/internal/supervisor"
)

// Server holds the handler dependencies.
type Server struct {
	Sup      *supervisor.Supervisor
	Queue    domain.TaskQueue
	validate *validator.Validate
}

// New constructs the manager HTTP server.
func New(sup *supervisor.Supervisor, queue domain.TaskQueue) *Server {
	return &Server{Sup: sup, Queue: queue, validate: validator.New()}
}

type submitTaskRequest struct {
	ID       string         `json:"id"`
	Type     string         `json:"type" validate:"required"`
	Platform string         `json:"platform" validate:"required"`
	UserID   int64          `json:"user_id"`
	BrandID  int64          `json:"brand_id"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	Timeout  int64          `json:"timeout_seconds" validate:"omitempty,min=0"`
}

// SubmitHandler accepts a task and enqueues it durably before replying.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t := domain.NewTask(domain.TaskKind(req.Type), domain.Platform(req.Platform), req.UserID, req.BrandID, req.Payload)
		if req.ID != "" {
			t.ID = req.ID
		}
		t.Priority = req.Priority
		if req.Timeout > 0 {
			t.Timeout = time.Duration(req.Timeout) * time.Second
		}
		if err := s.Sup.Submit(r.Context(), t); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, domain.ErrInvalidArgument):
				status = http.StatusBadRequest
			case errors.Is(err, domain.ErrConflict):
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": t.ID, "status": t.Status})
	}
}

// TaskHandler returns the tracked record for a task id.
func (s *Server) TaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.Sup.GetTask(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// CancelHandler cancels a pending or queued task.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.Sup.Cancel(r.Context(), id) {
			writeError(w, http.StatusConflict, "task not cancellable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": domain.TaskCancelled})
	}
}

// StatsHandler returns the orchestrator stats snapshot.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Sup.Snapshot())
	}
}

// HealthzHandler reports liveness including queue connectivity.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Queue.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "queue": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
