package pool

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xjanova/postx-agent/internal/adapter/observability"
	"github.com/xjanova/postx-agent/internal/domain"
)

// Server is the pool's thin HTTP surface: job submission and inspection,
// worker management, stats, and the control-channel endpoint.
type Server struct {
	registry *Registry
	dist     *Distributor
	hub      *Hub
	validate *validator.Validate
}

// NewServer constructs the HTTP surface.
func NewServer(reg *Registry, dist *Distributor, hub *Hub) *Server {
	return &Server{registry: reg, dist: dist, hub: hub, validate: validator.New()}
}

// Router assembles the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/worker", s.hub.ServeWS)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Get("/workers", s.listWorkers)
		r.Post("/workers", s.registerWorker)
		r.Delete("/workers/{id}", s.unregisterWorker)
		r.Get("/stats", s.stats)
	})
	return r
}

type submitJobRequest struct {
	ID       string         `json:"id"`
	Type     string         `json:"type" validate:"required,oneof=image video"`
	Request  map[string]any `json:"request" validate:"required"`
	Priority int            `json:"priority"`
	Mode     string         `json:"mode" validate:"omitempty,oneof=parallel combined auto"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	mode := Mode(req.Mode)
	if mode == "" {
		mode = ModeAuto
	}
	j, err := s.dist.Submit(req.ID, JobType(req.Type), req.Request, req.Priority, mode, nil)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrConflict):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrInvalidArgument):
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": j.ID, "status": j.Status})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.dist.GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.dist.mu.RLock()
	defer s.dist.mu.RUnlock()
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.dist.Cancel(id) {
		writeError(w, http.StatusConflict, "job not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": JobCancelled})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.registry.List()})
}

type registerWorkerRequest struct {
	ID           string  `json:"id" validate:"required"`
	Name         string  `json:"name"`
	Host         string  `json:"host" validate:"required"`
	Port         int     `json:"port" validate:"required,min=1,max=65535"`
	GPUCount     int     `json:"gpu_count"`
	TotalVRAMGB  float64 `json:"total_vram_gb"`
	FreeVRAMGB   float64 `json:"free_vram_gb"`
	ComputePower float64 `json:"compute_power"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.registry.Register(&WorkerNode{
		ID:           req.ID,
		Name:         req.Name,
		Host:         req.Host,
		Port:         req.Port,
		GPUCount:     req.GPUCount,
		TotalVRAMGB:  req.TotalVRAMGB,
		FreeVRAMGB:   req.FreeVRAMGB,
		ComputePower: req.ComputePower,
		Status:       WorkerOnline,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"worker_id": req.ID})
}

func (s *Server) unregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker_id": id})
}

type statsResponse struct {
	Pool        PoolStats        `json:"pool"`
	Distributor DistributorStats `json:"distributor"`
	Time        time.Time        `json:"time"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Pool:        s.registry.Stats(),
		Distributor: s.dist.Stats(),
		Time:        time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
