package gpuworker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/xjanova/postx-agent/internal/gpuworker/gpumon"
)

// API is the node's local HTTP surface.
type API struct {
	workerID  string
	monitor   gpumon.Monitor
	pipelines map[string]Pipeline
	tracker   *Tracker
	startedAt time.Time
	validate  *validator.Validate
}

// NewAPI constructs the node HTTP surface.
func NewAPI(workerID string, monitor gpumon.Monitor, pipelines map[string]Pipeline, tracker *Tracker) *API {
	return &API{
		workerID:  workerID,
		monitor:   monitor,
		pipelines: pipelines,
		tracker:   tracker,
		startedAt: time.Now().UTC(),
		validate:  validator.New(),
	}
}

// Router assembles the chi handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/status", a.status)
	r.Post("/generate/{kind}", a.generate)
	r.Get("/task/{id}", a.getTask)
	r.Delete("/task/{id}", a.cancelTask)
	r.Post("/model/load", a.modelLoad)
	r.Post("/model/unload", a.modelUnload)
	return r
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	completed, failed := a.tracker.Counters()
	current := a.tracker.Current()
	status := "online"
	if current != "" {
		status = "busy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":       a.workerID,
		"status":          status,
		"gpu_count":       a.monitor.GPUCount(),
		"gpus":            a.monitor.GPUs(),
		"total_vram_gb":   a.monitor.TotalVRAMGB(),
		"free_vram_gb":    a.monitor.FreeVRAMGB(),
		"current_task":    current,
		"uptime_seconds":  time.Since(a.startedAt).Seconds(),
		"tasks_completed": completed,
		"tasks_failed":    failed,
	})
}

type generateRequest struct {
	Request
	TaskID string `json:"task_id"`
}

func (a *API) generate(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	pipeline, ok := a.pipelines[kind]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown generation kind")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = ulid.Make().String()
	}
	a.tracker.Add(taskID, kind)

	// detach from the request context: generation outlives the 202 response
	go func() {
		if !a.tracker.Begin(taskID) {
			return
		}
		res, err := pipeline.Generate(context.Background(), req.Request)
		if err != nil {
			a.tracker.Fail(taskID, err.Error())
			return
		}
		a.tracker.Complete(taskID, res)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": StatePending})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	st, ok := a.tracker.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.tracker.Cancel(id) {
		writeError(w, http.StatusConflict, "task not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": StateCancelled})
}

type modelRequest struct {
	ModelID   string `json:"model_id" validate:"required"`
	ModelType string `json:"model_type" validate:"required,oneof=image video"`
}

func (a *API) modelLoad(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pipeline, ok := a.pipelines[req.ModelType]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model type")
		return
	}
	if err := pipeline.LoadModel(r.Context(), req.ModelID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": req.ModelID, "loaded": true})
}

func (a *API) modelUnload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	pipeline, ok := a.pipelines[req.ModelType]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown model type")
		return
	}
	pipeline.UnloadModel()
	writeJSON(w, http.StatusOK, map[string]any{"model_type": req.ModelType, "loaded": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
