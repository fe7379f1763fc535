package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksSubmittedTotal counts tasks accepted by the supervisor, by platform and kind.
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"platform", "kind"},
	)
	// TasksCompletedTotal counts tasks that reached completed, by platform.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"platform"},
	)
	// TasksFailedTotal counts tasks that reached failed, by platform.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"platform"},
	)
	// TasksRetriedTotal counts retry re-enqueues, by platform.
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_retried_total",
			Help: "Total number of task retry re-enqueues",
		},
		[]string{"platform"},
	)
	// MailboxDepth is the current number of queued records per platform mailbox.
	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailbox_depth",
			Help: "Queued task records per platform mailbox",
		},
		[]string{"platform"},
	)
	// ActiveTasks is the size of the supervisor's live-task map.
	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_tasks",
			Help: "Tasks currently tracked by the supervisor",
		},
	)
	// WorkerSlotRestartsTotal counts supervisor slot respawns, by platform.
	WorkerSlotRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_slot_restarts_total",
			Help: "Total number of worker slot respawns",
		},
		[]string{"platform"},
	)

	// PoolJobsTotal counts pool jobs by terminal status.
	PoolJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_jobs_total",
			Help: "Total number of pool jobs by terminal status",
		},
		[]string{"status"},
	)
	// PoolQueueDepth is the number of jobs waiting in the pool priority queue.
	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Jobs waiting in the pool priority queue",
		},
	)
	// PoolWorkersOnline is the number of registry nodes currently online or busy.
	PoolWorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_workers_online",
			Help: "Registered GPU workers currently online or busy",
		},
	)
	// DispatchDuration records dispatch RPC durations by mode.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_dispatch_duration_seconds",
			Help:    "Dispatch RPC duration in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 300},
		},
		[]string{"mode"},
	)

	// ProviderRequestsTotal counts AI provider calls by provider and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of AI provider requests",
		},
		[]string{"provider", "outcome"},
	)
)

var metricsRegistered = false

// InitMetrics registers all metrics with the default registry. Safe to call
// once per process.
func InitMetrics() {
	if metricsRegistered {
		return
	}
	metricsRegistered = true
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksRetriedTotal,
		MailboxDepth,
		ActiveTasks,
		WorkerSlotRestartsTotal,
		PoolJobsTotal,
		PoolQueueDepth,
		PoolWorkersOnline,
		DispatchDuration,
		ProviderRequestsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
