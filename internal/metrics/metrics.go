package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelhq/dromio/internal/health"
)

var (
	// Worker claim latency

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from run creation to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// Worker lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker has shut down.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	// Scheduler loop

	SchedulerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Duration of one scheduler tick (leader check + cron scan).",
		Buckets:   prometheus.DefBuckets,
	})

	SchedulerIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "scheduler_is_leader",
		Help:      "1 if this node currently holds the scheduler leader advisory lock, else 0.",
	})

	RunsMaterializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "runs_materialized_total",
		Help:      "Total job runs inserted by cron expansion.",
	})

	// Worker claim loop

	ClaimedRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "claimed_runs_total",
		Help:      "Total job runs claimed by this worker.",
	})

	RunExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "run_execution_duration_seconds",
		Help:      "Duration of a claimed run's execution, by runner kind and outcome.",
		Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
	}, []string{"kind", "outcome"})

	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "runs_in_flight",
		Help:      "Number of runs this worker is currently executing.",
	})

	ReclaimedRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "reclaimed_runs_total",
		Help:      "Total runs requeued from dead workers.",
	})

	WorkerHeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "worker_heartbeats_total",
		Help:      "Total heartbeats sent by this worker.",
	})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		WorkerStartTime,
		WorkerShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
		SchedulerTickDuration,
		SchedulerIsLeader,
		RunsMaterializedTotal,
		ClaimedRunsTotal,
		RunExecutionDuration,
		RunsInFlight,
		ReclaimedRunsTotal,
		WorkerHeartbeatsTotal,
	)
}

// NewServer serves /metrics plus liveness/readiness probes backed by
// checker, so a single port covers both scraping and orchestrator
// health checks.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealth(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
