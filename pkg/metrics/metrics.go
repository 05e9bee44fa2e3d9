package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_requests_submitted_total",
			Help: "Total number of requests submitted by task kind",
		},
		[]string{"kind"},
	)

	RequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_requests_total",
			Help: "Current number of requests by state",
		},
		[]string{"state"},
	)

	// Job metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_queue_depth",
			Help: "Number of jobs waiting in the dispatch queue",
		},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_jobs_running",
			Help: "Number of jobs currently dispatched and not yet finished",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_job_retries_total",
			Help: "Total number of retry attempts scheduled after retriable failures",
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_dispatches_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_dispatch_duration_seconds",
			Help:    "Time from dispatch to worker response in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_workers_total",
			Help: "Current number of registered workers by health status",
		},
		[]string{"status"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"outcome"},
	)

	// Router metrics
	RoutingDecisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_routing_decisions_total",
			Help: "Total number of routing decisions made",
		},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_routing_latency_seconds",
			Help:    "Time taken to select a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RouteCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_route_cache_hits_total",
			Help: "Total number of routing decisions served from the route cache",
		},
	)

	RouteCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_route_cache_misses_total",
			Help: "Total number of routing decisions that required a fresh scoring pass",
		},
	)

	NoWorkerAvailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_no_worker_available_total",
			Help: "Total number of routing attempts that found no eligible worker",
		},
	)

	// Result metrics
	ResultsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_results_stored_total",
			Help: "Total number of results stored by kind",
		},
		[]string{"kind"},
	)

	ResultBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_result_bytes_total",
			Help: "Total artifact bytes stored by kind",
		},
		[]string{"kind"},
	)

	ResultCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_result_cache_hits_total",
			Help: "Total number of result reads served from the in-memory cache",
		},
	)

	ResultCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_result_cache_misses_total",
			Help: "Total number of result reads that went to the store",
		},
	)

	// Envelope metrics
	EnvelopesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_envelopes_issued_total",
			Help: "Total number of signed job envelopes issued",
		},
	)

	EnvelopeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_envelope_rejections_total",
			Help: "Total number of envelope verifications rejected, by reason",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_api_requests_total",
			Help: "Total number of API requests by method, route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_api_request_duration_seconds",
			Help:    "API request duration in seconds by method and route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsSubmitted)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(RoutingDecisionsTotal)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(RouteCacheHits)
	prometheus.MustRegister(RouteCacheMisses)
	prometheus.MustRegister(NoWorkerAvailable)
	prometheus.MustRegister(ResultsStored)
	prometheus.MustRegister(ResultBytes)
	prometheus.MustRegister(ResultCacheHits)
	prometheus.MustRegister(ResultCacheMisses)
	prometheus.MustRegister(EnvelopesIssued)
	prometheus.MustRegister(EnvelopeRejections)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
