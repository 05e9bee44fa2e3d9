/*
Package metrics provides Prometheus metrics collection and exposition for Maestro.

All metrics are defined as package-level collectors, registered against the
default registry at package init, and exposed through Handler() on the ops
listener's /metrics endpoint. Counters and histograms are incremented inline
by the owning component; point-in-time gauges (queue depth, running jobs,
workers by status, requests by state) are sampled every 15 seconds by the
Collector, which reads them through the narrow JobSampler and WorkerSampler
interfaces so it never depends on concrete component types.

# Metric Catalog

Requests and jobs:

	maestro_requests_submitted_total{kind}    requests accepted, by task kind
	maestro_requests_total{state}             current requests by lifecycle state
	maestro_queue_depth                       jobs waiting for dispatch
	maestro_jobs_running                      jobs dispatched and unfinished
	maestro_jobs_completed_total{state}       terminal jobs by final state
	maestro_job_retries_total                 retries scheduled after retriable failures
	maestro_dispatches_total{outcome}         dispatch attempts by outcome
	maestro_dispatch_duration_seconds         dispatch round-trip latency

Registry and routing:

	maestro_workers_total{status}             registered workers by health status
	maestro_probes_total{outcome}             health probes by outcome
	maestro_routing_decisions_total           scoring passes plus cache hits
	maestro_routing_latency_seconds           worker selection latency
	maestro_route_cache_hits_total            decisions served from cache
	maestro_route_cache_misses_total          decisions requiring a scoring pass
	maestro_no_worker_available_total         routing attempts with no eligible worker

Results and envelopes:

	maestro_results_stored_total{kind}        results written, by storage kind
	maestro_result_bytes_total{kind}          artifact bytes written, by storage kind
	maestro_result_cache_hits_total           result reads served from cache
	maestro_result_cache_misses_total         result reads that hit the store
	maestro_envelopes_issued_total            signed envelopes minted
	maestro_envelope_rejections_total{reason} verification failures by reason

API:

	maestro_api_requests_total{method,status} API requests by method and status
	maestro_api_request_duration_seconds{method}

# Component Health

Alongside the Prometheus collectors, the package tracks coarse component
health for the ops listener. Components register themselves with
RegisterComponent and flip their state with UpdateComponent. /health is
unhealthy only when a critical component (storage, registry, jobs, api) is
down; a failing auxiliary component such as the blob backend degrades it.
/ready additionally goes not_ready while the process is draining, via
SetDraining, so load balancers stop sending work the instant a shutdown
begins.

# Usage

	timer := metrics.NewTimer()
	resp, err := dispatch(ctx, worker, body)
	timer.ObserveDuration(metrics.DispatchDuration)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("failure").Inc()
	} else {
		metrics.DispatchesTotal.WithLabelValues("success").Inc()
	}

# Useful Queries

	rate(maestro_dispatches_total{outcome="failure"}[5m])
	histogram_quantile(0.95, maestro_dispatch_duration_seconds_bucket)
	maestro_workers_total{status="offline"}
	maestro_queue_depth
	rate(maestro_route_cache_hits_total[5m]) /
	  (rate(maestro_route_cache_hits_total[5m]) + rate(maestro_route_cache_misses_total[5m]))
*/
package metrics
