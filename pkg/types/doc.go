/*
Package types defines the core data structures used throughout Maestro.

This package contains the fundamental types that represent Maestro's domain
model: workers and their capabilities, requests and the jobs dispatched for
them, results, routing decisions, and the typed error taxonomy every other
package classifies failures with. All other packages depend on types; types
depends on nothing inside the module.

# Architecture

The types package is the foundation of Maestro's data model. It defines:

  - Worker descriptors (identity, capabilities, routing flags, health)
  - Capability triples and their satisfaction rules
  - Requests (caller-level work) and their lifecycle states
  - Jobs (single dispatch attempts) and their lifecycle states
  - Results (inline, pointer, error) with size and checksum
  - Routing decisions with score breakdowns
  - The error taxonomy: sentinels plus EnvelopeError and DispatchError

All types are designed to be:
  - Serializable (JSON, both on the wire and in the store)
  - Immutable after reaching a terminal state
  - Validated (string enums with constants, helper predicates)

# Core Types

Worker fleet:
  - Worker: a capability server with endpoint, declared capabilities,
    task kinds, routing flags, and mutable health
  - Capability: (name, version, parameter-set); Satisfies implements
    name equality, semver version ordering, and parameter-superset
  - RoutingFlags: user-compute placement, pointer-result preference,
    priority, max in-flight, default deadline
  - HealthState / HealthStatus: healthy, warning, unhealthy, unknown,
    offline, plus rolling probe counters

Work lifecycle:
  - Request: owner, kind, priority, payload, required capabilities,
    attempts bookkeeping; states pending, queued, running, succeeded,
    failed, cancelled
  - Job: one dispatch attempt; same state alphabet with Active and
    Terminal predicates
  - Priority: low < normal < high < critical via Weight

Artifacts:
  - Result: inline bodies, pointer locators into a blob backend, or
    typed errors; always carries size and sha256 checksum
  - Decision: chosen worker plus the four sub-scores behind it
  - Callback: the body an asynchronous worker posts on completion

# Error Taxonomy

Failures are typed; nothing in the module branches on error strings.
Sentinels (ErrNotFound, ErrNoWorkerAvailable, ErrJobTimeout,
ErrJobCancelled, ErrWorkerUnhealthy, ErrCapabilityMismatch,
ErrStorageFailure, ErrInternalInvariant) are matched with errors.Is.
EnvelopeError and DispatchError carry a Kind discriminant and are
matched with errors.As.

Retry classification lives here so the job manager and transport agree:

	if types.Retriable(err) {
		// re-enqueue with backoff
	}

DispatchError.Retriable follows the retry policy: network, timeout and
5xx retry; 4xx only for 408, 425 and 429; envelope rejections and
malformed responses are final.

# Usage

Declaring a worker:

	worker := &types.Worker{
		ID:       uuid.New().String(),
		Name:     "static-analyzer",
		Endpoint: "https://analyzer.internal:8443",
		Capabilities: []types.Capability{
			{Name: "code_analysis", Version: "1.2.0", Parameters: []string{"read"}},
		},
		TaskKinds: []types.TaskKind{types.TaskKindCodeAnalysis},
		Flags: types.RoutingFlags{
			MaxInFlight:     5,
			DefaultDeadline: 300,
		},
	}

Checking capability satisfaction:

	required := types.Capability{Name: "code_analysis", Version: "1.0.0"}
	if worker.Satisfies(required) {
		// candidate for routing
	}

# Thread Safety

Types in this package are plain data. They are safe for concurrent reads;
mutations must be synchronized by the owning component (the registry for
workers, the job manager for requests and jobs). Components hand out
copies, not shared pointers, across package boundaries.

# See Also

  - pkg/registry for the worker table and health probing
  - pkg/router for how Decision and ScoreBreakdown are produced
  - pkg/jobs for the request/job state machines
  - pkg/results for Result persistence rules
*/
package types
