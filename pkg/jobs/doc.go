// Package jobs drives the job state machine: queueing, dispatch, retries,
// and terminal bookkeeping.
//
// # Lifecycle
//
// A submitted request routes once up front so callers learn immediately
// when no worker can serve it. The accepted request gets a job record
// (attempt 1) in a priority queue ordered critical > high > normal > low,
// FIFO within a band. A single dispatcher goroutine pulls jobs and launches
// one executor goroutine per job.
//
//	pending ── enqueue ──▶ queued ── pull ──▶ running ──▶ succeeded
//	                          ▲                  │ │          failed
//	                          └─── backoff ◀─────┘ └────────▶ cancelled
//
// Each retry is a fresh job record with attempt+1; the failed attempt's
// record finalizes as failed. At most one job per request is ever active.
//
// # Concurrency Bounds
//
// A global semaphore bounds running executors; per-worker in-flight counts
// bound each worker. A job that cannot take both slots bounces back to the
// queue after a short delay without consuming an attempt.
//
// # Retry Policy
//
// Network errors, timeouts, worker 5xx, and the explicit try-again
// statuses retry with exponential backoff and jitter:
// min(2^attempt * base, cap) * [0.5, 1.5). An unhealthy-worker failure
// clears the worker binding so the next attempt re-routes. Envelope
// rejections, other 4xx, and worker-reported failures finalize without
// retry.
//
// # Completion
//
// Synchronous workers answer with the result inline. Asynchronous workers
// answer "accepted" and later POST the completion to the job's callback
// URL; the executor parks until the callback, the deadline, or a cancel
// arrives. Duplicate callbacks are ignored. Terminal transitions write a
// result (success body or typed error) before the state flips, with one
// in-process retry on storage failure.
//
// # Recovery
//
// With durable storage, jobs found running at startup re-enqueue when
// attempt budget remains and finalize as lost otherwise.
package jobs
