// Package router selects a worker for each request by weighted scoring
// over the registry's candidates.
//
// # Scoring
//
// Candidates are the routable, owner-accessible workers declaring the
// request's task kind. A worker still in the unknown state gets one
// on-demand probe at route time so fresh registrations become routable
// without waiting for the sweep. Each candidate is scored on four axes:
//
//   - Capability (0.40): fraction of the request's required capabilities
//     the worker satisfies. 1.0 when the request requires none.
//   - Resource (0.30): heavy requests score 0.0 on workers that do not run
//     on user compute (when heavy gating is on); light requests score 0.5
//     on user-compute workers so small work prefers operator capacity.
//   - Health (0.20): healthy 1.0, warning 0.7, unhealthy 0.3, else 0.0.
//   - Preference (0.10): a request naming a preferred worker in its
//     metadata scores that worker 1.0 and everyone else 0.5.
//
// A zero capability or resource sub-score disqualifies the candidate
// outright: such a worker cannot execute the request no matter how the
// weighted total lands. Remaining candidates below the score floor are
// dropped; if none survive the route fails with ErrNoWorkerAvailable.
// Ties break by lower in-flight count, then higher worker priority, then
// a pseudo-random pick seeded on the request id so repeated routes of one
// request are deterministic.
//
// # Route Cache
//
// The winning worker id is cached under a fingerprint of the request's
// routing shape (kind, heaviness, owner, required capabilities,
// preference) with a TTL. A hit is re-validated against live registry
// state before reuse; a worker that disappeared, was disabled, or is no
// longer routable evicts the entry and triggers a full scoring pass.
//
// # Decisions
//
// Every route produces a Decision recording the chosen worker, the score
// breakdown, and the candidate count. Decisions land in a bounded
// in-memory ring for the admin API and are appended best-effort to the
// store for offline audit.
package router
