/*
Package api implements the orchestrator's HTTP surface: the caller API,
the worker callback endpoint, the operator controls, and the separate
ops listener.

# Routes

Caller routes are owner-scoped: the authenticating proxy verifies the
caller and forwards the identity in X-Maestro-Owner. A missing header is
a 401; a request or result owned by someone else reads as 404 so IDs do
not leak across owners.

	POST   /v1/requests               submit, 202 with the accepted snapshot
	GET    /v1/requests/{id}          status including the failure shape
	DELETE /v1/requests/{id}          cancel, idempotent, 409 when finished
	GET    /v1/requests/{id}/result   result record, ?resolve=true for bytes
	GET    /v1/results                owner page, cursor + limit
	GET    /v1/results/{id}           single result, ?resolve=true for bytes
	DELETE /v1/results/{id}           delete record and artifact

Workers post async completions to /v1/callbacks/{job_id}. The call
authenticates with the job's signed envelope (body signature field or a
bearer header); a token that fails verification or is bound to another
job is rejected with 401 and counted in the rejection metrics.

Worker CRUD, probe, enable/disable, and the admin endpoints (drain,
route-cache flush, decision snapshot, stats) sit behind the same
listener without owner scoping; the perimeter authenticates operators.

# Ops Listener

OpsServer binds a second address with /health, /ready, /live and the
Prometheus /metrics endpoint, so orchestrator internals never share a
port with the caller surface.
*/
package api
