// Package transport delivers signed tasks to workers over HTTP.
//
// A dispatch POSTs the envelope JWT, the opaque payload, and an optional
// callback URL to the worker's execute endpoint. Workers answer in one of
// three shapes: accepted (work continues asynchronously and completion
// arrives on the callback URL), completed (results inline in the
// response), or failed (the worker ran the task and reports an error).
//
// # Error Classification
//
// Every failure is a *types.DispatchError whose kind the job manager
// branches on: network and timeout for unreachable or slow workers,
// http_4xx and http_5xx for HTTP-level refusals, envelope_rejected when
// the worker answers 401 or 403 to the signed envelope, and
// malformed_response when the body does not parse. The transport itself
// never retries.
//
// # Circuit Breaking
//
// Each worker gets its own circuit breaker. Consecutive infrastructure
// failures (network, timeout, 5xx) open it; 4xx answers and rejected
// envelopes prove the worker reachable and do not count. Dispatching
// through an open circuit fails fast wrapping types.ErrWorkerUnhealthy,
// which the job manager treats as a signal to re-route.
package transport
