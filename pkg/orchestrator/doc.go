// Package orchestrator composes the full maestro process from a config:
// storage, event broker, envelope signer and verifier, worker registry,
// result store, router, job manager, and both HTTP listeners.
//
// # Lifecycle
//
// New builds everything without side effects beyond opening the store (and
// connecting to Redis when it backs blobs). Start brings the components up
// in dependency order; with bolt storage a recovery pass re-enqueues jobs
// that were running when the previous process died. Stop tears down in
// reverse: listeners close first so no new work arrives, the job manager
// finishes in-flight work bounded by the caller's context, then the loops
// stop and the store closes.
//
// # Keys
//
// The signer uses the configured private key, or an ephemeral generated
// one when the config names none (useful for development; a restart then
// orphans outstanding envelopes). The verifier always trusts the active
// signing key plus any configured public keys, so rotations keep old
// envelopes verifiable until they expire.
//
// # Background Loops
//
// The registry probe sweep and the metrics collector run on their own
// tickers. The orchestrator adds a retention sweep that deletes results
// older than the retention window and prunes the routing decision trail on
// the same cutoff.
package orchestrator
