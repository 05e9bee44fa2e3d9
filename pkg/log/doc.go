/*
Package log provides structured logging for Maestro built on zerolog.

A single global logger is initialized once at process start and shared by
every component. Child loggers carry stable correlation fields (component,
request_id, job_id, worker_id) so one request can be traced from submission
through routing, dispatch, callback, and result persistence.

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("router")
	logger.Info().Str("worker_id", chosen.ID).Float64("score", total).Msg("Route selected")

Correlated job logging:

	logger := log.WithJobID(job.ID)
	logger.Warn().Err(err).Int("attempt", job.Attempt).Msg("Dispatch failed, will retry")

Simple helpers for one-off messages:

	log.Info("Orchestrator started")
	log.Errorf("Failed to load signing key", err)

# Levels

  - debug: per-probe results, score breakdowns, cache hits
  - info: lifecycle events (start/stop, registration, terminal transitions)
  - warn: retriable failures, stale health fallbacks, dropped events
  - error: non-retriable failures, storage errors, invariant violations

# Output

JSONOutput selects machine-readable JSON (production) or the zerolog
console writer (development). Output defaults to stdout.
*/
package log
