/*
Package storage provides state persistence for Maestro's orchestration data.

The Store interface covers the five persisted entities (workers, requests,
jobs, results, and routing-decision audit entries) with two interchangeable
implementations: BoltStore for durable single-node deployments and
MemoryStore for tests and ephemeral deployments. The orchestrator recovers
in-flight jobs at startup only when the durable implementation is selected.

# Bucket Structure

BoltStore keeps one bucket per entity, all values JSON:

	workers              worker id        -> Worker
	requests             request id       -> Request
	jobs                 job id           -> Job
	results              owner/result id  -> Result
	results_by_request   owner/request id -> result id
	decisions            big-endian seq   -> Decision (append-only)

Result keys embed the owner, so cross-owner reads miss structurally rather
than by filtering; misses of any kind return an error wrapping
types.ErrNotFound.

# Semantics

  - Create and Update are both upserts, mirrored across implementations.
  - Deletes are idempotent; deleting a missing key is not an error.
  - Reads return copies. MemoryStore stores marshaled JSON internally for
    exactly this reason: no caller can mutate shared state through a
    returned pointer.
  - Decisions are append-only with newest-first listing and a cutoff-based
    prune for retention sweeps.

# Usage

	store, err := storage.NewBoltStore("/var/lib/maestro")
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateRequest(request); err != nil {
		return fmt.Errorf("failed to persist request: %w", err)
	}

# Concurrency

BoltStore inherits bbolt's single-writer/many-reader transaction model.
MemoryStore guards its maps with a sync.RWMutex. Neither implementation
holds locks across calls, so callers sequence multi-step mutations (such as
state transitions) themselves; the job manager owns that serialization.
*/
package storage
