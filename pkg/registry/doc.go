/*
Package registry tracks the fleet of capability servers ("workers") and
answers the questions the router asks about them: who declares this task
kind, who satisfies this capability, and how healthy were they, recently
enough to matter.

# Indices

The registry keeps the worker set in memory with secondary indices by task
kind, by capability name, and by hosting class (user-compute and
operator-hosted sets), all updated atomically under one write lock. Lookups
are map reads over those indices; callers get deep copies and can never
mutate registry state through a returned worker. The backing store persists
worker records so a restart rebuilds the indices with Load.

# Health Probing

A background loop sweeps all enabled workers every probe interval, bounded
by a concurrency limit and a minimum per-worker spacing so sweeps,
operator-triggered probes, and staleness refreshes never pile up on one
worker; concurrent probes of the same worker coalesce into a single round
trip. A probe GETs {endpoint}/health and reads the worker's self-reported
status.

Failure handling is deliberately asymmetric: a reachable worker's
self-report is adopted verbatim and the failure counter resets, while an
unreachable worker keeps its previous status until three consecutive
failures flip it to offline. One dropped packet never takes a worker out
of rotation; three in a row always do.

# Staleness

HealthOf never answers with ancient data. Within the health TTL the cached
status is served as-is. Between the TTL and twice the probe interval the
cached value is served degraded (healthy reads as warning) while a refresh
runs in the background. Older than that, the caller blocks on a fresh probe.

# In-Flight Accounting

The registry also tracks per-worker in-flight job counts. TryAcquire
enforces each worker's max_in_flight bound at dispatch time, and the router
reads InFlight as its first tie-break so load spreads across equally scored
workers.
*/
package registry
