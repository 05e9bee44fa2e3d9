// Package events provides a lightweight publish/subscribe broker for
// orchestrator lifecycle events.
//
// Components publish events when requests, jobs, and workers change
// state; any number of subscribers (API streaming handlers, loggers,
// test harnesses) can observe the stream without coupling to the
// producers.
//
// # Architecture
//
//	┌────────────┐            ┌────────────┐
//	│ jobs.Manager│──Publish──▶│            │
//	└────────────┘            │            │──▶ subscriber 1
//	┌────────────┐            │   Broker   │──▶ subscriber 2
//	│  registry  │──Publish──▶│            │──▶ subscriber N
//	└────────────┘            └────────────┘
//
// The broker runs a single distribution goroutine. Publish is
// non-blocking: events flow through a buffered channel and are fanned
// out to per-subscriber buffered channels. A slow subscriber never
// blocks the broker or other subscribers; once its buffer fills,
// further events for that subscriber are dropped.
//
// # Event Types
//
// Events follow a dotted <entity>.<transition> naming scheme:
//
//   - request.submitted, request.cancelled, request.succeeded, request.failed
//   - job.queued, job.dispatched, job.retried, job.succeeded, job.failed,
//     job.cancelled, job.timed_out
//   - worker.registered, worker.removed, worker.healthy, worker.offline
//
// # Usage Example
//
//	broker := events.NewBroker()
//	broker.Start()
//	defer broker.Stop()
//
//	sub := broker.Subscribe()
//	defer broker.Unsubscribe(sub)
//
//	broker.Publish(&events.Event{
//		Type:      events.EventJobDispatched,
//		RequestID: req.ID,
//		JobID:     job.ID,
//		WorkerID:  worker.ID,
//	})
//
//	for event := range sub {
//		fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}
//
// # Thread Safety
//
// All broker methods are safe for concurrent use. Subscribe and
// Unsubscribe may be called at any time, including while events are
// being published.
//
// # Delivery Guarantees
//
// Delivery is best effort. The broker is a notification fabric, not a
// durable queue: the authoritative record of request, job, and worker
// state lives in the store. Consumers that miss events must reconcile
// from storage.
package events
