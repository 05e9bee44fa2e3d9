package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNotFound covers every lookup miss, including owner mismatches on
	// results: existence is never leaked across owners.
	ErrNotFound = errors.New("not found")

	// ErrNoWorkerAvailable means the router found zero candidates at or
	// above the score floor. Non-retriable at the routing layer.
	ErrNoWorkerAvailable = errors.New("no worker available")

	// ErrJobTimeout means a job exceeded its end-to-end deadline.
	ErrJobTimeout = errors.New("job deadline exceeded")

	// ErrJobCancelled means the caller cancelled the request.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrWorkerUnhealthy means the chosen worker became unhealthy during
	// dispatch. Retriable; the next attempt re-routes.
	ErrWorkerUnhealthy = errors.New("worker unhealthy")

	// ErrCapabilityMismatch means the worker declined the job because the
	// capability version or parameters did not match. Non-retriable against
	// the same worker.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrStorageFailure means the result store could not persist. Retried a
	// bounded number of times, then fatal for the job.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInternalInvariant marks a state that contradicts an invariant,
	// such as two active jobs for one request. Fatal and logged.
	ErrInternalInvariant = errors.New("internal invariant violated")

	// ErrDraining means the orchestrator is draining and accepts no new work.
	ErrDraining = errors.New("orchestrator draining")
)

// EnvelopeErrorKind discriminates why an envelope was refused.
type EnvelopeErrorKind string

const (
	EnvelopeBadSignature  EnvelopeErrorKind = "bad_signature"
	EnvelopeExpired       EnvelopeErrorKind = "expired"
	EnvelopeMalformed     EnvelopeErrorKind = "malformed"
	EnvelopeWrongAudience EnvelopeErrorKind = "wrong_audience"
)

// EnvelopeError is a typed envelope verification failure.
type EnvelopeError struct {
	Kind EnvelopeErrorKind
	Err  error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("envelope %s", e.Kind)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// NewEnvelopeError wraps err with an envelope failure kind.
func NewEnvelopeError(kind EnvelopeErrorKind, err error) *EnvelopeError {
	return &EnvelopeError{Kind: kind, Err: err}
}

// DispatchErrorKind discriminates why a dispatch to a worker failed.
type DispatchErrorKind string

const (
	DispatchNetwork           DispatchErrorKind = "network"
	DispatchTimeout           DispatchErrorKind = "timeout"
	DispatchHTTP4xx           DispatchErrorKind = "http_4xx"
	DispatchHTTP5xx           DispatchErrorKind = "http_5xx"
	DispatchEnvelopeRejected  DispatchErrorKind = "envelope_rejected"
	DispatchMalformedResponse DispatchErrorKind = "malformed_response"
)

// DispatchError is a typed transport failure. The job manager's retry policy
// branches on Kind and StatusCode; the transport itself never retries.
type DispatchError struct {
	Kind       DispatchErrorKind
	StatusCode int // set for http_4xx and http_5xx
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("dispatch %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("dispatch %s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("dispatch %s", e.Kind)
	}
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure may succeed on a later attempt:
// network errors, timeouts, worker 5xx, and the explicit try-again statuses
// 408, 425 and 429. Everything else finalizes the request.
func (e *DispatchError) Retriable() bool {
	switch e.Kind {
	case DispatchNetwork, DispatchTimeout, DispatchHTTP5xx:
		return true
	case DispatchHTTP4xx:
		return e.StatusCode == 408 || e.StatusCode == 425 || e.StatusCode == 429
	default:
		return false
	}
}

// NewDispatchError wraps err with a dispatch failure kind.
func NewDispatchError(kind DispatchErrorKind, status int, err error) *DispatchError {
	return &DispatchError{Kind: kind, StatusCode: status, Err: err}
}

// Retriable classifies any error from the dispatch path. Typed dispatch
// errors answer for themselves; job deadline overruns retry until attempts
// run out; ErrWorkerUnhealthy re-routes on retry; everything else is final.
func Retriable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retriable()
	}
	return errors.Is(err, ErrWorkerUnhealthy) || errors.Is(err, ErrJobTimeout)
}

// ErrorKind maps an error onto the stable string callers see in the
// user-visible failure shape. Internal invariant details are not leaked.
func ErrorKind(err error) string {
	var ee *EnvelopeError
	var de *DispatchError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoWorkerAvailable):
		return "no_worker_available"
	case errors.Is(err, ErrJobTimeout):
		return "timeout"
	case errors.Is(err, ErrJobCancelled):
		return "cancelled"
	case errors.Is(err, ErrWorkerUnhealthy):
		return "worker_unhealthy"
	case errors.Is(err, ErrCapabilityMismatch):
		return "capability_mismatch"
	case errors.Is(err, ErrStorageFailure):
		return "storage"
	case errors.As(err, &ee):
		return "envelope_" + string(ee.Kind)
	case errors.As(err, &de):
		return "dispatch_" + string(de.Kind)
	case errors.Is(err, ErrInternalInvariant):
		return "internal"
	default:
		return "internal"
	}
}
