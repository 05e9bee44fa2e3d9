package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchErrorRetriable(t *testing.T) {
	tests := []struct {
		name      string
		err       *DispatchError
		retriable bool
	}{
		{"network", NewDispatchError(DispatchNetwork, 0, errors.New("connection refused")), true},
		{"timeout", NewDispatchError(DispatchTimeout, 0, nil), true},
		{"5xx", NewDispatchError(DispatchHTTP5xx, 503, nil), true},
		{"plain 4xx", NewDispatchError(DispatchHTTP4xx, 400, nil), false},
		{"404", NewDispatchError(DispatchHTTP4xx, 404, nil), false},
		{"408 request timeout", NewDispatchError(DispatchHTTP4xx, 408, nil), true},
		{"425 too early", NewDispatchError(DispatchHTTP4xx, 425, nil), true},
		{"429 too many requests", NewDispatchError(DispatchHTTP4xx, 429, nil), true},
		{"envelope rejected", NewDispatchError(DispatchEnvelopeRejected, 401, nil), false},
		{"malformed response", NewDispatchError(DispatchMalformedResponse, 0, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retriable, tt.err.Retriable())
		})
	}
}

func TestRetriableClassification(t *testing.T) {
	assert.True(t, Retriable(NewDispatchError(DispatchTimeout, 0, nil)))
	assert.True(t, Retriable(fmt.Errorf("dispatch: %w", NewDispatchError(DispatchHTTP5xx, 500, nil))))
	assert.True(t, Retriable(ErrWorkerUnhealthy))
	assert.True(t, Retriable(fmt.Errorf("breaker: %w", ErrWorkerUnhealthy)))
	assert.True(t, Retriable(ErrJobTimeout))

	assert.False(t, Retriable(ErrJobCancelled))
	assert.False(t, Retriable(ErrCapabilityMismatch))
	assert.False(t, Retriable(NewEnvelopeError(EnvelopeExpired, nil)))
	assert.False(t, Retriable(errors.New("anything else")))
}

func TestEnvelopeErrorUnwrap(t *testing.T) {
	inner := errors.New("crypto/rsa: verification error")
	err := NewEnvelopeError(EnvelopeBadSignature, inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "bad_signature")

	var ee *EnvelopeError
	assert.True(t, errors.As(fmt.Errorf("callback: %w", err), &ee))
	assert.Equal(t, EnvelopeBadSignature, ee.Kind)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"no worker", ErrNoWorkerAvailable, "no_worker_available"},
		{"wrapped no worker", fmt.Errorf("route: %w", ErrNoWorkerAvailable), "no_worker_available"},
		{"timeout", ErrJobTimeout, "timeout"},
		{"cancelled", ErrJobCancelled, "cancelled"},
		{"worker unhealthy", ErrWorkerUnhealthy, "worker_unhealthy"},
		{"capability", ErrCapabilityMismatch, "capability_mismatch"},
		{"storage", ErrStorageFailure, "storage"},
		{"envelope", NewEnvelopeError(EnvelopeExpired, nil), "envelope_expired"},
		{"dispatch", NewDispatchError(DispatchHTTP5xx, 502, nil), "dispatch_http_5xx"},
		{"invariant stays internal", ErrInternalInvariant, "internal"},
		{"unknown stays internal", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
}

func TestDispatchErrorMessage(t *testing.T) {
	err := NewDispatchError(DispatchHTTP5xx, 503, errors.New("service unavailable"))
	assert.Contains(t, err.Error(), "http_5xx")
	assert.Contains(t, err.Error(), "503")
	assert.ErrorIs(t, err, err.Err)
}
