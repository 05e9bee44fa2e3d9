package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/types"
)

// Worker responses larger than this are treated as malformed rather than
// buffered without bound.
const maxResponseBytes = 32 << 20

// Task is one unit of work to deliver to a worker.
type Task struct {
	ID          string
	EnvelopeJWT string
	Payload     json.RawMessage
	ContentType string
	CallbackURL string
}

// Response is the worker's answer to a dispatch. Exactly one of three
// shapes applies: Async (the worker accepted and will call back), Failed
// (the worker ran the task and reports an error), or a synchronous body.
type Response struct {
	Async       bool
	TaskID      string
	Failed      bool
	Error       string
	Body        json.RawMessage
	ContentType string
}

// Dispatcher delivers tasks to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker *types.Worker, task Task) (*Response, error)
}

// Config holds transport knobs.
type Config struct {
	// Timeout bounds each dispatch when the context carries no deadline.
	Timeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens a
	// worker's circuit.
	BreakerFailures uint32

	// BreakerCooldown is how long an open circuit waits before probing
	// the worker again.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// dispatchBody is the wire format POSTed to the worker's execute endpoint.
type dispatchBody struct {
	EnvelopeJWT string          `json:"envelope_jwt"`
	Payload     json.RawMessage `json:"payload"`
	ContentType string          `json:"content_type,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// workerResponse is the wire format workers answer with. Status is one of
// accepted, completed, or failed.
type workerResponse struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Results     json.RawMessage `json:"results,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// HTTPTransport dispatches tasks over HTTP with a circuit breaker per
// worker. The breaker counts only infrastructure failures (network,
// timeout, 5xx); a worker that answers 4xx is up and does not trip it.
// The transport never retries; retry policy lives with the job manager.
type HTTPTransport struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPTransport creates a transport with per-worker circuit breakers.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig().BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   log.WithComponent("transport"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers the task to the worker's execute endpoint. Failures
// come back as *types.DispatchError; an open circuit comes back wrapping
// types.ErrWorkerUnhealthy so callers re-route instead of hammering a
// worker that keeps failing.
func (t *HTTPTransport) Dispatch(ctx context.Context, worker *types.Worker, task Task) (*Response, error) {
	timer := metrics.NewTimer()

	breaker := t.breakerFor(worker.ID)
	result, err := breaker.Execute(func() (interface{}, error) {
		return t.dispatch(ctx, worker, task)
	})
	metrics.DispatchDuration.Observe(timer.Duration().Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.DispatchesTotal.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("worker %s circuit open: %w", worker.ID, types.ErrWorkerUnhealthy)
		}
		var de *types.DispatchError
		if errors.As(err, &de) {
			metrics.DispatchesTotal.WithLabelValues(string(de.Kind)).Inc()
		} else {
			metrics.DispatchesTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.DispatchesTotal.WithLabelValues("ok").Inc()
	return result.(*Response), nil
}

// BreakerState reports the circuit state for a worker, for ops surfaces.
func (t *HTTPTransport) BreakerState(workerID string) gobreaker.State {
	return t.breakerFor(workerID).State()
}

func (t *HTTPTransport) breakerFor(workerID string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[workerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: 1,
		Timeout:     t.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.BreakerFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn().
				Str("worker_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Dispatch circuit state changed")
		},
	})
	t.breakers[workerID] = cb
	return cb
}

// isBreakerSuccess classifies dispatch outcomes for the breaker. Only
// infrastructure failures count against the worker: 4xx answers, rejected
// envelopes, and unparseable bodies prove the worker is reachable.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var de *types.DispatchError
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case types.DispatchNetwork, types.DispatchTimeout, types.DispatchHTTP5xx:
		return false
	}
	return true
}

func (t *HTTPTransport) dispatch(ctx context.Context, worker *types.Worker, task Task) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(dispatchBody{
		EnvelopeJWT: task.EnvelopeJWT,
		Payload:     task.Payload,
		ContentType: task.ContentType,
		CallbackURL: task.CallbackURL,
	})
	if err != nil {
		return nil, types.NewDispatchError(types.DispatchNetwork, 0, fmt.Errorf("encode dispatch: %w", err))
	}

	url := strings.TrimSuffix(worker.Endpoint, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewDispatchError(types.DispatchNetwork, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+task.EnvelopeJWT)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if len(raw) > maxResponseBytes {
		return nil, types.NewDispatchError(types.DispatchMalformedResponse, resp.StatusCode,
			fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, types.NewDispatchError(types.DispatchEnvelopeRejected, resp.StatusCode,
			fmt.Errorf("worker refused envelope: %s", strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 500:
		return nil, types.NewDispatchError(types.DispatchHTTP5xx, resp.StatusCode, nil)
	case resp.StatusCode >= 400:
		return nil, types.NewDispatchError(types.DispatchHTTP4xx, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, types.NewDispatchError(types.DispatchMalformedResponse, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var wr workerResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, types.NewDispatchError(types.DispatchMalformedResponse, resp.StatusCode, err)
	}

	switch wr.Status {
	case "accepted":
		taskID := wr.TaskID
		if taskID == "" {
			taskID = task.ID
		}
		return &Response{Async: true, TaskID: taskID}, nil
	case "completed":
		return &Response{
			TaskID:      task.ID,
			Body:        wr.Results,
			ContentType: wr.ContentType,
		}, nil
	case "failed":
		return &Response{
			TaskID: task.ID,
			Failed: true,
			Error:  wr.Error,
		}, nil
	default:
		return nil, types.NewDispatchError(types.DispatchMalformedResponse, resp.StatusCode,
			fmt.Errorf("unknown worker status %q", wr.Status))
	}
}

// classifyTransportError splits network failures into timeout and plain
// network kinds.
func classifyTransportError(ctx context.Context, err error) *types.DispatchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewDispatchError(types.DispatchTimeout, 0, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.NewDispatchError(types.DispatchTimeout, 0, err)
	}
	return types.NewDispatchError(types.DispatchNetwork, 0, err)
}
