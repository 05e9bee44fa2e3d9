package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/types"
)

// ProbeResult is the outcome of a single health probe.
type ProbeResult struct {
	// Reachable is true when the worker answered the probe at all. The
	// reported Status is only meaningful when Reachable.
	Reachable bool

	// Status is the worker's self-reported health.
	Status types.HealthStatus

	// Message carries the failure detail for unreachable probes.
	Message string

	// Latency is the probe round-trip time.
	Latency time.Duration
}

// Prober performs a single health check against a worker.
type Prober interface {
	Probe(ctx context.Context, worker *types.Worker) ProbeResult
}

// HTTPProber probes GET {endpoint}/health and reads the worker's
// self-reported status from the JSON body.
type HTTPProber struct {
	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{Timeout: timeout},
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Probe performs the HTTP health check. Network failures, non-2xx responses
// and unparseable bodies all count as unreachable; only a well-formed
// response yields a self-reported status.
func (p *HTTPProber) Probe(ctx context.Context, worker *types.Worker) ProbeResult {
	start := time.Now()
	url := strings.TrimSuffix(worker.Endpoint, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{
			Message: fmt.Sprintf("failed to create request: %v", err),
			Latency: time.Since(start),
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{
			Message: fmt.Sprintf("request failed: %v", err),
			Latency: time.Since(start),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{
			Message: fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Latency: time.Since(start),
		}
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProbeResult{
			Message: fmt.Sprintf("malformed health response: %v", err),
			Latency: time.Since(start),
		}
	}

	status := types.HealthStatus(body.Status)
	switch status {
	case types.HealthHealthy, types.HealthWarning, types.HealthUnhealthy:
	case "ok": // some workers report plain "ok"
		status = types.HealthHealthy
	default:
		return ProbeResult{
			Message: fmt.Sprintf("unknown health status %q", body.Status),
			Latency: time.Since(start),
		}
	}

	return ProbeResult{
		Reachable: true,
		Status:    status,
		Latency:   time.Since(start),
	}
}

// Start launches the background probe loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.probeLoop()
	r.logger.Info().Dur("interval", r.cfg.ProbeInterval).Msg("Probe loop started")
}

// Stop halts the probe loop and waits for in-flight probes to finish.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) probeLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ProbeAll(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// ProbeAll sweeps every enabled worker, bounded by ProbeConcurrency.
// Workers probed within MinProbeSpacing are skipped so operator-triggered
// probes and HealthOf refreshes do not double up with the sweep.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	due := make([]string, 0, len(r.workers))
	for id, w := range r.workers {
		if w.Disabled {
			continue
		}
		if time.Since(w.Health.LastProbeAt) < r.cfg.MinProbeSpacing {
			continue
		}
		due = append(due, id)
	}
	r.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeConcurrency)
	for _, id := range due {
		id := id
		g.Go(func() error {
			_, _ = r.sharedProbe(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Probe forces a fresh probe of one worker, coalescing with any probe of
// the same worker already in flight.
func (r *Registry) Probe(ctx context.Context, id string) (types.HealthStatus, error) {
	return r.sharedProbe(ctx, id)
}

// HealthOf answers with the worker's cached health when it is fresh
// (younger than HealthTTL). A moderately stale value, up to twice the
// probe interval, is served immediately, degraded to warning if it was
// healthy, while a refresh runs in the background. Anything older blocks
// on a fresh probe.
func (r *Registry) HealthOf(ctx context.Context, id string) (types.HealthStatus, error) {
	r.mu.RLock()
	w, ok := r.workers[id]
	var (
		status    types.HealthStatus
		lastProbe time.Time
	)
	if ok {
		status = w.Health.Status
		lastProbe = w.Health.LastProbeAt
	}
	r.mu.RUnlock()

	if !ok {
		return types.HealthUnknown, fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}

	age := time.Since(lastProbe)
	if age <= r.cfg.HealthTTL {
		return status, nil
	}
	if age <= 2*r.cfg.ProbeInterval && status != types.HealthUnknown {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
			defer cancel()
			_, _ = r.sharedProbe(ctx, id)
		}()
		if status == types.HealthHealthy {
			return types.HealthWarning, nil
		}
		return status, nil
	}
	return r.sharedProbe(ctx, id)
}

// sharedProbe coalesces concurrent probes of the same worker into one
// round trip.
func (r *Registry) sharedProbe(ctx context.Context, id string) (types.HealthStatus, error) {
	v, err, _ := r.probes.Do(id, func() (interface{}, error) {
		return r.probeOnce(ctx, id)
	})
	if err != nil {
		return types.HealthUnknown, err
	}
	return v.(types.HealthStatus), nil
}

func (r *Registry) probeOnce(ctx context.Context, id string) (types.HealthStatus, error) {
	r.mu.RLock()
	w, ok := r.workers[id]
	var target *types.Worker
	if ok {
		target = cloneWorker(w)
	}
	r.mu.RUnlock()
	if !ok {
		return types.HealthUnknown, fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	result := r.prober.Probe(probeCtx, target)

	return r.applyProbeResult(id, result), nil
}

// applyProbeResult folds one probe outcome into the worker's health record.
// A reachable probe adopts the self-reported status and zeroes the failure
// counter. An unreachable probe increments it; the status only flips to
// offline once OfflineThreshold consecutive failures accumulate, so one
// dropped packet cannot take a worker out of rotation.
func (r *Registry) applyProbeResult(id string, result ProbeResult) types.HealthStatus {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return types.HealthUnknown
	}

	prev := w.Health.Status
	w.Health.TotalProbes++
	w.Health.LastProbeAt = time.Now()

	if result.Reachable {
		w.Health.Status = result.Status
		w.Health.ConsecutiveFailures = 0
		w.Health.LastError = ""
	} else {
		w.Health.TotalFailures++
		w.Health.ConsecutiveFailures++
		w.Health.LastError = result.Message
		if w.Health.ConsecutiveFailures >= r.cfg.OfflineThreshold {
			w.Health.Status = types.HealthOffline
		}
	}
	w.UpdatedAt = time.Now()
	status := w.Health.Status
	snapshot := cloneWorker(w)
	r.mu.Unlock()

	if result.Reachable {
		metrics.ProbesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues("failure").Inc()
	}

	if err := r.store.UpdateWorker(snapshot); err != nil {
		r.logger.Error().Err(err).Str("worker_id", id).Msg("Failed to persist probe result")
	}

	if prev != status {
		r.logger.Info().
			Str("worker_id", id).
			Str("from", string(prev)).
			Str("to", string(status)).
			Str("error", snapshot.Health.LastError).
			Msg("Worker health changed")
		switch status {
		case types.HealthOffline:
			r.publish(&events.Event{Type: events.EventWorkerOffline, WorkerID: id, Message: snapshot.Health.LastError})
		case types.HealthHealthy:
			r.publish(&events.Event{Type: events.EventWorkerHealthy, WorkerID: id})
		}
	}
	return status
}
