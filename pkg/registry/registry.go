package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/types"
)

// defaultMaxInFlight bounds a worker that registered without an explicit
// max_in_flight routing flag.
const defaultMaxInFlight = 5

// Config holds the registry's probing knobs.
type Config struct {
	// ProbeInterval is the period of the background probe sweep.
	ProbeInterval time.Duration

	// HealthTTL is how long a probe result is served without re-probing.
	HealthTTL time.Duration

	// ProbeTimeout bounds a single probe round trip.
	ProbeTimeout time.Duration

	// MinProbeSpacing is the minimum gap between probes of the same worker.
	MinProbeSpacing time.Duration

	// ProbeConcurrency bounds concurrent probes during a sweep.
	ProbeConcurrency int

	// OfflineThreshold is the consecutive-failure count that flips a worker
	// to offline.
	OfflineThreshold int
}

// DefaultConfig returns the probing defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    60 * time.Second,
		HealthTTL:        60 * time.Second,
		ProbeTimeout:     10 * time.Second,
		MinProbeSpacing:  5 * time.Second,
		ProbeConcurrency: 8,
		OfflineThreshold: 3,
	}
}

// Registry is the authoritative set of known workers. It keeps secondary
// indices by task kind, capability name, and hosting class so lookups are
// map reads, tracks per-worker in-flight counts for dispatch bounds and
// routing tie-breaks, and owns the health probe loop.
//
// All mutations happen under a single write lock and update every index
// together, so readers never observe a partially registered worker.
type Registry struct {
	cfg    Config
	store  storage.Store
	prober Prober
	broker *events.Broker
	logger zerolog.Logger

	mu          sync.RWMutex
	workers     map[string]*types.Worker
	byKind      map[types.TaskKind]map[string]struct{}
	byCap       map[string]map[string]struct{}
	userCompute map[string]struct{}
	operator    map[string]struct{}
	inflight    map[string]int

	probes   singleflight.Group
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry backed by the given store. The broker may be nil;
// events are then dropped.
func New(cfg Config, store storage.Store, prober Prober, broker *events.Broker) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = DefaultConfig().HealthTTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = DefaultConfig().ProbeConcurrency
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultConfig().OfflineThreshold
	}
	return &Registry{
		cfg:         cfg,
		store:       store,
		prober:      prober,
		broker:      broker,
		logger:      log.WithComponent("registry"),
		workers:     make(map[string]*types.Worker),
		byKind:      make(map[types.TaskKind]map[string]struct{}),
		byCap:       make(map[string]map[string]struct{}),
		userCompute: make(map[string]struct{}),
		operator:    make(map[string]struct{}),
		inflight:    make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Load hydrates the in-memory indices from the store. Called once at
// startup; persisted health carries over and stale probe timestamps cause
// re-probes through the normal staleness rules.
func (r *Registry) Load() error {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return fmt.Errorf("failed to load workers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		r.indexLocked(cloneWorker(w))
	}
	r.logger.Info().Int("workers", len(workers)).Msg("Registry loaded")
	return nil
}

// Register adds or replaces a worker. Re-registering the same id replaces
// the record and refreshes every index; in-flight counts survive so a
// re-registration cannot lift the dispatch bound mid-flight.
func (r *Registry) Register(w *types.Worker) error {
	if w == nil || w.Endpoint == "" {
		return fmt.Errorf("worker endpoint is required")
	}
	if len(w.TaskKinds) == 0 {
		return fmt.Errorf("worker must declare at least one task kind")
	}

	reg := cloneWorker(w)
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	if reg.Name == "" {
		reg.Name = reg.ID
	}
	if reg.Flags.MaxInFlight <= 0 {
		reg.Flags.MaxInFlight = defaultMaxInFlight
	}
	if reg.Health.Status == "" {
		reg.Health.Status = types.HealthUnknown
	}
	now := time.Now()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now

	r.mu.Lock()
	if prev, ok := r.workers[reg.ID]; ok {
		r.unindexLocked(prev)
	}
	r.indexLocked(reg)
	r.mu.Unlock()

	if err := r.store.CreateWorker(reg); err != nil {
		return fmt.Errorf("failed to persist worker: %w", err)
	}

	r.logger.Info().
		Str("worker_id", reg.ID).
		Str("endpoint", reg.Endpoint).
		Int("task_kinds", len(reg.TaskKinds)).
		Msg("Worker registered")
	r.publish(&events.Event{
		Type:     events.EventWorkerRegistered,
		WorkerID: reg.ID,
		Message:  reg.Endpoint,
	})
	return nil
}

// Deregister removes a worker from every index. Removing an unknown id is
// not an error.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		r.unindexLocked(w)
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := r.store.DeleteWorker(id); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}

	r.logger.Info().Str("worker_id", id).Msg("Worker deregistered")
	r.publish(&events.Event{Type: events.EventWorkerRemoved, WorkerID: id})
	return nil
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (*types.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}
	return cloneWorker(w), nil
}

// List returns copies of all registered workers, ordered by id.
func (r *Registry) List() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupByTaskKind returns every worker declaring the given kind, ordered
// by descending flag priority with id as the stable tie-break. Callers
// filter for routability and owner access themselves.
func (r *Registry) LookupByTaskKind(kind types.TaskKind) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byKind[kind]
	out := make([]*types.Worker, 0, len(ids))
	for id := range ids {
		out = append(out, cloneWorker(r.workers[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Flags.Priority != out[j].Flags.Priority {
			return out[i].Flags.Priority > out[j].Flags.Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LookupByCapability returns every worker whose declared capabilities
// satisfy the required one (name match, version >=, parameter superset).
func (r *Registry) LookupByCapability(required types.Capability) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0)
	for id := range r.byCap[required.Name] {
		w := r.workers[id]
		if w.Satisfies(required) {
			out = append(out, cloneWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserComputeWorkers returns the workers flagged as running on user compute.
func (r *Registry) UserComputeWorkers() []*types.Worker {
	return r.collect(r.userCompute)
}

// OperatorWorkers returns the operator-hosted workers (empty owner id).
func (r *Registry) OperatorWorkers() []*types.Worker {
	return r.collect(r.operator)
}

func (r *Registry) collect(set map[string]struct{}) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0, len(set))
	for id := range set {
		out = append(out, cloneWorker(r.workers[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enable clears the operator-disabled flag.
func (r *Registry) Enable(id string) error {
	return r.setDisabled(id, false)
}

// Disable marks the worker ineligible for routing until re-enabled.
// Running jobs are unaffected.
func (r *Registry) Disable(id string) error {
	return r.setDisabled(id, true)
}

func (r *Registry) setDisabled(id string, disabled bool) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}
	w.Disabled = disabled
	w.UpdatedAt = time.Now()
	snapshot := cloneWorker(w)
	r.mu.Unlock()

	if err := r.store.UpdateWorker(snapshot); err != nil {
		return fmt.Errorf("failed to persist worker: %w", err)
	}
	r.logger.Info().Str("worker_id", id).Bool("disabled", disabled).Msg("Worker availability changed")
	return nil
}

// TryAcquire takes one in-flight slot on the worker, failing when the
// worker is unknown or already at its max_in_flight bound.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	limit := w.Flags.MaxInFlight
	if limit <= 0 {
		limit = defaultMaxInFlight
	}
	if r.inflight[id] >= limit {
		return false
	}
	r.inflight[id]++
	return true
}

// Release returns one in-flight slot. Releasing below zero is clamped.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] > 0 {
		r.inflight[id]--
	}
}

// InFlight returns the worker's current in-flight count.
func (r *Registry) InFlight(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inflight[id]
}

// CountsByStatus returns the number of workers per health status.
func (r *Registry) CountsByStatus() map[types.HealthStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.HealthStatus]int)
	for _, w := range r.workers {
		counts[w.Health.Status]++
	}
	return counts
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// indexLocked inserts the worker into the primary map and every secondary
// index. Caller holds the write lock.
func (r *Registry) indexLocked(w *types.Worker) {
	r.workers[w.ID] = w
	for _, kind := range w.TaskKinds {
		if r.byKind[kind] == nil {
			r.byKind[kind] = make(map[string]struct{})
		}
		r.byKind[kind][w.ID] = struct{}{}
	}
	for _, c := range w.Capabilities {
		if r.byCap[c.Name] == nil {
			r.byCap[c.Name] = make(map[string]struct{})
		}
		r.byCap[c.Name][w.ID] = struct{}{}
	}
	if w.Flags.RunsOnUserCompute {
		r.userCompute[w.ID] = struct{}{}
	}
	if w.OwnerID == "" {
		r.operator[w.ID] = struct{}{}
	}
}

// unindexLocked removes the worker from the primary map and every secondary
// index. Caller holds the write lock.
func (r *Registry) unindexLocked(w *types.Worker) {
	delete(r.workers, w.ID)
	for _, kind := range w.TaskKinds {
		if set := r.byKind[kind]; set != nil {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.byKind, kind)
			}
		}
	}
	for _, c := range w.Capabilities {
		if set := r.byCap[c.Name]; set != nil {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.byCap, c.Name)
			}
		}
	}
	delete(r.userCompute, w.ID)
	delete(r.operator, w.ID)
}

func (r *Registry) publish(event *events.Event) {
	if r.broker == nil {
		return
	}
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	r.broker.Publish(event)
}

// cloneWorker deep-copies a worker so no caller can mutate registry state
// through a returned pointer.
func cloneWorker(w *types.Worker) *types.Worker {
	if w == nil {
		return nil
	}
	c := *w
	if w.Capabilities != nil {
		c.Capabilities = make([]types.Capability, len(w.Capabilities))
		copy(c.Capabilities, w.Capabilities)
		for i, declared := range w.Capabilities {
			if declared.Parameters != nil {
				params := make([]string, len(declared.Parameters))
				copy(params, declared.Parameters)
				c.Capabilities[i].Parameters = params
			}
		}
	}
	if w.TaskKinds != nil {
		c.TaskKinds = make([]types.TaskKind, len(w.TaskKinds))
		copy(c.TaskKinds, w.TaskKinds)
	}
	return &c
}
