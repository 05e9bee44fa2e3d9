package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/types"
)

// Scoring weights. Capability fit dominates, then resource fit, recent
// health, and explicit preference.
const (
	weightCapability = 0.40
	weightResource   = 0.30
	weightHealth     = 0.20
	weightPreference = 0.10
)

// RegistryReader is the slice of the registry the router needs.
type RegistryReader interface {
	LookupByTaskKind(kind types.TaskKind) []*types.Worker
	Get(id string) (*types.Worker, error)
	HealthOf(ctx context.Context, id string) (types.HealthStatus, error)
	InFlight(id string) int
}

// Config holds the router knobs.
type Config struct {
	// CacheTTL bounds how long a routing decision is reused for identical
	// request shapes.
	CacheTTL time.Duration

	// ScoreFloor drops candidates scoring below it; if every candidate is
	// below the floor the route fails with ErrNoWorkerAvailable.
	ScoreFloor float64

	// DecisionBuffer caps the in-memory decision ring.
	DecisionBuffer int

	// GateHeavyToUserCompute zeroes the resource score of non-user-compute
	// workers for heavy requests. On by default; operators hosting their
	// own heavy fleet turn it off.
	GateHeavyToUserCompute bool
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:               5 * time.Minute,
		ScoreFloor:             0.2,
		DecisionBuffer:         1000,
		GateHeavyToUserCompute: true,
	}
}

// Router picks the worker for a request by weighted scoring over the
// registry's candidates. Identical request shapes reuse the previous
// choice through a TTL cache, re-validated against live health on every
// hit so a cached worker that went offline is never returned.
type Router struct {
	cfg      Config
	registry RegistryReader
	store    storage.Store
	cache    *gocache.Cache
	logger   zerolog.Logger

	mu        sync.Mutex
	decisions []*types.Decision
	next      int
	filled    bool
}

// New creates a router over the given registry. The store receives an
// append-only audit trail of decisions; pass nil to keep decisions only in
// the in-memory ring.
func New(cfg Config, registry RegistryReader, store storage.Store) *Router {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = DefaultConfig().ScoreFloor
	}
	if cfg.DecisionBuffer <= 0 {
		cfg.DecisionBuffer = DefaultConfig().DecisionBuffer
	}
	return &Router{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		cache:     gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:    log.WithComponent("router"),
		decisions: make([]*types.Decision, cfg.DecisionBuffer),
	}
}

// routeShape is the cacheable identity of a request for routing purposes:
// two requests with equal shapes route identically within the cache TTL.
type routeShape struct {
	Kind         types.TaskKind
	Heavy        bool
	Owner        string
	Capabilities []types.Capability
	Preferred    string
}

// scored pairs a candidate with its sub-scores for ranking.
type scored struct {
	worker *types.Worker
	scores types.ScoreBreakdown
	total  float64
}

// Route picks a worker for the request. It returns ErrNoWorkerAvailable
// when no routable, owner-accessible candidate for the request's kind
// scores at or above the floor.
func (r *Router) Route(ctx context.Context, req *types.Request) (*types.Worker, *types.Decision, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RoutingLatency)

	key, keyed := r.cacheKey(req)
	if keyed {
		if cached, ok := r.cache.Get(key); ok {
			if worker := r.revalidate(ctx, cached.(string), req); worker != nil {
				metrics.RouteCacheHits.Inc()
				decision := r.record(req, &scored{
					worker: worker,
					scores: types.ScoreBreakdown{Health: worker.Health.Status.Score()},
					total:  worker.Health.Status.Score(),
				}, 1, true)
				return worker, decision, nil
			}
			r.cache.Delete(key)
		}
		metrics.RouteCacheMisses.Inc()
	}

	candidates := r.candidates(ctx, req)
	if len(candidates) == 0 {
		metrics.NoWorkerAvailable.Inc()
		return nil, nil, fmt.Errorf("no worker for kind %s: %w", req.Kind, types.ErrNoWorkerAvailable)
	}

	ranked := make([]*scored, 0, len(candidates))
	for _, w := range candidates {
		s := r.score(req, w)
		// A zero capability or resource sub-score means the worker cannot
		// execute the request at all: nothing required is satisfied, or
		// heavy work is gated off it. The weighted total does not apply.
		if len(req.RequiredCapabilities) > 0 && s.scores.Capability == 0 {
			continue
		}
		if s.scores.Resource == 0 {
			continue
		}
		if s.total < r.cfg.ScoreFloor {
			continue
		}
		ranked = append(ranked, s)
	}
	if len(ranked) == 0 {
		metrics.NoWorkerAvailable.Inc()
		return nil, nil, fmt.Errorf("no worker above score floor for kind %s: %w", req.Kind, types.ErrNoWorkerAvailable)
	}

	best := r.pick(req, ranked)
	if keyed {
		r.cache.SetDefault(key, best.worker.ID)
	}

	decision := r.record(req, best, len(candidates), false)
	r.logger.Debug().
		Str("request_id", req.ID).
		Str("worker_id", best.worker.ID).
		Float64("total", best.total).
		Int("candidates", len(candidates)).
		Msg("Routed request")
	return best.worker, decision, nil
}

// candidates returns the routable, owner-accessible workers declaring the
// request's kind. A worker that has never been probed gets one on-demand
// health check here rather than staying invisible until the next sweep.
func (r *Router) candidates(ctx context.Context, req *types.Request) []*types.Worker {
	all := r.registry.LookupByTaskKind(req.Kind)
	out := make([]*types.Worker, 0, len(all))
	for _, w := range all {
		if w.Disabled || !w.AccessibleBy(req.Owner) {
			continue
		}
		if w.Health.Status == types.HealthUnknown {
			status, err := r.registry.HealthOf(ctx, w.ID)
			if err != nil || !status.Routable() {
				continue
			}
			if fresh, err := r.registry.Get(w.ID); err == nil {
				w = fresh
			}
		} else if !w.Health.Status.Routable() {
			continue
		}
		out = append(out, w)
	}
	return out
}

// score computes the four sub-scores and their weighted total.
//
// Capability: fraction of required capabilities the worker satisfies, 1.0
// when nothing is required. Resource: 1.0 normally; 0.0 when the request
// is heavy and the worker is not user-compute (under heavy gating); 0.5
// when the worker runs on user compute but the request is light, steering
// small work toward operator capacity. Health: the status score. Preference:
// 1.0 for the explicitly preferred worker or when no preference is set,
// 0.5 for everyone else when one is.
func (r *Router) score(req *types.Request, w *types.Worker) *scored {
	capScore := 1.0
	if len(req.RequiredCapabilities) > 0 {
		satisfied := 0
		for _, required := range req.RequiredCapabilities {
			if w.Satisfies(required) {
				satisfied++
			}
		}
		capScore = float64(satisfied) / float64(len(req.RequiredCapabilities))
	}

	resScore := 1.0
	switch {
	case !w.SupportsKind(req.Kind):
		resScore = 0.0
	case req.Heavy && r.cfg.GateHeavyToUserCompute && !w.Flags.RunsOnUserCompute:
		resScore = 0.0
	case !req.Heavy && w.Flags.RunsOnUserCompute:
		resScore = 0.5
	}

	healthScore := w.Health.Status.Score()

	prefScore := 1.0
	if preferred := req.Metadata["preferred_worker"]; preferred != "" && preferred != w.ID {
		prefScore = 0.5
	}

	scores := types.ScoreBreakdown{
		Capability: capScore,
		Resource:   resScore,
		Health:     healthScore,
		Preference: prefScore,
	}
	total := weightCapability*capScore +
		weightResource*resScore +
		weightHealth*healthScore +
		weightPreference*prefScore
	return &scored{worker: w, scores: scores, total: total}
}

// pick returns the top-ranked candidate. Ties on total score break by
// lower in-flight count, then higher worker flag priority, then a
// pseudo-random choice seeded on the request id so re-routing the same
// request is deterministic.
func (r *Router) pick(req *types.Request, ranked []*scored) *scored {
	best := ranked[0].total
	for _, s := range ranked[1:] {
		if s.total > best {
			best = s.total
		}
	}

	tied := make([]*scored, 0, len(ranked))
	for _, s := range ranked {
		if s.total == best {
			tied = append(tied, s)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	minInflight := r.registry.InFlight(tied[0].worker.ID)
	for _, s := range tied[1:] {
		if n := r.registry.InFlight(s.worker.ID); n < minInflight {
			minInflight = n
		}
	}
	leastLoaded := tied[:0]
	for _, s := range tied {
		if r.registry.InFlight(s.worker.ID) == minInflight {
			leastLoaded = append(leastLoaded, s)
		}
	}
	if len(leastLoaded) == 1 {
		return leastLoaded[0]
	}

	maxPriority := leastLoaded[0].worker.Flags.Priority
	for _, s := range leastLoaded[1:] {
		if s.worker.Flags.Priority > maxPriority {
			maxPriority = s.worker.Flags.Priority
		}
	}
	top := leastLoaded[:0]
	for _, s := range leastLoaded {
		if s.worker.Flags.Priority == maxPriority {
			top = append(top, s)
		}
	}
	if len(top) == 1 {
		return top[0]
	}

	sort.Slice(top, func(i, j int) bool { return top[i].worker.ID < top[j].worker.ID })
	h := fnv.New64a()
	h.Write([]byte(req.ID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return top[rng.Intn(len(top))]
}

// revalidate checks a cached worker id against live state before reuse:
// it must still exist, declare the kind, be accessible, and answer the
// staleness-aware health check as routable.
func (r *Router) revalidate(ctx context.Context, workerID string, req *types.Request) *types.Worker {
	w, err := r.registry.Get(workerID)
	if err != nil {
		return nil
	}
	if !w.SupportsKind(req.Kind) || !w.AccessibleBy(req.Owner) || w.Disabled {
		return nil
	}
	status, err := r.registry.HealthOf(ctx, workerID)
	if err != nil || !status.Routable() {
		return nil
	}
	w.Health.Status = status
	return w
}

// cacheKey fingerprints the request's routing shape. Capability order is
// irrelevant to the fingerprint.
func (r *Router) cacheKey(req *types.Request) (string, bool) {
	shape := routeShape{
		Kind:         req.Kind,
		Heavy:        req.Heavy,
		Owner:        req.Owner,
		Capabilities: req.RequiredCapabilities,
		Preferred:    req.Metadata["preferred_worker"],
	}
	hash, err := hashstructure.Hash(shape, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		// Unhashable shapes just skip the cache.
		return "", false
	}
	return fmt.Sprint(hash), true
}

// record appends the decision to the ring buffer and the audit store.
func (r *Router) record(req *types.Request, chosen *scored, candidates int, cached bool) *types.Decision {
	decision := &types.Decision{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		Kind:       req.Kind,
		WorkerID:   chosen.worker.ID,
		Scores:     chosen.scores,
		Total:      chosen.total,
		Candidates: candidates,
		Cached:     cached,
		CreatedAt:  time.Now(),
	}

	r.mu.Lock()
	r.decisions[r.next] = decision
	r.next++
	if r.next == len(r.decisions) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()

	metrics.RoutingDecisionsTotal.Inc()
	if r.store != nil {
		if err := r.store.AppendDecision(decision); err != nil {
			r.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to persist decision")
		}
	}
	return decision
}

// Decisions returns up to limit recent decisions, newest first.
func (r *Router) Decisions(limit int) []*types.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = len(r.decisions)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]*types.Decision, 0, limit)
	idx := r.next - 1
	for len(out) < limit {
		if idx < 0 {
			idx = len(r.decisions) - 1
		}
		out = append(out, r.decisions[idx])
		idx--
	}
	return out
}

// FlushCache empties the route cache. The next route of every shape does a
// full scoring pass.
func (r *Router) FlushCache() {
	r.cache.Flush()
	r.logger.Info().Msg("Route cache flushed")
}

// CacheLen returns the number of live route cache entries.
func (r *Router) CacheLen() int {
	return r.cache.ItemCount()
}
