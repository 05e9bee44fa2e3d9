package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/maestro/pkg/envelope"
	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/results"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/transport"
	"github.com/cuemby/maestro/pkg/types"
)

// requeueDelay is the bounce interval for jobs that could not take a
// concurrency slot. The bounce does not count as an attempt.
const requeueDelay = 200 * time.Millisecond

// ErrNotCancellable reports a cancel against a request that already
// finished in a non-cancelled terminal state.
var ErrNotCancellable = errors.New("request already finished")

// Workers is the slice of the registry the job manager needs: worker
// lookups and per-worker in-flight accounting.
type Workers interface {
	Get(id string) (*types.Worker, error)
	TryAcquire(id string) bool
	Release(id string)
}

// WorkerRouter picks a worker for a request.
type WorkerRouter interface {
	Route(ctx context.Context, req *types.Request) (*types.Worker, *types.Decision, error)
}

// Signer mints dispatch envelopes.
type Signer interface {
	Sign(claims envelope.Claims) (string, error)
}

// ResultWriter is the slice of the result store the manager finalizes
// through.
type ResultWriter interface {
	Put(ctx context.Context, owner, requestID string, body []byte, hints results.PutHints) (*types.Result, error)
	PutError(ctx context.Context, owner, requestID, errorKind, errorMessage string) (*types.Result, error)
}

// Config holds the job manager knobs.
type Config struct {
	// MaxConcurrent bounds jobs running across all workers.
	MaxConcurrent int

	// MaxAttempts is the default attempt budget for requests that do not
	// set their own.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the retry delay:
	// min(2^attempt * base, cap) * jitter in [0.5, 1.5).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DefaultDeadline applies when neither the request nor the worker
	// sets one.
	DefaultDeadline time.Duration

	// CallbackBaseURL is the public base workers post async completions
	// to. Empty disables callback URLs; such deployments only support
	// synchronous workers.
	CallbackBaseURL string
}

// DefaultConfig returns the job manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		BackoffCap:      60 * time.Second,
		DefaultDeadline: 5 * time.Minute,
	}
}

// Runtime phases of the single active job a request may hold.
const (
	phaseQueued  = "queued"  // in the priority queue
	phaseWaiting = "waiting" // backoff or requeue timer pending
	phaseRunning = "running" // executor goroutine live
)

// jobRuntime is the in-memory companion to the active job record. Its lock
// serializes the terminal transition: exactly one of the executor, the
// cancel path, and the timeout path wins.
type jobRuntime struct {
	mu    sync.Mutex
	done  bool
	phase string

	job     *types.Job
	request *types.Request
	worker  *types.Worker
	timer   *time.Timer

	callbackCh chan *types.Callback
	cancelCh   chan struct{}
}

func newJobRuntime(req *types.Request, job *types.Job, phase string) *jobRuntime {
	return &jobRuntime{
		phase:      phase,
		job:        job,
		request:    req,
		callbackCh: make(chan *types.Callback, 1),
		cancelCh:   make(chan struct{}),
	}
}

// ifActive runs fn under the runtime lock unless the job already reached
// its terminal transition. Reports whether fn ran.
func (rt *jobRuntime) ifActive(fn func()) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.done {
		return false
	}
	fn()
	return true
}

// finalize marks the runtime done and runs fn. Exactly one caller wins;
// the rest report false and must not touch job or request state.
func (rt *jobRuntime) finalize(fn func()) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.done {
		return false
	}
	rt.done = true
	fn()
	return true
}

// Manager drives the job state machine: a priority queue feeds a single
// dispatcher which launches bounded executor goroutines; retries re-enter
// the queue with backoff as fresh job records.
type Manager struct {
	cfg       Config
	store     storage.Store
	workers   Workers
	router    WorkerRouter
	signer    Signer
	transport transport.Dispatcher
	results   ResultWriter
	broker    *events.Broker
	logger    zerolog.Logger

	queue  *jobQueue
	notify chan struct{}
	sem    *semaphore.Weighted

	mu        sync.Mutex
	byRequest map[string]*jobRuntime
	byJob     map[string]*jobRuntime
	runningN  int
	draining  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a job manager. Start launches the dispatcher.
func New(cfg Config, st storage.Store, workers Workers, router WorkerRouter, signer Signer, dispatcher transport.Dispatcher, res ResultWriter, broker *events.Broker) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		workers:   workers,
		router:    router,
		signer:    signer,
		transport: dispatcher,
		results:   res,
		broker:    broker,
		logger:    log.WithComponent("jobs"),
		queue:     newJobQueue(),
		notify:    make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		byRequest: make(map[string]*jobRuntime),
		byJob:     make(map[string]*jobRuntime),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.dispatchLoop()
	m.logger.Info().
		Int("max_concurrent", m.cfg.MaxConcurrent).
		Int("max_attempts", m.cfg.MaxAttempts).
		Msg("Job manager started")
}

// Stop halts the dispatcher and waits for in-flight executors until ctx
// expires. Jobs still running at expiry keep their durable running state
// and are recovered on the next start.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Job manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn().Int("running", m.RunningJobs()).Msg("Stopped with executors still in flight")
		return ctx.Err()
	}
}

// Drain stops dispatching new work. Queued jobs stay queued, running jobs
// finish, and Submit refuses with ErrDraining.
func (m *Manager) Drain() {
	m.mu.Lock()
	already := m.draining
	m.draining = true
	m.mu.Unlock()
	if !already {
		m.logger.Info().Msg("Draining: submissions refused, dispatch paused")
	}
}

// Draining reports whether the manager is refusing new work.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Submit validates and accepts a request, routes it once to fail fast when
// no worker can serve it, and enqueues the first attempt. The returned
// snapshot reflects the queued state.
func (m *Manager) Submit(ctx context.Context, req *types.Request) (*types.Request, error) {
	if m.Draining() {
		return nil, types.ErrDraining
	}
	if req.Owner == "" {
		return nil, fmt.Errorf("request owner required")
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("request kind required")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = m.cfg.MaxAttempts
	}

	now := time.Now()
	req.ID = uuid.New().String()
	req.State = types.RequestStatePending
	req.AttemptsMade = 0
	req.CreatedAt = now
	req.UpdatedAt = now

	worker, _, err := m.router.Route(ctx, req)
	if err != nil {
		req.State = types.RequestStateFailed
		req.ErrorKind = types.ErrorKind(err)
		req.ErrorMessage = err.Error()
		if serr := m.store.CreateRequest(req); serr != nil {
			m.logger.Error().Err(serr).Str("request_id", req.ID).Msg("Failed to record refused request")
		}
		m.publish(events.EventRequestFailed, req.ID, "", "", req.ErrorKind)
		return nil, err
	}

	if err := m.store.CreateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: persist request: %v", types.ErrStorageFailure, err)
	}
	metrics.RequestsSubmitted.WithLabelValues(string(req.Kind)).Inc()
	m.publish(events.EventRequestSubmitted, req.ID, "", "", string(req.Kind))

	job := m.newJob(req, 1, worker.ID)
	if err := m.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("%w: persist job: %v", types.ErrStorageFailure, err)
	}
	if err := m.enqueue(req, job); err != nil {
		return nil, err
	}
	return cloneRequest(req), nil
}

// Cancel flips a request and its active job to cancelled. Cancelling an
// already-cancelled request is a no-op; cancelling one that finished
// otherwise fails with ErrNotCancellable. A running remote call may still
// complete; its result is discarded.
func (m *Manager) Cancel(requestID string) error {
	m.mu.Lock()
	rt := m.byRequest[requestID]
	m.mu.Unlock()

	if rt != nil {
		won := rt.finalize(func() {
			if rt.timer != nil {
				rt.timer.Stop()
			}
			m.queue.Remove(rt.job.ID)
			close(rt.cancelCh)

			now := time.Now()
			rt.job.State = types.JobStateCancelled
			rt.job.FinishedAt = now
			if err := m.store.UpdateJob(rt.job); err != nil {
				m.logger.Error().Err(err).Str("job_id", rt.job.ID).Msg("Failed to persist cancelled job")
			}
			rt.request.State = types.RequestStateCancelled
			rt.request.UpdatedAt = now
			if err := m.store.UpdateRequest(rt.request); err != nil {
				m.logger.Error().Err(err).Str("request_id", requestID).Msg("Failed to persist cancelled request")
			}
			m.unregister(rt)
		})
		if won {
			metrics.JobsCompleted.WithLabelValues(string(types.JobStateCancelled)).Inc()
			m.publish(events.EventJobCancelled, requestID, rt.job.ID, rt.job.WorkerID, "")
			m.publish(events.EventRequestCancelled, requestID, "", "", "")
			m.logger.Info().Str("request_id", requestID).Str("job_id", rt.job.ID).Msg("Request cancelled")
			return nil
		}
	}

	req, err := m.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	switch {
	case req.State == types.RequestStateCancelled:
		return nil
	case req.State.Terminal():
		return fmt.Errorf("request %s is %s: %w", requestID, req.State, ErrNotCancellable)
	}

	// Active in the store but unknown to the manager: pre-recovery
	// leftovers. Cancel directly.
	now := time.Now()
	jobs, err := m.store.ListJobsByRequest(requestID)
	if err == nil {
		for _, job := range jobs {
			if !job.State.Active() {
				continue
			}
			job.State = types.JobStateCancelled
			job.FinishedAt = now
			if uerr := m.store.UpdateJob(job); uerr != nil {
				m.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to persist cancelled job")
			}
		}
	}
	req.State = types.RequestStateCancelled
	req.UpdatedAt = now
	if err := m.store.UpdateRequest(req); err != nil {
		return fmt.Errorf("%w: persist cancel: %v", types.ErrStorageFailure, err)
	}
	m.publish(events.EventRequestCancelled, requestID, "", "", "")
	return nil
}

// HandleCallback delivers an async completion to the executor awaiting it.
// It reports false for unknown, finished, or already-called-back jobs; the
// caller answers those "ignored".
func (m *Manager) HandleCallback(jobID string, cb *types.Callback) bool {
	m.mu.Lock()
	rt := m.byJob[jobID]
	m.mu.Unlock()
	if rt == nil {
		return false
	}

	rt.mu.Lock()
	running := !rt.done && rt.phase == phaseRunning
	rt.mu.Unlock()
	if !running {
		return false
	}

	select {
	case rt.callbackCh <- cb:
		return true
	default:
		// Second callback for the same job.
		return false
	}
}

// Recover re-enqueues work found active in the store at startup. Each
// recovered job record finalizes as failed; requests with attempt budget
// left re-enter the queue un-routed, the rest finalize as lost.
func (m *Manager) Recover() error {
	active, err := m.store.ListActiveJobs()
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	recovered, lost := 0, 0
	for _, job := range active {
		now := time.Now()
		job.State = types.JobStateFailed
		job.LastError = "lost in orchestrator restart"
		job.FinishedAt = now
		if err := m.store.UpdateJob(job); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize lost job")
		}

		req, err := m.store.GetRequest(job.RequestID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Active job without request")
			continue
		}
		if req.State.Terminal() {
			continue
		}

		if job.Attempt < req.MaxAttempts {
			// Re-route from scratch; the old worker's health is unknown.
			next := m.newJob(req, job.Attempt+1, "")
			if err := m.store.CreateJob(next); err != nil {
				m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist recovered job")
				continue
			}
			if err := m.enqueue(req, next); err != nil {
				m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to enqueue recovered job")
				continue
			}
			recovered++
			continue
		}

		req.State = types.RequestStateFailed
		req.AttemptsMade = job.Attempt
		req.ErrorKind = "lost"
		req.ErrorMessage = "in-flight work lost in orchestrator restart"
		req.UpdatedAt = now
		if res, rerr := m.results.PutError(context.Background(), req.Owner, req.ID, req.ErrorKind, req.ErrorMessage); rerr == nil {
			req.ResultID = res.ID
		}
		if err := m.store.UpdateRequest(req); err != nil {
			m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to finalize lost request")
		}
		m.publish(events.EventRequestFailed, req.ID, job.ID, job.WorkerID, "lost")
		lost++
	}
	if recovered > 0 || lost > 0 {
		m.logger.Info().Int("recovered", recovered).Int("lost", lost).Msg("Startup recovery finished")
	}
	return nil
}

// GetRequest returns the stored request record.
func (m *Manager) GetRequest(id string) (*types.Request, error) {
	return m.store.GetRequest(id)
}

// JobsForRequest returns every attempt recorded for a request.
func (m *Manager) JobsForRequest(id string) ([]*types.Job, error) {
	return m.store.ListJobsByRequest(id)
}

// QueueDepth returns the number of queued jobs.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

// RunningJobs returns the number of live executors.
func (m *Manager) RunningJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningN
}

// RequestCounts returns request totals by state for the metrics sampler.
func (m *Manager) RequestCounts() map[types.RequestState]int {
	reqs, err := m.store.ListRequests()
	if err != nil {
		return nil
	}
	counts := make(map[types.RequestState]int, 6)
	for _, r := range reqs {
		counts[r.State]++
	}
	return counts
}

// Stats is the admin-surface snapshot of the manager.
type Stats struct {
	QueueDepth int  `json:"queue_depth"`
	Running    int  `json:"running"`
	Waiting    int  `json:"waiting"`
	Draining   bool `json:"draining"`
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	runtimes := make([]*jobRuntime, 0, len(m.byRequest))
	for _, rt := range m.byRequest {
		runtimes = append(runtimes, rt)
	}
	s := Stats{
		Running:  m.runningN,
		Draining: m.draining,
	}
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.mu.Lock()
		if !rt.done && rt.phase == phaseWaiting {
			s.Waiting++
		}
		rt.mu.Unlock()
	}
	s.QueueDepth = m.queue.Len()
	return s
}

// enqueue registers the runtime and pushes the job. At most one active job
// may exist per request at any time.
func (m *Manager) enqueue(req *types.Request, job *types.Job) error {
	rt := newJobRuntime(req, job, phaseQueued)

	m.mu.Lock()
	if _, exists := m.byRequest[req.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("request %s already has an active job: %w", req.ID, types.ErrInternalInvariant)
	}
	m.byRequest[req.ID] = rt
	m.byJob[job.ID] = rt
	m.mu.Unlock()

	now := time.Now()
	job.State = types.JobStateQueued
	req.State = types.RequestStateQueued
	req.UpdatedAt = now
	if err := m.store.UpdateJob(job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist queued job")
	}
	if err := m.store.UpdateRequest(req); err != nil {
		m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist queued request")
	}

	m.queue.Push(job, req.Priority)
	m.publish(events.EventJobQueued, req.ID, job.ID, job.WorkerID, "")
	m.poke()
	return nil
}

// poke wakes the dispatcher. The buffer makes signals idempotent.
func (m *Manager) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.notify:
		}
		m.drainQueue()
	}
}

// drainQueue launches queued jobs until the queue empties, the global
// bound fills, or a drain begins.
func (m *Manager) drainQueue() {
	for {
		if m.Draining() {
			return
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
		job, ok := m.queue.Pop()
		if !ok {
			return
		}
		if !m.launch(job) {
			return
		}
	}
}

// launch resolves the job's worker, takes both concurrency slots, and
// starts the executor. It reports false when the global bound is full and
// draining the queue further is pointless.
func (m *Manager) launch(job *types.Job) bool {
	m.mu.Lock()
	rt := m.byJob[job.ID]
	m.mu.Unlock()
	if rt == nil {
		// Cancelled between pop and launch.
		return true
	}

	worker, err := m.resolveWorker(rt)
	if err != nil {
		m.handleJobError(rt, err)
		return true
	}

	if !m.sem.TryAcquire(1) {
		m.requeueLater(rt)
		return false
	}
	if !m.workers.TryAcquire(worker.ID) {
		m.sem.Release(1)
		m.requeueLater(rt)
		return true
	}

	started := rt.ifActive(func() {
		rt.phase = phaseRunning
		rt.worker = worker
	})
	if !started {
		m.workers.Release(worker.ID)
		m.sem.Release(1)
		return true
	}

	m.mu.Lock()
	m.runningN++
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(rt, worker)
	return true
}

// resolveWorker returns the job's routed worker, re-routing when the
// previous attempt cleared it or the worker disappeared while queued.
func (m *Manager) resolveWorker(rt *jobRuntime) (*types.Worker, error) {
	if rt.job.WorkerID != "" {
		if worker, err := m.workers.Get(rt.job.WorkerID); err == nil {
			return worker, nil
		}
	}
	worker, _, err := m.router.Route(context.Background(), rt.request)
	if err != nil {
		return nil, err
	}
	if rt.job.WorkerID != worker.ID {
		rt.job.WorkerID = worker.ID
		if uerr := m.store.UpdateJob(rt.job); uerr != nil {
			m.logger.Error().Err(uerr).Str("job_id", rt.job.ID).Msg("Failed to persist re-route")
		}
	}
	return worker, nil
}

// requeueLater bounces a job that could not take a concurrency slot. The
// bounce never counts as an attempt.
func (m *Manager) requeueLater(rt *jobRuntime) {
	rt.ifActive(func() {
		rt.phase = phaseWaiting
		rt.timer = time.AfterFunc(requeueDelay, func() {
			if rt.ifActive(func() {
				rt.phase = phaseQueued
				m.queue.Push(rt.job, rt.request.Priority)
			}) {
				m.poke()
			}
		})
	})
}

// run executes one dispatch attempt end to end.
func (m *Manager) run(rt *jobRuntime, worker *types.Worker) {
	defer m.wg.Done()
	defer m.sem.Release(1)
	defer m.workers.Release(worker.ID)
	defer func() {
		m.mu.Lock()
		m.runningN--
		m.mu.Unlock()
		m.poke()
	}()

	job, req := rt.job, rt.request
	deadline := m.effectiveDeadline(req, worker)

	started := rt.ifActive(func() {
		now := time.Now()
		job.State = types.JobStateRunning
		job.StartedAt = now
		job.Deadline = int(deadline / time.Second)
		req.State = types.RequestStateRunning
		req.AttemptsMade = job.Attempt
		req.LastWorkerID = worker.ID
		req.UpdatedAt = now
		if err := m.store.UpdateJob(job); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist running job")
		}
		if err := m.store.UpdateRequest(req); err != nil {
			m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist running request")
		}
	})
	if !started {
		return
	}

	token, err := m.signer.Sign(envelope.Claims{
		TaskID:        job.ID,
		Owner:         req.Owner,
		WorkerID:      worker.ID,
		PayloadDigest: envelope.Digest(req.Payload),
		CallbackURL:   m.callbackURL(job.ID),
		RepoURL:       req.Metadata["repo_url"],
		Ref:           req.Metadata["ref"],
		ConsentGiven:  worker.Flags.RunsOnUserCompute,
	})
	if err != nil {
		m.failJob(rt, "internal", fmt.Sprintf("sign envelope: %v", err))
		return
	}
	metrics.EnvelopesIssued.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	m.publish(events.EventJobDispatched, req.ID, job.ID, worker.ID, "")
	m.logger.Debug().
		Str("job_id", job.ID).
		Str("worker_id", worker.ID).
		Int("attempt", job.Attempt).
		Dur("deadline", deadline).
		Msg("Dispatching job")

	resp, err := m.transport.Dispatch(ctx, worker, transport.Task{
		ID:          job.ID,
		EnvelopeJWT: token,
		Payload:     req.Payload,
		ContentType: req.ContentType,
		CallbackURL: m.callbackURL(job.ID),
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			err = fmt.Errorf("attempt %d: %w", job.Attempt, types.ErrJobTimeout)
		}
		m.handleJobError(rt, err)
	case resp.Failed:
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		m.failJob(rt, "worker_failed", msg)
	case resp.Async:
		m.awaitCallback(ctx, rt)
	default:
		m.completeJob(rt, resp.Body, resp.ContentType)
	}
}

// awaitCallback parks the executor until the worker calls back, the job is
// cancelled, or the deadline expires.
func (m *Manager) awaitCallback(ctx context.Context, rt *jobRuntime) {
	select {
	case cb := <-rt.callbackCh:
		if cb.Status == types.CallbackStatusFailed {
			msg := cb.Error
			if msg == "" {
				msg = "worker reported failure"
			}
			m.failJob(rt, "worker_failed", msg)
			return
		}
		m.completeJob(rt, cb.Results, "application/json")
	case <-rt.cancelCh:
		// Cancel wrote the terminal state; unwind only.
	case <-ctx.Done():
		m.handleJobError(rt, fmt.Errorf("attempt %d: %w", rt.job.Attempt, types.ErrJobTimeout))
	case <-m.stopCh:
		// Shutting down. The durable running state is recovered on the
		// next start.
	}
}

// handleJobError applies the retry policy: retriable errors with budget
// left schedule a fresh attempt, everything else finalizes the request.
func (m *Manager) handleJobError(rt *jobRuntime, err error) {
	if errors.Is(err, types.ErrJobTimeout) {
		m.publish(events.EventJobTimedOut, rt.request.ID, rt.job.ID, rt.job.WorkerID, "")
	}
	if types.Retriable(err) && rt.job.Attempt < rt.request.MaxAttempts {
		m.scheduleRetry(rt, err)
		return
	}
	m.failJob(rt, types.ErrorKind(err), err.Error())
}

// scheduleRetry finalizes the failed attempt and arms the backoff timer
// for the next one. An unhealthy-worker failure clears the worker binding
// so the next attempt re-routes.
func (m *Manager) scheduleRetry(rt *jobRuntime, cause error) {
	var next *jobRuntime
	var delay time.Duration
	won := rt.finalize(func() {
		now := time.Now()
		rt.job.State = types.JobStateFailed
		rt.job.LastError = cause.Error()
		rt.job.FinishedAt = now
		if err := m.store.UpdateJob(rt.job); err != nil {
			m.logger.Error().Err(err).Str("job_id", rt.job.ID).Msg("Failed to persist failed attempt")
		}

		req := rt.request
		req.State = types.RequestStateQueued
		req.AttemptsMade = rt.job.Attempt
		req.LastWorkerID = rt.job.WorkerID
		req.UpdatedAt = now
		if err := m.store.UpdateRequest(req); err != nil {
			m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist retrying request")
		}

		workerID := rt.job.WorkerID
		if errors.Is(cause, types.ErrWorkerUnhealthy) {
			workerID = ""
		}
		job := m.newJob(req, rt.job.Attempt+1, workerID)
		if err := m.store.CreateJob(job); err != nil {
			m.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist retry job")
		}

		next = newJobRuntime(req, job, phaseWaiting)
		m.mu.Lock()
		delete(m.byJob, rt.job.ID)
		m.byRequest[req.ID] = next
		m.byJob[job.ID] = next
		m.mu.Unlock()

		delay = backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, rt.job.Attempt)
		next.timer = time.AfterFunc(delay, func() { m.fireRetry(next) })
	})
	if !won {
		return
	}

	metrics.JobsCompleted.WithLabelValues(string(types.JobStateFailed)).Inc()
	metrics.JobRetriesTotal.Inc()
	m.publish(events.EventJobRetried, rt.request.ID, next.job.ID, next.job.WorkerID, cause.Error())
	m.logger.Warn().
		Err(cause).
		Str("request_id", rt.request.ID).
		Int("attempt", rt.job.Attempt).
		Dur("backoff", delay).
		Msg("Attempt failed, retrying")
}

// fireRetry moves a waiting retry into the queue.
func (m *Manager) fireRetry(rt *jobRuntime) {
	queued := rt.ifActive(func() {
		rt.phase = phaseQueued
		rt.job.State = types.JobStateQueued
		if err := m.store.UpdateJob(rt.job); err != nil {
			m.logger.Error().Err(err).Str("job_id", rt.job.ID).Msg("Failed to persist queued retry")
		}
		m.queue.Push(rt.job, rt.request.Priority)
	})
	if queued {
		m.publish(events.EventJobQueued, rt.request.ID, rt.job.ID, rt.job.WorkerID, "")
		m.poke()
	}
}

// completeJob finalizes a successful attempt: the result is written first
// (one in-process retry on storage failure), then the state flips. A job
// cancelled while the remote call completed discards the body.
func (m *Manager) completeJob(rt *jobRuntime, body []byte, contentType string) {
	job, req := rt.job, rt.request
	hints := results.PutHints{ContentType: contentType}
	if rt.worker != nil {
		hints.PreferPointer = rt.worker.Flags.PrefersPointerResult
	}

	storageFailed := false
	won := rt.finalize(func() {
		res, err := m.results.Put(context.Background(), req.Owner, req.ID, body, hints)
		if err != nil {
			m.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Result write failed, retrying once")
			res, err = m.results.Put(context.Background(), req.Owner, req.ID, body, hints)
		}
		now := time.Now()
		if err != nil {
			storageFailed = true
			job.State = types.JobStateFailed
			job.LastError = fmt.Sprintf("store result: %v", err)
			job.FinishedAt = now
			req.State = types.RequestStateFailed
			req.AttemptsMade = job.Attempt
			req.LastWorkerID = job.WorkerID
			req.ErrorKind = "storage"
			req.ErrorMessage = "result could not be persisted"
			req.UpdatedAt = now
		} else {
			job.State = types.JobStateSucceeded
			job.FinishedAt = now
			req.State = types.RequestStateSucceeded
			req.AttemptsMade = job.Attempt
			req.LastWorkerID = job.WorkerID
			req.ResultID = res.ID
			req.UpdatedAt = now
		}
		if uerr := m.store.UpdateJob(job); uerr != nil {
			m.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to persist finished job")
		}
		if uerr := m.store.UpdateRequest(req); uerr != nil {
			m.logger.Error().Err(uerr).Str("request_id", req.ID).Msg("Failed to persist finished request")
		}
		m.unregister(rt)
	})
	if !won {
		m.logger.Debug().Str("job_id", job.ID).Msg("Discarding result of cancelled job")
		return
	}

	if storageFailed {
		metrics.JobsCompleted.WithLabelValues(string(types.JobStateFailed)).Inc()
		m.publish(events.EventJobFailed, req.ID, job.ID, job.WorkerID, "storage")
		m.publish(events.EventRequestFailed, req.ID, job.ID, job.WorkerID, "storage")
		m.logger.Error().Str("request_id", req.ID).Msg("Request failed: result storage")
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(types.JobStateSucceeded)).Inc()
	m.publish(events.EventJobSucceeded, req.ID, job.ID, job.WorkerID, "")
	m.publish(events.EventRequestSucceeded, req.ID, job.ID, job.WorkerID, "")
	m.logger.Info().
		Str("request_id", req.ID).
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Msg("Request succeeded")
}

// failJob finalizes a non-retriable failure with a typed error result.
func (m *Manager) failJob(rt *jobRuntime, kind, message string) {
	job, req := rt.job, rt.request
	won := rt.finalize(func() {
		now := time.Now()
		job.State = types.JobStateFailed
		job.LastError = message
		job.FinishedAt = now
		req.State = types.RequestStateFailed
		req.AttemptsMade = job.Attempt
		req.LastWorkerID = job.WorkerID
		req.ErrorKind = kind
		req.ErrorMessage = message
		req.UpdatedAt = now
		if res, rerr := m.results.PutError(context.Background(), req.Owner, req.ID, kind, message); rerr == nil {
			req.ResultID = res.ID
		} else {
			m.logger.Warn().Err(rerr).Str("request_id", req.ID).Msg("Failed to store error result")
		}
		if uerr := m.store.UpdateJob(job); uerr != nil {
			m.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to persist failed job")
		}
		if uerr := m.store.UpdateRequest(req); uerr != nil {
			m.logger.Error().Err(uerr).Str("request_id", req.ID).Msg("Failed to persist failed request")
		}
		m.unregister(rt)
	})
	if !won {
		return
	}

	metrics.JobsCompleted.WithLabelValues(string(types.JobStateFailed)).Inc()
	m.publish(events.EventJobFailed, req.ID, job.ID, job.WorkerID, kind)
	m.publish(events.EventRequestFailed, req.ID, job.ID, job.WorkerID, kind)
	m.logger.Info().
		Str("request_id", req.ID).
		Str("job_id", job.ID).
		Str("error_kind", kind).
		Int("attempt", job.Attempt).
		Msg("Request failed")
}

// unregister drops the runtime from the active maps. Callers hold rt.mu.
func (m *Manager) unregister(rt *jobRuntime) {
	m.mu.Lock()
	delete(m.byJob, rt.job.ID)
	if m.byRequest[rt.request.ID] == rt {
		delete(m.byRequest, rt.request.ID)
	}
	m.mu.Unlock()
}

func (m *Manager) newJob(req *types.Request, attempt int, workerID string) *types.Job {
	return &types.Job{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		WorkerID:  workerID,
		Owner:     req.Owner,
		Attempt:   attempt,
		State:     types.JobStatePending,
		Deadline:  req.Deadline,
		CreatedAt: time.Now(),
	}
}

// effectiveDeadline is the lesser of the request's and the worker's
// default deadline; zero means unset on both sides.
func (m *Manager) effectiveDeadline(req *types.Request, worker *types.Worker) time.Duration {
	reqD := time.Duration(req.Deadline) * time.Second
	workerD := time.Duration(worker.Flags.DefaultDeadline) * time.Second
	switch {
	case reqD > 0 && workerD > 0 && reqD < workerD:
		return reqD
	case workerD > 0:
		return workerD
	case reqD > 0:
		return reqD
	default:
		return m.cfg.DefaultDeadline
	}
}

func (m *Manager) callbackURL(jobID string) string {
	if m.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(m.cfg.CallbackBaseURL, "/") + "/v1/callbacks/" + jobID
}

func (m *Manager) publish(t events.EventType, requestID, jobID, workerID, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		RequestID: requestID,
		JobID:     jobID,
		WorkerID:  workerID,
		Message:   message,
	})
}

// backoffDelay is min(2^attempt * base, cap) scaled by jitter in
// [0.5, 1.5).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func cloneRequest(req *types.Request) *types.Request {
	clone := *req
	if req.RequiredCapabilities != nil {
		clone.RequiredCapabilities = append([]types.Capability(nil), req.RequiredCapabilities...)
	}
	if req.Metadata != nil {
		clone.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
