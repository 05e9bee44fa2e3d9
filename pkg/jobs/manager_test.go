package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/maestro/pkg/envelope"
	"github.com/cuemby/maestro/pkg/results"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/transport"
	"github.com/cuemby/maestro/pkg/types"
)

// fakeWorkers implements Workers over a static set with per-worker
// in-flight limits.
type fakeWorkers struct {
	mu       sync.Mutex
	workers  map[string]*types.Worker
	inflight map[string]int
}

func newFakeWorkers(workers ...*types.Worker) *fakeWorkers {
	f := &fakeWorkers{
		workers:  make(map[string]*types.Worker),
		inflight: make(map[string]int),
	}
	for _, w := range workers {
		f.workers[w.ID] = w
	}
	return f
}

func (f *fakeWorkers) Get(id string) (*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *w
	return &clone, nil
}

func (f *fakeWorkers) TryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return false
	}
	if limit := w.Flags.MaxInFlight; limit > 0 && f.inflight[id] >= limit {
		return false
	}
	f.inflight[id]++
	return true
}

func (f *fakeWorkers) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[id] > 0 {
		f.inflight[id]--
	}
}

func (f *fakeWorkers) inFlight(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[id]
}

// fakeRouter returns its scripted workers in sequence, repeating the last.
type fakeRouter struct {
	mu      sync.Mutex
	workers []*types.Worker
	err     error
	routes  int
}

func (f *fakeRouter) Route(_ context.Context, _ *types.Request) (*types.Worker, *types.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	i := f.routes
	f.routes++
	if i >= len(f.workers) {
		i = len(f.workers) - 1
	}
	w := f.workers[i]
	return w, &types.Decision{WorkerID: w.ID}, nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(claims envelope.Claims) (string, error) {
	return "signed." + claims.TaskID, nil
}

// scripted pairs one dispatch outcome with its position in the call order.
type scripted struct {
	resp *transport.Response
	err  error
}

// fakeDispatcher plays back scripted outcomes, repeating the last one.
type fakeDispatcher struct {
	mu      sync.Mutex
	script  []scripted
	tasks   []transport.Task
	workers []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, w *types.Worker, task transport.Task) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	f.workers = append(f.workers, w.ID)
	i := len(f.tasks) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	if i < 0 {
		return &transport.Response{TaskID: task.ID, Body: json.RawMessage(`{"ok":true}`)}, nil
	}
	s := f.script[i]
	if s.resp != nil {
		out := *s.resp
		out.TaskID = task.ID
		return &out, s.err
	}
	return nil, s.err
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeDispatcher) workerSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.workers...)
}

// gatedDispatcher blocks every dispatch until the gate closes.
type gatedDispatcher struct {
	mu    sync.Mutex
	gate  chan struct{}
	count int
}

func (g *gatedDispatcher) Dispatch(_ context.Context, _ *types.Worker, task transport.Task) (*transport.Response, error) {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
	<-g.gate
	return &transport.Response{TaskID: task.ID, Body: json.RawMessage(`{}`)}, nil
}

func (g *gatedDispatcher) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

func dispatchWorker(id string, mutate ...func(*types.Worker)) *types.Worker {
	w := &types.Worker{
		ID:        id,
		Name:      id,
		Endpoint:  "http://" + id + ".internal:8080",
		TaskKinds: []types.TaskKind{types.TaskKindCodeAnalysis},
		Flags:     types.RoutingFlags{MaxInFlight: 5},
		Health:    types.HealthState{Status: types.HealthHealthy},
	}
	for _, fn := range mutate {
		fn(w)
	}
	return w
}

func analysisRequest(mutate ...func(*types.Request)) *types.Request {
	req := &types.Request{
		Owner:   "alice",
		Kind:    types.TaskKindCodeAnalysis,
		Payload: json.RawMessage(`{"target":"github.com/acme/app"}`),
	}
	for _, fn := range mutate {
		fn(req)
	}
	return req
}

type testHarness struct {
	manager *Manager
	store   storage.Store
	results *results.Store
}

func newHarness(t *testing.T, cfg Config, router WorkerRouter, workers Workers, disp transport.Dispatcher) *testHarness {
	t.Helper()
	st := storage.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	res := results.New(results.Config{}, st, results.NewMemoryBlobs())
	m := New(cfg, st, workers, router, fakeSigner{}, disp, res, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return &testHarness{manager: m, store: st, results: res}
}

func (h *testHarness) waitRequestState(t *testing.T, id string, want types.RequestState) *types.Request {
	t.Helper()
	var last *types.Request
	require.Eventually(t, func() bool {
		req, err := h.store.GetRequest(id)
		if err != nil {
			return false
		}
		last = req
		return req.State == want
	}, 5*time.Second, 10*time.Millisecond, "request never reached %s", want)
	return last
}

func TestSubmitHappyPathSync(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Body: json.RawMessage(`{"issues":0}`), ContentType: "application/json"}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateQueued, accepted.State)
	assert.Equal(t, 3, accepted.MaxAttempts)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	assert.Equal(t, 1, final.AttemptsMade)
	assert.Equal(t, "w-1", final.LastWorkerID)
	require.NotEmpty(t, final.ResultID)

	res, err := h.results.Get(context.Background(), "alice", final.ResultID)
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindInline, res.Kind)
	body, err := h.results.Resolve(context.Background(), res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"issues":0}`, string(body))

	jobs, err := h.store.ListJobsByRequest(accepted.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStateSucceeded, jobs[0].State)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.False(t, jobs[0].FinishedAt.IsZero())
}

func TestSubmitValidation(t *testing.T) {
	worker := dispatchWorker("w-1")
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), &fakeDispatcher{})

	_, err := h.manager.Submit(context.Background(), analysisRequest(func(r *types.Request) { r.Owner = "" }))
	assert.Error(t, err)

	_, err = h.manager.Submit(context.Background(), analysisRequest(func(r *types.Request) { r.Kind = "" }))
	assert.Error(t, err)

	_, err = h.manager.Submit(context.Background(), analysisRequest(func(r *types.Request) { r.Priority = "urgent" }))
	assert.Error(t, err)
}

func TestSubmitFailsFastWithoutWorker(t *testing.T) {
	h := newHarness(t, DefaultConfig(), &fakeRouter{err: types.ErrNoWorkerAvailable}, newFakeWorkers(), &fakeDispatcher{})
	h.manager.Start()

	_, err := h.manager.Submit(context.Background(), analysisRequest())
	require.ErrorIs(t, err, types.ErrNoWorkerAvailable)

	// The refused request is still recorded for the audit trail.
	reqs, err := h.store.ListRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, types.RequestStateFailed, reqs[0].State)
	assert.Equal(t, "no_worker_available", reqs[0].ErrorKind)
}

func TestSubmitWhileDraining(t *testing.T) {
	worker := dispatchWorker("w-1")
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), &fakeDispatcher{})
	h.manager.Start()
	h.manager.Drain()

	_, err := h.manager.Submit(context.Background(), analysisRequest())
	assert.ErrorIs(t, err, types.ErrDraining)
	assert.True(t, h.manager.Stats().Draining)
}

func TestRetryThenSuccess(t *testing.T) {
	worker := dispatchWorker("w-1")
	cfg := DefaultConfig()
	cfg.BackoffBase = 20 * time.Millisecond
	disp := &fakeDispatcher{script: []scripted{
		{err: types.NewDispatchError(types.DispatchHTTP5xx, 503, nil)},
		{resp: &transport.Response{Body: json.RawMessage(`{"issues":2}`)}},
	}}
	h := newHarness(t, cfg, &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	start := time.Now()
	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	assert.Equal(t, 2, final.AttemptsMade)
	assert.GreaterOrEqual(t, time.Since(start), cfg.BackoffBase)

	jobs, err := h.store.ListJobsByRequest(accepted.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	states := map[types.JobState]int{}
	for _, j := range jobs {
		states[j.State]++
	}
	assert.Equal(t, 1, states[types.JobStateFailed])
	assert.Equal(t, 1, states[types.JobStateSucceeded])
}

func TestNonRetriableFailure(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{err: types.NewDispatchError(types.DispatchHTTP4xx, 422, errors.New("bad payload"))},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateFailed)
	assert.Equal(t, 1, final.AttemptsMade)
	assert.Equal(t, "dispatch_http_4xx", final.ErrorKind)
	assert.Equal(t, 1, disp.calls())

	// The typed error is stored as a result.
	require.NotEmpty(t, final.ResultID)
	res, err := h.results.Get(context.Background(), "alice", final.ResultID)
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindError, res.Kind)
	assert.Equal(t, "dispatch_http_4xx", res.ErrorKind)
}

func TestWorkerReportedFailureDoesNotRetry(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Failed: true, Error: "repo not found"}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateFailed)
	assert.Equal(t, "worker_failed", final.ErrorKind)
	assert.Equal(t, "repo not found", final.ErrorMessage)
	assert.Equal(t, 1, disp.calls())
}

func TestAsyncCallbackCompletes(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Async: true}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h.waitRequestState(t, accepted.ID, types.RequestStateRunning)

	jobs, err := h.store.ListJobsByRequest(accepted.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	ok := h.manager.HandleCallback(jobs[0].ID, &types.Callback{
		TaskID:  jobs[0].ID,
		Status:  types.CallbackStatusCompleted,
		Results: json.RawMessage(`{"graph_nodes":812}`),
	})
	assert.True(t, ok)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	res, err := h.results.GetByRequest(context.Background(), "alice", final.ID)
	require.NoError(t, err)
	body, err := h.results.Resolve(context.Background(), res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"graph_nodes":812}`, string(body))
}

func TestAsyncCallbackReportsFailure(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Async: true}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h.waitRequestState(t, accepted.ID, types.RequestStateRunning)

	jobs, _ := h.store.ListJobsByRequest(accepted.ID)
	require.Len(t, jobs, 1)
	ok := h.manager.HandleCallback(jobs[0].ID, &types.Callback{
		TaskID: jobs[0].ID,
		Status: types.CallbackStatusFailed,
		Error:  "analysis crashed",
	})
	assert.True(t, ok)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateFailed)
	assert.Equal(t, "worker_failed", final.ErrorKind)
	assert.Equal(t, "analysis crashed", final.ErrorMessage)
	assert.Equal(t, 1, disp.calls(), "worker-reported failures must not retry")
}

func TestDuplicateCallbackIgnored(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Async: true}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h.waitRequestState(t, accepted.ID, types.RequestStateRunning)

	jobs, _ := h.store.ListJobsByRequest(accepted.ID)
	require.Len(t, jobs, 1)
	cb := &types.Callback{TaskID: jobs[0].ID, Status: types.CallbackStatusCompleted, Results: json.RawMessage(`{"n":1}`)}
	assert.True(t, h.manager.HandleCallback(jobs[0].ID, cb))

	h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	assert.False(t, h.manager.HandleCallback(jobs[0].ID, cb), "late duplicate must be ignored")

	// Only one result exists for the request.
	res, _, err := h.results.List(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestAsyncTimeoutExhaustsAttempts(t *testing.T) {
	worker := dispatchWorker("w-1")
	cfg := DefaultConfig()
	cfg.DefaultDeadline = 50 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Async: true}},
	}}
	h := newHarness(t, cfg, &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateFailed)
	assert.Equal(t, "timeout", final.ErrorKind)
	assert.Equal(t, final.MaxAttempts, final.AttemptsMade)
	assert.Equal(t, 3, disp.calls())
}

func TestCancelQueuedJob(t *testing.T) {
	worker := dispatchWorker("w-1")
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), &fakeDispatcher{})
	// Dispatcher not started: the job stays queued.

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	require.Equal(t, 1, h.manager.QueueDepth())

	require.NoError(t, h.manager.Cancel(accepted.ID))
	assert.Equal(t, 0, h.manager.QueueDepth())

	req, err := h.store.GetRequest(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateCancelled, req.State)

	jobs, _ := h.store.ListJobsByRequest(accepted.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStateCancelled, jobs[0].State)

	// No result is stored for a cancelled request.
	_, err = h.results.GetByRequest(context.Background(), "alice", accepted.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCancelRunningJobDiscardsLateCallback(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Async: true}},
	}}
	workers := newFakeWorkers(worker)
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, workers, disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h.waitRequestState(t, accepted.ID, types.RequestStateRunning)

	jobs, _ := h.store.ListJobsByRequest(accepted.ID)
	require.Len(t, jobs, 1)

	require.NoError(t, h.manager.Cancel(accepted.ID))
	final := h.waitRequestState(t, accepted.ID, types.RequestStateCancelled)
	assert.Equal(t, types.RequestStateCancelled, final.State)

	// The late callback is discarded and stores nothing.
	ok := h.manager.HandleCallback(jobs[0].ID, &types.Callback{
		TaskID:  jobs[0].ID,
		Status:  types.CallbackStatusCompleted,
		Results: json.RawMessage(`{"n":1}`),
	})
	assert.False(t, ok)
	_, err = h.results.GetByRequest(context.Background(), "alice", accepted.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The worker slot frees once the executor unwinds.
	require.Eventually(t, func() bool { return workers.inFlight("w-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelIdempotentAndConflicts(t *testing.T) {
	worker := dispatchWorker("w-1")
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Body: json.RawMessage(`{}`)}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	// Unknown request.
	assert.ErrorIs(t, h.manager.Cancel("nope"), types.ErrNotFound)

	// Succeeded request: conflict.
	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	assert.ErrorIs(t, h.manager.Cancel(accepted.ID), ErrNotCancellable)

	// Cancelled request: idempotent.
	disp2 := &fakeDispatcher{script: []scripted{{resp: &transport.Response{Async: true}}}}
	h2 := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp2)
	h2.manager.Start()
	second, err := h2.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	h2.waitRequestState(t, second.ID, types.RequestStateRunning)
	require.NoError(t, h2.manager.Cancel(second.ID))
	require.NoError(t, h2.manager.Cancel(second.ID))
}

func TestUnhealthyWorkerReroutes(t *testing.T) {
	workerA := dispatchWorker("w-a")
	workerB := dispatchWorker("w-b")
	cfg := DefaultConfig()
	cfg.BackoffBase = 5 * time.Millisecond
	disp := &fakeDispatcher{script: []scripted{
		{err: fmt.Errorf("worker w-a circuit open: %w", types.ErrWorkerUnhealthy)},
		{resp: &transport.Response{Body: json.RawMessage(`{}`)}},
	}}
	h := newHarness(t, cfg, &fakeRouter{workers: []*types.Worker{workerA, workerB}}, newFakeWorkers(workerA, workerB), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	final := h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)
	assert.Equal(t, 2, final.AttemptsMade)
	assert.Equal(t, []string{"w-a", "w-b"}, disp.workerSequence(), "second attempt must re-route")
}

func TestGlobalConcurrencyBound(t *testing.T) {
	worker := dispatchWorker("w-1")
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	gate := &gatedDispatcher{gate: make(chan struct{})}
	h := newHarness(t, cfg, &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), gate)
	h.manager.Start()

	first, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	second, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gate.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return gate.calls() > 1 }, 400*time.Millisecond, 20*time.Millisecond,
		"second job must wait for the global slot")
	assert.Equal(t, 1, h.manager.RunningJobs())

	close(gate.gate)
	h.waitRequestState(t, first.ID, types.RequestStateSucceeded)
	h.waitRequestState(t, second.ID, types.RequestStateSucceeded)
	assert.Equal(t, 2, gate.calls())
}

func TestPerWorkerBound(t *testing.T) {
	worker := dispatchWorker("w-1", func(w *types.Worker) { w.Flags.MaxInFlight = 1 })
	gate := &gatedDispatcher{gate: make(chan struct{})}
	workers := newFakeWorkers(worker)
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, workers, gate)
	h.manager.Start()

	first, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	second, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gate.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return gate.calls() > 1 }, 400*time.Millisecond, 20*time.Millisecond,
		"second job must wait for the worker slot")

	close(gate.gate)
	h.waitRequestState(t, first.ID, types.RequestStateSucceeded)
	h.waitRequestState(t, second.ID, types.RequestStateSucceeded)
}

func TestRecoverReenqueuesAndFinalizes(t *testing.T) {
	worker := dispatchWorker("w-1")
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), &fakeDispatcher{})
	// Not started: recovery must work before the dispatcher runs.

	now := time.Now()
	withBudget := &types.Request{
		ID: "req-live", Owner: "alice", Kind: types.TaskKindCodeAnalysis,
		Priority: types.PriorityNormal, MaxAttempts: 3,
		State: types.RequestStateRunning, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateRequest(withBudget))
	require.NoError(t, h.store.CreateJob(&types.Job{
		ID: "job-live", RequestID: "req-live", Owner: "alice", WorkerID: "w-1",
		Attempt: 1, State: types.JobStateRunning, CreatedAt: now,
	}))

	exhausted := &types.Request{
		ID: "req-spent", Owner: "alice", Kind: types.TaskKindCodeAnalysis,
		Priority: types.PriorityNormal, MaxAttempts: 2,
		State: types.RequestStateRunning, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateRequest(exhausted))
	require.NoError(t, h.store.CreateJob(&types.Job{
		ID: "job-spent", RequestID: "req-spent", Owner: "alice", WorkerID: "w-1",
		Attempt: 2, State: types.JobStateRunning, CreatedAt: now,
	}))

	require.NoError(t, h.manager.Recover())

	// Budget left: a fresh unrouted attempt is queued.
	assert.Equal(t, 1, h.manager.QueueDepth())
	live, err := h.store.GetRequest("req-live")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateQueued, live.State)
	liveJobs, _ := h.store.ListJobsByRequest("req-live")
	require.Len(t, liveJobs, 2)

	oldJob, err := h.store.GetJob("job-live")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, oldJob.State)

	// Budget spent: the request finalizes as lost.
	spent, err := h.store.GetRequest("req-spent")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateFailed, spent.State)
	assert.Equal(t, "lost", spent.ErrorKind)
	require.NotEmpty(t, spent.ResultID)
	res, err := h.results.Get(context.Background(), "alice", spent.ResultID)
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindError, res.Kind)
}

func TestPointerResultForPreferringWorker(t *testing.T) {
	worker := dispatchWorker("w-1", func(w *types.Worker) { w.Flags.PrefersPointerResult = true })
	disp := &fakeDispatcher{script: []scripted{
		{resp: &transport.Response{Body: json.RawMessage(`{"report":"short"}`)}},
	}}
	h := newHarness(t, DefaultConfig(), &fakeRouter{workers: []*types.Worker{worker}}, newFakeWorkers(worker), disp)
	h.manager.Start()

	accepted, err := h.manager.Submit(context.Background(), analysisRequest())
	require.NoError(t, err)
	final := h.waitRequestState(t, accepted.ID, types.RequestStateSucceeded)

	res, err := h.results.Get(context.Background(), "alice", final.ResultID)
	require.NoError(t, err)
	assert.Equal(t, types.ResultKindPointer, res.Kind, "pointer-preferring workers store pointers even under the threshold")
	body, err := h.results.Resolve(context.Background(), res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"report":"short"}`, string(body))
}
