package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/maestro/pkg/types"
)

// MemoryStore implements Store with in-process maps. Entities are held as
// JSON so reads hand back copies, matching BoltStore semantics exactly; a
// deployment on MemoryStore loses all state on restart.
type MemoryStore struct {
	mu               sync.RWMutex
	workers          map[string][]byte
	requests         map[string][]byte
	jobs             map[string][]byte
	results          map[string][]byte // key: owner/id
	resultsByRequest map[string]string // key: owner/requestID -> result id
	decisions        [][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:          make(map[string][]byte),
		requests:         make(map[string][]byte),
		jobs:             make(map[string][]byte),
		results:          make(map[string][]byte),
		resultsByRequest: make(map[string]string),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func put[T any](s *MemoryStore, table map[string][]byte, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table[key] = data
	return nil
}

func get[T any](s *MemoryStore, table map[string][]byte, key, kind string) (*T, error) {
	s.mu.RLock()
	data, ok := table[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, key, types.ErrNotFound)
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func list[T any](s *MemoryStore, table map[string][]byte) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]*T, 0, len(table))
	for _, data := range table {
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, err
		}
		values = append(values, &value)
	}
	return values, nil
}

// Worker operations

func (s *MemoryStore) CreateWorker(worker *types.Worker) error {
	return put(s, s.workers, worker.ID, worker)
}

func (s *MemoryStore) GetWorker(id string) (*types.Worker, error) {
	return get[types.Worker](s, s.workers, id, "worker")
}

func (s *MemoryStore) ListWorkers() ([]*types.Worker, error) {
	return list[types.Worker](s, s.workers)
}

func (s *MemoryStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker)
}

func (s *MemoryStore) DeleteWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

// Request operations

func (s *MemoryStore) CreateRequest(request *types.Request) error {
	return put(s, s.requests, request.ID, request)
}

func (s *MemoryStore) GetRequest(id string) (*types.Request, error) {
	return get[types.Request](s, s.requests, id, "request")
}

func (s *MemoryStore) ListRequests() ([]*types.Request, error) {
	return list[types.Request](s, s.requests)
}

func (s *MemoryStore) UpdateRequest(request *types.Request) error {
	return s.CreateRequest(request)
}

func (s *MemoryStore) DeleteRequest(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// Job operations

func (s *MemoryStore) CreateJob(job *types.Job) error {
	return put(s, s.jobs, job.ID, job)
}

func (s *MemoryStore) GetJob(id string) (*types.Job, error) {
	return get[types.Job](s, s.jobs, id, "job")
}

func (s *MemoryStore) ListJobs() ([]*types.Job, error) {
	return list[types.Job](s, s.jobs)
}

func (s *MemoryStore) ListJobsByRequest(requestID string) ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var jobs []*types.Job
	for _, job := range all {
		if job.RequestID == requestID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListActiveJobs() ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var jobs []*types.Job
	for _, job := range all {
		if job.State.Active() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Result operations

func (s *MemoryStore) CreateResult(result *types.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Owner+"/"+result.ID] = data
	s.resultsByRequest[result.Owner+"/"+result.RequestID] = result.ID
	return nil
}

func (s *MemoryStore) GetResult(owner, id string) (*types.Result, error) {
	return get[types.Result](s, s.results, owner+"/"+id, "result")
}

func (s *MemoryStore) GetResultByRequest(owner, requestID string) (*types.Result, error) {
	s.mu.RLock()
	resultID, ok := s.resultsByRequest[owner+"/"+requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("result for request %s: %w", requestID, types.ErrNotFound)
	}
	return s.GetResult(owner, resultID)
}

func (s *MemoryStore) ListResultsByOwner(owner string) ([]*types.Result, error) {
	all, err := list[types.Result](s, s.results)
	if err != nil {
		return nil, err
	}
	var results []*types.Result
	for _, result := range all {
		if result.Owner == owner {
			results = append(results, result)
		}
	}
	return results, nil
}

func (s *MemoryStore) ListResults() ([]*types.Result, error) {
	return list[types.Result](s, s.results)
}

func (s *MemoryStore) DeleteResult(owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.results[owner+"/"+id]
	if !ok {
		return nil // idempotent
	}
	var result types.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return err
	}
	delete(s.results, owner+"/"+id)
	delete(s.resultsByRequest, owner+"/"+result.RequestID)
	return nil
}

// Decision operations

func (s *MemoryStore) AppendDecision(decision *types.Decision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, data)
	return nil
}

func (s *MemoryStore) ListDecisions(limit int) ([]*types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var decisions []*types.Decision
	for i := len(s.decisions) - 1; i >= 0 && (limit <= 0 || len(decisions) < limit); i-- {
		var decision types.Decision
		if err := json.Unmarshal(s.decisions[i], &decision); err != nil {
			return nil, err
		}
		decisions = append(decisions, &decision)
	}
	return decisions, nil
}

func (s *MemoryStore) DeleteDecisionsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.decisions[:0]
	deleted := 0
	for _, data := range s.decisions {
		var decision types.Decision
		if err := json.Unmarshal(data, &decision); err != nil {
			return deleted, err
		}
		if decision.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, data)
	}
	s.decisions = kept
	return deleted, nil
}

// SortResultsNewestFirst orders results by creation time descending with id
// as the stable tie-break. Shared by the pagination path in pkg/results.
func SortResultsNewestFirst(results []*types.Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}
