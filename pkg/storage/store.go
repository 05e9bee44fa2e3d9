package storage

import (
	"time"

	"github.com/cuemby/maestro/pkg/types"
)

// Store is the persistence interface for orchestrator state: workers,
// requests, jobs, results, and routing-decision audit entries. All writes
// are upserts; lookups that miss return an error wrapping types.ErrNotFound.
//
// Results are keyed by (owner, id); owner scoping happens at this layer so
// no caller can reach across owners by construction.
type Store interface {
	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Requests
	CreateRequest(request *types.Request) error
	GetRequest(id string) (*types.Request, error)
	ListRequests() ([]*types.Request, error)
	UpdateRequest(request *types.Request) error
	DeleteRequest(id string) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByRequest(requestID string) ([]*types.Job, error)
	ListActiveJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Results
	CreateResult(result *types.Result) error
	GetResult(owner, id string) (*types.Result, error)
	GetResultByRequest(owner, requestID string) (*types.Result, error)
	ListResultsByOwner(owner string) ([]*types.Result, error)
	ListResults() ([]*types.Result, error)
	DeleteResult(owner, id string) error

	// Routing decisions (append-only audit)
	AppendDecision(decision *types.Decision) error
	ListDecisions(limit int) ([]*types.Decision, error)
	DeleteDecisionsBefore(cutoff time.Time) (int, error)

	// Utility
	Close() error
}
