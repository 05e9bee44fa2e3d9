package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/maestro/pkg/types"
)

// each test runs against both implementations
func stores(t *testing.T) map[string]Store {
	t.Helper()
	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
	}
}

func TestWorkerCRUD(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			worker := &types.Worker{
				ID:       "w1",
				Name:     "analyzer",
				Endpoint: "http://analyzer:8080",
				TaskKinds: []types.TaskKind{
					types.TaskKindCodeAnalysis,
				},
				Health:    types.HealthState{Status: types.HealthUnknown},
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, store.CreateWorker(worker))

			got, err := store.GetWorker("w1")
			require.NoError(t, err)
			assert.Equal(t, "analyzer", got.Name)
			assert.Equal(t, types.HealthUnknown, got.Health.Status)

			// Mutating the returned copy must not affect the stored record.
			got.Name = "mutated"
			again, err := store.GetWorker("w1")
			require.NoError(t, err)
			assert.Equal(t, "analyzer", again.Name)

			got.Name = "renamed"
			require.NoError(t, store.UpdateWorker(got))
			updated, err := store.GetWorker("w1")
			require.NoError(t, err)
			assert.Equal(t, "renamed", updated.Name)

			workers, err := store.ListWorkers()
			require.NoError(t, err)
			assert.Len(t, workers, 1)

			require.NoError(t, store.DeleteWorker("w1"))
			_, err = store.GetWorker("w1")
			assert.ErrorIs(t, err, types.ErrNotFound)

			// Deleting again stays idempotent.
			assert.NoError(t, store.DeleteWorker("w1"))
		})
	}
}

func TestRequestAndJobLookups(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			request := &types.Request{
				ID:       "r1",
				Owner:    "alice",
				Kind:     types.TaskKindFileSearch,
				Priority: types.PriorityNormal,
				State:    types.RequestStatePending,
			}
			require.NoError(t, store.CreateRequest(request))

			for _, job := range []*types.Job{
				{ID: "j1", RequestID: "r1", Owner: "alice", Attempt: 1, State: types.JobStateFailed},
				{ID: "j2", RequestID: "r1", Owner: "alice", Attempt: 2, State: types.JobStateRunning},
				{ID: "j3", RequestID: "other", Owner: "bob", Attempt: 1, State: types.JobStateQueued},
			} {
				require.NoError(t, store.CreateJob(job))
			}

			byRequest, err := store.ListJobsByRequest("r1")
			require.NoError(t, err)
			assert.Len(t, byRequest, 2)

			active, err := store.ListActiveJobs()
			require.NoError(t, err)
			assert.Len(t, active, 2) // j2 running, j3 queued

			job, err := store.GetJob("j2")
			require.NoError(t, err)
			job.State = types.JobStateSucceeded
			require.NoError(t, store.UpdateJob(job))

			active, err = store.ListActiveJobs()
			require.NoError(t, err)
			assert.Len(t, active, 1)

			_, err = store.GetRequest("missing")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestResultOwnerScoping(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			result := &types.Result{
				ID:        "res1",
				RequestID: "r1",
				Owner:     "alice",
				Kind:      types.ResultKindInline,
				Body:      []byte("artifact"),
				Size:      8,
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, store.CreateResult(result))

			got, err := store.GetResult("alice", "res1")
			require.NoError(t, err)
			assert.Equal(t, []byte("artifact"), got.Body)

			// A different owner cannot see the result at all.
			_, err = store.GetResult("bob", "res1")
			assert.ErrorIs(t, err, types.ErrNotFound)

			byRequest, err := store.GetResultByRequest("alice", "r1")
			require.NoError(t, err)
			assert.Equal(t, "res1", byRequest.ID)

			_, err = store.GetResultByRequest("bob", "r1")
			assert.ErrorIs(t, err, types.ErrNotFound)

			mine, err := store.ListResultsByOwner("alice")
			require.NoError(t, err)
			assert.Len(t, mine, 1)

			theirs, err := store.ListResultsByOwner("bob")
			require.NoError(t, err)
			assert.Empty(t, theirs)

			// Delete is idempotent and clears the request index.
			require.NoError(t, store.DeleteResult("alice", "res1"))
			require.NoError(t, store.DeleteResult("alice", "res1"))
			_, err = store.GetResultByRequest("alice", "r1")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestDecisionAudit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Hour)
			for i, id := range []string{"d1", "d2", "d3"} {
				require.NoError(t, store.AppendDecision(&types.Decision{
					ID:        id,
					WorkerID:  "w1",
					Total:     0.9,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			newest, err := store.ListDecisions(2)
			require.NoError(t, err)
			require.Len(t, newest, 2)
			assert.Equal(t, "d3", newest[0].ID)
			assert.Equal(t, "d2", newest[1].ID)

			all, err := store.ListDecisions(0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			deleted, err := store.DeleteDecisionsBefore(base.Add(90 * time.Second))
			require.NoError(t, err)
			assert.Equal(t, 2, deleted)

			remaining, err := store.ListDecisions(0)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.Equal(t, "d3", remaining[0].ID)
		})
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateRequest(&types.Request{
		ID:    "r1",
		Owner: "alice",
		State: types.RequestStateQueued,
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	request, err := reopened.GetRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateQueued, request.State)
}

func TestSortResultsNewestFirst(t *testing.T) {
	now := time.Now().UTC()
	results := []*types.Result{
		{ID: "a", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "c", CreatedAt: now},
		{ID: "b", CreatedAt: now},
	}

	SortResultsNewestFirst(results)

	assert.Equal(t, "c", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "a", results[2].ID)
}
