package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/maestro/pkg/types"
)

var (
	// Bucket names
	bucketWorkers          = []byte("workers")
	bucketRequests         = []byte("requests")
	bucketJobs             = []byte("jobs")
	bucketResults          = []byte("results")
	bucketResultsByRequest = []byte("results_by_request")
	bucketDecisions        = []byte("decisions")
)

// BoltStore implements Store using BoltDB. Each entity lives in its own
// bucket as JSON; results use composite "owner/id" keys so owner scoping is
// structural, and decisions use a monotonic sequence for append ordering.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "maestro.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers,
			bucketRequests,
			bucketJobs,
			bucketResults,
			bucketResultsByRequest,
			bucketDecisions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func resultKey(owner, id string) []byte {
	return []byte(owner + "/" + id)
}

// Worker operations

func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker) // upsert
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// Request operations

func (s *BoltStore) CreateRequest(request *types.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data, err := json.Marshal(request)
		if err != nil {
			return err
		}
		return b.Put([]byte(request.ID), data)
	})
}

func (s *BoltStore) GetRequest(id string) (*types.Request, error) {
	var request types.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("request %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &request)
	})
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (s *BoltStore) ListRequests() ([]*types.Request, error) {
	var requests []*types.Request
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var request types.Request
			if err := json.Unmarshal(v, &request); err != nil {
				return err
			}
			requests = append(requests, &request)
			return nil
		})
	})
	return requests, err
}

func (s *BoltStore) UpdateRequest(request *types.Request) error {
	return s.CreateRequest(request) // upsert
}

func (s *BoltStore) DeleteRequest(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Delete([]byte(id))
	})
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByRequest(requestID string) ([]*types.Job, error) {
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

func (s *BoltStore) ListActiveJobs() ([]*types.Job, error) {
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

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // upsert
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Result operations

func (s *BoltStore) CreateResult(result *types.Result) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketResults).Put(resultKey(result.Owner, result.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketResultsByRequest).Put(
			resultKey(result.Owner, result.RequestID), []byte(result.ID))
	})
}

func (s *BoltStore) GetResult(owner, id string) (*types.Result, error) {
	var result types.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(resultKey(owner, id))
		if data == nil {
			return fmt.Errorf("result %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) GetResultByRequest(owner, requestID string) (*types.Result, error) {
	var resultID string
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketResultsByRequest).Get(resultKey(owner, requestID))
		if id == nil {
			return fmt.Errorf("result for request %s: %w", requestID, types.ErrNotFound)
		}
		resultID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetResult(owner, resultID)
}

func (s *BoltStore) ListResultsByOwner(owner string) ([]*types.Result, error) {
	prefix := []byte(owner + "/")
	var results []*types.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var result types.Result
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
		}
		return nil
	})
	return results, err
}

func (s *BoltStore) ListResults() ([]*types.Result, error) {
	var results []*types.Result
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).ForEach(func(k, v []byte) error {
			var result types.Result
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
			return nil
		})
	})
	return results, err
}

func (s *BoltStore) DeleteResult(owner, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := resultKey(owner, id)
		data := tx.Bucket(bucketResults).Get(key)
		if data == nil {
			return nil // idempotent
		}
		var result types.Result
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
		if err := tx.Bucket(bucketResults).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketResultsByRequest).Delete(resultKey(owner, result.RequestID))
	})
}

// Decision operations

func (s *BoltStore) AppendDecision(decision *types.Decision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(decision)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListDecisions(limit int) ([]*types.Decision, error) {
	var decisions []*types.Decision
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDecisions).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(decisions) < limit); k, v = c.Prev() {
			var decision types.Decision
			if err := json.Unmarshal(v, &decision); err != nil {
				return err
			}
			decisions = append(decisions, &decision)
		}
		return nil
	})
	return decisions, err
}

func (s *BoltStore) DeleteDecisionsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var decision types.Decision
			if err := json.Unmarshal(v, &decision); err != nil {
				return err
			}
			if decision.CreatedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
