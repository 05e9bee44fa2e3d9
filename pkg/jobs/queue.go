package jobs

import (
	"container/heap"
	"sync"

	"github.com/cuemby/maestro/pkg/types"
)

// queueItem is one dispatchable job with its request's priority weight and
// an enqueue sequence number for FIFO ordering inside a priority band.
type queueItem struct {
	job    *types.Job
	weight int
	seq    uint64
	index  int
}

// jobQueue is a priority queue of dispatchable jobs. Higher priority pops
// first; ties pop in enqueue order. Jobs cancelled while queued are removed
// in place.
type jobQueue struct {
	mu    sync.Mutex
	items queueHeap
	byID  map[string]*queueItem
	seq   uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{byID: make(map[string]*queueItem)}
}

// Push enqueues the job at the given priority.
func (q *jobQueue) Push(job *types.Job, priority types.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	item := &queueItem{job: job, weight: priority.Weight(), seq: q.seq}
	q.byID[job.ID] = item
	heap.Push(&q.items, item)
}

// Pop removes and returns the highest-priority job, or false when empty.
func (q *jobQueue) Pop() (*types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, item.job.ID)
	return item.job, true
}

// Remove takes a queued job out of the queue. It reports whether the job
// was present.
func (q *jobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, jobID)
	return true
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// queueHeap implements heap.Interface. Not safe for concurrent use; jobQueue
// holds the lock.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
