package metrics

import (
	"time"

	"github.com/cuemby/maestro/pkg/types"
)

// JobSampler exposes the job manager gauges the collector samples.
type JobSampler interface {
	QueueDepth() int
	RunningJobs() int
	RequestCounts() map[types.RequestState]int
}

// WorkerSampler exposes the registry gauges the collector samples.
type WorkerSampler interface {
	CountsByStatus() map[types.HealthStatus]int
}

// Collector periodically samples gauge-style metrics from the job manager
// and the registry. Counters are incremented inline by the components
// themselves; only point-in-time values go through the collector.
type Collector struct {
	jobs     JobSampler
	workers  WorkerSampler
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(jobs JobSampler, workers WorkerSampler) *Collector {
	return &Collector{
		jobs:     jobs,
		workers:  workers,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectWorkerMetrics()
}

func (c *Collector) collectJobMetrics() {
	if c.jobs == nil {
		return
	}

	QueueDepth.Set(float64(c.jobs.QueueDepth()))
	JobsRunning.Set(float64(c.jobs.RunningJobs()))

	counts := c.jobs.RequestCounts()
	for _, state := range []types.RequestState{
		types.RequestStatePending,
		types.RequestStateQueued,
		types.RequestStateRunning,
		types.RequestStateSucceeded,
		types.RequestStateFailed,
		types.RequestStateCancelled,
	} {
		RequestsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectWorkerMetrics() {
	if c.workers == nil {
		return
	}

	counts := c.workers.CountsByStatus()
	for _, status := range []types.HealthStatus{
		types.HealthHealthy,
		types.HealthWarning,
		types.HealthUnhealthy,
		types.HealthUnknown,
		types.HealthOffline,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
