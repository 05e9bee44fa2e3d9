package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Capability describes one thing a worker can do: a named operation at a
// version, with the set of parameters it understands.
type Capability struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Parameters []string `json:"parameters,omitempty"`
}

// Satisfies reports whether this declared capability satisfies a required
// one: same name, declared version >= required version (semver ordering),
// and declared parameters a superset of the required parameters.
// Unparseable versions never satisfy anything.
func (c Capability) Satisfies(required Capability) bool {
	if c.Name != required.Name {
		return false
	}
	have, err := semver.NewVersion(c.Version)
	if err != nil {
		return false
	}
	want, err := semver.NewVersion(required.Version)
	if err != nil {
		return false
	}
	if have.LessThan(want) {
		return false
	}
	declared := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		declared[p] = true
	}
	for _, p := range required.Parameters {
		if !declared[p] {
			return false
		}
	}
	return true
}

// String returns "name@version" for logs and cache keys.
func (c Capability) String() string {
	return fmt.Sprintf("%s@%s", c.Name, c.Version)
}

// TaskKind identifies the class of work a request carries and a worker accepts.
type TaskKind string

const (
	TaskKindFileSearch            TaskKind = "file_search"
	TaskKindCodeAnalysis          TaskKind = "code_analysis"
	TaskKindASTParsing            TaskKind = "ast_parsing"
	TaskKindSecurityScan          TaskKind = "security_scan"
	TaskKindVulnerabilityAnalysis TaskKind = "vulnerability_analysis"
	TaskKindRepoManagement        TaskKind = "repo_management"
	TaskKindKGGeneration          TaskKind = "kg_generation"
	TaskKindAgentExecution        TaskKind = "agent_execution"
	TaskKindCustom                TaskKind = "custom"
)

// HealthStatus represents a worker's current routable status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthOffline   HealthStatus = "offline"
)

// Routable reports whether a worker in this status may receive new work.
func (h HealthStatus) Routable() bool {
	return h == HealthHealthy || h == HealthWarning
}

// Score maps the status onto the router's health sub-score.
func (h HealthStatus) Score() float64 {
	switch h {
	case HealthHealthy:
		return 1.0
	case HealthWarning:
		return 0.7
	case HealthUnhealthy:
		return 0.3
	default:
		return 0.0
	}
}

// RoutingFlags carry the per-worker knobs the router and job manager consult.
type RoutingFlags struct {
	RunsOnUserCompute     bool `json:"runs_on_user_compute"`
	PrefersPointerResult  bool `json:"prefers_pointer_result"`
	AllowOperatorFallback bool `json:"allow_operator_fallback"`
	Priority              int  `json:"priority"`          // 0-10, tie-break only
	MaxInFlight           int  `json:"max_in_flight"`     // concurrent jobs this worker accepts
	DefaultDeadline       int  `json:"default_deadline"`  // seconds
}

// HealthState is the mutable health record attached to a worker.
type HealthState struct {
	Status              HealthStatus `json:"status"`
	LastProbeAt         time.Time    `json:"last_probe_at"`
	LastError           string       `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalProbes         int64        `json:"total_probes"`
	TotalFailures       int64        `json:"total_failures"`
}

// Worker describes a capability server: immutable identity plus mutable health.
// An empty OwnerID means the worker is operator-hosted and serves any owner;
// a non-empty OwnerID restricts it to that owner's requests.
type Worker struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Endpoint     string       `json:"endpoint"`
	OwnerID      string       `json:"owner_id,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	TaskKinds    []TaskKind   `json:"task_kinds"`
	Flags        RoutingFlags `json:"flags"`
	Health       HealthState  `json:"health"`
	Disabled     bool         `json:"disabled"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Routable reports whether the worker may be offered new work right now.
func (w *Worker) Routable() bool {
	return !w.Disabled && w.Health.Status.Routable()
}

// SupportsKind reports whether the worker declared the given task kind.
func (w *Worker) SupportsKind(kind TaskKind) bool {
	for _, k := range w.TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Satisfies reports whether any declared capability satisfies the required one.
func (w *Worker) Satisfies(required Capability) bool {
	for _, c := range w.Capabilities {
		if c.Satisfies(required) {
			return true
		}
	}
	return false
}

// AccessibleBy reports whether requests from the given owner may route to
// this worker. Operator-hosted workers serve everyone; user-hosted workers
// serve only their owner.
func (w *Worker) AccessibleBy(owner string) bool {
	return w.OwnerID == "" || w.OwnerID == owner
}

// Priority orders requests in the dispatch queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the queue ordering weight; higher dequeues first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether the priority is one of the four known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RequestState is the caller-visible lifecycle state of a request.
type RequestState string

const (
	RequestStatePending   RequestState = "pending"
	RequestStateQueued    RequestState = "queued"
	RequestStateRunning   RequestState = "running"
	RequestStateSucceeded RequestState = "succeeded"
	RequestStateFailed    RequestState = "failed"
	RequestStateCancelled RequestState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s RequestState) Terminal() bool {
	return s == RequestStateSucceeded || s == RequestStateFailed || s == RequestStateCancelled
}

// Request is the caller-level unit of work.
type Request struct {
	ID                   string            `json:"id"`
	Owner                string            `json:"owner"`
	Kind                 TaskKind          `json:"kind"`
	Priority             Priority          `json:"priority"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	ContentType          string            `json:"content_type,omitempty"`
	RequiredCapabilities []Capability      `json:"required_capabilities,omitempty"`
	Heavy                bool              `json:"heavy,omitempty"`
	Deadline             int               `json:"deadline,omitempty"` // seconds, 0 = worker default
	MaxAttempts          int               `json:"max_attempts,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`

	State        RequestState `json:"state"`
	AttemptsMade int          `json:"attempts_made"`
	LastWorkerID string       `json:"last_worker_id,omitempty"`
	ResultID     string       `json:"result_id,omitempty"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// JobState is the lifecycle state of a single dispatch attempt.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// Active reports whether the job occupies the request's single active slot.
func (s JobState) Active() bool {
	return s == JobStatePending || s == JobStateQueued || s == JobStateRunning
}

// Job is one dispatch attempt for a request. A request may produce several
// jobs across retries; at most one may be active at a time.
type Job struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Owner      string    `json:"owner"`
	Attempt    int       `json:"attempt"`
	State      JobState  `json:"state"`
	Deadline   int       `json:"deadline"` // effective seconds: min(request, worker default)
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ResultKind discriminates how a result's body is stored.
type ResultKind string

const (
	ResultKindInline  ResultKind = "inline"
	ResultKindPointer ResultKind = "pointer"
	ResultKindError   ResultKind = "error"
)

// Result is the artifact (or typed failure) a job produced. For pointer
// results Body holds the blob locator; Size and Checksum always describe
// the original artifact bytes.
type Result struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	Owner        string     `json:"owner"`
	Kind         ResultKind `json:"kind"`
	Body         []byte     `json:"body,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	Size         int64      `json:"size"`
	Checksum     string     `json:"checksum,omitempty"` // sha256 hex of the artifact
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ScoreBreakdown records the four sub-scores behind a routing decision.
type ScoreBreakdown struct {
	Capability float64 `json:"capability"`
	Resource   float64 `json:"resource"`
	Health     float64 `json:"health"`
	Preference float64 `json:"preference"`
}

// Decision is one routing decision, kept for introspection.
type Decision struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	Kind       TaskKind       `json:"kind"`
	WorkerID   string         `json:"worker_id"`
	Scores     ScoreBreakdown `json:"scores"`
	Total      float64        `json:"total"`
	Candidates int            `json:"candidates"`
	Cached     bool           `json:"cached"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Callback is the body an asynchronous worker posts back when a job finishes.
type Callback struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"` // "completed" or "failed"
	Results   json.RawMessage `json:"results,omitempty"`
	Error     string          `json:"error,omitempty"`
	Signature string          `json:"signature,omitempty"` // the job's envelope token
}

const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)
