// Package crawl defines core types shared across subsystems.
package crawl

import "time"

// URLState represents the lifecycle state of a discovered URL.
type URLState string

// URL states tracked by the frontier. A URL holds exactly one state at a
// time; the only backward transitions are IN_FLIGHT->QUEUED (re-queue) and
// FAILED->QUEUED (retry under budget).
const (
	StateQueued   URLState = "QUEUED"
	StateInFlight URLState = "IN_FLIGHT"
	StateDone     URLState = "DONE"
	StateFailed   URLState = "FAILED"
	StateRejected URLState = "REJECTED"
)

// Terminal reports whether a state admits no further transitions besides a
// budgeted retry out of FAILED.
func (s URLState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// URLRecord is the frontier's authoritative view of one canonical URL.
type URLRecord struct {
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Depth        int       `json:"depth"`
	State        URLState  `json:"state"`
	AssignedTo   string    `json:"assigned_to,omitempty"`
	Attempts     int       `json:"attempts"`
	Bytes        int64     `json:"bytes,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Task is one unit of crawl work handed to a worker.
type Task struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Depth    int       `json:"depth"`
	Enqueued time.Time `json:"enqueued_at"`
}

// Outcome classifies a worker's result report for a task.
type Outcome string

// Report outcomes accepted by the master. A rejected outcome marks a policy
// denial discovered at fetch time (robots rules can change between admission
// and fetch); it is terminal and not counted against the retry budget.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// Result is the payload a crawler worker reports after working a task.
type Result struct {
	TaskID       string   `json:"task_id"`
	URL          string   `json:"url"`
	Outcome      Outcome  `json:"outcome"`
	Links        []string `json:"links,omitempty"`
	BlobKey      string   `json:"blob_key,omitempty"`
	Bytes        int64    `json:"bytes,omitempty"`
	ErrorText    string   `json:"error_text,omitempty"`
	RejectReason string   `json:"reject_reason,omitempty"`
}

// WorkerRole distinguishes the closed set of node variants in the cluster.
type WorkerRole string

// Worker roles registered with the master.
const (
	RoleCrawler WorkerRole = "CRAWLER"
	RoleIndexer WorkerRole = "INDEXER"
)

// WorkerCounters are the cumulative per-worker stats carried on heartbeats.
type WorkerCounters struct {
	Crawled  int `json:"crawled"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Indexed  int `json:"indexed"`
}

// Heartbeat is the periodic liveness signal from a worker to the master.
type Heartbeat struct {
	WorkerID string         `json:"worker_id"`
	Role     WorkerRole     `json:"role"`
	Counters WorkerCounters `json:"counters"`
	SentAt   time.Time      `json:"sent_at"`
}

// PageNotice tells an indexer that a fetched page is ready in the blob store.
type PageNotice struct {
	URL       string    `json:"url"`
	BlobKey   string    `json:"blob_key"`
	FetchedAt time.Time `json:"fetched_at"`
}

// WorkerView is the stats-facing summary of one registered worker.
type WorkerView struct {
	WorkerID  string         `json:"worker_id"`
	Role      WorkerRole     `json:"role"`
	Liveness  string         `json:"liveness"`
	LastSeen  time.Time      `json:"last_seen"`
	Counters  WorkerCounters `json:"counters"`
	TaskCount int            `json:"task_count"`
}

// StatsSnapshot is the read-only aggregate served to dashboards.
type StatsSnapshot struct {
	Queued     int          `json:"queued"`
	InFlight   int          `json:"in_flight"`
	Done       int          `json:"done"`
	Failed     int          `json:"failed"`
	Rejected   int          `json:"rejected"`
	Requeued   int          `json:"requeued"`
	Workers    []WorkerView `json:"workers"`
	TakenAt    time.Time    `json:"taken_at"`
	TotalSeen  int          `json:"total_seen"`
	DeadWorker int          `json:"dead_workers"`
}
