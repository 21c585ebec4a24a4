// Package progress defines the lifecycle events emitted by the master and
// workers, and the non-blocking hub that fans them out to sinks. Keeping
// stats consumers behind the hub keeps the assignment and reporting paths
// free of observer latency.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindURLDone      Kind = "URL_DONE"
	KindURLFailed    Kind = "URL_FAILED"
	KindURLRejected  Kind = "URL_REJECTED"
	KindTaskRequeued Kind = "TASK_REQUEUED"
	KindWorkerDead   Kind = "WORKER_DEAD"
	KindFetchDone    Kind = "FETCH_DONE"
	KindDocIndexed   Kind = "DOC_INDEXED"
)

// Event captures a single milestone in the crawl's progress.
type Event struct {
	Kind Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// URL is set for URL-scoped events.
	URL string
	// Domain optionally scopes fetch events to a host label.
	Domain string
	// WorkerID is set for worker-scoped events.
	WorkerID string
	// StatusClass groups HTTP response codes for fetch completions.
	StatusClass string
	// Dur captures fetch or task latency where it applies.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindURLDone, KindURLFailed, KindURLRejected, KindTaskRequeued:
		if e.URL == "" {
			return fmt.Errorf("%s requires a url", e.Kind)
		}
	case KindWorkerDead:
		if e.WorkerID == "" {
			return errors.New("worker death requires a worker id")
		}
	case KindFetchDone:
		if e.Domain == "" {
			return errors.New("fetch done requires a domain")
		}
	case KindDocIndexed:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
