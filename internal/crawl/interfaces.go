package crawl

import (
	"context"
	"net/http"
	"time"
)

// TaskQueue provides at-least-once delivery with a visibility timeout.
// A dequeued message stays hidden from other consumers until acked or its
// lease expires, at which point the queue redelivers it.
type TaskQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
	// Dequeue blocks up to wait for a message. It returns ErrEmpty-wrapped
	// errors from implementations when nothing arrives in time.
	Dequeue(ctx context.Context, wait time.Duration) (Message, error)
	Ack(ctx context.Context, receipt string) error
	Close() error
}

// Message is one delivery from a TaskQueue. Receipt identifies the lease for
// acking; the same payload may carry different receipts across redeliveries.
type Message struct {
	Receipt string
	Payload []byte
}

// BlobStore persists raw artifacts keyed by a stable hash of the canonical
// URL, so repeated crawls of the same URL overwrite rather than duplicate.
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher fetches a URL within a bounded timeout.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Publisher pushes page-ready notifications toward the indexers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes stable digests used as blob keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (seam for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
