// Package memory provides a queue implementation for local development and
// tests. It honors the same visibility-timeout semantics as the durable
// backends: a dequeued message stays leased until acked or the lease expires,
// after which it is redelivered.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/queue"
)

const sweepInterval = 250 * time.Millisecond

type lease struct {
	payload  []byte
	deadline time.Time
}

// Queue is a bounded in-memory queue with lease tracking.
type Queue struct {
	mu         sync.Mutex
	ready      [][]byte
	inflight   map[string]lease
	capacity   int
	visibility time.Duration
	notify     chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	closed     bool
}

// New constructs a Queue with the provided capacity and visibility timeout.
func New(capacity int, visibility time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if visibility <= 0 {
		visibility = time.Minute
	}
	q := &Queue{
		inflight:   make(map[string]lease),
		capacity:   capacity,
		visibility: visibility,
		notify:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	go q.sweep()
	return q
}

// Enqueue appends a payload, failing when the queue is full or closed.
func (q *Queue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if len(q.ready)+len(q.inflight) >= q.capacity {
		return fmt.Errorf("enqueue: queue at capacity %d", q.capacity)
	}
	q.ready = append(q.ready, append([]byte(nil), payload...))
	q.wake()
	return nil
}

// Dequeue leases the oldest ready payload, blocking up to wait.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (crawl.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msg, ok, err := q.tryLease(); err != nil || ok {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return crawl.Message{}, queue.ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawl.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.stopCh:
			timer.Stop()
			return crawl.Message{}, queue.ErrClosed
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return crawl.Message{}, queue.ErrEmpty
		}
	}
}

func (q *Queue) tryLease() (crawl.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawl.Message{}, false, queue.ErrClosed
	}
	if len(q.ready) == 0 {
		return crawl.Message{}, false, nil
	}
	payload := q.ready[0]
	q.ready = q.ready[1:]
	receipt := uuid.NewString()
	q.inflight[receipt] = lease{payload: payload, deadline: time.Now().Add(q.visibility)}
	return crawl.Message{Receipt: receipt, Payload: payload}, true, nil
}

// Ack removes a leased message permanently.
func (q *Queue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return queue.ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	return nil
}

// Close stops the sweeper and rejects further operations.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stopCh)
	})
	return nil
}

// Len reports ready plus in-flight messages; used by stats and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// sweep returns expired leases to the ready list.
func (q *Queue) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			q.reclaim(now)
		}
	}
}

func (q *Queue) reclaim(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for receipt, l := range q.inflight {
		if now.After(l.deadline) {
			delete(q.inflight, receipt)
			q.ready = append(q.ready, l.payload)
			q.wake()
		}
	}
}
