// Package memory bridges page-ready notices onto an in-process task queue,
// so single-process deployments run crawler and indexer against the same
// queue semantics as a real broker.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

// Publisher enqueues published payloads onto per-topic queues.
type Publisher struct {
	topics map[string]crawl.TaskQueue
}

// New builds a Publisher over the given topic-to-queue mapping.
func New(topics map[string]crawl.TaskQueue) *Publisher {
	return &Publisher{topics: topics}
}

// Publish marshals payload as JSON and enqueues it on the topic's queue.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	q, ok := p.topics[topic]
	if !ok {
		return "", fmt.Errorf("unknown topic %q", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %q: %w", topic, err)
	}
	if err := q.Enqueue(ctx, data); err != nil {
		return "", fmt.Errorf("enqueue on %q: %w", topic, err)
	}
	return uuid.NewString(), nil
}
