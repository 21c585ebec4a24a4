package sinks

import (
	"context"

	"github.com/mazen4bs/crawlgrid/internal/metrics"
	"github.com/mazen4bs/crawlgrid/internal/progress"
)

// PrometheusSink forwards progress events into the shared metrics collectors.
// It is the only writer for the event-shaped counters; emitters must not
// update them directly or the counts double.
type PrometheusSink struct{}

// NewPrometheusSink returns the sink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume updates the Prometheus collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consume(evt)
	}
	return nil
}

func (s *PrometheusSink) consume(evt progress.Event) {
	switch evt.Kind {
	case progress.KindURLDone:
		metrics.ObserveTerminalURL("done")
	case progress.KindURLFailed:
		metrics.ObserveTerminalURL("failed")
	case progress.KindURLRejected:
		metrics.ObserveTerminalURL("rejected")
	case progress.KindTaskRequeued:
		metrics.ObserveRequeue()
	case progress.KindWorkerDead:
		metrics.ObserveDeadWorker()
	case progress.KindDocIndexed:
		metrics.ObserveIndexedDoc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
