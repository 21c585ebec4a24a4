// Package sinks contains Sink implementations consuming progress events.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/progress"
)

// LogSink emits structured logs for progress streams. Useful during
// development or audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("kind", string(evt.Kind)),
			zap.String("url", evt.URL),
			zap.String("domain", evt.Domain),
			zap.String("worker_id", evt.WorkerID),
			zap.String("status_class", evt.StatusClass),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
