package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where no dashboard is watching the metrics.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
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
			zap.String("job_id", evt.JobID),
			zap.Int("attempt", evt.Attempt),
			zap.String("stage", string(evt.Stage)),
			zap.Int("percent", evt.Percent),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
