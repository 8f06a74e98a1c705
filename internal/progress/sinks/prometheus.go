package sinks

import (
	"context"
	"sync"

	"github.com/gramsight/sentiment-service/internal/metrics"
	"github.com/gramsight/sentiment-service/internal/progress"
)

// PrometheusSink derives stage latency observations from consecutive events
// of the same job: entering a new stage closes the previous one.
type PrometheusSink struct {
	mu   sync.Mutex
	open map[string]progress.Event
}

// NewPrometheusSink creates the sink. metrics.Init must have run for the
// observations to land anywhere.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{open: make(map[string]progress.Event)}
}

// Consume observes the duration of every stage a batch closes.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		prev, ok := s.open[evt.JobID]
		if ok && prev.Attempt == evt.Attempt && prev.Stage != evt.Stage && evt.TS.After(prev.TS) {
			metrics.ObserveStage(string(prev.Stage), evt.TS.Sub(prev.TS))
		}
		if evt.Percent >= 100 {
			delete(s.open, evt.JobID)
			continue
		}
		s.open[evt.JobID] = evt
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
