package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(jobID string, percent int) Event {
	return Event{
		JobID:   jobID,
		Attempt: 1,
		Stage:   analysis.StageFetchPost,
		Percent: percent,
		TS:      time.Now().UTC(),
	}
}

func TestHubDeliversEventsToSinks(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent("job-1", 20))
	hub.Emit(validEvent("job-1", 40))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{JobID: "", Percent: 20})
	hub.Emit(Event{JobID: "job-1", Stage: "bogus", Percent: 20, TS: time.Now()})
	hub.Emit(Event{JobID: "job-1", Stage: analysis.StageScore, Percent: 150, TS: time.Now()})
	hub.Emit(validEvent("job-1", 65))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubFlushesOnClose(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent("job-1", i*10))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 10)
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(validEvent("job-1", 20))
	require.Empty(t, sink.snapshot())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()
	var hub *Hub
	hub.Emit(validEvent("job-1", 20))
	require.NoError(t, hub.Close(context.Background()))
}
