package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/progress"
)

func event(jobID string, attempt, percent int, stage analysis.Stage) progress.Event {
	return progress.Event{
		JobID:   jobID,
		Attempt: attempt,
		Stage:   stage,
		Percent: percent,
		TS:      time.Now().UTC(),
	}
}

func TestTrackerKeepsFreshestSnapshot(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	ctx := context.Background()

	require.NoError(t, tracker.Consume(ctx, []progress.Event{
		event("job-1", 1, 20, analysis.StageFetchPost),
		event("job-1", 1, 40, analysis.StageFetchComments),
	}))

	snap, ok := tracker.Snapshot("job-1")
	require.True(t, ok)
	require.Equal(t, 40, snap.Percent)
	require.Equal(t, analysis.StageFetchComments, snap.Stage)
}

func TestTrackerIgnoresStaleSnapshots(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	ctx := context.Background()

	require.NoError(t, tracker.Consume(ctx, []progress.Event{
		event("job-1", 2, 40, analysis.StageFetchComments),
		// Late snapshot from a superseded attempt.
		event("job-1", 1, 65, analysis.StageScore),
		// Lower percent within the live attempt.
		event("job-1", 2, 20, analysis.StageFetchPost),
	}))

	snap, ok := tracker.Snapshot("job-1")
	require.True(t, ok)
	require.Equal(t, 2, snap.Attempt)
	require.Equal(t, 40, snap.Percent)
}

func TestTrackerForget(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	require.NoError(t, tracker.Consume(context.Background(), []progress.Event{
		event("job-1", 1, 95, analysis.StageAggregate),
	}))
	tracker.Forget("job-1")
	_, ok := tracker.Snapshot("job-1")
	require.False(t, ok)
}
