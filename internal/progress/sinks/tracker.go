// Package sinks provides the progress.Sink implementations: a live tracker
// for status reads, a structured-log sink, and a Prometheus sink.
package sinks

import (
	"context"
	"sync"

	"github.com/gramsight/sentiment-service/internal/progress"
)

// Tracker retains the freshest snapshot per job so status reads can overlay
// live progress on top of the persisted record. Stale snapshots from older
// attempts or lower percents are ignored.
type Tracker struct {
	mu     sync.RWMutex
	latest map[string]progress.Event
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{latest: make(map[string]progress.Event)}
}

// Consume keeps the newest snapshot per job from the batch.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		cur, ok := t.latest[evt.JobID]
		if ok && (cur.Attempt > evt.Attempt || (cur.Attempt == evt.Attempt && cur.Percent > evt.Percent)) {
			continue
		}
		t.latest[evt.JobID] = evt
	}
	return nil
}

// Snapshot returns the freshest known event for the job.
func (t *Tracker) Snapshot(jobID string) (progress.Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	evt, ok := t.latest[jobID]
	return evt, ok
}

// Forget drops a job's snapshot, usually after it turns terminal.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.latest, jobID)
	t.mu.Unlock()
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}
