// Package memory provides an in-memory job store for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// JobStore keeps job records in process memory. Expiry is passive: expired
// records are filtered on read and evicted lazily.
type JobStore struct {
	mu         sync.RWMutex
	jobs       map[string]analysis.Job
	heartbeats map[string]time.Time
	clock      analysis.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock analysis.Clock) *JobStore {
	return &JobStore{
		jobs:       make(map[string]analysis.Job),
		heartbeats: make(map[string]time.Time),
		clock:      clock,
	}
}

// CreateJob stores a new job record and sweeps out expired ones, so the map
// never outgrows the records created within one retention window.
func (s *JobStore) CreateJob(_ context.Context, job analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(s.clock.Now())
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID, treating expired records as absent.
func (s *JobStore) GetJob(_ context.Context, jobID string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.live(jobID)
	if !ok {
		return analysis.Job{}, analysis.ErrNotFound
	}
	return job, nil
}

// GetJobs loads several jobs, skipping missing or expired ids.
func (s *JobStore) GetJobs(_ context.Context, jobIDs []string) ([]analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]analysis.Job, 0, len(jobIDs))
	for _, id := range jobIDs {
		if job, ok := s.live(id); ok {
			out = append(out, job)
		}
	}
	return out, nil
}

// MarkRunning records the queued->running transition for a delivery attempt.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.live(jobID)
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return analysis.ErrAlreadyTerminal
	}
	if attempt < job.Attempt {
		return analysis.ErrStaleAttempt
	}
	if job.StartedAt == nil {
		started := at
		job.StartedAt = &started
		// First transition resets progress; retries keep the last
		// successfully reached stage visible.
		job.Progress = analysis.Progress{Percent: 0, Stage: analysis.StageParse}
	}
	job.Status = analysis.JobStatusRunning
	job.Attempt = attempt
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress applies a progress snapshot for an attempt. Lower percent
// values are discarded so observed progress never decreases.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, attempt int, p analysis.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.live(jobID)
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return analysis.ErrAlreadyTerminal
	}
	if attempt < job.Attempt {
		return analysis.ErrStaleAttempt
	}
	if p.Percent < job.Progress.Percent {
		return nil
	}
	job.Progress = p
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// Finalize transitions a job to a terminal state exactly once; repeat calls
// are safe no-ops.
func (s *JobStore) Finalize(_ context.Context, jobID string, outcome analysis.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.live(jobID)
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := s.clock.Now()
	job.Status = outcome.Status
	job.ResultRef = outcome.ResultRef
	job.Error = outcome.Error
	if outcome.Status == analysis.JobStatusSucceeded {
		job.Progress.Percent = 100
	}
	job.FinishedAt = &now
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.live(jobID)
	if !ok {
		return analysis.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return analysis.ErrAlreadyTerminal
	}
	job.CancelRequested = true
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *JobStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.live(jobID)
	if !ok {
		return false, analysis.ErrNotFound
	}
	return job.CancelRequested, nil
}

// ListRecent returns unexpired jobs newest first.
func (s *JobStore) ListRecent(_ context.Context, limit int) ([]analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]analysis.Job, 0, len(s.jobs))
	now := s.clock.Now()
	for _, job := range s.jobs {
		if job.ExpiresAt.IsZero() || job.ExpiresAt.After(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordHeartbeat marks a worker as alive.
func (s *JobStore) RecordHeartbeat(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[workerID] = at
	return nil
}

// ActiveWorkers returns ids of workers seen since the cutoff.
func (s *JobStore) ActiveWorkers(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, at := range s.heartbeats {
		if !at.Before(since) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *JobStore) Ping(_ context.Context) error {
	return nil
}

// evictExpiredLocked drops expired records. Callers hold the write lock.
func (s *JobStore) evictExpiredLocked(now time.Time) {
	for id, job := range s.jobs {
		if !job.ExpiresAt.IsZero() && !job.ExpiresAt.After(now) {
			delete(s.jobs, id)
		}
	}
}

// live returns the record if it exists and has not expired. Callers hold at
// least a read lock, so expired records are filtered here and deleted in
// evictExpiredLocked.
func (s *JobStore) live(jobID string) (analysis.Job, bool) {
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Job{}, false
	}
	if !job.ExpiresAt.IsZero() && !job.ExpiresAt.After(s.clock.Now()) {
		return analysis.Job{}, false
	}
	return job, true
}
