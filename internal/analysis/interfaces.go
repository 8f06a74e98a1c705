package analysis

import (
	"context"
	"time"
)

// JobStore persists job records and serializes concurrent writers per job id.
// It is the single source of truth for job state.
type JobStore interface {
	// CreateJob writes the initial record. IDs are caller-allocated and
	// must be unique; a duplicate id is an error.
	CreateJob(ctx context.Context, job Job) error
	// GetJob returns ErrNotFound for unknown or expired ids.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// GetJobs loads several jobs at once, skipping unknown ids.
	GetJobs(ctx context.Context, jobIDs []string) ([]Job, error)
	// MarkRunning records the queued->running transition for an attempt.
	// Returns ErrAlreadyTerminal if the job finished meanwhile, or
	// ErrStaleAttempt if a newer attempt already started.
	MarkRunning(ctx context.Context, jobID string, attempt int, at time.Time) error
	// UpdateProgress applies a progress snapshot. Terminal jobs reject the
	// update (ErrAlreadyTerminal); superseded attempts are discarded
	// (ErrStaleAttempt); a percent below the stored value is a silent no-op
	// so observed progress never decreases.
	UpdateProgress(ctx context.Context, jobID string, attempt int, p Progress) error
	// Finalize transitions to a terminal state exactly once. A second call
	// for an already-terminal job is a safe no-op.
	Finalize(ctx context.Context, jobID string, outcome Outcome) error
	// RequestCancel sets the cooperative cancellation flag. Terminal jobs
	// return ErrAlreadyTerminal.
	RequestCancel(ctx context.Context, jobID string) error
	// CancelRequested reads the cancellation flag.
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	// ListRecent returns jobs newest first from the recency index.
	ListRecent(ctx context.Context, limit int) ([]Job, error)
	// RecordHeartbeat marks a worker as alive at the given instant.
	RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error
	// ActiveWorkers returns ids of workers that heartbeat since the cutoff.
	ActiveWorkers(ctx context.Context, since time.Time) ([]string, error)
	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error
}

// Delivery is one leased descriptor handed to a worker. The worker owns the
// job until it acks, nacks, or the lease expires.
type Delivery interface {
	Descriptor() Descriptor
	// Ack releases the lease and removes the descriptor permanently.
	Ack(ctx context.Context) error
	// Nack releases the lease and schedules redelivery with an incremented
	// attempt count, subject to queue backoff.
	Nack(ctx context.Context) error
}

// Queue carries job descriptors from submitters to workers with
// at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, d Descriptor) error
	// Dequeue blocks until a descriptor is available or the context ends.
	// Default-lane descriptors are preferred over batch-lane ones.
	Dequeue(ctx context.Context) (Delivery, error)
	// Remove drops an undelivered descriptor, if the backend supports it.
	// It reports whether the descriptor was removed before delivery.
	Remove(ctx context.Context, jobID string) (bool, error)
	// Ping verifies broker connectivity for health reporting.
	Ping(ctx context.Context) error
	Close() error
}

// ResultStore holds one optional large result payload per job, with the
// same retention horizon as the job record.
type ResultStore interface {
	// Put stores the payload and returns an opaque reference.
	Put(ctx context.Context, jobID string, payload []byte) (string, error)
	// Get resolves a reference produced by Put, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PostFetcher retrieves post-level data for a parsed post reference.
type PostFetcher interface {
	FetchPost(ctx context.Context, postID string, kind PostKind) (PostData, error)
}

// CommentFetcher retrieves up to max comments for a post.
type CommentFetcher interface {
	FetchComments(ctx context.Context, postID string, max int) ([]Comment, error)
}

// Scorer classifies comment sentiment.
type Scorer interface {
	Score(ctx context.Context, comments []Comment) ([]CommentSentiment, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
