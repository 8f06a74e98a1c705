// Package analysis defines core types shared across subsystems.
package analysis

import "time"

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a sink state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobKind distinguishes single-post jobs from batch aggregates.
type JobKind string

// Job kinds.
const (
	KindSingle JobKind = "single"
	KindBatch  JobKind = "batch"
)

// PostKind identifies the surface form of an Instagram post.
type PostKind string

// Post kinds extracted from submitted URLs.
const (
	PostKindPost PostKind = "post"
	PostKindReel PostKind = "reel"
	PostKindTV   PostKind = "tv"
)

// Stage names the internal steps of a running analysis, in pipeline order.
type Stage string

// Pipeline stages emitted as progress updates.
const (
	StageParse         Stage = "url_parse"
	StageFetchPost     Stage = "post_fetch"
	StageFetchComments Stage = "comments_fetch"
	StageScore         Stage = "scoring"
	StageAggregate     Stage = "aggregation"
)

// Options captures caller-supplied analysis configuration. Immutable after
// submission.
type Options struct {
	MaxComments    int  `json:"max_comments"`
	IncludeReplies bool `json:"include_replies"`
}

// Progress is the fixed-shape progress record attached to a running job.
// Percent is monotonically non-decreasing as observed by readers. Detail
// carries a bounded set of stage-specific keys.
type Progress struct {
	Percent int               `json:"percent"`
	Stage   Stage             `json:"stage"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// JobError preserves the cause of a terminal failure.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the central entity tracked by the job store.
type Job struct {
	ID            string    `json:"id"`
	Kind          JobKind   `json:"kind"`
	InputURL      string    `json:"input_url,omitempty"`
	NormalizedURL string    `json:"normalized_url,omitempty"`
	PostID        string    `json:"post_id,omitempty"`
	PostKind      PostKind  `json:"post_kind,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Options       Options   `json:"options"`
	Status        JobStatus `json:"status"`
	// Attempt is the highest delivery attempt observed to start running.
	// Progress updates carrying a lower attempt are stale and discarded.
	Attempt         int        `json:"attempt"`
	Progress        Progress   `json:"progress"`
	ResultRef       string     `json:"result_ref,omitempty"`
	Error           *JobError  `json:"error,omitempty"`
	ChildIDs        []string   `json:"child_ids,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

// Lane selects the delivery lane a descriptor travels on. Batch-expanded
// sub-jobs ride the lower-priority lane so a large batch cannot starve
// single-job latency.
type Lane string

// Queue lanes.
const (
	LaneDefault Lane = "default"
	LaneBatch   Lane = "batch"
)

// Descriptor is the wire form of a job carried by the queue.
type Descriptor struct {
	JobID    string  `json:"job_id"`
	InputURL string  `json:"input_url"`
	Options  Options `json:"options"`
	Attempt  int     `json:"attempt"`
	Lane     Lane    `json:"lane"`
}

// Outcome is the terminal disposition applied by Finalize.
type Outcome struct {
	Status    JobStatus
	ResultRef string
	Error     *JobError
}

// Succeeded builds a success outcome referencing a stored result payload.
func Succeeded(resultRef string) Outcome {
	return Outcome{Status: JobStatusSucceeded, ResultRef: resultRef}
}

// Failed builds a failure outcome preserving the causing error.
func Failed(kind ErrorKind, msg string) Outcome {
	return Outcome{Status: JobStatusFailed, Error: &JobError{Kind: kind, Message: msg}}
}

// Cancelled builds a cancellation outcome.
func Cancelled() Outcome {
	return Outcome{Status: JobStatusCancelled}
}
