package analysis

import "errors"

// ErrorKind classifies failures for retry and presentation decisions.
type ErrorKind string

// Error kinds surfaced through the API and preserved on terminal failures.
const (
	ErrKindInvalidInput      ErrorKind = "invalid_input"
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindTransient         ErrorKind = "transient"
	ErrKindRetriesExhausted  ErrorKind = "retries_exhausted"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindTimedOut          ErrorKind = "timed_out"
	ErrKindPartialFailure    ErrorKind = "partial_failure"
	ErrKindSystemUnavailable ErrorKind = "system_unavailable"
)

// Sentinel errors shared by store and queue implementations.
var (
	// ErrNotFound signals an unknown (or expired) job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidURL signals a URL that does not resolve to a post id.
	ErrInvalidURL = errors.New("invalid instagram url")
	// ErrAlreadyTerminal guards mutations against jobs in a sink state.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// ErrStaleAttempt rejects updates from a superseded delivery attempt.
	ErrStaleAttempt = errors.New("update from superseded attempt")
	// ErrQueueClosed is returned once a queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)
