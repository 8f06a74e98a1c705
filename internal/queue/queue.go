// Package queue holds pieces shared by the queue backends: the redelivery
// backoff policy and the dead-letter hook invoked when a descriptor runs out
// of attempts without the worker reporting an outcome.
package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// ErrQueueFull is returned by bounded backends when the pending set is at
// capacity.
var ErrQueueFull = errors.New("queue full")

// DeadLetterFunc receives descriptors whose attempts are exhausted through
// lease expiry or negative acknowledgement. Implementations finalize the job
// so it cannot stay queued forever after a worker crash.
type DeadLetterFunc func(ctx context.Context, d analysis.Descriptor)

// BackoffPolicy computes jittered exponential redelivery delays.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before redelivering for the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	delay := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	half := time.Duration(delay) / 2
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
