// Package memory provides the in-memory queue backend for local development
// and tests. Deliveries are leased: a dequeued descriptor that is neither
// acked nor nacked before its lease expires is redelivered with a bumped
// attempt count, so a crashed worker cannot strand a job.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/metrics"
	"github.com/gramsight/sentiment-service/internal/queue"
)

// Config controls capacity, leasing and redelivery.
type Config struct {
	Depth       int
	Lease       time.Duration
	MaxAttempts int
	Backoff     queue.BackoffPolicy
	DeadLetter  queue.DeadLetterFunc
}

type item struct {
	desc    analysis.Descriptor
	readyAt time.Time
}

type lease struct {
	desc     analysis.Descriptor
	deadline time.Time
}

// Queue is the in-memory implementation of analysis.Queue.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	pending  map[analysis.Lane][]item
	inflight map[string]lease
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// lanes in dequeue preference order.
var lanes = []analysis.Lane{analysis.LaneDefault, analysis.LaneBatch}

// New constructs a queue and starts its lease janitor.
func New(cfg Config) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 1024
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	q := &Queue{
		cfg:      cfg,
		pending:  make(map[analysis.Lane][]item),
		inflight: make(map[string]lease),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.janitor()
	return q
}

// Enqueue adds a descriptor to its lane, failing when the queue is full or
// closed.
func (q *Queue) Enqueue(ctx context.Context, d analysis.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analysis.ErrQueueClosed
	}
	if q.depthLocked() >= q.cfg.Depth {
		return queue.ErrQueueFull
	}
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	lane := d.Lane
	if lane == "" {
		lane = analysis.LaneDefault
	}
	q.pending[lane] = append(q.pending[lane], item{desc: d, readyAt: time.Now()})
	metrics.SetQueueDepth(string(lane), len(q.pending[lane]))
	q.signal()
	return nil
}

// Dequeue blocks until a descriptor is ready, the context ends, or the queue
// closes with nothing pending. The default lane is preferred over the batch
// lane so interactive jobs are not starved by fan-outs.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Delivery, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		for _, lane := range lanes {
			items := q.pending[lane]
			for i, it := range items {
				if it.readyAt.After(now) {
					continue
				}
				q.pending[lane] = append(items[:i], items[i+1:]...)
				q.inflight[it.desc.JobID] = lease{desc: it.desc, deadline: now.Add(q.cfg.Lease)}
				metrics.SetQueueDepth(string(lane), len(q.pending[lane]))
				q.mu.Unlock()
				return &delivery{q: q, desc: it.desc}, nil
			}
		}
		if q.closed {
			q.mu.Unlock()
			return nil, analysis.ErrQueueClosed
		}
		wait := q.nextReadyLocked(now)
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			// Re-check under lock; remaining ready items still drain.
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Remove drops a pending descriptor before delivery. In-flight descriptors
// are left to their worker, which observes the cancel flag at the next stage
// boundary.
func (q *Queue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range lanes {
		items := q.pending[lane]
		for i, it := range items {
			if it.desc.JobID == jobID {
				q.pending[lane] = append(items[:i], items[i+1:]...)
				metrics.SetQueueDepth(string(lane), len(q.pending[lane]))
				return true, nil
			}
		}
	}
	return false, nil
}

// Ping reports whether the queue accepts work.
func (q *Queue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return analysis.ErrQueueClosed
	}
	return nil
}

// Close stops the janitor and rejects further enqueues. Pending ready items
// remain dequeueable until drained.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) depthLocked() int {
	total := 0
	for _, items := range q.pending {
		total += len(items)
	}
	return total
}

// nextReadyLocked returns how long until the earliest delayed item becomes
// ready, or 0 when there is nothing scheduled.
func (q *Queue) nextReadyLocked(now time.Time) time.Duration {
	var next time.Time
	for _, items := range q.pending {
		for _, it := range items {
			if it.readyAt.After(now) && (next.IsZero() || it.readyAt.Before(next)) {
				next = it.readyAt
			}
		}
	}
	if next.IsZero() {
		return 0
	}
	return next.Sub(now)
}

// janitor returns expired leases to their lane with a bumped attempt, or
// dead-letters them when attempts are exhausted.
func (q *Queue) janitor() {
	defer q.wg.Done()
	interval := q.cfg.Lease / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

func (q *Queue) reapExpired() {
	now := time.Now()
	var dead []analysis.Descriptor
	q.mu.Lock()
	for jobID, l := range q.inflight {
		if l.deadline.After(now) {
			continue
		}
		delete(q.inflight, jobID)
		next := l.desc
		next.Attempt++
		if next.Attempt > q.cfg.MaxAttempts {
			dead = append(dead, next)
			continue
		}
		lane := next.Lane
		if lane == "" {
			lane = analysis.LaneDefault
		}
		q.pending[lane] = append(q.pending[lane], item{
			desc:    next,
			readyAt: now.Add(q.cfg.Backoff.Delay(next.Attempt)),
		})
		metrics.SetQueueDepth(string(lane), len(q.pending[lane]))
	}
	q.mu.Unlock()
	if len(dead) > 0 {
		q.signal()
		q.deadLetter(dead)
		return
	}
	q.signal()
}

func (q *Queue) deadLetter(descs []analysis.Descriptor) {
	if q.cfg.DeadLetter == nil {
		return
	}
	for _, d := range descs {
		q.cfg.DeadLetter(context.Background(), d)
	}
}

// delivery is a single leased dequeue. Ack and Nack settle the lease exactly
// once; later calls are no-ops.
type delivery struct {
	q       *Queue
	desc    analysis.Descriptor
	settled sync.Once
}

func (d *delivery) Descriptor() analysis.Descriptor { return d.desc }

// Ack releases the lease for good.
func (d *delivery) Ack(_ context.Context) error {
	d.settled.Do(func() {
		d.q.mu.Lock()
		delete(d.q.inflight, d.desc.JobID)
		d.q.mu.Unlock()
	})
	return nil
}

// Nack returns the descriptor for a later attempt with backoff, or
// dead-letters it when attempts are exhausted.
func (d *delivery) Nack(ctx context.Context) error {
	d.settled.Do(func() {
		next := d.desc
		next.Attempt++
		d.q.mu.Lock()
		delete(d.q.inflight, d.desc.JobID)
		if next.Attempt > d.q.cfg.MaxAttempts {
			d.q.mu.Unlock()
			if d.q.cfg.DeadLetter != nil {
				d.q.cfg.DeadLetter(ctx, next)
			}
			return
		}
		lane := next.Lane
		if lane == "" {
			lane = analysis.LaneDefault
		}
		d.q.pending[lane] = append(d.q.pending[lane], item{
			desc:    next,
			readyAt: time.Now().Add(d.q.cfg.Backoff.Delay(next.Attempt)),
		})
		metrics.SetQueueDepth(string(lane), len(d.q.pending[lane]))
		d.q.mu.Unlock()
		d.q.signal()
	})
	return nil
}
