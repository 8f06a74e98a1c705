// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/analyzer"
	"github.com/gramsight/sentiment-service/internal/clock/system"
	jobmem "github.com/gramsight/sentiment-service/internal/jobstore/memory"
	resmem "github.com/gramsight/sentiment-service/internal/resultstore/memory"
	"github.com/gramsight/sentiment-service/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	clk := system.New()
	w := worker.New(
		queue,
		jobmem.NewJobStore(clk),
		resmem.New(),
		&analyzer.StubPostFetcher{},
		&analyzer.StubCommentFetcher{},
		&analyzer.KeywordScorer{},
		clk,
		nil,
		worker.Config{ID: "dispatch-test"},
		zap.NewNop(),
	)
	dispatch := New(queue, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), analysis.Descriptor{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ analysis.Descriptor) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (analysis.Delivery, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Remove(context.Context, string) (bool, error) { return false, nil }
func (q *blockingQueue) Ping(context.Context) error                   { return nil }
func (q *blockingQueue) Close() error                                 { return nil }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, analysis.Descriptor) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (analysis.Delivery, error) {
	return nil, nil
}

func (q *errorQueue) Remove(context.Context, string) (bool, error) { return false, nil }
func (q *errorQueue) Ping(context.Context) error                   { return nil }
func (q *errorQueue) Close() error                                 { return nil }
