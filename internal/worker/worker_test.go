package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/analyzer"
	"github.com/gramsight/sentiment-service/internal/clock/system"
	jobmem "github.com/gramsight/sentiment-service/internal/jobstore/memory"
	"github.com/gramsight/sentiment-service/internal/queue"
	queuemem "github.com/gramsight/sentiment-service/internal/queue/memory"
	resmem "github.com/gramsight/sentiment-service/internal/resultstore/memory"
)

const validURL = "https://www.instagram.com/p/ABCDEFGHIJK/"

type harness struct {
	store   *jobmem.JobStore
	queue   *queuemem.Queue
	results *resmem.Store
	worker  *Worker
	cancel  context.CancelFunc
	done    chan struct{}
}

type flakyPostFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    analyzer.StubPostFetcher
}

func (f *flakyPostFetcher) FetchPost(ctx context.Context, postID string, kind analysis.PostKind) (analysis.PostData, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= f.failures {
		return analysis.PostData{}, errors.New("upstream hiccup")
	}
	return f.inner.FetchPost(ctx, postID, kind)
}

func (f *flakyPostFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newHarness(t *testing.T, posts analysis.PostFetcher, cfg Config) *harness {
	t.Helper()
	clk := system.New()
	store := jobmem.NewJobStore(clk)
	results := resmem.New()
	q := queuemem.New(queuemem.Config{
		Depth:       16,
		Lease:       time.Minute,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     queue.BackoffPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		DeadLetter:  DeadLetter(store, nil),
	})
	if cfg.ID == "" {
		cfg.ID = "worker-test"
	}
	if posts == nil {
		posts = &analyzer.StubPostFetcher{}
	}
	w := New(q, store, results, posts, &analyzer.StubCommentFetcher{}, &analyzer.KeywordScorer{},
		clk, nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	h := &harness{store: store, queue: q, results: results, worker: w, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
		q.Close()
	})
	return h
}

func (h *harness) submit(t *testing.T, jobID, url string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := analysis.Job{
		ID:        jobID,
		Kind:      analysis.KindSingle,
		InputURL:  url,
		Status:    analysis.JobStatusQueued,
		Progress:  analysis.Progress{Percent: 0, Stage: analysis.StageParse},
		Options:   analysis.Options{MaxComments: 50},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.queue.Enqueue(ctx, analysis.Descriptor{
		JobID:    jobID,
		InputURL: url,
		Options:  job.Options,
		Attempt:  1,
		Lane:     analysis.LaneDefault,
	}))
}

func (h *harness) waitTerminal(t *testing.T, jobID string) analysis.Job {
	t.Helper()
	var job analysis.Job
	require.Eventually(t, func() bool {
		got, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{MaxAttempts: 3})
	h.submit(t, "job-1", validURL)

	job := h.waitTerminal(t, "job-1")
	require.Equal(t, analysis.JobStatusSucceeded, job.Status)
	require.Equal(t, 100, job.Progress.Percent)
	require.NotEmpty(t, job.ResultRef)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	payload, err := h.results.Get(context.Background(), job.ResultRef)
	require.NoError(t, err)
	var result analysis.Result
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Equal(t, "ABCDEFGHIJK", result.PostID)
	require.Equal(t, validURL, result.NormalizedURL)
	require.Equal(t, analysis.SentimentPositive, result.SentimentAnalysis.OverallSentiment)
	require.Equal(t, 5, result.SentimentAnalysis.Summary.TotalComments)
	require.Equal(t, analyzer.ModelVersion, result.SentimentAnalysis.ModelVersion)
}

func TestWorkerInvalidURLFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{MaxAttempts: 3})
	h.submit(t, "job-1", "https://example.com/p/ABCDEFGHIJK/")

	job := h.waitTerminal(t, "job-1")
	require.Equal(t, analysis.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Equal(t, analysis.ErrKindInvalidInput, job.Error.Kind)
	require.Equal(t, "Invalid Instagram URL provided", job.Error.Message)
	require.Empty(t, job.ResultRef)
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	fetcher := &flakyPostFetcher{failures: 2}
	h := newHarness(t, fetcher, Config{MaxAttempts: 3})
	h.submit(t, "job-1", validURL)

	job := h.waitTerminal(t, "job-1")
	require.Equal(t, analysis.JobStatusSucceeded, job.Status)
	require.Equal(t, 3, job.Attempt)
	require.GreaterOrEqual(t, fetcher.count(), 3)
}

func TestWorkerExhaustsRetries(t *testing.T) {
	t.Parallel()
	fetcher := &flakyPostFetcher{failures: 100}
	h := newHarness(t, fetcher, Config{MaxAttempts: 2})
	h.submit(t, "job-1", validURL)

	job := h.waitTerminal(t, "job-1")
	require.Equal(t, analysis.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Equal(t, analysis.ErrKindRetriesExhausted, job.Error.Kind)
	// Progress from the failing attempt is preserved, not rolled back.
	require.Equal(t, analysis.StageFetchPost, job.Progress.Stage)
}

func TestWorkerHonorsCancelRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{MaxAttempts: 3})
	ctx := context.Background()
	now := time.Now().UTC()
	job := analysis.Job{
		ID:        "job-1",
		Kind:      analysis.KindSingle,
		InputURL:  validURL,
		Status:    analysis.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.store.RequestCancel(ctx, "job-1"))
	require.NoError(t, h.queue.Enqueue(ctx, analysis.Descriptor{
		JobID:    "job-1",
		InputURL: validURL,
		Attempt:  1,
	}))

	got := h.waitTerminal(t, "job-1")
	require.Equal(t, analysis.JobStatusCancelled, got.Status)
	require.Empty(t, got.ResultRef)
}

func TestWorkerDropsStaleDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{MaxAttempts: 5})
	ctx := context.Background()
	now := time.Now().UTC()
	job := analysis.Job{
		ID:        "job-1",
		Kind:      analysis.KindSingle,
		InputURL:  validURL,
		Status:    analysis.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	// A newer attempt already owns the record.
	require.NoError(t, h.store.MarkRunning(ctx, "job-1", 3, now))

	require.NoError(t, h.queue.Enqueue(ctx, analysis.Descriptor{
		JobID:    "job-1",
		InputURL: validURL,
		Attempt:  1,
	}))

	time.Sleep(100 * time.Millisecond)
	got, err := h.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusRunning, got.Status)
	require.Equal(t, 3, got.Attempt)
}

func TestWorkerRecordsHeartbeats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, Config{MaxAttempts: 3, ID: "worker-hb", HeartbeatInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		workers, err := h.store.ActiveWorkers(context.Background(), time.Now().UTC().Add(-time.Minute))
		if err != nil {
			return false
		}
		for _, id := range workers {
			if id == "worker-hb" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeadLetterFinalizesAbandonedJob(t *testing.T) {
	t.Parallel()
	clk := system.New()
	store := jobmem.NewJobStore(clk)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(ctx, analysis.Job{
		ID:        "job-1",
		Kind:      analysis.KindSingle,
		InputURL:  validURL,
		Status:    analysis.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}))

	hook := DeadLetter(store, nil)
	hook(ctx, analysis.Descriptor{JobID: "job-1", InputURL: validURL, Attempt: 4})

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusFailed, job.Status)
	require.Equal(t, analysis.ErrKindRetriesExhausted, job.Error.Kind)

	// A second invocation is a no-op, the first outcome stands.
	hook(ctx, analysis.Descriptor{JobID: "job-1", Attempt: 5})
	again, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.Error.Message, again.Error.Message)
}
