// Package worker implements the sentiment analysis pipeline execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/instaurl"
	"github.com/gramsight/sentiment-service/internal/metrics"
	"github.com/gramsight/sentiment-service/internal/progress"
)

// Stage completion percents. Observed progress only moves forward, so each
// stage claims the schedule value when it starts and 100 lands on success.
const (
	percentParse         = 5
	percentFetchPost     = 20
	percentFetchComments = 40
	percentScore         = 65
	percentAggregate     = 95
)

// invalidURLMessage is the user-facing text for unparseable submissions.
const invalidURLMessage = "Invalid Instagram URL provided"

// Config controls Worker behavior.
type Config struct {
	// ID names this worker in heartbeats and logs.
	ID string
	// StageTimeout bounds each pipeline stage.
	StageTimeout time.Duration
	// MaxAttempts is the delivery attempt ceiling, matching the queue's.
	MaxAttempts int
	// HeartbeatInterval paces liveness reports to the store.
	HeartbeatInterval time.Duration
}

// Worker consumes queue deliveries and executes the analysis pipeline.
type Worker struct {
	queue    analysis.Queue
	store    analysis.JobStore
	results  analysis.ResultStore
	posts    analysis.PostFetcher
	comments analysis.CommentFetcher
	scorer   analysis.Scorer
	clock    analysis.Clock
	emitter  progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue analysis.Queue,
	store analysis.JobStore,
	results analysis.ResultStore,
	posts analysis.PostFetcher,
	comments analysis.CommentFetcher,
	scorer analysis.Scorer,
	clock analysis.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		store:    store,
		results:  results,
		posts:    posts,
		comments: comments,
		scorer:   scorer,
		clock:    clock,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeat(hbCtx)

	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, analysis.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", delivery.Descriptor().JobID),
			zap.Int("attempt", delivery.Descriptor().Attempt))
		w.process(ctx, delivery)
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	w.recordHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recordHeartbeat(ctx)
		}
	}
}

func (w *Worker) recordHeartbeat(ctx context.Context) {
	if err := w.store.RecordHeartbeat(ctx, w.cfg.ID, w.clock.Now()); err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", zap.String("worker_id", w.cfg.ID), zap.Error(err))
	}
}

func (w *Worker) process(ctx context.Context, delivery analysis.Delivery) {
	desc := delivery.Descriptor()
	metrics.ObserveAttempt()

	parsed, err := instaurl.Parse(desc.InputURL)
	if err != nil {
		// Nothing about a malformed URL improves on retry.
		w.finalize(ctx, delivery, desc, analysis.Failed(analysis.ErrKindInvalidInput, invalidURLMessage))
		return
	}

	if err := w.store.MarkRunning(ctx, desc.JobID, desc.Attempt, w.clock.Now()); err != nil {
		switch {
		case errors.Is(err, analysis.ErrAlreadyTerminal), errors.Is(err, analysis.ErrStaleAttempt):
			w.ack(ctx, delivery, desc)
		case errors.Is(err, analysis.ErrNotFound):
			w.logger.Warn("delivery for unknown job", zap.String("job_id", desc.JobID))
			w.ack(ctx, delivery, desc)
		default:
			w.logger.Error("mark running failed", zap.String("job_id", desc.JobID), zap.Error(err))
			w.nack(ctx, delivery, desc)
		}
		return
	}

	outcome, err := w.runPipeline(ctx, desc, parsed)
	if err != nil {
		w.handlePipelineError(ctx, delivery, desc, err)
		return
	}
	w.finalize(ctx, delivery, desc, outcome)
}

// runPipeline walks the stages, checking the cancel flag at each boundary.
// It returns a terminal outcome, or an error meaning this attempt failed and
// retry policy should decide.
func (w *Worker) runPipeline(ctx context.Context, desc analysis.Descriptor, parsed instaurl.Parsed) (analysis.Outcome, error) {
	if stop, outcome := w.checkpoint(ctx, desc, percentParse, analysis.StageParse, map[string]string{
		"post_id":   parsed.PostID,
		"post_type": string(parsed.Kind),
	}); stop {
		return outcome, nil
	}

	if stop, outcome := w.checkpoint(ctx, desc, percentFetchPost, analysis.StageFetchPost, nil); stop {
		return outcome, nil
	}
	var post analysis.PostData
	err := w.stage(ctx, func(sctx context.Context) error {
		var ferr error
		post, ferr = w.posts.FetchPost(sctx, parsed.PostID, parsed.Kind)
		return ferr
	})
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("fetch post: %w", err)
	}

	if stop, outcome := w.checkpoint(ctx, desc, percentFetchComments, analysis.StageFetchComments, nil); stop {
		return outcome, nil
	}
	var comments []analysis.Comment
	err = w.stage(ctx, func(sctx context.Context) error {
		var ferr error
		comments, ferr = w.comments.FetchComments(sctx, parsed.PostID, desc.Options.MaxComments)
		return ferr
	})
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("fetch comments: %w", err)
	}

	if stop, outcome := w.checkpoint(ctx, desc, percentScore, analysis.StageScore, map[string]string{
		"comments_fetched": fmt.Sprint(len(comments)),
	}); stop {
		return outcome, nil
	}
	var scored []analysis.CommentSentiment
	err = w.stage(ctx, func(sctx context.Context) error {
		var serr error
		scored, serr = w.scorer.Score(sctx, comments)
		return serr
	})
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("score comments: %w", err)
	}

	if stop, outcome := w.checkpoint(ctx, desc, percentAggregate, analysis.StageAggregate, nil); stop {
		return outcome, nil
	}
	summary, overall := analysis.Summarize(scored)
	result := analysis.Result{
		JobID:         desc.JobID,
		InputURL:      desc.InputURL,
		NormalizedURL: parsed.CanonicalURL,
		PostID:        parsed.PostID,
		PostKind:      parsed.Kind,
		Post:          post,
		SentimentAnalysis: analysis.SentimentAnalysis{
			OverallSentiment:  overall,
			Summary:           summary,
			CommentSentiments: scored,
			AnalyzedAt:        w.clock.Now(),
			ModelVersion:      modelVersion(w.scorer),
		},
		Options: desc.Options,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("marshal result: %w", err)
	}
	ref, err := w.results.Put(ctx, desc.JobID, payload)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("store result: %w", err)
	}
	return analysis.Succeeded(ref), nil
}

// checkpoint marks entry into a stage: it observes the cancel flag and, when
// set, returns the cancelled outcome; otherwise it records progress. Progress
// write failures are logged, not fatal, except when the record turned
// terminal under us.
func (w *Worker) checkpoint(ctx context.Context, desc analysis.Descriptor, percent int, stage analysis.Stage, detail map[string]string) (bool, analysis.Outcome) {
	cancelled, err := w.store.CancelRequested(ctx, desc.JobID)
	if err != nil {
		w.logger.Warn("cancel flag read failed", zap.String("job_id", desc.JobID), zap.Error(err))
	}
	if cancelled {
		return true, analysis.Cancelled()
	}

	p := analysis.Progress{Percent: percent, Stage: stage, Detail: detail}
	if err := w.store.UpdateProgress(ctx, desc.JobID, desc.Attempt, p); err != nil {
		if errors.Is(err, analysis.ErrAlreadyTerminal) || errors.Is(err, analysis.ErrStaleAttempt) {
			// Superseded: stop without overwriting the decided outcome.
			return true, analysis.Outcome{}
		}
		w.logger.Warn("progress update failed", zap.String("job_id", desc.JobID), zap.Error(err))
	}
	if w.emitter != nil {
		w.emitter.Emit(progress.Event{
			JobID:   desc.JobID,
			Attempt: desc.Attempt,
			Stage:   stage,
			Percent: percent,
			Detail:  detail,
			TS:      w.clock.Now(),
		})
	}
	return false, analysis.Outcome{}
}

// stage runs one pipeline step under the stage timeout.
func (w *Worker) stage(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	return fn(sctx)
}

func (w *Worker) handlePipelineError(ctx context.Context, delivery analysis.Delivery, desc analysis.Descriptor, err error) {
	if ctx.Err() != nil {
		// Shutdown mid-attempt: hand the delivery back for another worker.
		w.nack(context.Background(), delivery, desc)
		return
	}
	if desc.Attempt >= w.cfg.MaxAttempts {
		w.logger.Warn("attempts exhausted",
			zap.String("job_id", desc.JobID), zap.Int("attempt", desc.Attempt), zap.Error(err))
		w.finalize(ctx, delivery, desc,
			analysis.Failed(analysis.ErrKindRetriesExhausted,
				fmt.Sprintf("analysis failed after %d attempts: %v", desc.Attempt, err)))
		return
	}
	w.logger.Warn("attempt failed, redelivering",
		zap.String("job_id", desc.JobID), zap.Int("attempt", desc.Attempt), zap.Error(err))
	w.nack(ctx, delivery, desc)
}

// finalize writes the outcome (first writer wins) and settles the delivery.
func (w *Worker) finalize(ctx context.Context, delivery analysis.Delivery, desc analysis.Descriptor, outcome analysis.Outcome) {
	if outcome.Status == "" {
		// Superseded attempt: nothing to write.
		w.ack(ctx, delivery, desc)
		return
	}
	if err := w.store.Finalize(ctx, desc.JobID, outcome); err != nil && !errors.Is(err, analysis.ErrNotFound) {
		w.logger.Error("finalize failed",
			zap.String("job_id", desc.JobID), zap.String("status", string(outcome.Status)), zap.Error(err))
		w.nack(ctx, delivery, desc)
		return
	}
	metrics.ObserveJob(string(outcome.Status))
	if w.emitter != nil && outcome.Status == analysis.JobStatusSucceeded {
		w.emitter.Emit(progress.Event{
			JobID:   desc.JobID,
			Attempt: desc.Attempt,
			Stage:   analysis.StageAggregate,
			Percent: 100,
			TS:      w.clock.Now(),
		})
	}
	w.ack(ctx, delivery, desc)
}

func (w *Worker) ack(ctx context.Context, delivery analysis.Delivery, desc analysis.Descriptor) {
	if err := delivery.Ack(ctx); err != nil {
		w.logger.Warn("ack failed", zap.String("job_id", desc.JobID), zap.Error(err))
	}
}

func (w *Worker) nack(ctx context.Context, delivery analysis.Delivery, desc analysis.Descriptor) {
	if err := delivery.Nack(ctx); err != nil {
		w.logger.Warn("nack failed", zap.String("job_id", desc.JobID), zap.Error(err))
	}
}

// versioned lets scorers report their model identifier; the worker falls
// back to "unknown" for anonymous implementations.
type versioned interface {
	Version() string
}

func modelVersion(s analysis.Scorer) string {
	if v, ok := s.(versioned); ok {
		return v.Version()
	}
	return "unknown"
}
