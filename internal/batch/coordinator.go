// Package batch coordinates the expansion of a batch job into child jobs
// and the bounded wait for their outcomes. The coordinator runs in the
// submitting process; if it dies mid-flight the children still complete on
// their own and the status layer aggregates them at read time, so the worst
// case is a late parent record, never a wrong one.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/metrics"
)

// Config controls expansion pacing and the bounded wait.
type Config struct {
	// MaxURLs caps batch size at submit time.
	MaxURLs int
	// Stagger is the minimum gap between child dispatches.
	Stagger time.Duration
	// MaxConcurrent bounds children in flight at once.
	MaxConcurrent int
	// Timeout is the overall wait before unfinished children are marked
	// timed out in the aggregate.
	Timeout time.Duration
	// PollInterval paces child status reads.
	PollInterval time.Duration
}

// Coordinator drives batch jobs to completion.
type Coordinator struct {
	store   analysis.JobStore
	queue   analysis.Queue
	results analysis.ResultStore
	clock   analysis.Clock
	cfg     Config
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	store analysis.JobStore,
	queue analysis.Queue,
	results analysis.ResultStore,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   store,
		queue:   queue,
		results: results,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// MaxURLs exposes the configured batch size cap for submit validation.
func (c *Coordinator) MaxURLs() int { return c.cfg.MaxURLs }

// Start launches coordination of one batch in the background.
func (c *Coordinator) Start(ctx context.Context, parentID string, children []analysis.Job) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, parentID, children)
	}()
}

// Wait blocks until all in-flight coordinations finish; called on shutdown.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) run(ctx context.Context, parentID string, children []analysis.Job) {
	deadline := c.clock.Now().Add(c.cfg.Timeout)
	logger := c.logger.With(zap.String("batch_id", parentID))

	if err := c.store.MarkRunning(ctx, parentID, 1, c.clock.Now()); err != nil {
		logger.Error("batch mark running failed", zap.Error(err))
		return
	}

	// Dispatch children with stagger and bounded concurrency. Slots free up
	// as the poll loop observes terminal children.
	slots := make(chan struct{}, c.cfg.MaxConcurrent)
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		c.dispatch(dispatchCtx, children, slots)
	}()

	childIDs := make([]string, len(children))
	for i, child := range children {
		childIDs[i] = child.ID
	}

	released := make(map[string]bool, len(children))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopDispatch()
			dispatchWG.Wait()
			return
		case <-ticker.C:
		}

		cancelled, err := c.store.CancelRequested(ctx, parentID)
		if err == nil && cancelled {
			stopDispatch()
			dispatchWG.Wait()
			c.cancelChildren(ctx, childIDs)
			c.finalizeCancelled(ctx, parentID, logger)
			return
		}

		jobs, err := c.store.GetJobs(ctx, childIDs)
		if err != nil {
			logger.Warn("batch child poll failed", zap.Error(err))
			continue
		}
		terminal := 0
		for _, job := range jobs {
			if !job.Status.IsTerminal() {
				continue
			}
			terminal++
			if !released[job.ID] {
				released[job.ID] = true
				select {
				case <-slots:
				default:
				}
			}
		}
		c.reportProgress(ctx, parentID, terminal, len(children))

		if terminal == len(children) {
			dispatchWG.Wait()
			c.finalize(ctx, parentID, children, jobs, logger)
			return
		}
		if c.clock.Now().After(deadline) {
			stopDispatch()
			dispatchWG.Wait()
			c.finalizeTimedOut(ctx, parentID, children, jobs, logger)
			return
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, children []analysis.Job, slots chan struct{}) {
	for i, child := range children {
		if i > 0 && c.cfg.Stagger > 0 {
			timer := time.NewTimer(c.cfg.Stagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}
		desc := analysis.Descriptor{
			JobID:    child.ID,
			InputURL: child.InputURL,
			Options:  child.Options,
			Attempt:  1,
			Lane:     analysis.LaneBatch,
		}
		if err := c.queue.Enqueue(ctx, desc); err != nil {
			c.logger.Error("batch child enqueue failed",
				zap.String("job_id", child.ID), zap.Error(err))
			// No worker will ever see this child, so fail it now rather
			// than leaving a queued record behind.
			outcome := analysis.Failed(analysis.ErrKindSystemUnavailable, "job could not be queued")
			if ferr := c.store.Finalize(ctx, child.ID, outcome); ferr != nil {
				c.logger.Error("finalize unqueued child failed",
					zap.String("job_id", child.ID), zap.Error(ferr))
			}
		}
	}
}

func (c *Coordinator) cancelChildren(ctx context.Context, childIDs []string) {
	for _, id := range childIDs {
		if err := c.store.RequestCancel(ctx, id); err != nil &&
			!errorIsTerminalOrMissing(err) {
			c.logger.Warn("batch child cancel failed", zap.String("job_id", id), zap.Error(err))
		}
		if _, err := c.queue.Remove(ctx, id); err != nil {
			c.logger.Warn("batch child dequeue failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// reportProgress maps completed children onto the 0..90 band, leaving the
// rest for aggregation.
func (c *Coordinator) reportProgress(ctx context.Context, parentID string, terminal, total int) {
	if total == 0 {
		return
	}
	percent := terminal * 90 / total
	p := analysis.Progress{
		Percent: percent,
		Stage:   analysis.StageAggregate,
		Detail: map[string]string{
			"completed": fmt.Sprint(terminal),
			"total":     fmt.Sprint(total),
		},
	}
	if err := c.store.UpdateProgress(ctx, parentID, 1, p); err != nil {
		c.logger.Debug("batch progress update skipped",
			zap.String("batch_id", parentID), zap.Error(err))
	}
}

func (c *Coordinator) finalize(ctx context.Context, parentID string, children []analysis.Job, polled []analysis.Job, logger *zap.Logger) {
	byID := make(map[string]analysis.Job, len(polled))
	for _, job := range polled {
		byID[job.ID] = job
	}
	summary, outcomes := c.aggregate(ctx, children, byID, nil)

	if summary.Failed > 0 || summary.Cancelled > 0 {
		c.finalizeWithFailure(ctx, parentID, summary, analysis.ErrKindPartialFailure, logger)
		return
	}

	payload, err := json.Marshal(Result{
		BatchID:  parentID,
		Summary:  summary,
		Children: outcomes,
	})
	if err != nil {
		logger.Error("batch result marshal failed", zap.Error(err))
		c.finalizeWithFailure(ctx, parentID, summary, analysis.ErrKindPartialFailure, logger)
		return
	}
	ref, err := c.results.Put(ctx, parentID, payload)
	if err != nil {
		logger.Error("batch result store failed", zap.Error(err))
		c.finalizeWithFailure(ctx, parentID, summary, analysis.ErrKindPartialFailure, logger)
		return
	}
	if err := c.store.Finalize(ctx, parentID, analysis.Succeeded(ref)); err != nil {
		logger.Error("batch finalize failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(analysis.JobStatusSucceeded))
	logger.Info("batch completed", zap.Int("children", len(children)))
}

func (c *Coordinator) finalizeTimedOut(ctx context.Context, parentID string, children []analysis.Job, polled []analysis.Job, logger *zap.Logger) {
	byID := make(map[string]analysis.Job, len(polled))
	for _, job := range polled {
		byID[job.ID] = job
	}
	timedOut := make(map[string]bool)
	for _, child := range children {
		job, ok := byID[child.ID]
		if !ok || !job.Status.IsTerminal() {
			timedOut[child.ID] = true
		}
	}
	summary, _ := c.aggregate(ctx, children, byID, timedOut)
	c.finalizeWithFailure(ctx, parentID, summary, analysis.ErrKindTimedOut, logger)
}

func (c *Coordinator) finalizeCancelled(ctx context.Context, parentID string, logger *zap.Logger) {
	if err := c.store.Finalize(ctx, parentID, analysis.Cancelled()); err != nil {
		logger.Error("batch cancel finalize failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(analysis.JobStatusCancelled))
	logger.Info("batch cancelled")
}

func (c *Coordinator) finalizeWithFailure(ctx context.Context, parentID string, summary Summary, kind analysis.ErrorKind, logger *zap.Logger) {
	msg := fmt.Sprintf("%d of %d posts analyzed (%d failed, %d timed out)",
		summary.Succeeded, summary.TotalURLs, summary.Failed, summary.TimedOut)
	if err := c.store.Finalize(ctx, parentID, analysis.Failed(kind, msg)); err != nil {
		logger.Error("batch finalize failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(analysis.JobStatusFailed))
	logger.Warn("batch finished with failures",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut))
}

// aggregate builds the per-child outcome list and the cross-child sentiment
// tallies from succeeded children's stored results.
func (c *Coordinator) aggregate(ctx context.Context, children []analysis.Job, byID map[string]analysis.Job, timedOut map[string]bool) (Summary, []ChildOutcome) {
	summary := Summary{TotalURLs: len(children)}
	outcomes := make([]ChildOutcome, 0, len(children))
	for _, child := range children {
		job, ok := byID[child.ID]
		if !ok {
			job = child
		}
		outcome := ChildOutcome{
			JobID:  child.ID,
			URL:    child.InputURL,
			Status: job.Status,
			Error:  job.Error,
		}
		switch {
		case timedOut[child.ID]:
			outcome.TimedOut = true
			summary.TimedOut++
		case job.Status == analysis.JobStatusSucceeded:
			summary.Succeeded++
			c.foldChildResult(ctx, job, &summary)
		case job.Status == analysis.JobStatusCancelled:
			summary.Cancelled++
		default:
			summary.Failed++
		}
		outcomes = append(outcomes, outcome)
	}
	if summary.TotalURLs > 0 {
		summary.SuccessRate = analysis.Round2(float64(summary.Succeeded) / float64(summary.TotalURLs) * 100)
	}
	total := summary.Aggregate.Positive + summary.Aggregate.Negative + summary.Aggregate.Neutral
	summary.Aggregate.TotalComments = total
	if total > 0 {
		summary.Aggregate.PositivePercentage = analysis.Round2(float64(summary.Aggregate.Positive) / float64(total) * 100)
		summary.Aggregate.NegativePercentage = analysis.Round2(float64(summary.Aggregate.Negative) / float64(total) * 100)
		summary.Aggregate.NeutralPercentage = analysis.Round2(float64(summary.Aggregate.Neutral) / float64(total) * 100)
	}
	return summary, outcomes
}

func (c *Coordinator) foldChildResult(ctx context.Context, job analysis.Job, summary *Summary) {
	if job.ResultRef == "" {
		return
	}
	payload, err := c.results.Get(ctx, job.ResultRef)
	if err != nil {
		c.logger.Warn("batch child result read failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	var result analysis.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		c.logger.Warn("batch child result decode failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	summary.Aggregate.Positive += result.SentimentAnalysis.Summary.Positive
	summary.Aggregate.Negative += result.SentimentAnalysis.Summary.Negative
	summary.Aggregate.Neutral += result.SentimentAnalysis.Summary.Neutral
	summary.TotalCommentsAnalyzed += result.SentimentAnalysis.Summary.TotalComments
}

func errorIsTerminalOrMissing(err error) bool {
	return errors.Is(err, analysis.ErrAlreadyTerminal) || errors.Is(err, analysis.ErrNotFound)
}
