package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/instaurl"
	"github.com/gramsight/sentiment-service/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// Error message returned for any submission whose URL fails validation.
	invalidURLMessage = "Invalid Instagram URL provided"
)

type submitJobRequest struct {
	URL     string          `json:"url"`
	UserID  string          `json:"user_id"`
	Options *optionsRequest `json:"options"`
}

type submitBatchRequest struct {
	URLs    []string        `json:"urls"`
	UserID  string          `json:"user_id"`
	Options *optionsRequest `json:"options"`
}

type optionsRequest struct {
	MaxComments    *int  `json:"max_comments"`
	IncludeReplies *bool `json:"include_replies"`
}

type parseURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	parsed, err := instaurl.Parse(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidURLMessage)
		return
	}

	job, err := s.createSingleJob(r.Context(), req.URL, parsed, req.UserID, toOptions(req.Options))
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if err := s.enqueue(r.Context(), job); err != nil {
		s.failUnqueued(r.Context(), job.ID, err)
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"job_id": job.ID,
		"status": string(analysis.JobStatusQueued),
	})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one URL required")
		return
	}
	if max := s.coordinator.MaxURLs(); len(req.URLs) > max {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many URLs: %d submitted, maximum is %d", len(req.URLs), max))
		return
	}
	parsed := make([]instaurl.Parsed, len(req.URLs))
	var invalid []string
	for i, raw := range req.URLs {
		p, err := instaurl.Parse(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		parsed[i] = p
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":        invalidURLMessage,
			"invalid_urls": invalid,
		})
		return
	}

	opts := toOptions(req.Options)
	now := s.clock.Now()
	expiresAt := now.Add(s.cfg.Retention.TTL())

	children := make([]analysis.Job, len(req.URLs))
	childIDs := make([]string, len(req.URLs))
	for i, raw := range req.URLs {
		id, err := s.idGen.NewID()
		if err != nil {
			s.writeSubmitError(w, fmt.Errorf("generate job id: %w", err))
			return
		}
		children[i] = analysis.Job{
			ID:            id,
			Kind:          analysis.KindSingle,
			InputURL:      raw,
			NormalizedURL: parsed[i].CanonicalURL,
			PostID:        parsed[i].PostID,
			PostKind:      parsed[i].Kind,
			UserID:        req.UserID,
			Options:       opts,
			Status:        analysis.JobStatusQueued,
			Progress:      analysis.Progress{Percent: 0, Stage: analysis.StageParse},
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     expiresAt,
		}
		childIDs[i] = id
	}
	parentID, err := s.idGen.NewID()
	if err != nil {
		s.writeSubmitError(w, fmt.Errorf("generate job id: %w", err))
		return
	}
	parent := analysis.Job{
		ID:        parentID,
		Kind:      analysis.KindBatch,
		UserID:    req.UserID,
		Options:   opts,
		Status:    analysis.JobStatusQueued,
		Progress:  analysis.Progress{Percent: 0, Stage: analysis.StageAggregate},
		ChildIDs:  childIDs,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}

	ctx := r.Context()
	for _, child := range children {
		if err := s.jobStore.CreateJob(ctx, child); err != nil {
			s.writeSubmitError(w, fmt.Errorf("create job: %w", err))
			return
		}
	}
	if err := s.jobStore.CreateJob(ctx, parent); err != nil {
		s.writeSubmitError(w, fmt.Errorf("create job: %w", err))
		return
	}

	// The coordinator outlives this request; it staggers child dispatch and
	// finalizes the parent when every child settles or the batch deadline
	// passes.
	s.coordinator.Start(context.WithoutCancel(ctx), parentID, children)

	writeJSON(w, http.StatusCreated, map[string]string{
		"job_id": parentID,
		"status": string(analysis.JobStatusQueued),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	view, err := s.reconciler.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error("load job view failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := s.reconciler.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.jobStore.RequestCancel(r.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, analysis.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, analysis.ErrAlreadyTerminal):
		writeError(w, http.StatusBadRequest, "job already finished")
		return
	default:
		s.logger.Error("cancel request failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// Best effort: a descriptor still sitting in the queue can be pulled
	// before any worker sees it. Running attempts observe the store flag at
	// the next stage boundary instead.
	if removed, err := s.queue.Remove(r.Context(), jobID); err == nil && removed {
		s.logger.Info("removed undelivered descriptor", zap.String("job_id", jobID))
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "job_id": jobID})
}

func (s *Server) parseURL(w http.ResponseWriter, r *http.Request) {
	var req parseURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	parsed, err := instaurl.Parse(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidURLMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"post_id":       parsed.PostID,
		"post_kind":     string(parsed.Kind),
		"canonical_url": parsed.CanonicalURL,
		"original_url":  parsed.OriginalURL,
		"query_params":  parsed.QueryParams,
	})
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	horizon := s.clock.Now().Add(-time.Duration(s.cfg.Worker.LivenessSeconds) * time.Second)
	workers, workersErr := s.jobStore.ActiveWorkers(ctx, horizon)
	storeErr := s.jobStore.Ping(ctx)
	queueErr := s.queue.Ping(ctx)

	body := map[string]any{
		"workers": len(workers),
		"store":   pingStatus(storeErr),
		"queue":   pingStatus(queueErr),
	}
	if workersErr != nil {
		s.logger.Error("worker liveness check failed", zap.Error(workersErr))
	}

	code := http.StatusOK
	if len(workers) == 0 || storeErr != nil || queueErr != nil || workersErr != nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func pingStatus(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

func (s *Server) createSingleJob(
	ctx context.Context,
	rawURL string,
	parsed instaurl.Parsed,
	userID string,
	opts analysis.Options,
) (analysis.Job, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return analysis.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := analysis.Job{
		ID:            jobID,
		Kind:          analysis.KindSingle,
		InputURL:      rawURL,
		NormalizedURL: parsed.CanonicalURL,
		PostID:        parsed.PostID,
		PostKind:      parsed.Kind,
		UserID:        userID,
		Options:       opts,
		Status:        analysis.JobStatusQueued,
		Progress:      analysis.Progress{Percent: 0, Stage: analysis.StageParse},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.Retention.TTL()),
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return analysis.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *Server) enqueue(ctx context.Context, job analysis.Job) error {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.dispatcher.Enqueue(queueCtx, analysis.Descriptor{
		JobID:    job.ID,
		InputURL: job.InputURL,
		Options:  job.Options,
		Attempt:  1,
		Lane:     analysis.LaneDefault,
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// failUnqueued finalizes a job whose record was created but whose descriptor
// never reached the queue. Without this the record would sit queued forever
// with no worker able to pick it up.
func (s *Server) failUnqueued(ctx context.Context, jobID string, cause error) {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	outcome := analysis.Failed(analysis.ErrKindSystemUnavailable, "job could not be queued")
	if err := s.jobStore.Finalize(finalizeCtx, jobID, outcome); err != nil {
		s.logger.Error("finalize unqueued job failed",
			zap.String("job_id", jobID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	s.logger.Error("job submission failed", zap.Error(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, analysis.ErrQueueClosed),
		errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "service unavailable, try again")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func toOptions(req *optionsRequest) analysis.Options {
	opts := analysis.Options{MaxComments: 50}
	if req == nil {
		return opts
	}
	if req.MaxComments != nil && *req.MaxComments > 0 {
		opts.MaxComments = *req.MaxComments
	}
	if req.IncludeReplies != nil {
		opts.IncludeReplies = *req.IncludeReplies
	}
	return opts
}
