// Package status assembles the externally visible view of a job: the
// persisted record, fresher in-flight progress from the live tracker, the
// result payload for succeeded jobs, and per-child outcomes for batches.
package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/progress/sinks"
)

// View is the reconciled read model returned to API handlers.
type View struct {
	Job      analysis.Job    `json:"job"`
	Result   json.RawMessage `json:"result,omitempty"`
	Children []ChildView     `json:"children,omitempty"`
}

// ChildView summarizes one batch child for the aggregate view.
type ChildView struct {
	JobID   string             `json:"job_id"`
	URL     string             `json:"url,omitempty"`
	Status  analysis.JobStatus `json:"status"`
	Percent int                `json:"percent"`
	Error   *analysis.JobError `json:"error,omitempty"`
}

// Reconciler builds Views. The tracker is optional; without it reads serve
// the persisted progress only, which is still correct, just coarser.
type Reconciler struct {
	store   analysis.JobStore
	results analysis.ResultStore
	tracker *sinks.Tracker
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store analysis.JobStore, results analysis.ResultStore, tracker *sinks.Tracker) *Reconciler {
	return &Reconciler{store: store, results: results, tracker: tracker}
}

// Get returns the reconciled view for one job.
func (r *Reconciler) Get(ctx context.Context, jobID string) (View, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return View{}, err
	}
	view := View{Job: job}

	if job.Status.IsTerminal() {
		if r.tracker != nil {
			r.tracker.Forget(jobID)
		}
		if job.Status == analysis.JobStatusSucceeded && job.ResultRef != "" {
			payload, err := r.results.Get(ctx, job.ResultRef)
			if err != nil {
				return View{}, fmt.Errorf("load result for job %s: %w", jobID, err)
			}
			view.Result = payload
		}
	} else {
		r.overlayLive(&view)
	}

	if job.Kind == analysis.KindBatch {
		children, err := r.childViews(ctx, job.ChildIDs)
		if err != nil {
			return View{}, err
		}
		view.Children = children
	}
	return view, nil
}

// ListRecent returns the newest jobs without result payloads attached.
func (r *Reconciler) ListRecent(ctx context.Context, limit int) ([]analysis.Job, error) {
	return r.store.ListRecent(ctx, limit)
}

// overlayLive replaces persisted progress with a fresher tracker snapshot.
// Snapshots from older attempts or behind the persisted percent are ignored,
// keeping the observed percent monotonic.
func (r *Reconciler) overlayLive(view *View) {
	if r.tracker == nil {
		return
	}
	snap, ok := r.tracker.Snapshot(view.Job.ID)
	if !ok {
		return
	}
	if snap.Attempt < view.Job.Attempt || snap.Percent <= view.Job.Progress.Percent {
		return
	}
	view.Job.Progress = analysis.Progress{
		Percent: snap.Percent,
		Stage:   snap.Stage,
		Detail:  snap.Detail,
	}
}

func (r *Reconciler) childViews(ctx context.Context, childIDs []string) ([]ChildView, error) {
	if len(childIDs) == 0 {
		return nil, nil
	}
	jobs, err := r.store.GetJobs(ctx, childIDs)
	if err != nil {
		return nil, fmt.Errorf("load batch children: %w", err)
	}
	byID := make(map[string]analysis.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	views := make([]ChildView, 0, len(childIDs))
	for _, id := range childIDs {
		job, ok := byID[id]
		if !ok {
			// Expired or lost child; surface it rather than hiding it.
			views = append(views, ChildView{JobID: id, Status: analysis.JobStatusFailed, Error: &analysis.JobError{
				Kind:    analysis.ErrKindNotFound,
				Message: "child job record no longer available",
			}})
			continue
		}
		cv := ChildView{
			JobID:   job.ID,
			URL:     job.InputURL,
			Status:  job.Status,
			Percent: job.Progress.Percent,
			Error:   job.Error,
		}
		if r.tracker != nil && !job.Status.IsTerminal() {
			if snap, ok := r.tracker.Snapshot(job.ID); ok && snap.Percent > cv.Percent {
				cv.Percent = snap.Percent
			}
		}
		views = append(views, cv)
	}
	return views, nil
}
