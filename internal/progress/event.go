// Package progress carries the stage snapshots emitted by analysis workers
// and fans them out to sinks without ever blocking the pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// Event is one progress snapshot for a job attempt.
type Event struct {
	// JobID identifies the job the snapshot belongs to.
	JobID string
	// Attempt is the 1-based delivery attempt that produced the snapshot.
	Attempt int
	// Stage is the pipeline stage the worker just entered or finished.
	Stage analysis.Stage
	// Percent is the cumulative completion estimate, 0 to 100.
	Percent int
	// Detail carries optional stage-specific context (post id, counts).
	Detail map[string]string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
}

var knownStages = map[analysis.Stage]struct{}{
	analysis.StageParse:         {},
	analysis.StageFetchPost:     {},
	analysis.StageFetchComments: {},
	analysis.StageScore:         {},
	analysis.StageAggregate:     {},
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	if _, ok := knownStages[e.Stage]; !ok {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
