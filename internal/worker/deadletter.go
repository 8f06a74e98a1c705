package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/metrics"
	"github.com/gramsight/sentiment-service/internal/queue"
)

// DeadLetter builds the queue hook that finalizes jobs whose deliveries ran
// out of attempts without any worker reporting an outcome, typically after
// repeated crashes or lease expiries.
func DeadLetter(store analysis.JobStore, logger *zap.Logger) queue.DeadLetterFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, d analysis.Descriptor) {
		outcome := analysis.Failed(analysis.ErrKindRetriesExhausted,
			fmt.Sprintf("analysis abandoned after %d delivery attempts", d.Attempt-1))
		err := store.Finalize(ctx, d.JobID, outcome)
		switch {
		case err == nil:
			metrics.ObserveJob(string(analysis.JobStatusFailed))
			logger.Warn("job dead-lettered",
				zap.String("job_id", d.JobID), zap.Int("attempt", d.Attempt))
		case errors.Is(err, analysis.ErrNotFound):
			logger.Warn("dead-lettered descriptor for unknown job", zap.String("job_id", d.JobID))
		default:
			logger.Error("dead-letter finalize failed",
				zap.String("job_id", d.JobID), zap.Error(err))
		}
	}
}
