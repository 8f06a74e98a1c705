package analyzer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/metrics"
)

// Throttle paces calls to the upstream fetch collaborators with a shared
// token bucket, so a batch fanning out across workers cannot burst past the
// external rate limit that the per-batch stagger only partially covers.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a Throttle allowing rps requests per second with the
// given burst. A non-positive rps disables limiting; a burst below one is
// raised to one.
func NewThrottle(rps float64, burst int) *Throttle {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available or the context finishes.
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveThrottleDelay(d)
	}
	return nil
}

// ThrottledPostFetcher rate limits an underlying PostFetcher.
type ThrottledPostFetcher struct {
	Fetcher  analysis.PostFetcher
	Throttle *Throttle
}

// FetchPost waits for a token before delegating.
func (f *ThrottledPostFetcher) FetchPost(ctx context.Context, postID string, kind analysis.PostKind) (analysis.PostData, error) {
	if err := f.Throttle.Wait(ctx); err != nil {
		return analysis.PostData{}, err
	}
	return f.Fetcher.FetchPost(ctx, postID, kind)
}

// ThrottledCommentFetcher rate limits an underlying CommentFetcher.
type ThrottledCommentFetcher struct {
	Fetcher  analysis.CommentFetcher
	Throttle *Throttle
}

// FetchComments waits for a token before delegating.
func (f *ThrottledCommentFetcher) FetchComments(ctx context.Context, postID string, max int) ([]analysis.Comment, error) {
	if err := f.Throttle.Wait(ctx); err != nil {
		return nil, err
	}
	return f.Fetcher.FetchComments(ctx, postID, max)
}
