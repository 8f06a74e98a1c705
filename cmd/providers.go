package cmd

import (
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/analyzer"
	"github.com/gramsight/sentiment-service/internal/config"
)

// The fetchers simulate Instagram round trips; the small delays keep progress
// observable while polling during development. One throttle is shared by
// every worker in the process so the pool as a whole honors the fetch cap.
func newFetchers(cfg config.WorkerConfig) (analysis.PostFetcher, analysis.CommentFetcher) {
	throttle := analyzer.NewThrottle(cfg.FetchRPS, cfg.FetchBurst)
	posts := &analyzer.ThrottledPostFetcher{
		Fetcher:  &analyzer.StubPostFetcher{Delay: 200 * time.Millisecond},
		Throttle: throttle,
	}
	comments := &analyzer.ThrottledCommentFetcher{
		Fetcher:  &analyzer.StubCommentFetcher{Delay: 300 * time.Millisecond},
		Throttle: throttle,
	}
	return posts, comments
}

func newScorer() analysis.Scorer {
	return &analyzer.KeywordScorer{}
}
