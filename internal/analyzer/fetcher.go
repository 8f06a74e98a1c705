// Package analyzer provides the post/comment fetchers and the sentiment
// scorer. The fetchers are stand-ins that return deterministic sample data;
// a real Instagram client can replace them behind the same interfaces.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// StubPostFetcher returns canned post metadata. Delay simulates upstream
// latency so stage timeouts and cancellation are exercisable end to end.
type StubPostFetcher struct {
	Delay time.Duration
}

// FetchPost returns sample metadata for the post.
func (f *StubPostFetcher) FetchPost(ctx context.Context, postID string, kind analysis.PostKind) (analysis.PostData, error) {
	if err := wait(ctx, f.Delay); err != nil {
		return analysis.PostData{}, err
	}
	return analysis.PostData{
		ID:            postID,
		Kind:          kind,
		URL:           "https://www.instagram.com/p/" + postID + "/",
		Caption:       fmt.Sprintf("Sample %s caption for sentiment analysis! 🎉 This is amazing content! #positive #sentiment", kind),
		Likes:         1250,
		CommentsCount: 45,
		PostedAt:      time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC),
		Author: analysis.Author{
			Username:  "sample_user",
			Followers: 10000,
		},
	}, nil
}

// StubCommentFetcher returns a fixed comment sample, truncated to max.
type StubCommentFetcher struct {
	Delay time.Duration
}

var sampleComments = []analysis.Comment{
	{ID: "1", Text: "This is amazing! Love it! 😍", Author: "user1", Likes: 5},
	{ID: "2", Text: "Great content as always!", Author: "user2", Likes: 3},
	{ID: "3", Text: "Not sure about this one...", Author: "user3", Likes: 1},
	{ID: "4", Text: "Terrible quality, disappointed 😞", Author: "user4", Likes: 0},
	{ID: "5", Text: "Perfect! Exactly what I needed! 👌", Author: "user5", Likes: 8},
}

// FetchComments returns up to max sample comments.
func (f *StubCommentFetcher) FetchComments(ctx context.Context, _ string, max int) ([]analysis.Comment, error) {
	if err := wait(ctx, f.Delay); err != nil {
		return nil, err
	}
	comments := sampleComments
	if max > 0 && max < len(comments) {
		comments = comments[:max]
	}
	out := make([]analysis.Comment, len(comments))
	copy(out, comments)
	return out, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
