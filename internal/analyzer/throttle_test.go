package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleUnlimitedWhenRPSZero(t *testing.T) {
	t.Parallel()

	th := NewThrottle(0, 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThrottleDelaysBeyondBurst(t *testing.T) {
	t.Parallel()

	th := NewThrottle(20, 1)
	require.NoError(t, th.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestThrottleHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	th := NewThrottle(0.1, 1)
	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Wait(ctx)
	require.Error(t, err)
}

func TestThrottledFetchersDelegate(t *testing.T) {
	t.Parallel()

	th := NewThrottle(0, 0)
	posts := &ThrottledPostFetcher{Fetcher: &StubPostFetcher{}, Throttle: th}
	comments := &ThrottledCommentFetcher{Fetcher: &StubCommentFetcher{}, Throttle: th}

	post, err := posts.FetchPost(context.Background(), "ABC12345678", "post")
	require.NoError(t, err)
	require.Equal(t, "ABC12345678", post.ID)

	got, err := comments.FetchComments(context.Background(), "ABC12345678", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
