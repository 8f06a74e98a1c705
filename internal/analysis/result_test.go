package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t.Parallel()

	scored := []CommentSentiment{
		{Sentiment: SentimentPositive},
		{Sentiment: SentimentPositive},
		{Sentiment: SentimentNegative},
	}
	summary, overall := Summarize(scored)
	require.Equal(t, SentimentPositive, overall)
	require.Equal(t, 3, summary.TotalComments)
	require.Equal(t, 2, summary.Positive)
	require.Equal(t, 1, summary.Negative)
	require.InDelta(t, 66.67, summary.PositivePercentage, 1e-9)
	require.InDelta(t, 33.33, summary.NegativePercentage, 1e-9)
	require.Zero(t, summary.NeutralPercentage)
}

func TestSummarizeEmptyIsNeutral(t *testing.T) {
	t.Parallel()

	summary, overall := Summarize(nil)
	require.Equal(t, SentimentNeutral, overall)
	require.Zero(t, summary.TotalComments)
	require.Zero(t, summary.PositivePercentage)
}

func TestRound2(t *testing.T) {
	t.Parallel()

	require.Equal(t, 66.67, Round2(200.0/3))
	require.Equal(t, 33.33, Round2(100.0/3))
	require.Equal(t, 100.0, Round2(100))
	require.Equal(t, 0.0, Round2(0))
}
