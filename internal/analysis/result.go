package analysis

import "time"

// Sentiment labels assigned to comments and to whole posts.
type Sentiment string

// Sentiment classes.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// PostData is the post-level payload returned by the fetch collaborator.
type PostData struct {
	ID            string    `json:"id"`
	Kind          PostKind  `json:"type"`
	URL           string    `json:"url"`
	Caption       string    `json:"caption"`
	Likes         int       `json:"likes"`
	CommentsCount int       `json:"comments_count"`
	PostedAt      time.Time `json:"posted_at"`
	Author        Author    `json:"author"`
}

// Author identifies the post owner.
type Author struct {
	Username  string `json:"username"`
	Followers int    `json:"followers"`
}

// Comment is one fetched comment awaiting scoring.
type Comment struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author"`
	Likes  int    `json:"likes"`
}

// CommentSentiment is the per-comment scoring output.
type CommentSentiment struct {
	CommentID  string    `json:"comment_id"`
	Text       string    `json:"text"`
	Author     string    `json:"author"`
	Likes      int       `json:"likes"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
}

// SentimentSummary aggregates per-class counts and percentages.
type SentimentSummary struct {
	TotalComments      int     `json:"total_comments"`
	Positive           int     `json:"positive"`
	Negative           int     `json:"negative"`
	Neutral            int     `json:"neutral"`
	PositivePercentage float64 `json:"positive_percentage"`
	NegativePercentage float64 `json:"negative_percentage"`
	NeutralPercentage  float64 `json:"neutral_percentage"`
}

// SentimentAnalysis is the scoring section of a completed result.
type SentimentAnalysis struct {
	OverallSentiment  Sentiment          `json:"overall_sentiment"`
	Summary           SentimentSummary   `json:"summary"`
	CommentSentiments []CommentSentiment `json:"comment_sentiments"`
	AnalyzedAt        time.Time          `json:"analysis_timestamp"`
	ModelVersion      string             `json:"model_version"`
}

// Result is the opaque payload stored for a succeeded single-post job.
type Result struct {
	JobID             string            `json:"job_id"`
	InputURL          string            `json:"instagram_url"`
	NormalizedURL     string            `json:"normalized_url"`
	PostID            string            `json:"post_id"`
	PostKind          PostKind          `json:"post_kind"`
	Post              PostData          `json:"post_data"`
	SentimentAnalysis SentimentAnalysis `json:"sentiment_analysis"`
	Options           Options           `json:"options_used"`
}

// Summarize computes per-class tallies and the overall post sentiment from
// scored comments.
func Summarize(scored []CommentSentiment) (SentimentSummary, Sentiment) {
	var s SentimentSummary
	for _, cs := range scored {
		switch cs.Sentiment {
		case SentimentPositive:
			s.Positive++
		case SentimentNegative:
			s.Negative++
		default:
			s.Neutral++
		}
	}
	s.TotalComments = len(scored)
	if s.TotalComments > 0 {
		total := float64(s.TotalComments)
		s.PositivePercentage = Round2(float64(s.Positive) / total * 100)
		s.NegativePercentage = Round2(float64(s.Negative) / total * 100)
		s.NeutralPercentage = Round2(float64(s.Neutral) / total * 100)
	}

	overall := SentimentNeutral
	switch {
	case s.Positive > s.Negative && s.Positive > s.Neutral:
		overall = SentimentPositive
	case s.Negative > s.Positive && s.Negative > s.Neutral:
		overall = SentimentNegative
	}
	return s, overall
}

// Round2 rounds a percentage to two decimal places, matching the precision
// reported in result payloads.
func Round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
