package analyzer

import (
	"context"
	"strings"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// ModelVersion identifies the classifier that produced a result payload.
const ModelVersion = "keyword_v1.0"

var (
	positiveMarkers = []string{"amazing", "great", "love", "perfect", "😍", "👌"}
	negativeMarkers = []string{"terrible", "disappointed", "bad", "😞"}

	// Only word markers raise confidence; emoji hits classify but don't
	// stack.
	positiveWords = []string{"amazing", "great", "love", "perfect"}
)

// KeywordScorer classifies comments by marker words. It is deterministic,
// which the tests rely on, and cheap enough to run inline in the worker.
type KeywordScorer struct{}

// Version reports the classifier identifier recorded in result payloads.
func (s *KeywordScorer) Version() string { return ModelVersion }

// Score labels each comment positive, negative or neutral.
func (s *KeywordScorer) Score(ctx context.Context, comments []analysis.Comment) ([]analysis.CommentSentiment, error) {
	out := make([]analysis.CommentSentiment, 0, len(comments))
	for _, c := range comments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sentiment, confidence := classify(c.Text)
		out = append(out, analysis.CommentSentiment{
			CommentID:  c.ID,
			Text:       c.Text,
			Author:     c.Author,
			Likes:      c.Likes,
			Sentiment:  sentiment,
			Confidence: confidence,
		})
	}
	return out, nil
}

func classify(text string) (analysis.Sentiment, float64) {
	lower := strings.ToLower(text)
	if containsAny(lower, positiveMarkers) {
		confidence := 0.85
		for _, w := range positiveWords {
			if strings.Contains(lower, w) {
				confidence += 0.05
			}
		}
		if confidence > 0.95 {
			confidence = 0.95
		}
		return analysis.SentimentPositive, confidence
	}
	if containsAny(lower, negativeMarkers) {
		return analysis.SentimentNegative, 0.80
	}
	return analysis.SentimentNeutral, 0.65
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
