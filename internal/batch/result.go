package batch

import "github.com/gramsight/sentiment-service/internal/analysis"

// ChildOutcome records one child job's fate inside a batch aggregate.
type ChildOutcome struct {
	JobID    string             `json:"job_id"`
	URL      string             `json:"url"`
	Status   analysis.JobStatus `json:"status"`
	TimedOut bool               `json:"timed_out,omitempty"`
	Error    *analysis.JobError `json:"error,omitempty"`
}

// Summary tallies child fates and folds succeeded children's sentiment
// counts into one cross-post view.
type Summary struct {
	TotalURLs             int                       `json:"total_urls"`
	Succeeded             int                       `json:"successful"`
	Failed                int                       `json:"failed"`
	Cancelled             int                       `json:"cancelled"`
	TimedOut              int                       `json:"timed_out"`
	SuccessRate           float64                   `json:"success_rate"`
	TotalCommentsAnalyzed int                       `json:"total_comments_analyzed"`
	Aggregate             analysis.SentimentSummary `json:"aggregate_sentiment"`
}

// Result is the payload stored for a fully succeeded batch job.
type Result struct {
	BatchID  string         `json:"batch_id"`
	Summary  Summary        `json:"batch_summary"`
	Children []ChildOutcome `json:"individual_results"`
}
