package models

import "time"

// EvaluationCriterion is one entry of the grading rubric.
type EvaluationCriterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight,omitempty"`
}

// CriterionScore is a single criterion grade from one judge call. Scores are
// integers in [1..5]; anything outside that range is rejected at parse time.
type CriterionScore struct {
	Criterion string `json:"criterion"`
	Score     int    `json:"score"`
	Reason    string `json:"reason"`
}

// SingleEvalResult is the outcome of one judge call grading one document
// against the full rubric.
type SingleEvalResult struct {
	DocID string `json:"doc_id"`
	Model string `json:"model"`
	Trial int    `json:"trial"`

	Scores []CriterionScore `json:"scores"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	RawResponse     string     `json:"raw_response,omitempty"`
}

// AverageScore is the plain mean of all criterion scores.
func (r *SingleEvalResult) AverageScore() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range r.Scores {
		sum += s.Score
	}
	return float64(sum) / float64(len(r.Scores))
}

// SingleEvalSummary aggregates all judge calls for one document.
type SingleEvalSummary struct {
	DocID             string              `json:"doc_id"`
	AvgScore          float64             `json:"avg_score"`
	WeightedAvgScore  float64             `json:"weighted_avg_score"`
	ScoresByCriterion map[string]float64  `json:"scores_by_criterion"`
	NumEvaluations    int                 `json:"num_evaluations"`
	Results           []*SingleEvalResult `json:"results,omitempty"`
}

// PairwiseResult is one head-to-head judge decision. The winner is always one
// of the two operands; the A/B anonymisation used in the prompt never leaks
// out of the judge.
type PairwiseResult struct {
	DocID1      string `json:"doc_id_1"`
	DocID2      string `json:"doc_id_2"`
	WinnerDocID string `json:"winner_doc_id"`

	Model  string `json:"model"`
	Trial  int    `json:"trial"`
	Reason string `json:"reason"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	RawResponse     string     `json:"raw_response,omitempty"`
}

// EloRating is the per-document rating state after a pairwise tournament.
type EloRating struct {
	DocID  string  `json:"doc_id"`
	Rating float64 `json:"rating"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
}

// PairwiseSummary is the outcome of a full pairwise tournament.
type PairwiseSummary struct {
	TotalComparisons int               `json:"total_comparisons"`
	TotalPairs       int               `json:"total_pairs"`
	Results          []*PairwiseResult `json:"results"`
	EloRatings       []EloRating       `json:"elo_ratings"`
	WinnerDocID      string            `json:"winner_doc_id,omitempty"`
}

// TopDocIDs returns the n highest-rated doc ids.
func (s *PairwiseSummary) TopDocIDs(n int) []string {
	if n > len(s.EloRatings) {
		n = len(s.EloRatings)
	}
	ids := make([]string, 0, n)
	for _, r := range s.EloRatings[:n] {
		ids = append(ids, r.DocID)
	}
	return ids
}
