package events

import (
	"github.com/docarena/docarena/pkg/models"
)

// BasePayload carries the routing fields every event shares.
type BasePayload struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
}

// TimelineEventPayload broadcasts one appended timeline entry.
type TimelineEventPayload struct {
	BasePayload
	Event *models.TimelineEvent `json:"event"`
}

// GenCompletePayload broadcasts a generated-document arrival.
type GenCompletePayload struct {
	BasePayload
	DocID       string               `json:"doc_id"`
	Model       string               `json:"model"`
	Generator   models.GeneratorKind `json:"generator"`
	SourceDocID string               `json:"source_doc_id"`
	Iteration   int                  `json:"iteration"`
}

// EvalCompletePayload broadcasts one judge verdict.
type EvalCompletePayload struct {
	BasePayload
	DocID        string  `json:"doc_id"`
	JudgeModel   string  `json:"judge_model"`
	Trial        int     `json:"trial"`
	AverageScore float64 `json:"average_score"`
}

// RunStatusPayload broadcasts run lifecycle transitions. Published to the
// run channel (persistent) and mirrored to the global runs channel
// (transient) for list pages.
type RunStatusPayload struct {
	BasePayload
	Status       string  `json:"status"`
	CurrentPhase string  `json:"current_phase,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// ProgressPayload broadcasts a generator progress tick (transient).
type ProgressPayload struct {
	BasePayload
	TaskID   string  `json:"task_id"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// StatsUpdatePayload broadcasts the live call-stats counters (transient).
type StatsUpdatePayload struct {
	BasePayload
	Stats models.CallStatsSnapshot `json:"stats"`
}
