// Package models defines the domain types shared by the pipeline, the
// evaluators, and the persistence layer.
package models

import (
	"context"
	"time"
)

// RunPhase is the lifecycle phase of a run or of a single source-document
// pipeline. Phases advance strictly forward; Cancelled is reachable from any
// non-terminal phase.
type RunPhase string

const (
	PhasePending         RunPhase = "pending"
	PhaseGenerating      RunPhase = "generating"
	PhaseSingleEval      RunPhase = "single_eval"
	PhasePairwiseEval    RunPhase = "pairwise_eval"
	PhaseCombining       RunPhase = "combining"
	PhasePostCombineEval RunPhase = "post_combine_eval"
	PhaseCompleted       RunPhase = "completed"
	PhaseFailed          RunPhase = "failed"
	PhaseCancelled       RunPhase = "cancelled"
)

// Terminal reports whether the phase is a terminal state.
func (p RunPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// GeneratorKind identifies one of the candidate-document generators.
type GeneratorKind string

const (
	GeneratorTemplate       GeneratorKind = "template"
	GeneratorResearcher     GeneratorKind = "researcher"
	GeneratorDeepResearcher GeneratorKind = "deep_researcher"
)

// SourceDoc is one input document. Immutable for the duration of a run.
type SourceDoc struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ModelSettings holds per-model generation parameters. Every model key named
// in a RunConfig must have an entry; the executor rejects configs with
// missing settings.
type ModelSettings struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Run-level callbacks. All callbacks are optional; failures are logged and
// never abort the run.
type (
	// OnGenComplete fires after each generated document is persisted.
	OnGenComplete func(ctx context.Context, docID, modelKey string, generator GeneratorKind, sourceDocID string, iteration int)

	// OnEvalComplete fires after each individual judge call succeeds.
	OnEvalComplete func(ctx context.Context, docID, judgeModelKey string, trial int, result *SingleEvalResult)

	// OnTimelineEvent fires for every timeline event a pipeline or the
	// executor emits.
	OnTimelineEvent func(ctx context.Context, runID string, event *TimelineEvent)
)

// RunConfig is the immutable input to the executor for one run. The caller
// has already resolved all opaque ids (instruction bodies, criteria text)
// into literal text.
type RunConfig struct {
	UserID string `json:"user_id"`

	SourceDocs []SourceDoc `json:"source_docs"`

	Generators      []GeneratorKind            `json:"generators"`
	GeneratorModels map[GeneratorKind][]string `json:"generator_models"`
	ModelSettings   map[string]ModelSettings   `json:"model_settings"`

	Instructions string `json:"instructions"`
	Iterations   int    `json:"iterations"`

	// When set, the rubric is appended to the generation instructions so
	// generators can optimise for the criteria they will be judged on.
	ExposeCriteriaToGenerators bool `json:"expose_criteria_to_generators"`

	EnableSingleEval     bool     `json:"enable_single_eval"`
	EnablePairwise       bool     `json:"enable_pairwise"`
	EvalIterations       int      `json:"eval_iterations"`
	EvalJudgeModels      []string `json:"eval_judge_models"`
	EvalInstructions     string   `json:"eval_instructions"`
	PairwiseInstructions string   `json:"pairwise_instructions"`
	EvalCriteria         string   `json:"eval_criteria"`
	EvalRetries          int      `json:"eval_retries"`
	EvalTemperature      float64  `json:"eval_temperature"`
	EvalMaxTokens        int      `json:"eval_max_tokens"`
	PairwiseTopN         int      `json:"pairwise_top_n"`
	PostCombineTopN      int      `json:"post_combine_top_n"`

	EnableCombine       bool     `json:"enable_combine"`
	CombineModels       []string `json:"combine_models"`
	CombineInstructions string   `json:"combine_instructions"`
	CombineMaxTokens    int      `json:"combine_max_tokens"`

	GenerationConcurrency int `json:"generation_concurrency"`
	EvalConcurrency       int `json:"eval_concurrency"`

	// RequestTimeout bounds every single provider call, in seconds. Judge
	// calls get an additional 30 second wall-clock buffer on top.
	RequestTimeout int `json:"request_timeout"`

	// Retry settings passed through to the template-runner child.
	ForgeMaxRetries int     `json:"forge_max_retries"`
	ForgeRetryDelay float64 `json:"forge_retry_delay"`

	LogLevel string `json:"log_level"`

	OnGenComplete   OnGenComplete   `json:"-"`
	OnEvalComplete  OnEvalComplete  `json:"-"`
	OnTimelineEvent OnTimelineEvent `json:"-"`
}

// ModelsFor returns the model keys configured for a generator.
func (c *RunConfig) ModelsFor(g GeneratorKind) []string {
	return c.GeneratorModels[g]
}

// TimelineEvent is one append-only entry in a run's progressive timeline.
type TimelineEvent struct {
	SourceDocID     string         `json:"source_doc_id,omitempty"`
	SourceDocName   string         `json:"source_doc_name,omitempty"`
	Phase           string         `json:"phase"`
	EventType       string         `json:"event_type"`
	Description     string         `json:"description"`
	Model           string         `json:"model,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Success         bool           `json:"success"`
	Details         map[string]any `json:"details,omitempty"`
}

// SourceDocResult is the output of one source-document pipeline.
type SourceDocResult struct {
	SourceDocID   string   `json:"source_doc_id"`
	SourceDocName string   `json:"source_doc_name"`
	Status        RunPhase `json:"status"`

	GeneratedDocs     []*GeneratedDocument          `json:"generated_docs"`
	SingleEvalResults map[string]*SingleEvalSummary `json:"single_eval_results,omitempty"`
	PairwiseResults   *PairwiseSummary              `json:"pairwise_results,omitempty"`
	WinnerDocID       string                        `json:"winner_doc_id,omitempty"`
	CombinedDocs      []*GeneratedDocument          `json:"combined_docs,omitempty"`
	PostCombineEval   *PairwiseSummary              `json:"post_combine_eval_results,omitempty"`

	TimelineEvents []*TimelineEvent `json:"timeline_events,omitempty"`
	Errors         []string         `json:"errors,omitempty"`

	CostUSD         float64    `json:"cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RunResult aggregates all pipeline results for one run.
type RunResult struct {
	RunID  string   `json:"run_id"`
	Status RunPhase `json:"status"`

	SourceDocResults map[string]*SourceDocResult `json:"source_doc_results"`

	TotalCostUSD    float64    `json:"total_cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	CallStats *CallStatsSnapshot `json:"call_stats,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

// CallStatsSnapshot is the serialisable view of the generator-call stats
// tracker (total/successful/failed/retried calls plus the in-flight call).
type CallStatsSnapshot struct {
	TotalCalls      int    `json:"total_calls"`
	SuccessfulCalls int    `json:"successful_calls"`
	FailedCalls     int    `json:"failed_calls"`
	Retries         int    `json:"retries"`
	CurrentPhase    string `json:"current_phase,omitempty"`
	CurrentCall     string `json:"current_call,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}
