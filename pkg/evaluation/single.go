package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/ratelimit"
)

// SingleEvalConfig configures graded evaluation of single documents.
type SingleEvalConfig struct {
	Iterations  int
	JudgeModels []string

	Instructions string
	Criteria     []models.EvaluationCriterion

	Temperature    float64
	MaxTokens      int
	TimeoutSeconds int
	Retries        int

	RunID   string
	LogsDir string
}

// SingleDocEvaluator grades documents against the rubric using every
// configured judge model for the configured number of trials. Individual
// judge calls share the evaluation semaphore passed at construction.
type SingleDocEvaluator struct {
	config    SingleEvalConfig
	transport Transport
	limits    *ratelimit.Registry
	stats     *CallStats
	sem       chan struct{}

	mu     sync.Mutex
	judges map[string]*Judge
}

// NewSingleDocEvaluator creates the evaluator. sem is the shared evaluation
// concurrency semaphore; nil means unbounded.
func NewSingleDocEvaluator(config SingleEvalConfig, transport Transport, limits *ratelimit.Registry, stats *CallStats, sem chan struct{}) *SingleDocEvaluator {
	return &SingleDocEvaluator{
		config:    config,
		transport: transport,
		limits:    limits,
		stats:     stats,
		sem:       sem,
		judges:    make(map[string]*Judge),
	}
}

func (e *SingleDocEvaluator) judgeFor(modelKey string) *Judge {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.judges[modelKey]; ok {
		return j
	}
	j := NewJudge(JudgeConfig{
		ModelKey:       modelKey,
		Temperature:    e.config.Temperature,
		MaxTokens:      e.config.MaxTokens,
		TimeoutSeconds: e.config.TimeoutSeconds,
		Retries:        e.config.Retries,
		RunID:          e.config.RunID,
		LogsDir:        e.config.LogsDir,
	}, e.config.Criteria, e.config.Instructions, e.transport, e.limits, e.stats)
	e.judges[modelKey] = j
	return j
}

// EvaluateDocument runs iterations × judge-models calls for one document and
// aggregates the outcomes. onEvalComplete fires after each successful judge
// call so the caller can persist incrementally. Individual call failures
// exclude that (judge, trial) from the aggregate but do not fail the
// document; an error is returned only when every call failed.
func (e *SingleDocEvaluator) EvaluateDocument(ctx context.Context, docID, content string, onEvalComplete models.OnEvalComplete) (*models.SingleEvalSummary, error) {
	type call struct {
		model string
		trial int
	}
	var calls []call
	for _, model := range e.config.JudgeModels {
		for trial := 1; trial <= e.config.Iterations; trial++ {
			calls = append(calls, call{model: model, trial: trial})
		}
	}

	results := make([]*models.SingleEvalResult, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c call) {
			defer wg.Done()
			if e.sem != nil {
				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					return
				}
			}

			judge := e.judgeFor(c.model)
			result, err := judge.EvaluateSingle(ctx, docID, content, c.trial)
			if err != nil {
				slog.Error("Single eval failed",
					"doc_id", docID, "model", c.model, "trial", c.trial, "error", err)
				return
			}
			results[i] = result
			slog.Info("Single eval completed",
				"doc_id", docID, "model", c.model, "trial", c.trial,
				"avg", result.AverageScore())
			if onEvalComplete != nil {
				onEvalComplete(ctx, docID, c.model, c.trial, result)
			}
		}(i, c)
	}
	wg.Wait()

	var succeeded []*models.SingleEvalResult
	for _, r := range results {
		if r != nil {
			succeeded = append(succeeded, r)
		}
	}
	if len(calls) > 0 && len(succeeded) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("all %d judge calls failed for %s", len(calls), docID)
	}
	return SummarizeSingleEval(docID, succeeded, Weights(e.config.Criteria)), nil
}

// SummarizeSingleEval aggregates judge results into per-criterion means,
// the overall mean, and the weighted mean.
func SummarizeSingleEval(docID string, results []*models.SingleEvalResult, weights map[string]float64) *models.SingleEvalSummary {
	summary := &models.SingleEvalSummary{
		DocID:             docID,
		ScoresByCriterion: make(map[string]float64),
		NumEvaluations:    len(results),
		Results:           results,
	}
	if len(results) == 0 {
		return summary
	}

	byCriterion := make(map[string][]int)
	for _, r := range results {
		for _, s := range r.Scores {
			byCriterion[s.Criterion] = append(byCriterion[s.Criterion], s.Score)
		}
	}

	var all int
	var count int
	for crit, scores := range byCriterion {
		sum := 0
		for _, s := range scores {
			sum += s
			all += s
		}
		count += len(scores)
		summary.ScoresByCriterion[crit] = float64(sum) / float64(len(scores))
	}
	summary.AvgScore = float64(all) / float64(count)

	if len(weights) > 0 {
		var weightedSum, totalWeight float64
		for crit, avg := range summary.ScoresByCriterion {
			w, ok := weights[crit]
			if !ok {
				w = 1.0
			}
			weightedSum += avg * w
			totalWeight += w
		}
		if totalWeight > 0 {
			summary.WeightedAvgScore = weightedSum / totalWeight
		} else {
			summary.WeightedAvgScore = summary.AvgScore
		}
	} else {
		summary.WeightedAvgScore = summary.AvgScore
	}
	return summary
}
