package evaluation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSingleEvaluator(transport Transport, iterations int, judges []string) *SingleDocEvaluator {
	return NewSingleDocEvaluator(SingleEvalConfig{
		Iterations:   iterations,
		JudgeModels:  judges,
		Instructions: "Grade it.\n{criteria}\n{document}",
		Criteria:     testCriteria,
	}, transport, nil, NewCallStats(), nil)
}

func fixedScoresTransport(factuality, clarity int) Transport {
	return transportFunc(func(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		return textResult(`{"evaluations": [
			{"criterion": "factuality", "score": ` + itoa(factuality) + `, "reason": ""},
			{"criterion": "clarity", "score": ` + itoa(clarity) + `, "reason": ""}
		]}`), nil
	})
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestSingleDocEvaluator_EvaluateDocument(t *testing.T) {
	evaluator := newTestSingleEvaluator(fixedScoresTransport(4, 2), 2, []string{"openai:j1", "openai:j2"})

	var evalCount atomic.Int32
	onEval := func(_ context.Context, docID, judge string, trial int, result *models.SingleEvalResult) {
		evalCount.Add(1)
		assert.Equal(t, "doc-1", docID)
		assert.GreaterOrEqual(t, trial, 1)
		assert.LessOrEqual(t, trial, 2)
		require.NotNil(t, result)
	}

	summary, err := evaluator.EvaluateDocument(context.Background(), "doc-1", "content", onEval)
	require.NoError(t, err)

	// iterations × judges callbacks, one per judge call.
	assert.Equal(t, int32(4), evalCount.Load())
	assert.Equal(t, 4, summary.NumEvaluations)
	assert.InDelta(t, 3.0, summary.AvgScore, 1e-9)
	assert.InDelta(t, 4.0, summary.ScoresByCriterion["factuality"], 1e-9)
	assert.InDelta(t, 2.0, summary.ScoresByCriterion["clarity"], 1e-9)
}

func TestSingleDocEvaluator_PartialFailures(t *testing.T) {
	calls := atomic.Int32{}
	transport := transportFunc(func(ctx context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		if calls.Add(1) == 1 {
			return nil, assert.AnError
		}
		return fixedScoresTransport(3, 3).(transportFunc)(ctx, query, cfg, opts)
	})

	evaluator := newTestSingleEvaluator(transport, 3, []string{"openai:j1"})
	evaluator.sem = make(chan struct{}, 1) // serialise so exactly one call fails

	summary, err := evaluator.EvaluateDocument(context.Background(), "doc-1", "content", nil)
	require.NoError(t, err)

	// The failed (judge, trial) is excluded from the mean, not fatal.
	assert.Equal(t, 2, summary.NumEvaluations)
	assert.InDelta(t, 3.0, summary.AvgScore, 1e-9)
}

func TestSummarizeSingleEval_WeightedMean(t *testing.T) {
	now := time.Now()
	results := []*models.SingleEvalResult{
		{
			DocID: "d", Model: "j", Trial: 1, StartedAt: now,
			Scores: []models.CriterionScore{
				{Criterion: "factuality", Score: 5},
				{Criterion: "clarity", Score: 1},
			},
		},
	}

	summary := SummarizeSingleEval("d", results, map[string]float64{"factuality": 3.0, "clarity": 1.0})
	assert.InDelta(t, 3.0, summary.AvgScore, 1e-9)
	assert.InDelta(t, 4.0, summary.WeightedAvgScore, 1e-9) // (5*3 + 1*1) / 4
}

func TestSummarizeSingleEval_Empty(t *testing.T) {
	summary := SummarizeSingleEval("d", nil, nil)
	assert.Equal(t, 0, summary.NumEvaluations)
	assert.Zero(t, summary.AvgScore)
	assert.Empty(t, summary.ScoresByCriterion)
}
