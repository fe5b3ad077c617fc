package evaluation

import (
	"context"
	"fmt"
	"testing"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transportFunc adapts a function to the Transport interface.
type transportFunc func(ctx context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error)

func (f transportFunc) Generate(ctx context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	return f(ctx, query, cfg, opts)
}

func textResult(content string) *adapters.GenerationResult {
	return &adapters.GenerationResult{Content: content, Status: adapters.TaskCompleted}
}

var testCriteria = []models.EvaluationCriterion{
	{Name: "factuality", Description: "Claims are supported."},
	{Name: "clarity", Description: "Easy to follow."},
}

func newTestJudge(transport Transport, retries int) *Judge {
	return NewJudge(JudgeConfig{
		ModelKey: "openai:gpt-test",
		Retries:  retries,
	}, testCriteria, "Score this.\n{criteria}\n---\n{document}", transport, nil, NewCallStats())
}

func TestJudge_EvaluateSingle(t *testing.T) {
	var seenQuery string
	transport := transportFunc(func(_ context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		seenQuery = query
		assert.Equal(t, "openai", cfg.Provider)
		assert.Equal(t, "gpt-test", cfg.Model)
		assert.True(t, opts.JSONOutput)
		return textResult(`{"evaluations": [
			{"criterion": "factuality", "score": 4, "reason": "well sourced"},
			{"criterion": "clarity", "score": 5, "reason": "crisp"}
		]}`), nil
	})

	judge := newTestJudge(transport, 0)
	result, err := judge.EvaluateSingle(context.Background(), "doc-1", "the content", 1)
	require.NoError(t, err)

	assert.Equal(t, "doc-1", result.DocID)
	assert.Equal(t, 1, result.Trial)
	require.Len(t, result.Scores, 2)
	assert.InDelta(t, 4.5, result.AverageScore(), 1e-9)

	// Placeholders were substituted.
	assert.Contains(t, seenQuery, "the content")
	assert.Contains(t, seenQuery, "factuality")
	assert.NotContains(t, seenQuery, "{document}")
}

func TestJudge_EvaluateSingle_RequiresInstructions(t *testing.T) {
	judge := NewJudge(JudgeConfig{ModelKey: "openai:gpt-test"}, testCriteria, "", nil, nil, nil)
	_, err := judge.EvaluateSingle(context.Background(), "doc-1", "content", 1)
	assert.ErrorContains(t, err, "no evaluation instructions")
}

func TestJudge_EvaluateSingle_ParseRetry(t *testing.T) {
	calls := 0
	transport := transportFunc(func(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		calls++
		if calls == 1 {
			return textResult("I think the document is pretty good overall."), nil
		}
		return textResult(`{"evaluations": [
			{"criterion": "factuality", "score": 3, "reason": ""},
			{"criterion": "clarity", "score": 3, "reason": ""}
		]}`), nil
	})

	judge := newTestJudge(transport, 2)
	result, err := judge.EvaluateSingle(context.Background(), "doc-1", "content", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "parse error triggers a fresh call")
	assert.InDelta(t, 3.0, result.AverageScore(), 1e-9)
}

func TestJudge_EvaluateSingle_RejectsBadScores(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"score above range", `{"evaluations": [{"criterion": "factuality", "score": 6, "reason": ""}, {"criterion": "clarity", "score": 3, "reason": ""}]}`},
		{"score below range", `{"evaluations": [{"criterion": "factuality", "score": 0, "reason": ""}, {"criterion": "clarity", "score": 3, "reason": ""}]}`},
		{"missing criterion", `{"evaluations": [{"criterion": "factuality", "score": 3, "reason": ""}]}`},
		{"extra criterion", `{"evaluations": [{"criterion": "factuality", "score": 3, "reason": ""}, {"criterion": "clarity", "score": 3, "reason": ""}, {"criterion": "style", "score": 3, "reason": ""}]}`},
		{"duplicate criterion", `{"evaluations": [{"criterion": "factuality", "score": 3, "reason": ""}, {"criterion": "factuality", "score": 4, "reason": ""}]}`},
		{"no evaluations", `{"something": "else"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := transportFunc(func(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
				return textResult(tt.response), nil
			})
			judge := newTestJudge(transport, 0)
			_, err := judge.EvaluateSingle(context.Background(), "doc-1", "content", 1)
			assert.Error(t, err)
		})
	}
}

func TestJudge_EvaluateSingle_APIErrorNotRetried(t *testing.T) {
	calls := 0
	transport := transportFunc(func(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		calls++
		return nil, fmt.Errorf("provider rejected the request")
	})

	judge := newTestJudge(transport, 3)
	_, err := judge.EvaluateSingle(context.Background(), "doc-1", "content", 1)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "API errors are already retried by the transport; the judge must not retry them")
}

func TestJudge_EvaluatePairwise(t *testing.T) {
	var seenQuery string
	transport := transportFunc(func(_ context.Context, query string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		seenQuery = query
		return textResult(`{"winner": "B", "reason": "more thorough"}`), nil
	})

	judge := NewJudge(JudgeConfig{ModelKey: "openai:gpt-test"}, testCriteria,
		"Compare.\n{criteria}\nA: {doc_a}\nB: {doc_b}", transport, nil, NewCallStats())
	result, err := judge.EvaluatePairwise(context.Background(), "doc-1", "first content", "doc-2", "second content", 1)
	require.NoError(t, err)

	// B maps back to the second operand.
	assert.Equal(t, "doc-2", result.WinnerDocID)
	assert.Equal(t, "more thorough", result.Reason)
	assert.Contains(t, seenQuery, "first content")
	assert.Contains(t, seenQuery, "second content")
}

func TestJudge_EvaluatePairwise_InvalidWinnerRetries(t *testing.T) {
	calls := 0
	transport := transportFunc(func(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		calls++
		if calls == 1 {
			return textResult(`{"winner": "C", "reason": "confused"}`), nil
		}
		return textResult(`{"winner": "a", "reason": "case-insensitive"}`), nil
	})

	judge := newTestJudge(transport, 1)
	result, err := judge.EvaluatePairwise(context.Background(), "doc-1", "x", "doc-2", "y", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "doc-1", result.WinnerDocID)
}

func TestSplitModelKey(t *testing.T) {
	provider, model := SplitModelKey("anthropic:claude-test")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-test", model)

	provider, model = SplitModelKey("bare-model")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "bare-model", model)
}
