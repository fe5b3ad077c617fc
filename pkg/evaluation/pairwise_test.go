package evaluation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lexJudge is a deterministic mock judge: the lexicographically smaller
// CONTENT always wins, regardless of A/B presentation order.
func lexJudge() Transport {
	return transportFunc(func(_ context.Context, query string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		contentA := extractBetween(query, "<<A>>", "<</A>>")
		contentB := extractBetween(query, "<<B>>", "<</B>>")
		winner := "A"
		if contentB < contentA {
			winner = "B"
		}
		raw, _ := json.Marshal(map[string]string{"winner": winner, "reason": "deterministic"})
		return textResult(string(raw)), nil
	})
}

func extractBetween(s, start, end string) string {
	i := strings.Index(s, start)
	k := strings.Index(s, end)
	if i < 0 || k < 0 {
		return ""
	}
	return s[i+len(start) : k]
}

func newTestPairwiseEvaluator(t *testing.T, transport Transport, iterations int, judges []string) *PairwiseEvaluator {
	t.Helper()
	return NewPairwiseEvaluator(PairwiseConfig{
		Iterations:   iterations,
		JudgeModels:  judges,
		Instructions: "Pick the better one.\n{criteria}\nA: <<A>>{doc_a}<</A>>\nB: <<B>>{doc_b}<</B>>",
		Criteria:     testCriteria,
		Elo:          DefaultEloConfig(),
	}, transport, nil, NewCallStats(), nil)
}

func TestPairwiseEvaluator_FullTournament(t *testing.T) {
	evaluator := newTestPairwiseEvaluator(t, lexJudge(), 2, []string{"openai:j1", "openai:j2"})

	docIDs := []string{"d1", "d2", "d3"}
	contents := map[string]string{"d1": "alpha", "d2": "beta", "d3": "gamma"}

	summary := evaluator.EvaluateAllPairs(context.Background(), docIDs, contents)

	// (3 choose 2) pairs × 2 iterations × 2 judges.
	assert.Equal(t, 3, summary.TotalPairs)
	assert.Equal(t, 12, summary.TotalComparisons)

	// "alpha" beats everything under the lexicographic judge.
	assert.Equal(t, "d1", summary.WinnerDocID)

	// Win/loss accounting: each comparison is one win plus one loss.
	total := 0
	for _, r := range summary.EloRatings {
		total += r.Wins + r.Losses
	}
	assert.Equal(t, 2*summary.TotalComparisons, total)

	// Every result names one of its operands as winner.
	for _, r := range summary.Results {
		assert.Contains(t, []string{r.DocID1, r.DocID2}, r.WinnerDocID)
	}
}

func TestPairwiseEvaluator_ABSymmetry(t *testing.T) {
	// Swapping the presentation order of a pair must not change the winner
	// identity — only the letter the judge emits.
	run := func(swap bool) string {
		evaluator := newTestPairwiseEvaluator(t, lexJudge(), 1, []string{"openai:j1"})
		evaluator.swap = func() bool { return swap }
		evaluator.config.RandomizeOrder = true

		summary := evaluator.EvaluateAllPairs(context.Background(),
			[]string{"d1", "d2"},
			map[string]string{"d1": "zulu", "d2": "alpha"})
		return summary.WinnerDocID
	}

	assert.Equal(t, "d2", run(false))
	assert.Equal(t, "d2", run(true))
}

func TestPairwiseEvaluator_GeneratePairs(t *testing.T) {
	evaluator := newTestPairwiseEvaluator(t, nil, 1, []string{"openai:j1"})
	evaluator.config.RandomizeOrder = false

	pairs := evaluator.GeneratePairs([]string{"a", "b", "c", "d"},
		map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})
	assert.Len(t, pairs, 6) // 4 choose 2

	seen := make(map[string]bool)
	for _, p := range pairs {
		key := p.DocID1 + "|" + p.DocID2
		assert.False(t, seen[key], "duplicate pair %s", key)
		seen[key] = true
		assert.NotEqual(t, p.DocID1, p.DocID2)
	}
}

func TestPairwiseEvaluator_FailedComparisonsDropped(t *testing.T) {
	calls := 0
	flaky := transportFunc(func(_ context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
		calls++
		if calls == 1 {
			return nil, assert.AnError
		}
		return lexJudge().Generate(context.Background(), query, cfg, opts)
	})

	evaluator := newTestPairwiseEvaluator(t, flaky, 1, []string{"openai:j1"})
	// Single worker keeps the failure deterministic on the first call.
	evaluator.sem = make(chan struct{}, 1)

	summary := evaluator.EvaluateAllPairs(context.Background(),
		[]string{"d1", "d2", "d3"},
		map[string]string{"d1": "a", "d2": "b", "d3": "c"})

	assert.Equal(t, 3, summary.TotalPairs)
	assert.Equal(t, 2, summary.TotalComparisons, "the failed comparison is dropped, the tournament continues")
	assert.NotEmpty(t, summary.WinnerDocID)
}

func TestFilterTopN(t *testing.T) {
	docIDs := []string{"d1", "d2", "d3", "d4", "d5"}
	scores := map[string]float64{"d1": 4.5, "d2": 4.4, "d3": 3.0, "d4": 2.0, "d5": 1.5}

	top := FilterTopN(docIDs, scores, 3)
	require.Equal(t, []string{"d1", "d2", "d3"}, top)

	// n >= len is a no-op.
	assert.Equal(t, docIDs, FilterTopN(docIDs, scores, 10))
	// n <= 0 is a no-op.
	assert.Equal(t, docIDs, FilterTopN(docIDs, scores, 0))
}

func TestFilterTopN_DeterministicTies(t *testing.T) {
	docIDs := []string{"z", "a", "m"}
	scores := map[string]float64{"z": 3.0, "a": 3.0, "m": 3.0}
	assert.Equal(t, []string{"a", "m"}, FilterTopN(docIDs, scores, 2))
}
