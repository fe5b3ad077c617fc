package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/evaluation"
	"github.com/docarena/docarena/pkg/forge"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// qualityRe extracts the quality marker fake generators embed in content.
var qualityRe = regexp.MustCompile(`quality=(\d)`)

func qualityOf(s string) int {
	m := qualityRe.FindStringSubmatch(s)
	if m == nil {
		return 1
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// fakeGenerator produces deterministic candidate content. Each model key
// maps to a quality score the fake judge reads back out of the content.
type fakeGenerator struct {
	kind      models.GeneratorKind
	qualities map[string]int // model name -> quality
	failModel string         // model whose generation fails
	failErr   error

	mu    sync.Mutex
	calls []string
}

func (g *fakeGenerator) Kind() models.GeneratorKind { return g.kind }

func (g *fakeGenerator) Generate(_ context.Context, _ string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, opts.TaskID)
	g.mu.Unlock()

	if cfg.Model == g.failModel {
		return nil, g.failErr
	}
	quality := g.qualities[cfg.Model]
	if quality == 0 {
		quality = 3
	}
	return &adapters.GenerationResult{
		Generator: g.kind,
		TaskID:    opts.TaskID,
		Content:   fmt.Sprintf("Report by %s (quality=%d)", cfg.Model, quality),
		Status:    adapters.TaskCompleted,
		CostUSD:   0.01,
	}, nil
}

// fakeJudgeTransport serves the judge and combine calls the pipeline routes
// through the template transport. It keys on markers in the rendered
// prompts: single-eval prompts score the embedded quality marker, pairwise
// prompts pick the higher-quality operand, combine calls synthesize.
type fakeJudgeTransport struct {
	mu       sync.Mutex
	pairLogs []string
}

func (f *fakeJudgeTransport) Kind() models.GeneratorKind { return models.GeneratorTemplate }

func (f *fakeJudgeTransport) Generate(_ context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	switch {
	case strings.HasPrefix(query, "SINGLE:"):
		score := qualityOf(query)
		raw, _ := json.Marshal(map[string]any{
			"evaluations": []map[string]any{
				{"criterion": "factuality", "score": score, "reason": "per rubric"},
				{"criterion": "clarity", "score": score, "reason": "per rubric"},
			},
		})
		return &adapters.GenerationResult{Content: string(raw), Status: adapters.TaskCompleted}, nil

	case strings.HasPrefix(query, "PAIRWISE:"):
		a := section(query, "<<A>>", "<</A>>")
		b := section(query, "<<B>>", "<</B>>")
		winner := "A"
		if qualityOf(b) > qualityOf(a) {
			winner = "B"
		}
		f.mu.Lock()
		f.pairLogs = append(f.pairLogs, query)
		f.mu.Unlock()
		raw, _ := json.Marshal(map[string]string{"winner": winner, "reason": "higher quality"})
		return &adapters.GenerationResult{Content: string(raw), Status: adapters.TaskCompleted}, nil

	default: // combine
		return &adapters.GenerationResult{
			Content: fmt.Sprintf("Synthesized by %s:%s (quality=5)", cfg.Provider, cfg.Model),
			Status:  adapters.TaskCompleted,
			CostUSD: 0.02,
		}, nil
	}
}

func section(s, start, end string) string {
	i := strings.Index(s, start)
	k := strings.Index(s, end)
	if i < 0 || k < 0 || k < i {
		return ""
	}
	return s[i+len(start) : k]
}

const testRubric = "criteria:\n  - factuality\n  - clarity\n"

func baseConfig(qualities map[string]int, generatorModels []string) *models.RunConfig {
	settings := make(map[string]models.ModelSettings, len(qualities))
	for model := range qualities {
		settings[model] = models.ModelSettings{
			Provider:    "openai",
			Model:       model,
			Temperature: 0.5,
			MaxTokens:   4096,
		}
	}
	return &models.RunConfig{
		UserID:       "u1",
		Instructions: "Write the report.",
		Iterations:   1,
		Generators:   []models.GeneratorKind{models.GeneratorTemplate},
		GeneratorModels: map[models.GeneratorKind][]string{
			models.GeneratorTemplate: generatorModels,
		},
		ModelSettings:    settings,
		EnableSingleEval: true,
		EvalIterations:   1,
		EvalJudgeModels:  []string{"openai:judge-1"},
		EvalInstructions: "SINGLE: score {document} against {criteria}",
		PairwiseInstructions: "PAIRWISE: {criteria}\n<<A>>{doc_a}<</A>>\n<<B>>{doc_b}<</B>>",
		EvalCriteria:          testRubric,
		EvalMaxTokens:         1024,
		GenerationConcurrency: 4,
		EvalConcurrency:       4,
		RequestTimeout:        60,
		LogLevel:              "INFO",
	}
}

type pipelineFixture struct {
	pipeline  *Pipeline
	writer    *output.Writer
	generator *fakeGenerator
	judge     *fakeJudgeTransport
	cancelled *atomic.Bool
}

func newFixture(t *testing.T, config *models.RunConfig, qualities map[string]int) *pipelineFixture {
	t.Helper()

	gen := &fakeGenerator{kind: models.GeneratorTemplate, qualities: qualities}
	judge := &fakeJudgeTransport{}
	writer := output.NewWriter(t.TempDir(), config.UserID, "run-test")
	cancelled := &atomic.Bool{}

	doc := models.SourceDoc{ID: "source-doc-0001", Name: "Source", Content: "S"}
	p := New(doc, config, "run-test", Deps{
		Generators: map[models.GeneratorKind]adapters.Generator{
			models.GeneratorTemplate: gen,
		},
		Template:  judge,
		Stats:     evaluation.NewCallStats(),
		GenSem:    make(chan struct{}, config.GenerationConcurrency),
		EvalSem:   make(chan struct{}, config.EvalConcurrency),
		Writer:    writer,
		Cancelled: cancelled,
	})
	return &pipelineFixture{pipeline: p, writer: writer, generator: gen, judge: judge, cancelled: cancelled}
}

func TestPipeline_HappyPathSingleEvalOnly(t *testing.T) {
	qualities := map[string]int{"m1": 4, "m2": 2}
	config := baseConfig(qualities, []string{"m1", "m2"})

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	require.Equal(t, models.PhaseCompleted, result.Status)
	require.Len(t, result.GeneratedDocs, 2)
	require.Len(t, result.SingleEvalResults, 2)
	assert.Empty(t, result.Errors)

	// Winner by mean score: m1's doc.
	var m1Doc string
	for _, d := range result.GeneratedDocs {
		if d.Model == "m1" {
			m1Doc = d.DocID
		}
	}
	assert.Equal(t, m1Doc, result.WinnerDocID)

	// Timeline: 2 generation events + 2 single-eval events.
	counts := map[string]int{}
	for _, e := range result.TimelineEvents {
		counts[e.EventType]++
	}
	assert.Equal(t, 2, counts["generation"])
	assert.Equal(t, 2, counts["single_eval"])

	// Every doc has a matching on-disk file with identical content.
	for _, d := range result.GeneratedDocs {
		data, err := os.ReadFile(fx.writer.DocPath(d.DocID))
		require.NoError(t, err)
		assert.Equal(t, d.Content, string(data))
	}

	// Doc id shape: <short source>.<suffix>.<generator>.<iteration>.<model>.
	for _, d := range result.GeneratedDocs {
		parts := strings.Split(d.DocID, ".")
		require.GreaterOrEqual(t, len(parts), 5)
		assert.Equal(t, "doc-0001", parts[0])
		assert.Equal(t, "template", parts[2])
		assert.Equal(t, "1", parts[3])
	}
}

func TestPipeline_TopNGate(t *testing.T) {
	qualities := map[string]int{"m1": 5, "m2": 4, "m3": 3, "m4": 2, "m5": 1}
	config := baseConfig(qualities, []string{"m1", "m2", "m3", "m4", "m5"})
	config.EnablePairwise = true
	config.PairwiseTopN = 3

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	require.Equal(t, models.PhaseCompleted, result.Status)
	require.NotNil(t, result.PairwiseResults)

	// 3 docs survive the gate: (3 choose 2) pairs × 1 iteration × 1 judge.
	assert.Equal(t, 3, result.PairwiseResults.TotalPairs)
	assert.Equal(t, 3, result.PairwiseResults.TotalComparisons)

	// Bottom-two docs never appear as operands.
	excluded := map[string]bool{}
	for _, d := range result.GeneratedDocs {
		if d.Model == "m4" || d.Model == "m5" {
			excluded[d.DocID] = true
		}
	}
	for _, r := range result.PairwiseResults.Results {
		assert.False(t, excluded[r.DocID1], "excluded doc %s in pairwise", r.DocID1)
		assert.False(t, excluded[r.DocID2], "excluded doc %s in pairwise", r.DocID2)
		assert.Equal(t, "source-doc-0001", docSource(t, result, r.DocID1))
		assert.Equal(t, "source-doc-0001", docSource(t, result, r.DocID2))
	}
}

func docSource(t *testing.T, result *models.SourceDocResult, docID string) string {
	t.Helper()
	for _, d := range result.GeneratedDocs {
		if d.DocID == docID {
			return d.SourceDocID
		}
	}
	for _, d := range result.CombinedDocs {
		if d.DocID == docID {
			return d.SourceDocID
		}
	}
	t.Fatalf("unknown doc %s", docID)
	return ""
}

func TestPipeline_CombineWithTwoModels(t *testing.T) {
	qualities := map[string]int{"m1": 5, "m2": 4, "m3": 2}
	config := baseConfig(qualities, []string{"m1", "m2", "m3"})
	config.EnablePairwise = true
	config.EnableCombine = true
	config.CombineModels = []string{"openai:c1", "openai:c2"}
	config.CombineInstructions = "COMBINE: merge the reports"
	config.CombineMaxTokens = 2048

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	require.Equal(t, models.PhaseCompleted, result.Status)
	require.Len(t, result.CombinedDocs, 2)
	for _, d := range result.CombinedDocs {
		assert.True(t, strings.HasPrefix(d.DocID, "combined."), "doc id %s", d.DocID)
		assert.Equal(t, "source-doc-0001", d.SourceDocID)
	}

	// Post-combine tournament covers both top originals and both combined
	// docs: every one of the four appears as an operand.
	require.NotNil(t, result.PostCombineEval)
	operands := map[string]bool{}
	for _, r := range result.PostCombineEval.Results {
		operands[r.DocID1] = true
		operands[r.DocID2] = true
	}
	assert.Len(t, operands, 4)
	for _, d := range result.CombinedDocs {
		assert.True(t, operands[d.DocID], "combined doc %s missing from post-combine", d.DocID)
	}
}

func TestPipeline_ValidationFailureSkipsDoc(t *testing.T) {
	qualities := map[string]int{"m1": 4, "m2": 3}
	config := baseConfig(qualities, []string{"m1", "m2"})

	fx := newFixture(t, config, qualities)
	fx.generator.failModel = "m2"
	fx.generator.failErr = &forge.ValidationError{
		Message:          "response validation failed: missing grounding",
		MissingGrounding: true,
	}

	result := fx.pipeline.Run(context.Background())

	// The pipeline continues with the remaining tasks.
	require.Equal(t, models.PhaseCompleted, result.Status)
	require.Len(t, result.GeneratedDocs, 1)
	assert.Equal(t, "m1", result.GeneratedDocs[0].Model)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "missing grounding")

	// Nothing was written for the failed variation.
	ids, err := fx.writer.ListGeneratedDocs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestPipeline_AllGenerationsFail(t *testing.T) {
	config := baseConfig(map[string]int{"m1": 3}, []string{"m1"})
	fx := newFixture(t, config, map[string]int{"m1": 3})
	fx.generator.failModel = "m1"
	fx.generator.failErr = assert.AnError

	result := fx.pipeline.Run(context.Background())
	assert.Equal(t, models.PhaseFailed, result.Status)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "no documents were generated")
}

func TestPipeline_TopNOfOneSkipsPairwise(t *testing.T) {
	qualities := map[string]int{"m1": 5, "m2": 3}
	config := baseConfig(qualities, []string{"m1", "m2"})
	config.EnablePairwise = true
	config.PairwiseTopN = 1

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	require.Equal(t, models.PhaseCompleted, result.Status)
	assert.Nil(t, result.PairwiseResults, "pairwise needs at least 2 candidates")

	// The single-eval winner stands.
	var best string
	for _, d := range result.GeneratedDocs {
		if d.Model == "m1" {
			best = d.DocID
		}
	}
	assert.Equal(t, best, result.WinnerDocID)
}

func TestPipeline_EvalIterationsZeroSkipsSingleEval(t *testing.T) {
	qualities := map[string]int{"m1": 5, "m2": 3}
	config := baseConfig(qualities, []string{"m1", "m2"})
	config.EvalIterations = 0
	config.EnablePairwise = true

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	assert.Empty(t, result.SingleEvalResults)
	// Without single eval there is nothing to tournament on iterations=0
	// judge passes either; winner falls through to pairwise which needs
	// eval iterations — so the phase emits no comparisons.
	if result.PairwiseResults != nil {
		assert.Zero(t, result.PairwiseResults.TotalComparisons)
	}
}

func TestPipeline_CancellationBeforeStart(t *testing.T) {
	qualities := map[string]int{"m1": 4}
	config := baseConfig(qualities, []string{"m1"})

	fx := newFixture(t, config, qualities)
	fx.cancelled.Store(true)

	result := fx.pipeline.Run(context.Background())
	assert.Equal(t, models.PhaseCancelled, result.Status)
	assert.Empty(t, result.GeneratedDocs, "no tasks scheduled after cancel")

	// Disk and memory agree: nothing on either side.
	ids, err := fx.writer.ListGeneratedDocs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPipeline_TimelineMonotonic(t *testing.T) {
	qualities := map[string]int{"m1": 4, "m2": 2}
	config := baseConfig(qualities, []string{"m1", "m2"})
	config.EnablePairwise = true

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())
	require.Equal(t, models.PhaseCompleted, result.Status)

	// The pairwise phase starts only after phase 1 drains: its event never
	// predates any generation event.
	var pairwiseStart *models.TimelineEvent
	for _, e := range result.TimelineEvents {
		if e.EventType == "pairwise_eval" {
			pairwiseStart = e
		}
	}
	require.NotNil(t, pairwiseStart)
	for _, e := range result.TimelineEvents {
		if e.EventType == "generation" {
			assert.False(t, pairwiseStart.Timestamp.Before(e.Timestamp))
		}
	}
}

func TestPipeline_GenCompleteCallback(t *testing.T) {
	qualities := map[string]int{"m1": 4}
	config := baseConfig(qualities, []string{"m1"})

	var mu sync.Mutex
	var seen []string
	config.OnGenComplete = func(_ context.Context, docID, modelKey string, generator models.GeneratorKind, sourceDocID string, iteration int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, docID)
		assert.Equal(t, "m1", modelKey)
		assert.Equal(t, models.GeneratorTemplate, generator)
		assert.Equal(t, "source-doc-0001", sourceDocID)
		assert.Equal(t, 1, iteration)
	}

	fx := newFixture(t, config, qualities)
	result := fx.pipeline.Run(context.Background())

	require.Len(t, seen, 1)
	assert.Equal(t, result.GeneratedDocs[0].DocID, seen[0])
}
