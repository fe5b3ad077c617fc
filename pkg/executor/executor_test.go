package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingGenerator tracks in-flight concurrency and produces fixed content.
type countingGenerator struct {
	kind models.GeneratorKind

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (g *countingGenerator) Kind() models.GeneratorKind { return g.kind }

func (g *countingGenerator) Generate(_ context.Context, _ string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	cur := g.inFlight.Add(1)
	for {
		max := g.maxSeen.Load()
		if cur <= max || g.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer g.inFlight.Add(-1)
	g.calls.Add(1)

	return &adapters.GenerationResult{
		Generator: g.kind,
		TaskID:    opts.TaskID,
		Content:   fmt.Sprintf("Candidate from %s (quality=3)", cfg.Model),
		Status:    adapters.TaskCompleted,
		CostUSD:   0.05,
	}, nil
}

// scoringTransport answers single-eval prompts with fixed scores.
type scoringTransport struct{}

func (scoringTransport) Kind() models.GeneratorKind { return models.GeneratorTemplate }

func (scoringTransport) Generate(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	raw, _ := json.Marshal(map[string]any{
		"evaluations": []map[string]any{
			{"criterion": "factuality", "score": 4, "reason": ""},
		},
	})
	return &adapters.GenerationResult{Content: string(raw), Status: adapters.TaskCompleted}, nil
}

func multiDocConfig(docs int) *models.RunConfig {
	config := validConfig()
	config.SourceDocs = nil
	for i := 0; i < docs; i++ {
		config.SourceDocs = append(config.SourceDocs, models.SourceDoc{
			ID:      fmt.Sprintf("doc-%d", i),
			Name:    fmt.Sprintf("Doc %d", i),
			Content: "S",
		})
	}
	return config
}

func newTestExecutor(t *testing.T, gen *countingGenerator) *Executor {
	t.Helper()
	return New(Options{
		Generators: map[models.GeneratorKind]adapters.Generator{
			models.GeneratorTemplate: gen,
		},
		Template: scoringTransport{},
		DataDir:  t.TempDir(),
	})
}

func TestExecutor_RejectsInvalidConfig(t *testing.T) {
	exec := newTestExecutor(t, &countingGenerator{kind: models.GeneratorTemplate})

	config := validConfig()
	config.GenerationConcurrency = 0

	_, err := exec.Execute(context.Background(), "run-1", config)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExecutor_HappyPath(t *testing.T) {
	gen := &countingGenerator{kind: models.GeneratorTemplate}
	exec := newTestExecutor(t, gen)

	config := multiDocConfig(2)

	var timelineEvents atomic.Int32
	var mu sync.Mutex
	eventTypes := map[string]int{}
	config.OnTimelineEvent = func(_ context.Context, runID string, event *models.TimelineEvent) {
		timelineEvents.Add(1)
		mu.Lock()
		eventTypes[event.EventType]++
		mu.Unlock()
		assert.Equal(t, "run-1", runID)
	}

	result, err := exec.Execute(context.Background(), "run-1", config)
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, result.Status)
	require.Len(t, result.SourceDocResults, 2)
	for _, docResult := range result.SourceDocResults {
		assert.Equal(t, models.PhaseCompleted, docResult.Status)
		assert.Len(t, docResult.GeneratedDocs, 1)
		assert.NotEmpty(t, docResult.WinnerDocID)
	}

	// 2 docs × (1 gen + 1 eval) + run start + run complete.
	assert.Equal(t, 1, eventTypes["start"])
	assert.Equal(t, 1, eventTypes["complete"])
	assert.Equal(t, 2, eventTypes["generation"])
	assert.Equal(t, 2, eventTypes["single_eval"])

	// Cost aggregates across pipelines.
	assert.InDelta(t, 0.10, result.TotalCostUSD, 1e-9)

	// Call stats reflect the generator and judge calls.
	require.NotNil(t, result.CallStats)
	assert.Equal(t, 4, result.CallStats.TotalCalls)
	assert.Equal(t, 4, result.CallStats.SuccessfulCalls)
}

func TestExecutor_GenerationConcurrencyOne(t *testing.T) {
	gen := &countingGenerator{kind: models.GeneratorTemplate}
	exec := newTestExecutor(t, gen)

	config := multiDocConfig(4)
	config.Iterations = 2
	config.GenerationConcurrency = 1
	config.EnableSingleEval = false
	config.EvalIterations = 0
	config.EvalJudgeModels = nil
	config.EvalInstructions = ""
	config.EvalCriteria = ""

	result, err := exec.Execute(context.Background(), "run-1", config)
	require.NoError(t, err)

	assert.Equal(t, int32(8), gen.calls.Load())
	assert.Equal(t, int32(1), gen.maxSeen.Load(),
		"generation_concurrency=1 must serialise provider calls across all pipelines")
	assert.Equal(t, models.PhaseCompleted, result.Status)
}

func TestExecutor_CancelBeforeExecute(t *testing.T) {
	gen := &countingGenerator{kind: models.GeneratorTemplate}
	exec := newTestExecutor(t, gen)
	exec.Cancel()

	result, err := exec.Execute(context.Background(), "run-1", multiDocConfig(3))
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCancelled, result.Status)
	for _, docResult := range result.SourceDocResults {
		assert.Equal(t, models.PhaseCancelled, docResult.Status)
	}
	assert.Zero(t, gen.calls.Load(), "no tasks scheduled after cancel")
}

func TestExecutor_OneFailingPipelineDoesNotFailRun(t *testing.T) {
	gen := &failFirstDocGenerator{}
	exec := New(Options{
		Generators: map[models.GeneratorKind]adapters.Generator{
			models.GeneratorTemplate: gen,
		},
		Template: scoringTransport{},
		DataDir:  t.TempDir(),
	})

	result, err := exec.Execute(context.Background(), "run-1", multiDocConfig(2))
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, result.Status,
		"a failing pipeline yields per-document status, not run failure")

	statuses := map[models.RunPhase]int{}
	for _, docResult := range result.SourceDocResults {
		statuses[docResult.Status]++
	}
	assert.Equal(t, 1, statuses[models.PhaseFailed])
	assert.Equal(t, 1, statuses[models.PhaseCompleted])
}

func TestExecutor_AllPipelinesFailStillCompleted(t *testing.T) {
	// Run-level Failed is reserved for a scheduler abort; per-document
	// failure — even unanimous — surfaces only in the per-doc statuses.
	gen := &alwaysFailGenerator{}
	exec := New(Options{
		Generators: map[models.GeneratorKind]adapters.Generator{
			models.GeneratorTemplate: gen,
		},
		Template: scoringTransport{},
		DataDir:  t.TempDir(),
	})

	result, err := exec.Execute(context.Background(), "run-1", multiDocConfig(3))
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, result.Status)
	require.Len(t, result.SourceDocResults, 3)
	for _, docResult := range result.SourceDocResults {
		assert.Equal(t, models.PhaseFailed, docResult.Status)
		assert.NotEmpty(t, docResult.Errors)
	}
	assert.NotEmpty(t, result.Errors, "pipeline errors are aggregated onto the run")
}

// alwaysFailGenerator fails every generation call.
type alwaysFailGenerator struct{}

func (alwaysFailGenerator) Kind() models.GeneratorKind { return models.GeneratorTemplate }

func (alwaysFailGenerator) Generate(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	return nil, assert.AnError
}

// failFirstDocGenerator fails every generation for source doc-0.
type failFirstDocGenerator struct{}

func (failFirstDocGenerator) Kind() models.GeneratorKind { return models.GeneratorTemplate }

func (failFirstDocGenerator) Generate(_ context.Context, _ string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	if len(opts.TaskID) >= 5 && opts.TaskID[:5] == "doc-0" {
		return nil, assert.AnError
	}
	return &adapters.GenerationResult{
		Content: "Candidate (quality=3)",
		Status:  adapters.TaskCompleted,
	}, nil
}
