package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/queue"
	"github.com/docarena/docarena/pkg/services"
	testdb "github.com/docarena/docarena/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cannedGenerator returns fixed candidate content.
type cannedGenerator struct{ kind models.GeneratorKind }

func (g cannedGenerator) Kind() models.GeneratorKind { return g.kind }

func (g cannedGenerator) Generate(_ context.Context, _ string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	return &adapters.GenerationResult{
		Generator: g.kind,
		TaskID:    opts.TaskID,
		Content:   "Candidate from " + cfg.Model,
		Status:    adapters.TaskCompleted,
		CostUSD:   0.03,
	}, nil
}

// cannedJudge answers every single-eval prompt with fixed scores.
type cannedJudge struct{}

func (cannedJudge) Kind() models.GeneratorKind { return models.GeneratorTemplate }

func (cannedJudge) Generate(_ context.Context, _ string, _ adapters.GenerationConfig, _ adapters.GenerateOptions) (*adapters.GenerationResult, error) {
	raw, _ := json.Marshal(map[string]any{
		"evaluations": []map[string]any{
			{"criterion": "factuality", "score": 4, "reason": ""},
			{"criterion": "clarity", "score": 3, "reason": ""},
		},
	})
	return &adapters.GenerationResult{Content: string(raw), Status: adapters.TaskCompleted}, nil
}

func storedRunConfig(t *testing.T) map[string]interface{} {
	t.Helper()
	config := &models.RunConfig{
		UserID: "u1",
		SourceDocs: []models.SourceDoc{
			{ID: "source-1", Name: "Doc", Content: "S"},
		},
		Generators: []models.GeneratorKind{models.GeneratorTemplate},
		GeneratorModels: map[models.GeneratorKind][]string{
			models.GeneratorTemplate: {"m1"},
		},
		ModelSettings: map[string]models.ModelSettings{
			"m1": {Provider: "openai", Model: "m1", Temperature: 0.5, MaxTokens: 2048},
		},
		Instructions:          "write",
		Iterations:            1,
		EnableSingleEval:      true,
		EvalIterations:        1,
		EvalJudgeModels:       []string{"openai:j1"},
		EvalInstructions:      "score {document} {criteria}",
		EvalCriteria:          "criteria:\n  - factuality\n  - clarity\n",
		EvalMaxTokens:         1024,
		GenerationConcurrency: 2,
		EvalConcurrency:       2,
		RequestTimeout:        60,
		LogLevel:              "INFO",
	}
	raw, err := json.Marshal(config)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRealRunExecutor_EndToEnd(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	ctx := context.Background()

	runService := services.NewRunService(client.Client)
	publisher := events.NewPublisher(client.DB())

	created, err := runService.CreateRun(ctx, services.CreateRunRequest{
		UserID: "u1",
		Config: storedRunConfig(t),
	})
	require.NoError(t, err)

	executor := queue.NewRealRunExecutor(
		map[models.GeneratorKind]adapters.Generator{
			models.GeneratorTemplate: cannedGenerator{kind: models.GeneratorTemplate},
		},
		cannedJudge{},
		nil, // no provider pacing in tests
		runService,
		publisher,
		nil,
		t.TempDir(),
	)

	r, err := runService.GetRun(ctx, created.ID)
	require.NoError(t, err)
	result := executor.Execute(ctx, r)
	require.NotNil(t, result)
	assert.Equal(t, run.StatusCompleted, result.Status)
	assert.InDelta(t, 0.03, result.TotalCostUSD, 1e-9)

	// The results document was written progressively and finalised.
	r, err = runService.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, r.Results)

	docs := r.Results["generated_docs"].([]interface{})
	require.Len(t, docs, 1)

	detailed := r.Results["pre_combine_evals_detailed"].(map[string]interface{})
	require.Len(t, detailed, 1)
	for _, entry := range detailed {
		em := entry.(map[string]interface{})
		assert.InDelta(t, 3.5, em["overall_average"].(float64), 1e-9)
	}

	timeline := r.Results["timeline_events"].([]interface{})
	// Run start + generation + single eval + run complete.
	assert.GreaterOrEqual(t, len(timeline), 4)

	byDoc := r.Results["source_doc_results"].(map[string]interface{})
	require.Contains(t, byDoc, "source-1")
	sdr := byDoc["source-1"].(map[string]interface{})
	assert.Equal(t, string(models.PhaseCompleted), sdr["status"])
	assert.NotEmpty(t, sdr["winner_doc_id"])
}

func TestRealRunExecutor_InvalidConfigFails(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	ctx := context.Background()

	runService := services.NewRunService(client.Client)
	publisher := events.NewPublisher(client.DB())

	created, err := runService.CreateRun(ctx, services.CreateRunRequest{
		UserID: "u1",
		Config: map[string]interface{}{"iterations": 0},
	})
	require.NoError(t, err)

	executor := queue.NewRealRunExecutor(
		map[models.GeneratorKind]adapters.Generator{},
		cannedJudge{}, nil, runService, publisher, nil, t.TempDir())

	r, err := runService.GetRun(ctx, created.ID)
	require.NoError(t, err)
	result := executor.Execute(ctx, r)
	require.NotNil(t, result)
	assert.Equal(t, run.StatusFailed, result.Status)
	assert.Error(t, result.Error)
}
