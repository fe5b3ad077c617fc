package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/services"
	testdb "github.com/docarena/docarena/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunService(t *testing.T) (*services.RunService, string) {
	t.Helper()
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)

	created, err := svc.CreateRun(context.Background(), services.CreateRunRequest{
		UserID: "u1",
		Name:   "test run",
		Config: map[string]interface{}{"iterations": 1},
	})
	require.NoError(t, err)
	return svc, created.ID
}

func evalResult(docID string, scores ...int) *models.SingleEvalResult {
	now := time.Now()
	r := &models.SingleEvalResult{
		DocID:       docID,
		Model:       "openai:j1",
		Trial:       1,
		StartedAt:   now,
		CompletedAt: &now,
	}
	names := []string{"factuality", "clarity", "depth"}
	for i, s := range scores {
		r.Scores = append(r.Scores, models.CriterionScore{Criterion: names[i], Score: s})
	}
	return r
}

func TestRunService_CreateAndGet(t *testing.T) {
	svc, runID := newRunService(t)

	r, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, r.Status)
	assert.Equal(t, "u1", r.UserID)

	_, err = svc.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRunService_AppendGeneratedDocIdempotent(t *testing.T) {
	svc, runID := newRunService(t)
	ctx := context.Background()

	doc := map[string]interface{}{
		"id": "doc-1", "model": "openai:m1", "generator": "template",
		"source_doc_id": "s1", "iteration": 1,
	}
	require.NoError(t, svc.AppendGeneratedDoc(ctx, runID, doc))
	require.NoError(t, svc.AppendGeneratedDoc(ctx, runID, doc)) // replay
	require.NoError(t, svc.AppendGeneratedDoc(ctx, runID, map[string]interface{}{
		"id": "doc-2", "model": "openai:m2", "generator": "template",
		"source_doc_id": "s1", "iteration": 1,
	}))

	r, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	docs := r.Results["generated_docs"].([]interface{})
	assert.Len(t, docs, 2, "replaying the same doc id must not duplicate")
	assert.EqualValues(t, 2, r.Results["generated_count"])
}

func TestRunService_UpsertSingleEvalResultIdempotent(t *testing.T) {
	svc, runID := newRunService(t)
	ctx := context.Background()

	result := evalResult("doc-1", 4, 2, 3)
	require.NoError(t, svc.UpsertSingleEvalResult(ctx, runID, "doc-1", "openai:j1", 1, result))

	r, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	before := r.Results["pre_combine_evals_detailed"]

	// Replaying the same (doc, judge, trial) leaves the state unchanged.
	require.NoError(t, svc.UpsertSingleEvalResult(ctx, runID, "doc-1", "openai:j1", 1, result))
	r, err = svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, before, r.Results["pre_combine_evals_detailed"])

	// A different trial extends the doc entry and moves the average.
	require.NoError(t, svc.UpsertSingleEvalResult(ctx, runID, "doc-1", "openai:j1", 2, evalResult("doc-1", 5, 5, 5)))
	r, err = svc.GetRun(ctx, runID)
	require.NoError(t, err)

	detailed := r.Results["pre_combine_evals_detailed"].(map[string]interface{})
	entry := detailed["doc-1"].(map[string]interface{})
	evals := entry["evaluations"].([]interface{})
	assert.Len(t, evals, 2)
	assert.InDelta(t, 4.0, entry["overall_average"].(float64), 1e-9) // (3 + 5) / 2

	// Evaluator and criteria lists accumulate without duplicates.
	assert.ElementsMatch(t, []interface{}{"openai:j1"}, r.Results["evaluator_list"])
	assert.ElementsMatch(t, []interface{}{"factuality", "clarity", "depth"}, r.Results["criteria_list"])

	// Per-criterion means reflect both trials.
	evalsByDoc := r.Results["pre_combine_evals"].(map[string]interface{})
	means := evalsByDoc["doc-1"].(map[string]interface{})
	assert.InDelta(t, 4.5, means["factuality"].(float64), 1e-9)
	assert.InDelta(t, 3.5, means["clarity"].(float64), 1e-9)
}

func TestRunService_AppendTimelineEventPreservesHistory(t *testing.T) {
	svc, runID := newRunService(t)
	ctx := context.Background()

	for i, desc := range []string{"Run started", "Generated doc", "Run completed"} {
		event := &models.TimelineEvent{
			Phase:       "generation",
			EventType:   "generation",
			Description: desc,
			Timestamp:   time.Now().Add(time.Duration(i) * time.Second),
			Success:     true,
		}
		require.NoError(t, svc.AppendTimelineEvent(ctx, runID, event))
	}

	// The completion write must not rewrite the progressive entries.
	require.NoError(t, svc.SetFinalResult(ctx, runID, &models.RunResult{
		RunID:  runID,
		Status: models.PhaseCompleted,
	}))

	r, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	events := r.Results["timeline_events"].([]interface{})
	require.Len(t, events, 3)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "Run started", first["description"])
}

func TestRunService_ConcurrentWriters(t *testing.T) {
	svc, runID := newRunService(t)
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			done <- svc.AppendGeneratedDoc(ctx, runID, map[string]interface{}{
				"id": "doc-" + string(rune('a'+i)), "model": "m", "generator": "template",
				"source_doc_id": "s1", "iteration": 1,
			})
		}(i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}

	r, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	docs := r.Results["generated_docs"].([]interface{})
	assert.Len(t, docs, 20, "the run lock must span read-modify-write; no updates may be lost")
}

func TestRunService_UpdateStatus(t *testing.T) {
	svc, runID := newRunService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpdateStatus(ctx, runID, run.StatusInProgress, "generating", ""))
	r, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusInProgress, r.Status)
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, svc.UpdateStatus(ctx, runID, run.StatusCompleted, "completed", ""))
	r, err = svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.NotNil(t, r.CompletedAt)
}
