package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/services"
	testdb "github.com/docarena/docarena/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEventService(t *testing.T) (*services.EventService, *events.Publisher, *services.RunService) {
	t.Helper()
	client, _ := testdb.NewTestClient(t)
	return services.NewEventService(client.Client),
		events.NewPublisher(client.DB()),
		services.NewRunService(client.Client)
}

func createRunWithEvents(t *testing.T, runService *services.RunService, publisher *events.Publisher, count int) string {
	t.Helper()
	ctx := context.Background()

	created, err := runService.CreateRun(ctx, services.CreateRunRequest{
		UserID: "u1",
		Config: map[string]interface{}{},
	})
	require.NoError(t, err)

	for i := 0; i < count; i++ {
		require.NoError(t, publisher.PublishEvalComplete(ctx, created.ID, events.EvalCompletePayload{
			DocID: "doc-1", JudgeModel: "openai:j1", Trial: i + 1, AverageScore: 3,
		}))
	}
	return created.ID
}

func TestEventService_GetCatchupEvents(t *testing.T) {
	svc, publisher, runService := setupEventService(t)
	ctx := context.Background()
	runID := createRunWithEvents(t, runService, publisher, 3)
	channel := events.RunChannel(runID)

	all, err := svc.GetCatchupEvents(ctx, channel, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.EventTypeEvalComplete, all[0].Payload["type"])

	// Cursor semantics: strictly after sinceID, oldest first, capped.
	rest, err := svc.GetCatchupEvents(ctx, channel, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, all[1].ID, rest[0].ID)

	// Unknown channel yields nothing.
	none, err := svc.GetCatchupEvents(ctx, "run:unknown", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventService_DeleteRunEvents(t *testing.T) {
	svc, publisher, runService := setupEventService(t)
	ctx := context.Background()

	runID := createRunWithEvents(t, runService, publisher, 2)
	otherID := createRunWithEvents(t, runService, publisher, 1)

	n, err := svc.DeleteRunEvents(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Only the named run's events are removed.
	gone, err := svc.GetCatchupEvents(ctx, events.RunChannel(runID), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, gone)
	kept, err := svc.GetCatchupEvents(ctx, events.RunChannel(otherID), 0, 10)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestEventService_PruneEventsBefore(t *testing.T) {
	svc, publisher, runService := setupEventService(t)
	ctx := context.Background()
	runID := createRunWithEvents(t, runService, publisher, 2)

	// Nothing is old enough yet.
	n, err := svc.PruneEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A cutoff in the future sweeps everything.
	n, err = svc.PruneEventsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := svc.GetCatchupEvents(ctx, events.RunChannel(runID), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
