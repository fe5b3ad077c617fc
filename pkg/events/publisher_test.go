package events_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/services"
	testdb "github.com/docarena/docarena/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRun(t *testing.T) (*events.Publisher, *services.EventService, *events.Bus, *events.Listener, string) {
	t.Helper()
	ctx := context.Background()

	client, connStr := testdb.NewTestClient(t)

	runService := services.NewRunService(client.Client)
	created, err := runService.CreateRun(ctx, services.CreateRunRequest{
		UserID: "u1",
		Config: map[string]interface{}{},
	})
	require.NoError(t, err)

	bus := events.NewBus()
	listener := events.NewListener(connStr, bus)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	publisher := events.NewPublisher(client.DB())
	eventService := services.NewEventService(client.Client)

	return publisher, eventService, bus, listener, created.ID
}

func waitForEvent(t *testing.T, ch <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case raw := <-ch:
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &payload))
		return payload
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublisher_PersistAndNotify(t *testing.T) {
	publisher, eventService, bus, listener, runID := setupRun(t)
	ctx := context.Background()

	channel := events.RunChannel(runID)
	require.NoError(t, listener.Subscribe(ctx, channel))
	ch, unsub := bus.Subscribe(channel, 8)
	defer unsub()

	err := publisher.PublishGenComplete(ctx, runID, events.GenCompletePayload{
		DocID:       "doc-1",
		Model:       "openai:m1",
		Generator:   models.GeneratorTemplate,
		SourceDocID: "s1",
		Iteration:   1,
	})
	require.NoError(t, err)

	// Live delivery carries the db_event_id cursor.
	payload := waitForEvent(t, ch)
	assert.Equal(t, events.EventTypeGenComplete, payload["type"])
	assert.Equal(t, "doc-1", payload["doc_id"])
	assert.Contains(t, payload, "db_event_id")

	// The same event is queryable for catch-up.
	catchup, err := eventService.GetCatchupEvents(ctx, channel, 0, 10)
	require.NoError(t, err)
	require.Len(t, catchup, 1)
	assert.Equal(t, events.EventTypeGenComplete, catchup[0].Payload["type"])
}

func TestPublisher_TransientEventsNotPersisted(t *testing.T) {
	publisher, eventService, bus, listener, runID := setupRun(t)
	ctx := context.Background()

	channel := events.RunChannel(runID)
	require.NoError(t, listener.Subscribe(ctx, channel))
	ch, unsub := bus.Subscribe(channel, 8)
	defer unsub()

	err := publisher.PublishProgress(ctx, runID, events.ProgressPayload{
		TaskID:   "t1",
		Stage:    "browsing",
		Progress: 0.5,
	})
	require.NoError(t, err)

	payload := waitForEvent(t, ch)
	assert.Equal(t, events.EventTypeProgress, payload["type"])

	catchup, err := eventService.GetCatchupEvents(ctx, channel, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, catchup, "transient events must not reach the events table")
}

func TestPublisher_OversizePayloadTruncated(t *testing.T) {
	publisher, eventService, bus, listener, runID := setupRun(t)
	ctx := context.Background()

	channel := events.RunChannel(runID)
	require.NoError(t, listener.Subscribe(ctx, channel))
	ch, unsub := bus.Subscribe(channel, 8)
	defer unsub()

	huge := strings.Repeat("x", 20_000)
	err := publisher.PublishTimelineEvent(ctx, runID, events.TimelineEventPayload{
		Event: &models.TimelineEvent{
			Phase:       "generation",
			EventType:   "generation",
			Description: huge,
			Timestamp:   time.Now(),
			Success:     true,
		},
	})
	require.NoError(t, err)

	// NOTIFY delivery is the truncation envelope...
	payload := waitForEvent(t, ch)
	assert.Equal(t, true, payload["truncated"])
	assert.Contains(t, payload, "db_event_id")

	// ...but the full payload is in the table.
	catchup, err := eventService.GetCatchupEvents(ctx, channel, 0, 10)
	require.NoError(t, err)
	require.Len(t, catchup, 1)
	event := catchup[0].Payload["event"].(map[string]interface{})
	assert.Equal(t, huge, event["description"])
}

func TestPublisher_RunStatusMirroredToGlobalChannel(t *testing.T) {
	publisher, _, bus, listener, runID := setupRun(t)
	ctx := context.Background()

	require.NoError(t, listener.Subscribe(ctx, events.GlobalRunsChannel))
	globalCh, unsub := bus.Subscribe(events.GlobalRunsChannel, 8)
	defer unsub()

	err := publisher.PublishRunStatus(ctx, runID, events.RunStatusPayload{
		Status:       "in_progress",
		CurrentPhase: "generating",
	})
	require.NoError(t, err)

	payload := waitForEvent(t, globalCh)
	assert.Equal(t, events.EventTypeRunStatus, payload["type"])
	assert.Equal(t, runID, payload["run_id"])
}

func TestSubscriber_CatchupAndLiveAgainstDatabase(t *testing.T) {
	publisher, eventService, bus, listener, runID := setupRun(t)
	ctx := context.Background()
	channel := events.RunChannel(runID)

	// Two events land before anyone subscribes.
	for _, docID := range []string{"doc-1", "doc-2"} {
		require.NoError(t, publisher.PublishGenComplete(ctx, runID, events.GenCompletePayload{
			DocID: docID, Model: "openai:m1", Generator: models.GeneratorTemplate,
			SourceDocID: "s1", Iteration: 1,
		}))
	}

	subscriber := events.NewSubscriber(bus, listener, eventService)
	sub, err := subscriber.Subscribe(ctx, channel, 0)
	require.NoError(t, err)
	defer sub.Close()

	// The late subscriber catches up on both, in order.
	first := waitForSubEvent(t, sub.Events)
	assert.Equal(t, "doc-1", first["doc_id"])
	second := waitForSubEvent(t, sub.Events)
	assert.Equal(t, "doc-2", second["doc_id"])

	// A post-subscribe publish arrives live, not duplicated.
	require.NoError(t, publisher.PublishGenComplete(ctx, runID, events.GenCompletePayload{
		DocID: "doc-3", Model: "openai:m1", Generator: models.GeneratorTemplate,
		SourceDocID: "s1", Iteration: 1,
	}))
	third := waitForSubEvent(t, sub.Events)
	assert.Equal(t, "doc-3", third["doc_id"])
}

func waitForSubEvent(t *testing.T, ch <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &payload))
		return payload
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for subscription event")
		return nil
	}
}

func TestEventService_CatchupCursor(t *testing.T) {
	publisher, eventService, _, _, runID := setupRun(t)
	ctx := context.Background()
	channel := events.RunChannel(runID)

	for i := 0; i < 5; i++ {
		require.NoError(t, publisher.PublishEvalComplete(ctx, runID, events.EvalCompletePayload{
			DocID: "doc-1", JudgeModel: "openai:j1", Trial: i + 1, AverageScore: 3,
		}))
	}

	all, err := eventService.GetCatchupEvents(ctx, channel, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)

	// Resuming from a cursor returns only newer events, oldest first.
	rest, err := eventService.GetCatchupEvents(ctx, channel, all[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].ID, all[2].ID)
	assert.Less(t, rest[0].ID, rest[1].ID)
}
