package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier serves canned catch-up events filtered by cursor.
type fakeQuerier struct {
	events []CatchupEvent
	calls  int
}

func (q *fakeQuerier) GetCatchupEvents(_ context.Context, _ string, sinceID, limit int) ([]CatchupEvent, error) {
	q.calls++
	var out []CatchupEvent
	for _, e := range q.events {
		if e.ID > sinceID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func persistedEvent(id int, docID string) CatchupEvent {
	return CatchupEvent{
		ID:      id,
		Payload: map[string]interface{}{"type": EventTypeGenComplete, "doc_id": docID},
	}
}

func liveEvent(t *testing.T, id int, docID string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type":        EventTypeGenComplete,
		"doc_id":      docID,
		"db_event_id": id,
	})
	require.NoError(t, err)
	return raw
}

func receiveEvent(t *testing.T, ch <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "subscription channel closed unexpectedly")
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &payload))
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscriber_CatchupThenLive(t *testing.T) {
	bus := NewBus()
	querier := &fakeQuerier{events: []CatchupEvent{
		persistedEvent(1, "doc-a"),
		persistedEvent(2, "doc-b"),
	}}
	subscriber := NewSubscriber(bus, nil, querier)

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.False(t, sub.Overflow)

	// Catch-up events arrive first, with db_event_id injected from the row.
	first := receiveEvent(t, sub.Events)
	assert.Equal(t, "doc-a", first["doc_id"])
	assert.EqualValues(t, 1, first["db_event_id"])
	second := receiveEvent(t, sub.Events)
	assert.Equal(t, "doc-b", second["doc_id"])

	// Live traffic follows.
	bus.Broadcast("run:1", liveEvent(t, 3, "doc-c"))
	third := receiveEvent(t, sub.Events)
	assert.Equal(t, "doc-c", third["doc_id"])
}

func TestSubscriber_SinceCursorSkipsDelivered(t *testing.T) {
	bus := NewBus()
	querier := &fakeQuerier{events: []CatchupEvent{
		persistedEvent(1, "doc-a"),
		persistedEvent(2, "doc-b"),
		persistedEvent(3, "doc-c"),
	}}
	subscriber := NewSubscriber(bus, nil, querier)

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 2)
	require.NoError(t, err)
	defer sub.Close()

	payload := receiveEvent(t, sub.Events)
	assert.Equal(t, "doc-c", payload["doc_id"], "only events after the cursor replay")
}

func TestSubscriber_DropsLiveDuplicatesOfCatchup(t *testing.T) {
	bus := NewBus()
	querier := &fakeQuerier{events: []CatchupEvent{
		persistedEvent(1, "doc-a"),
		persistedEvent(2, "doc-b"),
	}}
	subscriber := NewSubscriber(bus, nil, querier)

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 0)
	require.NoError(t, err)
	defer sub.Close()

	receiveEvent(t, sub.Events) // doc-a
	receiveEvent(t, sub.Events) // doc-b

	// A NOTIFY for an event already replayed must be dropped; the next
	// fresh event comes straight through.
	bus.Broadcast("run:1", liveEvent(t, 2, "doc-b"))
	bus.Broadcast("run:1", liveEvent(t, 3, "doc-c"))

	payload := receiveEvent(t, sub.Events)
	assert.Equal(t, "doc-c", payload["doc_id"])
}

func TestSubscriber_TransientEventsAlwaysForwarded(t *testing.T) {
	bus := NewBus()
	subscriber := NewSubscriber(bus, nil, &fakeQuerier{})

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Transient events carry no db_event_id and bypass deduplication.
	raw, _ := json.Marshal(map[string]interface{}{"type": EventTypeProgress, "progress": 0.5})
	bus.Broadcast("run:1", raw)
	bus.Broadcast("run:1", raw)

	assert.Equal(t, EventTypeProgress, receiveEvent(t, sub.Events)["type"])
	assert.Equal(t, EventTypeProgress, receiveEvent(t, sub.Events)["type"])
}

func TestSubscriber_Overflow(t *testing.T) {
	var backlog []CatchupEvent
	for i := 1; i <= catchupLimit+10; i++ {
		backlog = append(backlog, persistedEvent(i, fmt.Sprintf("doc-%d", i)))
	}
	subscriber := NewSubscriber(NewBus(), nil, &fakeQuerier{events: backlog})

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.True(t, sub.Overflow, "missing more than the limit must flag a full reload")
	for i := 0; i < catchupLimit; i++ {
		receiveEvent(t, sub.Events)
	}
	select {
	case raw := <-sub.Events:
		t.Fatalf("received event beyond the catch-up limit: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriber_CloseClosesChannel(t *testing.T) {
	bus := NewBus()
	subscriber := NewSubscriber(bus, nil, &fakeQuerier{})

	sub, err := subscriber.Subscribe(context.Background(), "run:1", 0)
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	waitClosed := func() bool {
		select {
		case _, ok := <-sub.Events:
			return !ok
		case <-time.After(time.Second):
			return false
		}
	}
	assert.True(t, waitClosed())
	assert.Zero(t, bus.SubscriberCount("run:1"))
}
