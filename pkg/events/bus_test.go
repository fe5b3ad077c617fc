package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndBroadcast(t *testing.T) {
	bus := NewBus()

	ch1, unsub1 := bus.Subscribe("run:1", 4)
	ch2, unsub2 := bus.Subscribe("run:1", 4)
	defer unsub2()
	other, unsubOther := bus.Subscribe("run:2", 4)
	defer unsubOther()

	bus.Broadcast("run:1", []byte("hello"))

	assert.Equal(t, "hello", string(<-ch1))
	assert.Equal(t, "hello", string(<-ch2))
	select {
	case <-other:
		t.Fatal("subscriber on another channel received the event")
	case <-time.After(20 * time.Millisecond):
	}

	unsub1()
	assert.Equal(t, 1, bus.SubscriberCount("run:1"))

	// The unsubscribed channel is closed.
	_, open := <-ch1
	assert.False(t, open)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe("run:1", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Second broadcast overflows the buffer; it must not block.
		bus.Broadcast("run:1", []byte("one"))
		bus.Broadcast("run:1", []byte("two"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	assert.Equal(t, "one", string(<-ch))
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe("run:1", 1)
	unsub()
	require.NotPanics(t, unsub)
	assert.Zero(t, bus.SubscriberCount("run:1"))
}
