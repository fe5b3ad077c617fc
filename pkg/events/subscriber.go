package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// catchupLimit is the maximum number of events replayed in one catch-up
// pass. If more events were missed, Overflow tells the consumer to reload
// full state from the run record instead of paginating.
const catchupLimit = 200

// subscriptionBuffer sizes the delivery channels; it must hold a full
// catch-up pass plus live headroom.
const subscriptionBuffer = 256

// CatchupEvent is one persisted event returned by a catch-up query.
type CatchupEvent struct {
	ID      int
	Payload map[string]interface{}
}

// CatchupQuerier queries persisted events for catch-up. Implemented by
// services.EventService.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error)
}

// Subscription is one attached consumer: persisted events since the
// caller's cursor are delivered first, then live NOTIFY traffic, with
// duplicates dropped by db_event_id.
type Subscription struct {
	// Events delivers event payloads in order. Closed by Close.
	Events <-chan []byte

	// Overflow reports that more events were missed than the catch-up
	// limit; the consumer should reload from the run record.
	Overflow bool

	stopOnce sync.Once
	stop     func()
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.stopOnce.Do(s.stop)
}

// Subscriber combines the live Bus with the persisted event log: a
// Subscribe catches the caller up from its cursor before streaming, and a
// LISTEN-connection reconnect transparently replays whatever NOTIFYs were
// lost while the connection was down.
type Subscriber struct {
	bus      *Bus
	listener *Listener
	querier  CatchupQuerier
}

// NewSubscriber creates a Subscriber. listener may be nil (in-process only,
// no LISTEN management); querier may be nil (live-only, no catch-up).
func NewSubscriber(bus *Bus, listener *Listener, querier CatchupQuerier) *Subscriber {
	return &Subscriber{bus: bus, listener: listener, querier: querier}
}

// Subscribe attaches to a channel with catch-up from sinceID (0 = from the
// beginning). LISTEN is established before the catch-up query so events
// published in between arrive on both paths and are deduplicated, never
// lost.
func (s *Subscriber) Subscribe(ctx context.Context, channel string, sinceID int) (*Subscription, error) {
	if s.listener != nil {
		if err := s.listener.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	live, unsubBus := s.bus.Subscribe(channel, subscriptionBuffer)
	out := make(chan []byte, subscriptionBuffer)
	sub := &Subscription{Events: out}

	backlog, lastID, overflow, err := s.replay(ctx, channel, sinceID)
	if err != nil {
		unsubBus()
		return nil, err
	}
	sub.Overflow = overflow
	for _, raw := range backlog {
		out <- raw
	}

	reconnected := make(chan struct{}, 1)
	var removeReconnect func()
	if s.listener != nil {
		removeReconnect = s.listener.OnReconnect(func() {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return

			case <-reconnected:
				// NOTIFYs may have been lost while the LISTEN connection
				// was down; replay from the last seen cursor.
				backlog, newLast, overflow, err := s.replay(context.Background(), channel, lastID)
				if err != nil {
					slog.Warn("Catch-up after reconnect failed", "channel", channel, "error", err)
					continue
				}
				if overflow {
					slog.Warn("Catch-up overflow after reconnect", "channel", channel, "since_id", lastID)
				}
				for _, raw := range backlog {
					deliver(out, channel, raw)
				}
				lastID = newLast

			case raw, ok := <-live:
				if !ok {
					return
				}
				if id, tracked := eventID(raw); tracked {
					if id <= lastID {
						continue // already delivered by catch-up
					}
					lastID = id
				}
				deliver(out, channel, raw)
			}
		}
	}()

	sub.stop = func() {
		close(done)
		unsubBus()
		if removeReconnect != nil {
			removeReconnect()
		}
		// Last local subscriber gone — stop LISTENing the channel.
		if s.listener != nil && s.bus.SubscriberCount(channel) == 0 {
			if err := s.listener.Unsubscribe(context.Background(), channel); err != nil {
				slog.Warn("UNLISTEN on close failed", "channel", channel, "error", err)
			}
		}
	}
	return sub, nil
}

// replay queries persisted events after sinceID and marshals them with
// db_event_id injected, mirroring what the NOTIFY path delivers. The stored
// payload lacks db_event_id (it is only added at publish time), so it is
// re-added here from the row id.
func (s *Subscriber) replay(ctx context.Context, channel string, sinceID int) (backlog [][]byte, lastID int, overflow bool, err error) {
	lastID = sinceID
	if s.querier == nil {
		return nil, lastID, false, nil
	}

	events, err := s.querier.GetCatchupEvents(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		return nil, lastID, false, fmt.Errorf("catchup query for %s: %w", channel, err)
	}
	if len(events) > catchupLimit {
		overflow = true
		events = events[:catchupLimit]
	}

	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		raw, merr := json.Marshal(evt.Payload)
		if merr != nil {
			slog.Warn("Skipping unmarshalable catch-up event", "channel", channel, "event_id", evt.ID)
			continue
		}
		backlog = append(backlog, raw)
		lastID = evt.ID
	}
	return backlog, lastID, overflow, nil
}

// deliver forwards without blocking; a consumer that stopped draining
// drops events, consistent with Bus delivery.
func deliver(out chan []byte, channel string, raw []byte) {
	select {
	case out <- raw:
	default:
		slog.Warn("Dropping event for slow subscription", "channel", channel)
	}
}

// eventID extracts the db_event_id cursor. Transient events carry none and
// are never deduplicated.
func eventID(raw []byte) (int, bool) {
	var cursor struct {
		DBEventID *int `json:"db_event_id"`
	}
	if err := json.Unmarshal(raw, &cursor); err != nil || cursor.DBEventID == nil {
		return 0, false
	}
	return *cursor.DBEventID, true
}
