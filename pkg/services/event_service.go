package services

import (
	"context"
	"fmt"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/event"
	"github.com/docarena/docarena/pkg/events"
)

// EventService queries the persisted event log for subscriber catch-up and
// enforces event retention. It implements events.CatchupQuerier.
type EventService struct {
	client *ent.Client
}

// NewEventService creates an EventService.
func NewEventService(client *ent.Client) *EventService {
	return &EventService{client: client}
}

// GetCatchupEvents returns events on a channel with id > sinceID, oldest
// first, capped at limit. Subscribers use this after a reconnect to close
// the gap before live NOTIFY delivery resumes.
func (s *EventService) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.client.Event.Query().
		Where(
			event.ChannelEQ(channel),
			event.IDGT(sinceID),
		).
		Order(ent.Asc(event.FieldID)).
		Limit(limit).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}

	out := make([]events.CatchupEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.CatchupEvent{ID: row.ID, Payload: row.Payload})
	}
	return out, nil
}

// DeleteRunEvents removes a run's broadcast events. Called after a grace
// period once the run reaches a terminal state, so late subscribers can
// still catch up on the final events first.
func (s *EventService) DeleteRunEvents(ctx context.Context, runID string) (int, error) {
	n, err := s.client.Event.Delete().
		Where(event.RunIDEQ(runID)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run events: %w", err)
	}
	return n, nil
}

// PruneEventsBefore removes events older than the cutoff across all runs,
// enforcing the retention policy.
func (s *EventService) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.client.Event.Delete().
		Where(event.CreatedAtLT(cutoff)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return n, nil
}
