package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// notifyLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes); payloads
// near it are replaced by a truncation envelope so subscribers re-fetch the
// full event from the table.
const notifyLimit = 7900

// Publisher publishes run events. Persistent events are stored in the
// events table then broadcast via NOTIFY in a single transaction
// (pg_notify is transactional — held until COMMIT), so an event a
// subscriber sees is always queryable for catch-up. Transient events are
// broadcast via NOTIFY only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the *sql.DB
// from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// --- Typed public methods ---

// PublishTimelineEvent persists and broadcasts a timeline entry.
func (p *Publisher) PublishTimelineEvent(ctx context.Context, runID string, payload TimelineEventPayload) error {
	payload.BasePayload.stamp(EventTypeTimelineEvent, runID)
	return p.persistAndNotify(ctx, runID, RunChannel(runID), marshalPayload(payload))
}

// PublishGenComplete persists and broadcasts a generated-document arrival.
func (p *Publisher) PublishGenComplete(ctx context.Context, runID string, payload GenCompletePayload) error {
	payload.BasePayload.stamp(EventTypeGenComplete, runID)
	return p.persistAndNotify(ctx, runID, RunChannel(runID), marshalPayload(payload))
}

// PublishEvalComplete persists and broadcasts a judge verdict.
func (p *Publisher) PublishEvalComplete(ctx context.Context, runID string, payload EvalCompletePayload) error {
	payload.BasePayload.stamp(EventTypeEvalComplete, runID)
	return p.persistAndNotify(ctx, runID, RunChannel(runID), marshalPayload(payload))
}

// PublishRunStatus persists a run status event to the run channel and
// broadcasts a transient copy to the global runs channel. Both publishes
// are best-effort; the first error is returned.
func (p *Publisher) PublishRunStatus(ctx context.Context, runID string, payload RunStatusPayload) error {
	payload.BasePayload.stamp(EventTypeRunStatus, runID)
	raw := marshalPayload(payload)

	var firstErr error
	if err := p.persistAndNotify(ctx, runID, RunChannel(runID), raw); err != nil {
		slog.Warn("Failed to publish run status to run channel",
			"run_id", runID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalRunsChannel, raw); err != nil {
		slog.Warn("Failed to publish run status to global channel",
			"run_id", runID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishProgress broadcasts a transient progress tick (no DB persistence).
func (p *Publisher) PublishProgress(ctx context.Context, runID string, payload ProgressPayload) error {
	payload.BasePayload.stamp(EventTypeProgress, runID)
	return p.notifyOnly(ctx, RunChannel(runID), marshalPayload(payload))
}

// PublishStatsUpdate broadcasts the live call-stats counters (transient).
func (p *Publisher) PublishStatsUpdate(ctx context.Context, runID string, payload StatsUpdatePayload) error {
	payload.BasePayload.stamp(EventTypeStatsUpdate, runID)
	return p.notifyOnly(ctx, RunChannel(runID), marshalPayload(payload))
}

// --- Internal core methods ---

// stamp fills the routing fields. Called on the local copy before
// serialisation.
func (b *BasePayload) stamp(eventType, runID string) {
	b.Type = eventType
	b.RunID = runID
	if b.Timestamp == "" {
		b.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
}

// marshalPayload serialises the event. Marshal errors surface as nil
// payloads, which persistAndNotify and notifyOnly reject.
func marshalPayload(payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", "error", err)
		return nil
	}
	return raw
}

// persistAndNotify persists a pre-marshaled event to the events table and
// broadcasts via NOTIFY in a single transaction.
func (p *Publisher) persistAndNotify(ctx context.Context, runID, channel string, payloadJSON []byte) error {
	if payloadJSON == nil {
		return fmt.Errorf("nil event payload")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (run_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		runID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	if payloadJSON == nil {
		return fmt.Errorf("nil event payload")
	}
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Internal helpers ---

// injectEventIDAndTruncate adds db_event_id to the NOTIFY payload for
// catch-up tracking and applies truncation if the result exceeds the limit.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is if it fits the NOTIFY limit,
// otherwise a minimal envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"run_id":    routing.RunID,
		"truncated": true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}
	raw, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(raw), nil
}
