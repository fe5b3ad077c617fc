// Package events provides real-time event delivery via PostgreSQL
// NOTIFY/LISTEN plus an in-process subscriber bus.
//
// Persistent events (generation completions, eval verdicts, timeline
// entries, run status) are stored in the events table and broadcast via
// NOTIFY in one transaction, so subscribers can catch up from the table by
// event id after a reconnect. Transient events (progress ticks, live call
// stats) are NOTIFY-only — lost on disconnect, cheap to re-derive.
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	EventTypeTimelineEvent = "timeline_event.created"
	EventTypeGenComplete   = "generation.completed"
	EventTypeEvalComplete  = "eval.completed"
	EventTypeRunStatus     = "run.status"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	EventTypeProgress    = "task.progress"
	EventTypeStatsUpdate = "stats.update"
)

// GlobalRunsChannel is the channel for run-level status events. Run list
// surfaces subscribe to this for live updates.
const GlobalRunsChannel = "runs"

// RunChannel returns the channel name for one run's events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return "run:" + runID
}
