// Package queue provides run queue management: workers claim pending runs
// from the database, drive them through the executor, heartbeat while they
// work, and recover runs orphaned by dead pods.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no pending runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates the global concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// RunExecutor is the interface for run processing.
//
// The executor owns the ENTIRE run lifecycle internally: it validates the
// config, fans out one pipeline per source document, and writes results
// PROGRESSIVELY during execution, not at the end. The worker only handles
// claiming, heartbeat, terminal status update, and event cleanup.
type RunExecutor interface {
	Execute(ctx context.Context, r *ent.Run) *ExecutionResult
}

// ExecutionResult is lightweight — just the terminal state. All
// intermediate state was already written to the DB by the executor during
// processing.
type ExecutionResult struct {
	Status       run.Status // completed, failed, timed_out, cancelled
	TotalCostUSD float64
	Error        error // error details (if failed/timed_out)
}

// EventCleaner removes a run's broadcast events once the run is terminal
// and the grace period has elapsed. Implemented by services.EventService.
type EventCleaner interface {
	DeleteRunEvents(ctx context.Context, runID string) (int, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
