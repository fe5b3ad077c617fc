package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id           string
	podID        string
	client       *ent.Client
	config       *config.QueueConfig
	runExecutor  RunExecutor
	pool         RunRegistry
	eventCleaner EventCleaner
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// RunRegistry is the subset of WorkerPool used by Worker for run registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// NewWorker creates a new queue worker. eventCleaner may be nil (event
// cleanup disabled).
func NewWorker(id, podID string, client *ent.Client, cfg *config.QueueConfig, executor RunExecutor, pool RunRegistry, eventCleaner EventCleaner) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		client:       client,
		config:       cfg,
		runExecutor:  executor,
		pool:         pool,
		eventCleaner: eventCleaner,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount and mitigated by poll jitter).
	activeCount, err := w.client.Run.Query().
		Where(run.StatusEQ(run.StatusInProgress)).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	// 2. Claim next run
	r, err := w.claimNextRun(ctx)
	if err != nil {
		return err
	}

	log := slog.With("run_id", r.ID, "worker_id", w.id)
	log.Info("Run claimed")

	w.setStatus(WorkerStatusWorking, r.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create run context with timeout
	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	// 4. Register cancel function for externally-triggered cancellation
	w.pool.RegisterRun(r.ID, cancelRun)
	defer w.pool.UnregisterRun(r.ID)

	// 5. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, r.ID)

	// 6. Execute run
	result := w.runExecutor.Execute(runCtx, r)

	// 6a. Nil-guard: synthesize a safe result if the executor returned nil
	if result == nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: run.StatusTimedOut,
				Error:  fmt.Errorf("run timed out after %v", w.config.RunTimeout),
			}
		case errors.Is(runCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: run.StatusCancelled,
				Error:  context.Canceled,
			}
		default:
			result = &ExecutionResult{
				Status: run.StatusFailed,
				Error:  fmt.Errorf("executor returned nil result"),
			}
		}
	}

	// 7. Map context expiry to terminal statuses the executor couldn't set
	if result.Status == "" && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result = &ExecutionResult{
			Status: run.StatusTimedOut,
			Error:  fmt.Errorf("run timed out after %v", w.config.RunTimeout),
		}
	}
	if result.Status == "" && errors.Is(runCtx.Err(), context.Canceled) {
		result = &ExecutionResult{
			Status: run.StatusCancelled,
			Error:  context.Canceled,
		}
	}

	// 8. Stop heartbeat
	cancelHeartbeat()

	// 9. Update terminal status (background context — run ctx may be cancelled)
	if err := w.updateRunTerminalStatus(context.Background(), r, result); err != nil {
		log.Error("Failed to update run terminal status", "error", err)
		return err
	}

	// 10. Cleanup broadcast events after a grace period so clients can
	// still receive the final events before they are deleted.
	w.scheduleEventCleanup(r.ID)

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing complete", "status", result.Status)
	return nil
}

// claimNextRun atomically claims the next pending run using
// FOR UPDATE SKIP LOCKED, ordered by created_at for FIFO processing.
func (w *Worker) claimNextRun(ctx context.Context) (*ent.Run, error) {
	tx, err := w.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.Run.Query().
		Where(
			run.StatusEQ(run.StatusPending),
			run.DeletedAtIsNil(),
		).
		Order(ent.Asc(run.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNoRunsAvailable
		}
		return nil, fmt.Errorf("failed to query pending run: %w", err)
	}

	// Claim: set in_progress, pod_id, started_at, last_interaction_at
	now := time.Now()
	r, err = r.Update().
		SetStatus(run.StatusInProgress).
		SetPodID(w.podID).
		SetStartedAt(now).
		SetLastInteractionAt(now).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return r, nil
}

// runHeartbeat periodically updates last_interaction_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Run.UpdateOneID(runID).
				SetLastInteractionAt(time.Now()).
				Exec(ctx); err != nil {
				slog.Warn("Heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// updateRunTerminalStatus writes the final run status.
func (w *Worker) updateRunTerminalStatus(ctx context.Context, r *ent.Run, result *ExecutionResult) error {
	update := w.client.Run.UpdateOneID(r.ID).
		SetStatus(result.Status).
		SetCompletedAt(time.Now())

	if result.TotalCostUSD > 0 {
		update = update.SetTotalCostUsd(result.TotalCostUSD)
	}
	if result.Error != nil {
		update = update.SetErrorMessage(result.Error.Error())
	}

	return update.Exec(ctx)
}

// scheduleEventCleanup deletes the run's broadcast events after the
// configured grace period. The durable record of what happened lives in the
// run's results document; the events table only serves live catch-up.
func (w *Worker) scheduleEventCleanup(runID string) {
	if w.eventCleaner == nil {
		return
	}
	grace := w.config.EventCleanupGrace
	time.AfterFunc(grace, func() {
		if _, err := w.eventCleaner.DeleteRunEvents(context.Background(), runID); err != nil {
			slog.Warn("Failed to cleanup run events after grace period",
				"run_id", runID, "error", err)
		}
	})
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
