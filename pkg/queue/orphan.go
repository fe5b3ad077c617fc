package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned runs. All pods run
// this independently — the operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds in-progress runs with stale heartbeats and
// marks them timed_out (terminal state). A run whose pod died mid-flight
// still has its progressive results and on-disk artifacts; operators can
// resubmit it from the stored config.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.client.Run.Query().
		Where(
			run.StatusEQ(run.StatusInProgress),
			run.LastInteractionAtNotNil(),
			run.LastInteractionAtLT(threshold),
			run.DeletedAtIsNil(),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query orphaned runs: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned runs", "count", len(orphans))

	recovered := 0
	failed := 0
	for _, r := range orphans {
		if err := p.recoverOrphanedRun(ctx, r); err != nil {
			slog.Error("Failed to recover orphaned run",
				"run_id", r.ID,
				"error", err)
			failed++
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	if failed > 0 {
		slog.Warn("Orphan recovery completed with failures",
			"total_orphans", len(orphans),
			"recovered", recovered,
			"failed", failed)
	}

	return nil
}

// recoverOrphanedRun marks a single orphaned run as timed_out.
func (p *WorkerPool) recoverOrphanedRun(ctx context.Context, r *ent.Run) error {
	log := slog.With("run_id", r.ID)

	lastHeartbeat := "unknown"
	if r.LastInteractionAt != nil {
		lastHeartbeat = r.LastInteractionAt.Format(time.RFC3339)
	}
	podID := "unknown"
	if r.PodID != nil {
		podID = *r.PodID
	}

	errorMsg := fmt.Sprintf("Orphaned: no heartbeat from pod %s since %s", podID, lastHeartbeat)
	err := p.client.Run.UpdateOneID(r.ID).
		SetStatus(run.StatusTimedOut).
		SetErrorMessage(errorMsg).
		SetCompletedAt(time.Now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark run timed_out: %w", err)
	}

	log.Warn("Orphaned run marked as timed_out", "last_heartbeat", lastHeartbeat, "old_pod_id", podID)
	return nil
}

// CleanupStartupOrphans performs a one-time cleanup of runs owned by this
// pod that were in-progress when the pod previously crashed. Called once at
// startup before workers begin polling.
func (p *WorkerPool) CleanupStartupOrphans(ctx context.Context) error {
	orphans, err := p.client.Run.Query().
		Where(
			run.StatusEQ(run.StatusInProgress),
			run.PodIDEQ(p.podID),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Recovering runs from previous incarnation of this pod",
		"pod_id", p.podID, "count", len(orphans))

	for _, r := range orphans {
		err := p.client.Run.UpdateOneID(r.ID).
			SetStatus(run.StatusTimedOut).
			SetErrorMessage("Pod restarted during processing").
			SetCompletedAt(time.Now()).
			Exec(ctx)
		if err != nil {
			slog.Error("Failed to recover startup orphan", "run_id", r.ID, "error", err)
		}
	}
	return nil
}
