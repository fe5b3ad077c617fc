package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/config"
	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/queue"
	"github.com/docarena/docarena/pkg/services"
	testdb "github.com/docarena/docarena/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor records executed runs and returns a canned result.
type stubExecutor struct {
	mu     sync.Mutex
	seen   []string
	result *queue.ExecutionResult
	block  chan struct{} // when set, Execute blocks until closed
}

func (s *stubExecutor) Execute(ctx context.Context, r *ent.Run) *queue.ExecutionResult {
	s.mu.Lock()
	s.seen = append(s.seen, r.ID)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	if s.result != nil {
		return s.result
	}
	return &queue.ExecutionResult{Status: run.StatusCompleted, TotalCostUSD: 0.5}
}

func (s *stubExecutor) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.seen))
	copy(out, s.seen)
	return out
}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 2
	cfg.PollInterval = 50 * time.Millisecond
	cfg.PollIntervalJitter = 10 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.RunTimeout = time.Minute
	return cfg
}

func submitRun(t *testing.T, svc *services.RunService, name string) string {
	t.Helper()
	created, err := svc.CreateRun(context.Background(), services.CreateRunRequest{
		UserID: "u1",
		Name:   name,
		Config: map[string]interface{}{},
	})
	require.NoError(t, err)
	return created.ID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerPool_ProcessesPendingRuns(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)
	executor := &stubExecutor{}

	runID1 := submitRun(t, svc, "first")
	runID2 := submitRun(t, svc, "second")

	pool := queue.NewWorkerPool("pod-test", client.Client, testQueueConfig(), executor, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	waitFor(t, 15*time.Second, func() bool {
		return len(executor.executed()) == 2
	})

	assert.ElementsMatch(t, []string{runID1, runID2}, executor.executed())

	// Terminal status and cost were written by the worker.
	for _, id := range []string{runID1, runID2} {
		r, err := svc.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, run.StatusCompleted, r.Status)
		assert.NotNil(t, r.CompletedAt)
		assert.InDelta(t, 0.5, r.TotalCostUsd, 1e-9)
	}
}

func TestWorkerPool_ClaimSetsOwnership(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)

	executor := &stubExecutor{block: make(chan struct{})}
	runID := submitRun(t, svc, "claimed")

	pool := queue.NewWorkerPool("pod-claim", client.Client, testQueueConfig(), executor, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(executor.block)
		pool.Stop()
	}()

	waitFor(t, 15*time.Second, func() bool {
		r, err := svc.GetRun(context.Background(), runID)
		return err == nil && r.Status == run.StatusInProgress
	})

	r, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, r.PodID)
	assert.Equal(t, "pod-claim", *r.PodID)
	assert.NotNil(t, r.StartedAt)
	assert.NotNil(t, r.LastInteractionAt)
}

func TestWorkerPool_Health(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)
	_ = submitRun(t, svc, "queued")

	pool := queue.NewWorkerPool("pod-health", client.Client, testQueueConfig(), &stubExecutor{block: make(chan struct{})}, nil)

	health := pool.Health()
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-health", health.PodID)
	assert.GreaterOrEqual(t, health.QueueDepth, 0)
}

func TestWorkerPool_GracefulStopFinishesCurrentRun(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)
	executor := &stubExecutor{block: make(chan struct{})}
	runID := submitRun(t, svc, "graceful")

	pool := queue.NewWorkerPool("pod-stop", client.Client, testQueueConfig(), executor, nil)
	require.NoError(t, pool.Start(context.Background()))

	waitFor(t, 15*time.Second, func() bool {
		return len(executor.executed()) == 1
	})

	// Release the executor and stop: the worker finishes its run first.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(executor.block)
	}()
	pool.Stop()

	r, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestWorkerPool_EventCleanupAfterTerminalRun(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)
	eventService := services.NewEventService(client.Client)
	publisher := events.NewPublisher(client.DB())
	executor := &stubExecutor{}

	runID := submitRun(t, svc, "cleanup")
	require.NoError(t, publisher.PublishEvalComplete(context.Background(), runID, events.EvalCompletePayload{
		DocID: "doc-1", JudgeModel: "openai:j1", Trial: 1, AverageScore: 3,
	}))

	cfg := testQueueConfig()
	cfg.EventCleanupGrace = 50 * time.Millisecond

	pool := queue.NewWorkerPool("pod-cleanup", client.Client, cfg, executor, eventService)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	// After the run completes and the grace period passes, its broadcast
	// events are swept.
	waitFor(t, 15*time.Second, func() bool {
		remaining, err := eventService.GetCatchupEvents(
			context.Background(), events.RunChannel(runID), 0, 10)
		return err == nil && len(remaining) == 0
	})

	r, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestWorkerPool_CleanupStartupOrphans(t *testing.T) {
	client, _ := testdb.NewTestClient(t)
	svc := services.NewRunService(client.Client)
	runID := submitRun(t, svc, "orphan")

	// Simulate a run left in_progress by a previous incarnation of this pod.
	err := client.Run.UpdateOneID(runID).
		SetStatus(run.StatusInProgress).
		SetPodID("pod-orphan").
		Exec(context.Background())
	require.NoError(t, err)

	pool := queue.NewWorkerPool("pod-orphan", client.Client, testQueueConfig(), &stubExecutor{}, nil)
	require.NoError(t, pool.CleanupStartupOrphans(context.Background()))

	r, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusTimedOut, r.Status)
	require.NotNil(t, r.ErrorMessage)
	assert.Contains(t, *r.ErrorMessage, "restarted")
}
