// Package executor fans a run out into one pipeline per source document,
// bounded by shared generation and evaluation semaphores, and aggregates the
// per-document results into the run record.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/evaluation"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/output"
	"github.com/docarena/docarena/pkg/pipeline"
	"github.com/docarena/docarena/pkg/ratelimit"
)

// Options wires the executor's collaborators.
type Options struct {
	Generators map[models.GeneratorKind]adapters.Generator

	// Template is the judge/combine transport, usually the same instance
	// registered under GeneratorTemplate.
	Template adapters.Generator

	Limits *ratelimit.Registry

	// DataDir roots the on-disk artifact layout.
	DataDir string

	// OnStatsUpdate receives live call-stats snapshots for broadcast.
	OnStatsUpdate func(models.CallStatsSnapshot)
}

// Executor runs one run at a time. Create a fresh instance per run so
// cancellation and stats never leak between runs.
type Executor struct {
	opts      Options
	stats     *evaluation.CallStats
	cancelled atomic.Bool
}

// New creates an executor for a single run.
func New(opts Options) *Executor {
	e := &Executor{opts: opts, stats: evaluation.NewCallStats()}
	if opts.OnStatsUpdate != nil {
		e.stats.SetOnUpdate(opts.OnStatsUpdate)
	}
	return e
}

// Cancel requests cooperative cancellation: no new tasks are scheduled, but
// provider calls already in flight complete.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// Stats returns the live call-stats tracker for this run.
func (e *Executor) Stats() *evaluation.CallStats { return e.stats }

// Execute validates the config, starts one pipeline per source document,
// and aggregates their results. One failing pipeline never fails the run;
// the caller sees per-document status.
func (e *Executor) Execute(ctx context.Context, runID string, config *models.RunConfig) (*models.RunResult, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	log := slog.With("run_id", runID)
	startedAt := time.Now()

	result := &models.RunResult{
		RunID:            runID,
		Status:           models.PhaseGenerating,
		SourceDocResults: make(map[string]*models.SourceDocResult),
		StartedAt:        startedAt,
	}

	e.emitRunEvent(ctx, config, runID, "initialization", "start", "Run started", startedAt, 0, true)

	genSem := make(chan struct{}, config.GenerationConcurrency)
	evalSem := make(chan struct{}, config.EvalConcurrency)

	log.Info("Starting run",
		"source_docs", len(config.SourceDocs),
		"generators", len(config.Generators),
		"iterations", config.Iterations,
		"generation_concurrency", config.GenerationConcurrency,
		"eval_concurrency", config.EvalConcurrency)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, doc := range config.SourceDocs {
		wg.Add(1)
		go func(doc models.SourceDoc) {
			defer wg.Done()

			p := pipeline.New(doc, config, runID, pipeline.Deps{
				Generators: e.opts.Generators,
				Template:   e.opts.Template,
				Limits:     e.opts.Limits,
				Stats:      e.stats,
				GenSem:     genSem,
				EvalSem:    evalSem,
				Writer:     output.NewWriter(e.opts.DataDir, config.UserID, runID),
				Cancelled:  &e.cancelled,
			})
			docResult := p.Run(ctx)

			mu.Lock()
			result.SourceDocResults[doc.ID] = docResult
			result.TotalCostUSD += docResult.CostUSD
			result.Errors = append(result.Errors, docResult.Errors...)
			mu.Unlock()
		}(doc)
	}
	wg.Wait()

	completedAt := time.Now()
	result.CompletedAt = &completedAt
	result.DurationSeconds = completedAt.Sub(startedAt).Seconds()
	snapshot := e.stats.Snapshot()
	result.CallStats = &snapshot

	result.Status = e.finalStatus()
	if result.Status == models.PhaseCancelled {
		e.emitRunEvent(ctx, config, runID, "completion", "cancelled", "Run cancelled", completedAt, result.DurationSeconds, false)
	} else {
		e.emitRunEvent(ctx, config, runID, "completion", "complete", "Run completed", completedAt, result.DurationSeconds, true)
	}

	log.Info("Run finished",
		"status", result.Status,
		"cost_usd", result.TotalCostUSD,
		"duration_seconds", result.DurationSeconds)
	return result, nil
}

// finalStatus derives the run status: Cancelled when cancellation was
// observed, otherwise Completed. Per-document failures never fail the run —
// even when every pipeline fails, the caller sees Completed with each
// SourceDocResult carrying its own Failed status and error list. Failed at
// the run level is reserved for an abort of the scheduler itself, and the
// fan-out here has no such path: Execute either validates and runs every
// pipeline to a terminal state, or returns a ConfigError before any work.
func (e *Executor) finalStatus() models.RunPhase {
	if e.cancelled.Load() {
		return models.PhaseCancelled
	}
	return models.PhaseCompleted
}

func (e *Executor) emitRunEvent(ctx context.Context, config *models.RunConfig, runID, phase, eventType, description string, ts time.Time, duration float64, success bool) {
	if config.OnTimelineEvent == nil {
		return
	}
	config.OnTimelineEvent(ctx, runID, &models.TimelineEvent{
		Phase:           phase,
		EventType:       eventType,
		Description:     description,
		Timestamp:       ts,
		DurationSeconds: duration,
		Success:         success,
	})
}
