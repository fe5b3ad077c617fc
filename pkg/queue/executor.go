package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/events"
	"github.com/docarena/docarena/pkg/executor"
	"github.com/docarena/docarena/pkg/metrics"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/ratelimit"
	"github.com/docarena/docarena/pkg/services"
)

// RealRunExecutor implements RunExecutor: it decodes the stored run config,
// wires the incremental persistence and broadcast callbacks, and drives the
// pipeline executor. All intermediate state is written progressively; the
// worker only records the terminal status.
type RealRunExecutor struct {
	generators map[models.GeneratorKind]adapters.Generator
	template   adapters.Generator
	limits     *ratelimit.Registry
	runService *services.RunService
	publisher  *events.Publisher
	metrics    *metrics.Metrics
	dataDir    string

	// Cooperative cancellation registry: run_id → executor Cancel. User
	// cancellation never aborts in-flight provider calls; it only stops
	// new tasks from being scheduled.
	mu     sync.Mutex
	active map[string]func()
}

// NewRealRunExecutor creates the production run executor.
func NewRealRunExecutor(
	generators map[models.GeneratorKind]adapters.Generator,
	template adapters.Generator,
	limits *ratelimit.Registry,
	runService *services.RunService,
	publisher *events.Publisher,
	m *metrics.Metrics,
	dataDir string,
) *RealRunExecutor {
	return &RealRunExecutor{
		generators: generators,
		template:   template,
		limits:     limits,
		runService: runService,
		publisher:  publisher,
		metrics:    m,
		dataDir:    dataDir,
		active:     make(map[string]func()),
	}
}

// CancelRun requests cooperative cancellation of a run executing on this
// pod. Returns false if the run is not active here.
func (e *RealRunExecutor) CancelRun(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Execute implements RunExecutor.
func (e *RealRunExecutor) Execute(ctx context.Context, r *ent.Run) *ExecutionResult {
	log := slog.With("run_id", r.ID)

	config, err := decodeRunConfig(r.Config)
	if err != nil {
		log.Error("Run config decode failed", "error", err)
		return &ExecutionResult{Status: run.StatusFailed, Error: err}
	}

	e.wireCallbacks(r.ID, config)

	exec := executor.New(executor.Options{
		Generators: e.generators,
		Template:   e.template,
		Limits:     e.limits,
		DataDir:    e.dataDir,
		OnStatsUpdate: func(snapshot models.CallStatsSnapshot) {
			if e.metrics != nil {
				e.metrics.RecordCallStats(snapshot)
			}
			if e.publisher != nil {
				if err := e.publisher.PublishStatsUpdate(context.Background(), r.ID, events.StatsUpdatePayload{Stats: snapshot}); err != nil {
					slog.Debug("Stats broadcast failed", "run_id", r.ID, "error", err)
				}
			}
		},
	})

	e.mu.Lock()
	e.active[r.ID] = exec.Cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, r.ID)
		e.mu.Unlock()
	}()

	e.publishStatus(r.ID, string(run.StatusInProgress), string(models.PhaseGenerating), 0)

	result, err := exec.Execute(ctx, r.ID, config)
	if err != nil {
		// Validation failures arrive here before any work was scheduled.
		var cfgErr *executor.ConfigError
		if errors.As(err, &cfgErr) {
			log.Error("Run config invalid", "field", cfgErr.Field, "reason", cfgErr.Reason)
		} else {
			log.Error("Run execution failed", "error", err)
		}
		e.publishStatus(r.ID, string(run.StatusFailed), "", 0)
		return &ExecutionResult{Status: run.StatusFailed, Error: err}
	}

	// Persist per-document results and the aggregate.
	persistCtx := context.Background()
	for sourceDocID, docResult := range result.SourceDocResults {
		if err := e.runService.UpsertSourceDocResult(persistCtx, r.ID, sourceDocID, docResult); err != nil {
			log.Error("Failed to persist source doc result", "source_doc_id", sourceDocID, "error", err)
		}
	}
	if err := e.runService.SetFinalResult(persistCtx, r.ID, result); err != nil {
		log.Error("Failed to persist final result", "error", err)
	}

	status := terminalStatus(result.Status)
	e.publishStatus(r.ID, string(status), string(result.Status), result.TotalCostUSD)

	return &ExecutionResult{
		Status:       status,
		TotalCostUSD: result.TotalCostUSD,
	}
}

// wireCallbacks attaches the incremental persistence and broadcast hooks to
// the run config. Persistence errors are logged, never fatal to the run.
func (e *RealRunExecutor) wireCallbacks(runID string, config *models.RunConfig) {
	config.OnGenComplete = func(ctx context.Context, docID, modelKey string, generator models.GeneratorKind, sourceDocID string, iteration int) {
		if err := e.runService.AppendGeneratedDoc(ctx, runID, map[string]interface{}{
			"id":            docID,
			"model":         modelKey,
			"generator":     string(generator),
			"source_doc_id": sourceDocID,
			"iteration":     iteration,
		}); err != nil {
			slog.Error("Failed to persist generated doc", "run_id", runID, "doc_id", docID, "error", err)
		}
		if e.publisher != nil {
			if err := e.publisher.PublishGenComplete(ctx, runID, events.GenCompletePayload{
				DocID:       docID,
				Model:       modelKey,
				Generator:   generator,
				SourceDocID: sourceDocID,
				Iteration:   iteration,
			}); err != nil {
				slog.Warn("Gen-complete broadcast failed", "run_id", runID, "doc_id", docID, "error", err)
			}
		}
	}

	config.OnEvalComplete = func(ctx context.Context, docID, judgeModelKey string, trial int, result *models.SingleEvalResult) {
		if err := e.runService.UpsertSingleEvalResult(ctx, runID, docID, judgeModelKey, trial, result); err != nil {
			slog.Error("Failed to persist eval result",
				"run_id", runID, "doc_id", docID, "judge", judgeModelKey, "trial", trial, "error", err)
		}
		if e.publisher != nil {
			if err := e.publisher.PublishEvalComplete(ctx, runID, events.EvalCompletePayload{
				DocID:        docID,
				JudgeModel:   judgeModelKey,
				Trial:        trial,
				AverageScore: result.AverageScore(),
			}); err != nil {
				slog.Warn("Eval-complete broadcast failed", "run_id", runID, "doc_id", docID, "error", err)
			}
		}
	}

	config.OnTimelineEvent = func(ctx context.Context, runID string, event *models.TimelineEvent) {
		if err := e.runService.AppendTimelineEvent(ctx, runID, event); err != nil {
			slog.Error("Failed to persist timeline event", "run_id", runID, "error", err)
		}
		if e.publisher != nil {
			if err := e.publisher.PublishTimelineEvent(ctx, runID, events.TimelineEventPayload{Event: event}); err != nil {
				slog.Warn("Timeline broadcast failed", "run_id", runID, "error", err)
			}
		}
	}
}

func (e *RealRunExecutor) publishStatus(runID, status, phase string, cost float64) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.publisher.PublishRunStatus(ctx, runID, events.RunStatusPayload{
		Status:       status,
		CurrentPhase: phase,
		TotalCostUSD: cost,
	}); err != nil {
		slog.Warn("Run status broadcast failed", "run_id", runID, "status", status, "error", err)
	}
}

// decodeRunConfig converts the stored JSON config into the typed RunConfig.
func decodeRunConfig(raw map[string]interface{}) (*models.RunConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal stored config: %w", err)
	}
	var config models.RunConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("decode stored config: %w", err)
	}
	return &config, nil
}

// terminalStatus maps the pipeline phase to the queue's run status.
func terminalStatus(phase models.RunPhase) run.Status {
	switch phase {
	case models.PhaseCancelled:
		return run.StatusCancelled
	case models.PhaseFailed:
		return run.StatusFailed
	default:
		return run.StatusCompleted
	}
}
