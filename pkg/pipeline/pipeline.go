// Package pipeline drives a single source document through the five
// execution phases: generation (with streamed single eval), pairwise
// tournament, combine, and post-combine evaluation. Documents never compete
// across source-document boundaries — each pipeline produces its own winner.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/evaluation"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/output"
	"github.com/docarena/docarena/pkg/ratelimit"
	"github.com/google/uuid"
)

// Deps are the shared collaborators a pipeline borrows from the executor.
// Adapters, semaphores, rate gates, and the stats tracker are shared across
// all pipelines of a run; the Elo state inside each tournament is not.
type Deps struct {
	Generators map[models.GeneratorKind]adapters.Generator

	// Template is the judge/combine transport.
	Template adapters.Generator

	Limits *ratelimit.Registry
	Stats  *evaluation.CallStats

	// GenSem bounds all generation calls across pipelines; EvalSem bounds
	// all judge calls.
	GenSem  chan struct{}
	EvalSem chan struct{}

	Writer *output.Writer

	// Cancelled is the run-wide cooperative cancellation flag. Pipelines
	// poll it between tasks and between phases; in-flight provider calls
	// are allowed to complete.
	Cancelled *atomic.Bool
}

// Pipeline executes the full flow for one source document.
type Pipeline struct {
	doc    models.SourceDoc
	config *models.RunConfig
	runID  string
	deps   Deps

	criteria []models.EvaluationCriterion

	mu     sync.Mutex
	result *models.SourceDocResult

	log *slog.Logger
}

// New creates a pipeline for one source document. Criteria are parsed once
// here; a rubric that fails to parse surfaces at validation time in the
// executor, so this only sees well-formed rubrics.
func New(doc models.SourceDoc, config *models.RunConfig, runID string, deps Deps) *Pipeline {
	var criteria []models.EvaluationCriterion
	if config.EvalCriteria != "" {
		if parsed, err := evaluation.ParseCriteria(config.EvalCriteria); err == nil {
			criteria = parsed
		}
	}
	return &Pipeline{
		doc:      doc,
		config:   config,
		runID:    runID,
		deps:     deps,
		criteria: criteria,
		log:      slog.With("run_id", runID, "source_doc", doc.Name),
	}
}

// Run executes the pipeline and returns the per-document result. Errors are
// accumulated inside the result; Run itself only fails on programmer error.
func (p *Pipeline) Run(ctx context.Context) *models.SourceDocResult {
	startedAt := time.Now()
	p.result = &models.SourceDocResult{
		SourceDocID:       p.doc.ID,
		SourceDocName:     p.doc.Name,
		Status:            models.PhaseGenerating,
		SingleEvalResults: make(map[string]*models.SingleEvalSummary),
		StartedAt:         startedAt,
	}

	p.log.Info("Pipeline starting generation phase")
	p.runGenerationWithEval(ctx)

	if p.finishIfCancelled(startedAt) {
		return p.result
	}

	if len(p.result.GeneratedDocs) == 0 {
		p.result.Status = models.PhaseFailed
		p.appendError("no documents were generated successfully")
		p.complete(startedAt)
		return p.result
	}

	// Phase 2: pairwise tournament.
	if p.config.EnablePairwise && len(p.result.GeneratedDocs) >= 2 {
		p.result.Status = models.PhasePairwiseEval
		p.log.Info("Pipeline starting pairwise phase", "docs", len(p.result.GeneratedDocs))
		p.runPairwise(ctx)
		if p.finishIfCancelled(startedAt) {
			return p.result
		}
	}

	// Fall back to the single-eval winner when pairwise did not decide.
	if p.result.WinnerDocID == "" && len(p.result.SingleEvalResults) > 0 {
		p.result.WinnerDocID = p.singleEvalWinner()
		if p.result.WinnerDocID != "" {
			p.log.Info("Winner from single eval", "winner", p.result.WinnerDocID)
		}
	}

	// Phase 3: combine.
	combineRan := false
	if p.config.EnableCombine && p.result.WinnerDocID != "" {
		p.result.Status = models.PhaseCombining
		p.log.Info("Pipeline starting combine phase")
		p.runCombine(ctx)
		combineRan = true
		if p.finishIfCancelled(startedAt) {
			return p.result
		}
	}

	// Every combine model failing is fatal only when post-combine needs
	// the synthesized output.
	if combineRan && len(p.result.CombinedDocs) == 0 && p.config.EnablePairwise {
		p.result.Status = models.PhaseFailed
		p.complete(startedAt)
		return p.result
	}

	// Phase 4: post-combine pairwise.
	if combineRan && p.config.EnablePairwise && len(p.result.CombinedDocs) > 0 {
		p.result.Status = models.PhasePostCombineEval
		p.log.Info("Pipeline starting post-combine eval")
		p.runPostCombineEval(ctx)
	}

	p.result.Status = models.PhaseCompleted
	p.complete(startedAt)
	p.log.Info("Pipeline completed",
		"docs", len(p.result.GeneratedDocs),
		"winner", p.result.WinnerDocID,
		"cost_usd", p.result.CostUSD)
	return p.result
}

func (p *Pipeline) finishIfCancelled(startedAt time.Time) bool {
	if p.deps.Cancelled == nil || !p.deps.Cancelled.Load() {
		return false
	}
	p.result.Status = models.PhaseCancelled
	p.complete(startedAt)
	p.emitTimelineEvent("completion", "cancelled", "Pipeline cancelled", "", time.Now(), nil, 0, false, nil)
	return true
}

func (p *Pipeline) complete(startedAt time.Time) {
	now := time.Now()
	p.result.CompletedAt = &now
	p.result.DurationSeconds = now.Sub(startedAt).Seconds()
}

func (p *Pipeline) appendError(msg string) {
	p.mu.Lock()
	p.result.Errors = append(p.result.Errors, msg)
	p.mu.Unlock()
}

// --- Phase 1: generation with streamed single eval ---

type genTask struct {
	generator models.GeneratorKind
	model     string
	iteration int
}

// runGenerationWithEval generates all variations for this source document.
// Each document's single eval is scheduled the moment its generation lands —
// evaluation overlaps generation instead of waiting for the phase to drain.
func (p *Pipeline) runGenerationWithEval(ctx context.Context) {
	var tasks []genTask
	for _, generator := range p.config.Generators {
		for _, model := range p.config.ModelsFor(generator) {
			for iteration := 1; iteration <= p.config.Iterations; iteration++ {
				tasks = append(tasks, genTask{generator: generator, model: model, iteration: iteration})
			}
		}
	}

	var evaluator *evaluation.SingleDocEvaluator
	if p.config.EnableSingleEval && p.config.EvalIterations > 0 {
		evaluator = evaluation.NewSingleDocEvaluator(evaluation.SingleEvalConfig{
			Iterations:     p.config.EvalIterations,
			JudgeModels:    p.config.EvalJudgeModels,
			Instructions:   p.config.EvalInstructions,
			Criteria:       p.criteria,
			Temperature:    p.config.EvalTemperature,
			MaxTokens:      p.config.EvalMaxTokens,
			TimeoutSeconds: p.config.RequestTimeout,
			Retries:        p.config.EvalRetries,
			RunID:          p.runID,
			LogsDir:        p.deps.Writer.LogsDir(),
		}, p.deps.Template, p.deps.Limits, p.deps.Stats, p.deps.EvalSem)
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task genTask) {
			defer wg.Done()
			p.processGenTask(ctx, task, evaluator)
		}(task)
	}
	wg.Wait()
}

func (p *Pipeline) processGenTask(ctx context.Context, task genTask, evaluator *evaluation.SingleDocEvaluator) {
	if p.deps.GenSem != nil {
		select {
		case p.deps.GenSem <- struct{}{}:
			defer func() { <-p.deps.GenSem }()
		case <-ctx.Done():
			return
		}
	}
	if p.deps.Cancelled != nil && p.deps.Cancelled.Load() {
		return
	}

	genDoc, err := p.generateSingle(ctx, task)
	if err != nil {
		taskID := fmt.Sprintf("%s.%s.%d.%s", p.doc.ID, task.generator, task.iteration, task.model)
		p.log.Error("Generation failed", "task_id", taskID, "error", err)
		p.appendError(fmt.Sprintf("generation %s failed: %v", taskID, err))
		return
	}

	if _, err := p.deps.Writer.WriteGeneratedDoc(genDoc.DocID, genDoc.Content); err != nil {
		p.log.Error("Failed to persist generated content", "doc_id", genDoc.DocID, "error", err)
		p.appendError(fmt.Sprintf("persist %s failed: %v", genDoc.DocID, err))
		return
	}

	p.mu.Lock()
	p.result.GeneratedDocs = append(p.result.GeneratedDocs, genDoc)
	p.result.CostUSD += genDoc.CostUSD
	p.mu.Unlock()

	if p.config.OnGenComplete != nil {
		p.config.OnGenComplete(ctx, genDoc.DocID, task.model, task.generator, p.doc.ID, task.iteration)
	}

	p.emitTimelineEvent("generation", "generation",
		fmt.Sprintf("Generated doc using %s", task.generator),
		task.model, genDoc.StartedAt, genDoc.CompletedAt, genDoc.DurationSeconds, true,
		map[string]any{"doc_id": genDoc.DocID})

	// Single eval immediately — streamed, no barrier with other
	// generations.
	if evaluator != nil && genDoc.Content != "" {
		evalStarted := time.Now()
		summary, err := evaluator.EvaluateDocument(ctx, genDoc.DocID, genDoc.Content, p.config.OnEvalComplete)
		if err != nil {
			p.log.Error("Single eval failed", "doc_id", genDoc.DocID, "error", err)
			p.appendError(fmt.Sprintf("single eval failed: %s", genDoc.DocID))
			return
		}
		evalCompleted := time.Now()

		p.mu.Lock()
		p.result.SingleEvalResults[genDoc.DocID] = summary
		p.mu.Unlock()

		p.emitTimelineEvent("evaluation", "single_eval",
			fmt.Sprintf("Evaluated %s", truncateID(genDoc.DocID)),
			strings.Join(p.config.EvalJudgeModels, ", "),
			evalStarted, &evalCompleted, evalCompleted.Sub(evalStarted).Seconds(), true,
			map[string]any{"doc_id": genDoc.DocID, "average_score": summary.AvgScore})

		p.log.Info("Single eval complete", "doc_id", genDoc.DocID, "avg", summary.AvgScore)
	}
}

func (p *Pipeline) generateSingle(ctx context.Context, task genTask) (*models.GeneratedDocument, error) {
	startedAt := time.Now()
	taskID := fmt.Sprintf("%s.%s.%d.%s", p.doc.ID, task.generator, task.iteration, task.model)

	if p.deps.Stats != nil {
		p.deps.Stats.RecordCallStart("generation", fmt.Sprintf("Generating %s with %s", p.doc.ID, task.model))
	}

	settings, ok := p.config.ModelSettings[task.model]
	if !ok {
		p.recordFailure(fmt.Errorf("missing model settings for %s", task.model))
		return nil, fmt.Errorf("missing model settings for model %s", task.model)
	}

	generator, ok := p.deps.Generators[task.generator]
	if !ok {
		p.recordFailure(fmt.Errorf("unknown generator %s", task.generator))
		return nil, fmt.Errorf("unknown generator %s", task.generator)
	}

	instructions := p.buildInstructions()

	cfg := adapters.GenerationConfig{
		Provider:    settings.Provider,
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}
	opts := adapters.GenerateOptions{
		TaskID:     taskID,
		RunID:      p.runID,
		Timeout:    time.Duration(p.config.RequestTimeout) * time.Second,
		MaxRetries: p.config.ForgeMaxRetries,
		RetryDelay: time.Duration(p.config.ForgeRetryDelay * float64(time.Second)),
		LogsDir:    p.deps.Writer.LogsDir(),
	}
	if strings.EqualFold(p.config.LogLevel, "VERBOSE") {
		opts.ChildLogFile = p.deps.Writer.ChildLogPath()
	}

	var query string
	if task.generator == models.GeneratorTemplate {
		if instructions == "" {
			p.recordFailure(fmt.Errorf("template generator requires instructions"))
			return nil, fmt.Errorf("template generator requires instructions")
		}
		query = instructions
		opts.DocumentContent = p.doc.Content
	} else {
		// Researchers take the full research brief as the query.
		parts := []string{}
		if instructions != "" {
			parts = append(parts, instructions)
		}
		parts = append(parts, p.doc.Content)
		query = strings.Join(parts, "\n\n")
	}

	// Provider pacing applies inside the global semaphore so slow
	// providers don't starve fast ones of the shared capacity.
	if p.deps.Limits != nil {
		if err := p.deps.Limits.Acquire(ctx, settings.Provider); err != nil {
			p.recordFailure(err)
			return nil, err
		}
		defer p.deps.Limits.Release(settings.Provider)
	}

	result, err := generator.Generate(ctx, query, cfg, opts)
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}
	if strings.TrimSpace(result.Content) == "" {
		err := fmt.Errorf("generator returned empty content for %s", taskID)
		p.recordFailure(err)
		return nil, err
	}

	if p.deps.Stats != nil {
		p.deps.Stats.RecordSuccess()
	}

	completedAt := time.Now()
	duration := result.DurationSeconds
	if duration == 0 {
		duration = completedAt.Sub(startedAt).Seconds()
	}

	return &models.GeneratedDocument{
		DocID:           p.newDocID(task),
		Content:         result.Content,
		Generator:       task.generator,
		Model:           task.model,
		SourceDocID:     p.doc.ID,
		Iteration:       task.iteration,
		CostUSD:         result.CostUSD,
		DurationSeconds: duration,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
	}, nil
}

// buildInstructions optionally appends the rubric so generators can optimise
// for the criteria they will be judged on.
func (p *Pipeline) buildInstructions() string {
	instructions := p.config.Instructions
	if p.config.ExposeCriteriaToGenerators && p.config.EvalCriteria != "" {
		header := "\n\n=== EVALUATION CRITERIA (Your output will be judged on these) ===\n" +
			"The following criteria will be used to evaluate your output.\n" +
			"Optimize your response to score highly on each criterion:\n\n"
		instructions += header + p.config.EvalCriteria
	}
	return instructions
}

// newDocID derives a deterministic-shaped unique doc id:
// <short source id>.<random suffix>.<generator>.<iteration>.<safe model>.
func (p *Pipeline) newDocID(task genTask) string {
	return fmt.Sprintf("%s.%s.%s.%d.%s",
		shortID(p.doc.ID), uuid.NewString()[:4], task.generator, task.iteration,
		strings.ReplaceAll(task.model, ":", "_"))
}

func (p *Pipeline) recordFailure(err error) {
	if p.deps.Stats != nil {
		p.deps.Stats.RecordFailure(err.Error())
	}
}

func shortID(id string) string {
	if len(id) >= 8 {
		return id[len(id)-8:]
	}
	return id
}

func truncateID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}

func (p *Pipeline) emitTimelineEvent(phase, eventType, description, model string, timestamp time.Time, completedAt *time.Time, duration float64, success bool, details map[string]any) {
	event := &models.TimelineEvent{
		SourceDocID:     p.doc.ID,
		SourceDocName:   p.doc.Name,
		Phase:           phase,
		EventType:       eventType,
		Description:     description,
		Model:           model,
		Timestamp:       timestamp,
		CompletedAt:     completedAt,
		DurationSeconds: duration,
		Success:         success,
		Details:         details,
	}

	p.mu.Lock()
	p.result.TimelineEvents = append(p.result.TimelineEvents, event)
	p.mu.Unlock()

	if p.config.OnTimelineEvent != nil {
		p.config.OnTimelineEvent(context.Background(), p.runID, event)
	}
}
