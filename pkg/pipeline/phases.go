package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/evaluation"
	"github.com/docarena/docarena/pkg/models"
	"github.com/google/uuid"
)

// singleEvalWinner picks the highest mean-score document. Ties break by doc
// id so reruns agree.
func (p *Pipeline) singleEvalWinner() string {
	var winner string
	best := -1.0
	for docID, summary := range p.result.SingleEvalResults {
		score := summary.AvgScore
		if score > best || (score == best && docID < winner) {
			best = score
			winner = docID
		}
	}
	return winner
}

func (p *Pipeline) newPairwiseEvaluator(topN int) *evaluation.PairwiseEvaluator {
	return evaluation.NewPairwiseEvaluator(evaluation.PairwiseConfig{
		Iterations:     p.config.EvalIterations,
		JudgeModels:    p.config.EvalJudgeModels,
		Instructions:   p.config.PairwiseInstructions,
		Criteria:       p.criteria,
		TopN:           topN,
		Temperature:    p.config.EvalTemperature,
		MaxTokens:      p.config.EvalMaxTokens,
		TimeoutSeconds: p.config.RequestTimeout,
		Retries:        p.config.EvalRetries,
		Elo:            evaluation.DefaultEloConfig(),
		RandomizeOrder: true,
		RunID:          p.runID,
		LogsDir:        p.deps.Writer.LogsDir(),
	}, p.deps.Template, p.deps.Limits, p.deps.Stats, p.deps.EvalSem)
}

// runPairwise tournaments this source document's variations. Documents with
// empty content are excluded; fewer than two survivors skips the phase and
// the single-eval winner stands.
func (p *Pipeline) runPairwise(ctx context.Context) {
	valid := make([]*models.GeneratedDocument, 0, len(p.result.GeneratedDocs))
	for _, doc := range p.result.GeneratedDocs {
		if strings.TrimSpace(doc.Content) != "" {
			valid = append(valid, doc)
		}
	}
	if len(valid) < len(p.result.GeneratedDocs) {
		p.log.Warn("Excluding empty documents from pairwise",
			"excluded", len(p.result.GeneratedDocs)-len(valid))
	}
	if len(valid) < 2 {
		p.log.Warn("Skipping pairwise, need at least 2 valid docs", "have", len(valid))
		return
	}

	docIDs := make([]string, 0, len(valid))
	contents := make(map[string]string, len(valid))
	for _, doc := range valid {
		docIDs = append(docIDs, doc.DocID)
		contents[doc.DocID] = doc.Content
	}

	if p.config.PairwiseTopN > 0 && len(p.result.SingleEvalResults) > 0 {
		scores := make(map[string]float64)
		for docID, summary := range p.result.SingleEvalResults {
			scores[docID] = summary.AvgScore
		}
		docIDs = evaluation.FilterTopN(docIDs, scores, p.config.PairwiseTopN)
		filtered := make(map[string]string, len(docIDs))
		for _, id := range docIDs {
			filtered[id] = contents[id]
		}
		contents = filtered
		p.log.Info("Filtered to top docs for pairwise", "count", len(docIDs))
	}
	if len(docIDs) < 2 {
		p.log.Warn("Skipping pairwise after top-N filter, need at least 2 docs", "have", len(docIDs))
		return
	}

	evaluator := p.newPairwiseEvaluator(0) // filter already applied above
	startedAt := time.Now()
	summary := evaluator.EvaluateAllPairs(ctx, docIDs, contents)
	completedAt := time.Now()

	p.result.PairwiseResults = summary
	p.result.WinnerDocID = summary.WinnerDocID

	p.emitTimelineEvent("pairwise", "pairwise_eval",
		fmt.Sprintf("Pairwise evaluation: %d comparisons", summary.TotalComparisons),
		strings.Join(p.config.EvalJudgeModels, ", "),
		startedAt, &completedAt, completedAt.Sub(startedAt).Seconds(), true,
		map[string]any{
			"total_comparisons": summary.TotalComparisons,
			"winner_doc_id":     summary.WinnerDocID,
		})

	p.log.Info("Pairwise complete",
		"comparisons", summary.TotalComparisons, "winner", summary.WinnerDocID)
}

// runCombine synthesizes the two pairwise-top documents with each configured
// combine model. One model's failure never aborts the others.
func (p *Pipeline) runCombine(ctx context.Context) {
	topDocs := p.combineInputs()
	if len(topDocs) < 2 {
		p.log.Warn("Combine skipped, need at least 2 top docs", "have", len(topDocs))
		return
	}

	contextBlock := buildCombineContext(p.doc.Content, topDocs)

	for idx, combineModel := range p.config.CombineModels {
		if p.deps.Cancelled != nil && p.deps.Cancelled.Load() {
			return
		}

		provider, modelName := evaluation.SplitModelKey(combineModel)
		if !strings.Contains(combineModel, ":") {
			p.log.Error("Invalid combine model format", "model", combineModel)
			p.appendError(fmt.Sprintf("invalid combine model format: %s", combineModel))
			continue
		}

		safeModel := strings.ReplaceAll(combineModel, ":", "_")
		taskID := fmt.Sprintf("%s.combine.%d.%s", shortID(p.doc.ID), idx, safeModel)
		startedAt := time.Now()

		p.log.Info("Combining", "model", combineModel)
		if p.deps.Stats != nil {
			p.deps.Stats.RecordCallStart("combine", fmt.Sprintf("Combining %s with %s", p.doc.ID, combineModel))
		}

		result, err := p.combineOnce(ctx, provider, modelName, taskID, contextBlock)
		if err != nil {
			p.log.Error("Combine failed", "model", combineModel, "error", err)
			p.appendError(fmt.Sprintf("combine with %s failed: %v", combineModel, err))
			p.recordFailure(err)
			continue
		}
		if p.deps.Stats != nil {
			p.deps.Stats.RecordSuccess()
		}

		completedAt := time.Now()
		duration := completedAt.Sub(startedAt).Seconds()

		combinedDoc := &models.GeneratedDocument{
			DocID:           fmt.Sprintf("combined.%s.%s.%s", shortID(p.doc.ID), uuid.NewString()[:4], safeModel),
			Content:         result.Content,
			Generator:       models.GeneratorTemplate,
			Model:           combineModel,
			SourceDocID:     p.doc.ID,
			Iteration:       1,
			CostUSD:         result.CostUSD,
			DurationSeconds: duration,
			StartedAt:       startedAt,
			CompletedAt:     &completedAt,
		}

		if _, err := p.deps.Writer.WriteGeneratedDoc(combinedDoc.DocID, combinedDoc.Content); err != nil {
			p.log.Error("Failed to persist combined content", "doc_id", combinedDoc.DocID, "error", err)
			p.appendError(fmt.Sprintf("persist %s failed: %v", combinedDoc.DocID, err))
			continue
		}

		p.mu.Lock()
		p.result.CombinedDocs = append(p.result.CombinedDocs, combinedDoc)
		p.result.CostUSD += combinedDoc.CostUSD
		p.mu.Unlock()

		p.emitTimelineEvent("combination", "combine",
			fmt.Sprintf("Combined documents using %s", combineModel),
			combineModel, startedAt, &completedAt, duration, true,
			map[string]any{"combined_doc_id": combinedDoc.DocID})
	}

	if len(p.result.CombinedDocs) == 0 {
		p.appendError(fmt.Sprintf("all %d combine models failed", len(p.config.CombineModels)))
	}
}

// combineInputs returns the contents of the two pairwise-top documents (or
// the single-eval top two when pairwise never ran).
func (p *Pipeline) combineInputs() []string {
	var topIDs []string
	if p.result.PairwiseResults != nil {
		topIDs = p.result.PairwiseResults.TopDocIDs(2)
	} else if len(p.result.SingleEvalResults) > 0 {
		scores := make(map[string]float64)
		ids := make([]string, 0, len(p.result.SingleEvalResults))
		for docID, summary := range p.result.SingleEvalResults {
			scores[docID] = summary.AvgScore
			ids = append(ids, docID)
		}
		ids = evaluation.FilterTopN(ids, scores, 2)
		topIDs = ids
	}

	var contents []string
	for _, doc := range p.result.GeneratedDocs {
		for _, id := range topIDs {
			if doc.DocID == id {
				contents = append(contents, doc.Content)
			}
		}
	}
	return contents
}

func (p *Pipeline) combineOnce(ctx context.Context, provider, modelName, taskID, contextBlock string) (*adapters.GenerationResult, error) {
	if p.deps.Limits != nil {
		if err := p.deps.Limits.Acquire(ctx, provider); err != nil {
			return nil, err
		}
		defer p.deps.Limits.Release(provider)
	}

	return p.deps.Template.Generate(ctx, p.config.CombineInstructions, adapters.GenerationConfig{
		Provider:  provider,
		Model:     modelName,
		MaxTokens: p.config.CombineMaxTokens,
	}, adapters.GenerateOptions{
		TaskID:          taskID,
		RunID:           p.runID,
		DocumentContent: contextBlock,
		Timeout:         time.Duration(p.config.RequestTimeout) * time.Second,
		MaxRetries:      p.config.ForgeMaxRetries,
		RetryDelay:      time.Duration(p.config.ForgeRetryDelay * float64(time.Second)),
		LogsDir:         p.deps.Writer.LogsDir(),
	})
}

// buildCombineContext assembles the combine input block from the original
// source and the top reports.
func buildCombineContext(original string, reports []string) string {
	var sb strings.Builder
	if original != "" {
		sb.WriteString("--- ORIGINAL INSTRUCTIONS ---\n")
		sb.WriteString(original)
		sb.WriteString("\n\n")
	}
	for i, report := range reports {
		fmt.Fprintf(&sb, "--- REPORT %d ---\n%s\n\n", i+1, report)
	}
	sb.WriteString("--- END OF INPUTS ---")
	return sb.String()
}

// runPostCombineEval tournaments the synthesized documents against the
// pre-combine top documents, so the combined output has to beat the best
// originals to win.
func (p *Pipeline) runPostCombineEval(ctx context.Context) {
	if p.result.PairwiseResults == nil || len(p.result.PairwiseResults.EloRatings) == 0 {
		p.log.Warn("Post-combine eval skipped, no pairwise rankings")
		return
	}

	topN := p.config.PostCombineTopN
	if topN <= 0 {
		topN = 2
	}
	sentToCombiner := p.result.PairwiseResults.TopDocIDs(topN)

	var docIDs []string
	contents := make(map[string]string)
	for _, doc := range p.result.GeneratedDocs {
		for _, id := range sentToCombiner {
			if doc.DocID == id {
				docIDs = append(docIDs, doc.DocID)
				contents[doc.DocID] = doc.Content
			}
		}
	}
	for _, combined := range p.result.CombinedDocs {
		docIDs = append(docIDs, combined.DocID)
		contents[combined.DocID] = combined.Content
	}

	if len(docIDs) < 2 {
		p.log.Warn("Post-combine eval skipped, not enough docs", "have", len(docIDs))
		return
	}

	p.log.Info("Post-combine pairwise",
		"total", len(docIDs),
		"originals", len(docIDs)-len(p.result.CombinedDocs),
		"combined", len(p.result.CombinedDocs))

	evaluator := p.newPairwiseEvaluator(0)
	startedAt := time.Now()
	summary := evaluator.EvaluateAllPairs(ctx, docIDs, contents)
	completedAt := time.Now()

	p.result.PostCombineEval = summary

	p.emitTimelineEvent("post_combine_pairwise", "pairwise_eval",
		fmt.Sprintf("Post-combine pairwise: %d comparisons", summary.TotalComparisons),
		strings.Join(p.config.EvalJudgeModels, ", "),
		startedAt, &completedAt, completedAt.Sub(startedAt).Seconds(), true,
		map[string]any{
			"total_comparisons": summary.TotalComparisons,
			"winner_doc_id":     summary.WinnerDocID,
		})

	p.log.Info("Post-combine eval complete", "winner", summary.WinnerDocID)
}
