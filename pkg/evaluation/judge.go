package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docarena/docarena/pkg/adapters"
	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/ratelimit"
	"github.com/google/uuid"
)

// Transport is the narrow slice of the adapter layer the judge uses. The
// template generator satisfies it.
type Transport interface {
	Generate(ctx context.Context, query string, cfg adapters.GenerationConfig, opts adapters.GenerateOptions) (*adapters.GenerationResult, error)
}

// JudgeConfig configures one judge model.
type JudgeConfig struct {
	// ModelKey is "provider:model".
	ModelKey    string
	Temperature float64
	MaxTokens   int

	// TimeoutSeconds bounds the underlying call; the judge adds a 30s
	// wall-clock buffer on top so a wedged transport cannot hang the
	// evaluator.
	TimeoutSeconds int

	// Retries applies to parse errors only. API-level errors are already
	// retried inside the transport and are fatal here.
	Retries int

	RunID   string
	LogsDir string
}

// SplitModelKey splits "provider:model"; a bare model defaults to the
// openai-compatible provider.
func SplitModelKey(key string) (provider, model string) {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i], key[i+1:]
	}
	return "openai", key
}

// Judge performs single-document and pairwise evaluations through the
// template transport. Evaluation prompts are mandatory: the judge refuses to
// run without instructions, so all evaluation behaviour is explicitly
// configured.
type Judge struct {
	config       JudgeConfig
	criteria     []models.EvaluationCriterion
	instructions string
	transport    Transport
	limits       *ratelimit.Registry
	stats        *CallStats
}

// NewJudge creates a judge for one model.
func NewJudge(config JudgeConfig, criteria []models.EvaluationCriterion, instructions string, transport Transport, limits *ratelimit.Registry, stats *CallStats) *Judge {
	return &Judge{
		config:       config,
		criteria:     criteria,
		instructions: instructions,
		transport:    transport,
		limits:       limits,
		stats:        stats,
	}
}

// EvaluateSingle grades one document against the rubric. The returned scores
// cover exactly the rubric's criterion set.
func (j *Judge) EvaluateSingle(ctx context.Context, docID, content string, trial int) (*models.SingleEvalResult, error) {
	if j.instructions == "" {
		return nil, fmt.Errorf("no evaluation instructions provided; single eval requires instructions from the run config")
	}

	startedAt := time.Now()
	prompt := renderTemplate(j.instructions, map[string]string{
		"{document}": content,
		"{content}":  content,
		"{criteria}": FormatCriteria(j.criteria),
	})

	var lastErr error
	for attempt := 0; attempt <= j.config.Retries; attempt++ {
		j.recordStart("single_eval", fmt.Sprintf("Evaluating %s (attempt %d)", docID, attempt+1))

		taskID := fmt.Sprintf("%s.single_eval.%d.%s.%s", docID, trial, j.config.ModelKey, uuid.NewString()[:6])
		raw, err := j.call(ctx, prompt, taskID)
		if err != nil {
			j.recordFailure(err)
			return nil, err
		}

		scores, perr := j.parseSingleResponse(raw)
		if perr != nil {
			lastErr = perr
			if attempt < j.config.Retries {
				j.recordRetry(attempt+1, perr)
				slog.Warn("Single eval parse error, retrying",
					"doc_id", docID, "model", j.config.ModelKey, "attempt", attempt+1, "error", perr)
				continue
			}
			j.recordFailure(perr)
			return nil, fmt.Errorf("single evaluation failed after %d attempts: %w", j.config.Retries+1, perr)
		}

		j.recordSuccess()
		completedAt := time.Now()
		return &models.SingleEvalResult{
			DocID:           docID,
			Model:           j.config.ModelKey,
			Trial:           trial,
			Scores:          scores,
			StartedAt:       startedAt,
			CompletedAt:     &completedAt,
			DurationSeconds: completedAt.Sub(startedAt).Seconds(),
			RawResponse:     raw,
		}, nil
	}
	return nil, fmt.Errorf("single evaluation failed: %w", lastErr)
}

// EvaluatePairwise compares two documents. They are presented to the model
// anonymised as A and B; the mapping back to real ids stays internal.
func (j *Judge) EvaluatePairwise(ctx context.Context, docID1, content1, docID2, content2 string, trial int) (*models.PairwiseResult, error) {
	if j.instructions == "" {
		return nil, fmt.Errorf("no pairwise instructions provided; pairwise eval requires instructions from the run config")
	}

	startedAt := time.Now()
	prompt := renderTemplate(j.instructions, map[string]string{
		"{doc_a}":      content1,
		"{document_a}": content1,
		"{doc_b}":      content2,
		"{document_b}": content2,
		"{criteria}":   FormatCriteria(j.criteria),
	})

	var lastErr error
	for attempt := 0; attempt <= j.config.Retries; attempt++ {
		j.recordStart("pairwise_eval", fmt.Sprintf("Comparing %s vs %s (attempt %d)", docID1, docID2, attempt+1))

		taskID := fmt.Sprintf("%s.vs.%s.pairwise.%d.%s.%s", docID1, docID2, trial, j.config.ModelKey, uuid.NewString()[:6])
		raw, err := j.call(ctx, prompt, taskID)
		if err != nil {
			j.recordFailure(err)
			return nil, err
		}

		winner, reason, perr := j.parsePairwiseResponse(raw, docID1, docID2)
		if perr != nil {
			lastErr = perr
			if attempt < j.config.Retries {
				j.recordRetry(attempt+1, perr)
				slog.Warn("Pairwise eval parse error, retrying",
					"model", j.config.ModelKey, "attempt", attempt+1, "error", perr)
				continue
			}
			j.recordFailure(perr)
			return nil, fmt.Errorf("pairwise evaluation failed after %d attempts: %w", j.config.Retries+1, perr)
		}

		j.recordSuccess()
		completedAt := time.Now()
		return &models.PairwiseResult{
			DocID1:          docID1,
			DocID2:          docID2,
			WinnerDocID:     winner,
			Model:           j.config.ModelKey,
			Trial:           trial,
			Reason:          reason,
			StartedAt:       startedAt,
			CompletedAt:     &completedAt,
			DurationSeconds: completedAt.Sub(startedAt).Seconds(),
			RawResponse:     raw,
		}, nil
	}
	return nil, fmt.Errorf("pairwise evaluation failed: %w", lastErr)
}

// call drives one transport invocation behind the provider rate gate with a
// hard wall-clock deadline of the configured timeout plus 30 seconds.
func (j *Judge) call(ctx context.Context, prompt, taskID string) (string, error) {
	provider, model := SplitModelKey(j.config.ModelKey)

	timeout := time.Duration(j.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 600 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()

	if j.limits != nil {
		if err := j.limits.Acquire(callCtx, provider); err != nil {
			return "", err
		}
		defer j.limits.Release(provider)
	}

	result, err := j.transport.Generate(callCtx, prompt, adapters.GenerationConfig{
		Provider:    provider,
		Model:       model,
		Temperature: j.config.Temperature,
		MaxTokens:   j.config.MaxTokens,
	}, adapters.GenerateOptions{
		TaskID:     taskID,
		RunID:      j.config.RunID,
		Timeout:    timeout,
		JSONOutput: true,
		LogsDir:    j.config.LogsDir,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// parseSingleResponse extracts the evaluations array and verifies it covers
// exactly the rubric's criterion set with scores in [1..5].
func (j *Judge) parseSingleResponse(raw string) ([]models.CriterionScore, *ParseError) {
	obj, err := ParseJSONObject(raw)
	if err != nil {
		return nil, err.(*ParseError)
	}

	evals, ok := obj["evaluations"].([]any)
	if !ok || len(evals) == 0 {
		return nil, newParseError("no evaluations in response", raw)
	}

	scores := make([]models.CriterionScore, 0, len(evals))
	seen := make(map[string]bool)
	for _, e := range evals {
		em, ok := e.(map[string]any)
		if !ok {
			return nil, newParseError("evaluation entry is not an object", raw)
		}
		criterion, _ := em["criterion"].(string)
		if criterion == "" {
			return nil, newParseError("evaluation entry missing criterion", raw)
		}
		scoreF, ok := em["score"].(float64)
		if !ok {
			return nil, newParseError(fmt.Sprintf("criterion %q missing numeric score", criterion), raw)
		}
		score := int(scoreF)
		if score < 1 || score > 5 {
			return nil, newParseError(fmt.Sprintf("criterion %q score %d outside [1..5]", criterion, score), raw)
		}
		reason, _ := em["reason"].(string)
		if seen[criterion] {
			return nil, newParseError(fmt.Sprintf("duplicate criterion %q", criterion), raw)
		}
		seen[criterion] = true
		scores = append(scores, models.CriterionScore{Criterion: criterion, Score: score, Reason: reason})
	}

	for _, c := range j.criteria {
		if !seen[c.Name] {
			return nil, newParseError(fmt.Sprintf("missing criterion %q", c.Name), raw)
		}
		delete(seen, c.Name)
	}
	for extra := range seen {
		return nil, newParseError(fmt.Sprintf("unexpected criterion %q", extra), raw)
	}

	return scores, nil
}

// parsePairwiseResponse extracts {"winner": "A"|"B", "reason"} and maps the
// letter back to the real doc id.
func (j *Judge) parsePairwiseResponse(raw, docID1, docID2 string) (winner, reason string, perr *ParseError) {
	obj, err := ParseJSONObject(raw)
	if err != nil {
		return "", "", err.(*ParseError)
	}
	letter, _ := obj["winner"].(string)
	switch strings.ToUpper(strings.TrimSpace(letter)) {
	case "A":
		winner = docID1
	case "B":
		winner = docID2
	default:
		return "", "", newParseError(fmt.Sprintf("invalid winner %q", letter), raw)
	}
	reason, _ = obj["reason"].(string)
	return winner, reason, nil
}

func renderTemplate(template string, subs map[string]string) string {
	out := template
	for k, v := range subs {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}

func (j *Judge) recordStart(phase, desc string) {
	if j.stats != nil {
		j.stats.RecordCallStart(phase, desc)
	}
}

func (j *Judge) recordSuccess() {
	if j.stats != nil {
		j.stats.RecordSuccess()
	}
}

func (j *Judge) recordFailure(err error) {
	if j.stats != nil {
		j.stats.RecordFailure(err.Error())
	}
}

func (j *Judge) recordRetry(attempt int, err error) {
	if j.stats != nil {
		j.stats.RecordRetry(attempt, err.Error())
	}
}
