package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docarena/docarena/ent"
	"github.com/docarena/docarena/ent/run"
	"github.com/docarena/docarena/pkg/models"
	"github.com/google/uuid"
)

// RunService manages run records and the incremental results document.
//
// Every mutation of the results JSON happens under a per-run lock that
// spans the whole read-modify-write, so concurrent callbacks from one run
// never lose each other's updates. Appends are idempotent: generated docs
// by doc id, eval results by (doc, judge, trial).
type RunService struct {
	client *ent.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunService creates a RunService.
func NewRunService(client *ent.Client) *RunService {
	return &RunService{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

// runLock returns the lock serialising writes for one run.
func (s *RunService) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// CreateRunRequest describes a new run submission.
type CreateRunRequest struct {
	ID     string
	UserID string
	Name   string
	Config map[string]interface{}
}

// CreateRun inserts a pending run.
func (s *RunService) CreateRun(ctx context.Context, req CreateRunRequest) (*ent.Run, error) {
	if req.UserID == "" {
		return nil, NewValidationError("UserID", "required")
	}
	if req.Config == nil {
		return nil, NewValidationError("Config", "required")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := s.client.Run.Create().
		SetID(id).
		SetUserID(req.UserID).
		SetName(req.Name).
		SetStatus(run.StatusPending).
		SetConfig(req.Config).
		SetResults(map[string]interface{}{}).
		SetCreatedAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return r, nil
}

// GetRun fetches a run by id.
func (s *RunService) GetRun(ctx context.Context, runID string) (*ent.Run, error) {
	r, err := s.client.Run.Get(ctx, runID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// UpdateStatus writes the run status and optional phase/error.
func (s *RunService) UpdateStatus(ctx context.Context, runID string, status run.Status, currentPhase string, errMsg string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := s.client.Run.UpdateOneID(runID).SetStatus(status)
	if currentPhase != "" {
		update = update.SetCurrentPhase(currentPhase)
	}
	if errMsg != "" {
		update = update.SetErrorMessage(errMsg)
	}
	if status == run.StatusCompleted || status == run.StatusFailed ||
		status == run.StatusCancelled || status == run.StatusTimedOut {
		update = update.SetCompletedAt(time.Now())
	}
	if err := update.Exec(writeCtx); err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// AppendGeneratedDoc merges a generated-document record into
// results.generated_docs and bumps generated_count. Replaying the same doc
// id is a no-op.
func (s *RunService) AppendGeneratedDoc(ctx context.Context, runID string, docInfo map[string]interface{}) error {
	docID, _ := docInfo["id"].(string)
	if docID == "" {
		return NewValidationError("docInfo", "missing id")
	}

	return s.mutateResults(ctx, runID, func(results map[string]interface{}) {
		docs := asSlice(results["generated_docs"])
		for _, d := range docs {
			if dm, ok := d.(map[string]interface{}); ok && dm["id"] == docID {
				return // already recorded
			}
		}
		docs = append(docs, docInfo)
		results["generated_docs"] = docs
		results["generated_count"] = len(docs)
	})
}

// UpsertSingleEvalResult merges one judge verdict into
// results.pre_combine_evals_detailed[docID] and recomputes the per-doc
// overall average, the per-criterion mean map, and the evaluator/criteria
// lists. Idempotent per (doc, judge, trial).
func (s *RunService) UpsertSingleEvalResult(ctx context.Context, runID, docID, judgeModel string, trial int, result *models.SingleEvalResult) error {
	if docID == "" {
		return NewValidationError("docID", "required")
	}
	if result == nil {
		return NewValidationError("result", "required")
	}

	return s.mutateResults(ctx, runID, func(results map[string]interface{}) {
		detailed := asMap(results["pre_combine_evals_detailed"])

		docEntry := asMap(detailed[docID])
		evals := asSlice(docEntry["evaluations"])

		for _, e := range evals {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if em["judge_model"] == judgeModel && asInt(em["trial"]) == trial {
				return // replay — state unchanged
			}
		}

		scores := make([]interface{}, 0, len(result.Scores))
		for _, sc := range result.Scores {
			scores = append(scores, map[string]interface{}{
				"criterion": sc.Criterion,
				"score":     sc.Score,
				"reason":    sc.Reason,
			})
		}
		evals = append(evals, map[string]interface{}{
			"judge_model":   judgeModel,
			"trial":         trial,
			"scores":        scores,
			"average_score": result.AverageScore(),
		})
		docEntry["evaluations"] = evals

		var sum float64
		for _, e := range evals {
			if em, ok := e.(map[string]interface{}); ok {
				sum += asFloat(em["average_score"])
			}
		}
		docEntry["overall_average"] = sum / float64(len(evals))
		detailed[docID] = docEntry
		results["pre_combine_evals_detailed"] = detailed

		// Per-doc criterion mean map across all judges and trials.
		perCriterion := make(map[string]interface{})
		for dID, entry := range detailed {
			em := asMap(entry)
			byCriterion := make(map[string][]float64)
			for _, e := range asSlice(em["evaluations"]) {
				eval, ok := e.(map[string]interface{})
				if !ok {
					continue
				}
				for _, sc := range asSlice(eval["scores"]) {
					scm, ok := sc.(map[string]interface{})
					if !ok {
						continue
					}
					crit, _ := scm["criterion"].(string)
					byCriterion[crit] = append(byCriterion[crit], asFloat(scm["score"]))
				}
			}
			means := make(map[string]interface{}, len(byCriterion))
			for crit, vals := range byCriterion {
				var s float64
				for _, v := range vals {
					s += v
				}
				means[crit] = s / float64(len(vals))
			}
			perCriterion[dID] = means
		}
		results["pre_combine_evals"] = perCriterion

		results["evaluator_list"] = mergeIntoSet(results["evaluator_list"], judgeModel)
		for _, sc := range result.Scores {
			results["criteria_list"] = mergeIntoSet(results["criteria_list"], sc.Criterion)
		}
	})
}

// AppendTimelineEvent appends to results.timeline_events. The timeline is
// append-only; completion never rewrites the progressive entries.
func (s *RunService) AppendTimelineEvent(ctx context.Context, runID string, event *models.TimelineEvent) error {
	if event == nil {
		return NewValidationError("event", "required")
	}
	return s.mutateResults(ctx, runID, func(results map[string]interface{}) {
		events := asSlice(results["timeline_events"])
		events = append(events, toJSONMap(event))
		results["timeline_events"] = events
	})
}

// UpsertSourceDocResult stores one pipeline's result document under
// results.source_doc_results[sourceDocID] and folds its cost into the run
// total.
func (s *RunService) UpsertSourceDocResult(ctx context.Context, runID, sourceDocID string, result *models.SourceDocResult) error {
	if result == nil {
		return NewValidationError("result", "required")
	}
	if err := s.mutateResults(ctx, runID, func(results map[string]interface{}) {
		byDoc := asMap(results["source_doc_results"])
		byDoc[sourceDocID] = toJSONMap(result)
		results["source_doc_results"] = byDoc
	}); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.client.Run.UpdateOneID(runID).
		AddTotalCostUsd(result.CostUSD).
		Exec(writeCtx)
	if err != nil && !ent.IsNotFound(err) {
		return fmt.Errorf("failed to add run cost: %w", err)
	}
	return nil
}

// SetFinalResult stores the aggregated run result while preserving the
// progressive keys (timeline_events, generated_docs, eval details) written
// during execution.
func (s *RunService) SetFinalResult(ctx context.Context, runID string, result *models.RunResult) error {
	if result == nil {
		return NewValidationError("result", "required")
	}
	return s.mutateResults(ctx, runID, func(results map[string]interface{}) {
		final := toJSONMap(result)
		for k, v := range final {
			// Progressive timeline entries survive completion untouched.
			if k == "timeline_events" {
				continue
			}
			results[k] = v
		}
	})
}

// mutateResults performs a locked read-modify-write of the results JSON.
func (s *RunService) mutateResults(ctx context.Context, runID string, mutate func(results map[string]interface{})) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := s.client.Run.Get(writeCtx, runID)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read run: %w", err)
	}

	results := r.Results
	if results == nil {
		results = map[string]interface{}{}
	}
	mutate(results)

	if err := s.client.Run.UpdateOneID(runID).SetResults(results).Exec(writeCtx); err != nil {
		return fmt.Errorf("failed to write run results: %w", err)
	}
	return nil
}

// --- JSON shape helpers ---

func asSlice(v interface{}) []interface{} {
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return nil
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// mergeIntoSet appends value to a string list if absent, keeping insertion
// order stable.
func mergeIntoSet(list interface{}, value string) []interface{} {
	items := asSlice(list)
	for _, item := range items {
		if item == value {
			return items
		}
	}
	return append(items, value)
}

// toJSONMap round-trips a typed value through JSON into the generic map
// shape the results column stores.
func toJSONMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
