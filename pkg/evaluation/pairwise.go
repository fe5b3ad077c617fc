package evaluation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/docarena/docarena/pkg/models"
	"github.com/docarena/docarena/pkg/ratelimit"
)

// PairwiseConfig configures a head-to-head tournament.
type PairwiseConfig struct {
	Iterations  int
	JudgeModels []string

	Instructions string
	Criteria     []models.EvaluationCriterion

	// TopN restricts the tournament to the N highest-scoring documents
	// from single eval. 0 means no filter.
	TopN int

	Temperature    float64
	MaxTokens      int
	TimeoutSeconds int
	Retries        int

	Elo EloConfig

	// RandomizeOrder swaps each pair's A/B presentation with probability
	// 0.5 to reduce position bias.
	RandomizeOrder bool

	RunID   string
	LogsDir string
}

// DocumentPair is one comparison unit, already in presentation order.
type DocumentPair struct {
	DocID1   string
	Content1 string
	DocID2   string
	Content2 string
}

// Swap returns the pair with operands exchanged.
func (p DocumentPair) Swap() DocumentPair {
	return DocumentPair{
		DocID1:   p.DocID2,
		Content1: p.Content2,
		DocID2:   p.DocID1,
		Content2: p.Content1,
	}
}

// PairwiseEvaluator runs the tournament and maintains the per-tournament
// Elo table. The Elo state is mutated only by the collector inside
// EvaluateAllPairs, in result arrival order.
type PairwiseEvaluator struct {
	config    PairwiseConfig
	transport Transport
	limits    *ratelimit.Registry
	stats     *CallStats
	sem       chan struct{}
	elo       *EloCalculator

	// swap decides A/B randomisation; replaceable in tests for
	// determinism.
	swap func() bool

	mu     sync.Mutex
	judges map[string]*Judge
}

// NewPairwiseEvaluator creates the evaluator. sem is the shared evaluation
// concurrency semaphore; nil means unbounded.
func NewPairwiseEvaluator(config PairwiseConfig, transport Transport, limits *ratelimit.Registry, stats *CallStats, sem chan struct{}) *PairwiseEvaluator {
	return &PairwiseEvaluator{
		config:    config,
		transport: transport,
		limits:    limits,
		stats:     stats,
		sem:       sem,
		elo:       NewEloCalculator(config.Elo),
		swap:      func() bool { return rand.IntN(2) == 0 },
		judges:    make(map[string]*Judge),
	}
}

func (e *PairwiseEvaluator) judgeFor(modelKey string) *Judge {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.judges[modelKey]; ok {
		return j
	}
	j := NewJudge(JudgeConfig{
		ModelKey:       modelKey,
		Temperature:    e.config.Temperature,
		MaxTokens:      e.config.MaxTokens,
		TimeoutSeconds: e.config.TimeoutSeconds,
		Retries:        e.config.Retries,
		RunID:          e.config.RunID,
		LogsDir:        e.config.LogsDir,
	}, e.config.Criteria, e.config.Instructions, e.transport, e.limits, e.stats)
	e.judges[modelKey] = j
	return j
}

// GeneratePairs enumerates all unordered pairs, optionally swapping each for
// A/B randomisation.
func (e *PairwiseEvaluator) GeneratePairs(docIDs []string, contents map[string]string) []DocumentPair {
	var pairs []DocumentPair
	for i := 0; i < len(docIDs); i++ {
		for k := i + 1; k < len(docIDs); k++ {
			pair := DocumentPair{
				DocID1:   docIDs[i],
				Content1: contents[docIDs[i]],
				DocID2:   docIDs[k],
				Content2: contents[docIDs[k]],
			}
			if e.config.RandomizeOrder && e.swap() {
				pair = pair.Swap()
			}
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// FilterTopN keeps the n highest-scoring doc ids. Ordering among equal
// scores falls back to doc id so the cut is deterministic.
func FilterTopN(docIDs []string, scores map[string]float64, n int) []string {
	if n <= 0 || n >= len(docIDs) {
		return docIDs
	}
	sorted := make([]string, len(docIDs))
	copy(sorted, docIDs)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := scores[sorted[i]], scores[sorted[j]]
		if si != sj {
			return si > sj
		}
		return sorted[i] < sorted[j]
	})
	return sorted[:n]
}

// EvaluateAllPairs runs the full tournament: |pairs| × iterations ×
// |judge models| comparisons under the shared concurrency cap. Failed
// comparisons are dropped with a log line; the tournament continues. Elo is
// updated as each result arrives.
func (e *PairwiseEvaluator) EvaluateAllPairs(ctx context.Context, docIDs []string, contents map[string]string) *models.PairwiseSummary {
	e.elo.Reset()
	pairs := e.GeneratePairs(docIDs, contents)

	type task struct {
		pair  DocumentPair
		trial int
		model string
	}
	var tasks []task
	for _, pair := range pairs {
		for trial := 1; trial <= e.config.Iterations; trial++ {
			for _, model := range e.config.JudgeModels {
				tasks = append(tasks, task{pair: pair, trial: trial, model: model})
			}
		}
	}

	resultCh := make(chan *models.PairwiseResult)
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			if e.sem != nil {
				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					return
				}
			}

			judge := e.judgeFor(t.model)
			result, err := judge.EvaluatePairwise(ctx,
				t.pair.DocID1, t.pair.Content1,
				t.pair.DocID2, t.pair.Content2,
				t.trial)
			if err != nil {
				slog.Error("Pairwise comparison failed",
					"doc_1", t.pair.DocID1, "doc_2", t.pair.DocID2,
					"model", t.model, "error", err)
				return
			}
			select {
			case resultCh <- result:
			case <-ctx.Done():
			}
		}(t)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect in arrival order; this goroutine is the sole mutator of the
	// Elo table.
	var all []*models.PairwiseResult
	for result := range resultCh {
		e.elo.Process(result)
		all = append(all, result)
		slog.Info("Pairwise comparison",
			"doc_1", result.DocID1, "doc_2", result.DocID2,
			"winner", result.WinnerDocID, "model", result.Model)
	}

	return &models.PairwiseSummary{
		TotalComparisons: len(all),
		TotalPairs:       len(pairs),
		Results:          all,
		EloRatings:       e.elo.AllRatings(),
		WinnerDocID:      e.elo.Winner(),
	}
}

// Winner returns the current Elo leader.
func (e *PairwiseEvaluator) Winner() string { return e.elo.Winner() }
