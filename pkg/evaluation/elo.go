package evaluation

import (
	"math"
	"sort"

	"github.com/docarena/docarena/pkg/models"
)

// Default Elo parameters.
const (
	DefaultKFactor       = 32.0
	DefaultInitialRating = 1000.0
)

// EloConfig configures a rating calculator.
type EloConfig struct {
	KFactor       float64
	InitialRating float64

	// Dynamic K lowers the adjustment speed for documents above the
	// threshold.
	UseDynamicK         bool
	HighRatingThreshold float64
	HighRatingKFactor   float64
}

// DefaultEloConfig returns the standard parameters.
func DefaultEloConfig() EloConfig {
	return EloConfig{
		KFactor:             DefaultKFactor,
		InitialRating:       DefaultInitialRating,
		HighRatingThreshold: 1200.0,
		HighRatingKFactor:   16.0,
	}
}

// EloCalculator maintains per-document ratings over a stream of pairwise
// results. Updates are order-sensitive: the final table reflects arrival
// order. One calculator lives per pipeline tournament.
type EloCalculator struct {
	config  EloConfig
	ratings map[string]float64
	wins    map[string]int
	losses  map[string]int
}

// NewEloCalculator creates a calculator.
func NewEloCalculator(config EloConfig) *EloCalculator {
	if config.KFactor == 0 {
		config.KFactor = DefaultKFactor
	}
	if config.InitialRating == 0 {
		config.InitialRating = DefaultInitialRating
	}
	return &EloCalculator{
		config:  config,
		ratings: make(map[string]float64),
		wins:    make(map[string]int),
		losses:  make(map[string]int),
	}
}

// ExpectedScore is the standard Elo expectation for a against b.
func ExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

func (c *EloCalculator) kFor(docID string) float64 {
	if !c.config.UseDynamicK {
		return c.config.KFactor
	}
	if c.ratings[docID] >= c.config.HighRatingThreshold {
		return c.config.HighRatingKFactor
	}
	return c.config.KFactor
}

func (c *EloCalculator) ensure(docID string) {
	if _, ok := c.ratings[docID]; !ok {
		c.ratings[docID] = c.config.InitialRating
	}
}

// Process applies one pairwise result. The winner must be one of the two
// operands; anything else is scored as a draw: both ratings update with a
// score of 0.5, and neither wins nor losses are counted.
func (c *EloCalculator) Process(result *models.PairwiseResult) {
	c.ensure(result.DocID1)
	c.ensure(result.DocID2)

	r1 := c.ratings[result.DocID1]
	r2 := c.ratings[result.DocID2]
	e1 := ExpectedScore(r1, r2)
	e2 := 1.0 - e1

	var s1, s2 float64
	switch result.WinnerDocID {
	case result.DocID1:
		s1, s2 = 1, 0
		c.wins[result.DocID1]++
		c.losses[result.DocID2]++
	case result.DocID2:
		s1, s2 = 0, 1
		c.wins[result.DocID2]++
		c.losses[result.DocID1]++
	default:
		s1, s2 = 0.5, 0.5
	}

	c.ratings[result.DocID1] = r1 + c.kFor(result.DocID1)*(s1-e1)
	c.ratings[result.DocID2] = r2 + c.kFor(result.DocID2)*(s2-e2)
}

// Rating returns the current state for one document.
func (c *EloCalculator) Rating(docID string) models.EloRating {
	c.ensure(docID)
	return models.EloRating{
		DocID:  docID,
		Rating: c.ratings[docID],
		Wins:   c.wins[docID],
		Losses: c.losses[docID],
	}
}

// AllRatings returns every document's rating, best first. Ties break by
// wins descending, then losses ascending, then doc id — so the ordering is
// fully deterministic.
func (c *EloCalculator) AllRatings() []models.EloRating {
	out := make([]models.EloRating, 0, len(c.ratings))
	for docID := range c.ratings {
		out = append(out, c.Rating(docID))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		if out[i].Wins != out[j].Wins {
			return out[i].Wins > out[j].Wins
		}
		if out[i].Losses != out[j].Losses {
			return out[i].Losses < out[j].Losses
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// Winner returns the top-ranked document id, or "" when no results were
// processed.
func (c *EloCalculator) Winner() string {
	ratings := c.AllRatings()
	if len(ratings) == 0 {
		return ""
	}
	return ratings[0].DocID
}

// Reset clears all state for a fresh tournament.
func (c *EloCalculator) Reset() {
	c.ratings = make(map[string]float64)
	c.wins = make(map[string]int)
	c.losses = make(map[string]int)
}
