package evaluation

import (
	"fmt"
	"testing"

	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairResult(a, b, winner string) *models.PairwiseResult {
	return &models.PairwiseResult{DocID1: a, DocID2: b, WinnerDocID: winner}
}

func TestEloCalculator_BasicUpdate(t *testing.T) {
	calc := NewEloCalculator(DefaultEloConfig())
	calc.Process(pairResult("a", "b", "a"))

	ra := calc.Rating("a")
	rb := calc.Rating("b")

	assert.Equal(t, 1, ra.Wins)
	assert.Equal(t, 0, ra.Losses)
	assert.Equal(t, 0, rb.Wins)
	assert.Equal(t, 1, rb.Losses)

	// Equal ratings → expected 0.5, K=32 → winner gains exactly 16.
	assert.InDelta(t, 1016.0, ra.Rating, 1e-9)
	assert.InDelta(t, 984.0, rb.Rating, 1e-9)
}

func TestEloCalculator_WinLossAccounting(t *testing.T) {
	calc := NewEloCalculator(DefaultEloConfig())
	results := []*models.PairwiseResult{
		pairResult("a", "b", "a"),
		pairResult("a", "c", "c"),
		pairResult("b", "c", "b"),
		pairResult("a", "b", "b"),
	}
	for _, r := range results {
		calc.Process(r)
	}

	totalGames := 0
	for _, r := range calc.AllRatings() {
		totalGames += r.Wins + r.Losses
	}
	// Every comparison contributes exactly one win and one loss.
	assert.Equal(t, 2*len(results), totalGames)
}

func TestEloCalculator_Determinism(t *testing.T) {
	results := []*models.PairwiseResult{
		pairResult("a", "b", "a"),
		pairResult("b", "c", "c"),
		pairResult("a", "c", "a"),
		pairResult("b", "a", "a"),
	}

	run := func() []models.EloRating {
		calc := NewEloCalculator(DefaultEloConfig())
		for _, r := range results {
			calc.Process(r)
		}
		return calc.AllRatings()
	}

	first := run()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, run(), "same arrival order must produce identical ratings")
	}
}

func TestEloCalculator_OrderSensitivity(t *testing.T) {
	// Elo is order-sensitive: a different arrival order gives different
	// intermediate expectations.
	forward := NewEloCalculator(DefaultEloConfig())
	forward.Process(pairResult("a", "b", "a"))
	forward.Process(pairResult("a", "c", "a"))

	reversed := NewEloCalculator(DefaultEloConfig())
	reversed.Process(pairResult("a", "c", "a"))
	reversed.Process(pairResult("a", "b", "a"))

	// Both agree on the winner even though the paths differ.
	assert.Equal(t, "a", forward.Winner())
	assert.Equal(t, "a", reversed.Winner())
}

func TestEloCalculator_TieBreak(t *testing.T) {
	// No games at all: every doc sits at the initial rating. Ratings tie,
	// wins tie, losses tie — lexicographic doc id decides.
	calc := NewEloCalculator(DefaultEloConfig())
	calc.ensure("zeta")
	calc.ensure("alpha")

	ratings := calc.AllRatings()
	require.Len(t, ratings, 2)
	assert.Equal(t, "alpha", ratings[0].DocID)
	assert.Equal(t, "alpha", calc.Winner())
}

func TestEloCalculator_DynamicK(t *testing.T) {
	config := DefaultEloConfig()
	config.UseDynamicK = true
	config.HighRatingThreshold = 1000.0 // everyone starts at the threshold
	calc := NewEloCalculator(config)

	calc.Process(pairResult("a", "b", "a"))

	// With K lowered to 16 above the threshold, the winner gains 8.
	assert.InDelta(t, 1008.0, calc.Rating("a").Rating, 1e-9)
}

func TestEloCalculator_Reset(t *testing.T) {
	calc := NewEloCalculator(DefaultEloConfig())
	calc.Process(pairResult("a", "b", "a"))
	calc.Reset()

	assert.Empty(t, calc.AllRatings())
	assert.Equal(t, "", calc.Winner())
}

func TestExpectedScore(t *testing.T) {
	assert.InDelta(t, 0.5, ExpectedScore(1000, 1000), 1e-9)

	// 400 points of advantage → ~0.909 expectation.
	assert.InDelta(t, 10.0/11.0, ExpectedScore(1400, 1000), 1e-9)

	// Symmetry.
	for _, diff := range []float64{0, 50, 120, 400} {
		e := ExpectedScore(1000+diff, 1000)
		assert.InDelta(t, 1.0, e+ExpectedScore(1000, 1000+diff), 1e-9,
			fmt.Sprintf("diff=%v", diff))
	}
}
