package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/domain"
)

func TestRelaxationOrderWinnersBeforeLossProbability(t *testing.T) {
	// One bucket, 30% wipeout rate, 20 affordable deals at 70% win rate:
	// 14 expected winners. A floor of 14.5 and a 10% loss cap are both
	// violated; the winners floor has higher relaxation priority and must
	// give first.
	bucket := []domain.BucketParams{
		{ID: "solo", Sector: "infra", Stage: domain.StageSeed, InitialCheck: 1_000_000, ReserveRatio: 0.5},
	}
	values := make([]float64, 100)
	for i := range values {
		if i < 70 {
			values[i] = 3.0
		}
	}
	m := testMatrix(bucket, [][]float64{values})

	st := newRelaxationState(domain.RiskConfig{
		TotalCapital:       30_000_000,
		MinWinners:         14.5,
		MaxLossProbability: 0.10,
	})

	relaxed, err := st.relaxNext(m, 1)
	require.NoError(t, err)
	require.True(t, relaxed)
	require.Len(t, st.log, 1)
	assert.Equal(t, "expected_winners_min", st.log[0].ConstraintID)
	assert.Equal(t, DirectionDecrease, st.log[0].Direction)
	assert.InDelta(t, 14.5, st.log[0].OldBound, 1e-12)
	assert.InDelta(t, 13.05, st.log[0].NewBound, 1e-9)

	// The relaxed floor now clears 14 expected winners, so the next round
	// moves on to the loss cap.
	relaxed, err = st.relaxNext(m, 2)
	require.NoError(t, err)
	require.True(t, relaxed)
	require.Len(t, st.log, 2)
	assert.Equal(t, "loss_probability_max", st.log[1].ConstraintID)
	assert.Equal(t, DirectionIncrease, st.log[1].Direction)
	assert.InDelta(t, 0.10, st.log[1].OldBound, 1e-12)
	assert.InDelta(t, 0.11, st.log[1].NewBound, 1e-12)
}

func TestRelaxationLoosesExactlyOneConstraintPerRound(t *testing.T) {
	bucket := []domain.BucketParams{
		{ID: "solo", Sector: "infra", Stage: domain.StageSeed, InitialCheck: 1_000_000, ReserveRatio: 0.5},
	}
	values := make([]float64, 100)
	for i := range values {
		if i < 70 {
			values[i] = 3.0
		}
	}
	m := testMatrix(bucket, [][]float64{values})

	st := newRelaxationState(domain.RiskConfig{
		TotalCapital:       30_000_000,
		MinWinners:         25,
		MaxLossProbability: 0.10,
	})

	for round := 1; round <= 5; round++ {
		relaxed, err := st.relaxNext(m, round)
		require.NoError(t, err)
		require.True(t, relaxed)
		require.Len(t, st.log, round, "exactly one audit entry per round")

		step := st.log[round-1]
		if step.Direction == DirectionDecrease {
			assert.Less(t, step.NewBound, step.OldBound)
		} else {
			assert.Greater(t, step.NewBound, step.OldBound)
		}
	}

	// A floor of 25 takes several 10% cuts to reach the achievable 14.
	assert.Equal(t, "expected_winners_min", st.log[0].ConstraintID)
}

func TestRelaxNextNothingToRelax(t *testing.T) {
	bucket := []domain.BucketParams{
		{ID: "solo", Sector: "infra", Stage: domain.StageSeed, InitialCheck: 1_000_000, ReserveRatio: 0.5},
	}
	m := testMatrix(bucket, [][]float64{constantRow(2.0, 10)})

	st := newRelaxationState(domain.RiskConfig{TotalCapital: 10_000_000})
	relaxed, err := st.relaxNext(m, 1)
	require.NoError(t, err)
	assert.False(t, relaxed, "no active constraints means nothing to relax")
	assert.Empty(t, st.log)
}

func TestEmpiricalCVaR(t *testing.T) {
	losses := []float64{0.5, 0.4, 0.1, 0, 0, 0, 0, 0, 0, 0}
	// 80% confidence over 10 scenarios: tail of 2, mean of the two worst.
	assert.InDelta(t, 0.45, empiricalCVaR(losses, 0.8), 1e-12)
	// Tail never shrinks below one scenario.
	assert.InDelta(t, 0.5, empiricalCVaR(losses, 0.999), 1e-12)
}

func TestPortfolioShortfalls(t *testing.T) {
	m := testMatrix(twoBuckets(), [][]float64{
		{2.0, 0.5, 0.0},
		{1.0, 1.0, 1.0},
	})
	losses := portfolioShortfalls(m, []float64{0.5, 0.5})
	assert.InDelta(t, 0.0, losses[0], 1e-12) // 1.5x, no shortfall
	assert.InDelta(t, 0.25, losses[1], 1e-12)
	assert.InDelta(t, 0.5, losses[2], 1e-12)
}
