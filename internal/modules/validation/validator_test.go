package validation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

func buildMatrix(values [][]float64) *scenario.Matrix {
	buckets := []domain.BucketParams{
		{ID: "alpha", Sector: "infra", Stage: domain.StageSeed, InitialCheck: 1_000_000, ReserveRatio: 0.5},
		{ID: "beta", Sector: "consumer", Stage: domain.StageSeriesA, InitialCheck: 2_000_000, ReserveRatio: 0.25},
	}
	states := make([]scenario.ScenarioState, len(values[0]))
	for i := range states {
		states[i] = scenario.ScenarioState{Index: i, Regime: domain.RegimeBase}
	}
	return &scenario.Matrix{Buckets: buckets[:len(values)], Scenarios: states, Values: values}
}

func alloc(w0, w1 float64) []domain.BucketAllocation {
	return []domain.BucketAllocation{
		{BucketID: "alpha", Weight: w0},
		{BucketID: "beta", Weight: w1},
	}
}

func TestValidateCleanAllocation(t *testing.T) {
	m := buildMatrix([][]float64{
		{3, 3, 3, 3},
		{1.5, 1.5, 1.5, 1.5},
	})
	v := NewGreedy(zerolog.Nop())

	cfg := domain.SessionConfig{Risk: domain.RiskConfig{
		TotalCapital:       10_000_000,
		MaxLossProbability: 0.25,
		CVaRConfidence:     0.75,
		CVaRLimit:          0.10,
	}}
	metrics, err := v.Validate(m, alloc(1, 0), cfg)
	require.NoError(t, err)

	assert.True(t, metrics.Feasible)
	assert.Zero(t, metrics.MaxLossViolation)
	assert.Zero(t, metrics.CVaRViolation)
	assert.Zero(t, metrics.WinnerCountViolation)
	// Greedy reference: everything in the higher-mean bucket.
	assert.InDelta(t, 3.0, metrics.ReferenceObjective, 1e-12)
}

func TestValidateMeasuresLossViolation(t *testing.T) {
	// Half the scenarios wipe out under full weight on alpha.
	m := buildMatrix([][]float64{
		{3, 3, 0, 0},
		{1.5, 1.5, 1.5, 1.5},
	})
	v := NewGreedy(zerolog.Nop())

	cfg := domain.SessionConfig{Risk: domain.RiskConfig{
		TotalCapital:       10_000_000,
		MaxLossProbability: 0.25,
	}}
	metrics, err := v.Validate(m, alloc(1, 0), cfg)
	require.NoError(t, err)

	assert.False(t, metrics.Feasible)
	assert.InDelta(t, 0.25, metrics.MaxLossViolation, 1e-12, "0.50 empirical vs 0.25 limit")
	assert.Zero(t, metrics.CVaRViolation, "cvar inactive without a confidence level")
}

func TestValidateMeasuresCVaRViolation(t *testing.T) {
	m := buildMatrix([][]float64{
		{3, 3, 3, 0},
		{1.5, 1.5, 1.5, 1.5},
	})
	v := NewGreedy(zerolog.Nop())

	cfg := domain.SessionConfig{Risk: domain.RiskConfig{
		TotalCapital:   10_000_000,
		CVaRConfidence: 0.75,
		CVaRLimit:      0.10,
	}}
	// Full weight on alpha: the worst quarter is one full wipeout scenario.
	metrics, err := v.Validate(m, alloc(1, 0), cfg)
	require.NoError(t, err)

	assert.False(t, metrics.Feasible)
	assert.InDelta(t, 0.9, metrics.CVaRViolation, 1e-12, "shortfall 1.0 vs limit 0.10")
}

func TestValidateMeasuresWinnerShortfall(t *testing.T) {
	m := buildMatrix([][]float64{
		{3, 3, 0, 0},
		{1.5, 1.5, 1.5, 1.5},
	})
	v := NewGreedy(zerolog.Nop())

	// Alpha affords 20 deals at 50% wins, beta 0 deals: 10 expected winners.
	cfg := domain.SessionConfig{Risk: domain.RiskConfig{
		TotalCapital: 30_000_000,
		MinWinners:   12,
	}}
	metrics, err := v.Validate(m, alloc(1, 0), cfg)
	require.NoError(t, err)

	assert.False(t, metrics.Feasible)
	assert.InDelta(t, 2.0, metrics.WinnerCountViolation, 1e-9)
}

func TestValidateIgnoresUnknownBucketIDs(t *testing.T) {
	m := buildMatrix([][]float64{
		{2, 2},
		{1, 1},
	})
	v := NewGreedy(zerolog.Nop())

	allocations := append(alloc(0.5, 0.5), domain.BucketAllocation{BucketID: "ghost", Weight: 0.1})
	metrics, err := v.Validate(m, allocations, domain.SessionConfig{Risk: domain.RiskConfig{TotalCapital: 1}})
	require.NoError(t, err)
	assert.True(t, metrics.Feasible)
}

func TestReferenceObjectiveHonorsBucketCap(t *testing.T) {
	m := buildMatrix([][]float64{
		{3, 3, 3, 3},
		{1.5, 1.5, 1.5, 1.5},
	})
	v := NewGreedy(zerolog.Nop())

	// Cap 0.6: greedy takes 0.6 of the 3.0x bucket, the rest goes to 1.5x.
	got := v.referenceObjective(m, domain.RiskConfig{MaxBucketWeight: 0.6})
	assert.InDelta(t, 3.0*0.6+1.5*0.4, got, 1e-12)

	// Uncapped: everything in the best bucket.
	got = v.referenceObjective(m, domain.RiskConfig{})
	assert.InDelta(t, 3.0, got, 1e-12)
}
