package scenario

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/domain"
	alloctest "github.com/foliofund/allocator/internal/testing"
)

func TestGenerateDeterministic(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	gen := NewGenerator()

	first, err := gen.Generate(cfg.Buckets, cfg.Scenario, 12345)
	require.NoError(t, err)
	second, err := gen.Generate(cfg.Buckets, cfg.Scenario, 12345)
	require.NoError(t, err)

	require.Equal(t, first.BucketCount(), second.BucketCount())
	require.Equal(t, first.ScenarioCount(), second.ScenarioCount())
	for b := 0; b < first.BucketCount(); b++ {
		for s := 0; s < first.ScenarioCount(); s++ {
			// Byte-identical, not merely close.
			assert.Equal(t, first.Values[b][s], second.Values[b][s],
				"bucket %d scenario %d diverged", b, s)
		}
	}
	assert.Equal(t, first.Scenarios, second.Scenarios)
}

func TestGenerateSeedChangesMatrix(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	gen := NewGenerator()

	a, err := gen.Generate(cfg.Buckets, cfg.Scenario, 1)
	require.NoError(t, err)
	b, err := gen.Generate(cfg.Buckets, cfg.Scenario, 2)
	require.NoError(t, err)

	same := true
	for bi := 0; bi < a.BucketCount() && same; bi++ {
		for si := 0; si < a.ScenarioCount(); si++ {
			if a.Values[bi][si] != b.Values[bi][si] {
				same = false
				break
			}
		}
	}
	assert.False(t, same, "different seeds produced identical matrices")
}

func TestGenerateValuesAreFloat32Exact(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	gen := NewGenerator()

	m, err := gen.Generate(cfg.Buckets, cfg.Scenario, 7)
	require.NoError(t, err)

	for b := 0; b < m.BucketCount(); b++ {
		for s := 0; s < m.ScenarioCount(); s++ {
			v := m.Values[b][s]
			assert.Equal(t, float64(float32(v)), v, "value not representable in float32")
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestGenerateFailuresAreZero(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	cfg.Scenario.ScenarioCount = 2000
	gen := NewGenerator()

	m, err := gen.Generate(cfg.Buckets, cfg.Scenario, 99)
	require.NoError(t, err)

	// The seed-stage chain fails more than half the time, so a healthy
	// fraction of outcomes must be exactly zero.
	zeros := 0
	for s := 0; s < m.ScenarioCount(); s++ {
		if m.Values[0][s] == 0 {
			zeros++
		}
	}
	frac := float64(zeros) / float64(m.ScenarioCount())
	assert.Greater(t, frac, 0.3)
	assert.Less(t, frac, 0.9)
}

func TestGenerateRegimeShockStaysBounded(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	gen := NewGenerator()

	m, err := gen.Generate(cfg.Buckets, cfg.Scenario, 11)
	require.NoError(t, err)

	for _, st := range m.Scenarios {
		assert.GreaterOrEqual(t, st.RegimeShock, -1.0)
		assert.LessOrEqual(t, st.RegimeShock, 1.0)
		switch st.Regime {
		case domain.RegimeBoom, domain.RegimeBase, domain.RegimeRecession:
		default:
			t.Fatalf("unexpected regime %q", st.Regime)
		}
	}
}

func TestGenerateBoomBeatsRecession(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	cfg.Scenario.ScenarioCount = 8000
	gen := NewGenerator()

	m, err := gen.Generate(cfg.Buckets, cfg.Scenario, 23)
	require.NoError(t, err)

	// Bucket "beta" has alpha = ln5/ln2 > 2, so sample means are stable
	// enough to compare across regimes.
	boomSum, boomN := 0.0, 0
	recSum, recN := 0.0, 0
	for s, st := range m.Scenarios {
		v := m.Values[1][s]
		switch st.Regime {
		case domain.RegimeBoom:
			boomSum += v
			boomN++
		case domain.RegimeRecession:
			recSum += v
			recN++
		}
	}
	require.Greater(t, boomN, 100)
	require.Greater(t, recN, 100)
	assert.Greater(t, boomSum/float64(boomN), recSum/float64(recN),
		"boom scenarios should average higher multiples than recessions")
}

func TestGenerateRejectsInvertedMultiples(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	cfg.Buckets[0].P90Multiple = cfg.Buckets[0].MedianMultiple // p90 <= median
	gen := NewGenerator()

	_, err := gen.Generate(cfg.Buckets, cfg.Scenario, 1)
	require.Error(t, err)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Field, "p90Multiple")
}

func TestGenerateRejectsOverweightShocks(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	cfg.Scenario.SystematicWeight = 0.6
	cfg.Scenario.IdiosyncraticWeight = 0.5
	gen := NewGenerator()

	_, err := gen.Generate(cfg.Buckets, cfg.Scenario, 1)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestGenerateInvertedShockRangeNormalized(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()
	swapped := cfg
	swapped.Scenario.SystematicShockRange = domain.ShockRange{
		Min: cfg.Scenario.SystematicShockRange.Max,
		Max: cfg.Scenario.SystematicShockRange.Min,
	}
	gen := NewGenerator()

	a, err := gen.Generate(cfg.Buckets, cfg.Scenario, 5)
	require.NoError(t, err)
	b, err := gen.Generate(swapped.Buckets, swapped.Scenario, 5)
	require.NoError(t, err)

	assert.Equal(t, a.Values, b.Values, "inverted range should normalize to the same draws")
}

func TestFitParetoClampsAlpha(t *testing.T) {
	// Extremely heavy tail: alpha below 0.5 gets clamped up.
	heavy := fitPareto(1.0, 1000.0)
	assert.Equal(t, 0.5, heavy.alpha)

	// Nearly flat tail: alpha above 5 gets clamped down.
	light := fitPareto(1.0, 1.01)
	assert.Equal(t, 5.0, light.alpha)

	// Median preserved: P(X >= median) = 0.5 by construction.
	fit := fitPareto(3.0, 10.0)
	median := fit.baseXmin * math.Pow(2, 1/fit.alpha)
	assert.InDelta(t, 3.0, median, 1e-12)
}

func TestRecyclingDisabledMatchesNoOpConfig(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()

	explicit := cfg
	explicit.Scenario.Recycling = domain.RecyclingConfig{
		Enabled:         false,
		Utilization:     0.7,
		CashMultiple:    2,
		MaxRecycleDeals: 5,
	}

	gen := NewGenerator()
	a, err := gen.Generate(cfg.Buckets, cfg.Scenario, 31)
	require.NoError(t, err)
	b, err := gen.Generate(explicit.Buckets, explicit.Scenario, 31)
	require.NoError(t, err)

	assert.Equal(t, a.Values, b.Values, "disabled recycling parameters must not leak into generation")
}

func TestRecycleProceedsBoundedLoss(t *testing.T) {
	fit := fitPareto(3.0, 10.0)
	cfg := alloctest.DefaultScenarioConfig()
	cfg.Recycling = domain.RecyclingConfig{
		Enabled:         true,
		Utilization:     0.8,
		CashMultiple:    2,
		MaxRecycleDeals: 4,
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		x := 1 + rng.Float64()*5
		got := recycleProceeds(rng, cfg, fit, fit.baseXmin, 1.0, x)

		// Even if every recycled deal goes to zero, the drag is capped by
		// the recyclable base, which is at most utilization*(cash-1).
		base := cfg.Recycling.Utilization * (math.Min(x, cfg.Recycling.CashMultiple) - 1)
		assert.GreaterOrEqual(t, got, x-base-1e-12)
		assert.GreaterOrEqual(t, got, 0.0)
	}

	// Losers and disabled configs are left untouched.
	assert.Equal(t, 0.8, recycleProceeds(rng, cfg, fit, fit.baseXmin, 1.0, 0.8))
	cfg.Recycling.Enabled = false
	assert.Equal(t, 4.0, recycleProceeds(rng, cfg, fit, fit.baseXmin, 1.0, 4.0))
}

func TestRecyclingChangesMatrix(t *testing.T) {
	cfg := alloctest.TwoBucketConfig()

	recycled := cfg
	recycled.Scenario.Recycling = domain.RecyclingConfig{
		Enabled:         true,
		Utilization:     0.8,
		CashMultiple:    2,
		MaxRecycleDeals: 3,
	}

	gen := NewGenerator()
	base, err := gen.Generate(cfg.Buckets, cfg.Scenario, 17)
	require.NoError(t, err)
	lifted, err := gen.Generate(recycled.Buckets, recycled.Scenario, 17)
	require.NoError(t, err)

	assert.NotEqual(t, base.Values, lifted.Values, "enabling recycling must alter winner outcomes")
}
