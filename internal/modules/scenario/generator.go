package scenario

import (
	"math"
	"math/rand"

	"github.com/foliofund/allocator/internal/domain"
)

// Shock weights must leave the regime shock dominant, so systematic +
// idiosyncratic weights are required to sum below this bound.
const maxBlendWeight = 1.0

// ln(5) appears in the Pareto fit: P(X>=median)=0.5 and P(X>=p90)=0.1 imply
// (median/p90)^alpha = 5.
var ln5 = math.Log(5)

// Generator produces outcome matrices. It is stateless apart from the
// transition table and safe for concurrent use.
type Generator struct {
	transitions TransitionTable
}

// NewGenerator creates a generator with the default calibrated transitions.
func NewGenerator() *Generator {
	return &Generator{transitions: DefaultTransitions}
}

// NewGeneratorWithTransitions creates a generator with a custom table.
func NewGeneratorWithTransitions(table TransitionTable) *Generator {
	return &Generator{transitions: table}
}

// paretoFit is the per-bucket power-law fit, computed once per Generate call.
// Regime scaling multiplies median and p90 by the same factor, which leaves
// alpha unchanged and scales xmin linearly.
type paretoFit struct {
	alpha    float64
	baseXmin float64
}

// fitPareto solves alpha = ln(5)/ln(p90/median), clamped to [0.5, 5.0] to
// avoid degenerate curves, and derives xmin = median / 2^(1/alpha).
func fitPareto(median, p90 float64) paretoFit {
	alpha := ln5 / math.Log(p90/median)
	if alpha < 0.5 {
		alpha = 0.5
	} else if alpha > 5.0 {
		alpha = 5.0
	}
	return paretoFit{
		alpha:    alpha,
		baseXmin: median / math.Pow(2, 1/alpha),
	}
}

// samplePareto draws via the inverse CDF: x = xmin / (1-u)^(1/alpha).
func samplePareto(rng *rand.Rand, fit paretoFit, xmin float64) float64 {
	u := rng.Float64()
	if u > 0.999999 {
		u = 0.999999
	}
	return xmin / math.Pow(1-u, 1/fit.alpha)
}

// regimeCenters bias the shared shock by macro regime; the uniform noise on
// top keeps draws inside [-1,1].
var regimeCenters = map[domain.MacroRegime]float64{
	domain.RegimeBoom:      0.5,
	domain.RegimeBase:      0.0,
	domain.RegimeRecession: -0.5,
}

// Generate produces the dense outcome matrix for the given buckets, config
// and seed. The seed is the first 4 bytes of the matrix cache key, so equal
// cache keys always replay the same draws.
//
// Draw order is part of the determinism contract: per scenario, one regime
// draw, one regime-shock draw, then per bucket (in slice order) systematic
// shock, idiosyncratic shock, stage walk, outcome draw and recycling draws.
func (g *Generator) Generate(buckets []domain.BucketParams, cfg domain.ScenarioConfig, seed uint32) (*Matrix, error) {
	if err := validateInputs(buckets, cfg); err != nil {
		return nil, err
	}

	cfg.Recycling = cfg.Recycling.Canonical()
	regimeRange := normalizeRange(cfg.RegimeShockRange)
	sysRange := normalizeRange(cfg.SystematicShockRange)
	idioRange := normalizeRange(cfg.IdiosyncraticShockRange)

	fits := make([]paretoFit, len(buckets))
	for i, b := range buckets {
		fits[i] = fitPareto(b.MedianMultiple, b.P90Multiple)
	}

	rng := rand.New(rand.NewSource(int64(seed)))

	m := &Matrix{
		Buckets:   append([]domain.BucketParams(nil), buckets...),
		Scenarios: make([]ScenarioState, cfg.ScenarioCount),
		Values:    make([][]float64, len(buckets)),
	}
	for i := range m.Values {
		m.Values[i] = make([]float64, cfg.ScenarioCount)
	}

	for s := 0; s < cfg.ScenarioCount; s++ {
		regime := drawRegime(rng, cfg.Regimes)
		regimeShock := clamp(regimeCenters[regime]+0.5*uniform(rng, regimeRange), -1, 1)
		m.Scenarios[s] = ScenarioState{Index: s, Regime: regime, RegimeShock: regimeShock}

		for b, bucket := range buckets {
			sys := uniform(rng, sysRange)
			idio := uniform(rng, idioRange)

			// Exit timing and failure come from the absorbing chain, not
			// from the MOIC curve itself.
			path := WalkStages(rng, g.transitions, bucket.Stage)
			if path.Outcome == OutcomeFailure {
				m.Values[b][s] = 0
				continue
			}

			scale := regimeScale(regimeShock, bucket)
			blend := 1 + cfg.SystematicWeight*sys + cfg.IdiosyncraticWeight*idio

			x := samplePareto(rng, fits[b], fits[b].baseXmin*scale) * blend
			if x < 0 {
				x = 0
			}

			x = recycleProceeds(rng, cfg, fits[b], fits[b].baseXmin*scale, blend, x)

			// Quantize to float32 precision so the stored matrix and the
			// freshly generated one are byte-identical.
			m.Values[b][s] = float64(float32(x))
		}
	}

	return m, nil
}

// regimeScale is the linear outcome adjustment for the shared regime shock.
// The sector return multiplier shifts the level; the risk multiplier sets
// the bucket's sensitivity to the regime. Median and p90 scale together, so
// their ratio (and the fitted alpha) is preserved.
func regimeScale(regimeShock float64, b domain.BucketParams) float64 {
	scale := b.SectorReturnMult * (1 + regimeShock*b.SectorRiskMult)
	if scale < 0.05 {
		scale = 0.05
	}
	return scale
}

func drawRegime(rng *rand.Rand, probs domain.RegimeProbabilities) domain.MacroRegime {
	u := rng.Float64()
	switch {
	case u < probs.Boom:
		return domain.RegimeBoom
	case u < probs.Boom+probs.Base:
		return domain.RegimeBase
	default:
		return domain.RegimeRecession
	}
}

func uniform(rng *rand.Rand, r domain.ShockRange) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

func normalizeRange(r domain.ShockRange) domain.ShockRange {
	if r.Min > r.Max {
		r.Min, r.Max = r.Max, r.Min
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// validateInputs checks the structural preconditions the power-law fit and
// shock blend depend on. Violations surface synchronously as
// ValidationError; nothing is silently defaulted.
func validateInputs(buckets []domain.BucketParams, cfg domain.ScenarioConfig) error {
	if len(buckets) == 0 {
		return &domain.ValidationError{Field: "buckets", Reason: "at least one bucket is required"}
	}
	if cfg.ScenarioCount <= 0 {
		return &domain.ValidationError{Field: "scenarioCount", Reason: "must be positive"}
	}
	for _, b := range buckets {
		if b.MedianMultiple <= 0 {
			return &domain.ValidationError{Field: "buckets." + b.ID + ".medianMultiple", Reason: "must be positive"}
		}
		if b.P90Multiple <= b.MedianMultiple {
			return &domain.ValidationError{Field: "buckets." + b.ID + ".p90Multiple", Reason: "must exceed the median multiple for the power-law fit"}
		}
	}
	probSum := cfg.Regimes.Boom + cfg.Regimes.Base + cfg.Regimes.Recession
	if cfg.Regimes.Boom < 0 || cfg.Regimes.Base < 0 || cfg.Regimes.Recession < 0 || math.Abs(probSum-1) > 1e-6 {
		return &domain.ValidationError{Field: "regimes", Reason: "probabilities must be non-negative and sum to 1"}
	}
	if cfg.SystematicWeight < 0 || cfg.IdiosyncraticWeight < 0 {
		return &domain.ValidationError{Field: "shockWeights", Reason: "must be non-negative"}
	}
	if cfg.SystematicWeight+cfg.IdiosyncraticWeight >= maxBlendWeight {
		return &domain.ValidationError{Field: "shockWeights", Reason: "systematic + idiosyncratic weights must sum below 1 so the regime shock stays dominant"}
	}
	r := cfg.Recycling
	if r.Enabled {
		if r.Utilization < 0 || r.Utilization > 1 {
			return &domain.ValidationError{Field: "recycling.utilization", Reason: "must be in [0,1]"}
		}
		if r.CashMultiple < 1 {
			return &domain.ValidationError{Field: "recycling.cashMultiple", Reason: "must be at least 1"}
		}
		if r.MaxRecycleDeals < 0 {
			return &domain.ValidationError{Field: "recycling.maxRecycleDeals", Reason: "must be non-negative"}
		}
	}
	return nil
}
