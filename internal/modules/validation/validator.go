// Package validation holds the independent sanity check applied to solver
// output before a session completes. The pipeline treats the validator as an
// opaque function and persists its result verbatim; the greedy implementation
// below is the default collaborator, not part of the optimization path.
package validation

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// Validator checks an allocation against the session's risk limits using the
// scenario matrix the allocation was solved on.
type Validator interface {
	Validate(m *scenario.Matrix, allocations []domain.BucketAllocation, cfg domain.SessionConfig) (*domain.ValidationMetrics, error)
}

// violationTol absorbs float noise when comparing empirical risk to limits.
const violationTol = 1e-9

// Greedy re-measures the allocation's risk empirically and compares it to a
// greedily built reference portfolio. It shares no code with the solver, so
// an optimizer bug cannot validate itself.
type Greedy struct {
	log zerolog.Logger
}

// NewGreedy creates the default validator.
func NewGreedy(log zerolog.Logger) *Greedy {
	return &Greedy{log: log.With().Str("component", "validator").Logger()}
}

// Validate computes empirical loss probability, CVaR and expected winner
// count for the allocation, reports how far each exceeds its limit, and
// attaches the reference objective of the greedy portfolio.
func (g *Greedy) Validate(m *scenario.Matrix, allocations []domain.BucketAllocation, cfg domain.SessionConfig) (*domain.ValidationMetrics, error) {
	weights := make([]float64, m.BucketCount())
	byID := make(map[string]int, m.BucketCount())
	for i, b := range m.Buckets {
		byID[b.ID] = i
	}
	for _, a := range allocations {
		if idx, ok := byID[a.BucketID]; ok {
			weights[idx] = a.Weight
		}
	}

	risk := cfg.Risk
	metrics := &domain.ValidationMetrics{
		ReferenceObjective: g.referenceObjective(m, risk),
	}

	lossProb, cvar := portfolioRisk(m, weights, risk.CVaRConfidence)
	if risk.MaxLossProbability > 0 && risk.MaxLossProbability < 1 {
		metrics.MaxLossViolation = math.Max(0, lossProb-risk.MaxLossProbability)
	}
	if risk.CVaRConfidence > 0 && risk.CVaRConfidence < 1 && risk.CVaRLimit > 0 {
		metrics.CVaRViolation = math.Max(0, cvar-risk.CVaRLimit)
	}
	if risk.MinWinners > 0 {
		winners := expectedWinners(m, weights, risk.TotalCapital)
		metrics.WinnerCountViolation = math.Max(0, risk.MinWinners-winners)
	}

	metrics.Feasible = metrics.MaxLossViolation <= violationTol &&
		metrics.CVaRViolation <= violationTol &&
		metrics.WinnerCountViolation <= violationTol

	g.log.Debug().
		Bool("feasible", metrics.Feasible).
		Float64("loss_prob", lossProb).
		Float64("cvar", cvar).
		Msg("Validated allocation")
	return metrics, nil
}

// portfolioRisk returns the empirical loss probability and the empirical CVaR
// of portfolio shortfall at the given confidence.
func portfolioRisk(m *scenario.Matrix, weights []float64, confidence float64) (lossProb, cvar float64) {
	s := m.ScenarioCount()
	if s == 0 {
		return 0, 0
	}

	shortfalls := make([]float64, s)
	losses := 0
	for si := 0; si < s; si++ {
		multiple := 0.0
		for bi := range weights {
			multiple += weights[bi] * m.Values[bi][si]
		}
		if multiple < 1 {
			losses++
			shortfalls[si] = 1 - multiple
		}
	}
	lossProb = float64(losses) / float64(s)

	if confidence <= 0 || confidence >= 1 {
		return lossProb, 0
	}
	tail := int(math.Ceil((1 - confidence) * float64(s)))
	if tail < 1 {
		tail = 1
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(shortfalls)))
	sum := 0.0
	for i := 0; i < tail; i++ {
		sum += shortfalls[i]
	}
	return lossProb, sum / float64(tail)
}

// expectedWinners sums, per bucket, deal count times empirical win
// probability. Deal count uses the all-in cost per deal, check plus reserve.
func expectedWinners(m *scenario.Matrix, weights []float64, totalCapital float64) float64 {
	winners := 0.0
	for bi, b := range m.Buckets {
		allIn := b.AllInCost()
		if allIn <= 0 {
			continue
		}
		deals := weights[bi] * totalCapital / allIn
		winners += deals * m.WinProbability(bi)
	}
	return winners
}

// referenceObjective is the expected multiple of a greedy portfolio: fill
// buckets in descending mean-multiple order up to the per-bucket cap. It is a
// deliberately crude baseline; the solver should never fall below it.
func (g *Greedy) referenceObjective(m *scenario.Matrix, risk domain.RiskConfig) float64 {
	n := m.BucketCount()
	if n == 0 {
		return 0
	}

	maxW := 1.0
	if risk.MaxBucketWeight > 0 && risk.MaxBucketWeight < 1 {
		maxW = risk.MaxBucketWeight
	}

	type bucketMean struct {
		idx  int
		mean float64
	}
	means := make([]bucketMean, n)
	for bi := 0; bi < n; bi++ {
		sum := 0.0
		for si := 0; si < m.ScenarioCount(); si++ {
			sum += m.Values[bi][si]
		}
		means[bi] = bucketMean{idx: bi, mean: sum / float64(m.ScenarioCount())}
	}
	sort.Slice(means, func(i, j int) bool {
		if means[i].mean != means[j].mean {
			return means[i].mean > means[j].mean
		}
		return means[i].idx < means[j].idx
	})

	remaining := 1.0
	objective := 0.0
	for _, bm := range means {
		if remaining <= 0 {
			break
		}
		w := math.Min(maxW, remaining)
		objective += w * bm.mean
		remaining -= w
	}
	return objective
}
