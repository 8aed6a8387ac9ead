package optimizer

import (
	"fmt"
	"math"
	"sort"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// relaxStepFactor is the fixed step applied per round: MIN bounds shrink to
// 90%, MAX bounds grow to 110%.
const relaxStepFactor = 0.1

const violationTol = 1e-9

// relaxationState tracks the working bounds and the audit trail across
// relaxation rounds.
type relaxationState struct {
	b   bounds
	log []RelaxationStep
}

func newRelaxationState(risk domain.RiskConfig) *relaxationState {
	return &relaxationState{b: boundsFromRisk(risk)}
}

func (st *relaxationState) current() bounds { return st.b }

// relaxNext runs one lexicographic round: find the diagnostic allocation,
// evaluate every active relaxable constraint against it in priority order,
// and loosen the first violated one by the fixed step. Returns false when
// nothing violated remains to relax.
func (st *relaxationState) relaxNext(m *scenario.Matrix, round int) (bool, error) {
	point, err := diagnosticPoint(m)
	if err != nil {
		return false, fmt.Errorf("failed to compute diagnostic allocation: %w", err)
	}

	for _, cand := range st.candidates(m, point) {
		if !cand.violated {
			continue
		}
		st.apply(cand, round)
		return true, nil
	}
	return false, nil
}

// lastRelaxed describes the final audit entry, for error reporting.
func (st *relaxationState) lastRelaxed() string {
	if len(st.log) == 0 {
		return ""
	}
	last := st.log[len(st.log)-1]
	return fmt.Sprintf("%s %sd to %.6f", last.ConstraintID, last.Direction, last.NewBound)
}

type candidate struct {
	kind     ConstraintKind
	id       string
	key      string // sector/stage name, empty for scalar bounds
	isMin    bool
	bound    float64
	violated bool
}

// candidates enumerates active relaxable constraints in the fixed priority
// order, most-relaxable first; the loss-probability cap is the most sacred
// and comes last.
func (st *relaxationState) candidates(m *scenario.Matrix, w []float64) []candidate {
	b := st.b
	var out []candidate

	if b.winnersActive() {
		expected := 0.0
		for bi, bucket := range m.Buckets {
			expected += (w[bi] * b.totalCapital / bucket.AllInCost()) * m.WinProbability(bi)
		}
		out = append(out, candidate{
			kind: KindExpectedWinnersMin, id: "expected_winners_min", isMin: true,
			bound: b.minWinners, violated: expected < b.minWinners-violationTol,
		})
	}

	if b.bucketMaxActive() {
		worst := 0.0
		for _, wb := range w {
			worst = math.Max(worst, wb)
		}
		out = append(out, candidate{
			kind: KindBucketMax, id: "bucket_max",
			bound: b.bucketMax, violated: worst > b.bucketMax+violationTol,
		})
	}

	sectorSums := groupSums(m, w, func(bp domain.BucketParams) string { return bp.Sector })
	stageSums := groupSums(m, w, func(bp domain.BucketParams) string { return string(bp.Stage) })

	out = append(out, groupCandidates(KindSectorMax, "sector_max", b.sector, sectorSums, false)...)
	out = append(out, groupCandidates(KindSectorMin, "sector_min", b.sector, sectorSums, true)...)
	out = append(out, groupCandidates(KindStageMax, "stage_max", b.stage, stageSums, false)...)
	out = append(out, groupCandidates(KindStageMin, "stage_min", b.stage, stageSums, true)...)

	losses := portfolioShortfalls(m, w)
	if b.cvarActive() {
		cvar := empiricalCVaR(losses, b.cvarConf)
		out = append(out, candidate{
			kind: KindCVaRLimit, id: "cvar_limit",
			bound: b.cvarLimit, violated: cvar > b.cvarLimit+violationTol,
		})
	}
	if b.lossProbActive() {
		lossCount := 0
		for _, y := range losses {
			if y > violationTol {
				lossCount++
			}
		}
		lossProb := float64(lossCount) / float64(len(losses))
		out = append(out, candidate{
			kind: KindLossProbabilityMax, id: "loss_probability_max",
			bound: b.maxLossProb, violated: lossProb > b.maxLossProb+violationTol,
		})
	}

	return out
}

func (st *relaxationState) apply(c candidate, round int) {
	oldBound := c.bound
	var newBound float64
	var dir Direction
	if c.isMin {
		newBound = oldBound * (1 - relaxStepFactor)
		dir = DirectionDecrease
	} else {
		newBound = oldBound * (1 + relaxStepFactor)
		dir = DirectionIncrease
	}

	switch c.kind {
	case KindExpectedWinnersMin:
		st.b.minWinners = newBound
	case KindBucketMax:
		st.b.bucketMax = newBound
	case KindSectorMax:
		wb := st.b.sector[c.key]
		wb.Max = newBound
		st.b.sector[c.key] = wb
	case KindSectorMin:
		wb := st.b.sector[c.key]
		wb.Min = newBound
		st.b.sector[c.key] = wb
	case KindStageMax:
		wb := st.b.stage[c.key]
		wb.Max = newBound
		st.b.stage[c.key] = wb
	case KindStageMin:
		wb := st.b.stage[c.key]
		wb.Min = newBound
		st.b.stage[c.key] = wb
	case KindCVaRLimit:
		st.b.cvarLimit = newBound
	case KindLossProbabilityMax:
		st.b.maxLossProb = newBound
	}

	st.log = append(st.log, RelaxationStep{
		Round:        round,
		ConstraintID: c.id,
		Direction:    dir,
		OldBound:     oldBound,
		NewBound:     newBound,
	})
}

func groupCandidates(kind ConstraintKind, prefix string, groups map[string]domain.WeightBounds, sums map[string]float64, isMin bool) []candidate {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []candidate
	for _, key := range keys {
		wb := groups[key]
		sum := sums[key]
		if isMin {
			if wb.Min <= 0 {
				continue
			}
			out = append(out, candidate{
				kind: kind, id: prefix + ":" + key, key: key, isMin: true,
				bound: wb.Min, violated: sum < wb.Min-violationTol,
			})
		} else {
			if wb.Max <= 0 || wb.Max >= 1 {
				continue
			}
			out = append(out, candidate{
				kind: kind, id: prefix + ":" + key, key: key,
				bound: wb.Max, violated: sum > wb.Max+violationTol,
			})
		}
	}
	return out
}

func groupSums(m *scenario.Matrix, w []float64, keyOf func(domain.BucketParams) string) map[string]float64 {
	sums := make(map[string]float64)
	for bi, bucket := range m.Buckets {
		sums[keyOf(bucket)] += w[bi]
	}
	return sums
}

// diagnosticPoint maximizes E[M] subject only to the budget, giving a
// reference allocation to measure constraint violations against when the
// full problem is infeasible.
func diagnosticPoint(m *scenario.Matrix) ([]float64, error) {
	model := buildProblem(m, bounds{}, nil)
	_, x, err := model.prob.solve()
	if err != nil {
		return nil, err
	}
	return x[:m.BucketCount()], nil
}

// portfolioShortfalls returns y_s = max(0, 1 - M_s) per scenario.
func portfolioShortfalls(m *scenario.Matrix, w []float64) []float64 {
	s := m.ScenarioCount()
	losses := make([]float64, s)
	for si := 0; si < s; si++ {
		portfolio := 0.0
		for bi := 0; bi < m.BucketCount(); bi++ {
			portfolio += w[bi] * m.Values[bi][si]
		}
		if portfolio < 1 {
			losses[si] = 1 - portfolio
		}
	}
	return losses
}

// empiricalCVaR is the mean of the worst (1-c) fraction of shortfalls.
func empiricalCVaR(losses []float64, confidence float64) float64 {
	sorted := append([]float64(nil), losses...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	tail := int(math.Ceil((1 - confidence) * float64(len(sorted))))
	if tail < 1 {
		tail = 1
	}
	sum := 0.0
	for i := 0; i < tail; i++ {
		sum += sorted[i]
	}
	return sum / float64(tail)
}
