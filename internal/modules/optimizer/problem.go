package optimizer

import (
	"sort"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// bounds is the working copy of the risk configuration the relaxation loop
// mutates. A bound outside its active range disables the constraint.
type bounds struct {
	maxLossProb  float64 // active in (0,1)
	cvarConf     float64 // active in (0,1)
	cvarLimit    float64 // active in (0,1]
	minWinners   float64 // active when > 0
	totalCapital float64
	bucketMax    float64 // active in (0,1)
	sector       map[string]domain.WeightBounds
	stage        map[string]domain.WeightBounds
}

func boundsFromRisk(risk domain.RiskConfig) bounds {
	b := bounds{
		maxLossProb:  risk.MaxLossProbability,
		cvarConf:     risk.CVaRConfidence,
		cvarLimit:    risk.CVaRLimit,
		minWinners:   risk.MinWinners,
		totalCapital: risk.TotalCapital,
		bucketMax:    risk.MaxBucketWeight,
		sector:       make(map[string]domain.WeightBounds, len(risk.SectorBounds)),
		stage:        make(map[string]domain.WeightBounds, len(risk.StageBounds)),
	}
	for k, v := range risk.SectorBounds {
		b.sector[k] = v
	}
	for k, v := range risk.StageBounds {
		b.stage[k] = v
	}
	return b
}

func (b bounds) lossProbActive() bool  { return b.maxLossProb > 0 && b.maxLossProb < 1 }
func (b bounds) cvarActive() bool      { return b.cvarConf > 0 && b.cvarConf < 1 && b.cvarLimit > 0 && b.cvarLimit <= 1 }
func (b bounds) winnersActive() bool   { return b.minWinners > 0 && b.totalCapital > 0 }
func (b bounds) bucketMaxActive() bool { return b.bucketMax > 0 && b.bucketMax < 1 }

// sortedKeys returns map keys in a fixed order so row layout and relaxation
// choices are reproducible.
func sortedKeys(m map[string]domain.WeightBounds) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pass2Params pins the primary objective and switches to minimizing L1
// deviation from the reference allocation.
type pass2Params struct {
	minExpected float64
	ref         []float64
}

// milp is the assembled problem plus its variable layout.
type milp struct {
	prob     *lpProblem
	n, s     int
	offY     int // scenario shortfall y_s, -1 when absent
	offZ     int // loss indicators z_s (binary), -1 when absent
	offU     int // CVaR excess u_s, -1 when absent
	offTau   int // CVaR threshold tau, -1 when absent
	offD     int // pass-2 deviation d_b, -1 when absent
	binaries []int
	means    []float64
}

// buildProblem assembles the normalized formulation over the matrix.
//
// Weights are fractions of capital in [0,1], never currency amounts: the
// loss-shortfall y_s is then itself bounded in [0,1], which is what lets the
// indicator linearization use a Big-M of exactly 1.
func buildProblem(m *scenario.Matrix, b bounds, p2 *pass2Params) *milp {
	n := m.BucketCount()
	s := m.ScenarioCount()

	needY := b.lossProbActive() || b.cvarActive()
	needZ := b.lossProbActive()
	needCVaR := b.cvarActive()
	needD := p2 != nil

	nVars := n
	offY, offZ, offU, offTau, offD := -1, -1, -1, -1, -1
	if needY {
		offY = nVars
		nVars += s
	}
	if needZ {
		offZ = nVars
		nVars += s
	}
	if needCVaR {
		offU = nVars
		nVars += s
		offTau = nVars
		nVars++
	}
	if needD {
		offD = nVars
		nVars += n
	}

	prob := newLPProblem(nVars)

	means := make([]float64, n)
	for bi := 0; bi < n; bi++ {
		sum := 0.0
		for si := 0; si < s; si++ {
			sum += m.Values[bi][si]
		}
		means[bi] = sum / float64(s)
	}

	// Budget: sum of weights is exactly 1.
	budget := make(map[int]float64, n)
	for bi := 0; bi < n; bi++ {
		budget[bi] = 1
	}
	prob.addRow(rowEQ, 1, budget)

	// Shortfall definition: sum_b m[b][s]*w_b + y_s >= 1, so y_s can cover
	// exactly max(0, 1 - M_s).
	if needY {
		for si := 0; si < s; si++ {
			row := make(map[int]float64, n+1)
			for bi := 0; bi < n; bi++ {
				row[bi] = m.Values[bi][si]
			}
			row[offY+si] = 1
			prob.addRow(rowGE, 1, row)
		}
	}

	// Loss indicators: y_s <= z_s with Big-M = 1 (tight: y_s is in [0,1]
	// under normalized weights), z_s <= 1, and the probability cap.
	if needZ {
		for si := 0; si < s; si++ {
			prob.addRow(rowGE, 0, map[int]float64{offZ + si: 1, offY + si: -1})
			prob.addRow(rowLE, 1, map[int]float64{offZ + si: 1})
		}
		capRow := make(map[int]float64, s)
		for si := 0; si < s; si++ {
			capRow[offZ+si] = 1
		}
		prob.addRow(rowLE, b.maxLossProb*float64(s), capRow)
	}

	// CVaR (Rockafellar-Uryasev): u_s >= y_s - tau and
	// tau + (1/((1-c)S)) * sum u_s <= limit.
	if needCVaR {
		for si := 0; si < s; si++ {
			prob.addRow(rowGE, 0, map[int]float64{offU + si: 1, offY + si: -1, offTau: 1})
		}
		tailWeight := 1.0 / ((1 - b.cvarConf) * float64(s))
		cvarRow := make(map[int]float64, s+1)
		for si := 0; si < s; si++ {
			cvarRow[offU+si] = tailWeight
		}
		cvarRow[offTau] = 1
		prob.addRow(rowLE, b.cvarLimit, cvarRow)
	}

	// Expected winners, priced at all-in cost (check + reserves). Using the
	// initial check alone would bias the optimizer toward high-reserve
	// buckets.
	if b.winnersActive() {
		row := make(map[int]float64, n)
		for bi, bucket := range m.Buckets {
			row[bi] = (b.totalCapital / bucket.AllInCost()) * m.WinProbability(bi)
		}
		prob.addRow(rowGE, b.minWinners, row)
	}

	// Diversification.
	if b.bucketMaxActive() {
		for bi := 0; bi < n; bi++ {
			prob.addRow(rowLE, b.bucketMax, map[int]float64{bi: 1})
		}
	}
	addGroupBounds(prob, m, b.sector, func(bp domain.BucketParams) string { return bp.Sector })
	addGroupBounds(prob, m, b.stage, func(bp domain.BucketParams) string { return string(bp.Stage) })

	// Pass 2: pin the primary objective and define the L1 deviations
	// d_b >= |w_b - ref_b| via two rows per bucket.
	if needD {
		pin := make(map[int]float64, n)
		for bi := 0; bi < n; bi++ {
			pin[bi] = means[bi]
		}
		prob.addRow(rowGE, p2.minExpected, pin)

		for bi := 0; bi < n; bi++ {
			prob.addRow(rowGE, p2.ref[bi], map[int]float64{bi: 1, offD + bi: 1})  // w + d >= ref
			prob.addRow(rowLE, p2.ref[bi], map[int]float64{bi: 1, offD + bi: -1}) // w - d <= ref
		}

		devObj := make(map[int]float64, n)
		for bi := 0; bi < n; bi++ {
			devObj[offD+bi] = 1
		}
		prob.setObjective(devObj)
	} else {
		// Pass 1: maximize mean portfolio multiple (minimize its negation).
		obj := make(map[int]float64, n)
		for bi := 0; bi < n; bi++ {
			obj[bi] = -means[bi]
		}
		prob.setObjective(obj)
	}

	var binaries []int
	if needZ {
		binaries = make([]int, s)
		for si := 0; si < s; si++ {
			binaries[si] = offZ + si
		}
	}

	return &milp{
		prob: prob, n: n, s: s,
		offY: offY, offZ: offZ, offU: offU, offTau: offTau, offD: offD,
		binaries: binaries,
		means:    means,
	}
}

func addGroupBounds(prob *lpProblem, m *scenario.Matrix, groups map[string]domain.WeightBounds, keyOf func(domain.BucketParams) string) {
	for _, name := range sortedKeys(groups) {
		wb := groups[name]
		row := make(map[int]float64)
		for bi, bucket := range m.Buckets {
			if keyOf(bucket) == name {
				row[bi] = 1
			}
		}
		if len(row) == 0 {
			continue
		}
		if wb.Min > 0 {
			prob.addRow(rowGE, wb.Min, row)
		}
		if wb.Max > 0 && wb.Max < 1 {
			prob.addRow(rowLE, wb.Max, row)
		}
	}
}
