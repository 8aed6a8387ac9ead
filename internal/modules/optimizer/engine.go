package optimizer

import (
	"errors"
	"math"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// Engine solves the allocation problem for one matrix + risk configuration.
// Solves are single-threaded and free of randomness; the same inputs always
// produce the same allocation, relaxation log and node counts.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates an optimization engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "optimizer").Logger()}
}

// Solve runs the full procedure: two-pass MILP solve, with lexicographic
// constraint relaxation between attempts when the problem is infeasible.
func (e *Engine) Solve(m *scenario.Matrix, risk domain.RiskConfig) (*Result, error) {
	if m.BucketCount() == 0 || m.ScenarioCount() == 0 {
		return nil, &domain.ValidationError{Field: "matrix", Reason: "empty scenario matrix"}
	}

	st := newRelaxationState(risk)
	stats := &bnbStats{}

	for round := 0; ; round++ {
		res, err := e.solveTwoPass(m, st.current(), risk.TotalCapital, stats)
		if err == nil {
			res.Metadata.RelaxationLog = st.log
			res.Metadata.RelaxRounds = round
			e.log.Info().
				Int("relax_rounds", round).
				Int("nodes", res.Metadata.NodesExplored).
				Float64("expected_multiple", res.ExpectedMultiple).
				Msg("Optimization solved")
			return res, nil
		}

		if !errors.Is(err, errInfeasibleLP) {
			return nil, &domain.SolverError{Phase: "milp", Err: err}
		}

		if round >= MaxRelaxRounds {
			return nil, &domain.InfeasibleError{
				Rounds:        round,
				LastRelaxed:   st.lastRelaxed(),
				RemainingGaps: "feasible region still empty at the final relaxation state",
			}
		}

		relaxed, rerr := st.relaxNext(m, round+1)
		if rerr != nil {
			return nil, &domain.SolverError{Phase: "relaxation", Err: rerr}
		}
		if !relaxed {
			return nil, &domain.InfeasibleError{Rounds: round, LastRelaxed: st.lastRelaxed()}
		}

		last := st.log[len(st.log)-1]
		e.log.Warn().
			Int("round", round+1).
			Str("constraint", last.ConstraintID).
			Float64("old_bound", last.OldBound).
			Float64("new_bound", last.NewBound).
			Msg("Problem infeasible, relaxed constraint")
	}
}

// solveTwoPass maximizes E[M] (pass 1), then re-solves inside the epsilon
// optimality window minimizing L1 deviation from the uniform reference
// allocation (pass 2). Pass 2 makes the answer unique among tied optima;
// without it the chosen corner would be solver-internal and unreproducible.
func (e *Engine) solveTwoPass(m *scenario.Matrix, b bounds, totalCapital float64, stats *bnbStats) (*Result, error) {
	n := m.BucketCount()

	model1 := buildProblem(m, b, nil)
	_, obj1, err := solveMILP(model1, stats)
	if err != nil {
		return nil, err
	}
	optimum := -obj1 // pass 1 minimizes the negated mean multiple

	ref := make([]float64, n)
	for i := range ref {
		ref[i] = 1.0 / float64(n)
	}
	p2 := &pass2Params{
		minExpected: optimum * (1 - TieBreakEpsilon),
		ref:         ref,
	}

	model2 := buildProblem(m, b, p2)
	x2, _, err := solveMILP(model2, stats)
	if err != nil {
		// Pass 1's solution is feasible for pass 2 by construction, so an
		// infeasible pass 2 is a numerical failure, not a modeling one.
		return nil, err
	}

	weights := normalizeWeights(x2[:n])

	expected := 0.0
	allocations := make([]domain.BucketAllocation, n)
	for bi, bucket := range m.Buckets {
		expected += model2.means[bi] * weights[bi]
		allocations[bi] = domain.BucketAllocation{
			BucketID: bucket.ID,
			Weight:   weights[bi],
			Amount:   weights[bi] * totalCapital,
			Sector:   bucket.Sector,
			Stage:    bucket.Stage,
		}
	}

	return &Result{
		Weights:          weights,
		Allocations:      allocations,
		ExpectedMultiple: expected,
		Metadata: SolverMetadata{
			SolverName:     SolverName,
			SolverVersion:  SolverVersion,
			NodesExplored:  stats.nodes,
			LPSolves:       stats.lpSolves,
			Gap:            stats.gap,
			TieBreakActive: true,
		},
	}, nil
}

// normalizeWeights clamps numerical noise and restores the exact budget sum.
func normalizeWeights(w []float64) []float64 {
	out := make([]float64, len(w))
	sum := 0.0
	for i, v := range w {
		if v < 0 {
			v = 0
		}
		out[i] = v
		sum += v
	}
	if sum > 0 && math.Abs(sum-1) > 1e-12 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}
