// Package optimizer solves the capital-allocation problem over a scenario
// matrix: a normalized mixed-integer formulation with a deterministic
// lexicographic constraint-relaxation procedure and a two-pass tie-break.
package optimizer

import (
	"github.com/foliofund/allocator/internal/domain"
)

// SolverName and SolverVersion are reported with every solution so results
// stay auditable across deployments.
const (
	SolverName    = "dense-simplex+bnb"
	SolverVersion = "gonum-0.16"
)

// Numerical tolerances. The budget invariant is checked against WeightTol;
// a binary is considered integral within IntTol.
const (
	WeightTol = 1e-6
	IntTol    = 1e-6
	// TieBreakEpsilon is the relative optimality window pinned in pass 2.
	TieBreakEpsilon = 1e-3
)

// MaxRelaxRounds bounds the lexicographic relaxation loop.
const MaxRelaxRounds = 8

// ConstraintKind is the closed set of relaxable constraint types, ordered
// from most- to least-relaxable. The loss-probability cap is the most sacred
// and is relaxed last.
type ConstraintKind int

const (
	KindExpectedWinnersMin ConstraintKind = iota
	KindBucketMax
	KindSectorMax
	KindSectorMin
	KindStageMax
	KindStageMin
	KindCVaRLimit
	KindLossProbabilityMax
)

func (k ConstraintKind) String() string {
	switch k {
	case KindExpectedWinnersMin:
		return "expected_winners_min"
	case KindBucketMax:
		return "bucket_max"
	case KindSectorMax:
		return "sector_max"
	case KindSectorMin:
		return "sector_min"
	case KindStageMax:
		return "stage_max"
	case KindStageMin:
		return "stage_min"
	case KindCVaRLimit:
		return "cvar_limit"
	case KindLossProbabilityMax:
		return "loss_probability_max"
	default:
		return "unknown"
	}
}

// Direction of a relaxation step: MIN-type bounds decrease, MAX-type bounds
// increase.
type Direction string

const (
	DirectionDecrease Direction = "decrease"
	DirectionIncrease Direction = "increase"
)

// RelaxationStep is one audit-trail entry.
type RelaxationStep struct {
	Round        int       `json:"round"`
	ConstraintID string    `json:"constraintId"`
	Direction    Direction `json:"direction"`
	OldBound     float64   `json:"oldBound"`
	NewBound     float64   `json:"newBound"`
}

// SolverMetadata is persisted alongside the allocation.
type SolverMetadata struct {
	SolverName     string           `json:"solverName"`
	SolverVersion  string           `json:"solverVersion"`
	NodesExplored  int              `json:"nodesExplored"`
	LPSolves       int              `json:"lpSolves"`
	Gap            float64          `json:"gap"`
	RelaxationLog  []RelaxationStep `json:"relaxationLog"`
	RelaxRounds    int              `json:"relaxRounds"`
	TieBreakActive bool             `json:"tieBreakActive"`
}

// Result is the optimizer's output for one session.
type Result struct {
	Weights          []float64
	Allocations      []domain.BucketAllocation
	ExpectedMultiple float64
	Metadata         SolverMetadata
}
