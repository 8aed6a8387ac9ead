// Package scenario generates correlated per-bucket outcome matrices for the
// optimizer. Generation is a pure function of (bucket params, config, seed):
// no I/O, no clock reads, and a fixed draw order, so identical inputs produce
// bit-identical matrices on any machine.
package scenario

import (
	"github.com/foliofund/allocator/internal/domain"
)

// AlgorithmVersion is part of every matrix cache key. Bump it whenever a
// change to the generator alters output for unchanged inputs.
const AlgorithmVersion = 3

// ScenarioState captures the scenario-level draw. Per-bucket systematic and
// idiosyncratic shocks are consumed during generation and are not persisted
// independently of the matrix they produced.
type ScenarioState struct {
	Index       int                `json:"index"`
	Regime      domain.MacroRegime `json:"regime"`
	RegimeShock float64            `json:"regimeShock"`
}

// Matrix is the generated artifact: a dense bucketCount x scenarioCount table
// of outcome multiples plus the bucket and scenario lists that index it.
// Values are quantized to float32 precision at generation time so the stored
// representation and the in-memory one never diverge.
type Matrix struct {
	Buckets   []domain.BucketParams
	Scenarios []ScenarioState
	Values    [][]float64 // [bucket][scenario]
}

// BucketCount returns the number of bucket rows.
func (m *Matrix) BucketCount() int { return len(m.Buckets) }

// ScenarioCount returns the number of scenario columns.
func (m *Matrix) ScenarioCount() int { return len(m.Scenarios) }

// Row returns the outcome multiples of one bucket across all scenarios.
func (m *Matrix) Row(bucket int) []float64 { return m.Values[bucket] }

// WinProbability returns the empirical fraction of scenarios in which the
// bucket returned more than 1x. The optimizer's expected-winners constraint
// consumes this.
func (m *Matrix) WinProbability(bucket int) float64 {
	row := m.Values[bucket]
	if len(row) == 0 {
		return 0
	}
	wins := 0
	for _, v := range row {
		if v > 1 {
			wins++
		}
	}
	return float64(wins) / float64(len(row))
}
