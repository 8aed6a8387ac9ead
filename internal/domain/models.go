// Package domain holds the shared value types and error taxonomy used across
// the allocator's modules. Everything here is plain data: no I/O, no logging.
package domain

// Stage identifies an investment stage within the fund taxonomy.
type Stage string

const (
	StageSeed    Stage = "seed"
	StageSeriesA Stage = "series_a"
	StageSeriesB Stage = "series_b"
	StageSeriesC Stage = "series_c"
)

// MacroRegime labels the macro environment drawn for a scenario.
type MacroRegime string

const (
	RegimeBoom      MacroRegime = "boom"
	RegimeBase      MacroRegime = "base"
	RegimeRecession MacroRegime = "recession"
)

// BucketParams describes one (sector, stage) allocation bucket. Immutable once
// it becomes part of a matrix cache key.
type BucketParams struct {
	ID               string  `json:"id"`
	Sector           string  `json:"sector"`
	Stage            Stage   `json:"stage"`
	MedianMultiple   float64 `json:"medianMultiple"`
	P90Multiple      float64 `json:"p90Multiple"`
	ReserveRatio     float64 `json:"reserveRatio"`
	InitialCheck     float64 `json:"initialCheck"`
	CheckVariance    float64 `json:"checkVariance"`
	RoundsToExit     float64 `json:"roundsToExit"`
	SectorRiskMult   float64 `json:"sectorRiskMult"`
	SectorReturnMult float64 `json:"sectorReturnMult"`
}

// AllInCost is the fully-reserved cost of one deal in this bucket. The
// expected-winners constraint must use this, not the initial check alone,
// or the optimizer drifts toward high-reserve buckets.
func (b BucketParams) AllInCost() float64 {
	return b.InitialCheck * (1 + b.ReserveRatio)
}

// RegimeProbabilities is the categorical distribution macro regimes are drawn
// from. The three probabilities are expected to sum to 1.
type RegimeProbabilities struct {
	Boom      float64 `json:"boom" yaml:"boom"`
	Base      float64 `json:"base" yaml:"base"`
	Recession float64 `json:"recession" yaml:"recession"`
}

// ShockRange bounds a shock draw. Canonicalization swaps inverted ranges.
type ShockRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// RecyclingConfig controls same-bucket recycling of winner proceeds.
// Cross-bucket recycling is unsupported by design: it would break the
// additivity the linear objective depends on.
type RecyclingConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	Utilization     float64 `json:"utilization" yaml:"utilization"`
	CashMultiple    float64 `json:"cashMultiple" yaml:"cashMultiple"`
	MaxRecycleDeals int     `json:"maxRecycleDeals" yaml:"maxRecycleDeals"`
}

// Canonical returns the canonical form of the recycling config. Disabled
// configs normalize to an explicit no-op so functionally-equivalent configs
// hash to the same matrix key.
func (r RecyclingConfig) Canonical() RecyclingConfig {
	if !r.Enabled {
		return RecyclingConfig{Enabled: false, Utilization: 0, CashMultiple: 1, MaxRecycleDeals: 0}
	}
	return r
}

// ScenarioConfig holds every generator input other than the buckets and seed.
type ScenarioConfig struct {
	Regimes                 RegimeProbabilities `json:"regimes" yaml:"regimes"`
	RegimeShockRange        ShockRange          `json:"regimeShockRange" yaml:"regimeShockRange"`
	SystematicShockRange    ShockRange          `json:"systematicShockRange" yaml:"systematicShockRange"`
	IdiosyncraticShockRange ShockRange          `json:"idiosyncraticShockRange" yaml:"idiosyncraticShockRange"`
	SystematicWeight        float64             `json:"systematicWeight" yaml:"systematicWeight"`
	IdiosyncraticWeight     float64             `json:"idiosyncraticWeight" yaml:"idiosyncraticWeight"`
	Recycling               RecyclingConfig     `json:"recycling" yaml:"recycling"`
	ScenarioCount           int                 `json:"scenarioCount" yaml:"scenarioCount"`
}

// WeightBounds is a min/max pair over a weight sum.
type WeightBounds struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// RiskConfig holds the optimizer's risk thresholds and diversification bounds.
// CVaRLimit is a fraction of committed capital in [0,1], not a currency value.
type RiskConfig struct {
	MaxLossProbability float64                 `json:"maxLossProbability" yaml:"maxLossProbability"`
	CVaRConfidence     float64                 `json:"cvarConfidence" yaml:"cvarConfidence"`
	CVaRLimit          float64                 `json:"cvarLimit" yaml:"cvarLimit"`
	MinWinners         float64                 `json:"minWinners" yaml:"minWinners"`
	TotalCapital       float64                 `json:"totalCapital" yaml:"totalCapital"`
	MaxBucketWeight    float64                 `json:"maxBucketWeight" yaml:"maxBucketWeight"`
	SectorBounds       map[string]WeightBounds `json:"sectorBounds" yaml:"sectorBounds"`
	StageBounds        map[string]WeightBounds `json:"stageBounds" yaml:"stageBounds"`
}

// SessionConfig is the frozen, already-validated configuration the API layer
// hands to the core. The core consumes it as-is and never re-validates it
// beyond the generator's own structural preconditions.
type SessionConfig struct {
	FundID          string         `json:"fundId" yaml:"fundId"`
	TaxonomyVersion string         `json:"taxonomyVersion" yaml:"taxonomyVersion"`
	Buckets         []BucketParams `json:"buckets" yaml:"buckets"`
	Scenario        ScenarioConfig `json:"scenario" yaml:"scenario"`
	Risk            RiskConfig     `json:"risk" yaml:"risk"`
}

// BucketAllocation is one row of optimizer output.
type BucketAllocation struct {
	BucketID string  `json:"bucketId"`
	Weight   float64 `json:"weight"`
	Amount   float64 `json:"amount"`
	Sector   string  `json:"sector"`
	Stage    Stage   `json:"stage"`
}

// ValidationMetrics is the result of the external greedy validator, persisted
// verbatim; the core treats the validator as a black box.
type ValidationMetrics struct {
	MaxLossViolation    float64 `json:"maxLossViolation"`
	CVaRViolation       float64 `json:"cvarViolation"`
	WinnerCountViolation float64 `json:"winnerCountViolation"`
	Feasible            bool    `json:"feasible"`
	ReferenceObjective  float64 `json:"referenceObjective"`
}
