package testing

import (
	"github.com/foliofund/allocator/internal/domain"
)

// TwoBucketConfig is a small, well-formed session config used across
// packages. Bucket "alpha" dominates "beta" on expected multiple.
func TwoBucketConfig() domain.SessionConfig {
	return domain.SessionConfig{
		FundID:          "fund-1",
		TaxonomyVersion: "v1",
		Buckets: []domain.BucketParams{
			{
				ID:               "alpha",
				Sector:           "infra",
				Stage:            domain.StageSeed,
				InitialCheck:     1_000_000,
				ReserveRatio:     0.5,
				MedianMultiple:   3.0,
				P90Multiple:      10.0,
				SectorReturnMult: 1.0,
				SectorRiskMult:   0.5,
			},
			{
				ID:               "beta",
				Sector:           "consumer",
				Stage:            domain.StageSeriesA,
				InitialCheck:     2_000_000,
				ReserveRatio:     0.25,
				MedianMultiple:   1.5,
				P90Multiple:      3.0,
				SectorReturnMult: 1.0,
				SectorRiskMult:   0.5,
			},
		},
		Scenario: DefaultScenarioConfig(),
		Risk: domain.RiskConfig{
			TotalCapital: 50_000_000,
		},
	}
}

// DefaultScenarioConfig is a small scenario configuration that keeps test
// matrices quick to generate.
func DefaultScenarioConfig() domain.ScenarioConfig {
	return domain.ScenarioConfig{
		Regimes: domain.RegimeProbabilities{
			Boom:      0.25,
			Base:      0.5,
			Recession: 0.25,
		},
		RegimeShockRange:        domain.ShockRange{Min: -1, Max: 1},
		SystematicShockRange:    domain.ShockRange{Min: -0.5, Max: 0.5},
		IdiosyncraticShockRange: domain.ShockRange{Min: -0.5, Max: 0.5},
		SystematicWeight:        0.3,
		IdiosyncraticWeight:     0.3,
		Recycling:               domain.RecyclingConfig{},
		ScenarioCount:           200,
	}
}
