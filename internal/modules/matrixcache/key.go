// Package matrixcache owns the canonical matrix key and the two-tier
// (hot + durable) cache of generated scenario matrices.
package matrixcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// canonicalBucket mirrors domain.BucketParams with all floats rounded to six
// decimals. Field order is the serialization order, so it must not change
// without bumping the generator's AlgorithmVersion.
type canonicalBucket struct {
	ID               string  `json:"id"`
	Sector           string  `json:"sector"`
	Stage            string  `json:"stage"`
	MedianMultiple   float64 `json:"medianMultiple"`
	P90Multiple      float64 `json:"p90Multiple"`
	ReserveRatio     float64 `json:"reserveRatio"`
	InitialCheck     float64 `json:"initialCheck"`
	CheckVariance    float64 `json:"checkVariance"`
	RoundsToExit     float64 `json:"roundsToExit"`
	SectorRiskMult   float64 `json:"sectorRiskMult"`
	SectorReturnMult float64 `json:"sectorReturnMult"`
}

type canonicalRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type canonicalRecycling struct {
	Enabled         bool    `json:"enabled"`
	Utilization     float64 `json:"utilization"`
	CashMultiple    float64 `json:"cashMultiple"`
	MaxRecycleDeals int     `json:"maxRecycleDeals"`
}

type canonicalKeyInput struct {
	FundID           string             `json:"fundId"`
	TaxonomyVersion  string             `json:"taxonomyVersion"`
	AlgorithmVersion int                `json:"algorithmVersion"`
	Buckets          []canonicalBucket  `json:"buckets"`
	Regimes          [3]float64         `json:"regimes"` // boom, base, recession
	RegimeShock      canonicalRange     `json:"regimeShock"`
	SystematicShock  canonicalRange     `json:"systematicShock"`
	IdioShock        canonicalRange     `json:"idioShock"`
	SystematicWeight float64            `json:"systematicWeight"`
	IdioWeight       float64            `json:"idioWeight"`
	Recycling        canonicalRecycling `json:"recycling"`
	ScenarioCount    int                `json:"scenarioCount"`
}

// round6 rounds to six decimal places; float noise beyond that must not
// change the key.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func canonicalizeRange(r domain.ShockRange) canonicalRange {
	lo, hi := round6(r.Min), round6(r.Max)
	if lo > hi {
		lo, hi = hi, lo
	}
	return canonicalRange{Min: lo, Max: hi}
}

// CanonicalKeyInput normalizes every matrix-affecting factor of the config:
// floats rounded to six decimals, buckets sorted by id, inverted ranges
// swapped and disabled recycling reduced to the canonical no-op.
func CanonicalKeyInput(cfg domain.SessionConfig) canonicalKeyInput {
	buckets := make([]canonicalBucket, len(cfg.Buckets))
	for i, b := range cfg.Buckets {
		buckets[i] = canonicalBucket{
			ID:               b.ID,
			Sector:           b.Sector,
			Stage:            string(b.Stage),
			MedianMultiple:   round6(b.MedianMultiple),
			P90Multiple:      round6(b.P90Multiple),
			ReserveRatio:     round6(b.ReserveRatio),
			InitialCheck:     round6(b.InitialCheck),
			CheckVariance:    round6(b.CheckVariance),
			RoundsToExit:     round6(b.RoundsToExit),
			SectorRiskMult:   round6(b.SectorRiskMult),
			SectorReturnMult: round6(b.SectorReturnMult),
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })

	rec := cfg.Scenario.Recycling.Canonical()

	return canonicalKeyInput{
		FundID:           cfg.FundID,
		TaxonomyVersion:  cfg.TaxonomyVersion,
		AlgorithmVersion: scenario.AlgorithmVersion,
		Buckets:          buckets,
		Regimes: [3]float64{
			round6(cfg.Scenario.Regimes.Boom),
			round6(cfg.Scenario.Regimes.Base),
			round6(cfg.Scenario.Regimes.Recession),
		},
		RegimeShock:      canonicalizeRange(cfg.Scenario.RegimeShockRange),
		SystematicShock:  canonicalizeRange(cfg.Scenario.SystematicShockRange),
		IdioShock:        canonicalizeRange(cfg.Scenario.IdiosyncraticShockRange),
		SystematicWeight: round6(cfg.Scenario.SystematicWeight),
		IdioWeight:       round6(cfg.Scenario.IdiosyncraticWeight),
		Recycling: canonicalRecycling{
			Enabled:         rec.Enabled,
			Utilization:     round6(rec.Utilization),
			CashMultiple:    round6(rec.CashMultiple),
			MaxRecycleDeals: rec.MaxRecycleDeals,
		},
		ScenarioCount: cfg.Scenario.ScenarioCount,
	}
}

// CanonicalKey hashes the normalized key input with SHA-256 and returns the
// hex digest. Semantically-equivalent configs hash identically; any
// matrix-affecting difference produces a different key.
func CanonicalKey(cfg domain.SessionConfig) (string, error) {
	input := CanonicalKeyInput(cfg)
	// Struct marshaling emits fields in declaration order, so the encoding
	// is already canonical; rounding above makes equal values equal text.
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize canonical key input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SeedFromKey derives the generator's 32-bit seed from the first 4 bytes of
// the key digest (big-endian).
func SeedFromKey(key string) (uint32, error) {
	if len(key) < 8 {
		return 0, fmt.Errorf("matrix key too short: %q", key)
	}
	raw, err := hex.DecodeString(key[:8])
	if err != nil {
		return 0, fmt.Errorf("failed to decode matrix key prefix: %w", err)
	}
	return uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]), nil
}
