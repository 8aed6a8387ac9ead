package scenario

import (
	"math/rand"

	"github.com/foliofund/allocator/internal/domain"
)

// recycleProceeds reinvests a winner's proceeds into additional draws from
// the same bucket. Same-bucket only: reinvesting across buckets would make a
// bucket's outcome depend on other buckets' weights and break the additivity
// the linear objective relies on.
//
// The recyclable base is the configured utilization of proceeds above 1x,
// capped at the cash multiple. Each follow-on deal gets half the remaining
// base, so deal d carries weight base/2^(d+1) and the series stays bounded
// by the base regardless of maxRecycleDeals.
func recycleProceeds(rng *rand.Rand, cfg domain.ScenarioConfig, fit paretoFit, xmin, blend, x float64) float64 {
	r := cfg.Recycling
	if !r.Enabled || x <= 1 || r.MaxRecycleDeals == 0 {
		return x
	}

	proceeds := x
	if proceeds > r.CashMultiple {
		proceeds = r.CashMultiple
	}
	base := r.Utilization * (proceeds - 1)
	if base <= 0 {
		return x
	}

	weight := base / 2
	for d := 0; d < r.MaxRecycleDeals; d++ {
		extra := samplePareto(rng, fit, xmin) * blend
		if extra < 0 {
			extra = 0
		}
		// Net effect on the portfolio multiple of the recycled fraction.
		x += weight * (extra - 1)
		weight /= 2
	}

	if x < 0 {
		x = 0
	}
	return x
}
