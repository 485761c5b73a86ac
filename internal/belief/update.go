package belief

import (
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
)

// #region update-function
// Apply is the pure conjugate update: it returns the posterior after one
// reward r in [0,1]. Binary features add fractional pseudo-counts; continuous
// features run an exponentially forgetting Gaussian update so old evidence
// cannot dominate forever.
func Apply(b Belief, r float64, cfg UpdateConfig, now time.Time) Belief {
	r = clamp01(r)

	switch b.Kind {
	case catalog.RewardContinuous:
		lambda := cfg.Forgetting
		if lambda <= 0 || lambda > 1 {
			lambda = 1
		}
		b.Weight = lambda*b.Weight + 1
		delta := r - b.Mean
		b.Mean += delta / b.Weight
		b.SumSq = lambda*b.SumSq + delta*(r-b.Mean)
		b.Variance = math.Max(b.SumSq/b.Weight, cfg.MinVariance)
	default:
		b.Alpha += r
		b.Beta += 1 - r
	}

	// Guard the invariant against corrupted seeds.
	if b.Alpha <= 0 {
		b.Alpha = math.SmallestNonzeroFloat64
	}
	if b.Beta <= 0 {
		b.Beta = math.SmallestNonzeroFloat64
	}

	b.Interactions++
	b.UpdatedAt = now.UTC()
	return b
}

// #endregion update-function
