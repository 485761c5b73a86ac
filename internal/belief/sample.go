package belief

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
)

// Sample draws one Thompson sample from the posterior. exploration > 1
// widens the distribution without moving its mean; values <= 0 mean 1.
func (b Belief) Sample(src rand.Source, exploration float64) float64 {
	if exploration <= 0 {
		exploration = 1
	}
	if b.Kind == catalog.RewardContinuous {
		weight := b.Weight
		if weight <= 0 {
			weight = 1
		}
		sigma := math.Sqrt(math.Max(b.Variance, 1e-6)/weight) * math.Sqrt(exploration)
		return clamp01(distuv.Normal{Mu: b.Mean, Sigma: sigma, Src: src}.Rand())
	}
	return SampleBeta(b.Alpha, b.Beta, src, exploration)
}

// SampleBeta draws from Beta(alpha/exploration, beta/exploration).
func SampleBeta(alpha, beta float64, src rand.Source, exploration float64) float64 {
	if exploration <= 0 {
		exploration = 1
	}
	if alpha <= 0 || beta <= 0 {
		return 0.5
	}
	return distuv.Beta{Alpha: alpha / exploration, Beta: beta / exploration, Src: src}.Rand()
}
