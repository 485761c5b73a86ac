package transfer

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// #region blender
// Blender turns population profiles into priors and decides how much each
// user's plan should rely on them. Profiles are swapped atomically by the
// batch aggregator and only read while planning.
type Blender struct {
	config   Config
	profiles atomic.Pointer[ProfileSet]
}

// NewBlender creates a blender with an empty profile set.
func NewBlender(config Config) *Blender {
	b := &Blender{config: config}
	empty := ProfileSet{}
	b.profiles.Store(&empty)
	return b
}

// Config returns the active configuration.
func (b *Blender) Config() Config { return b.config }

// SetProfiles installs a new profile snapshot.
func (b *Blender) SetProfiles(set ProfileSet) {
	if set == nil {
		set = ProfileSet{}
	}
	b.profiles.Store(&set)
}

// Profiles returns the current snapshot. Callers must not mutate it.
func (b *Blender) Profiles() ProfileSet { return *b.profiles.Load() }

// #endregion blender

// #region stage
// Blend computes stage and weights. interactions is the user's total
// observation count and only matters for the interactions basis.
func (b *Blender) Blend(user identity.User, interactions int64, now time.Time) Blend {
	days := user.ExperienceDays(now)
	experience := float64(days)
	if b.config.Basis == BasisInteractions {
		experience = float64(interactions)
	}

	t1, t2 := b.config.WarmThreshold, b.config.PersonalizedThreshold
	cold, personal := b.config.ColdPriorWeight, b.config.PersonalizedPriorWeight

	out := Blend{Experience: experience, ExperienceDays: days}
	switch {
	case experience < t1:
		out.Stage = StageColdStart
		out.PriorWeight = cold
	case experience >= t2:
		out.Stage = StagePersonalized
		out.PriorWeight = personal
	default:
		out.Stage = StageWarmStart
		frac := 0.0
		if t2 > t1 {
			frac = (experience - t1) / (t2 - t1)
		}
		out.PriorWeight = cold + (personal-cold)*frac
	}
	out.PriorWeight = clamp01(out.PriorWeight)
	out.PersonalWeight = 1 - out.PriorWeight
	return out
}

// #endregion stage

// #region prior-for
// PriorFor falls back from the specialty profile to the global profile to a
// uniform Beta(1,1). It never fails.
func (b *Blender) PriorFor(specialty, featureID string) Prior {
	set := b.Profiles()
	if specialty != "" && specialty != GlobalProfile {
		if p, ok := set[specialty]; ok {
			if fp, ok := p.Features[featureID]; ok && fp.Alpha > 0 && fp.Beta > 0 {
				return Prior{Alpha: fp.Alpha, Beta: fp.Beta, Source: "specialty:" + specialty}
			}
		}
	}
	if p, ok := set[GlobalProfile]; ok {
		if fp, ok := p.Features[featureID]; ok && fp.Alpha > 0 && fp.Beta > 0 {
			return Prior{Alpha: fp.Alpha, Beta: fp.Beta, Source: GlobalProfile}
		}
	}
	return UniformPrior()
}

// Seed implements belief.Seeder: a new belief starts at the prior's mean
// carrying SeedStrength pseudo-observations.
func (b *Blender) Seed(user identity.User, f catalog.Feature) belief.Belief {
	prior := b.PriorFor(user.Specialty, f.ID)
	m := clampOpen(prior.ExpectedValue())
	strength := b.config.SeedStrength
	if strength <= 0 {
		strength = 2
	}
	return belief.Belief{
		Key:      belief.Key{UserID: user.ID, FeatureID: f.ID},
		Kind:     f.Reward,
		Alpha:    m * strength,
		Beta:     (1 - m) * strength,
		Mean:     m,
		Variance: m * (1 - m),
		Weight:   strength,
	}
}

// #endregion prior-for

// #region blended
// BlendedEV is priorWeight*priorEV + personalWeight*personalEV. Without a
// personal belief the prior carries the full weight.
func BlendedEV(bl Blend, prior Prior, personal belief.Belief, hasPersonal bool) float64 {
	if !hasPersonal {
		return prior.ExpectedValue()
	}
	return bl.PriorWeight*prior.ExpectedValue() + bl.PersonalWeight*personal.ExpectedValue()
}

// Sample draws from the mixture of prior and personal posterior. The
// mixture's mean equals BlendedEV.
func Sample(bl Blend, prior Prior, personal belief.Belief, hasPersonal bool, src rand.Source, exploration float64) float64 {
	if !hasPersonal || rand.New(src).Float64() < bl.PriorWeight {
		return belief.SampleBeta(prior.Alpha, prior.Beta, src, exploration)
	}
	return personal.Sample(src, exploration)
}

// #endregion blended

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// clampOpen keeps a mean strictly inside (0,1) so derived Beta params stay positive.
func clampOpen(x float64) float64 {
	if x < 0.01 {
		return 0.01
	}
	if x > 0.99 {
		return 0.99
	}
	return x
}
