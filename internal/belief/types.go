package belief

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// #region key
// Key is the composite (user, feature) arena key.
type Key struct {
	UserID    string
	FeatureID string
}

func (k Key) String() string { return k.UserID + "/" + k.FeatureID }

// #endregion key

// #region belief
// Belief is the posterior for one (user, feature) pair. Binary features learn
// a Beta(Alpha, Beta); continuous features learn a forgetting Gaussian over
// the mean reward. Both families keep Alpha, Beta > 0.
type Belief struct {
	Key
	Kind catalog.RewardKind

	Alpha float64
	Beta  float64

	Mean     float64 // Gaussian: running mean reward
	Variance float64 // Gaussian: reward variance estimate
	Weight   float64 // Gaussian: effective sample size after forgetting
	SumSq    float64 // Gaussian: weighted sum of squared deviations

	Interactions int64
	UpdatedAt    time.Time
}

// ExpectedValue is the posterior mean, always within [0,1].
func (b Belief) ExpectedValue() float64 {
	if b.Kind == catalog.RewardContinuous {
		return clamp01(b.Mean)
	}
	if b.Alpha <= 0 || b.Beta <= 0 {
		return 0.5
	}
	return b.Alpha / (b.Alpha + b.Beta)
}

// #endregion belief

// #region observation
// Observation is one behavioral signal. Exactly one of Outcome or Reward
// must be set: Outcome for accept/ignore, Reward for continuous signals
// normalized to [0,1].
type Observation struct {
	Outcome *bool
	Reward  *float64
}

// ErrInvalidObservation is returned when an observation carries both or
// neither of outcome and reward.
var ErrInvalidObservation = errors.New("invalid observation")

// Value converts the observation into a reward in [0,1].
func (o Observation) Value() (float64, error) {
	switch {
	case o.Outcome != nil && o.Reward != nil:
		return 0, fmt.Errorf("%w: both outcome and reward set", ErrInvalidObservation)
	case o.Outcome != nil:
		if *o.Outcome {
			return 1, nil
		}
		return 0, nil
	case o.Reward != nil:
		return clamp01(*o.Reward), nil
	default:
		return 0, fmt.Errorf("%w: neither outcome nor reward set", ErrInvalidObservation)
	}
}

// Binary is a convenience constructor for accept/ignore observations.
func Binary(accepted bool) Observation { return Observation{Outcome: &accepted} }

// Continuous is a convenience constructor for reward observations.
func Continuous(r float64) Observation { return Observation{Reward: &r} }

// #endregion observation

// #region update-config
// UpdateConfig holds the learning parameters of the store.
type UpdateConfig struct {
	Forgetting  float64 // Gaussian forgetting factor λ in (0,1]; 1 = no forgetting
	MinVariance float64 // floor on the Gaussian reward variance
}

// DefaultUpdateConfig returns the production defaults.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		Forgetting:  0.98,
		MinVariance: 0.01,
	}
}

// #endregion update-config

// #region seeder
// Seeder supplies the initial belief for a pair that has never been observed.
type Seeder interface {
	Seed(user identity.User, f catalog.Feature) Belief
}

// UniformSeeder seeds Beta(1,1) and an uninformative Gaussian at 0.5.
type UniformSeeder struct{}

func (UniformSeeder) Seed(user identity.User, f catalog.Feature) Belief {
	return Belief{
		Key:      Key{UserID: user.ID, FeatureID: f.ID},
		Kind:     f.Reward,
		Alpha:    1,
		Beta:     1,
		Mean:     0.5,
		Variance: 1.0 / 12,
		Weight:   1,
	}
}

// #endregion seeder

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
