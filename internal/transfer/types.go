package transfer

import "time"

// #region stage
// Stage names how much a user's plan still leans on population priors.
type Stage string

const (
	StageColdStart    Stage = "cold_start"
	StageWarmStart    Stage = "warm_start"
	StagePersonalized Stage = "personalized"
)

// rank orders stages so callers can assert forward-only movement.
func (s Stage) rank() int {
	switch s {
	case StageWarmStart:
		return 1
	case StagePersonalized:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is at or beyond other.
func (s Stage) AtLeast(other Stage) bool { return s.rank() >= other.rank() }

// #endregion stage

// #region config
// Basis selects how experience is measured.
type Basis string

const (
	BasisDays         Basis = "days"
	BasisInteractions Basis = "interactions"
)

// Config holds transfer-learning thresholds and strengths.
type Config struct {
	Basis                   Basis
	WarmThreshold           float64 // T1
	PersonalizedThreshold   float64 // T2
	ColdPriorWeight         float64 // prior weight below T1
	PersonalizedPriorWeight float64 // prior weight at or above T2
	SeedStrength            float64 // pseudo-observations a new belief inherits from its prior
	ProfileStrength         float64 // pseudo-observations of an aggregated profile entry
	MinUsers                int     // graduated users required before a profile entry exists
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Basis:                   BasisDays,
		WarmThreshold:           7,
		PersonalizedThreshold:   30,
		ColdPriorWeight:         1.0,
		PersonalizedPriorWeight: 0.0,
		SeedStrength:            2,
		ProfileStrength:         10,
		MinUsers:                3,
	}
}

// #endregion config

// #region prior
// GlobalProfile is the profile key used when no specialty profile applies.
const GlobalProfile = "global"

// Prior is a Beta belief estimate supplied by the population.
type Prior struct {
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Source string  `json:"source"` // "specialty:<name>", "global" or "uniform"
}

// ExpectedValue is the prior mean.
func (p Prior) ExpectedValue() float64 {
	if p.Alpha <= 0 || p.Beta <= 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// UniformPrior is the last-resort Beta(1,1).
func UniformPrior() Prior { return Prior{Alpha: 1, Beta: 1, Source: "uniform"} }

// FeaturePrior is one aggregated profile entry.
type FeaturePrior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Users int     `json:"users"`
}

// Profile is the aggregated prior for one specialty (or global).
type Profile struct {
	Key       string                  `json:"key"`
	Features  map[string]FeaturePrior `json:"features"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// ProfileSet is an immutable snapshot of every profile, keyed by profile key.
type ProfileSet map[string]Profile

// #endregion prior

// #region blend
// Blend is the transfer-learning position of one user at one instant.
type Blend struct {
	Stage          Stage   `json:"stage"`
	Experience     float64 `json:"experience"`
	ExperienceDays int     `json:"experience_days"`
	PriorWeight    float64 `json:"prior_weight"`
	PersonalWeight float64 `json:"personal_weight"`
}

// #endregion blend
