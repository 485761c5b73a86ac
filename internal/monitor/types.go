package monitor

import (
	"time"
)

// #region alert
// Kind distinguishes subgroup bias from temporal drift.
type Kind string

const (
	KindBias  Kind = "bias"
	KindDrift Kind = "drift"
)

// Severity bands an alert's magnitude.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank as none.
func (s Severity) Rank() int {
	switch s {
	case SeverityModerate:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts the lower-case band names.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityModerate, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityNone
	}
}

// Direction of a deviation relative to its reference.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Alert is a bias or drift finding.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	GroupType string    `json:"group_type,omitempty"` // bias: specialty, experience_tier, role, cohort:<study>
	Group     string    `json:"group,omitempty"`
	Metric    string    `json:"metric,omitempty"` // drift: reward or feature:<id>
	Score     float64   `json:"score"`            // bias: deviation; drift: sigma score
	Mean      float64   `json:"mean"`
	Reference float64   `json:"reference"` // bias: overall mean, or the rest of the study for a cohort; drift: baseline mean
	Direction string    `json:"direction"`
	Severity  Severity  `json:"severity"`
	Samples   int       `json:"samples"`
	StudyID   string    `json:"study_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion alert

// #region outcome
// Outcome is one observed reward with the attributes bias checks group by.
type Outcome struct {
	UserID         string
	FeatureID      string
	Reward         float64
	Specialty      string
	Role           string
	ExperienceTier string
	StudyID        string
	Cohort         string // control, canary or shadow when StudyID is set
	At             time.Time
}

// #endregion outcome

// #region config
// Config holds thresholds and window sizes.
type Config struct {
	BiasThreshold  float64       // |group mean - overall mean| that raises a bias alert
	BiasZ          float64       // two-sample z a study cohort needs against the rest of its study
	MinSamples     int           // outcomes a group or window needs before it is judged
	DriftSigma     float64       // moderate band
	HighSigma      float64       // high band
	CriticalSigma  float64       // critical band
	BucketWidth    time.Duration // drift time bucket
	BaselineBucket int           // buckets in the baseline window
	CurrentBucket  int           // buckets in the current window
	MinStd         float64       // floor on the baseline std
	QueueSize      int
	Retention      time.Duration // outcomes older than this are discarded
	RecentAlerts   int           // alerts kept for the dashboard
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BiasThreshold:  0.05,
		BiasZ:          1.96,
		MinSamples:     20,
		DriftSigma:     2,
		HighSigma:      3,
		CriticalSigma:  4,
		BucketWidth:    time.Hour,
		BaselineBucket: 24,
		CurrentBucket:  1,
		MinStd:         0.01,
		QueueSize:      8192,
		Retention:      7 * 24 * time.Hour,
		RecentAlerts:   100,
	}
}

// #endregion config
