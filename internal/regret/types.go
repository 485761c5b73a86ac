package regret

import "time"

// #region config
// Config holds the regret bound constant and convergence detector settings.
type Config struct {
	BoundConstant  float64 // c in c*sqrt(K*t*ln(max(t,2)))
	Arms           int     // K; the catalog size
	Window         int     // W: rolling window and hysteresis length
	Epsilon        float64 // convergence threshold on the rolling mean
	MaxCurvePoints int     // report curve downsampling target
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BoundConstant:  1.5,
		Arms:           1,
		Window:         20,
		Epsilon:        0.05,
		MaxCurvePoints: 200,
	}
}

// #endregion config

// #region observation
// Observation is one recorded round. Round is 1-based within its series.
type Observation struct {
	UserID       string    `json:"user_id"`
	Round        int64     `json:"round"`
	GlobalRound  int64     `json:"global_round"`
	Chosen       string    `json:"chosen"`
	Realized     float64   `json:"realized"`
	BestExpected float64   `json:"best_expected"`
	Regret       float64   `json:"regret"`
	Cumulative   float64   `json:"cumulative"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// #endregion observation

// #region report
// Report is the regret analysis of one series.
type Report struct {
	Scope   string `json:"scope"` // "user" or "global"
	UserID  string `json:"user_id,omitempty"`
	HasData bool   `json:"has_data"`
	Message string `json:"message,omitempty"`

	Summary     Summary         `json:"summary"`
	Bound       BoundComparison `json:"theoretical_bound"`
	Convergence Convergence     `json:"convergence"`
	Curve       []Point         `json:"curve"`
}

// Summary aggregates the series.
type Summary struct {
	Rounds     int64   `json:"rounds"`
	Cumulative float64 `json:"cumulative_regret"`
	Average    float64 `json:"average_regret"`
	Last       float64 `json:"last_regret"`
}

// BoundComparison compares empirical regret to the theoretical bound.
type BoundComparison struct {
	Constant    float64 `json:"constant"`
	Arms        int     `json:"arms"`
	Bound       float64 `json:"bound"`
	Ratio       float64 `json:"ratio"`
	WithinBound bool    `json:"within_bound"`
}

// Convergence describes the rolling-window detector.
type Convergence struct {
	Window      int     `json:"window"`
	Epsilon     float64 `json:"epsilon"`
	RollingMean float64 `json:"rolling_mean"`
	Converged   bool    `json:"converged"`
	// ConvergedAt is the first round of the qualifying streak; 0 if never.
	ConvergedAt int64 `json:"converged_at_round"`
}

// Point is one sample of the regret curve.
type Point struct {
	Round      int64   `json:"round"`
	Cumulative float64 `json:"cumulative"`
	Bound      float64 `json:"bound"`
}

// #endregion report
