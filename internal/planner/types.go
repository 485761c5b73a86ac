package planner

import (
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// #region policy
// Policy parameterizes planning. Studies compare two policies by name.
type Policy struct {
	Name            string  `json:"name" toml:"name" validate:"required"`
	VisibilityFloor float64 `json:"visibility_floor" toml:"visibility_floor" validate:"gte=0,lte=1"` // hide when blended EV < floor and not critical
	Exploration     float64 `json:"exploration" toml:"exploration" validate:"gte=0"`                 // τ: samples from Beta(α/τ, β/τ)
}

// DefaultPolicy is the control policy shipped with the engine.
func DefaultPolicy() Policy {
	return Policy{Name: "thompson-v1", VisibilityFloor: 0.15, Exploration: 1.0}
}

// #endregion policy

// #region source
// Source records how a plan was produced.
type Source string

const (
	SourceBandit Source = "bandit"
	SourceCache  Source = "cache"
	SourceStatic Source = "static"
)

// #endregion source

// #region plan
// Entry is one visible feature in a plan.
type Entry struct {
	FeatureID     string  `json:"id"`
	Position      int     `json:"position"`
	Score         float64 `json:"score"`
	ExpectedValue float64 `json:"expected_value"`
	UsageCount    int64   `json:"usage_count"`
	Critical      bool    `json:"critical,omitempty"`
}

// Plan is a ranked, filtered feature layout for one user.
type Plan struct {
	UserID      string         `json:"user_id"`
	Group       string         `json:"group"`
	Policy      string         `json:"policy"`
	Source      Source         `json:"source"`
	Stage       transfer.Stage `json:"stage,omitempty"`
	Entries     []Entry        `json:"feature_priority"`
	Hidden      []string       `json:"hidden_features"`
	GeneratedAt time.Time      `json:"generated_at"`

	// BestExpected is the highest blended expected value over every
	// candidate, hidden ones included. Regret uses it as the round's oracle.
	BestExpected float64 `json:"best_expected_value"`
}

// Positions maps feature id to position; hidden features are absent.
func (p Plan) Positions() map[string]int {
	out := make(map[string]int, len(p.Entries))
	for _, e := range p.Entries {
		out[e.FeatureID] = e.Position
	}
	return out
}

// #endregion plan

// #region request
// Request is one planning call.
type Request struct {
	User       identity.User
	Candidates []catalog.Feature
	Policy     Policy
	Group      string
}

// #endregion request
