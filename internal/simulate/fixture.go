package simulate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
)

// #region scenario-types

// Scenario is the top-level JSON structure of a simulation fixture: a
// K-armed Bernoulli problem replayed through the full engine.
type Scenario struct {
	Description string       `json:"description"`
	Arms        []Arm        `json:"arms" validate:"min=2,dive"`
	Rounds      int          `json:"rounds" validate:"gte=1"`
	Runs        int          `json:"runs" validate:"gte=1"`
	Seed        uint64       `json:"seed"`
	Expect      Expectations `json:"expect"`
}

// Arm is one feature with its true click probability.
type Arm struct {
	ID          string  `json:"id" validate:"required"`
	Probability float64 `json:"probability" validate:"gte=0,lte=1"`
}

// Expectations are the pass thresholds over all runs. Zero disables a check.
type Expectations struct {
	BestArmRate     float64 `json:"best_arm_rate" validate:"gte=0,lte=1"`
	WithinBoundRate float64 `json:"within_bound_rate" validate:"gte=0,lte=1"`
}

// #endregion scenario-types

// #region scenario-loader

// LoadScenario reads, parses and validates a JSON scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks field constraints and arm id uniqueness.
func (s *Scenario) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	seen := make(map[string]bool, len(s.Arms))
	for _, a := range s.Arms {
		if seen[a.ID] {
			return fmt.Errorf("duplicate arm %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// BestArm is the id of the arm with the highest true probability; ties go
// to the earlier arm.
func (s *Scenario) BestArm() string {
	best := 0
	for i, a := range s.Arms {
		if a.Probability > s.Arms[best].Probability {
			best = i
		}
	}
	return s.Arms[best].ID
}

// Catalog converts the arms to non-critical binary features with equal
// default priority.
func (s *Scenario) Catalog() (*catalog.Catalog, error) {
	fs := make([]catalog.Feature, len(s.Arms))
	for i, a := range s.Arms {
		fs[i] = catalog.Feature{ID: a.ID, Label: a.ID, Reward: catalog.RewardBinary}
	}
	return catalog.New(fs)
}

func (s *Scenario) probabilities() map[string]float64 {
	out := make(map[string]float64, len(s.Arms))
	for _, a := range s.Arms {
		out[a.ID] = a.Probability
	}
	return out
}

// #endregion scenario-loader
