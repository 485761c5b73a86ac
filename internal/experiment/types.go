package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

// #region errors
var (
	// ErrStudyTransitionInvalid rejects a transition the state machine forbids,
	// such as advancing a terminal study.
	ErrStudyTransitionInvalid = errors.New("study transition invalid")
	// ErrStudyNotFound is returned for unknown study ids.
	ErrStudyNotFound = errors.New("study not found")
	// ErrAdvanceBlocked is returned when the stage gate holds a study.
	ErrAdvanceBlocked = errors.New("stage advance blocked")
)

// TransitionError carries the rejected transition.
type TransitionError struct {
	StudyID string
	From    Status
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("study %s: cannot %s from %s", e.StudyID, e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrStudyTransitionInvalid }

// #endregion errors

// #region status
// Status is a study's lifecycle state. Completed and rolled_back are terminal.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusRolledBack }

// Mode is how the study's policy reaches users.
type Mode string

const (
	ModeShadow Mode = "shadow"
	ModeCanary Mode = "canary"
	ModeFull   Mode = "full"
)

// Group is a user's cohort within a study.
type Group string

const (
	GroupControl Group = "control"
	GroupShadow  Group = "shadow"
	GroupCanary  Group = "canary"
)

// #endregion status

// #region spec
// Spec is what an operator submits to create a study.
type Spec struct {
	Name          string         `json:"name" validate:"required,max=128"`
	Policy        planner.Policy `json:"policy"`
	ShadowFirst   bool           `json:"shadow_first"`
	ShadowPercent int            `json:"shadow_percent" validate:"omitempty,min=1,max=100"`
	Stages        []int          `json:"stages" validate:"omitempty,dive,min=1,max=100"`
	StageDuration time.Duration  `json:"stage_duration"`
}

// #endregion spec

// #region study
// Study is a shadow test or staged rollout of one policy against control.
// Stage 0 is shadow; stages 1..len(Stages) are canary percentages, and the
// stage whose percentage is 100 runs in full mode.
type Study struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Policy        planner.Policy `json:"policy"`
	ControlPolicy string         `json:"control_policy"`
	Mode          Mode           `json:"mode"`
	Percentage    int            `json:"percentage"`
	Stage         int            `json:"stage"`
	Stages        []int          `json:"stages"`
	ShadowFirst   bool           `json:"shadow_first"`
	ShadowPercent int            `json:"shadow_percent"`
	Status        Status         `json:"status"`
	Flagged       bool           `json:"flagged"`
	Reason        string         `json:"reason,omitempty"`

	StageDuration  time.Duration `json:"stage_duration"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	StageStartedAt time.Time     `json:"stage_started_at,omitempty"`
	ScheduledEnd   time.Time     `json:"scheduled_end,omitempty"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
}

// Active reports whether the study currently assigns users.
func (s Study) Active() bool { return s.Status == StatusRunning }

// #endregion study

// #region assignment
// Assignment is a user's routing for one plan request.
type Assignment struct {
	StudyID string         `json:"study_id,omitempty"`
	Group   Group          `json:"group"`
	Mode    Mode           `json:"mode,omitempty"`
	Policy  planner.Policy `json:"policy"`
	// Shadow is set for shadow-group users: the policy whose plan is
	// computed and logged but never returned.
	Shadow *planner.Policy `json:"shadow,omitempty"`
}

// #endregion assignment

// #region transition
// Transition is one row of the study history.
type Transition struct {
	StudyID string    `json:"study_id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// #endregion transition

// #region config
// Config holds the statistical and rollout defaults of the controller.
type Config struct {
	Alpha               float64       // two-sided significance level
	MDE                 float64       // minimum detectable relative effect
	RegressionThreshold float64       // relative drop that triggers rollback
	MinSamples          int           // per-arm samples before any test
	MaxLooks            int           // K planned looks for the O'Brien-Fleming boundary
	DefaultStages       []int         // canary percentages
	StageDuration       time.Duration // time budget per stage
	ShadowPercent       int
	RollbackSeverity    string // minimum alert severity that rolls a study back
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:               0.05,
		MDE:                 0.05,
		RegressionThreshold: 0.10,
		MinSamples:          30,
		MaxLooks:            5,
		DefaultStages:       []int{5, 25, 50, 100},
		StageDuration:       24 * time.Hour,
		ShadowPercent:       100,
		RollbackSeverity:    "high",
	}
}

// #endregion config
