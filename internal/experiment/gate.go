package experiment

import (
	"fmt"
	"time"
)

// #region veto-type
// VetoType enumerates reasons a stage cannot move forward.
type VetoType string

const (
	VetoRegression VetoType = "regression"
	VetoAlertFlag  VetoType = "alert_flag"
	VetoNotRunning VetoType = "not_running"
)

// VetoSignal is one detected blocking condition.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-type

// #region gate-decision
// Gate actions.
const (
	ActionAdvance  = "advance"
	ActionHold     = "hold"
	ActionRollback = "rollback"
)

// GateDecision is the stage gate's verdict for one study.
type GateDecision struct {
	Action      string       `json:"action"`
	Reason      string       `json:"reason"`
	Vetoed      bool         `json:"vetoed"`
	VetoSignals []VetoSignal `json:"veto_signals,omitempty"`
	Analysis    Analysis     `json:"analysis"`
}

// #endregion gate-decision

// #region gate
// Gate decides whether a running study's current stage may advance.
type Gate struct {
	config Config
}

// NewGate creates a gate with the given configuration.
func NewGate(config Config) *Gate {
	return &Gate{config: config}
}

// Regressed reports whether the analysis shows a significant drop beyond
// the regression threshold.
func (g *Gate) Regressed(an Analysis) bool {
	return an.Sufficient && an.RelativeEffect <= -g.config.RegressionThreshold && an.PValue < g.config.Alpha
}

// Evaluate checks hard vetoes first, then the two advance paths: a
// sequential test that can stop with a positive effect of at least the MDE,
// or an elapsed stage budget with no alert flag.
func (g *Gate) Evaluate(s Study, an Analysis, now time.Time) GateDecision {
	var vetoes []VetoSignal

	// 1. Regression rolls back regardless of anything else
	if g.Regressed(an) {
		return GateDecision{
			Action: ActionRollback,
			Reason: fmt.Sprintf("regression: relative effect %.4f (p=%.4f)", an.RelativeEffect, an.PValue),
			Vetoed: true,
			VetoSignals: []VetoSignal{{
				Type:   VetoRegression,
				Reason: fmt.Sprintf("relative effect %.4f below -%.4f", an.RelativeEffect, g.config.RegressionThreshold),
			}},
			Analysis: an,
		}
	}

	// 2. Only running studies move
	if s.Status != StatusRunning {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoNotRunning,
			Reason: fmt.Sprintf("study is %s", s.Status),
		})
		return GateDecision{Action: ActionHold, Reason: "hard veto: " + vetoes[0].Reason, Vetoed: true, VetoSignals: vetoes, Analysis: an}
	}

	// 3. Evidence path
	if an.CanStop && an.Effect > 0 && an.RelativeEffect >= g.config.MDE {
		return GateDecision{
			Action:   ActionAdvance,
			Reason:   fmt.Sprintf("sequential test passed: z=%.3f boundary=%.3f effect=%.4f", an.Z, an.Boundary, an.RelativeEffect),
			Analysis: an,
		}
	}

	// 4. Time-budget path, blocked by an alert flag
	budget := s.StageDuration
	if budget <= 0 {
		budget = g.config.StageDuration
	}
	elapsed := now.Sub(s.StageStartedAt)
	if elapsed >= budget {
		if s.Flagged {
			vetoes = append(vetoes, VetoSignal{Type: VetoAlertFlag, Reason: "stage budget elapsed but study is flagged: " + s.Reason})
			return GateDecision{Action: ActionHold, Reason: "hard veto: " + vetoes[0].Reason, Vetoed: true, VetoSignals: vetoes, Analysis: an}
		}
		return GateDecision{
			Action:   ActionAdvance,
			Reason:   fmt.Sprintf("stage budget %s elapsed without alerts", budget),
			Analysis: an,
		}
	}

	return GateDecision{
		Action:   ActionHold,
		Reason:   fmt.Sprintf("waiting: %s of %s elapsed, look %d/%d", elapsed.Truncate(time.Second), budget, an.Look, an.MaxLooks),
		Analysis: an,
	}
}

// #endregion gate
