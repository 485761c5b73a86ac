package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// ErrUnknownAction rejects a study action name the engine does not know.
var ErrUnknownAction = errors.New("unknown study action")

// #region studies
// Study actions accepted by StudyAction.
const (
	StudyStart    = "start"
	StudyAdvance  = "advance"
	StudyPause    = "pause"
	StudyResume   = "resume"
	StudyRollback = "rollback"
)

// CreateStudy registers a draft study. A policy given by name only is
// resolved against the configured policy variants.
func (e *Engine) CreateStudy(ctx context.Context, spec experiment.Spec) (experiment.Study, error) {
	if p, ok := e.cfg.Policy(spec.Policy.Name); ok && spec.Policy == (planner.Policy{Name: spec.Policy.Name}) {
		spec.Policy = p
	}
	return e.studies.Create(ctx, spec)
}

// StudyAction applies an operator action. Advance returns the gate decision
// alongside the study; a held advance is reported through
// experiment.ErrAdvanceBlocked.
func (e *Engine) StudyAction(ctx context.Context, id, action, reason string) (experiment.Study, *experiment.GateDecision, error) {
	var (
		s   experiment.Study
		err error
	)
	switch action {
	case StudyStart:
		s, err = e.studies.Start(ctx, id)
	case StudyPause:
		s, err = e.studies.Pause(ctx, id)
	case StudyResume:
		s, err = e.studies.Resume(ctx, id)
	case StudyRollback:
		if reason == "" {
			reason = "operator rollback"
		}
		s, err = e.studies.Rollback(ctx, id, reason)
	case StudyAdvance:
		var d experiment.GateDecision
		s, d, err = e.studies.AdvanceStage(ctx, id)
		if err == nil || errors.Is(err, experiment.ErrAdvanceBlocked) {
			telemetry.StudyTransitions.WithLabelValues(d.Action).Inc()
		}
		return s, &d, err
	default:
		return experiment.Study{}, nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err == nil {
		telemetry.StudyTransitions.WithLabelValues(action).Inc()
	}
	return s, nil, err
}

// Studies lists every study in creation order.
func (e *Engine) Studies() []experiment.Study { return e.studies.List() }

// Study returns one study.
func (e *Engine) Study(id string) (experiment.Study, error) { return e.studies.Get(id) }

// StudyAnalysis runs the sequential test of a study's current stage.
func (e *Engine) StudyAnalysis(id string) (experiment.Analysis, error) {
	return e.studies.SequentialAnalysis(id)
}

// ControlPolicy is the policy every unassigned user is planned with.
func (e *Engine) ControlPolicy() planner.Policy { return e.studies.ControlPolicy() }

// Assign exposes the user's current routing.
func (e *Engine) Assign(userID string) experiment.Assignment { return e.studies.Assign(userID) }

// TickStudies runs the regression check and stage gate once.
func (e *Engine) TickStudies(ctx context.Context) map[string]experiment.GateDecision {
	decisions := e.studies.Tick(ctx)
	for _, d := range decisions {
		if d.Action != experiment.ActionHold {
			telemetry.StudyTransitions.WithLabelValues(d.Action).Inc()
		}
	}
	return decisions
}

// #endregion studies

// #region monitor
// RunMonitorCycle runs one bias and drift pass and routes its alerts to the
// study controller before returning, so a rollback it causes is visible to
// the next plan request.
func (e *Engine) RunMonitorCycle(ctx context.Context) []monitor.Alert {
	alerts := e.monitor.RunOnce(ctx, e.now())
	e.handleAlerts(ctx, alerts)
	return alerts
}

func (e *Engine) handleAlerts(ctx context.Context, alerts []monitor.Alert) {
	for _, a := range alerts {
		telemetry.AlertsTotal.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		typ := audit.EventBiasAlert
		if a.Kind == monitor.KindDrift {
			typ = audit.EventDriftAlert
		}
		detail, _ := json.Marshal(a)
		e.audit.RecordEvent(audit.LearningEvent{
			Type:     typ,
			StudyID:  a.StudyID,
			Severity: string(a.Severity),
			Message:  fmt.Sprintf("%s %s on %s/%s: score %.4f", a.Severity, a.Kind, a.GroupType, a.Group, a.Score),
			Detail:   string(detail),
		})

		rolled, err := e.studies.HandleAlert(ctx, a)
		if err != nil {
			e.log.Error("route alert", "alert_id", a.ID, "study_id", a.StudyID, "error", err)
			continue
		}
		for _, id := range rolled {
			telemetry.StudyTransitions.WithLabelValues(experiment.ActionRollback).Inc()
			e.log.Warn("study rolled back by monitor", "study_id", id, "alert_id", a.ID)
		}
	}
}

// #endregion monitor

// #region priors
// AggregatePriors rebuilds the population profiles from every persisted
// belief, installs them in the blender and saves them.
func (e *Engine) AggregatePriors(ctx context.Context) (transfer.ProfileSet, error) {
	e.aggMu.Lock()
	defer e.aggMu.Unlock()

	if err := e.beliefs.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush beliefs: %w", err)
	}
	all, err := e.beliefs.ListPersisted(ctx, "", -1)
	if err != nil {
		return nil, err
	}
	set := e.blender.Aggregate(all, e.users.All(), e.now())
	if err := e.profiles.Save(ctx, set); err != nil {
		return nil, err
	}
	e.blender.SetProfiles(set)

	e.audit.RecordEvent(audit.LearningEvent{
		Type:    audit.EventPriorsAggregated,
		Message: fmt.Sprintf("aggregated %d beliefs into %d profiles", len(all), len(set)),
	})
	return set, nil
}

// #endregion priors
