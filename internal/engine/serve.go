package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// #region plan
// Plan returns the user's feature layout. Planner failures and timeouts
// degrade to the last cached plan, then to the static ordering; only an
// unknown candidate id is an error.
func (e *Engine) Plan(ctx context.Context, user identity.User, featureIDs []string) (planner.Plan, error) {
	started := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "engine.Plan", trace.WithAttributes(
		attribute.String("user.id", user.ID),
		attribute.Int("candidates", len(featureIDs)),
	))
	defer span.End()

	candidates, unknown := e.catalog.Resolve(featureIDs)
	if len(unknown) > 0 {
		err := &catalog.UnknownFeatureError{FeatureID: unknown[0]}
		span.SetStatus(codes.Error, err.Error())
		return planner.Plan{}, err
	}
	e.remember(ctx, user)

	assignment := e.studies.Assign(user.ID)
	prev, hasPrev := e.cachedPlan(ctx, user.ID)
	// a cached plan only stands in for the same policy over the same features
	comparable := hasPrev && sameFeatures(prev, candidates)
	reusable := comparable && prev.Policy == assignment.Policy.Name

	plan, err := e.sample(ctx, user, candidates, assignment.Policy, string(assignment.Group))
	switch {
	case err == nil:
		// the cache only ever holds sampled plans
		if !comparable {
			e.audit.RecordAdaptations(planner.Diff(planner.Plan{}, plan)...)
		} else if records := planner.Diff(prev, plan); changed(records) {
			e.audit.RecordAdaptations(records...)
		}
		if err := e.plans.Put(ctx, plan); err != nil {
			e.log.Warn("cache plan", "user_id", user.ID, "error", err)
		}
	case reusable:
		e.log.Warn("plan degraded to cache", "user_id", user.ID, "error", err)
		plan = prev
		plan.Source = planner.SourceCache
		plan.Group = string(assignment.Group)
	default:
		e.log.Warn("plan degraded to static", "user_id", user.ID, "error", err)
		plan = planner.Static(user.ID, candidates, e.now())
		plan.Group = string(assignment.Group)
		plan.Policy = assignment.Policy.Name
	}
	if err != nil {
		e.audit.RecordEvent(audit.LearningEvent{
			Type: audit.EventPlanDegraded, UserID: user.ID, Severity: "moderate",
			Message: string(plan.Source) + " plan served: " + err.Error(),
		})
	}

	if assignment.Shadow != nil {
		e.shadowPlan(ctx, user, candidates, assignment)
	}

	telemetry.PlansTotal.WithLabelValues(string(plan.Source)).Inc()
	telemetry.PlanLatency.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.String("plan.source", string(plan.Source)), attribute.String("plan.group", plan.Group))
	return plan, nil
}

// sample runs the planner under the serving budget. Identical concurrent
// requests share one sampling pass.
func (e *Engine) sample(ctx context.Context, user identity.User, candidates []catalog.Feature, policy planner.Policy, group string) (planner.Plan, error) {
	ids := make([]string, len(candidates))
	for i, f := range candidates {
		ids[i] = f.ID
	}
	key := user.ID + "|" + policy.Name + "|" + group + "|" + strings.Join(ids, ",")

	v, err, _ := e.flight.Do(key, func() (interface{}, error) {
		pctx := context.WithoutCancel(ctx)
		if e.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(pctx, e.timeout)
			defer cancel()
		}
		return e.planner.Plan(pctx, planner.Request{User: user, Candidates: candidates, Policy: policy, Group: group})
	})
	if err != nil {
		return planner.Plan{}, err
	}
	return v.(planner.Plan), nil
}

func (e *Engine) cachedPlan(ctx context.Context, userID string) (planner.Plan, bool) {
	p, ok, err := e.plans.Get(ctx, userID)
	if err != nil {
		e.log.Warn("read plan cache", "user_id", userID, "error", err)
		return planner.Plan{}, false
	}
	return p, ok
}

// sameFeatures reports whether p laid out exactly the candidate set.
func sameFeatures(p planner.Plan, candidates []catalog.Feature) bool {
	if len(p.Entries)+len(p.Hidden) != len(candidates) {
		return false
	}
	want := make(map[string]bool, len(candidates))
	for _, f := range candidates {
		want[f.ID] = true
	}
	for _, en := range p.Entries {
		if !want[en.FeatureID] {
			return false
		}
		delete(want, en.FeatureID)
	}
	for _, id := range p.Hidden {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}

func changed(records []audit.AdaptationRecord) bool {
	for _, r := range records {
		if r.Action != audit.ActionMaintained {
			return true
		}
	}
	return false
}

// shadowPlan computes and logs the plan the shadow policy would have served.
// It is never returned to the caller.
func (e *Engine) shadowPlan(ctx context.Context, user identity.User, candidates []catalog.Feature, a experiment.Assignment) {
	shadow, err := e.sample(ctx, user, candidates, *a.Shadow, string(experiment.GroupShadow))
	if err != nil {
		e.log.Debug("shadow plan skipped", "user_id", user.ID, "study_id", a.StudyID, "error", err)
		return
	}
	if err := e.shadows.Put(ctx, shadow); err != nil {
		return
	}
	detail, _ := json.Marshal(struct {
		Policy  string   `json:"policy"`
		Visible []string `json:"visible"`
		Hidden  []string `json:"hidden"`
	}{shadow.Policy, visibleIDs(shadow), shadow.Hidden})
	e.audit.RecordEvent(audit.LearningEvent{
		Type: audit.EventShadowPlan, StudyID: a.StudyID, UserID: user.ID,
		Message: "shadow plan computed", Detail: string(detail),
	})
}

func visibleIDs(p planner.Plan) []string {
	out := make([]string, len(p.Entries))
	for i, en := range p.Entries {
		out[i] = en.FeatureID
	}
	return out
}

// #endregion plan

// #region observe
// Event is one behavioral signal from the UI. Exactly one of Outcome and
// Reward is set.
type Event struct {
	FeatureID string
	Outcome   *bool
	Reward    *float64
	EventID   string
}

// Observe folds an event into the user's belief, records the round's regret
// and routes the outcome to the user's study and the monitor. Unknown
// features and malformed observations are rejected.
func (e *Engine) Observe(ctx context.Context, user identity.User, ev Event) (belief.Belief, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.Observe", trace.WithAttributes(
		attribute.String("user.id", user.ID),
		attribute.String("feature.id", ev.FeatureID),
	))
	defer span.End()

	obs := belief.Observation{Outcome: ev.Outcome, Reward: ev.Reward}
	reward, err := obs.Value()
	if err == nil {
		_, err = e.catalog.Get(ev.FeatureID)
	}
	if err != nil {
		telemetry.ObservationsTotal.WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return belief.Belief{}, err
	}

	now := e.now()
	if e.dedup != nil && ev.EventID != "" && !e.dedup.first(user.ID+"/"+ev.EventID, now) {
		telemetry.ObservationsTotal.WithLabelValues("duplicate").Inc()
		return belief.Belief{}, ErrDuplicateEvent
	}
	e.remember(ctx, user)

	plan, hasPlan := e.cachedPlan(ctx, user.ID)
	best := e.bestExpected(ctx, user, plan, hasPlan)

	b, err := e.beliefs.Observe(ctx, user, ev.FeatureID, obs)
	if err != nil {
		telemetry.ObservationsTotal.WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return belief.Belief{}, err
	}

	round := e.regret.Record(user.ID, ev.FeatureID, reward, best)
	telemetry.CumulativeRegret.Add(round.Regret)

	e.route(ctx, user, ev.FeatureID, reward, plan, hasPlan, now)
	telemetry.ObservationsTotal.WithLabelValues("applied").Inc()
	return b, nil
}

// bestExpected is the round's oracle: the best blended expected value at
// decision time, taken from the plan the user was shown when there is one.
func (e *Engine) bestExpected(ctx context.Context, user identity.User, plan planner.Plan, hasPlan bool) float64 {
	if hasPlan && plan.Source == planner.SourceBandit {
		return plan.BestExpected
	}
	features := e.catalog.All()
	personal, err := e.beliefs.ForUser(ctx, user.ID, features)
	if err != nil {
		e.log.Warn("read beliefs for regret oracle", "user_id", user.ID, "error", err)
		return 0
	}
	var total int64
	for _, b := range personal {
		total += b.Interactions
	}
	blend := e.blender.Blend(user, total, e.now())
	best := 0.0
	for _, f := range features {
		b, has := personal[f.ID]
		best = math.Max(best, transfer.BlendedEV(blend, e.blender.PriorFor(user.Specialty, f.ID), b, has))
	}
	return best
}

// route hands the outcome to the study and the monitor. Neither may block or
// fail the serving path.
func (e *Engine) route(ctx context.Context, user identity.User, featureID string, reward float64, plan planner.Plan, hasPlan bool, now time.Time) {
	a := e.studies.Assign(user.ID)
	if a.StudyID != "" {
		var err error
		switch a.Group {
		case experiment.GroupShadow:
			// both policies are judged on the same event, weighted by where
			// each would have placed the feature
			shadow, hasShadow, _ := e.shadows.Get(ctx, user.ID)
			if hasPlan && hasShadow {
				err = errors.Join(
					e.studies.RecordOutcome(a.StudyID, experiment.GroupControl, reward*positionWeight(plan, featureID)),
					e.studies.RecordOutcome(a.StudyID, experiment.GroupShadow, reward*positionWeight(shadow, featureID)),
				)
			}
		default:
			err = e.studies.RecordOutcome(a.StudyID, a.Group, reward)
		}
		if err != nil {
			e.log.Warn("record study outcome", "study_id", a.StudyID, "error", err)
		}
	}

	ok := e.monitor.Submit(monitor.Outcome{
		UserID:         user.ID,
		FeatureID:      featureID,
		Reward:         reward,
		Specialty:      user.SpecialtyKey(),
		Role:           user.Role,
		ExperienceTier: user.ExperienceTier(now),
		StudyID:        a.StudyID,
		Cohort:         string(a.Group),
		At:             now,
	})
	if !ok {
		e.log.Debug("monitor queue full, outcome dropped", "user_id", user.ID)
	}
}

// positionWeight is the DCG discount 1/log2(position+1); features the plan
// hid or never showed weigh 0.
func positionWeight(p planner.Plan, featureID string) float64 {
	pos, ok := p.Positions()[featureID]
	if !ok || pos <= 0 {
		return 0
	}
	return 1 / math.Log2(float64(pos)+1)
}

// #endregion observe
