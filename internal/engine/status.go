package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/regret"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// #region bandit-status
// FeatureBelief is one row of the bandit status view.
type FeatureBelief struct {
	FeatureKey        string  `json:"feature_key"`
	ExpectedValue     float64 `json:"expected_value"` // blended
	PersonalExpected  float64 `json:"personal_expected_value"`
	PriorExpected     float64 `json:"prior_expected_value"`
	IsCritical        bool    `json:"is_critical"`
	TotalInteractions int64   `json:"total_interactions"`
	Alpha             float64 `json:"alpha,omitempty"`
	Beta              float64 `json:"beta,omitempty"`
}

// BanditStatus is what the engine currently believes about one user.
type BanditStatus struct {
	UserID            string                   `json:"user_id"`
	UsingBandit       bool                     `json:"using_bandit"`
	Stage             transfer.Stage           `json:"stage"`
	FeatureBeliefs    []FeatureBelief          `json:"feature_beliefs"`
	RecentAdaptations []audit.AdaptationRecord `json:"recent_adaptations"`
}

// BanditStatus lists the user's blended beliefs, highest expected value
// first. UsingBandit is false while the user's last plan was a fallback.
func (e *Engine) BanditStatus(ctx context.Context, user identity.User, recent int) (BanditStatus, error) {
	features := e.catalog.All()
	personal, err := e.beliefs.ForUser(ctx, user.ID, features)
	if err != nil {
		return BanditStatus{}, fmt.Errorf("bandit status: %w", err)
	}
	var total int64
	for _, b := range personal {
		total += b.Interactions
	}
	blend := e.blender.Blend(user, total, e.now())

	out := BanditStatus{UserID: user.ID, UsingBandit: true, Stage: blend.Stage, FeatureBeliefs: make([]FeatureBelief, 0, len(features))}
	if p, ok := e.cachedPlan(ctx, user.ID); ok {
		out.UsingBandit = p.Source == planner.SourceBandit
	}
	for _, f := range features {
		prior := e.blender.PriorFor(user.Specialty, f.ID)
		b, has := personal[f.ID]
		fb := FeatureBelief{
			FeatureKey:    f.ID,
			ExpectedValue: transfer.BlendedEV(blend, prior, b, has),
			PriorExpected: prior.ExpectedValue(),
			IsCritical:    f.Critical,
		}
		if has {
			fb.PersonalExpected = b.ExpectedValue()
			fb.TotalInteractions = b.Interactions
			fb.Alpha, fb.Beta = b.Alpha, b.Beta
		} else {
			fb.PersonalExpected = fb.PriorExpected
		}
		out.FeatureBeliefs = append(out.FeatureBeliefs, fb)
	}
	sort.SliceStable(out.FeatureBeliefs, func(i, j int) bool {
		return out.FeatureBeliefs[i].ExpectedValue > out.FeatureBeliefs[j].ExpectedValue
	})

	if recent > 0 {
		if err := e.audit.Flush(ctx); err != nil {
			return out, err
		}
		out.RecentAdaptations, err = e.audit.RecentAdaptations(ctx, user.ID, recent)
		if err != nil {
			return out, err
		}
	}
	if out.RecentAdaptations == nil {
		out.RecentAdaptations = []audit.AdaptationRecord{}
	}
	return out, nil
}

// #endregion bandit-status

// #region transfer-status
// FeatureBlend shows how one feature's prior and personal beliefs combine.
type FeatureBlend struct {
	FeatureID   string  `json:"feature_id"`
	PriorSource string  `json:"prior_source"`
	PriorEV     float64 `json:"prior_expected_value"`
	BlendedEV   float64 `json:"blended_expected_value"`
}

// BlendingInfo describes the user's transfer-learning position.
type BlendingInfo struct {
	Basis                 transfer.Basis `json:"basis"`
	Experience            float64        `json:"experience"`
	WarmThreshold         float64        `json:"warm_threshold"`
	PersonalizedThreshold float64        `json:"personalized_threshold"`
	PriorWeight           float64        `json:"prior_weight"`
	PersonalWeight        float64        `json:"personal_weight"`
	TotalInteractions     int64          `json:"total_interactions"`
	Profile               string         `json:"profile"`
	Features              []FeatureBlend `json:"features"`
}

// TransferStatus is the transfer-learning view of one user.
type TransferStatus struct {
	UserID         string         `json:"user_id"`
	Stage          transfer.Stage `json:"stage"`
	ExperienceDays int            `json:"experience_days"`
	BlendingInfo   BlendingInfo   `json:"blending_info"`
}

// TransferStatus reports the user's stage and the prior/personal weights.
func (e *Engine) TransferStatus(ctx context.Context, user identity.User) (TransferStatus, error) {
	features := e.catalog.All()
	personal, err := e.beliefs.ForUser(ctx, user.ID, features)
	if err != nil {
		return TransferStatus{}, fmt.Errorf("transfer status: %w", err)
	}
	var total int64
	for _, b := range personal {
		total += b.Interactions
	}
	cfg := e.blender.Config()
	blend := e.blender.Blend(user, total, e.now())

	info := BlendingInfo{
		Basis:                 cfg.Basis,
		Experience:            blend.Experience,
		WarmThreshold:         cfg.WarmThreshold,
		PersonalizedThreshold: cfg.PersonalizedThreshold,
		PriorWeight:           blend.PriorWeight,
		PersonalWeight:        blend.PersonalWeight,
		TotalInteractions:     total,
		Profile:               profileFor(e.blender.Profiles(), user),
		Features:              make([]FeatureBlend, 0, len(features)),
	}
	for _, f := range features {
		prior := e.blender.PriorFor(user.Specialty, f.ID)
		b, has := personal[f.ID]
		info.Features = append(info.Features, FeatureBlend{
			FeatureID:   f.ID,
			PriorSource: prior.Source,
			PriorEV:     prior.ExpectedValue(),
			BlendedEV:   transfer.BlendedEV(blend, prior, b, has),
		})
	}
	return TransferStatus{UserID: user.ID, Stage: blend.Stage, ExperienceDays: blend.ExperienceDays, BlendingInfo: info}, nil
}

// profileFor names the profile the user's priors come from.
func profileFor(set transfer.ProfileSet, user identity.User) string {
	if user.Specialty != "" {
		if _, ok := set[user.Specialty]; ok {
			return "specialty:" + user.Specialty
		}
	}
	if _, ok := set[transfer.GlobalProfile]; ok {
		return transfer.GlobalProfile
	}
	return "uniform"
}

// #endregion transfer-status

// #region regret
// RegretReport analyses one user's regret, or the global series when
// userID is empty.
func (e *Engine) RegretReport(userID string) regret.Report {
	return e.regret.Report(userID)
}

// #endregion regret

// #region dashboard
// DashboardSummary holds the dashboard's headline counts.
type DashboardSummary struct {
	ActiveStudies     int                     `json:"active_studies"`
	CompletedStudies  int                     `json:"completed_studies"`
	RolledBackStudies int                     `json:"rolled_back_studies"`
	BiasAlerts        int                     `json:"bias_alerts"`
	DriftAlerts       int                     `json:"drift_alerts"`
	CriticalAlerts    int                     `json:"critical_alerts"`
	Events            map[audit.EventType]int `json:"learning_events"`
	GlobalRegret      float64                 `json:"global_cumulative_regret"`
	MonitorRetained   int                     `json:"monitor_retained_outcomes"`
	MonitorDropped    int64                   `json:"monitor_dropped_outcomes"`
	AuditDropped      int64                   `json:"audit_dropped_rows"`
}

// Dashboard is the operator's assurance view.
type Dashboard struct {
	GeneratedAt    time.Time               `json:"generated_at"`
	ControlPolicy  planner.Policy          `json:"control_policy"`
	ActiveStudies  []experiment.Study      `json:"active_studies"`
	RecentRollouts []experiment.Transition `json:"recent_rollouts"`
	Alerts         []monitor.Alert         `json:"alerts"`
	Summary        DashboardSummary        `json:"summary"`
}

// AssuranceDashboard gathers active studies, recent study transitions,
// monitor alerts and summary counts.
func (e *Engine) AssuranceDashboard(ctx context.Context, recent int) (Dashboard, error) {
	if recent <= 0 {
		recent = 20
	}
	if err := e.audit.Flush(ctx); err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{
		GeneratedAt:   e.now().UTC(),
		ControlPolicy: e.studies.ControlPolicy(),
		ActiveStudies: []experiment.Study{},
		Alerts:        e.monitor.Recent(),
	}
	for _, s := range e.studies.List() {
		switch s.Status {
		case experiment.StatusRunning, experiment.StatusPaused:
			d.ActiveStudies = append(d.ActiveStudies, s)
			if s.Status == experiment.StatusRunning {
				d.Summary.ActiveStudies++
			}
		case experiment.StatusCompleted:
			d.Summary.CompletedStudies++
		case experiment.StatusRolledBack:
			d.Summary.RolledBackStudies++
		}
	}

	var err error
	if d.RecentRollouts, err = e.studies.RecentTransitions(ctx, recent); err != nil {
		return d, err
	}
	if d.RecentRollouts == nil {
		d.RecentRollouts = []experiment.Transition{}
	}
	for _, a := range d.Alerts {
		if a.Kind == monitor.KindBias {
			d.Summary.BiasAlerts++
		} else {
			d.Summary.DriftAlerts++
		}
		if a.Severity == monitor.SeverityCritical {
			d.Summary.CriticalAlerts++
		}
	}
	if d.Alerts == nil {
		d.Alerts = []monitor.Alert{}
	}
	if d.Summary.Events, err = e.audit.CountEvents(ctx); err != nil {
		return d, err
	}
	d.Summary.GlobalRegret = e.regret.Report("").Summary.Cumulative
	d.Summary.MonitorRetained = e.monitor.Retained()
	d.Summary.MonitorDropped = e.monitor.Dropped()
	d.Summary.AuditDropped = e.audit.Dropped()
	return d, nil
}

// #endregion dashboard
