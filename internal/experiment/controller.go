package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

// #region controller
type stageStats struct {
	control   Accumulator
	treatment Accumulator
}

// Controller owns every study's state machine. All transitions happen under
// one mutex that Assign also takes, so a rollback is visible to the very next
// assignment.
type Controller struct {
	config   Config
	gate     *Gate
	validate *validator.Validate
	sqlDB    *sql.DB
	audit    *audit.Log
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	studies map[string]*Study
	order   []string
	stats   map[string]*stageStats
	control planner.Policy
}

// NewController migrates the study tables and loads persisted studies. A
// promoted control policy on disk overrides the configured one. auditLog may
// be nil.
func NewController(ctx context.Context, sqlDB *sql.DB, config Config, control planner.Policy, auditLog *audit.Log, log *slog.Logger) (*Controller, error) {
	if err := db.Migrate(sqlDB, schema); err != nil {
		return nil, fmt.Errorf("studies: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		config:   config,
		gate:     NewGate(config),
		validate: validator.New(),
		sqlDB:    sqlDB,
		audit:    auditLog,
		log:      log.With("component", "experiment"),
		now:      time.Now,
		studies:  make(map[string]*Study),
		stats:    make(map[string]*stageStats),
		control:  control,
	}

	if p, ok, err := loadControlPolicy(ctx, sqlDB); err != nil {
		return nil, err
	} else if ok {
		c.control = p
	}
	studies, err := loadStudies(ctx, sqlDB)
	if err != nil {
		return nil, err
	}
	for i := range studies {
		s := studies[i]
		c.studies[s.ID] = &s
		c.order = append(c.order, s.ID)
		c.stats[s.ID] = &stageStats{}
	}
	return c, nil
}

// WithClock overrides the controller's clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// ControlPolicy returns the policy every unassigned user gets.
func (c *Controller) ControlPolicy() planner.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.control
}

// Get returns a copy of one study.
func (c *Controller) Get(id string) (Study, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.studies[id]
	if !ok {
		return Study{}, fmt.Errorf("%w: %s", ErrStudyNotFound, id)
	}
	return *s, nil
}

// List returns every study in creation order.
func (c *Controller) List() []Study {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Study, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.studies[id])
	}
	return out
}

// #endregion controller

// #region lifecycle
// Create registers a draft study.
func (c *Controller) Create(ctx context.Context, spec Spec) (Study, error) {
	if err := c.validate.Struct(spec); err != nil {
		return Study{}, fmt.Errorf("invalid study: %w", err)
	}
	stages := spec.Stages
	if len(stages) == 0 {
		stages = c.config.DefaultStages
	}
	if !sort.IntsAreSorted(stages) || stages[len(stages)-1] != 100 {
		return Study{}, fmt.Errorf("invalid study: stages must ascend and end at 100, got %v", stages)
	}
	shadowPct := spec.ShadowPercent
	if shadowPct == 0 {
		shadowPct = c.config.ShadowPercent
	}
	duration := spec.StageDuration
	if duration <= 0 {
		duration = c.config.StageDuration
	}

	now := c.now().UTC()
	s := Study{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Policy:        spec.Policy,
		Stages:        append([]int(nil), stages...),
		ShadowFirst:   spec.ShadowFirst,
		ShadowPercent: shadowPct,
		Status:        StatusDraft,
		StageDuration: duration,
		CreatedAt:     now,
	}

	c.mu.Lock()
	s.ControlPolicy = c.control.Name
	c.studies[s.ID] = &s
	c.order = append(c.order, s.ID)
	c.stats[s.ID] = &stageStats{}
	snapshot := s
	c.mu.Unlock()

	tr := &Transition{StudyID: s.ID, From: "none", To: string(StatusDraft), Reason: "created", At: now}
	if err := saveStudy(ctx, c.sqlDB, snapshot, tr); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Start moves a draft study into its first stage: shadow when ShadowFirst,
// otherwise canary stage 1.
func (c *Controller) Start(ctx context.Context, id string) (Study, error) {
	return c.transition(ctx, id, "start", func(s *Study, now time.Time) (string, error) {
		if s.Status != StatusDraft {
			return "", &TransitionError{StudyID: id, From: s.Status, Action: "start"}
		}
		s.Status = StatusRunning
		s.StartedAt = now
		if s.ShadowFirst {
			s.Stage = 0
			s.Mode = ModeShadow
			s.Percentage = s.ShadowPercent
		} else {
			c.enterStage(s, 1)
		}
		s.StageStartedAt = now
		s.ScheduledEnd = c.scheduledEnd(s, now)
		c.event(audit.LearningEvent{Type: audit.EventStudyStarted, StudyID: id,
			Message: fmt.Sprintf("study %s started in %s", s.Name, describe(*s))})
		return "started", nil
	})
}

// Pause stops assignment without ending the study.
func (c *Controller) Pause(ctx context.Context, id string) (Study, error) {
	return c.transition(ctx, id, "pause", func(s *Study, _ time.Time) (string, error) {
		if s.Status != StatusRunning {
			return "", &TransitionError{StudyID: id, From: s.Status, Action: "pause"}
		}
		s.Status = StatusPaused
		return "paused by operator", nil
	})
}

// Resume restarts a paused study in the stage it was paused in.
func (c *Controller) Resume(ctx context.Context, id string) (Study, error) {
	return c.transition(ctx, id, "resume", func(s *Study, _ time.Time) (string, error) {
		if s.Status != StatusPaused {
			return "", &TransitionError{StudyID: id, From: s.Status, Action: "resume"}
		}
		s.Status = StatusRunning
		return "resumed by operator", nil
	})
}

// Rollback ends a running or paused study. It is terminal.
func (c *Controller) Rollback(ctx context.Context, id, reason string) (Study, error) {
	return c.transition(ctx, id, "rollback", func(s *Study, now time.Time) (string, error) {
		if s.Status != StatusRunning && s.Status != StatusPaused {
			return "", &TransitionError{StudyID: id, From: s.Status, Action: "rollback"}
		}
		s.Status = StatusRolledBack
		s.Reason = reason
		s.EndedAt = now
		c.event(audit.LearningEvent{Type: audit.EventRollback, StudyID: id, Severity: "high",
			Message: fmt.Sprintf("study %s rolled back: %s", s.Name, reason)})
		return reason, nil
	})
}

// transition applies fn under the lock and persists the result afterwards.
func (c *Controller) transition(ctx context.Context, id, action string, fn func(*Study, time.Time) (string, error)) (Study, error) {
	now := c.now().UTC()
	c.mu.Lock()
	s, ok := c.studies[id]
	if !ok {
		c.mu.Unlock()
		return Study{}, fmt.Errorf("%w: %s", ErrStudyNotFound, id)
	}
	if s.Status.Terminal() {
		from := s.Status
		c.mu.Unlock()
		return Study{}, &TransitionError{StudyID: id, From: from, Action: action}
	}
	from := describe(*s)
	reason, err := fn(s, now)
	if err != nil {
		c.mu.Unlock()
		return Study{}, err
	}
	snapshot := *s
	c.mu.Unlock()

	tr := &Transition{StudyID: id, From: from, To: describe(snapshot), Reason: reason, At: now}
	c.log.Info("study transition", "study_id", id, "from", tr.From, "to", tr.To, "reason", reason)
	if err := saveStudy(ctx, c.sqlDB, snapshot, tr); err != nil {
		c.log.Error("persist study transition", "study_id", id, "error", err)
		return snapshot, err
	}
	return snapshot, nil
}

// enterStage moves s to canary stage n (1-based) and resets its statistics.
// Callers hold c.mu.
func (c *Controller) enterStage(s *Study, n int) {
	s.Stage = n
	s.Percentage = s.Stages[n-1]
	s.Mode = ModeCanary
	if s.Percentage >= 100 {
		s.Mode = ModeFull
	}
	c.stats[s.ID] = &stageStats{}
}

func (c *Controller) scheduledEnd(s *Study, from time.Time) time.Time {
	remaining := len(s.Stages) - s.Stage + 1
	return from.Add(time.Duration(remaining) * s.StageDuration)
}

// describe renders a study's position for the transition history.
func describe(s Study) string {
	switch {
	case s.Status == StatusRunning || s.Status == StatusPaused:
		prefix := ""
		if s.Status == StatusPaused {
			prefix = "paused:"
		}
		if s.Mode == ModeShadow {
			return prefix + "shadow"
		}
		return fmt.Sprintf("%s%s:%d%%", prefix, s.Mode, s.Percentage)
	default:
		return string(s.Status)
	}
}

// #endregion lifecycle

// #region assignment
// bucket is the user's stable hash bucket in [0,100).
func bucket(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}

// Assign routes a user. The first running study whose percentage covers the
// user's bucket claims them; everyone else gets the control policy and is
// counted as control of the first running study.
func (c *Controller) Assign(userID string) Assignment {
	b := bucket(userID)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var first *Study
	for _, id := range c.order {
		s := c.studies[id]
		if s.Status != StatusRunning {
			continue
		}
		if first == nil {
			first = s
		}
		if b >= s.Percentage {
			continue
		}
		if s.Mode == ModeShadow {
			shadow := s.Policy
			return Assignment{StudyID: s.ID, Group: GroupShadow, Mode: ModeShadow, Policy: c.control, Shadow: &shadow}
		}
		return Assignment{StudyID: s.ID, Group: GroupCanary, Mode: s.Mode, Policy: s.Policy}
	}
	if first != nil {
		return Assignment{StudyID: first.ID, Group: GroupControl, Mode: first.Mode, Policy: c.control}
	}
	return Assignment{Group: GroupControl, Policy: c.control}
}

// RecordOutcome folds a reward into the study's current stage. Outcomes for
// studies that are not running are ignored.
func (c *Controller) RecordOutcome(studyID string, group Group, reward float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.studies[studyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	if s.Status != StatusRunning {
		return nil
	}
	st := c.stats[studyID]
	if group == GroupControl {
		st.control.Add(reward)
	} else {
		st.treatment.Add(reward)
	}
	return nil
}

// #endregion assignment

// #region analysis
// SequentialAnalysis tests the current stage's treatment against control.
func (c *Controller) SequentialAnalysis(id string) (Analysis, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.studies[id]
	if !ok {
		return Analysis{}, fmt.Errorf("%w: %s", ErrStudyNotFound, id)
	}
	st := c.stats[id]
	an := analyze(st.control, st.treatment, c.config)
	an.StudyID = id
	an.Stage = s.Stage
	return an, nil
}

// AdvanceStage moves a running study forward when the gate allows it. From
// the last stage it completes the study and promotes its policy to control.
// A regression found by the gate rolls the study back instead.
func (c *Controller) AdvanceStage(ctx context.Context, id string) (Study, GateDecision, error) {
	an, err := c.SequentialAnalysis(id)
	if err != nil {
		return Study{}, GateDecision{}, err
	}
	current, err := c.Get(id)
	if err != nil {
		return Study{}, GateDecision{}, err
	}
	if current.Status.Terminal() || current.Status == StatusDraft {
		return current, GateDecision{}, &TransitionError{StudyID: id, From: current.Status, Action: "advance"}
	}

	decision := c.gate.Evaluate(current, an, c.now().UTC())
	switch decision.Action {
	case ActionRollback:
		s, err := c.rollbackRegression(ctx, id, an)
		if err != nil {
			return s, decision, err
		}
		return s, decision, fmt.Errorf("%w: %s", ErrAdvanceBlocked, decision.Reason)
	case ActionHold:
		return current, decision, fmt.Errorf("%w: %s", ErrAdvanceBlocked, decision.Reason)
	}

	var promoted *planner.Policy
	s, err := c.transition(ctx, id, "advance", func(s *Study, now time.Time) (string, error) {
		if s.Status != StatusRunning {
			return "", &TransitionError{StudyID: id, From: s.Status, Action: "advance"}
		}
		if s.Stage >= len(s.Stages) {
			s.Status = StatusCompleted
			s.EndedAt = now
			c.control = s.Policy
			p := s.Policy
			promoted = &p
			c.event(audit.LearningEvent{Type: audit.EventStudyCompleted, StudyID: id,
				Message: fmt.Sprintf("study %s completed; %s is now control", s.Name, s.Policy.Name)})
			return decision.Reason, nil
		}
		c.enterStage(s, s.Stage+1)
		s.StageStartedAt = now
		s.Flagged = false
		s.Reason = ""
		s.ScheduledEnd = c.scheduledEnd(s, now)
		c.event(audit.LearningEvent{Type: audit.EventStageAdvanced, StudyID: id,
			Message: fmt.Sprintf("study %s advanced to %s", s.Name, describe(*s)), Detail: analysisJSON(an)})
		return decision.Reason, nil
	})
	if err != nil {
		return s, decision, err
	}
	if promoted != nil {
		if err := saveControlPolicy(ctx, c.sqlDB, *promoted); err != nil {
			c.log.Error("persist promoted policy", "policy", promoted.Name, "error", err)
		}
	}
	return s, decision, nil
}

// CheckRegression rolls the study back synchronously when treatment is
// significantly worse than control by at least the regression threshold.
func (c *Controller) CheckRegression(ctx context.Context, id string) (Analysis, bool, error) {
	an, err := c.SequentialAnalysis(id)
	if err != nil {
		return an, false, err
	}
	if !c.gate.Regressed(an) {
		return an, false, nil
	}
	if _, err := c.rollbackRegression(ctx, id, an); err != nil {
		if errors.Is(err, ErrStudyTransitionInvalid) {
			return an, false, nil
		}
		return an, false, err
	}
	return an, true, nil
}

func (c *Controller) rollbackRegression(ctx context.Context, id string, an Analysis) (Study, error) {
	c.event(audit.LearningEvent{Type: audit.EventRegressionDetected, StudyID: id, Severity: "high",
		Message: fmt.Sprintf("relative effect %.4f (z=%.3f, p=%.4f)", an.RelativeEffect, an.Z, an.PValue),
		Detail:  analysisJSON(an)})
	return c.Rollback(ctx, id, "regression detected")
}

func (c *Controller) event(ev audit.LearningEvent) {
	if c.audit != nil {
		c.audit.RecordEvent(ev)
	}
}

func analysisJSON(an Analysis) string {
	raw, err := json.Marshal(an)
	if err != nil {
		return ""
	}
	return string(raw)
}

// #endregion analysis

// #region alerts
// HandleAlert routes a monitor alert. An alert tied to a live study that
// shows the treatment cohort doing worse, or reaches the rollback severity
// pointing downward, rolls the study back only when the study's own
// sequential analysis confirms a regression. Otherwise the alert flags the
// study, which blocks time-based advancement. Drift alerts without a study
// flag every running study once they reach the rollback severity and point
// downward. It returns the ids rolled back.
func (c *Controller) HandleAlert(ctx context.Context, a monitor.Alert) ([]string, error) {
	threshold := monitor.ParseSeverity(c.config.RollbackSeverity).Rank()
	if threshold == 0 {
		threshold = monitor.SeverityHigh.Rank()
	}
	reason := fmt.Sprintf("%s alert on %s (score %.3f, %s)", a.Kind, alertSubject(a), a.Score, a.Severity)

	if a.StudyID == "" {
		if a.Kind == monitor.KindDrift && a.Severity.Rank() >= threshold && a.Direction == monitor.DirectionBelow {
			for _, s := range c.List() {
				if s.Status == StatusRunning {
					c.flag(ctx, s.ID, reason)
				}
			}
		}
		return nil, nil
	}

	s, err := c.Get(a.StudyID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusRunning && s.Status != StatusPaused {
		return nil, nil
	}

	treatmentWorse := a.Kind == monitor.KindBias &&
		((a.Group != string(GroupControl) && a.Direction == monitor.DirectionBelow) ||
			(a.Group == string(GroupControl) && a.Direction == monitor.DirectionAbove))
	if treatmentWorse || (a.Severity.Rank() >= threshold && a.Direction == monitor.DirectionBelow) {
		an, err := c.SequentialAnalysis(a.StudyID)
		if err != nil {
			return nil, err
		}
		if c.gate.Regressed(an) {
			c.event(audit.LearningEvent{Type: audit.EventRegressionDetected, StudyID: a.StudyID, Severity: string(a.Severity),
				Message: fmt.Sprintf("%s; relative effect %.4f (z=%.3f, p=%.4f)", reason, an.RelativeEffect, an.Z, an.PValue),
				Detail:  analysisJSON(an)})
			if _, err := c.Rollback(ctx, a.StudyID, reason); err != nil {
				if errors.Is(err, ErrStudyTransitionInvalid) {
					return nil, nil
				}
				return nil, err
			}
			return []string{a.StudyID}, nil
		}
		reason += fmt.Sprintf("; not confirmed by analysis (relative effect %.4f, p=%.4f)", an.RelativeEffect, an.PValue)
	}
	c.flag(ctx, a.StudyID, reason)
	return nil, nil
}

func alertSubject(a monitor.Alert) string {
	if a.Kind == monitor.KindDrift {
		return a.Metric
	}
	return a.GroupType + "=" + a.Group
}

func (c *Controller) flag(ctx context.Context, id, reason string) {
	c.mu.Lock()
	s, ok := c.studies[id]
	if !ok || s.Flagged || s.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	s.Flagged = true
	s.Reason = reason
	snapshot := *s
	c.mu.Unlock()
	if err := saveStudy(ctx, c.sqlDB, snapshot, nil); err != nil {
		c.log.Error("persist study flag", "study_id", id, "error", err)
	}
}

// #endregion alerts

// #region tick
// Tick runs the regression check and stage gate over every running study.
func (c *Controller) Tick(ctx context.Context) map[string]GateDecision {
	out := make(map[string]GateDecision)
	for _, s := range c.List() {
		if ctx.Err() != nil {
			return out
		}
		if s.Status != StatusRunning {
			continue
		}
		if an, rolled, err := c.CheckRegression(ctx, s.ID); err != nil {
			c.log.Error("regression check", "study_id", s.ID, "error", err)
			continue
		} else if rolled {
			out[s.ID] = GateDecision{Action: ActionRollback, Reason: "regression detected", Analysis: an}
			continue
		}
		_, decision, err := c.AdvanceStage(ctx, s.ID)
		if err != nil && !errors.Is(err, ErrAdvanceBlocked) {
			c.log.Error("advance stage", "study_id", s.ID, "error", err)
		}
		out[s.ID] = decision
	}
	return out
}

// #endregion tick
