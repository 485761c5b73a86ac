package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// Group types understood by CheckBias. Study cohorts use CohortPrefix+studyID.
const (
	GroupSpecialty      = "specialty"
	GroupExperienceTier = "experience_tier"
	GroupRole           = "role"
	CohortPrefix        = "cohort:"
)

// #region monitor
// Monitor aggregates outcomes off the serving path. It never touches beliefs
// or plans; it only returns alerts for the caller to route.
type Monitor struct {
	config Config
	in     chan Outcome
	log    *slog.Logger

	mu       sync.Mutex
	outcomes []Outcome
	recent   []Alert

	dropped atomic.Int64
}

// New creates a monitor with a bounded intake queue.
func New(config Config, log *slog.Logger) *Monitor {
	if config.QueueSize <= 0 {
		config.QueueSize = 8192
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		config: config,
		in:     make(chan Outcome, config.QueueSize),
		log:    log.With("component", "monitor"),
	}
}

// Submit enqueues an outcome without blocking. It reports false when the
// queue is full and the outcome was dropped.
func (m *Monitor) Submit(o Outcome) bool {
	select {
	case m.in <- o:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Dropped reports outcomes lost to a full queue.
func (m *Monitor) Dropped() int64 { return m.dropped.Load() }

// drain moves queued outcomes into the retained window.
func (m *Monitor) drain(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case o := <-m.in:
			if o.At.IsZero() {
				o.At = now
			}
			m.outcomes = append(m.outcomes, o)
		default:
			m.prune(now)
			return
		}
	}
}

func (m *Monitor) prune(now time.Time) {
	if m.config.Retention <= 0 {
		return
	}
	cutoff := now.Add(-m.config.Retention)
	kept := m.outcomes[:0]
	for _, o := range m.outcomes {
		if !o.At.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	m.outcomes = kept
}

// RunOnce drains the queue, then runs every bias check and the overall drift
// check. Study cohorts present in the window are checked too.
func (m *Monitor) RunOnce(ctx context.Context, now time.Time) []Alert {
	m.drain(now)

	var alerts []Alert
	groupTypes := []string{GroupSpecialty, GroupExperienceTier, GroupRole}
	for _, s := range m.studies() {
		groupTypes = append(groupTypes, CohortPrefix+s)
	}
	for _, gt := range groupTypes {
		if ctx.Err() != nil {
			return alerts
		}
		alerts = append(alerts, m.CheckBias(gt, now)...)
	}
	if a, ok := m.CheckDrift("reward", now); ok {
		alerts = append(alerts, a)
	}

	if len(alerts) > 0 {
		m.mu.Lock()
		m.recent = append(m.recent, alerts...)
		if limit := m.config.RecentAlerts; limit > 0 && len(m.recent) > limit {
			m.recent = append([]Alert(nil), m.recent[len(m.recent)-limit:]...)
		}
		m.mu.Unlock()
		m.log.Info("monitor cycle raised alerts", "count", len(alerts))
	}
	return alerts
}

// Recent returns the retained alerts, newest last.
func (m *Monitor) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.recent...)
}

// Retained is the number of outcomes currently in the window.
func (m *Monitor) Retained() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}

// Run ticks RunOnce until ctx is done and hands alerts to sink.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, sink func(context.Context, []Alert)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if alerts := m.RunOnce(ctx, now); len(alerts) > 0 && sink != nil {
				sink(ctx, alerts)
			}
		}
	}
}

func (m *Monitor) studies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, o := range m.outcomes {
		if o.StudyID != "" && !seen[o.StudyID] {
			seen[o.StudyID] = true
			out = append(out, o.StudyID)
		}
	}
	sort.Strings(out)
	return out
}

// #endregion monitor

// #region bias
// CheckBias compares each group's mean outcome with the overall mean of the
// outcomes that carry that group type. Groups with fewer than MinSamples
// outcomes are skipped. A study cohort is compared with the rest of its
// study instead, and only raises when the difference also clears BiasZ.
func (m *Monitor) CheckBias(groupType string, now time.Time) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	studyID := ""
	if strings.HasPrefix(groupType, CohortPrefix) {
		studyID = strings.TrimPrefix(groupType, CohortPrefix)
	}

	groups := make(map[string][]float64)
	var all []float64
	for _, o := range m.outcomes {
		key := groupKey(o, groupType, studyID)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], o.Reward)
		all = append(all, o.Reward)
	}
	if len(groups) < 2 || len(all) < m.config.MinSamples {
		return nil
	}
	overall := stat.Mean(all, nil)

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var alerts []Alert
	for _, g := range names {
		vals := groups[g]
		if len(vals) < m.config.MinSamples {
			continue
		}
		mean := stat.Mean(vals, nil)
		ref := overall
		if studyID != "" {
			rest := restOf(groups, g)
			if len(rest) < m.config.MinSamples {
				continue
			}
			ref = stat.Mean(rest, nil)
		}
		dev := mean - ref
		if math.Abs(dev) <= m.config.BiasThreshold {
			continue
		}
		if studyID != "" && !m.significant(vals, groups, g) {
			continue
		}
		alerts = append(alerts, Alert{
			ID:        uuid.NewString(),
			Kind:      KindBias,
			GroupType: groupType,
			Group:     g,
			Score:     dev,
			Mean:      mean,
			Reference: ref,
			Direction: direction(dev),
			Severity:  m.biasSeverity(math.Abs(dev)),
			Samples:   len(vals),
			StudyID:   studyID,
			CreatedAt: now,
		})
	}
	return alerts
}

func groupKey(o Outcome, groupType, studyID string) string {
	switch {
	case studyID != "":
		if o.StudyID != studyID {
			return ""
		}
		return o.Cohort
	case groupType == GroupSpecialty:
		return o.Specialty
	case groupType == GroupExperienceTier:
		return o.ExperienceTier
	case groupType == GroupRole:
		return o.Role
	default:
		return ""
	}
}

// restOf pools every group's outcomes except skip.
func restOf(groups map[string][]float64, skip string) []float64 {
	var out []float64
	for g, vals := range groups {
		if g != skip {
			out = append(out, vals...)
		}
	}
	return out
}

// significant runs a two-sample z-test of group g against the rest.
func (m *Monitor) significant(vals []float64, groups map[string][]float64, g string) bool {
	if m.config.BiasZ <= 0 {
		return true
	}
	rest := restOf(groups, g)
	if len(vals) < 2 || len(rest) < 2 {
		return false
	}
	m1, v1 := stat.MeanVariance(vals, nil)
	m2, v2 := stat.MeanVariance(rest, nil)
	se := math.Sqrt(v1/float64(len(vals)) + v2/float64(len(rest)))
	if se == 0 {
		return m1 != m2
	}
	return math.Abs(m1-m2)/se >= m.config.BiasZ
}

func (m *Monitor) biasSeverity(absDev float64) Severity {
	t := m.config.BiasThreshold
	switch {
	case absDev > 3*t:
		return SeverityCritical
	case absDev > 2*t:
		return SeverityHigh
	default:
		return SeverityModerate
	}
}

// #endregion bias

// #region drift
// DriftScore is the outcome of a drift computation, alerting or not.
type DriftScore struct {
	Metric       string
	BaselineMean float64
	BaselineStd  float64
	CurrentMean  float64
	Score        float64
	Samples      int
}

// Drift computes the standardized drift of metric without raising anything.
// metric is "reward" for every outcome or "feature:<id>" for one feature.
// The baseline spread is the std of per-bucket means across the baseline
// window, floored at MinStd.
func (m *Monitor) Drift(metric string, now time.Time) (DriftScore, error) {
	featureID := ""
	switch {
	case metric == "reward":
	case strings.HasPrefix(metric, "feature:"):
		featureID = strings.TrimPrefix(metric, "feature:")
	default:
		return DriftScore{}, fmt.Errorf("unknown drift metric %q", metric)
	}

	w := m.config.BucketWidth
	if w <= 0 {
		w = time.Hour
	}
	cur := m.config.CurrentBucket
	if cur < 1 {
		cur = 1
	}
	currentStart := now.Add(-time.Duration(cur) * w)
	baselineStart := currentStart.Add(-time.Duration(m.config.BaselineBucket) * w)

	m.mu.Lock()
	buckets := make(map[int64][]float64)
	var current []float64
	for _, o := range m.outcomes {
		if featureID != "" && o.FeatureID != featureID {
			continue
		}
		switch {
		case !o.At.Before(currentStart) && !o.At.After(now):
			current = append(current, o.Reward)
		case !o.At.Before(baselineStart) && o.At.Before(currentStart):
			idx := int64(o.At.Sub(baselineStart) / w)
			buckets[idx] = append(buckets[idx], o.Reward)
		}
	}
	m.mu.Unlock()

	out := DriftScore{Metric: metric, Samples: len(current)}
	if len(buckets) < 2 || len(current) == 0 {
		return out, nil
	}
	means := make([]float64, 0, len(buckets))
	for _, vals := range buckets {
		means = append(means, stat.Mean(vals, nil))
	}
	out.BaselineMean, out.BaselineStd = stat.MeanStdDev(means, nil)
	if out.BaselineStd < m.config.MinStd || math.IsNaN(out.BaselineStd) {
		out.BaselineStd = m.config.MinStd
	}
	out.CurrentMean = stat.Mean(current, nil)
	out.Score = (out.CurrentMean - out.BaselineMean) / out.BaselineStd
	return out, nil
}

// CheckDrift raises a drift alert when |score| reaches DriftSigma and the
// current window holds at least MinSamples outcomes.
func (m *Monitor) CheckDrift(metric string, now time.Time) (Alert, bool) {
	d, err := m.Drift(metric, now)
	if err != nil {
		m.log.Warn("drift check failed", "metric", metric, "error", err)
		return Alert{}, false
	}
	if d.Samples < m.config.MinSamples || d.BaselineStd == 0 {
		return Alert{}, false
	}
	sev := m.DriftSeverity(d.Score)
	if sev == SeverityNone {
		return Alert{}, false
	}
	return Alert{
		ID:        uuid.NewString(),
		Kind:      KindDrift,
		Metric:    metric,
		Score:     d.Score,
		Mean:      d.CurrentMean,
		Reference: d.BaselineMean,
		Direction: direction(d.Score),
		Severity:  sev,
		Samples:   d.Samples,
		CreatedAt: now,
	}, true
}

// DriftSeverity maps |score| onto the configured sigma bands.
func (m *Monitor) DriftSeverity(score float64) Severity {
	a := math.Abs(score)
	switch {
	case a >= m.config.CriticalSigma:
		return SeverityCritical
	case a >= m.config.HighSigma:
		return SeverityHigh
	case a >= m.config.DriftSigma:
		return SeverityModerate
	default:
		return SeverityNone
	}
}

// #endregion drift

func direction(x float64) string {
	if x < 0 {
		return DirectionBelow
	}
	return DirectionAbove
}
