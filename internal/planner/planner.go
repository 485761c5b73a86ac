package planner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// BeliefReader is the read side of the belief store the planner needs.
type BeliefReader interface {
	ForUser(ctx context.Context, userID string, features []catalog.Feature) (map[string]belief.Belief, error)
	Interactions(ctx context.Context, userID string) (int64, error)
}

// #region planner
// Planner ranks candidate features by Thompson sampling over the blended
// posterior. It only reads beliefs, so any number of plans run in parallel.
type Planner struct {
	beliefs BeliefReader
	blender *transfer.Blender
	now     func() time.Time
	seq     atomic.Uint64
	seed    uint64
}

// New creates a planner.
func New(beliefs BeliefReader, blender *transfer.Blender) *Planner {
	return &Planner{
		beliefs: beliefs,
		blender: blender,
		now:     time.Now,
		seed:    uint64(time.Now().UnixNano()),
	}
}

// WithSeed fixes the random stream so tests can replay plans.
func (p *Planner) WithSeed(seed uint64) *Planner {
	p.seed = seed
	p.seq.Store(0)
	return p
}

// WithClock overrides the clock used for stage computation and timestamps.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

type scored struct {
	feature  catalog.Feature
	sample   float64
	ev       float64
	usage    int64
	isHidden bool
}

// Plan samples every candidate once and ranks by sample. Hidden-set
// membership depends only on expected values, never on the draw.
func (p *Planner) Plan(ctx context.Context, req Request) (Plan, error) {
	now := p.now()
	personal, err := p.beliefs.ForUser(ctx, req.User.ID, req.Candidates)
	if err != nil {
		return Plan{}, fmt.Errorf("read beliefs: %w", err)
	}

	// stage is judged on the whole catalog, not the candidate subset
	total, err := p.beliefs.Interactions(ctx, req.User.ID)
	if err != nil {
		return Plan{}, fmt.Errorf("read interactions: %w", err)
	}
	blend := p.blender.Blend(req.User, total, now)
	src := rand.NewPCG(p.seed, p.seq.Add(1))

	items := make([]scored, 0, len(req.Candidates))
	best := 0.0
	for _, f := range req.Candidates {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		prior := p.blender.PriorFor(req.User.Specialty, f.ID)
		b, has := personal[f.ID]
		ev := transfer.BlendedEV(blend, prior, b, has)
		if ev > best {
			best = ev
		}
		items = append(items, scored{
			feature:  f,
			sample:   transfer.Sample(blend, prior, b, has, src, req.Policy.Exploration),
			ev:       ev,
			usage:    b.Interactions,
			isHidden: ev < req.Policy.VisibilityFloor && !f.Critical,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.sample != b.sample {
			return a.sample > b.sample
		}
		return staticLess(a.feature, b.feature)
	})

	plan := Plan{
		UserID:       req.User.ID,
		Group:        req.Group,
		Policy:       req.Policy.Name,
		Source:       SourceBandit,
		Stage:        blend.Stage,
		Entries:      make([]Entry, 0, len(items)),
		Hidden:       []string{},
		GeneratedAt:  now,
		BestExpected: best,
	}
	for _, it := range items {
		if it.isHidden {
			plan.Hidden = append(plan.Hidden, it.feature.ID)
			continue
		}
		plan.Entries = append(plan.Entries, Entry{
			FeatureID:     it.feature.ID,
			Position:      len(plan.Entries) + 1,
			Score:         it.sample,
			ExpectedValue: it.ev,
			UsageCount:    it.usage,
			Critical:      it.feature.Critical,
		})
	}
	sort.Strings(plan.Hidden)
	return plan, nil
}

// #endregion planner

// #region static
// Static is the fallback ordering: default priority desc, then id. Nothing is
// hidden and no beliefs are consulted.
func Static(userID string, candidates []catalog.Feature, now time.Time) Plan {
	fs := append([]catalog.Feature(nil), candidates...)
	sort.SliceStable(fs, func(i, j int) bool { return staticLess(fs[i], fs[j]) })
	plan := Plan{
		UserID:      userID,
		Group:       "control",
		Source:      SourceStatic,
		Entries:     make([]Entry, len(fs)),
		Hidden:      []string{},
		GeneratedAt: now,
	}
	for i, f := range fs {
		plan.Entries[i] = Entry{FeatureID: f.ID, Position: i + 1, Critical: f.Critical}
	}
	return plan
}

func staticLess(a, b catalog.Feature) bool {
	if a.DefaultPriority != b.DefaultPriority {
		return a.DefaultPriority > b.DefaultPriority
	}
	return a.ID < b.ID
}

// #endregion static

// #region diff
// Diff classifies every feature of next against prev. Hidden features have
// position 0; a feature moving to a smaller non-zero position is promoted.
func Diff(prev, next Plan) []audit.AdaptationRecord {
	old := prev.Positions()
	cur := next.Positions()

	ids := make([]string, 0, len(old)+len(cur)+len(next.Hidden))
	seen := make(map[string]bool)
	for _, list := range [][]string{keys(cur), next.Hidden, keys(old)} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	out := make([]audit.AdaptationRecord, 0, len(ids))
	for _, id := range ids {
		o, n := old[id], cur[id]
		action := audit.ActionMaintained
		switch {
		case o == n:
		case n == 0:
			action = audit.ActionDemoted
		case o == 0 || n < o:
			action = audit.ActionPromoted
		default:
			action = audit.ActionDemoted
		}
		out = append(out, audit.AdaptationRecord{
			UserID:      next.UserID,
			FeatureID:   id,
			Action:      action,
			OldPosition: o,
			NewPosition: n,
			Policy:      next.Policy,
			CreatedAt:   next.GeneratedAt,
		})
	}
	return out
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// #endregion diff
