// Package engine wires the belief store, prior blender, planner, regret
// tracker, study controller and monitor into one serving facade.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/adaptive-policy/internal/audit"
	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/cache"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/monitor"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/regret"
	"github.com/danielpatrickdp/adaptive-policy/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// ErrDuplicateEvent is returned by Observe for an event id already seen
// inside the dedup window.
var ErrDuplicateEvent = errors.New("duplicate event")

// #region options
// Options are the engine's dependencies. Config, DB and Catalog are
// required; the rest default.
type Options struct {
	Config  *config.Config
	DB      *sql.DB
	Catalog *catalog.Catalog
	Cache   cache.PlanCache // defaults to an in-process cache with the configured TTL
	Log     *slog.Logger
	Now     func() time.Time
}

// #endregion options

// #region engine
// Engine is safe for concurrent use. Plan and Observe are the serving path;
// everything else is operator or background work.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	catalog  *catalog.Catalog
	users    *identity.Directory
	audit    *audit.Log
	beliefs  *belief.Store
	blender  *transfer.Blender
	profiles *transfer.ProfileStore
	planner  *planner.Planner
	regret   *regret.Tracker
	studies  *experiment.Controller
	monitor  *monitor.Monitor

	plans   cache.PlanCache
	shadows *cache.Memory
	flight  singleflight.Group
	dedup   *dedup

	aggMu sync.Mutex
}

// New builds the engine, migrating every table and restoring persisted
// priors, studies and regret curves.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil || opts.DB == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("engine: config, db and catalog are required")
	}
	cfg := opts.Config
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:     cfg,
		log:     log.With("component", "engine"),
		now:     now,
		timeout: cfg.PlannerTimeout(),
		catalog: opts.Catalog,
		plans:   opts.Cache,
		shadows: cache.NewMemory(cfg.CacheTTL()).WithClock(now),
	}
	if e.plans == nil {
		e.plans = cache.NewMemory(cfg.CacheTTL()).WithClock(now)
	}
	if w := cfg.DedupWindow(); w > 0 {
		e.dedup = newDedup(w)
	}

	var err error
	if e.users, err = identity.NewDirectory(ctx, opts.DB); err != nil {
		return nil, err
	}
	if e.audit, err = audit.NewLog(opts.DB, log); err != nil {
		return nil, err
	}

	e.blender = transfer.NewBlender(cfg.TransferConfig())
	if e.profiles, err = transfer.NewProfileStore(opts.DB); err != nil {
		return nil, err
	}
	set, err := e.profiles.Load(ctx)
	if err != nil {
		return nil, err
	}
	e.blender.SetProfiles(set)

	if e.beliefs, err = belief.NewStore(opts.DB, opts.Catalog, e.blender, cfg.BeliefConfig(), log); err != nil {
		return nil, err
	}
	e.planner = planner.New(e.beliefs, e.blender).WithClock(now)
	if cfg.Planner.Seed != 0 {
		e.planner.WithSeed(cfg.Planner.Seed)
	}

	rc := cfg.RegretConfig()
	rc.Arms = opts.Catalog.Len()
	if e.regret, err = regret.NewTracker(rc, opts.DB, log); err != nil {
		return nil, err
	}
	restored, err := e.regret.Restore(ctx, opts.DB)
	if err != nil {
		return nil, err
	}
	telemetry.CumulativeRegret.Set(e.regret.Report("").Summary.Cumulative)

	control, _ := cfg.Policy(cfg.ControlPolicy)
	if e.studies, err = experiment.NewController(ctx, opts.DB, cfg.ExperimentConfig(), control, e.audit, log); err != nil {
		return nil, err
	}
	e.studies.WithClock(now)
	e.monitor = monitor.New(cfg.MonitorConfig(), log)

	e.log.Info("engine ready",
		"features", opts.Catalog.Len(),
		"profiles", len(set),
		"regret_rounds", restored,
		"control_policy", e.studies.ControlPolicy().Name)
	return e, nil
}

// Catalog returns the feature catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Users returns the identity directory.
func (e *Engine) Users() *identity.Directory { return e.users }

// remember records the caller's profile; failures only cost aggregation
// coverage so they are logged.
func (e *Engine) remember(ctx context.Context, user identity.User) {
	if err := e.users.Remember(ctx, user); err != nil {
		e.log.Warn("remember user", "user_id", user.ID, "error", err)
	}
}

// #endregion engine

// #region lifecycle
// Run drives the monitor, the study gate and prior aggregation until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.monitor.Run(ctx, e.cfg.MonitorInterval(), e.handleAlerts)
	})
	g.Go(func() error {
		return every(ctx, e.cfg.ExperimentTick(), func() { e.TickStudies(ctx) })
	})
	g.Go(func() error {
		return every(ctx, e.cfg.AggregateInterval(), func() {
			if _, err := e.AggregatePriors(ctx); err != nil {
				e.log.Error("aggregate priors", "error", err)
			}
		})
	})
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// Flush waits until every queued belief, regret and audit row is written.
func (e *Engine) Flush(ctx context.Context) error {
	return errors.Join(e.beliefs.Flush(ctx), e.regret.Flush(ctx), e.audit.Flush(ctx))
}

// Close drains the writers and releases the plan cache. The database handle
// belongs to the caller.
func (e *Engine) Close() error {
	return errors.Join(e.beliefs.Close(), e.regret.Close(), e.audit.Close(), e.plans.Close())
}

// #endregion lifecycle

// #region dedup
type dedup struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]time.Time
	sweep  time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{window: window, seen: make(map[string]time.Time)}
}

// first reports whether key has not been seen within the window and marks it.
func (d *dedup) first(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.sweep) > d.window {
		for k, at := range d.seen {
			if now.Sub(at) > d.window {
				delete(d.seen, k)
			}
		}
		d.sweep = now
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// #endregion dedup
