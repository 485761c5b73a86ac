// Package simulate replays Bernoulli bandit scenarios through a real engine
// backed by a throwaway SQLite database.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/transfer"
)

// #region types
// Options control how a scenario is executed.
type Options struct {
	Dir         string               // directory for per-run databases; required
	Parallelism int                  // concurrent runs; 0 means GOMAXPROCS
	Log         *slog.Logger         // engine logger; defaults to a discard logger
	Configure   func(*config.Config) // applied after the simulation defaults
}

// RunResult captures the outcome of one run.
type RunResult struct {
	Run           int                `json:"run"`
	Rounds        int                `json:"rounds"`
	TopArm        string             `json:"top_arm"` // highest blended expected value after the last round
	FoundBest     bool               `json:"found_best"`
	Pulls         map[string]int     `json:"pulls"`
	NoChoice      int                `json:"no_choice"` // rounds whose plan showed nothing
	Cumulative    float64            `json:"cumulative_regret"`
	Bound         float64            `json:"bound"`
	WithinBound   bool               `json:"within_bound"`
	PseudoRegret  float64            `json:"pseudo_regret"` // sum of true-probability gaps to the best arm
	ExpectedFinal map[string]float64 `json:"expected_values"`
}

// Summary provides aggregate stats over every run.
type Summary struct {
	Description     string      `json:"description"`
	Runs            int         `json:"runs"`
	BestArm         string      `json:"best_arm"`
	BestArmRate     float64     `json:"best_arm_rate"`
	WithinBoundRate float64     `json:"within_bound_rate"`
	MeanCumulative  float64     `json:"mean_cumulative_regret"`
	MeanPseudo      float64     `json:"mean_pseudo_regret"`
	Passed          bool        `json:"passed"`
	Results         []RunResult `json:"results"`
}

// #endregion types

// #region run
// Run executes every run of the scenario and summarizes them. Runs are
// independent: each has its own database, engine and random streams.
func Run(ctx context.Context, s *Scenario, opts Options) (Summary, error) {
	if err := s.Validate(); err != nil {
		return Summary{}, err
	}
	if opts.Dir == "" {
		return Summary{}, fmt.Errorf("simulate: Dir is required")
	}
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]RunResult, s.Runs)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < s.Runs; i++ {
		g.Go(func() error {
			r, err := RunOnce(ctx, s, i, opts)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return Summarize(s, results), nil
}

// RunOnce plays one run: each round the simulated clinician is shown a plan,
// opens the top-ranked feature and clicks with that arm's true probability.
func RunOnce(ctx context.Context, s *Scenario, run int, opts Options) (RunResult, error) {
	cfg := simulationConfig(s, run, opts)
	if err := cfg.Validate(); err != nil {
		return RunResult{}, err
	}
	cat, err := s.Catalog()
	if err != nil {
		return RunResult{}, err
	}
	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return RunResult{}, err
	}
	defer sqlDB.Close()

	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	now := func() time.Time { return start.Add(time.Duration(tick.Load()) * time.Minute) }

	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	eng, err := engine.New(ctx, engine.Options{Config: cfg, DB: sqlDB, Catalog: cat, Log: log, Now: now})
	if err != nil {
		return RunResult{}, err
	}
	defer eng.Close()

	user := identity.User{ID: fmt.Sprintf("sim-%03d", run), Role: "physician", AccountCreated: start}
	probs := s.probabilities()
	best := probs[s.BestArm()]
	rng := rand.New(rand.NewPCG(s.Seed, uint64(run)+1))

	res := RunResult{Run: run, Rounds: s.Rounds, Pulls: make(map[string]int, len(s.Arms))}
	for round := 0; round < s.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tick.Add(1)
		plan, err := eng.Plan(ctx, user, nil)
		if err != nil {
			return res, fmt.Errorf("round %d: plan: %w", round, err)
		}
		if len(plan.Entries) == 0 {
			res.NoChoice++
			continue
		}
		chosen := plan.Entries[0].FeatureID
		clicked := rng.Float64() < probs[chosen]
		if _, err := eng.Observe(ctx, user, engine.Event{FeatureID: chosen, Outcome: &clicked}); err != nil {
			return res, fmt.Errorf("round %d: observe: %w", round, err)
		}
		res.Pulls[chosen]++
		res.PseudoRegret += best - probs[chosen]
	}

	status, err := eng.BanditStatus(ctx, user, 0)
	if err != nil {
		return res, err
	}
	res.ExpectedFinal = make(map[string]float64, len(status.FeatureBeliefs))
	for _, fb := range status.FeatureBeliefs {
		res.ExpectedFinal[fb.FeatureKey] = fb.ExpectedValue
	}
	if len(status.FeatureBeliefs) > 0 {
		res.TopArm = status.FeatureBeliefs[0].FeatureKey
	}
	res.FoundBest = res.TopArm == s.BestArm()

	rep := eng.RegretReport(user.ID)
	res.Cumulative = rep.Summary.Cumulative
	res.Bound = rep.Bound.Bound
	res.WithinBound = rep.Bound.WithinBound
	return res, nil
}

// simulationConfig measures experience in interactions so the user is
// personalized after the first event, and keeps planning deterministic per
// run.
func simulationConfig(s *Scenario, run int, opts Options) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(opts.Dir, fmt.Sprintf("run-%03d.db", run))
	cfg.Planner.Seed = s.Seed*1000 + uint64(run) + 1
	cfg.Planner.Timeout = "0s"
	cfg.Transfer.Basis = string(transfer.BasisInteractions)
	cfg.Transfer.WarmThreshold = 0
	cfg.Transfer.PersonalizedThreshold = 1
	cfg.Events.DedupWindow = "0s"
	if opts.Configure != nil {
		opts.Configure(cfg)
	}
	return cfg
}

// Summarize computes aggregate stats from run results and checks them
// against the scenario's expectations.
func Summarize(s *Scenario, results []RunResult) Summary {
	sum := Summary{
		Description: s.Description,
		Runs:        len(results),
		BestArm:     s.BestArm(),
		Results:     results,
	}
	if len(results) == 0 {
		return sum
	}
	var found, within int
	for _, r := range results {
		if r.FoundBest {
			found++
		}
		if r.WithinBound {
			within++
		}
		sum.MeanCumulative += r.Cumulative
		sum.MeanPseudo += r.PseudoRegret
	}
	n := float64(len(results))
	sum.BestArmRate = float64(found) / n
	sum.WithinBoundRate = float64(within) / n
	sum.MeanCumulative /= n
	sum.MeanPseudo /= n
	sum.Passed = sum.BestArmRate >= s.Expect.BestArmRate && sum.WithinBoundRate >= s.Expect.WithinBoundRate
	return sum
}

// #endregion run
