package regret

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

func memTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	tr, err := NewTracker(cfg, nil, nil)
	require.NoError(t, err)
	return tr
}

func TestTheoreticalBound(t *testing.T) {
	assert.Equal(t, 0.0, TheoreticalBound(0, 3, 1.5))
	// t=1 uses ln(2) so the bound is positive from the first round.
	assert.InDelta(t, 1.5*math.Sqrt(3*math.Ln2), TheoreticalBound(1, 3, 1.5), 1e-12)
	assert.InDelta(t, 1.5*math.Sqrt(3*100*math.Log(100)), TheoreticalBound(100, 3, 1.5), 1e-9)
}

func TestRecordClampsAndAccumulates(t *testing.T) {
	tr := memTracker(t, DefaultConfig())

	obs := tr.Record("u1", "labs", 1, 0.6)
	assert.Equal(t, 0.0, obs.Regret, "a better-than-expected outcome is zero regret")
	assert.Equal(t, int64(1), obs.Round)

	obs = tr.Record("u1", "vitals", 0, 0.8)
	assert.InDelta(t, 0.8, obs.Regret, 1e-12)
	assert.Equal(t, int64(2), obs.Round)
	assert.InDelta(t, 0.8, obs.Cumulative, 1e-12)

	other := tr.Record("u2", "labs", 0, 0.5)
	assert.Equal(t, int64(1), other.Round)
	assert.Equal(t, int64(3), other.GlobalRound)
}

func TestCumulativeRegretNonDecreasing(t *testing.T) {
	tr := memTracker(t, DefaultConfig())
	rng := rand.New(rand.NewPCG(1, 1))
	prev := 0.0
	for i := 0; i < 1000; i++ {
		obs := tr.Record("u1", "x", rng.Float64(), rng.Float64())
		require.GreaterOrEqual(t, obs.Cumulative, prev)
		prev = obs.Cumulative
	}
	rep := tr.Report("u1")
	for i := 1; i < len(rep.Curve); i++ {
		require.GreaterOrEqual(t, rep.Curve[i].Cumulative, rep.Curve[i-1].Cumulative)
		require.Greater(t, rep.Curve[i].Round, rep.Curve[i-1].Round)
	}
}

func TestReportInsufficientData(t *testing.T) {
	tr := memTracker(t, DefaultConfig())
	rep := tr.Report("nobody")
	assert.False(t, rep.HasData)
	assert.NotEmpty(t, rep.Message)
	assert.Equal(t, "user", rep.Scope)

	global := tr.Report("")
	assert.False(t, global.HasData)
	assert.Equal(t, "global", global.Scope)
}

func TestConvergenceHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 5
	cfg.Epsilon = 0.1
	tr := memTracker(t, cfg)

	for i := 0; i < 10; i++ {
		tr.Record("u1", "x", 0, 0.5)
	}
	assert.False(t, tr.Report("u1").Convergence.Converged)

	// Rounds 11..15 fill the window with zeros; the rolling mean first drops
	// below epsilon at round 15 and must stay there through round 19.
	for i := 0; i < 8; i++ {
		tr.Record("u1", "x", 1, 1)
	}
	rep := tr.Report("u1")
	assert.False(t, rep.Convergence.Converged, "streak shorter than the window")
	assert.Equal(t, int64(0), rep.Convergence.ConvergedAt)

	tr.Record("u1", "x", 1, 1)
	rep = tr.Report("u1")
	assert.True(t, rep.Convergence.Converged)
	assert.Equal(t, int64(15), rep.Convergence.ConvergedAt)
	assert.Equal(t, 0.0, rep.Convergence.RollingMean)
}

func TestCurveDownsampling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCurvePoints = 10
	tr := memTracker(t, cfg)
	for i := 0; i < 1000; i++ {
		tr.Record("u1", "x", 0, 0.1)
	}
	rep := tr.Report("u1")
	assert.LessOrEqual(t, len(rep.Curve), 2*cfg.MaxCurvePoints+1)
	last := rep.Curve[len(rep.Curve)-1]
	assert.Equal(t, int64(1000), last.Round)
	assert.InDelta(t, 100, last.Cumulative, 1e-6)
	assert.InDelta(t, TheoreticalBound(1000, cfg.Arms, cfg.BoundConstant), last.Bound, 1e-9)
}

func TestBoundComparison(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arms = 3
	tr := memTracker(t, cfg)
	for i := 0; i < 100; i++ {
		tr.Record("u1", "x", 0.7, 0.8)
	}
	rep := tr.Report("u1")
	require.True(t, rep.HasData)
	assert.InDelta(t, 10, rep.Summary.Cumulative, 1e-9)
	assert.InDelta(t, 0.1, rep.Summary.Average, 1e-9)
	assert.True(t, rep.Bound.WithinBound)
	assert.InDelta(t, 10/TheoreticalBound(100, 3, 1.5), rep.Bound.Ratio, 1e-9)
}

func TestPersistAndRestore(t *testing.T) {
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "regret.db"))
	require.NoError(t, err)
	defer sqlDB.Close()
	ctx := context.Background()

	tr, err := NewTracker(DefaultConfig(), sqlDB, nil)
	require.NoError(t, err)
	tr.Record("u1", "a", 0, 1)
	tr.Record("u2", "b", 0.5, 0.75)
	tr.Record("u1", "a", 1, 1)
	require.NoError(t, tr.Flush(ctx))
	require.NoError(t, tr.Close())

	restored, err := NewTracker(DefaultConfig(), sqlDB, nil)
	require.NoError(t, err)
	defer restored.Close()
	n, err := restored.Restore(ctx, sqlDB)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rep := restored.Report("u1")
	assert.Equal(t, int64(2), rep.Summary.Rounds)
	assert.InDelta(t, 1.0, rep.Summary.Cumulative, 1e-12)
	assert.Equal(t, int64(3), restored.Report("").Summary.Rounds)

	next := restored.Record("u2", "b", 0, 0)
	assert.Equal(t, int64(4), next.GlobalRound)
	assert.ElementsMatch(t, []string{"u1", "u2"}, restored.Users())
}
