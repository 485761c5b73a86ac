package transfer

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func userAged(id, specialty string, days int) identity.User {
	return identity.User{ID: id, Specialty: specialty, AccountCreated: now.Add(-time.Duration(days) * 24 * time.Hour)}
}

func TestBlendStages(t *testing.T) {
	b := NewBlender(DefaultConfig())

	cold := b.Blend(userAged("a", "", 2), 0, now)
	assert.Equal(t, StageColdStart, cold.Stage)
	assert.Equal(t, 1.0, cold.PriorWeight)

	warm := b.Blend(userAged("a", "", 14), 0, now)
	assert.Equal(t, StageWarmStart, warm.Stage)
	assert.InDelta(t, 1-7.0/23, warm.PriorWeight, 1e-9)
	assert.InDelta(t, 1.0, warm.PriorWeight+warm.PersonalWeight, 1e-12)

	full := b.Blend(userAged("a", "", 90), 0, now)
	assert.Equal(t, StagePersonalized, full.Stage)
	assert.Equal(t, 0.0, full.PriorWeight)
}

func TestBlendNeverRegressesAsExperienceGrows(t *testing.T) {
	b := NewBlender(DefaultConfig())
	prev := b.Blend(userAged("a", "", 0), 0, now)
	for d := 1; d <= 120; d++ {
		cur := b.Blend(userAged("a", "", d), 0, now)
		require.True(t, cur.Stage.AtLeast(prev.Stage), "stage regressed at day %d", d)
		require.LessOrEqual(t, cur.PriorWeight, prev.PriorWeight+1e-12, "prior weight grew at day %d", d)
		prev = cur
	}
}

func TestBlendInteractionsBasis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Basis = BasisInteractions
	cfg.WarmThreshold, cfg.PersonalizedThreshold = 10, 100
	b := NewBlender(cfg)
	u := userAged("a", "", 365)

	assert.Equal(t, StageColdStart, b.Blend(u, 3, now).Stage)
	assert.Equal(t, StageWarmStart, b.Blend(u, 50, now).Stage)
	assert.Equal(t, StagePersonalized, b.Blend(u, 100, now).Stage)
}

func TestPriorForFallback(t *testing.T) {
	b := NewBlender(DefaultConfig())
	assert.Equal(t, "uniform", b.PriorFor("cardiology", "labs").Source)
	assert.Equal(t, 0.5, b.PriorFor("cardiology", "labs").ExpectedValue())

	b.SetProfiles(ProfileSet{
		GlobalProfile: {Key: GlobalProfile, Features: map[string]FeaturePrior{"labs": {Alpha: 3, Beta: 7, Users: 5}}},
		"cardiology":  {Key: "cardiology", Features: map[string]FeaturePrior{"vitals": {Alpha: 8, Beta: 2, Users: 4}}},
	})
	assert.Equal(t, GlobalProfile, b.PriorFor("cardiology", "labs").Source)
	assert.Equal(t, "specialty:cardiology", b.PriorFor("cardiology", "vitals").Source)
	assert.InDelta(t, 0.8, b.PriorFor("cardiology", "vitals").ExpectedValue(), 1e-12)
	assert.Equal(t, "uniform", b.PriorFor("oncology", "vitals").Source)
}

func TestSeedInheritsPriorMean(t *testing.T) {
	b := NewBlender(DefaultConfig())
	b.SetProfiles(ProfileSet{
		GlobalProfile: {Key: GlobalProfile, Features: map[string]FeaturePrior{"labs": {Alpha: 8, Beta: 2, Users: 3}}},
	})
	seed := b.Seed(userAged("new", "", 0), catalog.Feature{ID: "labs", Reward: catalog.RewardBinary})
	assert.InDelta(t, 0.8, seed.ExpectedValue(), 1e-9)
	assert.InDelta(t, 2.0, seed.Alpha+seed.Beta, 1e-9)
	var _ belief.Seeder = b
}

func TestBlendedEVAndMixtureMean(t *testing.T) {
	bl := Blend{Stage: StageWarmStart, PriorWeight: 0.25, PersonalWeight: 0.75}
	prior := Prior{Alpha: 20, Beta: 80}
	personal := belief.Belief{Alpha: 90, Beta: 10}

	ev := BlendedEV(bl, prior, personal, true)
	assert.InDelta(t, 0.25*0.2+0.75*0.9, ev, 1e-12)
	assert.InDelta(t, 0.2, BlendedEV(bl, prior, personal, false), 1e-12)

	src := rand.NewPCG(3, 5)
	const n = 20000
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += Sample(bl, prior, personal, true, src, 1)
	}
	assert.Less(t, math.Abs(sum/n-ev), 0.02)
}

func TestAggregateUsesGraduatedUsersOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinUsers = 2
	b := NewBlender(cfg)

	users := map[string]identity.User{
		"v1":  userAged("v1", "cardiology", 60),
		"v2":  userAged("v2", "cardiology", 90),
		"v3":  userAged("v3", "oncology", 45),
		"new": userAged("new", "cardiology", 1),
	}
	beliefs := []belief.Belief{
		{Key: belief.Key{UserID: "v1", FeatureID: "labs"}, Alpha: 9, Beta: 1, Interactions: 8},
		{Key: belief.Key{UserID: "v2", FeatureID: "labs"}, Alpha: 7, Beta: 3, Interactions: 8},
		{Key: belief.Key{UserID: "v3", FeatureID: "labs"}, Alpha: 2, Beta: 8, Interactions: 8},
		{Key: belief.Key{UserID: "new", FeatureID: "labs"}, Alpha: 1, Beta: 30, Interactions: 29},
		{Key: belief.Key{UserID: "v1", FeatureID: "vitals"}, Alpha: 1, Beta: 1},
	}

	set := b.Aggregate(beliefs, users, now)
	global := set[GlobalProfile].Features["labs"]
	assert.Equal(t, 3, global.Users)
	assert.InDelta(t, (0.9+0.7+0.2)/3, global.Alpha/(global.Alpha+global.Beta), 1e-9)

	cardio := set["cardiology"].Features["labs"]
	assert.Equal(t, 2, cardio.Users)
	assert.InDelta(t, 0.8, cardio.Alpha/(cardio.Alpha+cardio.Beta), 1e-9)

	_, hasOnc := set["oncology"]
	assert.False(t, hasOnc, "oncology has fewer than MinUsers graduated users")
	_, hasVitals := set[GlobalProfile].Features["vitals"]
	assert.False(t, hasVitals, "unobserved beliefs must not contribute")
}

func TestProfileStoreRoundTrip(t *testing.T) {
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	ps, err := NewProfileStore(sqlDB)
	require.NoError(t, err)
	ctx := context.Background()

	set := ProfileSet{
		GlobalProfile: {Key: GlobalProfile, UpdatedAt: now, Features: map[string]FeaturePrior{"labs": {Alpha: 6, Beta: 4, Users: 3}}},
	}
	require.NoError(t, ps.Save(ctx, set))
	require.NoError(t, ps.Save(ctx, set))

	got, err := ps.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, FeaturePrior{Alpha: 6, Beta: 4, Users: 3}, got[GlobalProfile].Features["labs"])
	assert.True(t, got[GlobalProfile].UpdatedAt.Equal(now))
}
