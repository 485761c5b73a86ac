package belief

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Feature{
		{ID: "labs", DefaultPriority: 10},
		{ID: "vitals", DefaultPriority: 5},
		{ID: "orders", Reward: catalog.RewardContinuous},
		{ID: "allergies", Critical: true, DefaultPriority: 100},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func tempStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "test.db")
	}
	sqlDB, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := NewStore(sqlDB, testCatalog(t), nil, DefaultUpdateConfig(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		sqlDB.Close()
	})
	return s
}

var alice = identity.User{ID: "alice", Specialty: "cardiology"}

func TestObserveBinaryUpdatesBeta(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()

	b, err := s.Observe(ctx, alice, "labs", Binary(true))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if b.Alpha != 2 || b.Beta != 1 {
		t.Fatalf("expected Beta(2,1), got Beta(%v,%v)", b.Alpha, b.Beta)
	}
	b, _ = s.Observe(ctx, alice, "labs", Binary(false))
	if b.Alpha != 2 || b.Beta != 2 {
		t.Fatalf("expected Beta(2,2), got Beta(%v,%v)", b.Alpha, b.Beta)
	}
	if b.Interactions != 2 {
		t.Fatalf("expected 2 interactions, got %d", b.Interactions)
	}
	if ev := b.ExpectedValue(); ev != 0.5 {
		t.Fatalf("expected EV 0.5, got %v", ev)
	}
}

func TestObserveUnknownFeature(t *testing.T) {
	s := tempStore(t, "")
	_, err := s.Observe(context.Background(), alice, "ghost", Binary(true))
	if !errors.Is(err, catalog.ErrUnknownFeature) {
		t.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
	if _, ok, _ := s.Get(context.Background(), alice.ID, "ghost"); ok {
		t.Fatal("unknown feature must not create a belief")
	}
}

func TestObserveRejectsEmptyObservation(t *testing.T) {
	s := tempStore(t, "")
	if _, err := s.Observe(context.Background(), alice, "labs", Observation{}); err == nil {
		t.Fatal("expected error for empty observation")
	}
	yes := true
	r := 0.3
	if _, err := s.Observe(context.Background(), alice, "labs", Observation{Outcome: &yes, Reward: &r}); err == nil {
		t.Fatal("expected error for ambiguous observation")
	}
}

func TestExpectedValueStaysInUnitInterval(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 500; i++ {
		var obs Observation
		switch rng.IntN(3) {
		case 0:
			obs = Binary(rng.IntN(2) == 1)
		case 1:
			obs = Continuous(rng.Float64()*3 - 1) // out-of-range rewards are clamped
		default:
			obs = Continuous(rng.Float64())
		}
		for _, f := range []string{"labs", "orders"} {
			b, err := s.Observe(ctx, alice, f, obs)
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			ev := b.ExpectedValue()
			if ev < 0 || ev > 1 {
				t.Fatalf("EV out of range after %d observations: %v", i, ev)
			}
			if b.Alpha <= 0 || b.Beta <= 0 {
				t.Fatalf("alpha/beta must stay positive: %v/%v", b.Alpha, b.Beta)
			}
		}
	}
}

func TestConcurrentObserveSameKey(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := s.Observe(ctx, alice, "labs", Binary(i%2 == 0)); err != nil {
				t.Errorf("Observe: %v", err)
			}
		}(i)
	}
	wg.Wait()

	b, ok, err := s.Get(ctx, alice.ID, "labs")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if b.Interactions != workers {
		t.Fatalf("expected %d interactions, got %d", workers, b.Interactions)
	}
	// Beta(1,1) prior plus 25 successes and 25 failures.
	if b.Alpha != 26 || b.Beta != 26 {
		t.Fatalf("lost update: Beta(%v,%v)", b.Alpha, b.Beta)
	}
}

func TestTwoConcurrentObservesBothApplied(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			s.Observe(ctx, alice, "vitals", Binary(true))
		}()
	}
	wg.Wait()

	b, _, _ := s.Get(ctx, alice.ID, "vitals")
	if b.Alpha != 3 {
		t.Fatalf("expected alpha incremented twice (3), got %v", b.Alpha)
	}
}

func TestContinuousUpdateTracksMean(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()
	var b Belief
	for i := 0; i < 200; i++ {
		b, _ = s.Observe(ctx, alice, "orders", Continuous(0.9))
	}
	if b.Kind != catalog.RewardContinuous {
		t.Fatalf("expected continuous belief, got %s", b.Kind)
	}
	if ev := b.ExpectedValue(); ev < 0.85 || ev > 0.95 {
		t.Fatalf("expected mean near 0.9, got %v", ev)
	}
	// With forgetting the effective weight is bounded by 1/(1-λ).
	if b.Weight > 1/(1-DefaultUpdateConfig().Forgetting)+1 {
		t.Fatalf("weight not bounded by forgetting: %v", b.Weight)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.db")
	ctx := context.Background()

	sqlDB, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(sqlDB, testCatalog(t), nil, DefaultUpdateConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.Observe(ctx, alice, "labs", Binary(true))
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.Close()
	sqlDB.Close()

	s2 := tempStore(t, path)
	b, ok, err := s2.Get(ctx, alice.ID, "labs")
	if err != nil || !ok {
		t.Fatalf("expected persisted belief, ok=%v err=%v", ok, err)
	}
	if b.Alpha != 4 || b.Interactions != 3 {
		t.Fatalf("unexpected reloaded belief alpha=%v n=%d", b.Alpha, b.Interactions)
	}

	listed, err := s2.ListPersisted(ctx, alice.ID, 10)
	if err != nil {
		t.Fatalf("ListPersisted: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 persisted belief, got %d", len(listed))
	}
}

func TestSeedCriticalLowBelief(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()
	err := s.Seed(ctx, Belief{Key: Key{UserID: alice.ID, FeatureID: "allergies"}, Alpha: 1, Beta: 1000})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	b, ok, _ := s.Get(ctx, alice.ID, "allergies")
	if !ok || b.ExpectedValue() > 0.01 {
		t.Fatalf("expected seeded low belief, got %+v", b)
	}
	if err := s.Seed(ctx, Belief{Key: Key{UserID: alice.ID, FeatureID: "labs"}, Alpha: 0, Beta: 1}); err == nil {
		t.Fatal("expected error for non-positive alpha")
	}
}

func TestSeedAfterReloadKeepsMemoryAndDiskInStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.db")
	ctx := context.Background()

	sqlDB, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(sqlDB, testCatalog(t), nil, DefaultUpdateConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.Observe(ctx, alice, "labs", Binary(true))
	}
	s.Flush(ctx)
	s.Close()
	sqlDB.Close()

	// fresh process: the row is on disk but not yet in memory
	sqlDB, err = db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err = NewStore(sqlDB, testCatalog(t), nil, DefaultUpdateConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	key := Key{UserID: alice.ID, FeatureID: "labs"}
	if err := s.Seed(ctx, Belief{Key: key, Alpha: 2, Beta: 5}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	mem, _, _ := s.Get(ctx, alice.ID, "labs")
	if mem.Alpha != 2 || mem.Interactions != 3 {
		t.Fatalf("memory after seed alpha=%v n=%d, want 2 and 3", mem.Alpha, mem.Interactions)
	}
	s.Flush(ctx)
	s.Close()
	sqlDB.Close()

	s3 := tempStore(t, path)
	disk, ok, err := s3.Get(ctx, alice.ID, "labs")
	if err != nil || !ok {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	if disk.Alpha != mem.Alpha || disk.Beta != mem.Beta || disk.Interactions != mem.Interactions {
		t.Fatalf("disk %+v diverged from memory %+v", disk, mem)
	}
}

func TestSnapshotAndForUser(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()
	bob := identity.User{ID: "bob"}
	s.Observe(ctx, alice, "labs", Binary(true))
	s.Observe(ctx, bob, "vitals", Binary(false))
	s.Get(ctx, "carol", "labs") // miss must not appear in the snapshot

	if got := len(s.Snapshot()); got != 2 {
		t.Fatalf("expected 2 beliefs in snapshot, got %d", got)
	}
	m, err := s.ForUser(ctx, alice.ID, testCatalog(t).All())
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if _, ok := m["labs"]; !ok || len(m) != 1 {
		t.Fatalf("expected only labs for alice, got %v", m)
	}
}

func TestInteractionsSpanCatalog(t *testing.T) {
	s := tempStore(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Observe(ctx, alice, "labs", Binary(true))
	}
	s.Observe(ctx, alice, "vitals", Binary(false))

	total, err := s.Interactions(ctx, alice.ID)
	if err != nil {
		t.Fatalf("Interactions: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 interactions across features, got %d", total)
	}
	if total, _ := s.Interactions(ctx, "nobody"); total != 0 {
		t.Fatalf("expected 0 for an unseen user, got %d", total)
	}
}

func TestApplyIsPure(t *testing.T) {
	start := Belief{Alpha: 1, Beta: 1}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := Apply(start, 1, DefaultUpdateConfig(), now)
	if start.Alpha != 1 {
		t.Fatal("Apply mutated its input")
	}
	if next.Alpha != 2 || !next.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected result %+v", next)
	}
}

func TestSampleWithinUnitInterval(t *testing.T) {
	src := rand.NewPCG(1, 2)
	for _, b := range []Belief{
		{Alpha: 1, Beta: 1000},
		{Alpha: 50, Beta: 2},
		{Kind: catalog.RewardContinuous, Mean: 0.95, Variance: 0.2, Weight: 1},
	} {
		for i := 0; i < 200; i++ {
			x := b.Sample(src, 2)
			if x < 0 || x > 1 {
				t.Fatalf("sample out of range: %v", x)
			}
		}
	}
}
