package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

func TestExperienceDaysAndTier(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	u := User{AccountCreated: now.Add(-45 * 24 * time.Hour)}
	if d := u.ExperienceDays(now); d != 45 {
		t.Fatalf("expected 45 days, got %d", d)
	}
	if tier := u.ExperienceTier(now); tier != "established" {
		t.Fatalf("expected established, got %s", tier)
	}
	future := User{AccountCreated: now.Add(time.Hour)}
	if future.ExperienceDays(now) != 0 {
		t.Fatal("future account must have zero experience")
	}
	if (User{}).SpecialtyKey() != "global" {
		t.Fatal("empty specialty must map to global")
	}
}

func TestDirectoryRememberAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	sqlDB, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	ctx := context.Background()

	d, err := NewDirectory(ctx, sqlDB)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	created := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	u := User{ID: "u1", Role: "physician", Specialty: "oncology", AccountCreated: created}
	if err := d.Remember(ctx, u); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := d.Remember(ctx, User{}); err != nil {
		t.Fatalf("Remember empty: %v", err)
	}

	d2, err := NewDirectory(ctx, sqlDB)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := d2.Lookup("u1")
	if !ok {
		t.Fatal("expected u1 after reload")
	}
	if got.Specialty != "oncology" || !got.AccountCreated.Equal(created) {
		t.Fatalf("unexpected profile %+v", got)
	}
	if len(d2.All()) != 1 {
		t.Fatalf("expected 1 user, got %d", len(d2.All()))
	}
}
