package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

const schema = `
CREATE TABLE IF NOT EXISTS prior_profiles (
	profile_key TEXT NOT NULL,
	feature_id  TEXT NOT NULL,
	alpha       REAL NOT NULL CHECK (alpha > 0),
	beta        REAL NOT NULL CHECK (beta > 0),
	users       INTEGER NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (profile_key, feature_id)
);
`

// #region aggregate
// Aggregate pools graduated users' beliefs into specialty and global
// profiles. A user graduates once they leave cold start; only their
// observed features contribute. Entries backed by fewer than MinUsers
// users are omitted so PriorFor falls through to the next level.
func (b *Blender) Aggregate(beliefs []belief.Belief, users map[string]identity.User, now time.Time) ProfileSet {
	totals := make(map[string]int64)
	for _, bl := range beliefs {
		totals[bl.UserID] += bl.Interactions
	}

	type acc struct {
		sum   float64
		users int
	}
	pools := make(map[string]map[string]*acc)
	add := func(profile, feature string, ev float64) {
		m, ok := pools[profile]
		if !ok {
			m = make(map[string]*acc)
			pools[profile] = m
		}
		a, ok := m[feature]
		if !ok {
			a = &acc{}
			m[feature] = a
		}
		a.sum += ev
		a.users++
	}

	for _, bl := range beliefs {
		if bl.Interactions == 0 {
			continue
		}
		u, ok := users[bl.UserID]
		if !ok {
			continue
		}
		if b.Blend(u, totals[u.ID], now).Stage == StageColdStart {
			continue
		}
		ev := bl.ExpectedValue()
		add(GlobalProfile, bl.FeatureID, ev)
		if key := u.SpecialtyKey(); key != GlobalProfile {
			add(key, bl.FeatureID, ev)
		}
	}

	strength := b.config.ProfileStrength
	if strength <= 0 {
		strength = 10
	}
	minUsers := b.config.MinUsers
	if minUsers < 1 {
		minUsers = 1
	}

	out := make(ProfileSet, len(pools))
	for key, feats := range pools {
		p := Profile{Key: key, Features: make(map[string]FeaturePrior), UpdatedAt: now}
		for fid, a := range feats {
			if a.users < minUsers {
				continue
			}
			m := clampOpen(a.sum / float64(a.users))
			p.Features[fid] = FeaturePrior{Alpha: m * strength, Beta: (1 - m) * strength, Users: a.users}
		}
		if len(p.Features) > 0 {
			out[key] = p
		}
	}
	return out
}

// #endregion aggregate

// #region profile-store
// ProfileStore persists aggregated profiles so a restart does not send every
// new user back to the uniform prior.
type ProfileStore struct {
	sqlDB *sql.DB
}

// NewProfileStore migrates the prior_profiles table.
func NewProfileStore(sqlDB *sql.DB) (*ProfileStore, error) {
	if err := db.Migrate(sqlDB, schema); err != nil {
		return nil, fmt.Errorf("prior profiles: %w", err)
	}
	return &ProfileStore{sqlDB: sqlDB}, nil
}

// Save replaces the stored profiles with set in one transaction.
func (s *ProfileStore) Save(ctx context.Context, set ProfileSet) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM prior_profiles`); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO prior_profiles (profile_key, feature_id, alpha, beta, users, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		p := set[key]
		for fid, fp := range p.Features {
			if _, err := stmt.ExecContext(ctx, key, fid, fp.Alpha, fp.Beta, fp.Users, db.FormatTime(p.UpdatedAt)); err != nil {
				return fmt.Errorf("insert profile %s/%s: %w", key, fid, err)
			}
		}
	}
	return tx.Commit()
}

// Load reads every stored profile.
func (s *ProfileStore) Load(ctx context.Context) (ProfileSet, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT profile_key, feature_id, alpha, beta, users, updated_at FROM prior_profiles`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	out := ProfileSet{}
	for rows.Next() {
		var key, fid, updated string
		var fp FeaturePrior
		if err := rows.Scan(&key, &fid, &fp.Alpha, &fp.Beta, &fp.Users, &updated); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, ok := out[key]
		if !ok {
			p = Profile{Key: key, Features: make(map[string]FeaturePrior)}
		}
		p.Features[fid] = fp
		if t := db.ParseTime(updated); t.After(p.UpdatedAt) {
			p.UpdatedAt = t
		}
		out[key] = p
	}
	return out, rows.Err()
}

// #endregion profile-store
