package belief

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS beliefs (
	user_id      TEXT NOT NULL,
	feature_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	alpha        REAL NOT NULL CHECK (alpha > 0),
	beta         REAL NOT NULL CHECK (beta > 0),
	mean         REAL NOT NULL,
	variance     REAL NOT NULL,
	weight       REAL NOT NULL,
	sum_sq       REAL NOT NULL,
	interactions INTEGER NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (user_id, feature_id)
);
CREATE INDEX IF NOT EXISTS idx_beliefs_feature ON beliefs(feature_id);
`

// #endregion schema

const (
	shardCount  = 64
	writeBuffer = 1024
	flushBatch  = 128
	flushEvery  = 250 * time.Millisecond
)

// #region store-struct
// Store is the arena of per-(user, feature) beliefs. The in-memory map is
// authoritative; SQLite is written behind. Each key has its own lock so
// updates to one pair serialize while different pairs proceed in parallel.
type Store struct {
	catalog *catalog.Catalog
	seeder  Seeder
	config  UpdateConfig
	sqlDB   *sql.DB
	log     *slog.Logger
	now     func() time.Time

	shards [shardCount]shard
	writes *db.Batcher[Belief]
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

type entryState int

const (
	stateUnloaded entryState = iota
	stateMissing
	statePresent
)

type entry struct {
	mu    sync.RWMutex
	state entryState
	b     Belief
}

// #endregion store-struct

// #region constructor
// NewStore migrates the beliefs table and starts the write-behind loop.
func NewStore(sqlDB *sql.DB, cat *catalog.Catalog, seeder Seeder, config UpdateConfig, log *slog.Logger) (*Store, error) {
	if err := db.Migrate(sqlDB, schema); err != nil {
		return nil, fmt.Errorf("beliefs: %w", err)
	}
	if seeder == nil {
		seeder = UniformSeeder{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		catalog: cat,
		seeder:  seeder,
		config:  config,
		sqlDB:   sqlDB,
		log:     log.With("component", "belief_store"),
		now:     time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[Key]*entry)
	}
	s.writes = db.NewBatcher(writeBuffer, flushBatch, flushEvery, s.writeBatch)
	return s, nil
}

// SetSeeder swaps the seeder; used once the prior blender is constructed.
func (s *Store) SetSeeder(seeder Seeder) {
	if seeder != nil {
		s.seeder = seeder
	}
}

// #endregion constructor

// #region observe
// Observe applies one observation to the (user, feature) posterior and
// returns the updated belief. Unknown features are rejected.
func (s *Store) Observe(ctx context.Context, user identity.User, featureID string, obs Observation) (Belief, error) {
	f, err := s.catalog.Get(featureID)
	if err != nil {
		return Belief{}, err
	}
	r, err := obs.Value()
	if err != nil {
		return Belief{}, err
	}
	if err := ctx.Err(); err != nil {
		return Belief{}, err
	}

	key := Key{UserID: user.ID, FeatureID: featureID}
	e := s.entry(key)

	e.mu.Lock()
	if err := s.loadLocked(ctx, key, e); err != nil {
		e.mu.Unlock()
		return Belief{}, err
	}
	if e.state != statePresent {
		seed := s.seeder.Seed(user, f)
		seed.Key = key
		seed.Kind = f.Reward
		e.b = seed
		e.state = statePresent
	}
	e.b = Apply(e.b, r, s.config, s.now())
	updated := e.b
	e.mu.Unlock()

	s.enqueue(updated)
	return updated, nil
}

// #endregion observe

// #region seed
// Seed installs a belief directly, replacing any existing one.
func (s *Store) Seed(ctx context.Context, b Belief) error {
	f, err := s.catalog.Get(b.FeatureID)
	if err != nil {
		return err
	}
	if b.Alpha <= 0 || b.Beta <= 0 {
		return fmt.Errorf("seed %s: alpha and beta must be positive", b.Key)
	}
	b.Kind = f.Reward
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = s.now().UTC()
	}
	e := s.entry(b.Key)
	e.mu.Lock()
	if err := s.loadLocked(ctx, b.Key, e); err != nil {
		e.mu.Unlock()
		return err
	}
	// interactions never go backwards, matching the upsert guard on disk
	if b.Interactions < e.b.Interactions {
		b.Interactions = e.b.Interactions
	}
	e.b = b
	e.state = statePresent
	e.mu.Unlock()

	s.enqueue(b)
	return nil
}

// #endregion seed

// #region get
// Get returns the belief for a pair, loading it from disk on first access.
func (s *Store) Get(ctx context.Context, userID, featureID string) (Belief, bool, error) {
	key := Key{UserID: userID, FeatureID: featureID}
	e := s.entry(key)

	e.mu.RLock()
	if e.state != stateUnloaded {
		b, ok := e.b, e.state == statePresent
		e.mu.RUnlock()
		return b, ok, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.loadLocked(ctx, key, e); err != nil {
		return Belief{}, false, err
	}
	return e.b, e.state == statePresent, nil
}

// ForUser returns the present beliefs for the given features keyed by feature id.
func (s *Store) ForUser(ctx context.Context, userID string, features []catalog.Feature) (map[string]Belief, error) {
	out := make(map[string]Belief, len(features))
	for _, f := range features {
		b, ok, err := s.Get(ctx, userID, f.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[f.ID] = b
		}
	}
	return out, nil
}

// Interactions totals the user's observations over every catalog feature.
func (s *Store) Interactions(ctx context.Context, userID string) (int64, error) {
	all, err := s.ForUser(ctx, userID, s.catalog.All())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range all {
		total += b.Interactions
	}
	return total, nil
}

// Snapshot copies every loaded belief. Background jobs work on the copy.
func (s *Store) Snapshot() []Belief {
	var out []Belief
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.Unlock()

		for _, e := range entries {
			e.mu.RLock()
			if e.state == statePresent {
				out = append(out, e.b)
			}
			e.mu.RUnlock()
		}
	}
	return out
}

// #endregion get

// #region arena
func (s *Store) entry(key Key) *entry {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.FeatureID))
	sh := &s.shards[h.Sum32()%shardCount]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{}
		sh.entries[key] = e
	}
	return e
}

// loadLocked reads the persisted row once; the caller holds e.mu.
func (s *Store) loadLocked(ctx context.Context, key Key, e *entry) error {
	if e.state != stateUnloaded {
		return nil
	}
	b, err := s.readRow(ctx, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.state = stateMissing
		return nil
	case err != nil:
		return fmt.Errorf("load belief %s: %w", key, err)
	}
	e.b = b
	e.state = statePresent
	return nil
}

func (s *Store) readRow(ctx context.Context, key Key) (Belief, error) {
	var b Belief
	var kind, updated string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT kind, alpha, beta, mean, variance, weight, sum_sq, interactions, updated_at
		 FROM beliefs WHERE user_id = ? AND feature_id = ?`, key.UserID, key.FeatureID,
	).Scan(&kind, &b.Alpha, &b.Beta, &b.Mean, &b.Variance, &b.Weight, &b.SumSq, &b.Interactions, &updated)
	if err != nil {
		return Belief{}, err
	}
	b.Key = key
	b.Kind = catalog.RewardKind(kind)
	b.UpdatedAt = db.ParseTime(updated)
	return b, nil
}

// #endregion arena

// #region write-behind
// enqueue hands a belief to the write-behind batcher. It ignores request
// cancellation: the in-memory update already happened and must reach disk.
func (s *Store) enqueue(b Belief) {
	if !s.writes.Send(b) {
		s.log.Warn("store closed, belief not persisted", "key", b.Key.String())
	}
}

// Flush blocks until every queued write is on disk.
func (s *Store) Flush(ctx context.Context) error { return s.writes.Flush(ctx) }

// Close drains pending writes and stops the flush loop.
func (s *Store) Close() error { return s.writes.Close() }

func (s *Store) writeBatch(batch []Belief) {
	tx, err := s.sqlDB.Begin()
	if err != nil {
		s.log.Error("begin tx", "error", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO beliefs (user_id, feature_id, kind, alpha, beta, mean, variance, weight, sum_sq, interactions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, feature_id) DO UPDATE SET
			kind = excluded.kind, alpha = excluded.alpha, beta = excluded.beta,
			mean = excluded.mean, variance = excluded.variance, weight = excluded.weight,
			sum_sq = excluded.sum_sq, interactions = excluded.interactions, updated_at = excluded.updated_at
		WHERE excluded.interactions >= beliefs.interactions`)
	if err != nil {
		s.log.Error("prepare upsert", "error", err)
		return
	}
	defer stmt.Close()

	for _, b := range batch {
		if _, err := stmt.Exec(b.UserID, b.FeatureID, string(b.Kind), b.Alpha, b.Beta,
			b.Mean, b.Variance, b.Weight, b.SumSq, b.Interactions, db.FormatTime(b.UpdatedAt)); err != nil {
			s.log.Error("upsert belief", "key", b.Key.String(), "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.log.Error("commit beliefs", "error", err)
	}
}

// #endregion write-behind

// #region list
// ListPersisted reads beliefs straight from disk, newest first. Used by
// inspection tooling; the serving path never calls it.
func (s *Store) ListPersisted(ctx context.Context, userID string, limit int) ([]Belief, error) {
	query := `SELECT user_id, feature_id, kind, alpha, beta, mean, variance, weight, sum_sq, interactions, updated_at
		FROM beliefs`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list beliefs: %w", err)
	}
	defer rows.Close()

	var out []Belief
	for rows.Next() {
		var b Belief
		var kind, updated string
		if err := rows.Scan(&b.UserID, &b.FeatureID, &kind, &b.Alpha, &b.Beta, &b.Mean,
			&b.Variance, &b.Weight, &b.SumSq, &b.Interactions, &updated); err != nil {
			return nil, fmt.Errorf("scan belief: %w", err)
		}
		b.Kind = catalog.RewardKind(kind)
		b.UpdatedAt = db.ParseTime(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// #endregion list
