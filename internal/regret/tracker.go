package regret

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS regret_observations (
	global_round  INTEGER PRIMARY KEY,
	user_id       TEXT NOT NULL,
	user_round    INTEGER NOT NULL,
	chosen        TEXT NOT NULL,
	realized      REAL NOT NULL,
	best_expected REAL NOT NULL,
	regret        REAL NOT NULL CHECK (regret >= 0),
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regret_user ON regret_observations(user_id, user_round);
`

// #region bound
// TheoreticalBound is c*sqrt(K*t*ln(max(t,2))).
func TheoreticalBound(t int64, k int, c float64) float64 {
	if t <= 0 || k <= 0 {
		return 0
	}
	tf := float64(t)
	return c * math.Sqrt(float64(k)*tf*math.Log(math.Max(tf, 2)))
}

// #endregion bound

// #region series
// series is one regret stream (a user or the global aggregate).
type series struct {
	mu sync.Mutex

	rounds     int64
	cumulative float64
	last       float64

	window    []float64 // ring of the last W regrets
	windowSum float64

	streak      int   // consecutive rounds with rolling mean < ε
	streakStart int64 // first round of the current streak
	convergedAt int64

	curve  []Point
	stride int64
}

func newSeries(window int) *series {
	if window < 1 {
		window = 1
	}
	return &series{window: make([]float64, 0, window), stride: 1}
}

// add records one regret value and returns the new round index and cumulative.
func (s *series) add(r float64, cfg Config) (int64, float64) {
	s.rounds++
	s.cumulative += r
	s.last = r

	w := cap(s.window)
	if len(s.window) < w {
		s.window = append(s.window, r)
	} else {
		idx := int((s.rounds - 1) % int64(w))
		s.windowSum -= s.window[idx]
		s.window[idx] = r
	}
	s.windowSum += r

	if len(s.window) == w && s.windowSum/float64(w) < cfg.Epsilon {
		if s.streak == 0 {
			s.streakStart = s.rounds
		}
		s.streak++
		if s.streak >= w && s.convergedAt == 0 {
			s.convergedAt = s.streakStart
		}
	} else {
		s.streak = 0
	}

	if s.rounds%s.stride == 0 {
		s.curve = append(s.curve, Point{Round: s.rounds, Cumulative: s.cumulative})
		limit := cfg.MaxCurvePoints
		if limit < 2 {
			limit = 2
		}
		if len(s.curve) >= 2*limit {
			kept := s.curve[:0]
			for i, p := range s.curve {
				if i%2 == 1 {
					kept = append(kept, p)
				}
			}
			s.curve = kept
			s.stride *= 2
		}
	}
	return s.rounds, s.cumulative
}

// #endregion series

// #region tracker
// Tracker keeps per-user and global regret series in memory and appends every
// observation to regret_observations.
type Tracker struct {
	config Config

	global *series
	mu     sync.RWMutex
	users  map[string]*series

	appender *db.Appender
	log      *slog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker. A nil sqlDB keeps everything in memory.
func NewTracker(config Config, sqlDB *sql.DB, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		config: config,
		global: newSeries(config.Window),
		users:  make(map[string]*series),
		log:    log.With("component", "regret"),
		now:    time.Now,
	}
	if sqlDB != nil {
		if err := db.Migrate(sqlDB, schema); err != nil {
			return nil, fmt.Errorf("regret: %w", err)
		}
		t.appender = db.NewAppender(sqlDB, "regret", 4096, log)
	}
	return t, nil
}

// Config returns the active configuration.
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

// SetArms updates K, e.g. after the catalog is reloaded.
func (t *Tracker) SetArms(k int) {
	t.mu.Lock()
	t.config.Arms = k
	t.mu.Unlock()
}

func (t *Tracker) userSeries(userID string) *series {
	t.mu.RLock()
	s, ok := t.users[userID]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.users[userID]; !ok {
		s = newSeries(t.config.Window)
		t.users[userID] = s
	}
	return s
}

// Record logs one round. Regret is max(0, bestExpected - realized) so the
// cumulative curve never decreases.
func (t *Tracker) Record(userID, chosen string, realized, bestExpected float64) Observation {
	r := math.Max(0, bestExpected-realized)
	cfg := t.Config()

	us := t.userSeries(userID)
	us.mu.Lock()
	round, cumulative := us.add(r, cfg)
	us.mu.Unlock()

	t.global.mu.Lock()
	globalRound, _ := t.global.add(r, cfg)
	t.global.mu.Unlock()

	obs := Observation{
		UserID:       userID,
		Round:        round,
		GlobalRound:  globalRound,
		Chosen:       chosen,
		Realized:     realized,
		BestExpected: bestExpected,
		Regret:       r,
		Cumulative:   cumulative,
		RecordedAt:   t.now().UTC(),
	}
	if t.appender != nil {
		t.appender.Append(db.Row{
			Query: `INSERT OR IGNORE INTO regret_observations
				(global_round, user_id, user_round, chosen, realized, best_expected, regret, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []interface{}{obs.GlobalRound, obs.UserID, obs.Round, obs.Chosen, obs.Realized,
				obs.BestExpected, obs.Regret, db.FormatTime(obs.RecordedAt)},
		})
	}
	return obs
}

// Report analyses a user's series, or the global series when userID is "".
// A series with no rounds yields HasData=false rather than an error.
func (t *Tracker) Report(userID string) Report {
	cfg := t.Config()
	rep := Report{Scope: "global", UserID: userID}
	s := t.global
	if userID != "" {
		rep.Scope = "user"
		t.mu.RLock()
		s = t.users[userID]
		t.mu.RUnlock()
	}
	rep.Bound = BoundComparison{Constant: cfg.BoundConstant, Arms: cfg.Arms}
	rep.Convergence = Convergence{Window: cfg.Window, Epsilon: cfg.Epsilon}
	rep.Curve = []Point{}

	if s == nil {
		rep.Message = "no rounds recorded yet"
		return rep
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rounds == 0 {
		rep.Message = "no rounds recorded yet"
		return rep
	}

	rep.HasData = true
	rep.Summary = Summary{
		Rounds:     s.rounds,
		Cumulative: s.cumulative,
		Average:    s.cumulative / float64(s.rounds),
		Last:       s.last,
	}

	bound := TheoreticalBound(s.rounds, cfg.Arms, cfg.BoundConstant)
	rep.Bound.Bound = bound
	if bound > 0 {
		rep.Bound.Ratio = s.cumulative / bound
	}
	rep.Bound.WithinBound = s.cumulative <= bound

	if n := len(s.window); n > 0 {
		rep.Convergence.RollingMean = s.windowSum / float64(n)
	}
	rep.Convergence.ConvergedAt = s.convergedAt
	rep.Convergence.Converged = s.streak >= cap(s.window)

	rep.Curve = make([]Point, 0, len(s.curve)+1)
	for _, p := range s.curve {
		p.Bound = TheoreticalBound(p.Round, cfg.Arms, cfg.BoundConstant)
		rep.Curve = append(rep.Curve, p)
	}
	if last := len(s.curve) - 1; last < 0 || s.curve[last].Round != s.rounds {
		rep.Curve = append(rep.Curve, Point{Round: s.rounds, Cumulative: s.cumulative, Bound: bound})
	}
	return rep
}

// Users lists the ids with at least one recorded round.
func (t *Tracker) Users() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for id := range t.users {
		out = append(out, id)
	}
	return out
}

// Flush waits for queued observation writes.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.appender == nil {
		return nil
	}
	return t.appender.Flush(ctx)
}

// Close drains the writer.
func (t *Tracker) Close() error {
	if t.appender == nil {
		return nil
	}
	return t.appender.Close()
}

// #endregion tracker

// #region restore
// Restore replays persisted observations in global order so a restarted
// engine resumes its curves. Call before serving.
func (t *Tracker) Restore(ctx context.Context, sqlDB *sql.DB) (int, error) {
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT user_id, realized, best_expected FROM regret_observations ORDER BY global_round`)
	if err != nil {
		return 0, fmt.Errorf("restore regret: %w", err)
	}
	defer rows.Close()

	cfg := t.Config()
	n := 0
	for rows.Next() {
		var userID string
		var realized, best float64
		if err := rows.Scan(&userID, &realized, &best); err != nil {
			return n, fmt.Errorf("scan regret: %w", err)
		}
		r := math.Max(0, best-realized)
		us := t.userSeries(userID)
		us.mu.Lock()
		us.add(r, cfg)
		us.mu.Unlock()
		t.global.mu.Lock()
		t.global.add(r, cfg)
		t.global.mu.Unlock()
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	if n > 0 {
		t.log.Info("regret series restored", "rounds", n)
	}
	return n, nil
}

// #endregion restore
