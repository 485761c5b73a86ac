package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	study_id         TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	policy_json      TEXT NOT NULL,
	control_policy   TEXT NOT NULL,
	mode             TEXT NOT NULL,
	percentage       INTEGER NOT NULL,
	stage            INTEGER NOT NULL,
	stages_json      TEXT NOT NULL,
	shadow_first     INTEGER NOT NULL,
	shadow_percent   INTEGER NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('draft','running','paused','completed','rolled_back')),
	flagged          INTEGER NOT NULL DEFAULT 0,
	reason           TEXT,
	stage_duration_s INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	stage_started_at TEXT,
	scheduled_end    TEXT,
	ended_at         TEXT
);

CREATE TABLE IF NOT EXISTS study_transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id   TEXT NOT NULL REFERENCES studies(study_id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT,
	at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_study_transitions_at ON study_transitions(at);

CREATE TABLE IF NOT EXISTS engine_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const controlPolicyKey = "control_policy"

// #region save
func formatOptional(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return db.FormatTime(t)
}

func saveStudy(ctx context.Context, sqlDB *sql.DB, s Study, tr *Transition) error {
	policyJSON, err := json.Marshal(s.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	stagesJSON, err := json.Marshal(s.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO studies (study_id, name, policy_json, control_policy, mode, percentage, stage, stages_json,
			shadow_first, shadow_percent, status, flagged, reason, stage_duration_s, created_at, started_at,
			stage_started_at, scheduled_end, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(study_id) DO UPDATE SET
			control_policy = excluded.control_policy, mode = excluded.mode, percentage = excluded.percentage,
			stage = excluded.stage, status = excluded.status, flagged = excluded.flagged, reason = excluded.reason,
			started_at = excluded.started_at, stage_started_at = excluded.stage_started_at,
			scheduled_end = excluded.scheduled_end, ended_at = excluded.ended_at`,
		s.ID, s.Name, string(policyJSON), s.ControlPolicy, string(s.Mode), s.Percentage, s.Stage, string(stagesJSON),
		boolInt(s.ShadowFirst), s.ShadowPercent, string(s.Status), boolInt(s.Flagged), db.NullIfEmpty(s.Reason),
		int64(s.StageDuration/time.Second), db.FormatTime(s.CreatedAt), formatOptional(s.StartedAt),
		formatOptional(s.StageStartedAt), formatOptional(s.ScheduledEnd), formatOptional(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save study %s: %w", s.ID, err)
	}

	if tr != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO study_transitions (study_id, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
			tr.StudyID, tr.From, tr.To, db.NullIfEmpty(tr.Reason), db.FormatTime(tr.At))
		if err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
	}
	return tx.Commit()
}

func saveControlPolicy(ctx context.Context, sqlDB *sql.DB, p planner.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal control policy: %w", err)
	}
	_, err = sqlDB.ExecContext(ctx,
		`INSERT INTO engine_settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, controlPolicyKey, string(raw))
	if err != nil {
		return fmt.Errorf("save control policy: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion save

// #region load
func loadStudies(ctx context.Context, sqlDB *sql.DB) ([]Study, error) {
	rows, err := sqlDB.QueryContext(ctx, `
		SELECT study_id, name, policy_json, control_policy, mode, percentage, stage, stages_json,
			shadow_first, shadow_percent, status, flagged, reason, stage_duration_s, created_at,
			started_at, stage_started_at, scheduled_end, ended_at
		FROM studies ORDER BY created_at, study_id`)
	if err != nil {
		return nil, fmt.Errorf("load studies: %w", err)
	}
	defer rows.Close()

	var out []Study
	for rows.Next() {
		var s Study
		var policyJSON, stagesJSON, mode, status, created string
		var shadowFirst, flagged int
		var durationS int64
		var reason, started, stageStarted, scheduledEnd, ended sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &policyJSON, &s.ControlPolicy, &mode, &s.Percentage, &s.Stage, &stagesJSON,
			&shadowFirst, &s.ShadowPercent, &status, &flagged, &reason, &durationS, &created,
			&started, &stageStarted, &scheduledEnd, &ended); err != nil {
			return nil, fmt.Errorf("scan study: %w", err)
		}
		if err := json.Unmarshal([]byte(policyJSON), &s.Policy); err != nil {
			return nil, fmt.Errorf("decode policy of %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(stagesJSON), &s.Stages); err != nil {
			return nil, fmt.Errorf("decode stages of %s: %w", s.ID, err)
		}
		s.Mode = Mode(mode)
		s.Status = Status(status)
		s.ShadowFirst = shadowFirst == 1
		s.Flagged = flagged == 1
		s.Reason = reason.String
		s.StageDuration = time.Duration(durationS) * time.Second
		s.CreatedAt = db.ParseTime(created)
		s.StartedAt = db.ParseTime(started.String)
		s.StageStartedAt = db.ParseTime(stageStarted.String)
		s.ScheduledEnd = db.ParseTime(scheduledEnd.String)
		s.EndedAt = db.ParseTime(ended.String)
		out = append(out, s)
	}
	return out, rows.Err()
}

func loadControlPolicy(ctx context.Context, sqlDB *sql.DB) (planner.Policy, bool, error) {
	var raw string
	err := sqlDB.QueryRowContext(ctx, `SELECT value FROM engine_settings WHERE key = ?`, controlPolicyKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return planner.Policy{}, false, nil
	}
	if err != nil {
		return planner.Policy{}, false, fmt.Errorf("load control policy: %w", err)
	}
	var p planner.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return planner.Policy{}, false, fmt.Errorf("decode control policy: %w", err)
	}
	return p, true, nil
}

// RecentTransitions returns the newest study history rows across all studies.
func (c *Controller) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := c.sqlDB.QueryContext(ctx,
		`SELECT study_id, from_state, to_state, reason, at FROM study_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var reason sql.NullString
		var at string
		if err := rows.Scan(&t.StudyID, &t.From, &t.To, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Reason = reason.String
		t.At = db.ParseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// #endregion load
