package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS adaptation_records (
	record_id    TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	feature_id   TEXT NOT NULL,
	action       TEXT NOT NULL CHECK (action IN ('promoted','demoted','maintained')),
	old_position INTEGER NOT NULL,
	new_position INTEGER NOT NULL,
	policy       TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adaptation_user ON adaptation_records(user_id, created_at);

CREATE TABLE IF NOT EXISTS learning_events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	study_id   TEXT,
	user_id    TEXT,
	severity   TEXT,
	message    TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_events_time ON learning_events(created_at);
`

// #region log
// Log is the append-only audit trail. Writes go through an async appender so
// the serving path never waits on disk.
type Log struct {
	sqlDB    *sql.DB
	appender *db.Appender
	log      *slog.Logger
}

// NewLog migrates the audit tables and starts the writer.
func NewLog(sqlDB *sql.DB, log *slog.Logger) (*Log, error) {
	if err := db.Migrate(sqlDB, schema); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		sqlDB:    sqlDB,
		appender: db.NewAppender(sqlDB, "audit", 1024, log),
		log:      log.With("component", "audit"),
	}, nil
}

// RecordAdaptations queues adaptation records, filling ids and timestamps.
func (l *Log) RecordAdaptations(records ...AdaptationRecord) {
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		l.appender.Append(db.Row{
			Query: `INSERT INTO adaptation_records (record_id, user_id, feature_id, action, old_position, new_position, policy, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Args: []interface{}{r.ID, r.UserID, r.FeatureID, string(r.Action), r.OldPosition, r.NewPosition,
				db.NullIfEmpty(r.Policy), db.FormatTime(r.CreatedAt)},
		})
	}
}

// RecordEvent queues a learning event and mirrors it to the structured log.
func (l *Log) RecordEvent(ev LearningEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	l.log.Info("learning event", "type", ev.Type, "study_id", ev.StudyID, "severity", ev.Severity, "message", ev.Message)
	l.appender.Append(db.Row{
		Query: `INSERT INTO learning_events (event_id, event_type, study_id, user_id, severity, message, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []interface{}{ev.ID, string(ev.Type), db.NullIfEmpty(ev.StudyID), db.NullIfEmpty(ev.UserID),
			db.NullIfEmpty(ev.Severity), ev.Message, db.NullIfEmpty(ev.Detail), db.FormatTime(ev.CreatedAt)},
	})
}

// Flush waits for queued writes.
func (l *Log) Flush(ctx context.Context) error { return l.appender.Flush(ctx) }

// Close drains and stops the writer.
func (l *Log) Close() error { return l.appender.Close() }

// Dropped reports writes lost to a full buffer.
func (l *Log) Dropped() int64 { return l.appender.Dropped() }

// #endregion log

// #region queries
// RecentAdaptations returns a user's newest adaptation records. Only flushed
// rows are visible.
func (l *Log) RecentAdaptations(ctx context.Context, userID string, limit int) ([]AdaptationRecord, error) {
	rows, err := l.sqlDB.QueryContext(ctx,
		`SELECT record_id, user_id, feature_id, action, old_position, new_position, policy, created_at
		 FROM adaptation_records WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent adaptations: %w", err)
	}
	defer rows.Close()

	var out []AdaptationRecord
	for rows.Next() {
		var r AdaptationRecord
		var action, created string
		var policy sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.FeatureID, &action, &r.OldPosition, &r.NewPosition, &policy, &created); err != nil {
			return nil, fmt.Errorf("scan adaptation: %w", err)
		}
		r.Action = Action(action)
		r.Policy = policy.String
		r.CreatedAt = db.ParseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentEvents returns the newest learning events, optionally filtered by type.
func (l *Log) RecentEvents(ctx context.Context, limit int, types ...EventType) ([]LearningEvent, error) {
	query := `SELECT event_id, event_type, study_id, user_id, severity, message, detail, created_at FROM learning_events`
	var args []interface{}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		query += ` WHERE event_type IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []LearningEvent
	for rows.Next() {
		var ev LearningEvent
		var typ, created string
		var study, user, severity, detail sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &study, &user, &severity, &ev.Message, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.StudyID = study.String
		ev.UserID = user.String
		ev.Severity = severity.String
		ev.Detail = detail.String
		ev.CreatedAt = db.ParseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents returns per-type event counts, for dashboard summaries.
func (l *Log) CountEvents(ctx context.Context) (map[EventType]int, error) {
	rows, err := l.sqlDB.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM learning_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := make(map[EventType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[EventType(typ)] = n
	}
	return out, rows.Err()
}

// #endregion queries
