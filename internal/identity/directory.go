package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/danielpatrickdp/adaptive-policy/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id         TEXT PRIMARY KEY,
	role            TEXT,
	specialty       TEXT,
	account_created TEXT,
	last_seen       TEXT NOT NULL
);
`

// Directory mirrors the identities the engine has seen so batch jobs can
// group beliefs by specialty and experience. Writes happen only when a
// profile is new or changed.
type Directory struct {
	sqlDB *sql.DB

	mu    sync.RWMutex
	known map[string]User
}

// NewDirectory migrates the users table and warms the cache.
func NewDirectory(ctx context.Context, sqlDB *sql.DB) (*Directory, error) {
	if err := db.Migrate(sqlDB, schema); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	d := &Directory{sqlDB: sqlDB, known: make(map[string]User)}
	users, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		d.known[u.ID] = u
	}
	return d, nil
}

// Remember records the profile if it differs from the cached one.
func (d *Directory) Remember(ctx context.Context, u User) error {
	if u.ID == "" {
		return nil
	}
	d.mu.RLock()
	prev, ok := d.known[u.ID]
	d.mu.RUnlock()
	if ok && prev.Role == u.Role && prev.Specialty == u.Specialty && prev.AccountCreated.Equal(u.AccountCreated) {
		return nil
	}

	created := ""
	if !u.AccountCreated.IsZero() {
		created = db.FormatTime(u.AccountCreated)
	}
	_, err := d.sqlDB.ExecContext(ctx,
		`INSERT INTO users (user_id, role, specialty, account_created, last_seen)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(user_id) DO UPDATE SET role = excluded.role, specialty = excluded.specialty,
			account_created = excluded.account_created, last_seen = excluded.last_seen`,
		u.ID, db.NullIfEmpty(u.Role), db.NullIfEmpty(u.Specialty), db.NullIfEmpty(created),
	)
	if err != nil {
		return fmt.Errorf("remember user %s: %w", u.ID, err)
	}
	d.mu.Lock()
	d.known[u.ID] = u
	d.mu.Unlock()
	return nil
}

// Lookup returns a cached profile.
func (d *Directory) Lookup(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.known[id]
	return u, ok
}

// All returns a copy of every known profile.
func (d *Directory) All() map[string]User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]User, len(d.known))
	for k, v := range d.known {
		out[k] = v
	}
	return out
}

func (d *Directory) load(ctx context.Context) ([]User, error) {
	rows, err := d.sqlDB.QueryContext(ctx, `SELECT user_id, role, specialty, account_created FROM users`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var role, specialty, created sql.NullString
		if err := rows.Scan(&u.ID, &role, &specialty, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = role.String
		u.Specialty = specialty.String
		if created.Valid {
			u.AccountCreated = db.ParseTime(created.String)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
