// Package cache keeps each user's most recent plan so the serving path can
// fall back to it when planning misses its budget.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

// PlanCache stores the last plan per user with a TTL.
type PlanCache interface {
	Get(ctx context.Context, userID string) (planner.Plan, bool, error)
	Put(ctx context.Context, plan planner.Plan) error
	Close() error
}

// #region memory
type entry struct {
	plan    planner.Plan
	expires time.Time
}

// Memory is an in-process PlanCache. Expired entries are dropped on read and
// by Put once the map grows past its sweep mark.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	sweepAt int
}

// NewMemory creates an in-process cache. A non-positive ttl disables expiry.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]entry), sweepAt: 1024}
}

// WithClock overrides the expiry clock.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, userID string) (planner.Plan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return planner.Plan{}, false, nil
	}
	if m.ttl > 0 && !m.now().Before(e.expires) {
		delete(m.entries, userID)
		return planner.Plan{}, false, nil
	}
	return e.plan, true, nil
}

func (m *Memory) Put(_ context.Context, plan planner.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[plan.UserID] = entry{plan: plan, expires: now.Add(m.ttl)}
	if m.ttl > 0 && len(m.entries) > m.sweepAt {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
		m.sweepAt = 2 * len(m.entries)
		if m.sweepAt < 1024 {
			m.sweepAt = 1024
		}
	}
	return nil
}

// Len reports the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

// #endregion memory
