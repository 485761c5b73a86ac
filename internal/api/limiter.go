package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user. Buckets idle for longer than
// idleAfter are dropped once the map grows past sweepAt.
type userLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	users map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	sweepAt   = 4096
	idleAfter = 10 * time.Minute
)

// newUserLimiter returns nil when perSecond is 0, which disables limiting.
func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{limit: rate.Limit(perSecond), burst: burst, users: make(map[string]*bucket)}
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.users[userID]
	if !ok {
		if len(l.users) >= sweepAt {
			for id, old := range l.users {
				if now.Sub(old.seen) > idleAfter {
					delete(l.users, id)
				}
			}
		}
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
