// Package ratelimit caps requests per team per minute. The in-memory limiter
// serves a single instance; the Redis limiter shares one window across all
// instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	// Allow counts one request against key. A limit below 1 always allows.
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// InMemoryLimiter uses fixed one-minute windows.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*counter
	now     func() time.Time
}

type counter struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{windows: make(map[string]*counter), now: time.Now}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	now := l.now()
	if limit < 1 {
		return Decision{Allowed: true, ResetAt: now.Add(window)}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.windows[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		l.windows[key] = c
	}

	d := Decision{Limit: limit, ResetAt: c.resetAt}
	if c.count >= limit {
		return d, nil
	}
	c.count++
	d.Allowed = true
	d.Remaining = limit - c.count
	return d, nil
}

// Key scopes a limiter key to a team.
func Key(teamID string) string {
	return "ratelimit:team:" + teamID
}
