// Package ratelimit implements a per-user token bucket rate limiter on top of
// golang.org/x/time/rate. Thread-safe. No background goroutines; idle
// buckets are pruned lazily during Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	idleTTL       = 10 * time.Minute
	pruneInterval = time.Minute
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	users     map[string]*entry
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*entry),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token for userID, or returns ErrRateLimited.
func (l *Limiter) Allow(userID string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.users[userID]
	if !ok {
		// First request starts with a full bucket.
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = e
	}
	e.lastSeen = now
	l.prune(now)

	if !e.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// prune drops buckets idle for longer than idleTTL. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.lastPrune = now
	for id, e := range l.users {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.users, id)
		}
	}
}
