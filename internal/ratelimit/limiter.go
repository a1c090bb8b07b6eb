// Package ratelimit implements sliding-window-log admission control for the
// gateway. Each limiter tracks individual request timestamps per identity, so
// admission decisions are exact rather than bucketed.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a sliding-window-log rate limiter. State is in-memory only and
// rebuilt from zero on restart.
type Limiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration

	// identity -> ordered request timestamps inside the window
	requests map[string][]time.Time

	now func() time.Time
}

// Config holds limiter settings for one pool.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// New creates a limiter. Non-positive settings fall back to 60 requests
// per minute.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Check admits or rejects one request for the identity. On admission the
// request timestamp is recorded; on rejection nothing is recorded and
// RetryAfter reports when the oldest surviving request leaves the window.
func (l *Limiter) Check(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(identity, now)

	if len(recent) >= l.maxRequests {
		retryAfter := recent[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.requests[identity] = recent
		log.Warn().Str("identity", identity).Int("requests", len(recent)).
			Dur("retry_after", retryAfter).Msg("rate limit exceeded")
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	recent = append(recent, now)
	l.requests[identity] = recent
	return Decision{Allowed: true, Remaining: l.maxRequests - len(recent)}
}

// Remaining reports how many requests the identity may still make in the
// current window without recording anything.
func (l *Limiter) Remaining(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.maxRequests - len(l.prune(identity, l.now()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RetryAfter reports how long the identity must wait before its next request
// would be admitted. Zero means a request would be admitted now.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(identity, now)
	if len(recent) < l.maxRequests {
		return 0
	}
	retryAfter := recent[0].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

// Reset clears all recorded requests for the identity.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, identity)
}

// Cleanup evicts identities with no requests inside the window. Call
// periodically to bound memory.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)
	evicted := 0
	for identity, stamps := range l.requests {
		var recent []time.Time
		for _, t := range stamps {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.requests, identity)
			evicted++
		} else {
			l.requests[identity] = recent
		}
	}
	return evicted
}

// prune returns the identity's timestamps still inside the window. Caller
// must hold the lock.
func (l *Limiter) prune(identity string, now time.Time) []time.Time {
	windowStart := now.Add(-l.window)
	var recent []time.Time
	for _, t := range l.requests[identity] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	return recent
}
