// Package ratelimit throttles repeated work per key, such as the warning
// logged for every event a slow IPC client fails to take.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/apmux/internal/clock"
)

// Limiter allows up to limit calls per key in each fixed window.
type Limiter struct {
	clock    clock.Clock
	limit    int
	interval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	start      time.Time
	suppressed int
}

// NewLimiter creates a limiter. A nil clock uses the system clock.
func NewLimiter(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real
	}
	return &Limiter{
		clock:    clk,
		limit:    limit,
		interval: interval,
		buckets:  make(map[string]*bucket),
	}
}

// Allow takes a token for key. The first call of a new window also
// reports how many calls the previous window refused.
func (l *Limiter) Allow(key string) (ok bool, suppressed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{tokens: l.limit, start: now}
		l.buckets[key] = b
	} else if now.Sub(b.start) >= l.interval {
		b.tokens = l.limit
		b.start = now
	}

	if b.tokens <= 0 {
		b.suppressed++
		return false, 0
	}
	b.tokens--
	suppressed, b.suppressed = b.suppressed, 0
	return true, suppressed
}

// Forget drops the state of key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
