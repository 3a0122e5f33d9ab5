// Package ratelimit bounds how often a key (a user, a connection) may act.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"
)

// Limiter is a set of fixed-window buckets keyed by caller. Every key gets
// limit tokens per interval.
type Limiter struct {
	limit    int
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// New creates a limiter allowing limit actions per interval and key.
// A non-positive limit allows everything.
func New(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Limiter{
		limit:    limit,
		interval: interval,
		clock:    clock.OrReal(clk),
		buckets:  make(map[string]*bucket),
	}
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN takes n tokens for key, or none if fewer than n remain.
func (l *Limiter) AllowN(key string, n int) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.lastFill) >= l.interval {
		b = &bucket{tokens: l.limit, lastFill: now}
		l.buckets[key] = b
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// RetryAfter reports how long until key's bucket refills.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return 0
	}
	if d := b.lastFill.Add(l.interval).Sub(l.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Reset clears the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Cleanup forgets buckets whose window has long passed. Its signature
// matches scheduler.TaskFunc.
func (l *Limiter) Cleanup(ctx context.Context) error {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > 2*l.interval {
			delete(l.buckets, key)
		}
	}
	return nil
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
