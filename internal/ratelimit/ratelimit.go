// Package ratelimit implements an in-process sliding-window limiter for
// sensitive user actions. State lives in one process only: restarts forget
// it and separate instances do not share it.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed           bool `json:"allowed"`
	RetryAfterSeconds int  `json:"retry_after_seconds"`
	Remaining         int  `json:"remaining"`
}

// Config defines the limit
type Config struct {
	MaxAttempts int
	Window      time.Duration
	Now         func() time.Time // defaults to time.Now
}

// Limiter counts attempts per key within the trailing window.
type Limiter struct {
	mu      sync.Mutex
	buckets   map[string][]time.Time
	max       int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// New creates a limiter. MaxAttempts below 1 is treated as 1.
func New(cfg Config) *Limiter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		buckets: make(map[string][]time.Time),
		max:     cfg.MaxAttempts,
		window:  cfg.Window,
		now:     cfg.Now,
	}
}

// Consume records an attempt for key if fewer than MaxAttempts attempts fall
// within [now-Window, now]. A denied attempt is not recorded.
func (l *Limiter) Consume(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	bucket := l.buckets[key]
	keep := 0
	for keep < len(bucket) && bucket[keep].Before(cutoff) {
		keep++
	}
	bucket = bucket[keep:]

	if len(bucket) >= l.max {
		l.buckets[key] = bucket
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: RetryAfterSeconds(bucket[0].Add(l.window).Sub(now)),
			Remaining:         0,
		}
	}

	bucket = append(bucket, now)
	l.buckets[key] = bucket

	return Decision{
		Allowed:   true,
		Remaining: l.max - len(bucket),
	}
}

// sweep drops keys whose newest attempt left the window. At most once per
// window, so idle keys do not accumulate.
func (l *Limiter) sweep(cutoff time.Time) {
	for k, b := range l.buckets {
		if len(b) == 0 || b[len(b)-1].Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow adapts Consume to the context-aware limiter interface used by the API.
func (l *Limiter) Allow(_ context.Context, key string) (Decision, error) {
	return l.Consume(key), nil
}

// Reset forgets every attempt of key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Clear forgets every key.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string][]time.Time)
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
