// Package ratelimit implements per-model request limiting with lazy-refill token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// Bucket is a token bucket with lazy refill (no background goroutine).
// Refill math relies on time.Sub's monotonic clock reading, so wall clock
// jumps never produce refill bursts.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	cfg      relay.RateLimit
	lastFill time.Time
	lastUsed time.Time
}

func newBucket(cfg relay.RateLimit) *Bucket {
	now := time.Now()
	return &Bucket{
		tokens:   cfg.Capacity(),
		capacity: cfg.Capacity(),
		rate:     cfg.Rate(),
		cfg:      cfg,
		lastFill: now,
		lastUsed: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to take one token. On failure it returns how long
// until one would be available at the current refill rate.
func (b *Bucket) tryConsume(now time.Time) (wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second)), false
}

// Registry manages per-model buckets keyed by "provider/model".
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// GetOrCreate returns the bucket for key, creating one if needed.
// If the model's limit config has changed, a fresh full bucket replaces
// the old one.
func (r *Registry) GetOrCreate(key string, cfg relay.RateLimit) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok && b.cfg == cfg {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.buckets[key]; ok && b.cfg == cfg {
		return b
	}
	b = newBucket(cfg)
	r.buckets[key] = b
	return b
}

// Acquire takes one token from the model's bucket, waiting for a refill at
// most once. When the required wait would overshoot the context deadline the
// call fails immediately with ErrRateLimited rather than burning the
// caller's remaining time.
func (r *Registry) Acquire(ctx context.Context, key string, cfg relay.RateLimit) error {
	b := r.GetOrCreate(key, cfg)

	wait, ok := b.tryConsume(time.Now())
	if ok {
		return nil
	}
	if deadline, has := ctx.Deadline(); has && wait > time.Until(deadline) {
		return fmt.Errorf("%s: %w, retry after %.2fs", key, relay.ErrRateLimited, wait.Seconds())
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w, canceled while waiting", key, relay.ErrRateLimited)
	case <-timer.C:
	}

	// Single retry. A competing caller may have taken the refilled token;
	// that is a rate-limited failure, not a reason to queue up.
	if _, ok := b.tryConsume(time.Now()); ok {
		return nil
	}
	return fmt.Errorf("%s: %w", key, relay.ErrRateLimited)
}

// EvictStale removes buckets not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, b := range r.buckets {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(r.buckets, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
