// Package ratelimit provides per-client token bucket rate limiting for the
// delegation and token endpoints.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages one token bucket per key
type RateLimiter struct {
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration // Time to keep inactive buckets in memory
	now     func() time.Time
	mu      sync.Mutex
}

// NewRateLimiter creates a rate limiter.
// perMinute: sustained requests allowed per minute per key
// burst: maximum requests allowed at once per key
// ttl: time to keep inactive buckets in memory (0 = forever)
func NewRateLimiter(perMinute, burst int, ttl time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.Reserve(key) == 0
}

// Reserve consumes a token for key if one is available and returns zero.
// Otherwise it consumes nothing and returns how long until a token frees up.
func (rl *RateLimiter) Reserve(key string) time.Duration {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}

// Reset forgets the bucket for key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Cleanup drops buckets idle for longer than the TTL and returns how many
// were removed
func (rl *RateLimiter) Cleanup() int {
	if rl.ttl <= 0 {
		return 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.ttl {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Stats returns statistics about the rate limiter
type Stats struct {
	ActiveBuckets int     `json:"active_buckets"`
	Burst         int     `json:"burst"`
	PerSecond     float64 `json:"per_second"`
}

// GetStats returns current statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		ActiveBuckets: len(rl.buckets),
		Burst:         rl.burst,
		PerSecond:     float64(rl.limit),
	}
}
