package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(perMinute, burst int, ttl time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(perMinute, burst, ttl)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	// 60 per minute is one token per second, burst 2
	rl, clock := newTestLimiter(60, 2, 0)

	if !rl.Allow("key1") {
		t.Error("First request for key1 should be allowed")
	}
	if !rl.Allow("key1") {
		t.Error("Second request for key1 should be allowed")
	}
	if rl.Allow("key1") {
		t.Error("Third request for key1 should be denied")
	}

	// Separate bucket per key
	if !rl.Allow("key2") {
		t.Error("First request for key2 should be allowed")
	}

	clock.Advance(1100 * time.Millisecond)
	if !rl.Allow("key1") {
		t.Error("Request after 1s should be allowed")
	}
	if rl.Allow("key1") {
		t.Error("Second request after 1s should be denied")
	}
}

func TestRateLimiter_ReserveReportsWait(t *testing.T) {
	rl, _ := newTestLimiter(60, 1, 0)

	if wait := rl.Reserve("key1"); wait != 0 {
		t.Errorf("Expected no wait, got %v", wait)
	}
	wait := rl.Reserve("key1")
	if wait <= 0 || wait > time.Second {
		t.Errorf("Expected wait in (0, 1s], got %v", wait)
	}

	// A denied request must not consume the next token
	if again := rl.Reserve("key1"); again != wait {
		t.Errorf("Expected denied reservation to be cancelled, wait went from %v to %v", wait, again)
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	rl, _ := newTestLimiter(60, 1, 0)

	rl.Allow("key1")
	if rl.Allow("key1") {
		t.Error("Second request should be denied")
	}

	rl.Reset("key1")
	if !rl.Allow("key1") {
		t.Error("Request after reset should be allowed")
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	rl, _ := newTestLimiter(300, 10, 0)

	rl.Allow("key1")
	rl.Allow("key2")
	rl.Allow("key3")

	stats := rl.GetStats()
	if stats.ActiveBuckets != 3 {
		t.Errorf("Expected 3 active buckets, got %d", stats.ActiveBuckets)
	}
	if stats.Burst != 10 {
		t.Errorf("Expected burst 10, got %d", stats.Burst)
	}
	if stats.PerSecond != 5.0 {
		t.Errorf("Expected 5 per second, got %f", stats.PerSecond)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(60, 5, time.Minute)

	rl.Allow("idle")
	clock.Advance(45 * time.Second)
	rl.Allow("busy")
	clock.Advance(30 * time.Second)

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", removed)
	}
	if stats := rl.GetStats(); stats.ActiveBuckets != 1 {
		t.Errorf("Expected 1 active bucket after cleanup, got %d", stats.ActiveBuckets)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl, _ := newTestLimiter(60, 50, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("concurrent-test") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// The clock is frozen so exactly the burst gets through
	if allowed != 50 {
		t.Errorf("Expected 50 allowed requests, got %d", allowed)
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	rl := NewRateLimiter(60000000, 1000000, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("benchmark-key")
	}
}
