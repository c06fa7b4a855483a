package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a mutex guarded map
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	grace   time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithGrace keeps entries for an extra duration past their exp. Set it to
// the validator clock skew.
func WithGrace(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.grace = d
	}
}

// WithClock overrides the clock used by Collect
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Add(_ context.Context, jti string, originalExp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jti]; !ok {
		s.entries[jti] = originalExp
	}
	return nil
}

func (s *MemoryStore) Contains(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok, nil
}

func (s *MemoryStore) Collect(_ context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for jti, exp := range s.entries {
		if exp.Before(cutoff) {
			delete(s.entries, jti)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
