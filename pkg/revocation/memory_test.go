package revocation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("AddContains", func(t *testing.T) {
		s := NewMemoryStore()
		ok, err := s.Contains(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Add(ctx, "jti-1", now.Add(time.Minute)))
		ok, err = s.Contains(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AddIsIdempotent", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Add(ctx, "jti-1", now.Add(time.Minute)))
		require.NoError(t, s.Add(ctx, "jti-1", now.Add(time.Hour)))
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CollectDropsExpired", func(t *testing.T) {
		clock := now
		s := NewMemoryStore(WithGrace(30*time.Second), WithClock(func() time.Time { return clock }))
		require.NoError(t, s.Add(ctx, "old", now.Add(-time.Minute)))
		require.NoError(t, s.Add(ctx, "in-grace", now.Add(-10*time.Second)))
		require.NoError(t, s.Add(ctx, "live", now.Add(time.Minute)))

		removed, err := s.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		ok, _ := s.Contains(ctx, "in-grace")
		assert.True(t, ok)
		ok, _ = s.Contains(ctx, "old")
		assert.False(t, ok)

		clock = now.Add(2 * time.Minute)
		removed, err = s.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
	})

	t.Run("Concurrent", func(t *testing.T) {
		s := NewMemoryStore()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				jti := fmt.Sprintf("jti-%d", i%10)
				_ = s.Add(ctx, jti, now.Add(time.Minute))
				_, _ = s.Contains(ctx, jti)
				_, _ = s.Collect(ctx)
			}(i)
		}
		wg.Wait()

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})
}
