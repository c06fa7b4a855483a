package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-delegation/pkg/config"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(config.RedisConfig{
		URL:      "redis://" + mr.Addr(),
		PoolSize: 5,
	})
	require.NoError(t, err)

	store := NewRedisStore(client, "test:revoked:", 30*time.Second)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("AddContains", func(t *testing.T) {
		s, mr := setupRedisStore(t)
		require.NoError(t, s.Add(ctx, "jti-1", time.Now().Add(time.Minute)))

		ok, err := s.Contains(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Contains(ctx, "jti-2")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.True(t, mr.Exists("test:revoked:jti-1"))
		ttl := mr.TTL("test:revoked:jti-1")
		assert.True(t, ttl > time.Minute && ttl <= 90*time.Second, "ttl %v", ttl)
	})

	t.Run("EntriesExpireWithToken", func(t *testing.T) {
		s, mr := setupRedisStore(t)
		require.NoError(t, s.Add(ctx, "jti-1", time.Now().Add(time.Minute)))

		mr.FastForward(2 * time.Minute)
		ok, err := s.Contains(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AlreadyExpiredIsSkipped", func(t *testing.T) {
		s, _ := setupRedisStore(t)
		require.NoError(t, s.Add(ctx, "jti-1", time.Now().Add(-time.Hour)))
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("IdempotentAndLen", func(t *testing.T) {
		s, _ := setupRedisStore(t)
		exp := time.Now().Add(time.Minute)
		require.NoError(t, s.Add(ctx, "jti-1", exp))
		require.NoError(t, s.Add(ctx, "jti-1", exp))
		require.NoError(t, s.Add(ctx, "jti-2", exp))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		removed, err := s.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("ConnectionFailure", func(t *testing.T) {
		_, err := NewRedisClient(config.RedisConfig{URL: "redis://127.0.0.1:1"})
		assert.Error(t, err)
	})
}
