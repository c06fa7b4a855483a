package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tendant/simple-delegation/pkg/config"
)

// RedisStore keeps revoked jti values as Redis keys that expire with the
// token they revoke, so several engine instances share one revocation list
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store using keys of the form prefix+jti. Entries
// are kept until originalExp plus grace.
func NewRedisStore(client *redis.Client, prefix string, grace time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		grace:  grace,
		now:    time.Now,
	}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

func (s *RedisStore) Add(ctx context.Context, jti string, originalExp time.Time) error {
	ttl := originalExp.Add(s.grace).Sub(s.now())
	if ttl <= 0 {
		// already rejected by expiry
		return nil
	}
	// SETNX keeps the first revocation, so repeated revokes are no-ops
	if err := s.client.SetNX(ctx, s.key(jti), originalExp.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis lookup failed: %w", err)
	}
	return n > 0, nil
}

// Collect is a no-op: Redis expires the keys itself
func (s *RedisStore) Collect(_ context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return count, nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
