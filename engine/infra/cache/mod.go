package cache

import (
	"context"
	"fmt"
)

// Cache bundles the store-facing collaborators: the raw connection, the
// key-value adapter, and the distributed lock manager built on top of it.
type Cache struct {
	Redis       *Redis
	Adapter     *RedisAdapter
	LockManager LockManager
}

// SetupCache creates a new Cache instance with Redis backend.
func SetupCache(ctx context.Context, config *Config) (*Cache, error) {
	if config == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}

	redis, err := NewRedis(ctx, config)
	if err != nil {
		return nil, err
	}

	adapter, err := NewRedisAdapter(redis)
	if err != nil {
		redis.Close()
		return nil, err
	}

	// Create lock manager for distributed locking
	lockManager, err := NewRedisLockManager(redis)
	if err != nil {
		redis.Close()
		return nil, err
	}
	if config.LockConfig != nil {
		lockManager = lockManager.WithPollInterval(config.PollInterval)
	}

	return &Cache{
		Redis:       redis,
		Adapter:     adapter,
		LockManager: lockManager,
	}, nil
}

// Close gracefully shuts down the cache.
func (c *Cache) Close() error {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			return fmt.Errorf("failed to close Redis: %w", err)
		}
	}
	return nil
}

// HealthCheck performs a health check on all cache components.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if c.Redis != nil {
		return c.Redis.HealthCheck(ctx)
	}
	return nil
}
