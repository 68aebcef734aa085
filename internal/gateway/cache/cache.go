package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrmushfiq/langroute/internal/shared/models"
	"github.com/mrmushfiq/langroute/internal/shared/redis"
)

// Cache keeps caller records in redis so authentication does not hit the
// database on every request.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

func callerKey(virtualKey string) string {
	return "caller:" + virtualKey
}

// Get retrieves a cached caller. A miss returns redis.ErrKeyNotFound.
func (c *Cache) Get(ctx context.Context, virtualKey string) (*models.Caller, error) {
	val, err := c.redis.Get(ctx, callerKey(virtualKey))
	if err != nil {
		return nil, err
	}

	var caller models.Caller
	if err := json.Unmarshal([]byte(val), &caller); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached caller: %w", err)
	}

	return &caller, nil
}

// Set stores a caller in cache
func (c *Cache) Set(ctx context.Context, caller *models.Caller) error {
	data, err := json.Marshal(caller)
	if err != nil {
		return fmt.Errorf("failed to serialize caller: %w", err)
	}

	return c.redis.Set(ctx, callerKey(caller.VirtualKey), string(data), c.ttl)
}

// Invalidate drops the cached caller
func (c *Cache) Invalidate(ctx context.Context, virtualKey string) error {
	return c.redis.Del(ctx, callerKey(virtualKey))
}
