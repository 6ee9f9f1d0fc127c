package cache

import (
	"context"
	"fmt"
	"time"

	"hopper/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = fmt.Errorf("cache miss")

// Cache defines the interface for a caching implementation
type Cache interface {
	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache
	Delete(ctx context.Context, key string) error

	// MarkOnce records the key if it was never seen before and reports
	// whether this call was the first. Used to absorb duplicate storage
	// notifications; best effort only.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping tests the connection to the cache
	Ping(ctx context.Context) error

	// Close releases resources used by the cache
	Close() error
}

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis")
		return nil, err
	}

	log.Info().
		Str("address", cfg.Address).
		Str("prefix", cfg.Prefix).
		Int("db", cfg.DB).
		Msg("Redis cache initialized successfully")

	return &RedisCache{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// formatKey adds the prefix to the key
func (c *RedisCache) formatKey(key string) string {
	return c.prefix + ":" + key
}

// Get retrieves a value from the cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := c.client.Get(ctx, c.formatKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	} else if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Error getting value from Redis")
		return nil, err
	}

	return result, nil
}

// Set stores a value in the cache with an optional TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.formatKey(key), value, ttl).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Error setting value in Redis")
		return err
	}
	return nil
}

// Delete removes a key from the cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.formatKey(key)).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Error deleting key from Redis")
		return err
	}
	return nil
}

// MarkOnce records the key if it was never seen before and reports whether
// this call was the first
func (c *RedisCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first, err := c.client.SetNX(ctx, c.formatKey(key), "1", ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Error marking key in Redis")
		return false, err
	}

	if !first {
		log.Debug().Str("key", key).Msg("Key already marked, duplicate notification")
	}
	return first, nil
}

// Ping tests the connection to the cache
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases resources used by the cache
func (c *RedisCache) Close() error {
	return c.client.Close()
}
