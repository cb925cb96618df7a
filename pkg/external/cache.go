package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// CacheClient wraps Redis with caching of embedding vectors
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a new cache client
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheClientFromRedis(client, config.DefaultTTL), nil
}

// NewCacheClientFromRedis wraps an existing client.
func NewCacheClientFromRedis(client *redis.Client, defaultTTL time.Duration) *CacheClient {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &CacheClient{redis: client, defaultTTL: defaultTTL}
}

// CachedVector is the stored envelope for one embedding
type CachedVector struct {
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetVector retrieves a cached embedding
func (c *CacheClient) GetVector(ctx context.Context, model, text string) ([]float32, bool, error) {
	key := vectorKey(model, text)

	val, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get vector cache: %w", err)
	}

	var cached CachedVector
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Vector, true, nil
}

// SetVector caches an embedding; ttl 0 uses the default.
func (c *CacheClient) SetVector(ctx context.Context, model, text string, vec []float32, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	data, err := json.Marshal(CachedVector{
		Vector:    vec,
		Model:     model,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal vector cache data: %w", err)
	}
	return c.redis.Set(ctx, vectorKey(model, text), data, ttl).Err()
}

// InvalidateModel removes every cached vector for model.
func (c *CacheClient) InvalidateModel(ctx context.Context, model string) error {
	var cursor uint64
	pattern := fmt.Sprintf("embedding:%s:*", model)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks if Redis connection is alive
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

func vectorKey(model, text string) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:%s:%x", model, hash[:16])
}
