package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// NarrativeCache stores narrative-formatter prose in Redis, keyed by
// request ID, so a dashboard re-rendering the same recommendation does not
// re-invoke the (billed, rate-limited) external formatter.
type NarrativeCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewNarrativeCache builds a NarrativeCache from the shared cache config.
func NewNarrativeCache(cfg domain.CacheConfig) (*NarrativeCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &NarrativeCache{redis: client, defaultTTL: cfg.DefaultTTL}, nil
}

type cachedNarrative struct {
	Text      string    `json:"text"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Get returns the cached narrative for a request ID, if present and unexpired.
func (c *NarrativeCache) Get(ctx context.Context, requestID string) (string, bool, error) {
	key := narrativeKey(requestID)
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting narrative cache: %w", err)
	}

	var cached cachedNarrative
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return "", false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return "", false, nil
	}
	return cached.Text, true, nil
}

// Set caches a narrative for a request ID with the cache's default TTL.
func (c *NarrativeCache) Set(ctx context.Context, requestID, text string) error {
	key := narrativeKey(requestID)
	cached := cachedNarrative{
		Text:      text,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(c.defaultTTL),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling narrative cache entry: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.defaultTTL).Err()
}

// Close releases the Redis connection.
func (c *NarrativeCache) Close() error { return c.redis.Close() }

func narrativeKey(requestID string) string {
	return "narrative:" + requestID
}
