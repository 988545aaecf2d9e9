// Package redis provides a Redis-backed cache for query results.
//
// The cache is strictly an accelerator: every method degrades to a miss or a
// no-op when the cache is disabled or unreachable, so callers never fail a
// request because of it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/sift-api/internal/config"
)

// scanBatchSize bounds the number of keys fetched per SCAN iteration
// during prefix invalidation.
const scanBatchSize = 100

// Cache wraps a Redis client with the key schema and TTL policy used for
// cached data pages and row counts. A nil *Cache is valid and behaves as
// a cache that always misses.
type Cache struct {
	client   *goredis.Client
	logger   *slog.Logger
	pageTTL  time.Duration
	countTTL time.Duration
}

// New creates a Cache from configuration. If cfg.Addr is empty, caching is
// disabled and New returns nil.
func New(cfg config.CacheConfig, logger *slog.Logger) *Cache {
	if cfg.Addr == "" {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Cache{
		client:   client,
		logger:   logger.With(slog.String("component", "cache")),
		pageTTL:  time.Duration(cfg.PageTTLSeconds) * time.Second,
		countTTL: time.Duration(cfg.CountTTLSeconds) * time.Second,
	}
}

// NewFromClient creates a Cache from an existing client (useful for testing).
func NewFromClient(client *goredis.Client, pageTTL, countTTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client:   client,
		logger:   logger.With(slog.String("component", "cache")),
		pageTTL:  pageTTL,
		countTTL: countTTL,
	}
}

// Ping checks connectivity to the Redis server.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// PageKey returns the cache key for a serialized result page.
// fingerprint identifies the canonical query the page answers.
func PageKey(uploadID, fingerprint string) string {
	return "data:" + uploadID + ":" + fingerprint
}

// CountKey returns the cache key for a filtered row count.
func CountKey(uploadID, fingerprint string) string {
	return "count:" + uploadID + ":" + fingerprint
}

// GetPage retrieves a cached page body. A miss, a disabled cache, and a
// Redis error all return (nil, false).
func (c *Cache) GetPage(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

// SetPage stores a serialized page body under key with the page TTL.
// Failures are logged and swallowed.
func (c *Cache) SetPage(ctx context.Context, key string, data []byte) {
	if c == nil {
		return
	}

	if err := c.client.Set(ctx, key, data, c.pageTTL).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// GetCount retrieves a cached row count.
func (c *Cache) GetCount(ctx context.Context, key string) (int64, bool) {
	if c == nil {
		return 0, false
	}

	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return 0, false
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn("discarding corrupt cached count", "key", key, "value", raw)
		return 0, false
	}
	return count, true
}

// SetCount stores a row count under key with the count TTL.
func (c *Cache) SetCount(ctx context.Context, key string, count int64) {
	if c == nil {
		return
	}

	if err := c.client.Set(ctx, key, strconv.FormatInt(count, 10), c.countTTL).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// InvalidateUpload removes every cached page and count for an upload.
// Used when an upload is deleted so stale pages cannot outlive their rows.
func (c *Cache) InvalidateUpload(ctx context.Context, uploadID string) error {
	if c == nil {
		return nil
	}

	for _, pattern := range []string{
		PageKey(uploadID, "*"),
		CountKey(uploadID, "*"),
	} {
		if err := c.deleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// deleteByPattern removes all keys matching pattern in SCAN batches.
func (c *Cache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("cache scan failed for %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache delete failed for %q: %w", pattern, err)
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			return nil
		}
	}
}
