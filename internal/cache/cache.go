// Package cache memoizes resolved derivative URLs, immutable metadata and job
// results behind Redis. It carries the two stampede defenses the read path
// relies on: TTL jitter on short-lived entries and negative markers for keys
// that do not exist.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TTLImageURL covers resolved derivative URLs.
	TTLImageURL = 24 * time.Hour
	// TTLMetadata covers immutable image metadata.
	TTLMetadata = 7 * 24 * time.Hour
	// TTLTaskResult covers cached job results.
	TTLTaskResult = time.Hour
	// TTLNegative bounds how long a not-found marker shadows the slow path.
	TTLNegative = 5 * time.Minute
)

const notFoundPrefix = "nf:"

// Cache is a Redis-backed key/value store with TTLs and JSON values.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// ImageURLKey is the cache key for a resolved derivative URL.
func ImageURLKey(fileID, paramsHash string) string {
	return fmt.Sprintf("image:url:%s:%s", fileID, paramsHash)
}

// ImageMetaKey is the cache key for extracted image metadata.
func ImageMetaKey(fileID string) string {
	return fmt.Sprintf("image:meta:%s", fileID)
}

// TaskResultKey is the cache key for a finished job's result.
func TaskResultKey(taskID string) string {
	return fmt.Sprintf("task:result:%s", taskID)
}

// Get reads a JSON value into dest. The second return reports whether the key
// was present.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache get %s: failed to unmarshal: %w", key, err)
	}

	return true, nil
}

// Set writes a JSON value with the given TTL. A positive write is
// authoritative: any negative marker for the key is dropped in the same
// pipeline, so a stale not-found cannot shadow fresh data.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: failed to marshal: %w", key, err)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, notFoundPrefix+key)
	pipe.Set(ctx, key, raw, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	return nil
}

// SetWithJitter is Set with the TTL jittered by up to 20% in either
// direction, spreading out expiry of entries written in the same burst.
func (c *Cache) SetWithJitter(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	spread := int64(ttl) / 5
	jitter := time.Duration(rand.Int63n(2*spread+1) - spread)

	return c.Set(ctx, key, value, ttl+jitter)
}

// MarkNotFound records that a key has no backing data, for a short TTL.
// Repeated lookups of a nonexistent key then stop hitting the slow path.
func (c *Cache) MarkNotFound(ctx context.Context, key string) error {
	if err := c.client.Set(ctx, notFoundPrefix+key, "1", TTLNegative).Err(); err != nil {
		return fmt.Errorf("cache mark not found %s: %w", key, err)
	}

	return nil
}

// IsNotFound reports whether the key carries an unexpired negative marker.
func (c *Cache) IsNotFound(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, notFoundPrefix+key).Result()

	return err == nil && n > 0
}

// Delete removes keys and their negative markers.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, k, notFoundPrefix+k)
	}

	if err := c.client.Del(ctx, all...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}

	return nil
}

// DeleteByPattern removes every key matching the glob pattern and returns the
// number removed. Keys are discovered with SCAN, not KEYS, so large keyspaces
// stay responsive.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	var deleted int

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("cache delete by pattern %s: %w", pattern, err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
	}

	return deleted, nil
}

// InvalidateImage removes every cache entry scoped under a file id: all
// parameter-hash URL variants, the metadata entry and any negative markers.
func (c *Cache) InvalidateImage(ctx context.Context, fileID string) (int, error) {
	patterns := []string{
		fmt.Sprintf("image:*:%s*", fileID),
		fmt.Sprintf("%simage:*:%s*", notFoundPrefix, fileID),
	}

	var total int
	for _, p := range patterns {
		n, err := c.DeleteByPattern(ctx, p)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
