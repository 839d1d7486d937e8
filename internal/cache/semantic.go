// Package cache implements the semantic response cache: LLM and
// classification responses keyed by a digest of the prompt and payload,
// stored in Redis with a TTL and an LRU recency index.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyVersion = "v1"

// Semantic caches stage responses in Redis.
type Semantic struct {
	rdb        redis.UniversalClient
	logger     *slog.Logger
	prefix     string
	ttl        time.Duration
	maxEntries int64
	now        func() time.Time
}

// New creates a semantic cache. prefix namespaces the keys
// (e.g. "horadus:semcache"); maxEntries bounds the recency index.
func New(rdb redis.UniversalClient, logger *slog.Logger, prefix string, ttl time.Duration, maxEntries int64) *Semantic {
	if prefix == "" {
		prefix = "horadus:semcache"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Semantic{
		rdb:        rdb,
		logger:     logger,
		prefix:     prefix,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Key builds the cache key for one (stage, model, prompt, payload)
// combination. Prompt and payload are digested so that key length is
// bounded regardless of content size.
func (c *Semantic) Key(stage, model, prompt, payload string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		c.prefix, stage, keyVersion, model, digest(prompt), digest(payload))
}

// Get returns the cached response for the combination, bumping its
// recency on a hit.
func (c *Semantic) Get(ctx context.Context, stage, model, prompt, payload string) (string, bool, error) {
	key := c.Key(stage, model, prompt, payload)
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: get: %w", err)
	}
	if err := c.touch(ctx, key); err != nil {
		c.logger.Warn("cache recency bump failed", "error", err)
	}
	return val, true, nil
}

// Put stores a response and trims the index to maxEntries, evicting
// the least recently used keys.
func (c *Semantic) Put(ctx context.Context, stage, model, prompt, payload, response string) error {
	key := c.Key(stage, model, prompt, payload)
	if err := c.rdb.Set(ctx, key, response, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	if err := c.touch(ctx, key); err != nil {
		return err
	}
	return c.trim(ctx)
}

func (c *Semantic) touch(ctx context.Context, key string) error {
	err := c.rdb.ZAdd(ctx, c.recencyKey(), redis.Z{
		Score:  float64(c.now().UnixNano()),
		Member: key,
	}).Err()
	if err != nil {
		return fmt.Errorf("cache: recency: %w", err)
	}
	return nil
}

func (c *Semantic) trim(ctx context.Context) error {
	n, err := c.rdb.ZCard(ctx, c.recencyKey()).Result()
	if err != nil {
		return fmt.Errorf("cache: card: %w", err)
	}
	excess := n - c.maxEntries
	if excess <= 0 {
		return nil
	}
	victims, err := c.rdb.ZRange(ctx, c.recencyKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("cache: victims: %w", err)
	}
	if len(victims) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, victims...).Err(); err != nil {
		return fmt.Errorf("cache: evict: %w", err)
	}
	members := make([]any, len(victims))
	for i, v := range victims {
		members[i] = v
	}
	if err := c.rdb.ZRem(ctx, c.recencyKey(), members...).Err(); err != nil {
		return fmt.Errorf("cache: evict index: %w", err)
	}
	c.logger.Debug("semantic cache evicted", "count", len(victims))
	return nil
}

// Len reports the number of indexed entries.
func (c *Semantic) Len(ctx context.Context) (int64, error) {
	n, err := c.rdb.ZCard(ctx, c.recencyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: card: %w", err)
	}
	return n, nil
}

func (c *Semantic) recencyKey() string {
	return c.prefix + ":recency"
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
