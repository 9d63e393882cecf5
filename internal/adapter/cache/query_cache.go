// Package cache provides a Redis-backed result cache keyed by sanitized SQL.
// Identical sanitized statements return identical results within the TTL, so
// repeated dashboard-style questions skip the engine entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/censusgate/censusgate/internal/domain"
)

// QueryCache stores QueryResult values as JSON. Like the rate limiter it
// degrades silently: a Redis failure means a cache miss, never an error.
type QueryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a QueryCache with the given TTL.
func New(rdb *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{rdb: rdb, ttl: ttl}
}

func key(sanitizedSQL string) string {
	sum := sha256.Sum256([]byte(sanitizedSQL))
	return "qcache:" + hex.EncodeToString(sum[:])
}

// Get returns the cached result for the sanitized statement, if any.
func (c *QueryCache) Get(ctx context.Context, sanitizedSQL string) (*domain.QueryResult, bool) {
	raw, err := c.rdb.Get(ctx, key(sanitizedSQL)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.DebugContext(ctx, "query cache get failed", slog.Any("error", err))
		}
		return nil, false
	}
	var res domain.QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		slog.WarnContext(ctx, "query cache entry corrupt; dropping", slog.Any("error", err))
		c.rdb.Del(ctx, key(sanitizedSQL))
		return nil, false
	}
	return &res, true
}

// Put stores res under the sanitized statement for the cache TTL.
func (c *QueryCache) Put(ctx context.Context, sanitizedSQL string, res domain.QueryResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(sanitizedSQL), raw, c.ttl).Err(); err != nil {
		slog.DebugContext(ctx, "query cache put failed", slog.Any("error", err))
	}
}

var _ domain.QueryCache = (*QueryCache)(nil)
