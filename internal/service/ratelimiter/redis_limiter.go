// Package ratelimiter implements the domain RateLimiter port as a Redis
// sliding-window counter with a global budget and a per-identity share. The
// limiter fails open: when Redis is unreachable the request proceeds and a
// warning is logged, since dropping analytics queries over a limiter outage
// is the worse failure mode.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// allowScript decides and consumes in one atomic step against both the
// global window and the identity window. Either budget being exhausted
// denies the request and records nothing.
// KEYS[1] global key, KEYS[2] identity key.
// ARGV[1] now-ms, ARGV[2] window-ms, ARGV[3] global max, ARGV[4] identity
// max, ARGV[5] member.
// Returns {allowed, global count, identity count} after the decision.
var allowScript = redis.NewScript(`
local cutoff = ARGV[1] - ARGV[2]
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, cutoff)
redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, cutoff)
local g = redis.call('ZCARD', KEYS[1])
local i = redis.call('ZCARD', KEYS[2])
if g >= tonumber(ARGV[3]) or i >= tonumber(ARGV[4]) then
  return {0, g, i}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return {1, g + 1, i + 1}
`)

// Limiter is a sliding-window rate limiter. The global window caps the whole
// deployment; each identity gets a fractional share of that budget so one
// noisy session cannot exhaust it alone.
type Limiter struct {
	rdb         *redis.Client
	window      time.Duration
	globalMax   int
	identityMax int
}

// New creates a Limiter allowing globalMax requests per window across all
// identities, with each identity capped at share of the global budget.
func New(rdb *redis.Client, window time.Duration, globalMax int, share float64) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if globalMax <= 0 {
		globalMax = 60
	}
	if share <= 0 || share > 1 {
		share = 0.25
	}
	identityMax := int(float64(globalMax) * share)
	if identityMax < 1 {
		identityMax = 1
	}
	return &Limiter{rdb: rdb, window: window, globalMax: globalMax, identityMax: identityMax}
}

const globalKey = "ratelimit:global"

func identityKey(key string) string {
	return "ratelimit:id:" + key
}

// Allow reports whether key may proceed and, when it may, consumes one slot
// from both the global and the identity window. remaining is the tighter of
// the two budgets; resetAt is when the oldest possible entry ages out.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := time.Now()
	resetAt := now.Add(l.window)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), nextSeq())

	res, err := allowScript.Run(ctx, l.rdb,
		[]string{globalKey, identityKey(key)},
		now.UnixMilli(), l.window.Milliseconds(),
		l.globalMax, l.identityMax, member).Int64Slice()
	if err != nil || len(res) != 3 {
		slog.WarnContext(ctx, "rate limiter unavailable; failing open",
			slog.String("key", key),
			slog.Any("error", err))
		return true, l.identityMax, resetAt, nil
	}

	remaining := min(l.globalMax-int(res[1]), l.identityMax-int(res[2]))
	if remaining < 0 {
		remaining = 0
	}
	if res[0] == 0 {
		observability.RateLimitedTotal.Inc()
		return false, remaining, resetAt, nil
	}
	return true, remaining, resetAt, nil
}

// Healthy reports whether the backing store answers a ping.
func (l *Limiter) Healthy(ctx context.Context) bool {
	return l.rdb.Ping(ctx).Err() == nil
}

var seq atomic.Uint64

// nextSeq disambiguates members created in the same nanosecond.
func nextSeq() uint64 { return seq.Add(1) }

var _ domain.RateLimiter = (*Limiter)(nil)
