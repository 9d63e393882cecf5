package ratelimiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, window time.Duration, globalMax int, share float64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, window, globalMax, share), mr
}

func TestLimiter_AllowsUpToIdentityShare(t *testing.T) {
	// Global 8, share 0.25: each identity gets 2.
	l, _ := newTestLimiter(t, time.Minute, 8, 0.25)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
		assert.Equal(t, 1-i, remaining)
	}

	allowed, remaining, _, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, allowed, "identity share exhausted")
	assert.Equal(t, 0, remaining)

	// A different identity still has global budget left.
	allowed, _, _, err = l.Allow(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiter_GlobalBudgetSpansIdentities(t *testing.T) {
	// Global 4, share 0.5: two identities can drain the whole deployment.
	l, _ := newTestLimiter(t, time.Minute, 4, 0.5)
	ctx := context.Background()

	for _, key := range []string{"u1", "u1", "u2", "u2"} {
		allowed, _, _, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	// Global window is full; a fresh identity is denied too.
	allowed, remaining, _, err := l.Allow(ctx, "u3")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestLimiter_DenialConsumesNothing(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 4, 0.25)
	ctx := context.Background()

	allowed, _, _, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	require.True(t, allowed)

	// Share of 4 at 0.25 is 1; every further attempt is denied but must
	// not eat into the global budget.
	for i := 0; i < 5; i++ {
		allowed, _, _, err = l.Allow(ctx, "u1")
		require.NoError(t, err)
		require.False(t, allowed)
	}

	for _, key := range []string{"u2", "u3", "u4"} {
		allowed, _, _, err = l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, allowed, "identity %s", key)
	}
}

func TestLimiter_ConcurrentAllowsNeverExceedBudget(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 10, 1)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, _, err := l.Allow(ctx, "u1")
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, allowed.Load())
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, mr := newTestLimiter(t, 100*time.Millisecond, 4, 0.25)
	ctx := context.Background()

	allowed, _, _, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	require.False(t, allowed)

	// miniredis does not advance time on its own.
	mr.FastForward(150 * time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	allowed, _, _, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t, time.Minute, 4, 0.25)
	mr.Close()

	allowed, _, _, err := l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, allowed, "limiter outage must not block queries")
}

func TestLimiter_ResetAtWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 5, 0.5)

	before := time.Now()
	_, _, resetAt, err := l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(time.Minute), resetAt, 2*time.Second)
}

func TestNew_ClampsShare(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	assert.Equal(t, 25, New(rdb, time.Minute, 100, 0).identityMax)
	assert.Equal(t, 25, New(rdb, time.Minute, 100, 2).identityMax)
	assert.Equal(t, 1, New(rdb, time.Minute, 2, 0.1).identityMax)
	assert.Equal(t, 100, New(rdb, time.Minute, 100, 1).identityMax)
}
