package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

func failing(ctx context.Context) error { return errDown }
func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(ctx, failing), errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit fails fast without invoking the function.
	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute, time.Minute)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.Error(t, cb.Execute(ctx, failing))
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Error(t, cb.Execute(ctx, failing))
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// First call after the timeout is the probe; success closes the circuit.
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	time.Sleep(20 * time.Millisecond)
	require.ErrorIs(t, cb.Execute(ctx, failing), errDown)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerForceOpenSuppressesProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Millisecond, time.Minute)
	ctx := context.Background()

	cb.ForceOpen()
	time.Sleep(5 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)

	cb.ForceClose()
	assert.NoError(t, cb.Execute(ctx, succeeding))
}

func TestBreakerStats(t *testing.T) {
	cb := NewCircuitBreaker("llm", 2, time.Minute, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, succeeding)
	_ = cb.Execute(ctx, failing)

	stats := cb.Stats()
	assert.Equal(t, "llm", stats["name"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, int64(2), stats["total_calls"])
	assert.Equal(t, int64(1), stats["total_failures"])
}
