package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

type fakeConn struct {
	id      int
	pingErr error
	closed  atomic.Bool
}

func (f *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeConn) PingContext(ctx context.Context) error { return f.pingErr }
func (f *fakeConn) Close() error                          { f.closed.Store(true); return nil }

func fakeFactory(counter *atomic.Int64) Factory {
	return func(ctx context.Context) (Conn, error) {
		id := counter.Add(1)
		return &fakeConn{id: int(id)}, nil
	}
}

func TestPool_EagerMinConnections(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{Min: 2, Max: 4})
	require.NoError(t, err)
	defer p.Close()

	assert.EqualValues(t, 2, n.Load())
	s := p.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.Idle)
}

func TestPool_GrowsToMax(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{Min: 1, Max: 3})
	require.NoError(t, err)
	defer p.Close()

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}
	assert.Equal(t, 3, p.Stats().Total)
	assert.EqualValues(t, 3, n.Load())

	for _, l := range leases {
		l.Release(false)
	}
	assert.Equal(t, 3, p.Stats().Idle)
}

func TestPool_AcquireTimeoutWhenSaturated(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{
		Min: 1, Max: 1, AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release(false)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.EqualValues(t, 1, p.Stats().Timeouts)
}

func TestPool_WaitersServedFIFO(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{
		Min: 1, Max: 1, AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	defer p.Close()

	hold, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release(false)
		}(i)
		time.Sleep(20 * time.Millisecond) // establish queue order
	}

	hold.Release(false)
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, []int{1, 2, 3}, order)
}

// A release racing a waiter's timeout must never strand the connection: the
// abandoned handoff has to land back in the pool.
func TestPool_AbandonedWaiterReturnsConnection(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{
		Min: 1, Max: 1, AcquireTimeout: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 100; i++ {
		hold, err := p.Acquire(context.Background())
		require.NoError(t, err, "iteration %d", i)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if l, err := p.Acquire(context.Background()); err == nil {
				l.Release(false)
			}
		}()

		// Sometimes before the waiter times out, sometimes after.
		time.Sleep(time.Duration(i%4) * time.Millisecond)
		hold.Release(false)
		<-done

		// Whichever way the race went, the single connection must be
		// acquirable again.
		l, err := p.Acquire(context.Background())
		require.NoError(t, err, "connection stranded at iteration %d", i)
		l.Release(false)
	}

	s := p.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Idle)
	assert.Zero(t, s.Waiting)
}

func TestPool_BrokenConnectionDiscarded(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{Min: 1, Max: 2})
	require.NoError(t, err)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fc := l.Conn().(*fakeConn)
	l.Release(true)

	assert.True(t, fc.closed.Load())
	s := p.Stats()
	assert.Equal(t, 0, s.Total)
	assert.EqualValues(t, 1, s.Replaced)

	// Pool recreates on demand.
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, fc.id, l2.Conn().(*fakeConn).id)
	l2.Release(false)
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{Min: 1, Max: 1})
	require.NoError(t, err)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(false)
	l.Release(false)

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{Min: 1, Max: 1})
	require.NoError(t, err)
	p.Close()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_HealthLoopEvictsAndRefills(t *testing.T) {
	var n atomic.Int64
	p, err := NewPool(context.Background(), fakeFactory(&n), PoolOptions{
		Min: 2, Max: 4, HealthInterval: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	defer p.Close()

	// Wedge one idle connection so the next health pass evicts it.
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Conn().(*fakeConn).pingErr = errors.New("wedged")
	l.Release(false)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Replaced >= 1 && s.Total >= 2
	}, time.Second, 10*time.Millisecond)
}
