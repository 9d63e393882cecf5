package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// Conn is the subset of *sql.Conn the pool manages. Tests substitute fakes.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Factory creates one new connection.
type Factory func(ctx context.Context) (Conn, error)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// PoolOptions size and tune the pool.
type PoolOptions struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	HealthInterval time.Duration
}

// PoolStats is a point-in-time view for health reporting.
type PoolStats struct {
	Total    int   `json:"total"`
	Idle     int   `json:"idle"`
	InUse    int   `json:"in_use"`
	Waiting  int   `json:"waiting"`
	Timeouts int64 `json:"timeouts"`
	Replaced int64 `json:"replaced"`
}

type pooled struct {
	conn     Conn
	lastUsed time.Time
}

// Pool is a bounded connection pool with FIFO waiter fairness: when a
// connection frees up it goes to the longest-waiting acquirer, so no caller
// starves under contention. Broken connections are discarded on release and
// replaced lazily; a background loop pings idle connections and keeps the
// pool at its minimum size.
type Pool struct {
	factory Factory
	opts    PoolOptions

	mu       sync.Mutex
	idle     []*pooled
	waiters  []chan *pooled
	total    int
	closed   bool
	timeouts int64
	replaced int64

	stop chan struct{}
	done sync.WaitGroup
}

// NewPool creates the pool and eagerly opens Min connections. Failing to
// open the initial connections is fatal: a gateway that cannot reach its
// store should not come up.
func NewPool(ctx context.Context, factory Factory, opts PoolOptions) (*Pool, error) {
	if opts.Max <= 0 {
		opts.Max = 10
	}
	if opts.Min < 0 || opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}

	p := &Pool{
		factory: factory,
		opts:    opts,
		stop:    make(chan struct{}),
	}
	for i := 0; i < opts.Min; i++ {
		c, err := factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.closeIdleLocked()
			p.mu.Unlock()
			return nil, fmt.Errorf("op=pool.New: opening connection %d: %w", i+1, err)
		}
		p.idle = append(p.idle, &pooled{conn: c, lastUsed: time.Now()})
		p.total++
	}
	p.publishGauges()

	if opts.HealthInterval > 0 {
		p.done.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

// Acquire returns a connection, waiting up to the configured acquire timeout
// behind earlier waiters. Timeout maps to the pool-timeout error class so
// callers can tell saturation apart from slow queries.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.publishGauges()
		return &Lease{pool: p, pc: pc}, nil
	}
	if p.total < p.opts.Max {
		p.total++
		p.mu.Unlock()
		c, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("op=pool.Acquire: %w", err)
		}
		p.publishGauges()
		return &Lease{pool: p, pc: &pooled{conn: c, lastUsed: time.Now()}}, nil
	}

	// Saturated: join the FIFO wait queue.
	ch := make(chan *pooled, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	p.publishGauges()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-ch:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		p.publishGauges()
		return &Lease{pool: p, pc: pc}, nil
	case <-timer.C:
		p.abandonWaiter(ch)
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		observability.PoolAcquireTimeouts.Inc()
		return nil, fmt.Errorf("op=pool.Acquire: no connection within %s: %w",
			p.opts.AcquireTimeout, domain.ErrPoolTimeout)
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, ctx.Err()
	}
}

// abandonWaiter removes ch from the queue; a connection already handed to it
// is put back. Handoffs happen under the pool lock, so while it is held the
// channel is either still queued or its buffer already holds the connection.
func (p *Pool) abandonWaiter(ch chan *pooled) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	var pc *pooled
	select {
	case pc = <-ch:
	default:
		// Close sends its nil outside the lock; nothing to reclaim.
	}
	p.mu.Unlock()
	if pc != nil {
		p.release(pc, false)
	}
}

func (p *Pool) release(pc *pooled, broken bool) {
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	if broken {
		p.total--
		p.replaced++
		p.mu.Unlock()
		_ = pc.conn.Close()
		p.publishGauges()
		return
	}
	pc.lastUsed = time.Now()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Buffered channel, one send ever per waiter: this cannot block.
		// Sending under the lock keeps the queue and the buffer
		// consistent for abandonWaiter.
		ch <- pc
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.publishGauges()
}

// healthLoop pings idle connections and tops the pool back up to Min.
func (p *Pool) healthLoop() {
	defer p.done.Done()
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkIdle()
		}
	}
}

func (p *Pool) checkIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var healthy []*pooled
	for _, pc := range idle {
		if err := pc.conn.PingContext(ctx); err != nil {
			slog.Warn("pool evicting unhealthy connection", slog.Any("error", err))
			_ = pc.conn.Close()
			p.mu.Lock()
			p.total--
			p.replaced++
			p.mu.Unlock()
			continue
		}
		healthy = append(healthy, pc)
	}

	p.mu.Lock()
	p.idle = append(p.idle, healthy...)
	deficit := p.opts.Min - p.total
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		c, err := p.factory(ctx)
		if err != nil {
			slog.Warn("pool could not replace connection", slog.Any("error", err))
			break
		}
		p.mu.Lock()
		p.total++
		p.idle = append(p.idle, &pooled{conn: c, lastUsed: time.Now()})
		p.mu.Unlock()
	}
	p.publishGauges()
}

// Stats returns a point-in-time view.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Total:    p.total,
		Idle:     len(p.idle),
		InUse:    p.total - len(p.idle),
		Waiting:  len(p.waiters),
		Timeouts: p.timeouts,
		Replaced: p.replaced,
	}
}

// Healthy reports whether at least one connection is live or creatable.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && (p.total > 0 || p.opts.Max > 0)
}

// Close drains the pool. Waiters get ErrPoolClosed; in-use connections are
// closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	for _, ch := range waiters {
		ch <- nil
	}
	p.done.Wait()

	p.mu.Lock()
	p.closeIdleLocked()
	p.mu.Unlock()
}

func (p *Pool) closeIdleLocked() {
	for _, pc := range p.idle {
		_ = pc.conn.Close()
		p.total--
	}
	p.idle = nil
}

func (p *Pool) publishGauges() {
	s := p.Stats()
	observability.PoolConnections.WithLabelValues("idle").Set(float64(s.Idle))
	observability.PoolConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	observability.PoolConnections.WithLabelValues("waiting").Set(float64(s.Waiting))
}

// Lease is one acquired connection. Release must be called exactly once.
type Lease struct {
	pool     *Pool
	pc       *pooled
	released bool
}

// Conn returns the underlying connection.
func (l *Lease) Conn() Conn { return l.pc.conn }

// Release returns the connection to the pool; broken discards it instead so
// the pool replaces it rather than handing out a wedged handle.
func (l *Lease) Release(broken bool) {
	if l.released {
		return
	}
	l.released = true
	l.pool.release(l.pc, broken)
}
