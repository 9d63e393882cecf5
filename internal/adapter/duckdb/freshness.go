package duckdb

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const freshnessQuery = `SELECT table_name, last_refresh FROM dataset_freshness`

// Freshness serves per-table last-refresh stamps from the loader-maintained
// dataset_freshness table. Stamps are cached and refreshed on a ticker; a
// failed refresh keeps the previous values so results stay annotated even
// while the store is briefly unreadable.
type Freshness struct {
	pool     *Pool
	interval time.Duration

	mu     sync.RWMutex
	stamps map[string]time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewFreshness creates the tracker and performs an initial load. An initial
// load failure is logged, not fatal: the table may not exist until the first
// data load completes.
func NewFreshness(ctx context.Context, pool *Pool, interval time.Duration) *Freshness {
	f := &Freshness{
		pool:     pool,
		interval: interval,
		stamps:   map[string]time.Time{},
		stop:     make(chan struct{}),
	}
	if err := f.refresh(ctx); err != nil {
		slog.Warn("freshness initial load failed", slog.Any("error", err))
	}
	if interval > 0 {
		f.done.Add(1)
		go f.loop()
	}
	return f
}

func (f *Freshness) loop() {
	defer f.done.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.refresh(ctx); err != nil {
				slog.Warn("freshness refresh failed; keeping previous stamps",
					slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (f *Freshness) refresh(ctx context.Context) error {
	lease, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	rows, err := lease.Conn().QueryContext(ctx, freshnessQuery)
	if err != nil {
		lease.Release(ctx.Err() != nil)
		return err
	}

	next := map[string]time.Time{}
	for rows.Next() {
		var table string
		var stamp time.Time
		if err := rows.Scan(&table, &stamp); err != nil {
			_ = rows.Close()
			lease.Release(false)
			return err
		}
		next[table] = stamp
	}
	err = rows.Err()
	_ = rows.Close()
	lease.Release(false)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.stamps = next
	f.mu.Unlock()
	return nil
}

// Stamps returns the last-refresh timestamps for the named tables. Tables
// without a recorded stamp are simply absent from the result.
func (f *Freshness) Stamps(tables []string) map[string]time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]time.Time, len(tables))
	for _, t := range tables {
		if stamp, ok := f.stamps[t]; ok {
			out[t] = stamp
		}
	}
	return out
}

// Close stops the refresh loop.
func (f *Freshness) Close() {
	close(f.stop)
	f.done.Wait()
}
