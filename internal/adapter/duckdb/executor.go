package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/censusgate/censusgate/internal/domain"
)

// Executor runs accepted statements over the pool and materializes rows.
// It only ever sees validator output, so the statement is a single SELECT
// with a bounded LIMIT by the time it gets here.
type Executor struct {
	pool    *Pool
	timeout time.Duration
	cache   domain.QueryCache
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCache attaches a result cache consulted before the engine.
func WithCache(c domain.QueryCache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// NewExecutor creates an Executor with the per-query timeout.
func NewExecutor(pool *Pool, timeout time.Duration, opts ...ExecutorOption) *Executor {
	e := &Executor{pool: pool, timeout: timeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the sanitized statement. A query that exceeds the timeout is
// cancelled and its connection discarded, since a cancelled engine call can
// leave the handle mid-result.
func (e *Executor) Run(ctx context.Context, v domain.ValidatedSQL) (domain.QueryResult, error) {
	if !v.Accepted || v.Sanitized == "" {
		return domain.QueryResult{}, fmt.Errorf("op=executor.Run: statement not validated: %w", domain.ErrInternal)
	}

	if e.cache != nil {
		if res, ok := e.cache.Get(ctx, v.Sanitized); ok {
			slog.DebugContext(ctx, "query served from cache", slog.Int("rows", res.RowCount))
			return *res, nil
		}
	}

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return domain.QueryResult{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := lease.Conn().QueryContext(qctx, v.Sanitized)
	if err != nil {
		broken := qctx.Err() != nil
		lease.Release(broken)
		return domain.QueryResult{}, classifyExecError(qctx, err)
	}

	res, err := materialize(rows)
	if err != nil {
		lease.Release(qctx.Err() != nil)
		return domain.QueryResult{}, classifyExecError(qctx, err)
	}
	lease.Release(false)

	res.ExecutionTime = time.Since(start)
	res.SourceTables = v.Tables

	if e.cache != nil {
		e.cache.Put(ctx, v.Sanitized, res)
	}
	return res, nil
}

// Healthy reports executor liveness for the health roll-up.
func (e *Executor) Healthy() bool { return e.pool.Healthy() }

func classifyExecError(qctx context.Context, err error) error {
	switch {
	case errors.Is(qctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("op=executor.Run: %w", domain.ErrQueryTimeout)
	case errors.Is(qctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return fmt.Errorf("op=executor.Run: %w", context.Canceled)
	default:
		return fmt.Errorf("op=executor.Run: %v: %w", err, domain.ErrExecution)
	}
}

// materialize drains rows into the uniform result shape. Integer widths
// collapse to int64 and byte slices become strings, so the JSON rendering is
// stable regardless of engine column types.
func materialize(rows *sql.Rows) (domain.QueryResult, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return domain.QueryResult{}, err
	}

	out := domain.QueryResult{Columns: cols, Rows: []domain.Row{}}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return domain.QueryResult{}, err
		}
		row := make(domain.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return domain.QueryResult{}, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	default:
		return v
	}
}
