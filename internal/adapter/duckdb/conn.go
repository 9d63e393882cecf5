// Package duckdb adapts the embedded analytical engine behind the domain
// Executor and FreshnessTracker ports: read-only connections, a bounded
// pool, and result materialization.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/censusgate/censusgate/internal/config"
)

// Open opens the embedded database read-only with the configured thread and
// memory caps. Pooling is handled by Pool, not database/sql, so the stdlib
// pool is sized to pass connections through.
func Open(cfg config.Config) (*sql.DB, error) {
	q := url.Values{}
	q.Set("access_mode", "read_only")
	q.Set("threads", fmt.Sprintf("%d", cfg.DuckDBThreads))
	q.Set("memory_limit", cfg.DuckDBMemoryLimit)

	dsn := cfg.DatabasePath + "?" + q.Encode()
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=duckdb.Open path=%s: %w", cfg.DatabasePath, err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	return db, nil
}

// SQLFactory builds pool connections from a database handle.
func SQLFactory(db *sql.DB) Factory {
	return func(ctx context.Context) (Conn, error) {
		return db.Conn(ctx)
	}
}
