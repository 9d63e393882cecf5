// Command server runs the census analytics gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/censusgate/censusgate/internal/adapter/ai"
	"github.com/censusgate/censusgate/internal/adapter/cache"
	"github.com/censusgate/censusgate/internal/adapter/duckdb"
	"github.com/censusgate/censusgate/internal/adapter/httpserver"
	"github.com/censusgate/censusgate/internal/app"
	"github.com/censusgate/censusgate/internal/audit"
	"github.com/censusgate/censusgate/internal/config"
	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
	"github.com/censusgate/censusgate/internal/schema"
	"github.com/censusgate/censusgate/internal/service/ratelimiter"
	"github.com/censusgate/censusgate/internal/session"
	"github.com/censusgate/censusgate/internal/sqlcheck"
	"github.com/censusgate/censusgate/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=main.run: tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("err", err))
		}
	}()

	catalog := schema.New()
	tracker := observability.NewTracker()

	// Embedded analytical store and its connection pool.
	db, err := duckdb.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := duckdb.NewPool(ctx, duckdb.SQLFactory(db), duckdb.PoolOptions{
		Min:            cfg.PoolMin,
		Max:            cfg.PoolMax,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		HealthInterval: cfg.PoolHealthInterval,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	tracker.RegisterCheck("duckdb", pool.Healthy)

	// Redis is optional; without it the limiter is absent and the query
	// cache is disabled, both of which the rest of the stack tolerates.
	var (
		rdb     *redis.Client
		limiter domain.RateLimiter
		execOpt []duckdb.ExecutorOption
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rl := ratelimiter.New(rdb, cfg.RateLimitWindow, cfg.RateLimitMax, cfg.RateLimitSessionShare)
		limiter = rl
		tracker.RegisterCheck("redis", func() bool { return rl.Healthy(ctx) })
		execOpt = append(execOpt, duckdb.WithCache(cache.New(rdb, cfg.CacheTTL)))
	}

	executor := duckdb.NewExecutor(pool, cfg.QueryTimeout, execOpt...)
	freshness := duckdb.NewFreshness(ctx, pool, cfg.FreshnessRefreshTick)
	defer freshness.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	llmBreaker := observability.NewCircuitBreaker("llm", cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.BreakerWindow)
	translator, err := ai.NewTranslator(cfg, catalog, llmBreaker)
	if err != nil {
		return err
	}

	pipeline := usecase.NewPipeline(
		translator,
		sqlcheck.New(catalog),
		executor,
		freshness,
		auditLog,
		ai.NewFollowUpDetector(),
		tracker,
	)
	drill := usecase.NewDrillDown(pipeline, catalog)
	compare := usecase.NewComparison(pipeline, catalog)

	sessions := session.NewManager(cfg.SessionTTL, cfg.SessionCap)
	go sweepSessions(ctx, sessions, cfg.SessionTTL)

	srv := httpserver.NewServer(cfg, pipeline, drill, compare, sessions, limiter, catalog, tracker,
		httpserver.NewResourceStore(cfg.ResourceDir))
	srv.Breakers = []*observability.CircuitBreaker{llmBreaker}
	srv.PoolStats = func() any { return pool.Stats() }

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}

// sweepSessions expires idle sessions in the background so memory does not
// depend on traffic touching them.
func sweepSessions(ctx context.Context, m *session.Manager, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("sessions swept", slog.Int("expired", n))
			}
		}
	}
}
