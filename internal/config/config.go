// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// Duration options accept either a bare integer, read as milliseconds (the
// format the deployment tooling writes, hence the *_MS names), or a Go
// duration string like "30s".
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Embedded analytical database.
	DatabasePath      string `env:"DATABASE_PATH" envDefault:"data/census.duckdb"`
	DuckDBMemoryLimit string `env:"DUCKDB_MEMORY_LIMIT" envDefault:"4GB"`
	DuckDBThreads     int    `env:"DUCKDB_THREADS" envDefault:"4"`

	// Connection pool.
	PoolMin              int           `env:"POOL_MIN" envDefault:"2"`
	PoolMax              int           `env:"POOL_MAX" envDefault:"10"`
	PoolAcquireTimeout   time.Duration `env:"POOL_ACQUIRE_TIMEOUT_MS" envDefault:"5000"`
	PoolHealthInterval   time.Duration `env:"POOL_HEALTH_INTERVAL_MS" envDefault:"60000"`
	QueryTimeout         time.Duration `env:"QUERY_TIMEOUT_MS" envDefault:"30000"`
	FreshnessRefreshTick time.Duration `env:"FRESHNESS_REFRESH_MS" envDefault:"300000"`

	// LLM translator.
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMModel   string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMBaseURL string        `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT_MS" envDefault:"30000"`
	// PromptTokenBudget caps the schema context embedded in translator prompts.
	PromptTokenBudget int `env:"PROMPT_TOKEN_BUDGET" envDefault:"4000"`

	// Circuit breaker defaults for protected dependencies.
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT_MS" envDefault:"30000"`
	BreakerWindow    time.Duration `env:"BREAKER_WINDOW_MS" envDefault:"60000"`

	// Rate limiting (Redis-backed sliding window).
	RedisAddr       string        `env:"REDIS_ADDR"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"60"`
	// RateLimitSessionShare is each session's fraction of the global budget.
	RateLimitSessionShare float64 `env:"RATE_LIMIT_SESSION_SHARE" envDefault:"0.25"`
	// FacadeRateLimitPerMin guards the browser facade per client IP, in
	// addition to the identity-keyed limiter on tool dispatch.
	FacadeRateLimitPerMin int `env:"FACADE_RATE_LIMIT_PER_MIN" envDefault:"30"`

	// Sessions.
	SessionTTL time.Duration `env:"SESSION_TTL_MS" envDefault:"1800000"`
	SessionCap int           `env:"SESSION_CAP" envDefault:"1000"`

	// Audit log.
	AuditLogPath string `env:"AUDIT_LOG_PATH" envDefault:"audit.log"`

	// Optional query-result cache.
	CacheTTL time.Duration `env:"CACHE_TTL_MS" envDefault:"300000"`

	// Protocol server surface.
	CORSAllowOrigin string `env:"CORS_ALLOW_ORIGIN" envDefault:"*"`
	ResourceDir     string `env:"RESOURCE_DIR" envDefault:"web/resources"`

	// HTTP server tuning.
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"censusgate"`
}

// parseDuration reads bare integers as milliseconds and falls back to the
// standard duration syntax.
func parseDuration(v string) (any, error) {
	if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pool and pipeline cannot run with.
func (c Config) Validate() error {
	var errs []string
	if c.PoolMin < 0 || c.PoolMax <= 0 || c.PoolMin > c.PoolMax {
		errs = append(errs, "POOL_MIN/POOL_MAX must satisfy 0 <= min <= max, max > 0")
	}
	if c.QueryTimeout < time.Second {
		errs = append(errs, "QUERY_TIMEOUT_MS must be at least 1000")
	}
	if c.SessionCap <= 0 {
		errs = append(errs, "SESSION_CAP must be positive")
	}
	if c.BreakerThreshold <= 0 {
		errs = append(errs, "BREAKER_THRESHOLD must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("op=config.Validate: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ParseOrigins splits the comma-separated CORS_ALLOW_ORIGIN list, trimming
// spaces. An empty value means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
