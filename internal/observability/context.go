package observability

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// correlationContextKey stores the correlation_id so every component touched
// by a single request logs and audits under the same identifier.
type correlationContextKey struct{}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewCorrelationID returns a fresh, lexicographically sortable correlation id.
func NewCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithCorrelationID stores a non-empty correlation_id in the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationIDFromContext retrieves the correlation_id, or "" when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(correlationContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
