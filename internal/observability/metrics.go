package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts requests by route/method/status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration observes request latency by route/method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// PipelineStageTotal counts pipeline stage outcomes.
	PipelineStageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_total",
			Help: "Pipeline stage executions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)
	// PipelineStageDuration observes per-stage latency.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	// LLMRequestsTotal counts translator calls by outcome.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM translator requests",
		},
		[]string{"outcome"},
	)
	// LLMRequestDuration observes translator call latency.
	LLMRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM translator request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// PoolConnections gauges pool state by status.
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_connections",
			Help: "Connection pool state by status",
		},
		[]string{"status"},
	)
	// PoolAcquireTimeouts counts failed timed-out acquisitions.
	PoolAcquireTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "db_pool_acquire_timeouts_total",
			Help: "Total acquisitions that timed out waiting for a connection",
		},
	)

	// SQLRejectedTotal counts validator rejections by the first firing tag.
	SQLRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sql_rejected_total",
			Help: "SQL statements rejected by the validator, by leading reason",
		},
		[]string{"tag"},
	)

	// SessionsActive gauges live sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live sessions",
		},
	)

	// RateLimitedTotal counts rejected tool dispatches.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// InitMetrics registers all Prometheus collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PipelineStageTotal)
	prometheus.MustRegister(PipelineStageDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(PoolConnections)
	prometheus.MustRegister(PoolAcquireTimeouts)
	prometheus.MustRegister(SQLRejectedTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(RateLimitedTotal)
}

// RecordPipelineStage feeds the stage counters from the tracker.
func RecordPipelineStage(stage string, success bool, d time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	PipelineStageTotal.WithLabelValues(stage, outcome).Inc()
	PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
