package httpserver

import (
	"github.com/censusgate/censusgate/internal/config"
	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
	"github.com/censusgate/censusgate/internal/schema"
	"github.com/censusgate/censusgate/internal/session"
	"github.com/censusgate/censusgate/internal/usecase"
)

// ServerName and ServerVersion identify the gateway in protocol handshakes.
const (
	ServerName    = "censusgate"
	ServerVersion = "1.0.0"
)

// Server carries handler dependencies.
type Server struct {
	Cfg       config.Config
	Pipeline  *usecase.Pipeline
	DrillDown *usecase.DrillDown
	Compare   *usecase.Comparison
	Sessions  *session.Manager
	Limiter   domain.RateLimiter
	Catalog   *schema.Catalog
	Tracker   *observability.Tracker
	Resources *ResourceStore

	// Breakers surfaces circuit breaker stats on /health.
	Breakers []*observability.CircuitBreaker
	// PoolStats reports connection pool state on /health; optional.
	PoolStats func() any
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, pipeline *usecase.Pipeline, drill *usecase.DrillDown, compare *usecase.Comparison, sessions *session.Manager, limiter domain.RateLimiter, catalog *schema.Catalog, tracker *observability.Tracker, resources *ResourceStore) *Server {
	return &Server{
		Cfg:       cfg,
		Pipeline:  pipeline,
		DrillDown: drill,
		Compare:   compare,
		Sessions:  sessions,
		Limiter:   limiter,
		Catalog:   catalog,
		Tracker:   tracker,
		Resources: resources,
	}
}
