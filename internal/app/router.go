// Package app assembles the HTTP surface from the wired dependencies.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/censusgate/censusgate/internal/adapter/httpserver"
	"github.com/censusgate/censusgate/internal/config"
)

// BuildRouter wires middleware and routes. Middleware order matters:
// recovery outermost, then correlation ids so every log line carries one,
// then access logging.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.CorrelationID())
	r.Use(httpserver.AccessLog)
	r.Use(httpserver.SecurityHeaders)
	r.Use(chimw.Timeout(cfg.HTTPWriteTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.ParseOrigins(cfg.CORSAllowOrigin),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", httpserver.SessionHeader, "X-Correlation-Id"},
		ExposedHeaders:   []string{httpserver.SessionHeader, "X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", srv.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/mcp", func(r chi.Router) {
		r.HandleFunc("/", srv.HandleMCP)
		r.HandleFunc("/*", srv.HandleMCP)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// The browser facade is sessionless, so limit it per client address.
		r.Use(httprate.LimitByIP(cfg.FacadeRateLimitPerMin, time.Minute))
		r.Post("/queries", srv.HandleQuery)
		r.Get("/mcp/resources", srv.HandleResources)
	})

	return r
}
