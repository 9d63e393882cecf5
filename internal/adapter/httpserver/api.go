package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// queryMetadata describes the result set in the flattened facade shape.
type queryMetadata struct {
	RowCount        int                  `json:"rowCount"`
	Columns         []string             `json:"columns"`
	Tables          []string             `json:"tables"`
	ExecutionTimeMs int64                `json:"executionTimeMs"`
	Freshness       map[string]time.Time `json:"freshness,omitempty"`
}

// queryEnvelope is the facade success shape: rows flattened to data plus
// result metadata, without the protocol-level analysis detail.
type queryEnvelope struct {
	Success              bool          `json:"success"`
	CorrelationID        string        `json:"correlationId"`
	Data                 []domain.Row  `json:"data"`
	Metadata             queryMetadata `json:"metadata"`
	Explanation          string        `json:"explanation,omitempty"`
	SuggestedRefinements []string      `json:"suggestedRefinements,omitempty"`
}

// HandleQuery is the REST facade over the natural-language pipeline for
// clients that do not speak the protocol. Requests are sessionless and share
// one rate-limit bucket keyed by client address.
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	corrID := observability.CorrelationIDFromContext(r.Context())

	var in struct {
		Question string `json:"question"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || json.Unmarshal(body, &in) != nil || in.Question == "" {
		writeErr(w, corrID, badArgs("request body must be a JSON object with a question string"))
		return
	}

	res := s.Pipeline.Run(r.Context(), in.Question, nil)
	if !res.Success {
		writeFailure(w, res.CorrelationID, *res.Error)
		return
	}

	out := queryEnvelope{
		Success:       true,
		CorrelationID: res.CorrelationID,
		Data:          res.Result.Rows,
		Explanation:   res.Explanation,
		Metadata: queryMetadata{
			RowCount:        res.Result.RowCount,
			Columns:         res.Result.Columns,
			Tables:          res.Result.SourceTables,
			ExecutionTimeMs: res.Result.ExecutionTime.Milliseconds(),
			Freshness:       res.Result.Freshness,
		},
	}
	if out.Data == nil {
		out.Data = []domain.Row{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleResources lists the UI bundles for browser clients.
func (s *Server) HandleResources(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0, len(s.Resources.List()))
	for _, d := range s.Resources.List() {
		c, _ := s.Resources.Read(d.URI)
		out = append(out, map[string]string{
			"uri":  d.URI,
			"name": d.Name,
			"html": c.Text,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHealth serves the operational roll-up: tracked operation stats,
// dependency checks, breaker state, pool state, and session counts.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Tracker.Snapshot()

	breakers := make([]map[string]any, 0, len(s.Breakers))
	for _, cb := range s.Breakers {
		breakers = append(breakers, cb.Stats())
	}

	body := map[string]any{
		"status":     snap.Status,
		"healthy":    snap.Healthy,
		"operations": snap.Operations,
		"checks":     snap.Checks,
		"breakers":   breakers,
		"sessions":   s.Sessions.Snapshot(),
	}
	if s.PoolStats != nil {
		body["pool"] = s.PoolStats()
	}

	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
