package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

func TestHandleQueryFlattenedShape(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queries",
		strings.NewReader(`{"question":"population of Texas"}`))
	w := httptest.NewRecorder()
	s.HandleQuery(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Success       bool             `json:"success"`
		CorrelationID string           `json:"correlationId"`
		Data          []map[string]any `json:"data"`
		Metadata      struct {
			RowCount        int      `json:"rowCount"`
			Columns         []string `json:"columns"`
			Tables          []string `json:"tables"`
			ExecutionTimeMs int64    `json:"executionTimeMs"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))

	assert.True(t, out.Success)
	assert.NotEmpty(t, out.CorrelationID)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "Texas", out.Data[0]["name"])
	assert.Equal(t, 1, out.Metadata.RowCount)
	assert.Equal(t, []string{"name", "population"}, out.Metadata.Columns)
	assert.Equal(t, []string{"state_data"}, out.Metadata.Tables)
	assert.GreaterOrEqual(t, out.Metadata.ExecutionTimeMs, int64(0))

	// The protocol-level detail stays off the facade.
	body := w.Body.String()
	assert.NotContains(t, body, `"analysis"`)
	assert.NotContains(t, body, `"result"`)
}

func TestHandleQueryBadBody(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{``, `{`, `{"question":""}`, `"just a string"`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader(body))
		w := httptest.NewRecorder()
		s.HandleQuery(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		assert.Contains(t, w.Body.String(), "INVALID_ARGUMENT")
	}
}

func TestHandleResources(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mcp/resources", nil)
	w := httptest.NewRecorder()
	s.HandleResources(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out []map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 3)
	uris := []string{out[0]["uri"], out[1]["uri"], out[2]["uri"]}
	assert.Contains(t, uris, URITable)
	assert.Contains(t, uris, URIBarChart)
	assert.Contains(t, uris, URILineChart)
	for _, r := range out {
		assert.Contains(t, r["html"], "<html")
	}
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer(t)
	s.Tracker.RegisterCheck("duckdb", func() bool { return true })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.HandleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"duckdb":true`)
	assert.Contains(t, body, "sessions")
}

func TestHandleHealthFailingCheck(t *testing.T) {
	s := newTestServer(t)
	s.Tracker.RegisterCheck("redis", func() bool { return false })
	s.PoolStats = func() any { return map[string]int{"idle": 2} }

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.HandleHealth(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"redis":false`)
	assert.Contains(t, body, `"pool"`)
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		"INVALID_ARGUMENT":           http.StatusBadRequest,
		"SESSION_INVALID":            http.StatusBadRequest,
		"RATE_LIMITED":               http.StatusTooManyRequests,
		"TRANSLATION_LOW_CONFIDENCE": http.StatusUnprocessableEntity,
		"SQL_REJECTED":               http.StatusUnprocessableEntity,
		"QUERY_TIMEOUT":              http.StatusGatewayTimeout,
		"POOL_TIMEOUT":               http.StatusServiceUnavailable,
		"SERVICE_UNAVAILABLE":        http.StatusServiceUnavailable,
		"TRANSLATION_UNAVAILABLE":    http.StatusServiceUnavailable,
		"CANCELLED":                  499,
		"INTERNAL":                   http.StatusInternalServerError,
		"":                           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), "kind %q", kind)
	}
}

func TestWriteErrClassifies(t *testing.T) {
	w := httptest.NewRecorder()
	writeErr(w, "corr-1", domain.ErrQueryTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "QUERY_TIMEOUT")
	assert.Contains(t, w.Body.String(), "corr-1")

	w = httptest.NewRecorder()
	writeErr(w, "corr-2", context.Canceled)
	assert.Equal(t, 499, w.Code)
}
