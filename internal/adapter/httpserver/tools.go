package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
	"github.com/censusgate/censusgate/internal/usecase"
)

var errUnknownTool = errors.New("unknown tool")

// toolDefinition is the protocol-visible tool descriptor.
type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// toolResult is the protocol tool-call result: serialized JSON in a text
// content block, plus a UI resource hint clients may render.
type toolResult struct {
	Content []toolContent  `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(v any, uiResource string) (toolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return toolResult{}, err
	}
	out := toolResult{Content: []toolContent{{Type: "text", Text: string(raw)}}}
	if uiResource != "" {
		out.Meta = map[string]any{"censusgate.dev/ui": uiResource}
	}
	return out, nil
}

func toolErrorResult(r *http.Request, err error) toolResult {
	payload, _ := json.Marshal(map[string]string{
		"kind":          domain.ErrorKind(err),
		"message":       err.Error(),
		"correlationId": observability.CorrelationIDFromContext(r.Context()),
	})
	return toolResult{
		Content: []toolContent{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Server) toolDefinitions() []toolDefinition {
	return []toolDefinition{
		{
			Name:        "get_schema",
			Description: "List the queryable census tables, their columns, and the known state names.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		{
			Name:        "validate_sql",
			Description: "Check a SELECT statement against the read-only policy without executing it. Returns the sanitized form or the rejection reasons.",
			InputSchema: objectSchema([]string{"sql"}, map[string]any{
				"sql": map[string]any{"type": "string", "description": "the candidate SQL statement"},
			}),
		},
		{
			Name:        "execute_query",
			Description: "Validate and execute a SELECT statement against the census data. Results are capped at 1000 rows.",
			InputSchema: objectSchema([]string{"sql"}, map[string]any{
				"sql": map[string]any{"type": "string", "description": "the SQL statement to run"},
			}),
			Meta: map[string]any{"censusgate.dev/ui": URITable},
		},
		{
			Name:        "execute_natural_language",
			Description: "Answer a natural-language question about U.S. census demographics, Medicare eligibility, or health-care access.",
			InputSchema: objectSchema([]string{"question"}, map[string]any{
				"question": map[string]any{"type": "string", "description": "the question in plain English"},
			}),
			Meta: map[string]any{"censusgate.dev/ui": URITable},
		},
		{
			Name:        "execute_drill_down",
			Description: "List the child geographies under a state or county FIPS code, one 100-row page at a time.",
			InputSchema: objectSchema([]string{"geoid"}, map[string]any{
				"geoid":    map[string]any{"type": "string", "description": "2-digit state or 5-digit county FIPS code"},
				"measures": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"cursor":   map[string]any{"type": "string", "description": "geoid cursor from the previous page"},
			}),
			Meta: map[string]any{"censusgate.dev/ui": URIBarChart},
		},
		{
			Name:        "execute_comparison",
			Description: "Compare the same measures across two or more regions (state names, metro areas, or FIPS codes).",
			InputSchema: objectSchema([]string{"regions"}, map[string]any{
				"regions":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 2},
				"measures": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
			Meta: map[string]any{"censusgate.dev/ui": URIBarChart},
		},
	}
}

// callTool dispatches one tool invocation for an established session.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage, sess *domain.Session) (toolResult, error) {
	switch name {
	case "get_schema":
		return textResult(map[string]any{
			"tables": s.Catalog.Tables(),
		}, "")

	case "validate_sql":
		var in struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.SQL == "" {
			return toolResult{}, badArgs("validate_sql needs a sql string")
		}
		return textResult(s.Pipeline.Validate(in.SQL), "")

	case "execute_query":
		var in struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.SQL == "" {
			return toolResult{}, badArgs("execute_query needs a sql string")
		}
		res := s.Pipeline.RunSQL(ctx, in.SQL, sess)
		s.Sessions.RecordQuery(sess.ID, nil)
		return pipelineToolResult(res)

	case "execute_natural_language":
		var in struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.Question == "" {
			return toolResult{}, badArgs("execute_natural_language needs a question string")
		}
		res := s.Pipeline.Run(ctx, in.Question, sess)
		s.Sessions.RecordQuery(sess.ID, res.Analysis)
		return pipelineToolResult(res)

	case "execute_drill_down":
		var in struct {
			GeoID    string   `json:"geoid"`
			Measures []string `json:"measures"`
			Cursor   string   `json:"cursor"`
		}
		if err := json.Unmarshal(args, &in); err != nil || in.GeoID == "" {
			return toolResult{}, badArgs("execute_drill_down needs a geoid string")
		}
		out, err := s.DrillDown.Run(ctx, usecase.DrillDownRequest{
			ParentGeoID: in.GeoID,
			Measures:    in.Measures,
			Cursor:      in.Cursor,
		}, sess)
		if err != nil {
			return toolResult{}, err
		}
		s.Sessions.RecordQuery(sess.ID, nil)
		return textResult(out, URIBarChart)

	case "execute_comparison":
		var in struct {
			Regions  []string `json:"regions"`
			Measures []string `json:"measures"`
		}
		if err := json.Unmarshal(args, &in); err != nil || len(in.Regions) == 0 {
			return toolResult{}, badArgs("execute_comparison needs a regions array")
		}
		out, err := s.Compare.Run(ctx, usecase.ComparisonRequest{
			Regions:  in.Regions,
			Measures: in.Measures,
		}, sess)
		if err != nil {
			return toolResult{}, err
		}
		s.Sessions.RecordQuery(sess.ID, nil)
		return textResult(out, URIBarChart)

	default:
		return toolResult{}, errUnknownTool
	}
}

// pipelineToolResult renders a pipeline outcome as a tool result; failures
// are error-flagged rather than protocol errors, so the model can read the
// refinement hints.
func pipelineToolResult(res domain.PipelineResult) (toolResult, error) {
	out, err := textResult(res, URITable)
	if err != nil {
		return toolResult{}, err
	}
	out.IsError = !res.Success
	return out, nil
}

func badArgs(msg string) error {
	return errors.Join(domain.ErrInvalidArgument, errors.New(msg))
}
