package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/schema"
)

// DrillDownPageSize is the fixed page size of drill-down results. One extra
// row is fetched to decide has_more without a count query.
const DrillDownPageSize = 100

// DrillDownRequest descends one geography level under a parent FIPS code:
// state to its counties, county to its block groups. Cursor is the last
// geoid of the previous page.
type DrillDownRequest struct {
	ParentGeoID string
	Measures    []string
	Cursor      string
}

// DrillDownResult is one page of child geographies.
type DrillDownResult struct {
	Parent        domain.GeoEntity     `json:"parent"`
	Level         domain.GeoLevel      `json:"level"`
	Rows          []domain.Row         `json:"rows"`
	Columns       []string             `json:"columns"`
	HasMore       bool                 `json:"hasMore"`
	NextCursor    string               `json:"nextCursor,omitempty"`
	CorrelationID string               `json:"correlationId"`
}

// DrillDown builds and runs drill-down pages through the shared pipeline, so
// the generated SQL passes the same validation and auditing as everything
// else.
type DrillDown struct {
	pipeline *Pipeline
	catalog  *schema.Catalog
}

// NewDrillDown wires the operation.
func NewDrillDown(pipeline *Pipeline, catalog *schema.Catalog) *DrillDown {
	return &DrillDown{pipeline: pipeline, catalog: catalog}
}

// Run returns one page of children under the parent geography.
func (d *DrillDown) Run(ctx context.Context, req DrillDownRequest, sess *domain.Session) (DrillDownResult, error) {
	parent, childLevel, table, filterCol, err := d.resolveParent(req.ParentGeoID)
	if err != nil {
		return DrillDownResult{}, err
	}

	cols, err := d.columns(table, req.Measures)
	if err != nil {
		return DrillDownResult{}, err
	}

	var where strings.Builder
	fmt.Fprintf(&where, "%s = '%s'", filterCol, req.ParentGeoID)
	if req.Cursor != "" {
		if !isFIPS(req.Cursor) {
			return DrillDownResult{}, fmt.Errorf("op=drilldown.Run: malformed cursor: %w", domain.ErrInvalidArgument)
		}
		fmt.Fprintf(&where, " AND geoid > '%s'", req.Cursor)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY geoid LIMIT %d",
		strings.Join(cols, ", "), table, where.String(), DrillDownPageSize+1)

	res := d.pipeline.RunSQL(ctx, sql, sess)
	if !res.Success {
		return DrillDownResult{}, pipelineErr(res)
	}

	out := DrillDownResult{
		Parent:        parent,
		Level:         childLevel,
		Rows:          res.Result.Rows,
		Columns:       res.Result.Columns,
		CorrelationID: res.CorrelationID,
	}
	if len(out.Rows) > DrillDownPageSize {
		out.Rows = out.Rows[:DrillDownPageSize]
		out.HasMore = true
		if geoid, ok := out.Rows[len(out.Rows)-1]["geoid"].(string); ok {
			out.NextCursor = geoid
		}
	}
	return out, nil
}

// resolveParent maps a parent FIPS code to its child level, table, and the
// child column that carries the parent code.
func (d *DrillDown) resolveParent(geoid string) (domain.GeoEntity, domain.GeoLevel, string, string, error) {
	if !isFIPS(geoid) {
		return domain.GeoEntity{}, "", "", "", fmt.Errorf(
			"op=drilldown.resolveParent geoid=%q: not a FIPS code: %w", geoid, domain.ErrInvalidArgument)
	}
	switch len(geoid) {
	case 2:
		parent := domain.GeoEntity{Level: domain.GeoLevelState, Code: geoid}
		if name, ok := d.catalog.StateName(geoid); ok {
			parent.Name = name
		}
		return parent, domain.GeoLevelCounty, "county_data", "state", nil
	case 5:
		return domain.GeoEntity{Level: domain.GeoLevelCounty, Code: geoid},
			domain.GeoLevelBlockGroup, "block_group_data", "county", nil
	default:
		return domain.GeoEntity{}, "", "", "", fmt.Errorf(
			"op=drilldown.resolveParent geoid=%q: drill-down needs a 2-digit state or 5-digit county code: %w",
			geoid, domain.ErrInvalidArgument)
	}
}

// columns assembles the select list: geoid always leads so the cursor works,
// then the requested measures (validated against the catalog) or the table's
// default set.
func (d *DrillDown) columns(table string, measures []string) ([]string, error) {
	cols := []string{"geoid"}
	if len(measures) == 0 {
		for _, def := range []string{"name", "population", "median_income"} {
			if d.catalog.HasColumn(table, def) {
				cols = append(cols, def)
			}
		}
		return cols, nil
	}
	for _, m := range measures {
		if m == "geoid" {
			continue
		}
		if !d.catalog.HasColumn(table, m) {
			return nil, fmt.Errorf("op=drilldown.columns measure=%q table=%s: %w",
				m, table, domain.ErrInvalidArgument)
		}
		cols = append(cols, m)
	}
	return cols, nil
}

func isFIPS(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// pipelineErr converts a failed PipelineResult back into the sentinel error
// space so protocol handlers classify it uniformly.
func pipelineErr(res domain.PipelineResult) error {
	if res.Error == nil {
		return domain.ErrInternal
	}
	msg := res.Error.Message
	switch res.Error.Kind {
	case "SQL_REJECTED":
		return fmt.Errorf("%s: %w", msg, domain.ErrSQLRejected)
	case "QUERY_TIMEOUT":
		return fmt.Errorf("%s: %w", msg, domain.ErrQueryTimeout)
	case "POOL_TIMEOUT":
		return fmt.Errorf("%s: %w", msg, domain.ErrPoolTimeout)
	case "EXECUTION_ERROR":
		return fmt.Errorf("%s: %w", msg, domain.ErrExecution)
	case "SERVICE_UNAVAILABLE":
		return fmt.Errorf("%s: %w", msg, domain.ErrServiceUnavailable)
	default:
		return fmt.Errorf("%s: %w", msg, domain.ErrInternal)
	}
}
