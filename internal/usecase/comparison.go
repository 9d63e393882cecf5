package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/schema"
)

// ComparisonRequest compares the same measures across several regions. A
// region is a state name, a metro alias, or a bare FIPS code.
type ComparisonRequest struct {
	Regions  []string
	Measures []string
}

// RegionResult is one region's slice of a comparison. Regions fail
// independently: one unresolvable or failing region does not sink the rest.
type RegionResult struct {
	Region        string       `json:"region"`
	Success       bool         `json:"success"`
	Rows          []domain.Row `json:"rows,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorKind     string       `json:"errorKind,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

// ComparisonResult aggregates the per-region slices in request order.
type ComparisonResult struct {
	Regions  []RegionResult `json:"regions"`
	Measures []string       `json:"measures"`
}

// maxComparisonRegions bounds fan-out per request.
const maxComparisonRegions = 10

// Comparison runs per-region queries in parallel through the shared
// pipeline.
type Comparison struct {
	pipeline *Pipeline
	catalog  *schema.Catalog
}

// NewComparison wires the operation.
func NewComparison(pipeline *Pipeline, catalog *schema.Catalog) *Comparison {
	return &Comparison{pipeline: pipeline, catalog: catalog}
}

// Run executes the comparison. Region order in the result matches the
// request regardless of completion order.
func (c *Comparison) Run(ctx context.Context, req ComparisonRequest, sess *domain.Session) (ComparisonResult, error) {
	if len(req.Regions) < 2 {
		return ComparisonResult{}, fmt.Errorf("op=comparison.Run: need at least two regions: %w", domain.ErrInvalidArgument)
	}
	if len(req.Regions) > maxComparisonRegions {
		return ComparisonResult{}, fmt.Errorf("op=comparison.Run: at most %d regions: %w",
			maxComparisonRegions, domain.ErrInvalidArgument)
	}
	measures := req.Measures
	if len(measures) == 0 {
		measures = []string{"population", "median_income", "median_age"}
	}

	out := ComparisonResult{
		Regions:  make([]RegionResult, len(req.Regions)),
		Measures: measures,
	}
	var wg sync.WaitGroup
	for i, region := range req.Regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			out.Regions[i] = c.runRegion(ctx, region, measures, sess)
		}(i, region)
	}
	wg.Wait()
	return out, nil
}

func (c *Comparison) runRegion(ctx context.Context, region string, measures []string, sess *domain.Session) RegionResult {
	rr := RegionResult{Region: region}

	entities, ok := c.catalog.ResolveRegion(region)
	if !ok || len(entities) == 0 {
		rr.Error = fmt.Sprintf("unknown region %q; use a state name, metro area, or FIPS code", region)
		rr.ErrorKind = domain.ErrorKind(domain.ErrInvalidArgument)
		return rr
	}

	sql, err := c.regionSQL(entities, measures)
	if err != nil {
		rr.Error = err.Error()
		rr.ErrorKind = domain.ErrorKind(err)
		return rr
	}

	res := c.pipeline.RunSQL(ctx, sql, sess)
	rr.CorrelationID = res.CorrelationID
	if !res.Success {
		rr.Error = res.Error.Message
		rr.ErrorKind = res.Error.Kind
		return rr
	}
	rr.Success = true
	rr.Rows = res.Result.Rows
	return rr
}

// regionSQL builds the per-region statement. States read one state_data row;
// metro areas aggregate their counties into a single row.
func (c *Comparison) regionSQL(entities []domain.GeoEntity, measures []string) (string, error) {
	level := entities[0].Level
	table, ok := c.catalog.LevelTable(level)
	if !ok {
		return "", fmt.Errorf("no dataset table for level %q: %w", level, domain.ErrInvalidArgument)
	}
	for _, m := range measures {
		if !c.catalog.HasColumn(table, m) {
			return "", fmt.Errorf("measure %q not available at %s level: %w", m, level, domain.ErrInvalidArgument)
		}
	}

	if len(entities) == 1 {
		return fmt.Sprintf("SELECT name, %s FROM %s WHERE geoid = '%s'",
			strings.Join(measures, ", "), table, entities[0].Code), nil
	}

	// Multi-county region: sum the additive measures, average the rest.
	exprs := make([]string, 0, len(measures))
	for _, m := range measures {
		if additiveMeasure(m) {
			exprs = append(exprs, fmt.Sprintf("sum(%s) AS %s", m, m))
		} else {
			exprs = append(exprs, fmt.Sprintf("avg(%s) AS %s", m, m))
		}
	}
	codes := make([]string, len(entities))
	for i, e := range entities {
		codes[i] = "'" + e.Code + "'"
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE geoid IN (%s)",
		strings.Join(exprs, ", "), table, strings.Join(codes, ", ")), nil
}

// additiveMeasure reports whether summing across counties is meaningful.
func additiveMeasure(m string) bool {
	switch m {
	case "population", "pop_over_65", "medicare_eligible", "hospital_beds":
		return true
	default:
		return false
	}
}
