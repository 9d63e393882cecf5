// Package schema holds the in-process catalog of tables, columns, and
// semantic hints the translator grounds on and the validator enforces.
// The catalog is built once at startup and immutable thereafter, so all
// reads are lock-free.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/censusgate/censusgate/internal/domain"
)

// Column describes one allowlisted column with the hint the LLM prompt embeds.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Table describes one allowlisted table.
type Table struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	GeoLevel    domain.GeoLevel `json:"geo_level,omitempty"`
	Columns     []Column        `json:"columns"`

	colSet map[string]Column
}

// Catalog is the process-wide table/column allowlist.
type Catalog struct {
	tables    map[string]Table
	order     []string
	columns   map[string]struct{}
	states    map[string]string // lowercased name -> FIPS
	stateName map[string]string // FIPS -> name
	metros    map[string][]string
}

// New builds the static ACS catalog.
func New() *Catalog {
	c := &Catalog{
		tables:    map[string]Table{},
		columns:   map[string]struct{}{},
		states:    map[string]string{},
		stateName: map[string]string{},
		metros:    map[string][]string{},
	}

	c.add(Table{
		Name:        "state_data",
		Description: "One row per U.S. state with aggregate ACS demographics.",
		GeoLevel:    domain.GeoLevelState,
		Columns: []Column{
			{Name: "geoid", Type: "VARCHAR", Description: "2-digit state FIPS code"},
			{Name: "name", Type: "VARCHAR", Description: "state name, e.g. 'Texas'"},
			{Name: "population", Type: "BIGINT", Description: "total population"},
			{Name: "median_age", Type: "DOUBLE", Description: "median age in years"},
			{Name: "median_income", Type: "BIGINT", Description: "median household income, USD"},
			{Name: "pop_over_65", Type: "BIGINT", Description: "population aged 65 and over"},
			{Name: "medicare_eligible", Type: "BIGINT", Description: "estimated Medicare-eligible population"},
			{Name: "poverty_rate", Type: "DOUBLE", Description: "share of population below poverty line, 0-1"},
			{Name: "uninsured_rate", Type: "DOUBLE", Description: "share of population without health insurance, 0-1"},
		},
	})
	c.add(Table{
		Name:        "county_data",
		Description: "One row per U.S. county with ACS demographics and health-access measures.",
		GeoLevel:    domain.GeoLevelCounty,
		Columns: []Column{
			{Name: "geoid", Type: "VARCHAR", Description: "5-digit county FIPS code (state + county)"},
			{Name: "name", Type: "VARCHAR", Description: "county name, e.g. 'Harris County'"},
			{Name: "state", Type: "VARCHAR", Description: "2-digit state FIPS code"},
			{Name: "state_name", Type: "VARCHAR", Description: "state name"},
			{Name: "population", Type: "BIGINT", Description: "total population"},
			{Name: "median_age", Type: "DOUBLE", Description: "median age in years"},
			{Name: "median_income", Type: "BIGINT", Description: "median household income, USD"},
			{Name: "pop_over_65", Type: "BIGINT", Description: "population aged 65 and over"},
			{Name: "medicare_eligible", Type: "BIGINT", Description: "estimated Medicare-eligible population"},
			{Name: "poverty_rate", Type: "DOUBLE", Description: "share of population below poverty line, 0-1"},
			{Name: "uninsured_rate", Type: "DOUBLE", Description: "share without health insurance, 0-1"},
			{Name: "hospital_beds", Type: "BIGINT", Description: "licensed hospital beds in the county"},
			{Name: "pcp_per_100k", Type: "DOUBLE", Description: "primary care physicians per 100k residents"},
		},
	})
	c.add(Table{
		Name:        "block_group_data",
		Description: "One row per census block group, the finest geography. geoid is 12 characters; the leading 5 are the county FIPS.",
		GeoLevel:    domain.GeoLevelBlockGroup,
		Columns: []Column{
			{Name: "geoid", Type: "VARCHAR", Description: "12-character block group code"},
			{Name: "county", Type: "VARCHAR", Description: "5-digit county FIPS code (geoid prefix)"},
			{Name: "state", Type: "VARCHAR", Description: "2-digit state FIPS code"},
			{Name: "population", Type: "BIGINT", Description: "total population"},
			{Name: "median_age", Type: "DOUBLE", Description: "median age in years"},
			{Name: "median_income", Type: "BIGINT", Description: "median household income, USD"},
			{Name: "pop_over_65", Type: "BIGINT", Description: "population aged 65 and over"},
			{Name: "medicare_eligible", Type: "BIGINT", Description: "estimated Medicare-eligible population"},
		},
	})
	c.add(Table{
		Name:        "dataset_freshness",
		Description: "Loader-maintained last-refresh timestamp per dataset table.",
		Columns: []Column{
			{Name: "table_name", Type: "VARCHAR", Description: "dataset table name"},
			{Name: "last_refresh", Type: "TIMESTAMP", Description: "UTC timestamp of the last load"},
		},
	})

	for name, fips := range stateFIPS {
		c.states[strings.ToLower(name)] = fips
		c.stateName[fips] = name
	}
	for alias, counties := range metroCounties {
		c.metros[strings.ToLower(alias)] = counties
	}
	return c
}

func (c *Catalog) add(t Table) {
	t.colSet = make(map[string]Column, len(t.Columns))
	for _, col := range t.Columns {
		t.colSet[col.Name] = col
		c.columns[col.Name] = struct{}{}
	}
	c.tables[t.Name] = t
	c.order = append(c.order, t.Name)
}

// Tables returns the catalog tables in declaration order.
func (c *Catalog) Tables() []Table {
	out := make([]Table, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tables[name])
	}
	return out
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (Table, bool) {
	t, ok := c.tables[strings.ToLower(name)]
	return t, ok
}

// HasTable reports whether name is allowlisted.
func (c *Catalog) HasTable(name string) bool {
	_, ok := c.tables[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether col exists on the named table.
func (c *Catalog) HasColumn(table, col string) bool {
	t, ok := c.tables[strings.ToLower(table)]
	if !ok {
		return false
	}
	_, ok = t.colSet[strings.ToLower(col)]
	return ok
}

// ColumnKnown reports whether col exists on any allowlisted table.
func (c *Catalog) ColumnKnown(col string) bool {
	_, ok := c.columns[strings.ToLower(col)]
	return ok
}

// ColumnNames returns the ordered column names of a table.
func (c *Catalog) ColumnNames(table string) []string {
	t, ok := c.tables[strings.ToLower(table)]
	if !ok {
		return nil
	}
	out := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		out[i] = col.Name
	}
	return out
}

// StateCode resolves a state name (case-insensitive) to its FIPS code.
func (c *Catalog) StateCode(name string) (string, bool) {
	code, ok := c.states[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

// StateName resolves a FIPS code back to the state name.
func (c *Catalog) StateName(code string) (string, bool) {
	name, ok := c.stateName[code]
	return name, ok
}

// MetroCounties resolves a metro-area alias to its county FIPS codes.
func (c *Catalog) MetroCounties(alias string) ([]string, bool) {
	counties, ok := c.metros[strings.ToLower(strings.TrimSpace(alias))]
	return counties, ok
}

// ResolveRegion maps a free-form region identifier to geographic entities:
// a state name, a metro alias, or a bare 2/5-digit FIPS code.
func (c *Catalog) ResolveRegion(region string) ([]domain.GeoEntity, bool) {
	region = strings.TrimSpace(region)
	if code, ok := c.StateCode(region); ok {
		return []domain.GeoEntity{{Level: domain.GeoLevelState, Name: region, Code: code}}, true
	}
	if counties, ok := c.MetroCounties(region); ok {
		out := make([]domain.GeoEntity, 0, len(counties))
		for _, fips := range counties {
			out = append(out, domain.GeoEntity{Level: domain.GeoLevelCounty, Name: region, Code: fips})
		}
		return out, true
	}
	if isDigits(region) {
		switch len(region) {
		case 2:
			return []domain.GeoEntity{{Level: domain.GeoLevelState, Code: region}}, true
		case 5:
			return []domain.GeoEntity{{Level: domain.GeoLevelCounty, Code: region}}, true
		case 12:
			return []domain.GeoEntity{{Level: domain.GeoLevelBlockGroup, Code: region}}, true
		}
	}
	return nil, false
}

// ChildLevel returns the drill-down target for a geography level.
func (c *Catalog) ChildLevel(level domain.GeoLevel) (domain.GeoLevel, bool) {
	switch level {
	case domain.GeoLevelState:
		return domain.GeoLevelCounty, true
	case domain.GeoLevelCounty, domain.GeoLevelTract:
		return domain.GeoLevelBlockGroup, true
	default:
		return "", false
	}
}

// LevelTable returns the dataset table that carries a geography level.
func (c *Catalog) LevelTable(level domain.GeoLevel) (string, bool) {
	switch level {
	case domain.GeoLevelState:
		return "state_data", true
	case domain.GeoLevelCounty:
		return "county_data", true
	case domain.GeoLevelBlockGroup:
		return "block_group_data", true
	default:
		return "", false
	}
}

// PromptContext renders the catalog as the schema grounding block embedded in
// translator prompts: table, columns with hints, and known state names.
func (c *Catalog) PromptContext() string {
	var b strings.Builder
	for _, t := range c.Tables() {
		if t.Name == "dataset_freshness" {
			continue // loader metadata, not a query target
		}
		fmt.Fprintf(&b, "TABLE %s -- %s\n", t.Name, t.Description)
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "  %s %s -- %s\n", col.Name, col.Type, col.Description)
		}
	}
	names := make([]string, 0, len(c.states))
	for name := range c.states {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("STATE NAMES: " + strings.Join(names, ", ") + "\n")
	return b.String()
}

func isDigits(s string) bool {
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
