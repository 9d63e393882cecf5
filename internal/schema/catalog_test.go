package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censusgate/censusgate/internal/domain"
)

func TestTablesDeclarationOrder(t *testing.T) {
	c := New()
	tables := c.Tables()
	require.Len(t, tables, 4)
	names := make([]string, len(tables))
	for i, tb := range tables {
		names[i] = tb.Name
	}
	assert.Equal(t, []string{"state_data", "county_data", "block_group_data", "dataset_freshness"}, names)
}

func TestTableAndColumnLookupCaseInsensitive(t *testing.T) {
	c := New()

	assert.True(t, c.HasTable("state_data"))
	assert.True(t, c.HasTable("STATE_DATA"))
	assert.False(t, c.HasTable("users"))

	assert.True(t, c.HasColumn("county_data", "hospital_beds"))
	assert.True(t, c.HasColumn("County_Data", "Hospital_Beds"))
	assert.False(t, c.HasColumn("state_data", "hospital_beds"))
	assert.False(t, c.HasColumn("nope", "geoid"))

	assert.True(t, c.ColumnKnown("pcp_per_100k"))
	assert.False(t, c.ColumnKnown("ssn"))
}

func TestColumnNamesOrdered(t *testing.T) {
	c := New()
	cols := c.ColumnNames("block_group_data")
	require.NotEmpty(t, cols)
	assert.Equal(t, "geoid", cols[0])
	assert.Contains(t, cols, "medicare_eligible")
	assert.Nil(t, c.ColumnNames("missing"))
}

func TestStateCodeRoundTrip(t *testing.T) {
	c := New()

	code, ok := c.StateCode("Texas")
	require.True(t, ok)
	assert.Equal(t, "48", code)

	code, ok = c.StateCode("  new york ")
	require.True(t, ok)
	assert.Equal(t, "36", code)

	name, ok := c.StateName("12")
	require.True(t, ok)
	assert.Equal(t, "Florida", name)

	_, ok = c.StateCode("Atlantis")
	assert.False(t, ok)
}

func TestResolveRegion(t *testing.T) {
	c := New()

	ents, ok := c.ResolveRegion("Texas")
	require.True(t, ok)
	require.Len(t, ents, 1)
	assert.Equal(t, domain.GeoLevelState, ents[0].Level)
	assert.Equal(t, "48", ents[0].Code)

	ents, ok = c.ResolveRegion("tampa bay")
	require.True(t, ok)
	require.NotEmpty(t, ents)
	for _, e := range ents {
		assert.Equal(t, domain.GeoLevelCounty, e.Level)
		assert.Len(t, e.Code, 5)
	}

	ents, ok = c.ResolveRegion("48201")
	require.True(t, ok)
	assert.Equal(t, domain.GeoLevelCounty, ents[0].Level)

	ents, ok = c.ResolveRegion("480019501001")
	require.True(t, ok)
	assert.Equal(t, domain.GeoLevelBlockGroup, ents[0].Level)

	for _, bad := range []string{"", "4", "482", "texasss", "48201x"} {
		_, ok := c.ResolveRegion(bad)
		assert.False(t, ok, "region %q", bad)
	}
}

func TestChildLevelAndLevelTable(t *testing.T) {
	c := New()

	child, ok := c.ChildLevel(domain.GeoLevelState)
	require.True(t, ok)
	assert.Equal(t, domain.GeoLevelCounty, child)

	child, ok = c.ChildLevel(domain.GeoLevelCounty)
	require.True(t, ok)
	assert.Equal(t, domain.GeoLevelBlockGroup, child)

	_, ok = c.ChildLevel(domain.GeoLevelBlockGroup)
	assert.False(t, ok)

	tbl, ok := c.LevelTable(domain.GeoLevelCounty)
	require.True(t, ok)
	assert.Equal(t, "county_data", tbl)

	_, ok = c.LevelTable(domain.GeoLevelTract)
	assert.False(t, ok)
}

func TestPromptContext(t *testing.T) {
	c := New()
	ctx := c.PromptContext()

	assert.Contains(t, ctx, "TABLE state_data")
	assert.Contains(t, ctx, "TABLE county_data")
	assert.Contains(t, ctx, "hospital_beds")
	assert.Contains(t, ctx, "STATE NAMES:")
	assert.Contains(t, ctx, "texas")
	// Loader metadata stays out of the model's view.
	assert.False(t, strings.Contains(ctx, "dataset_freshness"))
}
