package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/infra-world/internal/infra"
	"github.com/talgya/infra-world/internal/lifecycle"
	"github.com/talgya/infra-world/internal/social"
)

func TestLoadShippedScenarios(t *testing.T) {
	sc, err := Load(filepath.Join("..", "..", "scenarios", "two_cities.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "two-cities", sc.Name)
	assert.Equal(t, 2000, sc.StartYear)
	assert.Len(t, sc.Graph.Cities(), 2)

	a, err := sc.Graph.Lookup("A")
	require.NoError(t, err)
	water := a.System(infra.SectorWater)
	require.NotNil(t, water)
	require.Len(t, water.Elements(), 2)
	assert.Equal(t, infra.Pricing{BasePrice: 1, RetailPrice: 2, TransferPrice: 0.2}, water.Pricing)
	link := water.Element("link-a-b")
	require.NotNil(t, link)
	assert.Equal(t, infra.KindDistribution, link.Kind())
	assert.Equal(t, "B", link.Destination)
	assert.Equal(t, 0.9, link.Efficiency)

	sc, err = Load(filepath.Join("..", "..", "scenarios", "arcadia.yaml"))
	require.NoError(t, err)
	port, err := sc.Graph.Lookup("Port")
	require.NoError(t, err)
	assert.Equal(t, "Coast", port.Parent())
	require.NotNil(t, port.System(infra.SectorWater).Reservoir)
	assert.Contains(t, port.Demand, infra.SectorAgriculture, "food is an alias for agriculture")

	farms, _ := sc.Graph.Element("valley-farms")
	require.NotNil(t, farms)
	assert.Equal(t, 900.0, farms.Inputs[infra.SectorWater])

	field, _ := sc.Graph.Element("gulf-field")
	require.NotNil(t, field)
	d, ok := field.Lifecycle.(*lifecycle.Default)
	require.True(t, ok)
	assert.True(t, d.Levelize)
	assert.Equal(t, 1950, d.OperationStart())

	desal, _ := sc.Graph.Element("port-desal")
	require.NotNil(t, desal)
	assert.Equal(t, lifecycle.VariantSimple, desal.Lifecycle.Variant())
}

func TestParseDefaultsAndErrors(t *testing.T) {
	sc, err := Parse([]byte(`
country:
  name: C
  children:
    - name: A
      systems:
        water:
          elements:
            - id: w
              max_production: 5
`))
	require.NoError(t, err)
	a, err := sc.Graph.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, social.KindCity, a.Kind)
	w := a.System(infra.SectorWater).Element("w")
	require.NotNil(t, w)
	assert.Equal(t, "A", w.Destination)
	assert.Equal(t, lifecycle.StateOperating, w.Lifecycle.State(1900))

	bad := map[string]string{
		"unknown sector": `
country:
  name: C
  systems:
    plutonium: {}
`,
		"negative capacity": `
country:
  name: C
  systems:
    water:
      elements:
        - {id: w, max_production: -1}
`,
		"storage outside water": `
country:
  name: C
  systems:
    petroleum:
      reservoir: {volume: 1, max_volume: 2}
`,
		"bad lifecycle": `
country:
  name: C
  systems:
    water:
      elements:
        - id: w
          lifecycle: {variant: exotic}
`,
		"dangling destination": `
country:
  name: C
  systems:
    water:
      elements:
        - {id: w, destination: Z, max_throughput: 1, distribution_efficiency: 1}
`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsSharedElementIDs(t *testing.T) {
	_, err := Parse([]byte(`
country:
  name: C
  children:
    - name: A
      systems:
        water:
          elements:
            - {id: plant, max_production: 10}
    - name: B
      systems:
        water:
          elements:
            - {id: plant, max_production: 10}
`))
	assert.ErrorIs(t, err, social.ErrInvalidGraph)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
