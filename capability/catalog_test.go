package capability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalogBuildsRegistry(t *testing.T) {
	cat, err := LoadCatalog(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)
	require.Len(t, cat.Capabilities, 2)

	reg, err := cat.BuildRegistry()
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	v1, err := reg.Resolve("commerce.checkout")
	require.NoError(t, err)
	// an exact unversioned registration wins over newer versions
	assert.Equal(t, "commerce.checkout", v1.Key())
	assert.Equal(t, "order_summary", v1.Hydrator())
	require.NotNil(t, v1.EntitySchema())
	assert.Error(t, v1.EntitySchema().Validate(map[string]any{"orderId": ""}))
	assert.NoError(t, v1.RenderDataSchema().Validate(map[string]any{"orderId": "o-1", "total": 10.5}))

	edge, ok := v1.Machine().Edge("review", "PAY")
	require.True(t, ok)
	assert.True(t, edge.Guarded())
	assert.Error(t, edge.PayloadSchema.Validate(map[string]any{}))

	successors := reg.Successors("commerce.checkout")
	require.Len(t, successors, 1)
	from, migration, ok := successors[0].MigratesFrom()
	require.True(t, ok)
	assert.Equal(t, "commerce.checkout", from.String())
	assert.Equal(t, "checkout_v1_to_v2", migration)
}

func TestParseCatalogAcceptsJSON(t *testing.T) {
	cat, err := ParseCatalog([]byte(`{
		"version": 1,
		"capabilities": [{
			"id": "support.ticket",
			"machine": {
				"states": [{"name": "open", "initial": true}, {"name": "closed", "final": true}],
				"transitions": [{"event": "CLOSE", "from": "open", "to": "closed"}]
			}
		}]
	}`))
	require.NoError(t, err)
	require.Len(t, cat.Capabilities, 1)
	assert.Equal(t, "support.ticket", cat.Capabilities[0].ID)
}

func TestParseCatalogRejectsDuplicates(t *testing.T) {
	_, err := ParseCatalog([]byte(`
capabilities:
  - id: support.ticket
    machine: {states: [{name: open, initial: true}]}
  - id: Support.Ticket
    machine: {states: [{name: open, initial: true}]}
`))
	assert.Error(t, err)
}

func TestParseCatalogRequiresMachine(t *testing.T) {
	_, err := ParseCatalog([]byte(`
capabilities:
  - id: support.ticket
`))
	assert.Error(t, err)
}
