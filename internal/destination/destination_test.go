package destination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDDeterministic(t *testing.T) {
	id1 := ID("https://acme.cloud.databricks.com", "main", "ot", "sensors")
	id2 := ID("https://acme.cloud.databricks.com", "main", "ot", "sensors")
	assert.Equal(t, id1, id2)
	assert.Equal(t, "acme.main.ot.sensors", id1)
}

func TestIDDistinguishesTables(t *testing.T) {
	a := ID("https://acme.cloud.databricks.com", "main", "ot", "sensors")
	b := ID("https://acme.cloud.databricks.com", "main", "ot", "alarms")
	assert.NotEqual(t, a, b)
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(Config{WorkspaceHost: "https://plant1.cloud.databricks.com"})
	require.Equal(t, "main", d.Catalog)
	require.Equal(t, "iot_data", d.Schema)
	require.Equal(t, "sensor_readings", d.Table)
	assert.Equal(t, "plant1.main.iot_data.sensor_readings", d.ID)
}

func TestMergeOverridesOnlySetFields(t *testing.T) {
	base := Config{WorkspaceHost: "https://acme.cloud.databricks.com", Catalog: "main", Schema: "iot_data", Table: "sensor_readings"}
	override := Config{Table: "line1_sensors"}
	merged := Merge(base, override)
	assert.Equal(t, "https://acme.cloud.databricks.com", merged.WorkspaceHost)
	assert.Equal(t, "line1_sensors", merged.Table)
}
