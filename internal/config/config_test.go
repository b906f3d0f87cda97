package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/credstore"
	"github.com/arc-self/apps/ot-edge-connector/internal/queue"
)

const sampleYAML = `
sources:
  - name: line1-opcua
    protocol: opcua
    endpoint: opc.tcp://10.0.1.5:4840
    routing_hint: dest-a
destinations:
  dest-a:
    workspace_host: https://my-workspace.cloud.example.com
    endpoint_host: ingest.cloud.example.com:443
    catalog: main
    schema: iot_data
    table: sensor_readings
    auth_ref: "${credential:dest_a_client_secret}"
routing:
  default_destination: dest-a
backpressure:
  max_in_memory: 500
  drop_policy: drop_newest
  spool_enabled: true
  spool_dir: /var/spool/connector
batch:
  max_records: 200
  max_age_ms: 2000
retry:
  max_attempts: 7
circuit_breaker:
  failure_threshold: 10
  half_open_max_probes: 5
  half_open_required_successes: 2
proxy:
  enabled: false
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	store := credstore.StaticStore{"dest_a_client_secret": "s3cr3t"}

	cfg, err := Load(path, store, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "line1-opcua", cfg.Sources[0].Name)
	assert.Equal(t, "dest-a", cfg.Sources[0].RoutingHint)

	require.Contains(t, cfg.Destinations, "dest-a")
	assert.Equal(t, "s3cr3t", cfg.DestinationAuthRef["dest-a"])

	assert.Equal(t, 500, cfg.Queue.MaxInMemory)
	assert.Equal(t, queue.DropNewest, cfg.Queue.DropPolicy)
	assert.True(t, cfg.Queue.SpoolEnabled)

	assert.Equal(t, 200, cfg.Batch.MaxRecords)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5, cfg.CircuitBreaker.HalfOpenMaxCalls, "half_open_max_probes bounds concurrent probes")
	assert.Equal(t, 2, cfg.CircuitBreaker.HalfOpenRequiredSuccesses, "half_open_required_successes is a distinct key from half_open_max_probes")
}

func TestLoadFailsOnUnresolvableCredential(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	store := credstore.StaticStore{}

	_, err := Load(path, store, zap.NewNop())
	require.Error(t, err)
}

func TestValidateProxyBypassWarnsOnEmptyNoProxy(t *testing.T) {
	cfg := &Config{Proxy: ProxyConfig{Enabled: true, NoProxy: ""}}
	err := cfg.validateProxyBypass()
	require.Error(t, err)
	assert.IsType(t, &ProxyBypassWarning{}, err)
}

func TestValidateProxyBypassOKWhenNoProxySet(t *testing.T) {
	cfg := &Config{Proxy: ProxyConfig{Enabled: true, NoProxy: "localhost,127.0.0.1,10.0.0.0/8"}}
	assert.NoError(t, cfg.validateProxyBypass())
}
