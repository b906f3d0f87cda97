package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/batch"
	"github.com/arc-self/apps/ot-edge-connector/internal/config"
	"github.com/arc-self/apps/ot-edge-connector/internal/credstore"
	"github.com/arc-self/apps/ot-edge-connector/internal/destination"
	"github.com/arc-self/apps/ot-edge-connector/internal/queue"
	"github.com/arc-self/apps/ot-edge-connector/internal/record"
	"github.com/arc-self/apps/ot-edge-connector/internal/source"
	"github.com/arc-self/apps/ot-edge-connector/internal/streamclient"
)

func emptyConfig() *config.Config {
	return &config.Config{
		Destinations:   map[string]destination.Destination{},
		Queue:          queue.DefaultConfig(),
		Batch:          batch.DefaultConfig(),
		Retry:          streamclient.DefaultRetryConfig(),
		CircuitBreaker: streamclient.DefaultCircuitBreakerConfig(),
	}
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b, err := New(emptyConfig(), zap.NewNop(), nil, nil, credstore.StaticStore{})
	require.NoError(t, err)
	return b
}

func TestRoutingHintsCollectsOnlyExplicitOverrides(t *testing.T) {
	hints := routingHints([]source.Source{
		{Name: "a", RoutingHint: "dest1"},
		{Name: "b"},
	})
	assert.Equal(t, "dest1", hints["a"])
	_, ok := hints["b"]
	assert.False(t, ok)
}

func TestBridgeBeforeStartReportsEmptySnapshots(t *testing.T) {
	b := newTestBridge(t)
	st := b.GetStatus()
	assert.Empty(t, st.Sources)
	assert.Empty(t, st.Destinations)

	m := b.GetMetrics()
	assert.Zero(t, m.RecordsIngested)
	assert.Zero(t, m.RecordsSent)
}

func TestAddSourceBeforeStartReturnsError(t *testing.T) {
	b := newTestBridge(t)
	err := b.AddSource(source.Source{Name: "s1", Protocol: record.ProtocolMQTT, Endpoint: "tcp://broker:1883", Enabled: true})
	require.Error(t, err)
}

func TestRemoveUnknownSourceReturnsError(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	err := b.RemoveSource("does-not-exist")
	require.Error(t, err)
}

func TestStartDestinationUnknownReturnsError(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	err := b.StartDestination("does-not-exist")
	require.Error(t, err)
}

func TestStartStopWithNoSourcesOrDestinationsIsClean(t *testing.T) {
	b := newTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, b.Start(ctx))
	require.Error(t, b.Start(ctx), "starting twice must be rejected")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, b.Stop(stopCtx))
}

func TestHandleRawRecordEnqueuesAndBumpsIngestCounter(t *testing.T) {
	b := newTestBridge(t)
	b.cfg.Normalization = config.NormalizationDefaults{}

	raw := record.Raw{
		SourceName:  "src-a",
		Protocol:    record.ProtocolMQTT,
		TopicOrPath: "sensor/1",
		Value:       42,
	}
	b.handleRawRecord(source.Source{Name: "src-a", Protocol: record.ProtocolMQTT}, raw)

	memCount, spoolCount := b.queue.Depth()
	assert.Equal(t, 1, memCount)
	assert.Zero(t, spoolCount)
	assert.Equal(t, int64(1), b.metrics.recordsIngested.Load())
	assert.Equal(t, int64(1), b.metrics.recordsNormalized.Load())
}
