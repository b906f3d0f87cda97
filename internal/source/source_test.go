package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

func TestValidateRejectsUnsafeName(t *testing.T) {
	s := Source{Name: "line/1 sensor", Protocol: record.ProtocolMQTT, Endpoint: "tcp://broker:1883"}
	err := s.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsPathSafeName(t *testing.T) {
	s := Source{Name: "line-1_sensor.a", Protocol: record.ProtocolMQTT, Endpoint: "tcp://broker:1883"}
	assert.NoError(t, s.Validate())
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	s := Source{Name: "plc1", Protocol: record.ProtocolModbus, Endpoint: "10.0.0.5:502"}
	require.NoError(t, r.Add(s))
	err := r.Add(s)
	require.Error(t, err)
}

func TestRegistryRemoveThenReAdd(t *testing.T) {
	r := NewRegistry()
	s := Source{Name: "plc1", Protocol: record.ProtocolModbus, Endpoint: "10.0.0.5:502"}
	require.NoError(t, r.Add(s))
	r.Remove("plc1")
	_, ok := r.Get("plc1")
	assert.False(t, ok)
	assert.NoError(t, r.Add(s))
}
