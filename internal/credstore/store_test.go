package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitKeyWithExplicitField(t *testing.T) {
	path, field := splitKey("tls/opcua#passphrase")
	assert.Equal(t, "tls/opcua", path)
	assert.Equal(t, "passphrase", field)
}

func TestSplitKeyDefaultsFieldToValue(t *testing.T) {
	path, field := splitKey("pg_password")
	assert.Equal(t, "pg_password", path)
	assert.Equal(t, "value", field)
}

func TestSplitKeyWithMultipleHashesUsesLastOne(t *testing.T) {
	path, field := splitKey("a#b#client_id")
	assert.Equal(t, "a#b", path)
	assert.Equal(t, "client_id", field)
}

func TestStaticStoreResolvesKnownKey(t *testing.T) {
	s := StaticStore{"dest1#client_id": "abc123"}
	v, err := s.Resolve("dest1#client_id")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)
}

func TestStaticStoreReturnsErrorForUnknownKey(t *testing.T) {
	s := StaticStore{}
	_, err := s.Resolve("missing")
	require.Error(t, err)
}
