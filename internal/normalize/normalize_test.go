package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/apps/ot-edge-connector/internal/record"
)

func TestTagIDDeterministic(t *testing.T) {
	a := TagID("site/area/line/equip/signal")
	b := TagID("site/area/line/equip/signal")
	require.Equal(t, a, b)

	c := TagID("site/area/line/equip/other")
	assert.NotEqual(t, a, c)
}

func TestCanonicalizeSignal(t *testing.T) {
	cases := map[string]string{
		"Sensors/Temp#1":  "sensors_temp_1",
		"__leading__":     "leading",
		"plain":           "plain",
		"a--b__c":         "a_b_c",
		"register:40001":  "register_40001",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalizeSignal(in), "input %q", in)
	}
}

func TestInferDataType(t *testing.T) {
	assert.Equal(t, DataTypeInt, InferDataType(int64(4)))
	assert.Equal(t, DataTypeFloat, InferDataType(4.5))
	assert.Equal(t, DataTypeInt, InferDataType(4.0))
	assert.Equal(t, DataTypeBool, InferDataType(true))
	assert.Equal(t, DataTypeBool, InferDataType("true"))
	assert.Equal(t, DataTypeTimestamp, InferDataType("2026-07-31T10:00:00Z"))
	assert.Equal(t, DataTypeString, InferDataType("hello world"))
}

func TestOPCUAQualityMapping(t *testing.T) {
	n := OPCUA{}

	good, err := n.Normalize(record.Raw{StatusCode: 0, TopicOrPath: "a", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, QualityGood, good.Quality)

	bad, err := n.Normalize(record.Raw{StatusCode: int(0x80010000), TopicOrPath: "a", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, QualityBad, bad.Quality)

	uncertain, err := n.Normalize(record.Raw{StatusCode: int(0x40020000), TopicOrPath: "a", Value: 1})
	require.NoError(t, err)
	assert.Equal(t, QualityUncertain, uncertain.Quality)
}

func TestFallbackNeverDrops(t *testing.T) {
	raw := record.Raw{SourceName: "src1", TopicOrPath: "weird/topic", Value: "x"}
	tag := Fallback(raw)
	assert.Equal(t, "raw/src1/weird/topic", tag.TagPath)
	assert.Equal(t, DataTypeString, tag.DataType)
	assert.Equal(t, QualityGood, tag.Quality)
	assert.Equal(t, TagID(tag.TagPath), tag.TagID)
}
