package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

func TestRouteUsesSourceHintOverDefault(t *testing.T) {
	r := New(map[string]string{"line1": "dest-a"}, "dest-default")
	id, ok := r.Route(normalize.Tag{SourceName: "line1"})
	assert.True(t, ok)
	assert.Equal(t, "dest-a", id)
}

func TestRouteFallsBackToDefault(t *testing.T) {
	r := New(nil, "dest-default")
	id, ok := r.Route(normalize.Tag{SourceName: "unconfigured"})
	assert.True(t, ok)
	assert.Equal(t, "dest-default", id)
}

func TestRouteUnroutableWithoutHintOrDefault(t *testing.T) {
	r := New(nil, "")
	_, ok := r.Route(normalize.Tag{SourceName: "unconfigured"})
	assert.False(t, ok)
}

func TestRouteIsPure(t *testing.T) {
	r := New(map[string]string{"line1": "dest-a"}, "dest-default")
	tag := normalize.Tag{SourceName: "line1"}
	id1, _ := r.Route(tag)
	id2, _ := r.Route(tag)
	assert.Equal(t, id1, id2)
}
