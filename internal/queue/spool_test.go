package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

func TestSpoolAppendAndPopFIFO(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, 1<<20, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(normalize.Tag{TagPath: "t", TagID: "id", Value: float64(i)}))
	}

	// Rotate first so the records sit in a sealed segment, whose file
	// PopFront removes once it has been drained.
	require.NoError(t, s.rotate())

	for i := 0; i < 3; i++ {
		tag, ok, err := s.PopFront()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(i), tag.Value)
	}

	_, ok, err := s.PopFront()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpoolRecoveryTruncatesPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, segmentFileName(0))
	good, err := json.Marshal(normalize.Tag{TagPath: "t", Value: float64(1)})
	require.NoError(t, err)

	content := append(good, '\n')
	content = append(content, []byte(`{"tag_path":"broken`)...) // incomplete trailing line
	require.NoError(t, os.WriteFile(path, content, 0o640))

	s, err := OpenSpool(dir, 1<<20, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.rotate())

	tag, ok, err := s.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(1), tag.Value)

	_, ok, err = s.PopFront()
	require.NoError(t, err)
	assert.False(t, ok, "the truncated partial record must not be replayed")
}

func TestSpoolSurvivesRestartPreservingOrder(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenSpool(dir, 1<<20, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s1.Append(normalize.Tag{TagPath: "t", Value: float64(1)}))
	require.NoError(t, s1.Append(normalize.Tag{TagPath: "t", Value: float64(2)}))
	require.NoError(t, s1.rotate())

	s2, err := OpenSpool(dir, 1<<20, zap.NewNop())
	require.NoError(t, err)

	tag, ok, err := s2.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(1), tag.Value)
}
