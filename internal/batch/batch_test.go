package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

func TestFlushesOnMaxRecords(t *testing.T) {
	var mu sync.Mutex
	var flushed []normalize.Tag
	b := New(Config{MaxRecords: 3, MaxAge: time.Hour}, func(destID string, tags []normalize.Tag) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "dest-a", destID)
		flushed = append(flushed, tags...)
	})

	for i := 0; i < 3; i++ {
		b.Add("dest-a", normalize.Tag{Value: i})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 3)
	assert.Equal(t, 0, flushed[0].Value)
	assert.Equal(t, 2, flushed[2].Value)
}

func TestFlushAgedFlushesOldBuffer(t *testing.T) {
	var flushedCount int
	b := New(Config{MaxRecords: 1000, MaxAge: 10 * time.Millisecond}, func(destID string, tags []normalize.Tag) {
		flushedCount += len(tags)
	})

	b.Add("dest-a", normalize.Tag{Value: 1})
	time.Sleep(20 * time.Millisecond)
	b.FlushAged()

	assert.Equal(t, 1, flushedCount)
}

func TestFlushAllFlushesEverything(t *testing.T) {
	var destinations []string
	b := New(DefaultConfig(), func(destID string, tags []normalize.Tag) {
		destinations = append(destinations, destID)
	})

	b.Add("dest-a", normalize.Tag{Value: 1})
	b.Add("dest-b", normalize.Tag{Value: 2})
	b.FlushAll()

	assert.ElementsMatch(t, []string{"dest-a", "dest-b"}, destinations)
}

func TestPreservesPerSourceOrder(t *testing.T) {
	var flushed []normalize.Tag
	b := New(Config{MaxRecords: 5, MaxAge: time.Hour}, func(destID string, tags []normalize.Tag) {
		flushed = tags
	})

	for i := 0; i < 5; i++ {
		b.Add("dest-a", normalize.Tag{SourceName: "line1", Value: i})
	}

	require.Len(t, flushed, 5)
	for i, tag := range flushed {
		assert.Equal(t, i, tag.Value)
	}
}
