package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

func tag(n int) normalize.Tag {
	return normalize.Tag{TagPath: "t", Value: n}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, err := New(Config{MaxInMemory: 10}, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res := q.Enqueue(tag(i))
		require.True(t, res.Accepted)
	}

	for i := 0; i < 5; i++ {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, got.Value)
	}

	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestDropOldestWhenFullAndSpoolDisabled(t *testing.T) {
	q, err := New(Config{MaxInMemory: 2, DropPolicy: DropOldest}, zap.NewNop())
	require.NoError(t, err)

	require.True(t, q.Enqueue(tag(1)).Accepted)
	require.True(t, q.Enqueue(tag(2)).Accepted)
	res := q.Enqueue(tag(3))
	require.True(t, res.Accepted)

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 2, got.Value, "oldest (tag 1) should have been dropped")

	assert.Equal(t, int64(1), q.Metrics().RecordsDropped)
}

func TestDropNewestWhenFullAndSpoolDisabled(t *testing.T) {
	q, err := New(Config{MaxInMemory: 1, DropPolicy: DropNewest}, zap.NewNop())
	require.NoError(t, err)

	require.True(t, q.Enqueue(tag(1)).Accepted)
	res := q.Enqueue(tag(2))
	assert.False(t, res.Accepted)

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 1, got.Value)
}

func TestSpillsToSpoolWhenMemoryFull(t *testing.T) {
	dir := t.TempDir()
	q, err := New(Config{MaxInMemory: 1, SpoolEnabled: true, SpoolDir: dir, SpoolMaxBytes: 1 << 20, LowWaterMark: 0}, zap.NewNop())
	require.NoError(t, err)

	require.True(t, q.Enqueue(tag(1)).Accepted)
	res := q.Enqueue(tag(2))
	require.True(t, res.Accepted)
	assert.True(t, res.Spilled)

	mem, spool := q.Depth()
	assert.Equal(t, 1, mem)
	assert.Equal(t, 1, spool)
}

// TestRecoveredSpoolDrainsAheadOfConcurrentNewRecords reproduces the
// crash-recovery ordering property: a spool backlog left over from before a
// restart must drain before any record produced after the restart, even
// while new production is happening concurrently and memory never reaches
// the low-water mark.
func TestRecoveredSpoolDrainsAheadOfConcurrentNewRecords(t *testing.T) {
	dir := t.TempDir()

	seed, err := OpenSpool(dir, 1<<20, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, seed.Append(tag(i)))
	}

	q, err := New(Config{
		MaxInMemory:   100,
		SpoolEnabled:  true,
		SpoolDir:      dir,
		SpoolMaxBytes: 1 << 20,
		LowWaterMark:  1000,
	}, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 100; i < 103; i++ {
			q.Enqueue(tag(i))
		}
	}()
	wg.Wait()

	var got []any
	for {
		out, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, out.Value)
	}

	require.Len(t, got, 8)
	for i := 0; i < 5; i++ {
		assert.EqualValues(t, i, got[i], "recovered spool backlog must drain before newly enqueued records")
	}
}
