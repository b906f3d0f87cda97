// Package queue implements the Backpressure Queue (C3): a bounded
// in-memory FIFO backed by an append-only disk spool, absorbing bursts and
// outages without ever blocking a protocol client's on-record callback for
// longer than one bounded spill write.
package queue

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

// DropPolicy selects which record is sacrificed once both memory and spool
// are full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// Config parametrizes the queue.
type Config struct {
	MaxInMemory   int
	DropPolicy    DropPolicy
	SpoolEnabled  bool
	SpoolDir      string
	SpoolMaxBytes int64
	// LowWaterMark is the memory-queue occupancy, as a count, below which
	// Dequeue starts draining spool segments back into memory ahead of
	// newly enqueued records. Absent a crash, this keeps FIFO order intact
	// while still bounding memory use during sustained backlog.
	LowWaterMark int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxInMemory:   10000,
		DropPolicy:    DropOldest,
		SpoolEnabled:  false,
		SpoolMaxBytes: 1 << 30,
		LowWaterMark:  1000,
	}
}

// EnqueueResult reports what Enqueue did with a record.
type EnqueueResult struct {
	Accepted bool
	Spilled  bool
}

// Metrics are the counters GetPipelineDiagnostics surfaces for this queue.
type Metrics struct {
	RecordsDropped     int64
	SpoolDisabledAtRuntime bool
}

// Queue is the C3 backpressure queue: an in-memory list plus an optional
// on-disk spool. A restart replays the spool ahead of anything newly
// enqueued, so delivery order after a crash matches pre-crash enqueue
// order; while catching up, the spool is drained ahead of memory whenever
// memory holds fewer records than the low-water mark.
type Queue struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	memory   *list.List // of normalize.Tag
	spool    *Spool
	metrics  Metrics
	catchingUp bool // true once spool has records to drain
}

// New constructs a Queue. If cfg.SpoolEnabled, spoolDir is created/opened
// and any existing segments are recovered so they drain before new writes.
func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.MaxInMemory <= 0 {
		cfg.MaxInMemory = 10000
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropOldest
	}

	q := &Queue{
		cfg:    cfg,
		logger: logger,
		memory: list.New(),
	}
	q.cond = sync.NewCond(&q.mu)

	if cfg.SpoolEnabled {
		spool, err := OpenSpool(cfg.SpoolDir, cfg.SpoolMaxBytes, logger)
		if err != nil {
			return nil, err
		}
		q.spool = spool
		q.catchingUp = spool.PendingCount() > 0
	}

	return q, nil
}

// Enqueue appends a record, spilling to disk or applying the drop policy
// once memory is full. It never blocks for longer than one spill write.
func (q *Queue) Enqueue(tag normalize.Tag) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.memory.Len() < q.cfg.MaxInMemory {
		q.memory.PushBack(tag)
		q.cond.Signal()
		return EnqueueResult{Accepted: true}
	}

	if q.spool != nil && !q.metrics.SpoolDisabledAtRuntime {
		if err := q.spool.Append(tag); err != nil {
			q.logger.Error("spool write failed, disabling spool for process lifetime", zap.Error(err))
			q.metrics.SpoolDisabledAtRuntime = true
		} else {
			q.catchingUp = true
			q.cond.Signal()
			return EnqueueResult{Accepted: true, Spilled: true}
		}
	}

	switch q.cfg.DropPolicy {
	case DropNewest:
		q.metrics.RecordsDropped++
		return EnqueueResult{Accepted: false}
	default: // DropOldest
		if front := q.memory.Front(); front != nil {
			q.memory.Remove(front)
		}
		q.memory.PushBack(tag)
		q.metrics.RecordsDropped++
		return EnqueueResult{Accepted: true}
	}
}

// Dequeue returns the next record in FIFO order, or ok=false at once if
// the queue is empty; it does not wait for a record to arrive. While
// catching up from a crash or backlog and while memory holds fewer records
// than the low-water mark, spool segments are drained ahead of memory;
// otherwise memory is drained first and the spool after it.
func (q *Queue) Dequeue() (normalize.Tag, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.spool != nil && q.catchingUp && q.memory.Len() < q.cfg.LowWaterMark {
		tag, ok, err := q.spool.PopFront()
		if err != nil {
			q.logger.Error("spool read failed", zap.Error(err))
		}
		if ok {
			return tag, true
		}
		q.catchingUp = false
	}

	if front := q.memory.Front(); front != nil {
		q.memory.Remove(front)
		return front.Value.(normalize.Tag), true
	}

	if q.spool != nil {
		tag, ok, err := q.spool.PopFront()
		if err != nil {
			q.logger.Error("spool read failed", zap.Error(err))
		}
		if ok {
			return tag, true
		}
	}

	return normalize.Tag{}, false
}

// Depth returns the current in-memory record count and the spool depth.
// The spool depth is the number of spool segment files still holding
// undelivered records (Spool.PendingCount), not a record count.
func (q *Queue) Depth() (memoryCount, spoolCount int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	memoryCount = q.memory.Len()
	if q.spool != nil {
		spoolCount = q.spool.PendingCount()
	}
	return memoryCount, spoolCount
}

// Metrics returns a snapshot of the queue's counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metrics
}

// Flush flushes any buffered spool writer state. Called on graceful
// shutdown so the on-disk segment reflects everything accepted.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.spool == nil {
		return nil
	}
	return q.spool.Sync()
}
