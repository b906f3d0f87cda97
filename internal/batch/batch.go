// Package batch implements the Batcher (C5): per-destination buffering
// that turns a routed tag stream into ordered batches handed to the
// stream client.
package batch

import (
	"sync"
	"time"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

// Config parametrizes when a buffer flushes.
type Config struct {
	MaxRecords int
	MaxAge     time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{MaxRecords: 1000, MaxAge: 5 * time.Second}
}

// FlushFunc receives one destination's ordered batch.
type FlushFunc func(destinationID string, tags []normalize.Tag)

// Batcher maintains one buffer per destination id and flushes it once it
// reaches MaxRecords or its oldest record has been buffered for MaxAge.
// Within a single source, records preserve enqueue order through to
// flush; cross-source ordering at a destination is not guaranteed.
type Batcher struct {
	cfg   Config
	flush FlushFunc

	mu      sync.Mutex
	buffers map[string]*buffer
}

type buffer struct {
	tags      []normalize.Tag
	oldestAt  time.Time
}

// New constructs a Batcher that calls flush once a destination's buffer is
// ready.
func New(cfg Config, flush FlushFunc) *Batcher {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	return &Batcher{cfg: cfg, flush: flush, buffers: make(map[string]*buffer)}
}

// Add appends tag to destinationID's buffer, flushing it immediately if it
// has now reached MaxRecords.
func (b *Batcher) Add(destinationID string, tag normalize.Tag) {
	b.mu.Lock()
	buf, exists := b.buffers[destinationID]
	if !exists {
		buf = &buffer{oldestAt: time.Now()}
		b.buffers[destinationID] = buf
	}
	if len(buf.tags) == 0 {
		buf.oldestAt = time.Now()
	}
	buf.tags = append(buf.tags, tag)

	var toFlush []normalize.Tag
	if len(buf.tags) >= b.cfg.MaxRecords {
		toFlush = buf.tags
		buf.tags = nil
	}
	b.mu.Unlock()

	if toFlush != nil {
		b.flush(destinationID, toFlush)
	}
}

// FlushAged flushes every buffer whose oldest record has been waiting at
// least MaxAge. Intended to be called periodically (e.g. every
// MaxAge/2) by the destination's batch-processor loop.
func (b *Batcher) FlushAged() {
	now := time.Now()
	b.mu.Lock()
	var ready []struct {
		id   string
		tags []normalize.Tag
	}
	for id, buf := range b.buffers {
		if len(buf.tags) > 0 && now.Sub(buf.oldestAt) >= b.cfg.MaxAge {
			ready = append(ready, struct {
				id   string
				tags []normalize.Tag
			}{id, buf.tags})
			buf.tags = nil
		}
	}
	b.mu.Unlock()

	for _, r := range ready {
		b.flush(r.id, r.tags)
	}
}

// FlushAll flushes every non-empty buffer unconditionally, for graceful
// shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	var ready []struct {
		id   string
		tags []normalize.Tag
	}
	for id, buf := range b.buffers {
		if len(buf.tags) > 0 {
			ready = append(ready, struct {
				id   string
				tags []normalize.Tag
			}{id, buf.tags})
			buf.tags = nil
		}
	}
	b.mu.Unlock()

	for _, r := range ready {
		b.flush(r.id, r.tags)
	}
}
