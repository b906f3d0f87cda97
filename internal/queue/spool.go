package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/normalize"
)

const defaultSegmentMaxBytes = 64 << 20 // 64 MiB rotation threshold

// segment is one append-only spool file. Segments are named
// segment-<sequence>.jsonl so FIFO order survives a restart: sorting by
// sequence reproduces enqueue order even though directory listings are not
// otherwise ordered.
type segment struct {
	seq  int64
	path string
	size int64
}

// Spool is the on-disk overflow for the backpressure queue: a sequence of
// append-only, newline-delimited JSON segment files rotated at 64 MiB and
// fsync'd at rotation. Segments are drained strictly oldest-first and a
// segment file is only removed after every record in it has been
// successfully popped.
type Spool struct {
	dir          string
	maxTotal     int64
	segmentLimit int64
	logger       *zap.Logger

	mu       sync.Mutex
	segments []*segment // oldest first; segments[len-1] is the active write segment
	nextSeq  int64
	writeF   *os.File
	writeW   *bufio.Writer
	totalSz  int64

	readF   *os.File
	readR   *bufio.Reader
	readSeq int64
}

// OpenSpool opens (creating if necessary) the spool directory, recovers
// any segments left from a previous run — truncating a trailing partial
// record — and leaves the newest recovered segment as the active one, so
// the next Append continues it (a fresh segment is created only when no
// segment exists yet).
func OpenSpool(dir string, maxTotalBytes int64, logger *zap.Logger) (*Spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir is required when spool is enabled")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}

	s := &Spool{
		dir:          dir,
		maxTotal:     maxTotalBytes,
		segmentLimit: defaultSegmentMaxBytes,
		logger:       logger,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spool) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool dir %s: %w", s.dir, err)
	}

	var found []*segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseSegmentSeq(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, &segment{seq: seq, path: path, size: info.Size()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	for _, seg := range found {
		if err := truncateTrailingPartial(seg.path); err != nil {
			return err
		}
		info, err := os.Stat(seg.path)
		if err == nil {
			seg.size = info.Size()
		}
		if seg.seq >= s.nextSeq {
			s.nextSeq = seg.seq + 1
		}
	}
	s.segments = found

	for _, seg := range s.segments {
		s.totalSz += seg.size
	}
	return nil
}

// truncateTrailingPartial drops an incomplete final line left by a crash
// mid-write, so recovery never hands back a half-written record.
func truncateTrailingPartial(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read segment %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	validEnd := 0
	for _, line := range splitLinesKeepOffsets(data) {
		var tag normalize.Tag
		if json.Unmarshal(line.bytes, &tag) == nil {
			validEnd = line.end
		} else {
			break
		}
	}
	if validEnd == len(data) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open segment %s for truncation: %w", path, err)
	}
	defer f.Close()
	return f.Truncate(int64(validEnd))
}

type lineSpan struct {
	bytes []byte
	end   int
}

func splitLinesKeepOffsets(data []byte) []lineSpan {
	var out []lineSpan
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, lineSpan{bytes: data[start:i], end: i + 1})
			start = i + 1
		}
	}
	return out
}

func segmentFileName(seq int64) string {
	return fmt.Sprintf("segment-%020d.jsonl", seq)
}

func parseSegmentSeq(name string) (int64, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".jsonl") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".jsonl")
	seq, err := strconv.ParseInt(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Append serializes tag and appends it to the active segment, rotating to
// a new segment (fsync'd) once the active one reaches the size limit.
func (s *Spool) Append(tag normalize.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxTotal > 0 && s.totalSz >= s.maxTotal {
		return fmt.Errorf("spool at capacity (%d bytes)", s.maxTotal)
	}

	if err := s.ensureWriter(); err != nil {
		return err
	}

	line, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("marshal spooled record: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.writeW.Write(line); err != nil {
		return fmt.Errorf("write spool segment: %w", err)
	}
	if err := s.writeW.Flush(); err != nil {
		return fmt.Errorf("flush spool segment: %w", err)
	}

	active := s.segments[len(s.segments)-1]
	active.size += int64(len(line))
	s.totalSz += int64(len(line))

	if active.size >= s.segmentLimit {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spool) ensureWriter() error {
	if s.writeF != nil {
		return nil
	}
	if len(s.segments) == 0 {
		return s.openNewActiveSegment()
	}
	active := s.segments[len(s.segments)-1]
	f, err := os.OpenFile(active.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("open active spool segment %s: %w", active.path, err)
	}
	s.writeF = f
	s.writeW = bufio.NewWriter(f)
	return nil
}

func (s *Spool) openNewActiveSegment() error {
	seq := s.nextSeq
	s.nextSeq++
	path := filepath.Join(s.dir, segmentFileName(seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create spool segment %s: %w", path, err)
	}
	s.segments = append(s.segments, &segment{seq: seq, path: path})
	s.writeF = f
	s.writeW = bufio.NewWriter(f)
	return nil
}

// rotate fsyncs and closes the current active segment and opens a fresh
// one, per the append-only/fsync-at-rotation invariant.
func (s *Spool) rotate() error {
	if s.writeF != nil {
		if err := s.writeW.Flush(); err != nil {
			return fmt.Errorf("flush segment before rotation: %w", err)
		}
		if err := s.writeF.Sync(); err != nil {
			return fmt.Errorf("fsync segment before rotation: %w", err)
		}
		if err := s.writeF.Close(); err != nil {
			return fmt.Errorf("close segment before rotation: %w", err)
		}
		s.writeF = nil
		s.writeW = nil
	}
	return s.openNewActiveSegment()
}

// Sync flushes and fsyncs the active segment without rotating, for use on
// graceful shutdown.
func (s *Spool) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeF == nil {
		return nil
	}
	if err := s.writeW.Flush(); err != nil {
		return err
	}
	return s.writeF.Sync()
}

// PopFront returns the oldest unread record, removing its segment file
// once fully drained. A record is only ever removed from the spool after
// a caller has successfully received it.
func (s *Spool) PopFront() (normalize.Tag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.segments) == 0 {
			return normalize.Tag{}, false, nil
		}
		oldest := s.segments[0]

		if s.readF == nil || s.readSeq != oldest.seq {
			if s.readF != nil {
				s.readF.Close()
				s.readF = nil
			}
			f, err := os.Open(oldest.path)
			if err != nil {
				return normalize.Tag{}, false, fmt.Errorf("open spool segment %s: %w", oldest.path, err)
			}
			s.readF = f
			s.readR = bufio.NewReader(f)
			s.readSeq = oldest.seq
		}

		line, err := s.readR.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			var tag normalize.Tag
			if jsonErr := json.Unmarshal(line[:len(line)-1], &tag); jsonErr != nil {
				return normalize.Tag{}, false, fmt.Errorf("corrupt spool record in %s: %w", oldest.path, jsonErr)
			}
			s.totalSz -= int64(len(line))
			return tag, true, nil
		}

		// EOF on this segment: if it's still the active write segment,
		// there's nothing more to read right now.
		isActive := len(s.segments) > 0 && s.segments[len(s.segments)-1].seq == oldest.seq
		if isActive {
			return normalize.Tag{}, false, nil
		}

		// Sealed and fully drained: remove the file and advance.
		s.readF.Close()
		s.readF = nil
		if rmErr := os.Remove(oldest.path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove drained spool segment", zap.String("path", oldest.path), zap.Error(rmErr))
		}
		s.segments = s.segments[1:]
	}
}

// PendingCount reports how many segment files currently hold undelivered
// records (an approximation used for diagnostics, not an exact record
// count).
func (s *Spool) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}
