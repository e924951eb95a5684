package iddag

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/indexlog"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// EncodeSegmentKey builds the log key for a segment: level byte followed by
// the big-endian Low, so keys order like (level, low).
func EncodeSegmentKey(level uint8, low core.Id) []byte {
	key := make([]byte, 0, 9)
	key = append(key, level)
	return binary.BigEndian.AppendUint64(key, uint64(low))
}

// LogStore is a Store whose segments survive restarts via the shared index
// log. Mutations accumulate in memory until Flush appends them; flushed
// flat segments are sealed and never extended in place again.
type LogStore struct {
	mem *MemStore
	log *indexlog.Log
}

// NewLogStore creates a log-backed store. The caller drives replay by
// feeding RecordSegment records to Apply, then calling Seal.
func NewLogStore(log *indexlog.Log) *LogStore {
	return &LogStore{
		mem: NewMemStore(),
		log: log,
	}
}

func (s *LogStore) AddFlat(id core.Id, parents []core.Id) error { return s.mem.AddFlat(id, parents) }

func (s *LogStore) Insert(seg segment.Segment) error { return s.mem.Insert(seg) }

func (s *LogStore) NextFreeId(group core.Group) core.Id { return s.mem.NextFreeId(group) }

func (s *LogStore) MaxLevel() uint8 { return s.mem.MaxLevel() }

func (s *LogStore) SegmentWithHigh(id core.Id) (segment.Segment, bool) {
	return s.mem.SegmentWithHigh(id)
}

func (s *LogStore) FlatContaining(id core.Id) (segment.Segment, bool) {
	return s.mem.FlatContaining(id)
}

func (s *LogStore) FlatOverlapping(sp spanset.Span, fn func(segment.Segment) bool) {
	s.mem.FlatOverlapping(sp, fn)
}

func (s *LogStore) IterLevel(level uint8, fn func(segment.Segment) bool) {
	s.mem.IterLevel(level, fn)
}

func (s *LogStore) All() spanset.SpanSet { return s.mem.All() }

// RemoveGroup drops in-memory segments of group. The caller is responsible
// for rewriting the log afterwards.
func (s *LogStore) RemoveGroup(group core.Group) { s.mem.RemoveGroup(group) }

// Apply installs a replayed log record without marking it dirty; call Seal
// once replay is done.
func (s *LogStore) Apply(rec indexlog.Record) error {
	seg, n, err := segment.Decode(rec.Payload)
	if err != nil {
		return err
	}
	if n != len(rec.Payload) {
		return fmt.Errorf("%w: trailing bytes after segment", segment.ErrCorrupt)
	}
	return s.mem.Insert(seg)
}

// Seal marks the current state flushed, see MemStore.Seal.
func (s *LogStore) Seal() { s.mem.Seal() }

// Flush appends every segment changed since the last flush to the log as
// one batch and seals them.
func (s *LogStore) Flush() error {
	dirty := s.mem.Dirty()
	if len(dirty) == 0 {
		return nil
	}

	recs := make([]indexlog.Record, 0, len(dirty))
	for _, seg := range dirty {
		recs = append(recs, indexlog.Record{
			Kind:    indexlog.RecordSegment,
			Key:     EncodeSegmentKey(seg.Level, seg.Low),
			Payload: segment.Append(nil, seg),
		})
	}
	if _, err := s.log.AppendBatch(recs); err != nil {
		return fmt.Errorf("failed to persist segments: %w", err)
	}
	s.mem.Seal()
	return nil
}

// Pending reports whether unflushed changes exist.
func (s *LogStore) Pending() bool {
	return len(s.mem.Dirty()) > 0
}
