// Package iddag implements the segmented ancestry graph over dense ids.
//
// Flat segments cover contiguous id spans whose interior is a linear chain;
// high-level segments summarize runs of lower-level segments. Queries walk
// segments instead of individual vertices, which keeps ancestry, merge-base
// and range computations sublinear in history size.
package iddag

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// Store holds segments grouped by level. Level slices are kept sorted
// ascending by Low; spans within one level never overlap.
type Store interface {
	// AddFlat covers id with a flat segment, extending the group's last
	// unflushed segment when id continues its chain.
	AddFlat(id core.Id, parents []core.Id) error

	// Insert adds a segment at its level, used for summary segments and for
	// merging remotely fetched segments.
	Insert(seg segment.Segment) error

	// NextFreeId returns the lowest id not covered by a flat segment in group.
	NextFreeId(group core.Group) core.Id

	// MaxLevel returns the highest level that has at least one segment.
	MaxLevel() uint8

	// SegmentWithHigh returns the highest-level segment whose High is exactly
	// id. Higher levels cover more ancestry per step.
	SegmentWithHigh(id core.Id) (segment.Segment, bool)

	// FlatContaining returns the flat segment covering id.
	FlatContaining(id core.Id) (segment.Segment, bool)

	// FlatOverlapping calls fn for flat segments overlapping sp in ascending
	// order. Returning false stops the walk.
	FlatOverlapping(sp spanset.Span, fn func(segment.Segment) bool)

	// IterLevel calls fn for every segment of one level in ascending order.
	IterLevel(level uint8, fn func(segment.Segment) bool)

	// All returns the set of ids covered by flat segments.
	All() spanset.SpanSet
}

type segKey struct {
	level uint8
	low   core.Id
}

// MemStore is the in-memory Store. It also tracks which segments changed
// since the last Seal, so a persistent wrapper knows what to write out.
type MemStore struct {
	mu     sync.RWMutex
	levels [][]segment.Segment // levels[k] sorted ascending by Low
	dirty  map[segKey]struct{}
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		levels: make([][]segment.Segment, 1),
		dirty:  make(map[segKey]struct{}),
	}
}

func (s *MemStore) AddFlat(id core.Id, parents []core.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flats := s.levels[segment.FlatLevel]
	idx := searchLow(flats, id)
	if idx >= 0 {
		if flats[idx].High >= id {
			return fmt.Errorf("%w: id %s is covered by %s", ErrIdOverlap, id, flats[idx])
		}
		// Chain continuation: extend in place while the segment is unflushed.
		last := &flats[idx]
		_, unflushed := s.dirty[segKey{segment.FlatLevel, last.Low}]
		if unflushed && last.High == id-1 && last.Group() == id.Group() &&
			len(parents) == 1 && parents[0] == id-1 {
			last.High = id
			return nil
		}
	}

	seg := segment.Segment{
		Level:   segment.FlatLevel,
		Low:     id,
		High:    id,
		Parents: slices.Clone(parents),
		HasRoot: len(parents) == 0,
	}
	return s.insertLocked(seg)
}

func (s *MemStore) Insert(seg segment.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(seg)
}

func (s *MemStore) insertLocked(seg segment.Segment) error {
	if seg.Low > seg.High {
		return fmt.Errorf("invalid segment %s: low above high", seg)
	}
	for int(seg.Level) >= len(s.levels) {
		s.levels = append(s.levels, nil)
	}

	lvl := s.levels[seg.Level]
	idx := searchLow(lvl, seg.Low)
	// Reject any overlap except an exact same-Low replacement with equal or
	// wider span, which happens when a flushed flat segment was extended.
	if idx >= 0 && lvl[idx].High >= seg.Low {
		if lvl[idx].Low == seg.Low && lvl[idx].High <= seg.High {
			lvl[idx] = seg
			s.dirty[segKey{seg.Level, seg.Low}] = struct{}{}
			return nil
		}
		return fmt.Errorf("%w: segment %s overlaps %s", ErrIdOverlap, seg, lvl[idx])
	}
	if idx+1 < len(lvl) && lvl[idx+1].Low <= seg.High {
		return fmt.Errorf("%w: segment %s overlaps %s", ErrIdOverlap, seg, lvl[idx+1])
	}
	s.levels[seg.Level] = slices.Insert(lvl, idx+1, seg)
	s.dirty[segKey{seg.Level, seg.Low}] = struct{}{}
	return nil
}

func (s *MemStore) NextFreeId(group core.Group) core.Id {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flats := s.levels[segment.FlatLevel]
	idx := searchLow(flats, group.MaxId())
	if idx >= 0 && idx < len(flats) && flats[idx].Group() == group {
		return flats[idx].High + 1
	}
	return group.MinId()
}

func (s *MemStore) MaxLevel() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for lvl := len(s.levels) - 1; lvl > 0; lvl-- {
		if len(s.levels[lvl]) > 0 {
			return uint8(lvl)
		}
	}
	return segment.FlatLevel
}

func (s *MemStore) SegmentWithHigh(id core.Id) (segment.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for lvl := len(s.levels) - 1; lvl >= 0; lvl-- {
		lvls := s.levels[lvl]
		idx := searchLow(lvls, id)
		if idx >= 0 && idx < len(lvls) && lvls[idx].High == id {
			return lvls[idx], true
		}
	}
	return segment.Segment{}, false
}

func (s *MemStore) FlatContaining(id core.Id) (segment.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flats := s.levels[segment.FlatLevel]
	idx := searchLow(flats, id)
	if idx >= 0 && idx < len(flats) && flats[idx].High >= id {
		return flats[idx], true
	}
	return segment.Segment{}, false
}

func (s *MemStore) FlatOverlapping(sp spanset.Span, fn func(segment.Segment) bool) {
	s.mu.RLock()
	flats := slices.Clone(s.levels[segment.FlatLevel])
	s.mu.RUnlock()

	idx := searchLow(flats, sp.Low)
	if idx < 0 || flats[idx].High < sp.Low {
		idx++
	}
	for ; idx < len(flats) && flats[idx].Low <= sp.High; idx++ {
		if !fn(flats[idx]) {
			return
		}
	}
}

func (s *MemStore) IterLevel(level uint8, fn func(segment.Segment) bool) {
	s.mu.RLock()
	if int(level) >= len(s.levels) {
		s.mu.RUnlock()
		return
	}
	lvl := slices.Clone(s.levels[level])
	s.mu.RUnlock()

	for _, seg := range lvl {
		if !fn(seg) {
			return
		}
	}
}

func (s *MemStore) All() spanset.SpanSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spans := make([]spanset.Span, 0, len(s.levels[segment.FlatLevel]))
	for _, seg := range s.levels[segment.FlatLevel] {
		spans = append(spans, seg.Span())
	}
	return spanset.FromSpans(spans...)
}

// Dirty returns the segments changed since the last Seal, ascending by
// level then Low.
func (s *MemStore) Dirty() []segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]segKey, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].level != keys[j].level {
			return keys[i].level < keys[j].level
		}
		return keys[i].low < keys[j].low
	})

	out := make([]segment.Segment, 0, len(keys))
	for _, k := range keys {
		lvl := s.levels[k.level]
		idx := searchLow(lvl, k.low)
		if idx >= 0 && idx < len(lvl) && lvl[idx].Low == k.low {
			out = append(out, lvl[idx])
		}
	}
	return out
}

// Seal marks all current segments flushed. Sealed flat segments are never
// extended in place again.
func (s *MemStore) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.dirty)
}

// RemoveGroup drops every segment whose span lies in group, at all levels.
func (s *MemStore) RemoveGroup(group core.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for lvl := range s.levels {
		kept := s.levels[lvl][:0]
		for _, seg := range s.levels[lvl] {
			if seg.Group() != group {
				kept = append(kept, seg)
			}
		}
		s.levels[lvl] = kept
	}
	for k := range s.dirty {
		if k.low.Group() == group {
			delete(s.dirty, k)
		}
	}
}

// searchLow returns the index of the last segment with Low <= id, or -1.
func searchLow(segs []segment.Segment, id core.Id) int {
	return sort.Search(len(segs), func(i int) bool {
		return segs[i].Low > id
	}) - 1
}
