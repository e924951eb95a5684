package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// MemoryRemote serves fetches from in-memory data, useful for tests and for
// wiring a fully materialized peer as a remote.
type MemoryRemote struct {
	mu       sync.RWMutex
	segments []segment.Segment
	names    map[core.VertexName]core.Id
	fetches  atomic.Int64
}

// NewMemoryRemote creates an empty in-memory remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		names: make(map[core.VertexName]core.Id),
	}
}

// AddSegment publishes a segment.
func (m *MemoryRemote) AddSegment(seg segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, seg)
}

// AddName publishes a name assignment.
func (m *MemoryRemote) AddName(id core.Id, name core.VertexName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[name] = id
}

// Fetches returns how many fetch calls were served.
func (m *MemoryRemote) Fetches() int64 {
	return m.fetches.Load()
}

func (m *MemoryRemote) Fetch(ctx context.Context, req Request) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.fetches.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	b := &Bundle{}
	for _, sp := range req.Spans {
		found := false
		for _, seg := range m.segments {
			if seg.Span().Overlaps(sp) {
				b.Segments = append(b.Segments, seg)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: span %s", ErrNotFound, sp)
		}
		// Ship the names for every id the returned segments cover.
		covered := spanset.FromSpans(sp)
		for name, id := range m.names {
			if covered.Contains(id) {
				b.Names = append(b.Names, NamePair{Id: id, Name: name})
			}
		}
	}
	for _, name := range req.Names {
		id, ok := m.names[name]
		if !ok {
			return nil, fmt.Errorf("%w: name %s", ErrNotFound, name)
		}
		b.Names = append(b.Names, NamePair{Id: id, Name: name})
		// Ship the history at and below the vertex so follow-up ancestry
		// queries resolve locally.
		for _, seg := range m.segments {
			if seg.Low <= id {
				b.Segments = append(b.Segments, seg)
			}
		}
		for n, nid := range m.names {
			if nid <= id && n != name {
				b.Names = append(b.Names, NamePair{Id: nid, Name: n})
			}
		}
	}
	return b, nil
}
