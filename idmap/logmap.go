package idmap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/indexlog"
)

// EncodePair serializes a name record for the log: the key is the id in
// big-endian (so keys sort like ids), the payload is the raw name bytes.
func EncodePair(id core.Id, name core.VertexName) (key, payload []byte) {
	key = binary.BigEndian.AppendUint64(nil, uint64(id))
	return key, name.Bytes()
}

// DecodePair parses a name record produced by EncodePair.
func DecodePair(key, payload []byte) (core.Id, core.VertexName, error) {
	if len(key) != 8 {
		return 0, "", fmt.Errorf("%w: name record key has %d bytes", indexlog.ErrCorruptRecord, len(key))
	}
	return core.Id(binary.BigEndian.Uint64(key)), core.NameFromBytes(payload), nil
}

// LogMap is a Map whose assignments survive restarts via the shared index
// log. New pairs accumulate in memory until Flush appends them; Apply
// rebuilds state from replayed records.
type LogMap struct {
	mem *MemMap
	log *indexlog.Log

	mu    sync.Mutex
	dirty []core.Id // assigned but not yet flushed, in assignment order
}

// NewLogMap creates a log-backed map. The caller drives replay by feeding
// RecordName records to Apply before first use.
func NewLogMap(log *indexlog.Log) *LogMap {
	return &LogMap{
		mem: NewMemMap(),
		log: log,
	}
}

func (m *LogMap) IdOf(name core.VertexName) (core.Id, error) { return m.mem.IdOf(name) }

func (m *LogMap) NameOf(id core.Id) (core.VertexName, error) { return m.mem.NameOf(id) }

func (m *LogMap) Contains(name core.VertexName) bool { return m.mem.Contains(name) }

func (m *LogMap) NextFreeId(group core.Group) core.Id { return m.mem.NextFreeId(group) }

func (m *LogMap) Len() int { return m.mem.Len() }

func (m *LogMap) Assign(name core.VertexName, group core.Group) (core.Id, error) {
	if m.mem.Contains(name) {
		return m.mem.IdOf(name)
	}
	id, err := m.mem.Assign(name, group)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.dirty = append(m.dirty, id)
	m.mu.Unlock()
	return id, nil
}

func (m *LogMap) AddPair(id core.Id, name core.VertexName) error {
	if err := m.mem.AddPair(id, name); err != nil {
		return err
	}

	m.mu.Lock()
	m.dirty = append(m.dirty, id)
	m.mu.Unlock()
	return nil
}

// Apply installs a replayed log record without marking it dirty.
func (m *LogMap) Apply(rec indexlog.Record) error {
	id, name, err := DecodePair(rec.Key, rec.Payload)
	if err != nil {
		return err
	}
	return m.mem.AddPair(id, name)
}

// Flush appends all unflushed pairs to the log as one batch.
func (m *LogMap) Flush() error {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = nil
	m.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	recs := make([]indexlog.Record, 0, len(dirty))
	for _, id := range dirty {
		name, err := m.mem.NameOf(id)
		if err != nil {
			return err
		}
		key, payload := EncodePair(id, name)
		recs = append(recs, indexlog.Record{Kind: indexlog.RecordName, Key: key, Payload: payload})
	}

	if _, err := m.log.AppendBatch(recs); err != nil {
		// Put the ids back so a later Flush retries them.
		m.mu.Lock()
		m.dirty = append(dirty, m.dirty...)
		m.mu.Unlock()
		return fmt.Errorf("failed to persist name records: %w", err)
	}
	return nil
}

// RemoveGroup drops in-memory pairs of group and forgets pending dirty ids
// in it. The caller is responsible for rewriting the log afterwards.
func (m *LogMap) RemoveGroup(group core.Group) {
	m.mu.Lock()
	kept := m.dirty[:0]
	for _, id := range m.dirty {
		if id.Group() != group {
			kept = append(kept, id)
		}
	}
	m.dirty = kept
	m.mu.Unlock()

	m.mem.RemoveGroup(group)
}

// Pairs walks every assigned pair, see MemMap.Pairs.
func (m *LogMap) Pairs(fn func(id core.Id, name core.VertexName) bool) {
	m.mem.Pairs(fn)
}
