// Package idmap maintains the bijection between vertex names and their
// assigned dense ids.
package idmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/segdag/core"
)

// ErrVertexNotFound is returned when a vertex name or id has no mapping.
var ErrVertexNotFound = errors.New("vertex not found")

// ErrIdOverlap is returned when an id or name is already bound to a
// different partner.
var ErrIdOverlap = errors.New("id assignment overlaps existing entry")

// Map is the name-to-id bijection. Implementations must keep both
// directions consistent: every id maps back to the name it was assigned to.
type Map interface {
	// IdOf returns the id assigned to name, or ErrVertexNotFound.
	IdOf(name core.VertexName) (core.Id, error)

	// NameOf returns the name bound to id, or ErrVertexNotFound.
	NameOf(id core.Id) (core.VertexName, error)

	// Contains reports whether name has an assigned id.
	Contains(name core.VertexName) bool

	// Assign binds name to the next free id in group. Assigning an already
	// mapped name returns its existing id unchanged, regardless of group.
	Assign(name core.VertexName, group core.Group) (core.Id, error)

	// AddPair installs an explicit binding, used when replaying persisted
	// records or merging remote responses. Conflicting bindings return
	// ErrIdOverlap; the exact existing pair is a no-op.
	AddPair(id core.Id, name core.VertexName) error

	// NextFreeId returns the lowest unassigned id in group.
	NextFreeId(group core.Group) core.Id

	// Len returns the number of assigned pairs.
	Len() int
}

// MemMap is an in-memory Map.
type MemMap struct {
	mu       sync.RWMutex
	nameToID map[core.VertexName]core.Id
	idToName map[core.Id]core.VertexName
	next     [core.GroupCount]core.Id
}

// NewMemMap creates an empty in-memory map.
func NewMemMap() *MemMap {
	m := &MemMap{
		nameToID: make(map[core.VertexName]core.Id),
		idToName: make(map[core.Id]core.VertexName),
	}
	for g := core.Group(0); g.Valid(); g++ {
		m.next[g] = g.MinId()
	}
	return m
}

func (m *MemMap) IdOf(name core.VertexName) (core.Id, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.nameToID[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrVertexNotFound, name)
	}
	return id, nil
}

func (m *MemMap) NameOf(id core.Id) (core.VertexName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.idToName[id]
	if !ok {
		return "", fmt.Errorf("%w: id %s", ErrVertexNotFound, id)
	}
	return name, nil
}

func (m *MemMap) Contains(name core.VertexName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.nameToID[name]
	return ok
}

func (m *MemMap) Assign(name core.VertexName, group core.Group) (core.Id, error) {
	if !group.Valid() {
		return 0, fmt.Errorf("invalid group %d", group)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.nameToID[name]; ok {
		return id, nil
	}
	id := m.next[group]
	if id > group.MaxId() {
		return 0, fmt.Errorf("group %s id space exhausted", group)
	}
	m.insertLocked(id, name)
	return id, nil
}

func (m *MemMap) AddPair(id core.Id, name core.VertexName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addPairLocked(id, name)
}

func (m *MemMap) addPairLocked(id core.Id, name core.VertexName) error {
	if existing, ok := m.idToName[id]; ok {
		if existing == name {
			return nil
		}
		return fmt.Errorf("%w: id %s is bound to %s", ErrIdOverlap, id, existing)
	}
	if existing, ok := m.nameToID[name]; ok {
		return fmt.Errorf("%w: %s is bound to id %s", ErrIdOverlap, name, existing)
	}
	m.insertLocked(id, name)
	return nil
}

// insertLocked installs the pair and advances the group cursor past id.
func (m *MemMap) insertLocked(id core.Id, name core.VertexName) {
	m.nameToID[name] = id
	m.idToName[id] = name

	g := id.Group()
	if id >= m.next[g] {
		m.next[g] = id + 1
	}
}

func (m *MemMap) NextFreeId(group core.Group) core.Id {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.next[group]
}

func (m *MemMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.nameToID)
}

// RemoveGroup drops every pair whose id belongs to group and resets its
// cursor. Used when the non-master group is rebuilt from scratch.
func (m *MemMap) RemoveGroup(group core.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, name := range m.idToName {
		if id.Group() == group {
			delete(m.idToName, id)
			delete(m.nameToID, name)
		}
	}
	m.next[group] = group.MinId()
}

// Pairs calls fn for every assigned pair. Iteration order is unspecified.
// Returning false from fn stops the walk.
func (m *MemMap) Pairs(fn func(id core.Id, name core.VertexName) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, name := range m.idToName {
		if !fn(id, name) {
			return
		}
	}
}
