package idmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/indexlog"
)

func TestMemMapAssign(t *testing.T) {
	m := NewMemMap()

	a, err := m.Assign("A", core.GroupMaster)
	require.NoError(t, err)
	b, err := m.Assign("B", core.GroupMaster)
	require.NoError(t, err)
	x, err := m.Assign("X", core.GroupNonMaster)
	require.NoError(t, err)

	assert.Equal(t, core.Id(0), a)
	assert.Equal(t, core.Id(1), b)
	assert.Equal(t, core.GroupNonMaster.MinId(), x)

	// Assigning a mapped name is idempotent, even with a different group.
	again, err := m.Assign("A", core.GroupNonMaster)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, core.Id(2), m.NextFreeId(core.GroupMaster))
	assert.Equal(t, core.GroupNonMaster.MinId()+1, m.NextFreeId(core.GroupNonMaster))
}

func TestMemMapBijection(t *testing.T) {
	m := NewMemMap()

	id, err := m.Assign("A", core.GroupMaster)
	require.NoError(t, err)

	name, err := m.NameOf(id)
	require.NoError(t, err)
	assert.Equal(t, core.VertexName("A"), name)

	back, err := m.IdOf(name)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = m.IdOf("missing")
	assert.ErrorIs(t, err, ErrVertexNotFound)
	_, err = m.NameOf(core.Id(99))
	assert.ErrorIs(t, err, ErrVertexNotFound)
	assert.False(t, m.Contains("missing"))
}

func TestMemMapAddPair(t *testing.T) {
	m := NewMemMap()

	require.NoError(t, m.AddPair(5, "E"))
	// Same pair again is a no-op.
	require.NoError(t, m.AddPair(5, "E"))

	// Conflicts in either direction are overlaps.
	assert.ErrorIs(t, m.AddPair(5, "F"), ErrIdOverlap)
	assert.ErrorIs(t, m.AddPair(6, "E"), ErrIdOverlap)

	// The cursor moved past the explicit pair.
	assert.Equal(t, core.Id(6), m.NextFreeId(core.GroupMaster))

	id, err := m.Assign("F", core.GroupMaster)
	require.NoError(t, err)
	assert.Equal(t, core.Id(6), id)
}

func TestMemMapRemoveGroup(t *testing.T) {
	m := NewMemMap()

	_, err := m.Assign("A", core.GroupMaster)
	require.NoError(t, err)
	_, err = m.Assign("X", core.GroupNonMaster)
	require.NoError(t, err)
	_, err = m.Assign("Y", core.GroupNonMaster)
	require.NoError(t, err)

	m.RemoveGroup(core.GroupNonMaster)

	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Contains("A"))
	assert.False(t, m.Contains("X"))
	assert.Equal(t, core.GroupNonMaster.MinId(), m.NextFreeId(core.GroupNonMaster))
}

func TestPairCodecRoundTrip(t *testing.T) {
	id := core.GroupNonMaster.MinId().Add(7)
	key, payload := EncodePair(id, "deadbeef")

	gotID, gotName, err := DecodePair(key, payload)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, core.VertexName("deadbeef"), gotName)

	_, _, err = DecodePair([]byte{1, 2}, payload)
	assert.ErrorIs(t, err, indexlog.ErrCorruptRecord)
}

func TestLogMapFlushReplay(t *testing.T) {
	dir := t.TempDir()

	log, err := indexlog.Open(dir, func(o *indexlog.Options) {
		o.DurabilityMode = indexlog.DurabilitySync
	})
	require.NoError(t, err)

	m := NewLogMap(log)
	a, err := m.Assign("A", core.GroupMaster)
	require.NoError(t, err)
	b, err := m.Assign("B", core.GroupMaster)
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	// Flushing again without new pairs appends nothing.
	require.NoError(t, m.Flush())
	require.NoError(t, log.Close())

	log2, err := indexlog.Open(dir, func(o *indexlog.Options) {
		o.DurabilityMode = indexlog.DurabilitySync
	})
	require.NoError(t, err)
	defer log2.Close()
	assert.Equal(t, 2, log2.Len())

	m2 := NewLogMap(log2)
	err = log2.Replay(func(rec indexlog.Record) error {
		require.Equal(t, indexlog.RecordName, rec.Kind)
		return m2.Apply(rec)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, m2.Len())
	gotA, err := m2.IdOf("A")
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	name, err := m2.NameOf(b)
	require.NoError(t, err)
	assert.Equal(t, core.VertexName("B"), name)

	// Assignment continues where the replayed state left off.
	c, err := m2.Assign("C", core.GroupMaster)
	require.NoError(t, err)
	assert.Equal(t, b+1, c)
}
