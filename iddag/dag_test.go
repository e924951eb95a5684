package iddag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// buildDag inserts vertices 0..len(parents)-1 in order; parents[i] lists the
// parent ids of id i.
func buildDag(t *testing.T, d *Dag, parents [][]uint64) {
	t.Helper()
	for i, ps := range parents {
		ids := make([]core.Id, len(ps))
		for j, p := range ps {
			ids[j] = core.Id(p)
		}
		require.NoError(t, d.AddHead(core.Id(i), ids))
	}
}

// diamond: 0 <- 1, 0 <- 2, {1,2} <- 3
var diamond = [][]uint64{{}, {0}, {0}, {1, 2}}

func ids(vals ...uint64) spanset.SpanSet {
	out := make([]core.Id, len(vals))
	for i, v := range vals {
		out[i] = core.Id(v)
	}
	return spanset.FromIds(out...)
}

func TestAddHeadValidation(t *testing.T) {
	d := New(NewMemStore())

	require.NoError(t, d.AddHead(0, nil))

	// Heads must use the next free id of their group.
	assert.ErrorIs(t, d.AddHead(5, nil), ErrIdOverlap)
	assert.ErrorIs(t, d.AddHead(0, nil), ErrIdOverlap)

	// Parents must exist and lie below the head.
	assert.ErrorIs(t, d.AddHead(1, []core.Id{7}), ErrParentNotFound)
	assert.ErrorIs(t, d.AddHead(1, []core.Id{1}), ErrParentNotFound)

	require.NoError(t, d.AddHead(1, []core.Id{0}))
	assert.Equal(t, core.Id(2), d.NextFreeId(core.GroupMaster))
}

func TestAddHeadGroups(t *testing.T) {
	d := New(NewMemStore())

	require.NoError(t, d.AddHead(0, nil))
	nm := core.GroupNonMaster.MinId()
	require.NoError(t, d.AddHead(nm, []core.Id{0}))

	assert.Equal(t, core.Id(1), d.NextFreeId(core.GroupMaster))
	assert.Equal(t, nm+1, d.NextFreeId(core.GroupNonMaster))

	ok, err := d.IsAncestor(0, nm)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.IsAncestor(nm, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParentIds(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	ps, err := d.ParentIds(3)
	require.NoError(t, err)
	assert.Equal(t, []core.Id{1, 2}, ps)

	// Interior chain id.
	ps, err = d.ParentIds(1)
	require.NoError(t, err)
	assert.Equal(t, []core.Id{0}, ps)

	ps, err = d.ParentIds(0)
	require.NoError(t, err)
	assert.Empty(t, ps)

	_, err = d.ParentIds(9)
	assert.ErrorIs(t, err, ErrIdNotCovered)
}

func TestAncestors(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	anc, err := d.Ancestors(ids(3))
	require.NoError(t, err)
	assert.True(t, anc.Equal(ids(0, 1, 2, 3)), anc.String())

	anc, err = d.Ancestors(ids(2))
	require.NoError(t, err)
	assert.True(t, anc.Equal(ids(0, 2)), anc.String())

	_, err = d.Ancestors(ids(42))
	assert.ErrorIs(t, err, ErrIdNotCovered)
}

func TestIsAncestor(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	tests := []struct {
		anc, desc uint64
		want      bool
	}{
		{0, 3, true},
		{1, 3, true},
		{2, 3, true},
		{3, 3, true},
		{1, 2, false},
		{3, 0, false},
	}
	for _, tt := range tests {
		got, err := d.IsAncestor(core.Id(tt.anc), core.Id(tt.desc))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "IsAncestor(%d, %d)", tt.anc, tt.desc)
	}

	_, err := d.IsAncestor(0, 42)
	assert.ErrorIs(t, err, ErrIdNotCovered)
}

func TestHeadsRoots(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	heads, err := d.Heads(ids(0, 1, 2, 3))
	require.NoError(t, err)
	assert.True(t, heads.Equal(ids(3)), heads.String())

	heads, err = d.Heads(ids(1, 2))
	require.NoError(t, err)
	assert.True(t, heads.Equal(ids(1, 2)), heads.String())

	roots, err := d.Roots(ids(0, 1, 2, 3))
	require.NoError(t, err)
	assert.True(t, roots.Equal(ids(0)), roots.String())

	roots, err = d.Roots(ids(1, 2, 3))
	require.NoError(t, err)
	assert.True(t, roots.Equal(ids(1, 2)), roots.String())
}

func TestGca(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	gca, err := d.GcaAll([]core.Id{1, 2})
	require.NoError(t, err)
	assert.True(t, gca.Equal(ids(0)), gca.String())

	gca, err = d.GcaAll([]core.Id{3, 2})
	require.NoError(t, err)
	assert.True(t, gca.Equal(ids(2)), gca.String())

	gca, err = d.GcaAll(nil)
	require.NoError(t, err)
	assert.True(t, gca.IsEmpty())
}

func TestGcaCrissCross(t *testing.T) {
	d := New(NewMemStore())
	// 0 <- 1, 0 <- 2, {1,2} <- 3, {1,2} <- 4
	buildDag(t, d, [][]uint64{{}, {0}, {0}, {1, 2}, {1, 2}})

	gca, err := d.GcaAll([]core.Id{3, 4})
	require.NoError(t, err)
	assert.True(t, gca.Equal(ids(1, 2)), gca.String())
}

func TestDescendantsRange(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	desc, err := d.Descendants(ids(1))
	require.NoError(t, err)
	assert.True(t, desc.Equal(ids(1, 3)), desc.String())

	desc, err = d.Descendants(ids(0))
	require.NoError(t, err)
	assert.True(t, desc.Equal(ids(0, 1, 2, 3)), desc.String())

	rng, err := d.Range(ids(1), ids(3))
	require.NoError(t, err)
	assert.True(t, rng.Equal(ids(1, 3)), rng.String())

	rng, err = d.Range(ids(2), ids(1))
	require.NoError(t, err)
	assert.True(t, rng.IsEmpty(), rng.String())

	_, err = d.Descendants(ids(42))
	assert.ErrorIs(t, err, ErrIdNotCovered)
}

// naive is a reference implementation over explicit parent lists.
type naive struct {
	parents [][]uint64
}

func (n naive) ancestors(seed ...uint64) map[uint64]bool {
	out := make(map[uint64]bool)
	stack := append([]uint64(nil), seed...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[id] {
			continue
		}
		out[id] = true
		stack = append(stack, n.parents[id]...)
	}
	return out
}

func (n naive) heads(set map[uint64]bool) map[uint64]bool {
	out := make(map[uint64]bool)
	for id := range set {
		out[id] = true
	}
	for id := range set {
		for _, p := range n.parents[id] {
			delete(out, p)
		}
	}
	return out
}

func toSet(m map[uint64]bool) spanset.SpanSet {
	var out []core.Id
	for id := range m {
		out = append(out, core.Id(id))
	}
	return spanset.FromIds(out...)
}

// branchy is a fixed history with merges, branches and a late root.
var branchy = [][]uint64{
	{}, {0}, {1}, {1}, {2, 3}, {4}, {5}, {3}, {6, 7}, {8},
	{8}, {9, 10}, {}, {11, 12}, {13}, {14}, {15}, {16}, {15}, {17, 18},
}

func TestQueriesAgainstReference(t *testing.T) {
	ref := naive{parents: branchy}

	for _, threshold := range []int{2, 3, 16} {
		d := New(NewMemStore(), func(o *Options) {
			o.SegmentThreshold = threshold
			o.MaxLevel = 3
		})
		buildDag(t, d, branchy)
		require.NoError(t, d.BuildHighLevels())

		for id := uint64(0); id < uint64(len(branchy)); id++ {
			want := toSet(ref.ancestors(id))
			got, err := d.Ancestors(ids(id))
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "threshold %d: ancestors(%d) = %s, want %s",
				threshold, id, got, want)
		}

		for _, pair := range [][2]uint64{{5, 7}, {9, 10}, {16, 18}, {11, 12}, {0, 19}} {
			wantAnc := ref.ancestors(pair[0])
			common := make(map[uint64]bool)
			for id := range ref.ancestors(pair[1]) {
				if wantAnc[id] {
					common[id] = true
				}
			}
			want := toSet(ref.heads(common))

			got, err := d.GcaAll([]core.Id{core.Id(pair[0]), core.Id(pair[1])})
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "threshold %d: gca(%d, %d) = %s, want %s",
				threshold, pair[0], pair[1], got, want)
		}

		all := ref.ancestors(19, 16)
		wantHeads := toSet(ref.heads(all))
		gotHeads, err := d.Heads(toSet(all))
		require.NoError(t, err)
		assert.True(t, gotHeads.Equal(wantHeads), "threshold %d: heads = %s, want %s",
			threshold, gotHeads, wantHeads)
	}
}

func TestBuildHighLevels(t *testing.T) {
	d := New(NewMemStore(), func(o *Options) {
		o.SegmentThreshold = 4
		o.MaxLevel = 2
	})

	// A long linear chain broken into single-id flat segments by sealing
	// after every head.
	mem := d.Store().(*MemStore)
	for i := 0; i < 64; i++ {
		var ps []core.Id
		if i > 0 {
			ps = []core.Id{core.Id(i - 1)}
		}
		require.NoError(t, d.AddHead(core.Id(i), ps))
		mem.Seal()
	}

	require.NoError(t, d.BuildHighLevels())
	assert.Equal(t, uint8(2), d.Store().MaxLevel())

	var level1 int
	d.Store().IterLevel(1, func(s segment.Segment) bool {
		level1++
		assert.Equal(t, core.Id(s.Low+3), s.High)
		return true
	})
	assert.Greater(t, level1, 10)

	// Summaries must not change query results.
	anc, err := d.Ancestors(ids(63))
	require.NoError(t, err)
	assert.True(t, anc.Equal(spanset.FromSpans(spanset.Span{Low: 0, High: 63})), anc.String())

	// Building again is idempotent: watermarks skip summarized spans.
	require.NoError(t, d.BuildHighLevels())
	var level1Again int
	d.Store().IterLevel(1, func(s segment.Segment) bool {
		level1Again++
		return true
	})
	assert.Equal(t, level1, level1Again)
}

func TestAllAndContains(t *testing.T) {
	d := New(NewMemStore())
	buildDag(t, d, diamond)

	assert.True(t, d.All().Equal(ids(0, 1, 2, 3)))
	assert.True(t, d.Contains(2))
	assert.False(t, d.Contains(4))

	// A non-master head makes the covered set span two disjoint ranges.
	nm := core.GroupNonMaster.MinId()
	require.NoError(t, d.AddHead(nm, []core.Id{1}))
	want := ids(0, 1, 2, 3).Union(spanset.FromSingle(nm))
	assert.True(t, d.All().Equal(want))
}
