// Package core defines the identifier types shared by all segdag packages.
package core

import "fmt"

// Id is a dense integer identifier for a vertex in the graph.
// Ids are topologically sorted: every parent id is smaller than its child id.
// The top GroupBits bits of an Id carry its Group, so ids in a lower group
// always compare below ids in a higher group.
type Id uint64

// Group partitions the id space.
//
// Pre-allocating consecutive integers per group keeps segments unfragmented:
// mainline history lives in GroupMaster and stays a single dense run, while
// draft heads churn in GroupNonMaster without punching holes into it.
type Group uint8

const (
	// GroupMaster holds ancestors(master). Expected to contain most of the
	// commits in a repo, free from fragmentation.
	GroupMaster Group = 0

	// GroupNonMaster holds everything else: local branches, in-flight drafts.
	// Expected to be fragmented and sparsely referenced.
	GroupNonMaster Group = 1

	// GroupCount is the number of valid groups.
	GroupCount = 2

	// GroupBits is the number of Id bits reserved for the Group.
	GroupBits = 8
)

// MinId returns the first Id in the group.
func (g Group) MinId() Id {
	return Id(uint64(g) << (64 - GroupBits))
}

// MaxId returns the last Id in the group.
func (g Group) MaxId() Id {
	return g.MinId() + Id((uint64(1)<<(64-GroupBits))-1)
}

// Valid reports whether g is a known group.
func (g Group) Valid() bool {
	return g < GroupCount
}

func (g Group) String() string {
	switch g {
	case GroupMaster:
		return "master"
	case GroupNonMaster:
		return "non-master"
	default:
		return fmt.Sprintf("group(%d)", uint8(g))
	}
}

// MinId is the smallest possible Id.
const MinId = Id(0)

// MaxId is the largest possible Id in any valid group.
const MaxId = Id(uint64(GroupCount-1)<<(64-GroupBits) | (uint64(1)<<(64-GroupBits) - 1))

// Group returns the group an Id belongs to.
func (id Id) Group() Group {
	return Group(uint64(id) >> (64 - GroupBits))
}

// Offset returns the position of the Id within its group, starting at zero.
func (id Id) Offset() uint64 {
	return uint64(id - id.Group().MinId())
}

// Add returns id + n. The caller must ensure the result stays in the group.
func (id Id) Add(n uint64) Id {
	return id + Id(n)
}

// Sub returns id - n. The caller must ensure the result stays in the group.
func (id Id) Sub(n uint64) Id {
	return id - Id(n)
}

// String renders the Id as its offset within the group, prefixed with "N"
// for the non-master group. This matches how test fixtures spell ids.
func (id Id) String() string {
	if id.Group() == GroupNonMaster {
		return fmt.Sprintf("N%d", id.Offset())
	}
	return fmt.Sprintf("%d", id.Offset())
}
