// Package segment defines the on-disk unit of the ancestry index.
//
// A segment covers a contiguous id span [Low, High] inside one group and
// records how that span connects to the rest of the graph. Every id belongs
// to exactly one segment per level; segments never overlap.
package segment

import (
	"fmt"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/spanset"
)

// FlatLevel is the level of segments carrying full parent detail.
const FlatLevel = 0

// Segment is a contiguous id span with recorded parentage.
//
// Invariant at every level: High is the single head of the span, i.e.
// ancestors(High) covers all of [Low, High], and Parents lists exactly the
// parent ids outside the span.
//
// At FlatLevel the span is a linear chain: each id except Low has exactly
// one parent, the preceding id; Parents are the parents of Low. Higher
// levels summarize runs of lower-level segments for long-range jumps and
// keep only the endpoint information.
type Segment struct {
	Level   uint8
	Low     core.Id
	High    core.Id
	Parents []core.Id

	// HasRoot records whether the span contains an id with no parents.
	// For flat segments this is simply len(Parents) == 0; summary segments
	// must carry it explicitly.
	HasRoot bool
}

// Span returns the id span the segment covers.
func (s Segment) Span() spanset.Span {
	return spanset.NewSpan(s.Low, s.High)
}

// Group returns the group the segment belongs to.
// Low and High are always in the same group.
func (s Segment) Group() core.Group {
	return s.Low.Group()
}

// Contains reports whether id falls inside the segment's span.
func (s Segment) Contains(id core.Id) bool {
	return s.Low <= id && id <= s.High
}

func (s Segment) String() string {
	return fmt.Sprintf("L%d %s..%s parents=%v", s.Level, s.Low, s.High, s.Parents)
}
