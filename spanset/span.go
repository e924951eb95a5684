// Package spanset provides sets of contiguous id ranges.
//
// Query results are represented as disjoint spans rather than materialized
// per-id sets, so memory stays proportional to the shape of history rather
// than its size. Spans are kept sorted in descending order, matching the
// newest-first iteration order of topologically sorted ids.
package spanset

import (
	"fmt"

	"github.com/hupe1980/segdag/core"
)

// Span is an inclusive id range [Low, High] with Low <= High.
type Span struct {
	Low  core.Id
	High core.Id
}

// NewSpan creates a Span. Low > High is a caller-side logic error.
func NewSpan(low, high core.Id) Span {
	if low > high {
		panic(fmt.Sprintf("spanset: invalid span %d..%d", uint64(low), uint64(high)))
	}
	return Span{Low: low, High: high}
}

// IdSpan returns the single-id span [id, id].
func IdSpan(id core.Id) Span {
	return Span{Low: id, High: id}
}

// Full returns the span covering the entire valid id space.
// Ids in this span may be unknown to any actual storage.
func Full() Span {
	return Span{Low: core.MinId, High: core.MaxId}
}

// Count returns the number of ids in the span.
func (s Span) Count() uint64 {
	return uint64(s.High) - uint64(s.Low) + 1
}

// Contains reports whether id falls inside the span.
func (s Span) Contains(id core.Id) bool {
	return s.Low <= id && id <= s.High
}

// Overlaps reports whether the two spans share at least one id.
func (s Span) Overlaps(o Span) bool {
	return s.Low <= o.High && o.Low <= s.High
}

func (s Span) String() string {
	if s.Low == s.High {
		return s.Low.String()
	}
	return fmt.Sprintf("%s..%s", s.Low, s.High)
}
