package spanset

import (
	"iter"
	"sort"
	"strings"

	"github.com/hupe1980/segdag/core"
)

// SpanSet is a set of ids stored as disjoint spans sorted in descending
// order. Touching spans are merged, so the representation is canonical:
// two SpanSets are equal iff their span slices are equal.
//
// The zero value is an empty, ready-to-use set.
type SpanSet struct {
	spans []Span
}

// Empty returns an empty SpanSet.
func Empty() SpanSet {
	return SpanSet{}
}

// FromSpans builds a SpanSet from arbitrary, possibly overlapping spans.
func FromSpans(spans ...Span) SpanSet {
	var s SpanSet
	for _, sp := range spans {
		s.Push(sp)
	}
	return s
}

// FromSingle returns the SpanSet {id}.
func FromSingle(id core.Id) SpanSet {
	return SpanSet{spans: []Span{IdSpan(id)}}
}

// Push adds a span to the set, merging it with any overlapping or
// adjacent spans.
func (s *SpanSet) Push(sp Span) {
	n := len(s.spans)
	if n == 0 {
		s.spans = append(s.spans, sp)
		return
	}

	// Fast path: appending below the current minimum, the common case when
	// results are produced in descending order.
	if last := s.spans[n-1]; last.Low > 0 && sp.High < last.Low-1 {
		s.spans = append(s.spans, sp)
		return
	}

	// hi is the first index whose span cannot merge with sp from above;
	// lo is the first index whose span is not strictly above sp.
	hi := sort.Search(n, func(k int) bool { return s.spans[k].High+1 < sp.Low })
	lo := sort.Search(n, func(k int) bool { return s.spans[k].Low <= sp.High+1 })

	if lo == hi {
		// No overlap: splice sp in at lo.
		s.spans = append(s.spans, Span{})
		copy(s.spans[lo+1:], s.spans[lo:])
		s.spans[lo] = sp
		return
	}

	merged := Span{
		Low:  minId(s.spans[hi-1].Low, sp.Low),
		High: maxId(s.spans[lo].High, sp.High),
	}
	s.spans[lo] = merged
	s.spans = append(s.spans[:lo+1], s.spans[hi:]...)
}

// Contains reports whether id is in the set.
func (s SpanSet) Contains(id core.Id) bool {
	k := sort.Search(len(s.spans), func(k int) bool { return s.spans[k].Low <= id })
	return k < len(s.spans) && s.spans[k].Contains(id)
}

// ContainsSpan reports whether the whole span sp is in the set.
func (s SpanSet) ContainsSpan(sp Span) bool {
	k := sort.Search(len(s.spans), func(k int) bool { return s.spans[k].Low <= sp.High })
	return k < len(s.spans) && s.spans[k].Contains(sp.High) && s.spans[k].Low <= sp.Low
}

// SpanContaining returns the canonical span of the set that contains id.
func (s SpanSet) SpanContaining(id core.Id) (Span, bool) {
	k := sort.Search(len(s.spans), func(k int) bool { return s.spans[k].Low <= id })
	if k < len(s.spans) && s.spans[k].Contains(id) {
		return s.spans[k], true
	}
	return Span{}, false
}

// IsEmpty reports whether the set has no ids.
func (s SpanSet) IsEmpty() bool {
	return len(s.spans) == 0
}

// Count returns the number of ids in the set.
func (s SpanSet) Count() uint64 {
	var n uint64
	for _, sp := range s.spans {
		n += sp.Count()
	}
	return n
}

// Min returns the smallest id in the set.
func (s SpanSet) Min() (core.Id, bool) {
	if len(s.spans) == 0 {
		return 0, false
	}
	return s.spans[len(s.spans)-1].Low, true
}

// Max returns the largest id in the set.
func (s SpanSet) Max() (core.Id, bool) {
	if len(s.spans) == 0 {
		return 0, false
	}
	return s.spans[0].High, true
}

// Spans returns the underlying spans in descending order.
// The returned slice must be treated as read-only.
func (s SpanSet) Spans() []Span {
	return s.spans
}

// Union returns the set of ids in either set.
func (s SpanSet) Union(o SpanSet) SpanSet {
	out := SpanSet{spans: append([]Span(nil), s.spans...)}
	for _, sp := range o.spans {
		out.Push(sp)
	}
	return out
}

// Intersect returns the set of ids present in both sets.
func (s SpanSet) Intersect(o SpanSet) SpanSet {
	var out []Span
	i, j := 0, 0
	for i < len(s.spans) && j < len(o.spans) {
		x, y := s.spans[i], o.spans[j]
		switch {
		case x.Low > y.High:
			i++
		case y.Low > x.High:
			j++
		default:
			out = append(out, Span{Low: maxId(x.Low, y.Low), High: minId(x.High, y.High)})
			if x.Low >= y.Low {
				i++
			} else {
				j++
			}
		}
	}
	return SpanSet{spans: out}
}

// Difference returns the set of ids in s but not in o.
func (s SpanSet) Difference(o SpanSet) SpanSet {
	var out []Span
	j := 0
	for _, x := range s.spans {
		low, high := x.Low, x.High
		for j < len(o.spans) && o.spans[j].Low > high {
			j++
		}
		k := j
		alive := true
		for alive && k < len(o.spans) && o.spans[k].High >= low {
			y := o.spans[k]
			if y.High < high {
				out = append(out, Span{Low: y.High + 1, High: high})
			}
			if y.Low > low {
				high = y.Low - 1
				k++
			} else {
				alive = false
			}
		}
		if alive {
			out = append(out, Span{Low: low, High: high})
		}
	}
	return SpanSet{spans: out}
}

// Equal reports whether both sets contain exactly the same ids.
func (s SpanSet) Equal(o SpanSet) bool {
	if len(s.spans) != len(o.spans) {
		return false
	}
	for i := range s.spans {
		if s.spans[i] != o.spans[i] {
			return false
		}
	}
	return true
}

// Iter iterates over all ids in descending order.
func (s SpanSet) Iter() iter.Seq[core.Id] {
	return func(yield func(core.Id) bool) {
		for _, sp := range s.spans {
			for id := sp.High; ; id-- {
				if !yield(id) {
					return
				}
				if id == sp.Low {
					break
				}
			}
		}
	}
}

func (s SpanSet) String() string {
	if len(s.spans) == 0 {
		return "{}"
	}
	parts := make([]string, len(s.spans))
	for i, sp := range s.spans {
		parts[i] = sp.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func minId(a, b core.Id) core.Id {
	if a < b {
		return a
	}
	return b
}

func maxId(a, b core.Id) core.Id {
	if a > b {
		return a
	}
	return b
}
