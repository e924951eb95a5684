package iddag

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

var (
	// ErrParentNotFound is returned when a head references a parent id that
	// no flat segment covers.
	ErrParentNotFound = errors.New("parent id not covered")

	// ErrIdOverlap is returned when an insert would cover an id twice.
	ErrIdOverlap = errors.New("segment id overlap")

	// ErrIdNotCovered is returned by queries naming an id without a segment.
	// The facade reacts by fetching the missing span from the remote.
	ErrIdNotCovered = errors.New("id not covered by any segment")
)

// NotCoveredError reports which id a query failed on, so callers can fetch
// exactly the missing span.
//
// errors.Is(err, ErrIdNotCovered) matches it.
type NotCoveredError struct {
	Id core.Id
}

func (e *NotCoveredError) Error() string {
	return fmt.Sprintf("id %s not covered by any segment", e.Id)
}

func (e *NotCoveredError) Unwrap() error { return ErrIdNotCovered }

// Options configures the Dag engine.
type Options struct {
	// SegmentThreshold is the number of contiguous lower-level segments that
	// get folded into one summary segment.
	SegmentThreshold int

	// MaxLevel caps how many summary levels are built above the flat level.
	MaxLevel uint8
}

// DefaultOptions returns default engine options.
var DefaultOptions = Options{
	SegmentThreshold: 16,
	MaxLevel:         3,
}

// Dag answers ancestry queries over a segment Store. It works purely on
// ids; name resolution lives one layer up.
type Dag struct {
	store Store
	opts  Options
}

// New creates a Dag engine on top of store.
func New(store Store, optFns ...func(o *Options)) *Dag {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SegmentThreshold < 2 {
		opts.SegmentThreshold = 2
	}
	return &Dag{store: store, opts: opts}
}

// Store returns the underlying segment store.
func (d *Dag) Store() Store { return d.store }

// NextFreeId returns the lowest unassigned id in group.
func (d *Dag) NextFreeId(group core.Group) core.Id {
	return d.store.NextFreeId(group)
}

// Contains reports whether id is covered by a flat segment.
func (d *Dag) Contains(id core.Id) bool {
	_, ok := d.store.FlatContaining(id)
	return ok
}

// All returns every covered id.
func (d *Dag) All() spanset.SpanSet {
	return d.store.All()
}

// AddHead covers id with a flat segment. id must be the next free id of its
// group and every parent must already be covered; parents always have
// smaller ids than their children.
func (d *Dag) AddHead(id core.Id, parents []core.Id) error {
	if !id.Group().Valid() {
		return fmt.Errorf("invalid id %d: no such group", uint64(id))
	}
	if next := d.store.NextFreeId(id.Group()); id != next {
		return fmt.Errorf("%w: head id %s, expected %s", ErrIdOverlap, id, next)
	}
	for _, p := range parents {
		if p >= id {
			return fmt.Errorf("%w: parent %s not below head %s", ErrParentNotFound, p, id)
		}
		if _, ok := d.store.FlatContaining(p); !ok {
			return fmt.Errorf("%w: parent %s", ErrParentNotFound, p)
		}
	}
	return d.store.AddFlat(id, parents)
}

// ParentIds returns the parents of id.
func (d *Dag) ParentIds(id core.Id) ([]core.Id, error) {
	f, ok := d.store.FlatContaining(id)
	if !ok {
		return nil, &NotCoveredError{Id: id}
	}
	if id > f.Low {
		return []core.Id{id - 1}, nil
	}
	return f.Parents, nil
}

// Ancestors returns set plus everything reachable from it via parents.
//
// The walk pops the highest unprocessed id and jumps whole segments: the
// highest-level segment ending exactly at the id covers its full span at
// once, otherwise the flat segment containing the id covers the chain below
// it. Runtime is proportional to segments touched, not ids.
func (d *Dag) Ancestors(set spanset.SpanSet) (spanset.SpanSet, error) {
	result := spanset.Empty()
	_, err := d.ancestorsUntil(set, &result, nil)
	return result, err
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (d *Dag) IsAncestor(ancestor, descendant core.Id) (bool, error) {
	if ancestor == descendant {
		return d.checkCovered(ancestor)
	}
	if ancestor > descendant {
		// Parents always have smaller ids.
		if err := d.mustCovered(ancestor, descendant); err != nil {
			return false, err
		}
		return false, nil
	}
	result := spanset.Empty()
	return d.ancestorsUntil(spanset.FromSingle(descendant), &result, func(covered spanset.Span) bool {
		return covered.Contains(ancestor)
	})
}

func (d *Dag) checkCovered(id core.Id) (bool, error) {
	if _, ok := d.store.FlatContaining(id); !ok {
		return false, &NotCoveredError{Id: id}
	}
	return true, nil
}

func (d *Dag) mustCovered(ids ...core.Id) error {
	for _, id := range ids {
		if _, ok := d.store.FlatContaining(id); !ok {
			return &NotCoveredError{Id: id}
		}
	}
	return nil
}

// ancestorsUntil runs the ancestor walk, accumulating into result. When
// stop is non-nil it is called with every newly covered span; returning
// true ends the walk early with a true result.
func (d *Dag) ancestorsUntil(set spanset.SpanSet, result *spanset.SpanSet, stop func(spanset.Span) bool) (bool, error) {
	var work []spanset.Span
	// Seed lowest-first so the stack pops the highest span first.
	spans := set.Spans()
	for i := len(spans) - 1; i >= 0; i-- {
		work = append(work, spans[i])
	}

	for len(work) > 0 {
		sp := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			id := sp.High

			if got, ok := result.SpanContaining(id); ok {
				// Skip the part already computed.
				if got.Low <= sp.Low {
					break
				}
				sp.High = got.Low - 1
				continue
			}

			seg, ok := d.store.SegmentWithHigh(id)
			if !ok || seg.Level == segment.FlatLevel {
				seg, ok = d.store.FlatContaining(id)
				if !ok {
					return false, &NotCoveredError{Id: id}
				}
			}

			// Everything from the segment start up to id is an ancestor of
			// id. For summary segments id is the single head of the whole
			// span, for flat segments the interior is a chain.
			covered := spanset.Span{Low: seg.Low, High: id}
			result.Push(covered)
			if stop != nil && stop(covered) {
				return true, nil
			}

			for _, p := range seg.Parents {
				if !result.Contains(p) {
					work = append(work, spanset.IdSpan(p))
				}
			}

			if covered.Low <= sp.Low || covered.Low == 0 {
				break
			}
			sp.High = covered.Low - 1
		}
	}
	return false, nil
}

// parentsOf returns the parents of every id in set, computed span-wise
// against flat segments.
func (d *Dag) parentsOf(set spanset.SpanSet) (spanset.SpanSet, error) {
	parents := spanset.Empty()
	var walkErr error

	for _, sp := range set.Spans() {
		covered := sp.Low
		d.store.FlatOverlapping(sp, func(f segment.Segment) bool {
			lo := maxId(sp.Low, f.Low)
			hi := minId(sp.High, f.High)
			if lo > covered {
				walkErr = &NotCoveredError{Id: covered}
				return false
			}

			// Interior ids have their chain predecessor as only parent.
			first := lo
			if first == f.Low {
				first = f.Low + 1
			}
			if hi >= first {
				parents.Push(spanset.Span{Low: first - 1, High: hi - 1})
			}
			if lo == f.Low {
				for _, p := range f.Parents {
					parents.Push(spanset.IdSpan(p))
				}
			}

			covered = hi + 1
			return hi < sp.High
		})
		if walkErr != nil {
			return spanset.Empty(), walkErr
		}
		if covered <= sp.High {
			return spanset.Empty(), &NotCoveredError{Id: covered}
		}
	}
	return parents, nil
}

// Heads returns the ids in set that no other id in set descends from
// directly, i.e. set minus the parents of set.
func (d *Dag) Heads(set spanset.SpanSet) (spanset.SpanSet, error) {
	parents, err := d.parentsOf(set)
	if err != nil {
		return spanset.Empty(), err
	}
	return set.Difference(parents), nil
}

// Roots returns the ids in set with no parent inside set.
//
// Inside one flat segment only the lowest covered id can be a root, since
// every interior id has its predecessor as parent. That keeps the scan
// proportional to segments, not ids.
func (d *Dag) Roots(set spanset.SpanSet) (spanset.SpanSet, error) {
	roots := spanset.Empty()
	var walkErr error

	for _, sp := range set.Spans() {
		covered := sp.Low
		d.store.FlatOverlapping(sp, func(f segment.Segment) bool {
			lo := maxId(sp.Low, f.Low)
			hi := minId(sp.High, f.High)
			if lo > covered {
				walkErr = &NotCoveredError{Id: covered}
				return false
			}

			inSet := false
			if lo == f.Low {
				for _, p := range f.Parents {
					if set.Contains(p) {
						inSet = true
						break
					}
				}
			} else {
				inSet = set.Contains(lo - 1)
			}
			if !inSet {
				roots.Push(spanset.IdSpan(lo))
			}

			covered = hi + 1
			return hi < sp.High
		})
		if walkErr != nil {
			return spanset.Empty(), walkErr
		}
		if covered <= sp.High {
			return spanset.Empty(), &NotCoveredError{Id: covered}
		}
	}
	return roots, nil
}

// GcaAll returns the greatest common ancestors of ids: the heads of the
// intersection of their ancestor sets. Criss-cross merge histories can
// yield more than one.
func (d *Dag) GcaAll(ids []core.Id) (spanset.SpanSet, error) {
	if len(ids) == 0 {
		return spanset.Empty(), nil
	}

	common, err := d.Ancestors(spanset.FromSingle(ids[0]))
	if err != nil {
		return spanset.Empty(), err
	}
	for _, id := range ids[1:] {
		anc, err := d.Ancestors(spanset.FromSingle(id))
		if err != nil {
			return spanset.Empty(), err
		}
		common = common.Intersect(anc)
		if common.IsEmpty() {
			return spanset.Empty(), nil
		}
	}
	return d.Heads(common)
}

// Descendants returns every covered id reachable from roots via child
// edges, including roots themselves.
//
// A single ascending pass over flat segments suffices because parents
// always have smaller ids: once a segment's low end is known to descend
// from roots, the rest of its chain does too.
func (d *Dag) Descendants(roots spanset.SpanSet) (spanset.SpanSet, error) {
	min, ok := roots.Min()
	if !ok {
		return spanset.Empty(), nil
	}
	if err := d.mustCoveredSet(roots); err != nil {
		return spanset.Empty(), err
	}

	var asc []spanset.Span
	d.store.FlatOverlapping(spanset.Span{Low: min, High: core.MaxId}, func(f segment.Segment) bool {
		low := core.MaxId
		found := false

		if roots.Contains(f.Low) {
			low, found = f.Low, true
		}
		if !found {
			for _, p := range f.Parents {
				if containsAsc(asc, p) || roots.Contains(p) {
					low, found = f.Low, true
					break
				}
			}
		}
		if !found {
			// Lowest root starting inside this segment.
			if r := roots.Intersect(spanset.FromSpans(f.Span())); !r.IsEmpty() {
				low, _ = r.Min()
				found = true
			}
		}
		if found {
			asc = append(asc, spanset.Span{Low: low, High: f.High})
		}
		return true
	})

	result := spanset.Empty()
	for i := len(asc) - 1; i >= 0; i-- {
		result.Push(asc[i])
	}
	return result, nil
}

// Range returns the ids that are both descendants of roots and ancestors
// of heads.
func (d *Dag) Range(roots, heads spanset.SpanSet) (spanset.SpanSet, error) {
	anc, err := d.Ancestors(heads)
	if err != nil {
		return spanset.Empty(), err
	}
	desc, err := d.Descendants(roots)
	if err != nil {
		return spanset.Empty(), err
	}
	return desc.Intersect(anc), nil
}

func (d *Dag) mustCoveredSet(set spanset.SpanSet) error {
	for _, sp := range set.Spans() {
		covered := sp.Low
		d.store.FlatOverlapping(sp, func(f segment.Segment) bool {
			if maxId(sp.Low, f.Low) > covered {
				return false
			}
			covered = minId(sp.High, f.High) + 1
			return covered <= sp.High
		})
		if covered <= sp.High {
			return &NotCoveredError{Id: covered}
		}
	}
	return nil
}

// containsAsc checks membership in spans accumulated in ascending order.
func containsAsc(spans []spanset.Span, id core.Id) bool {
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].Contains(id) {
			return true
		}
		if spans[i].High < id {
			return false
		}
	}
	return false
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
