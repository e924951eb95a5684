package spanset

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/segdag/core"
)

// FromIds builds a SpanSet from unsorted, possibly duplicated ids.
//
// The ids are staged in a roaring bitmap so that dedup and ordering come
// for free; contiguous runs then collapse into spans.
func FromIds(ids ...core.Id) SpanSet {
	if len(ids) == 0 {
		return Empty()
	}
	bm := roaring64.New()
	for _, id := range ids {
		bm.Add(uint64(id))
	}
	return FromBitmap(bm)
}

// ToBitmap converts the set into a roaring bitmap.
func (s SpanSet) ToBitmap() *roaring64.Bitmap {
	bm := roaring64.New()
	for _, sp := range s.spans {
		bm.AddRange(uint64(sp.Low), uint64(sp.High)+1)
	}
	return bm
}

// FromBitmap converts a roaring bitmap into a SpanSet.
func FromBitmap(bm *roaring64.Bitmap) SpanSet {
	if bm == nil || bm.IsEmpty() {
		return Empty()
	}
	var asc []Span
	it := bm.Iterator()
	cur := Span{}
	first := true
	for it.HasNext() {
		v := core.Id(it.Next())
		switch {
		case first:
			cur = IdSpan(v)
			first = false
		case v == cur.High+1:
			cur.High = v
		default:
			asc = append(asc, cur)
			cur = IdSpan(v)
		}
	}
	asc = append(asc, cur)

	// Reverse into descending order.
	spans := make([]Span, len(asc))
	for i, sp := range asc {
		spans[len(asc)-1-i] = sp
	}
	return SpanSet{spans: spans}
}
