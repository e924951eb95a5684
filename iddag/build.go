package iddag

import (
	"slices"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
)

// BuildHighLevels folds runs of lower-level segments into summary segments,
// level by level up to the configured MaxLevel.
//
// A run is a sequence of same-group segments where each one starts right
// after its predecessor and lists the predecessor's High among its parents.
// Every SegmentThreshold consecutive run members become one summary whose
// High stays the single head of the covered span, so ancestor walks can
// jump the whole span at once. Incomplete chunks stay unfolded until enough
// segments accumulate.
func (d *Dag) BuildHighLevels() error {
	for lvl := uint8(1); lvl <= d.opts.MaxLevel; lvl++ {
		if err := d.buildLevel(lvl); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dag) buildLevel(lvl uint8) error {
	// Resume after the highest id each group already summarized at lvl.
	var watermark [core.GroupCount]core.Id
	var seen [core.GroupCount]bool
	d.store.IterLevel(lvl, func(s segment.Segment) bool {
		g := s.Group()
		if !seen[g] || s.High > watermark[g] {
			watermark[g], seen[g] = s.High, true
		}
		return true
	})

	var lower [core.GroupCount][]segment.Segment
	d.store.IterLevel(lvl-1, func(s segment.Segment) bool {
		g := s.Group()
		if !seen[g] || s.Low > watermark[g] {
			lower[g] = append(lower[g], s)
		}
		return true
	})

	for g := core.Group(0); g.Valid(); g++ {
		segs := lower[g]
		if lvl == 1 && len(segs) > 0 {
			// The group's last flat segment may still be extended in place;
			// never bake it into a summary.
			segs = segs[:len(segs)-1]
		}
		if err := d.foldRuns(lvl, segs); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dag) foldRuns(lvl uint8, segs []segment.Segment) error {
	run := 0 // index of the current run's first segment
	flush := func(end int) error {
		for start := run; end-start >= d.opts.SegmentThreshold; start += d.opts.SegmentThreshold {
			if err := d.store.Insert(summarize(lvl, segs[start:start+d.opts.SegmentThreshold])); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 1; i <= len(segs); i++ {
		if i < len(segs) && continuesRun(segs[i-1], segs[i]) {
			continue
		}
		if err := flush(i); err != nil {
			return err
		}
		run = i
	}
	return nil
}

// continuesRun reports whether next extends the run ending in prev: it must
// start immediately after prev and descend from prev's head.
func continuesRun(prev, next segment.Segment) bool {
	return next.Low == prev.High+1 && slices.Contains(next.Parents, prev.High)
}

// summarize folds a chunk of chained segments into one segment a level up.
// Parents are the chunk's external parents; internal chain links vanish.
func summarize(lvl uint8, chunk []segment.Segment) segment.Segment {
	low := chunk[0].Low
	high := chunk[len(chunk)-1].High

	var parents []core.Id
	hasRoot := false
	for _, s := range chunk {
		if s.HasRoot {
			hasRoot = true
		}
		for _, p := range s.Parents {
			if p < low || p > high {
				parents = append(parents, p)
			}
		}
	}
	slices.Sort(parents)
	parents = slices.Compact(parents)

	return segment.Segment{
		Level:   lvl,
		Low:     low,
		High:    high,
		Parents: parents,
		HasRoot: hasRoot,
	}
}
