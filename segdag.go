package segdag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/drawdag"
	"github.com/hupe1980/segdag/iddag"
	"github.com/hupe1980/segdag/idmap"
	"github.com/hupe1980/segdag/indexlog"
	"github.com/hupe1980/segdag/remote"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// Re-exported core types so simple uses need only this package.
type (
	// Id is a dense integer assigned to a vertex.
	Id = core.Id
	// Group partitions the id space by expected stability.
	Group = core.Group
	// VertexName is the external name of a vertex, usually a commit hash.
	VertexName = core.VertexName
)

const (
	// GroupMaster holds ancestors of the main branch.
	GroupMaster = core.GroupMaster
	// GroupNonMaster holds local branches and drafts.
	GroupNonMaster = core.GroupNonMaster
)

// maxFetchRounds caps how many coverage-miss fetch round trips a single
// query may trigger before giving up.
const maxFetchRounds = 32

// segmentStore is the store surface the facade needs beyond iddag.Store.
type segmentStore interface {
	iddag.Store
	RemoveGroup(core.Group)
}

// vertexNames is the name map surface the facade needs beyond idmap.Map.
type vertexNames interface {
	idmap.Map
	RemoveGroup(core.Group)
	Pairs(fn func(id core.Id, name core.VertexName) bool)
}

// Dag is a segmented dag index over named vertexes. It assigns dense ids,
// answers ancestry queries through the segment engine, persists state in an
// append-only log and lazily fetches missing history from a remote.
type Dag struct {
	mu     sync.Mutex
	engine *iddag.Dag
	store  segmentStore
	names  vertexNames

	// Set only for log-backed dags opened with Open.
	log      *indexlog.Log
	logStore *iddag.LogStore
	logNames *idmap.LogMap

	coord   *remote.Coordinator
	logger  *Logger
	metrics MetricsCollector
	closed  bool
}

// New creates an in-memory dag. State is lost when the process exits;
// use Open for a log-backed dag.
func New(optFns ...Option) (*Dag, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	d := &Dag{
		store:   iddag.NewMemStore(),
		names:   idmap.NewMemMap(),
		logger:  opts.logger,
		metrics: opts.metrics,
	}
	d.engine = iddag.New(d.store, opts.dagOptFns...)
	d.initRemote(opts)
	return d, nil
}

// Open creates or reopens a log-backed dag in dir. Existing records are
// replayed into memory; a corrupt tail left by a crash is discarded.
func Open(dir string, optFns ...Option) (*Dag, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	log, err := indexlog.Open(dir, opts.logOptFns...)
	if err != nil {
		return nil, translateError(err)
	}

	store := iddag.NewLogStore(log)
	names := idmap.NewLogMap(log)
	err = log.Replay(func(rec indexlog.Record) error {
		switch rec.Kind {
		case indexlog.RecordSegment:
			return store.Apply(rec)
		case indexlog.RecordName:
			return names.Apply(rec)
		default:
			return nil
		}
	})
	if err != nil {
		_ = log.Close()
		return nil, translateError(err)
	}
	store.Seal()
	opts.logger.LogRecovery(log.Truncated())

	d := &Dag{
		store:    store,
		names:    names,
		log:      log,
		logStore: store,
		logNames: names,
		logger:   opts.logger,
		metrics:  opts.metrics,
	}
	d.engine = iddag.New(d.store, opts.dagOptFns...)
	d.initRemote(opts)
	return d, nil
}

func (d *Dag) initRemote(opts options) {
	if opts.remote == nil {
		return
	}
	d.coord = remote.NewCoordinator(opts.remote, d.applyBundle, opts.fetchOptFns...)
}

// Insert adds a vertex with the given parents and returns its id. Parents
// must already be known, locally or via the remote. Inserting an existing
// name returns its id unchanged.
func (d *Dag) Insert(ctx context.Context, group core.Group, name core.VertexName, parents []core.VertexName) (core.Id, error) {
	start := time.Now()
	id, err := d.insert(ctx, group, name, parents)
	d.metrics.RecordInsert(time.Since(start), err)
	d.logger.LogInsert(ctx, name, id, err)
	return id, translateError(err)
}

func (d *Dag) insert(ctx context.Context, group core.Group, name core.VertexName, parents []core.VertexName) (core.Id, error) {
	if !group.Valid() {
		return 0, fmt.Errorf("invalid group %d", group)
	}
	if id, err := d.names.IdOf(name); err == nil {
		return id, nil
	}

	// Resolve parents before taking the lock: the fetch path applies
	// bundles under d.mu from another goroutine.
	parentIds, err := d.resolveAll(ctx, parents)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if id, err := d.names.IdOf(name); err == nil {
		return id, nil
	}

	id := d.engine.NextFreeId(group)
	if err := d.engine.AddHead(id, parentIds); err != nil {
		return 0, err
	}
	if err := d.names.AddPair(id, name); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertGraph inserts all vertexes of g in topological order and returns
// how many were inserted.
func (d *Dag) InsertGraph(ctx context.Context, group core.Group, g drawdag.Graph) (int, error) {
	order, err := g.Order()
	if err != nil {
		return 0, err
	}
	for i, name := range order {
		if _, err := d.Insert(ctx, group, name, g[name]); err != nil {
			return i, err
		}
	}
	return len(order), nil
}

// Contains reports whether name is known locally. It never contacts the
// remote.
func (d *Dag) Contains(name core.VertexName) bool {
	return d.names.Contains(name)
}

// Len returns the number of locally known vertexes.
func (d *Dag) Len() int {
	return d.names.Len()
}

// IdOf resolves a name to its id, fetching from the remote if needed.
func (d *Dag) IdOf(ctx context.Context, name core.VertexName) (core.Id, error) {
	ids, err := d.resolveAll(ctx, []core.VertexName{name})
	if err != nil {
		return 0, translateError(err)
	}
	return ids[0], nil
}

// NameOf resolves an id back to its name.
func (d *Dag) NameOf(id core.Id) (core.VertexName, error) {
	name, err := d.names.NameOf(id)
	return name, translateError(err)
}

// Parents returns the parent names of name.
func (d *Dag) Parents(ctx context.Context, name core.VertexName) ([]core.VertexName, error) {
	ids, err := d.resolveAll(ctx, []core.VertexName{name})
	if err != nil {
		return nil, translateError(err)
	}

	var parentIds []core.Id
	err = d.runQuery(ctx, "parents", func() (qerr error) {
		parentIds, qerr = d.engine.ParentIds(ids[0])
		return
	})
	if err != nil {
		return nil, err
	}

	out := make([]core.VertexName, len(parentIds))
	for i, pid := range parentIds {
		if out[i], err = d.names.NameOf(pid); err != nil {
			return nil, translateError(err)
		}
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant by
// following parent edges. A vertex is its own ancestor.
func (d *Dag) IsAncestor(ctx context.Context, ancestor, descendant core.VertexName) (bool, error) {
	ids, err := d.resolveAll(ctx, []core.VertexName{ancestor, descendant})
	if err != nil {
		return false, translateError(err)
	}

	var ok bool
	err = d.runQuery(ctx, "is-ancestor", func() (qerr error) {
		ok, qerr = d.engine.IsAncestor(ids[0], ids[1])
		return
	})
	return ok, err
}

// Ancestors returns all ancestors of the given vertexes, themselves
// included, newest first.
func (d *Dag) Ancestors(ctx context.Context, names ...core.VertexName) ([]core.VertexName, error) {
	return d.setQuery(ctx, "ancestors", names, d.engine.Ancestors)
}

// Heads returns the vertexes of the input set that no other input vertex
// descends from.
func (d *Dag) Heads(ctx context.Context, names ...core.VertexName) ([]core.VertexName, error) {
	return d.setQuery(ctx, "heads", names, d.engine.Heads)
}

// Roots returns the vertexes of the input set with no parent inside the set.
func (d *Dag) Roots(ctx context.Context, names ...core.VertexName) ([]core.VertexName, error) {
	return d.setQuery(ctx, "roots", names, d.engine.Roots)
}

// MergeBase returns the greatest common ancestors of the given vertexes.
// Criss-cross merges can yield more than one.
func (d *Dag) MergeBase(ctx context.Context, names ...core.VertexName) ([]core.VertexName, error) {
	ids, err := d.resolveAll(ctx, names)
	if err != nil {
		return nil, translateError(err)
	}

	var set spanset.SpanSet
	err = d.runQuery(ctx, "merge-base", func() (qerr error) {
		set, qerr = d.engine.GcaAll(ids)
		return
	})
	if err != nil {
		return nil, err
	}
	return d.namesOf(set)
}

// Range returns all vertexes reachable from heads whose history passes
// through roots, bounds included.
func (d *Dag) Range(ctx context.Context, roots, heads []core.VertexName) ([]core.VertexName, error) {
	rootIds, err := d.resolveAll(ctx, roots)
	if err != nil {
		return nil, translateError(err)
	}
	headIds, err := d.resolveAll(ctx, heads)
	if err != nil {
		return nil, translateError(err)
	}

	var set spanset.SpanSet
	err = d.runQuery(ctx, "range", func() (qerr error) {
		set, qerr = d.engine.Range(spanset.FromIds(rootIds...), spanset.FromIds(headIds...))
		return
	})
	if err != nil {
		return nil, err
	}
	return d.namesOf(set)
}

// Descendants returns all vertexes reachable from the given roots by
// following child edges, roots included.
func (d *Dag) Descendants(ctx context.Context, names ...core.VertexName) ([]core.VertexName, error) {
	return d.setQuery(ctx, "descendants", names, d.engine.Descendants)
}

// setQuery resolves names, runs a set-to-set engine query and maps the
// result back to names.
func (d *Dag) setQuery(ctx context.Context, op string, names []core.VertexName, fn func(spanset.SpanSet) (spanset.SpanSet, error)) ([]core.VertexName, error) {
	ids, err := d.resolveAll(ctx, names)
	if err != nil {
		return nil, translateError(err)
	}

	var set spanset.SpanSet
	err = d.runQuery(ctx, op, func() (qerr error) {
		set, qerr = fn(spanset.FromIds(ids...))
		return
	})
	if err != nil {
		return nil, err
	}
	return d.namesOf(set)
}

// runQuery times fn, retries coverage misses after fetching the missing
// span and reports the outcome to logger and metrics.
func (d *Dag) runQuery(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := d.withFetchRetry(ctx, fn)
	d.metrics.RecordQuery(op, time.Since(start), err)
	d.logger.LogQuery(ctx, op, time.Since(start), err)
	return translateError(err)
}

func (d *Dag) withFetchRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for round := 0; round < maxFetchRounds; round++ {
		if err == nil || d.coord == nil {
			return err
		}
		var nc *iddag.NotCoveredError
		if !errors.As(err, &nc) {
			return err
		}
		if ferr := d.fetch(ctx, remote.Request{Spans: []spanset.Span{spanset.IdSpan(nc.Id)}}); ferr != nil {
			return ferr
		}
		err = fn()
	}
	return err
}

// resolveAll maps names to ids, fetching all missing ones from the remote
// in a single request.
func (d *Dag) resolveAll(ctx context.Context, names []core.VertexName) ([]core.Id, error) {
	ids := make([]core.Id, len(names))
	var missing []core.VertexName
	for i, name := range names {
		id, err := d.names.IdOf(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		ids[i] = id
	}
	if len(missing) == 0 {
		return ids, nil
	}
	if d.coord == nil {
		return nil, fmt.Errorf("%w: %s", idmap.ErrVertexNotFound, missing[0])
	}

	if err := d.fetch(ctx, remote.Request{Names: missing}); err != nil {
		return nil, err
	}
	for i, name := range names {
		id, err := d.names.IdOf(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s not in fetched bundle", idmap.ErrVertexNotFound, name)
		}
		ids[i] = id
	}
	return ids, nil
}

func (d *Dag) fetch(ctx context.Context, req remote.Request) error {
	start := time.Now()
	err := d.coord.Fetch(ctx, req)
	d.metrics.RecordFetch(time.Since(start), err)
	d.logger.LogFetch(ctx, req.Key(), time.Since(start), err)
	return err
}

// applyBundle installs a fetched bundle. The whole bundle is validated
// against local state and against itself before the first mutation, so a
// malformed bundle leaves the overlay untouched.
func (d *Dag) applyBundle(b *remote.Bundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	byID := make(map[core.Id]core.VertexName, len(b.Names))
	byName := make(map[core.VertexName]core.Id, len(b.Names))
	for _, p := range b.Names {
		if existing, err := d.names.NameOf(p.Id); err == nil && existing != p.Name {
			return fmt.Errorf("%w: id %s is %s locally, %s in bundle", ErrCorrupt, p.Id, existing, p.Name)
		}
		if existing, err := d.names.IdOf(p.Name); err == nil && existing != p.Id {
			return fmt.Errorf("%w: name %s is %s locally, %s in bundle", ErrCorrupt, p.Name, existing, p.Id)
		}
		if prev, ok := byID[p.Id]; ok && prev != p.Name {
			return fmt.Errorf("%w: bundle maps id %s to both %s and %s", ErrCorrupt, p.Id, prev, p.Name)
		}
		if prev, ok := byName[p.Name]; ok && prev != p.Id {
			return fmt.Errorf("%w: bundle maps name %s to both %s and %s", ErrCorrupt, p.Name, prev, p.Id)
		}
		byID[p.Id] = p.Name
		byName[p.Name] = p.Id
	}

	var flats, summaries []segment.Segment
	for _, seg := range b.Segments {
		skip, err := d.checkSegment(seg)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if seg.Level == segment.FlatLevel {
			flats = append(flats, seg)
		} else {
			summaries = append(summaries, seg)
		}
	}

	// Flat segments must not overlap each other either; exact duplicates
	// (coalesced responses repeat shared history) collapse to one.
	sort.Slice(flats, func(i, j int) bool { return flats[i].Low < flats[j].Low })
	keep := flats[:0]
	for _, seg := range flats {
		if len(keep) > 0 {
			prev := keep[len(keep)-1]
			if seg.Low == prev.Low && seg.High == prev.High {
				continue
			}
			if seg.Low <= prev.High {
				return fmt.Errorf("%w: bundle segments %s and %s overlap", ErrCorrupt, prev, seg)
			}
		}
		keep = append(keep, seg)
	}

	for _, seg := range keep {
		if err := d.store.Insert(seg); err != nil {
			return err
		}
	}
	for _, seg := range summaries {
		if err := d.store.Insert(seg); err != nil {
			// Summary chunking may differ between peers; keep the local
			// shape and rely on the flat level for correctness.
			if errors.Is(err, iddag.ErrIdOverlap) {
				continue
			}
			return err
		}
	}
	for _, p := range b.Names {
		if err := d.names.AddPair(p.Id, p.Name); err != nil {
			return err
		}
	}
	return nil
}

// checkSegment reports whether a fetched flat segment is already covered,
// or an error when it conflicts with local coverage.
func (d *Dag) checkSegment(seg segment.Segment) (bool, error) {
	if seg.Low > seg.High {
		return false, fmt.Errorf("%w: fetched segment %s: low above high", ErrCorrupt, seg)
	}
	if seg.Level != segment.FlatLevel {
		return false, nil
	}

	skip := false
	var conflict error
	d.store.FlatOverlapping(seg.Span(), func(f segment.Segment) bool {
		switch {
		case f.Low == seg.Low && f.High >= seg.High:
			// Already covered locally.
			skip = true
			return false
		case f.Low == seg.Low:
			// Widening replacement, handled by the store. Keep scanning:
			// reaching into the next local flat is still a conflict.
			return true
		default:
			conflict = fmt.Errorf("%w: fetched segment %s overlaps local %s", ErrCorrupt, seg, f)
			return false
		}
	})
	return skip, conflict
}

// namesOf maps a result set back to names, newest first.
func (d *Dag) namesOf(set spanset.SpanSet) ([]core.VertexName, error) {
	out := make([]core.VertexName, 0, set.Count())
	for id := range set.Iter() {
		name, err := d.names.NameOf(id)
		if err != nil {
			return nil, translateError(err)
		}
		out = append(out, name)
	}
	return out, nil
}

// BuildHighLevels folds completed flat runs into summary segments. New
// summaries become durable on the next Flush.
func (d *Dag) BuildHighLevels() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	return translateError(d.engine.BuildHighLevels())
}

// Flush persists pending segments and name pairs to the index log. It is
// a no-op for in-memory dags.
func (d *Dag) Flush(ctx context.Context) error {
	start := time.Now()
	err := d.flush()
	d.metrics.RecordFlush(time.Since(start), err)
	d.logger.LogFlush(ctx, err)
	return translateError(err)
}

func (d *Dag) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	return d.flushLocked()
}

func (d *Dag) flushLocked() error {
	if d.log == nil {
		return nil
	}
	if err := d.logStore.Flush(); err != nil {
		return err
	}
	return d.logNames.Flush()
}

// RebuildNonMaster drops the whole non-master group from the dag and
// compacts the log to a snapshot of what remains. Callers reinsert the
// still-interesting drafts afterwards, which reassigns them dense ids.
func (d *Dag) RebuildNonMaster() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.flushLocked(); err != nil {
		return err
	}

	d.store.RemoveGroup(core.GroupNonMaster)
	d.names.RemoveGroup(core.GroupNonMaster)

	if d.log == nil {
		return nil
	}
	err := d.log.Rewrite(func(emit func(kind indexlog.RecordKind, key, payload []byte) error) error {
		var werr error
		for lvl := uint8(0); lvl <= d.store.MaxLevel(); lvl++ {
			d.store.IterLevel(lvl, func(seg segment.Segment) bool {
				key := iddag.EncodeSegmentKey(seg.Level, seg.Low)
				werr = emit(indexlog.RecordSegment, key, segment.Append(nil, seg))
				return werr == nil
			})
			if werr != nil {
				return werr
			}
		}
		d.names.Pairs(func(id core.Id, name core.VertexName) bool {
			key, payload := idmap.EncodePair(id, name)
			werr = emit(indexlog.RecordName, key, payload)
			return werr == nil
		})
		return werr
	})
	return translateError(err)
}

// Close flushes pending state and closes the index log. Close is nil-safe
// and idempotent.
func (d *Dag) Close() error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.log == nil {
		return nil
	}
	ferr := d.flushLocked()
	return translateError(errors.Join(ferr, d.log.Close()))
}
