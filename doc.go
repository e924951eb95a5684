// Package segdag indexes commit graphs as segments over dense integer ids,
// answering ancestry questions in sublinear time.
//
// Vertexes are inserted with their parents and receive ids such that every
// parent id is smaller than its child's. Contiguous runs become flat
// segments, which in turn fold into summary segments, so walks like
// Ancestors, MergeBase and Range jump over whole spans of history instead
// of visiting one commit at a time.
//
// The id space splits into two groups: GroupMaster for the stable mainline
// and GroupNonMaster for local drafts, which can be dropped and renumbered
// with RebuildNonMaster without disturbing master ids.
//
// A dag is either in-memory (New) or backed by an append-only log (Open)
// that survives crashes by discarding a torn tail on reopen. With a remote
// configured (WithRemote), unknown names and uncovered id spans are fetched
// lazily; concurrent identical requests are coalesced into one round trip.
//
//	dag, err := segdag.Open(dir, segdag.WithRemote(r))
//	if err != nil { ... }
//	defer dag.Close()
//
//	id, err := dag.Insert(ctx, segdag.GroupMaster, name, parents)
//	base, err := dag.MergeBase(ctx, "a1b2...", "c3d4...")
package segdag
