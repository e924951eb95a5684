// Package remote fetches segments and name assignments that the local dag
// does not have yet.
//
// Fetches are coalesced: concurrent queries missing the same data share one
// round trip, and responses are merged into local state atomically.
package remote

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/hupe1980/segdag/core"
	"github.com/hupe1980/segdag/segment"
	"github.com/hupe1980/segdag/spanset"
)

// ErrRemoteUnavailable is returned when the remote cannot be reached or
// keeps failing after the retry.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// ErrNotFound is returned by a Remote when the requested data does not
// exist on the server.
var ErrNotFound = errors.New("not found on remote")

// NamePair binds an id to its vertex name on the wire.
type NamePair struct {
	Id   core.Id
	Name core.VertexName
}

// Request names the data a fetch should return: id spans whose segments are
// missing locally, and vertex names without a known id.
type Request struct {
	Spans []spanset.Span
	Names []core.VertexName
}

// Key returns a canonical string for the request, used to coalesce
// identical in-flight fetches.
func (r Request) Key() string {
	spans := make([]string, len(r.Spans))
	for i, sp := range r.Spans {
		spans[i] = sp.String()
	}
	sort.Strings(spans)

	names := make([]string, len(r.Names))
	for i, n := range r.Names {
		names[i] = n.String()
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("spans:")
	b.WriteString(strings.Join(spans, ","))
	b.WriteString(";names:")
	b.WriteString(strings.Join(names, ","))
	return b.String()
}

// IsEmpty reports whether the request asks for nothing.
func (r Request) IsEmpty() bool {
	return len(r.Spans) == 0 && len(r.Names) == 0
}

// Bundle is a remote response: segments covering requested spans plus the
// name assignments for them and for requested names.
type Bundle struct {
	Segments []segment.Segment
	Names    []NamePair
}

// Merge folds other into b.
func (b *Bundle) Merge(other *Bundle) {
	if other == nil {
		return
	}
	b.Segments = append(b.Segments, other.Segments...)
	b.Names = append(b.Names, other.Names...)
}

// IsEmpty reports whether the bundle carries no data.
func (b *Bundle) IsEmpty() bool {
	return b == nil || (len(b.Segments) == 0 && len(b.Names) == 0)
}

// Remote serves fetch requests, typically backed by object storage or a
// server holding the full history.
type Remote interface {
	Fetch(ctx context.Context, req Request) (*Bundle, error)
}

// RemoteFunc adapts a function to the Remote interface.
type RemoteFunc func(ctx context.Context, req Request) (*Bundle, error)

func (f RemoteFunc) Fetch(ctx context.Context, req Request) (*Bundle, error) {
	return f(ctx, req)
}
