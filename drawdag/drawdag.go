// Package drawdag builds dags from a compact ASCII notation, used by tests
// and examples to describe commit graphs inline.
//
// Each line holds chains of vertex names joined by '-', parent on the left:
//
//	A-B-C    # A is B's parent, B is C's parent
//	B-D      # D merges nothing yet, second parent lines add edges
//	C-E D-E  # E is a merge of C and D
//
// Text after '#' is a comment. A name standing alone declares a vertex
// without edges.
package drawdag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/segdag/core"
)

// Graph maps each vertex to its parents, in first-mention order.
type Graph map[core.VertexName][]core.VertexName

// Parse reads the ASCII notation into a Graph.
func Parse(text string) (Graph, error) {
	g := make(Graph)

	ensure := func(name core.VertexName) {
		if _, ok := g[name]; !ok {
			g[name] = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, chain := range strings.Fields(line) {
			names := strings.Split(chain, "-")
			for i, raw := range names {
				if raw == "" {
					return nil, fmt.Errorf("empty vertex name in chain %q", chain)
				}
				name := core.VertexName(raw)
				ensure(name)
				if i > 0 {
					parent := core.VertexName(names[i-1])
					if parent == name {
						return nil, fmt.Errorf("vertex %s cannot be its own parent", name)
					}
					g[name] = appendUnique(g[name], parent)
				}
			}
		}
	}
	return g, nil
}

// MustParse is Parse for fixtures known to be valid.
func MustParse(text string) Graph {
	g, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return g
}

// Order returns the vertices topologically sorted, parents before children,
// ties broken by name so the order is deterministic.
func (g Graph) Order() ([]core.VertexName, error) {
	indegree := make(map[core.VertexName]int, len(g))
	children := make(map[core.VertexName][]core.VertexName)
	for name, parents := range g {
		indegree[name] += 0
		for _, p := range parents {
			if _, ok := g[p]; !ok {
				return nil, fmt.Errorf("vertex %s has undeclared parent %s", name, p)
			}
			indegree[name]++
			children[p] = append(children[p], name)
		}
	}

	var ready []core.VertexName
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sortNames(ready)

	out := make([]core.VertexName, 0, len(g))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)

		released := false
		for _, c := range children[name] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
				released = true
			}
		}
		if released {
			sortNames(ready)
		}
	}

	if len(out) != len(g) {
		return nil, fmt.Errorf("graph has a cycle among %d of %d vertices", len(g)-len(out), len(g))
	}
	return out, nil
}

// Render writes the graph back out, one vertex per line in topological
// order, as "name: parent parent" or a bare name for roots.
func (g Graph) Render() (string, error) {
	order, err := g.Order()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, name := range order {
		b.WriteString(name.String())
		if parents := g[name]; len(parents) > 0 {
			b.WriteString(":")
			for _, p := range parents {
				b.WriteString(" ")
				b.WriteString(p.String())
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func appendUnique(names []core.VertexName, name core.VertexName) []core.VertexName {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func sortNames(names []core.VertexName) {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
}
