package coderev

import (
	"fmt"
	"sort"

	"github.com/been-there-done-that/coderev/internal/store"
)

// maxImpactDepth caps Impact traversals.
const maxImpactDepth = 100

// Direction selects which way Impact follows edges.
type Direction string

const (
	// Outgoing follows edges from source to target: what uri depends on.
	Outgoing Direction = "outgoing"
	// Incoming follows edges backwards: what depends on uri.
	Incoming Direction = "incoming"
)

// ParseDirection accepts "outgoing", "incoming" or "" (outgoing).
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Outgoing:
		return Outgoing, nil
	case Incoming:
		return Incoming, nil
	}
	return "", fmt.Errorf("unknown direction %q (want outgoing or incoming)", s)
}

// ImpactOptions tunes an Impact traversal.
type ImpactOptions struct {
	Direction Direction
	// Kinds limits the edge kinds followed. Empty means calls, defines and
	// inherits.
	Kinds []EdgeKind
}

// ImpactNode is a symbol reached by an Impact traversal. Confidence is the
// weakest edge on the strongest shortest path from the root.
type ImpactNode struct {
	Symbol     *Symbol `json:"symbol"`
	Depth      int     `json:"depth"`
	Confidence float64 `json:"confidence"`
}

// ImpactResult is the subgraph reachable from Root within the depth limit.
type ImpactResult struct {
	Root      string       `json:"root"`
	Direction Direction    `json:"direction"`
	Nodes     []ImpactNode `json:"nodes"`
	Edges     []*Edge      `json:"edges"`
	Depth     int          `json:"depth"` // deepest level reached
}

// impactGraph is the bulk-loaded adjacency used by the BFS, so traversal
// issues no per-node queries.
type impactGraph struct {
	next map[string][]*Edge
}

func (q *QueryBuilder) loadImpactGraph(dir Direction, kinds []EdgeKind) (*impactGraph, error) {
	edges, err := q.store.AllEdges(kinds...)
	if err != nil {
		return nil, err
	}
	g := &impactGraph{next: make(map[string][]*Edge)}
	for _, e := range edges {
		from := e.FromURI
		if dir == Incoming {
			from = e.ToURI
		}
		g.next[from] = append(g.next[from], e)
	}
	return g, nil
}

func (d Direction) far(e *Edge) string {
	if d == Incoming {
		return e.FromURI
	}
	return e.ToURI
}

// Impact walks the graph breadth-first from uri, one level at a time, up to
// depth hops. A node is settled at the first level that reaches it; among
// that level's parents the highest path confidence wins. Cycles end at
// visited nodes. An unknown uri yields an empty result.
func (q *QueryBuilder) Impact(uri string, depth int, opts ImpactOptions) (*ImpactResult, error) {
	if depth < 0 {
		return nil, fmt.Errorf("impact: depth must be non-negative, got %d", depth)
	}
	if depth > maxImpactDepth {
		depth = maxImpactDepth
	}
	dir, err := ParseDirection(string(opts.Direction))
	if err != nil {
		return nil, fmt.Errorf("impact: %w", err)
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []EdgeKind{store.EdgeCalls, store.EdgeDefines, store.EdgeInherits}
	}

	result := &ImpactResult{Root: uri, Direction: dir, Nodes: []ImpactNode{}, Edges: []*Edge{}}
	root, err := q.store.SymbolByURI(uri)
	if err != nil {
		return nil, fmt.Errorf("impact: %w", err)
	}
	if root == nil {
		return result, nil
	}
	result.Nodes = append(result.Nodes, ImpactNode{Symbol: root, Confidence: 1})
	if depth == 0 {
		return result, nil
	}

	g, err := q.loadImpactGraph(dir, kinds)
	if err != nil {
		return nil, fmt.Errorf("impact: load edges: %w", err)
	}

	type settled struct {
		depth      int
		confidence float64
	}
	visited := map[string]settled{uri: {0, 1}}
	frontier := []string{uri}
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		reached := make(map[string]float64)
		for _, u := range frontier {
			c := visited[u].confidence
			for _, e := range g.next[u] {
				v := dir.far(e)
				if _, seen := visited[v]; seen {
					continue
				}
				if pc := min(c, e.Confidence); pc > reached[v] {
					reached[v] = pc
				}
			}
		}
		frontier = frontier[:0]
		for v, c := range reached {
			visited[v] = settled{level, c}
			frontier = append(frontier, v)
		}
		sort.Strings(frontier)
		if len(frontier) > 0 {
			result.Depth = level
		}
	}

	uris := make([]string, 0, len(visited)-1)
	for v := range visited {
		if v != uri {
			uris = append(uris, v)
		}
	}
	syms, err := q.store.SymbolsByURIs(uris)
	if err != nil {
		return nil, fmt.Errorf("impact: load symbols: %w", err)
	}
	for _, v := range uris {
		if sym := syms[v]; sym != nil {
			s := visited[v]
			result.Nodes = append(result.Nodes, ImpactNode{Symbol: sym, Depth: s.depth, Confidence: s.confidence})
		}
	}
	sort.Slice(result.Nodes, func(i, j int) bool {
		a, b := result.Nodes[i], result.Nodes[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Symbol.URI < b.Symbol.URI
	})

	// Edges joining two visited nodes, one level apart in traversal order.
	for u, s := range visited {
		for _, e := range g.next[u] {
			if t, ok := visited[dir.far(e)]; ok && t.depth == s.depth+1 {
				result.Edges = append(result.Edges, e)
			}
		}
	}
	sort.Slice(result.Edges, func(i, j int) bool {
		a, b := result.Edges[i], result.Edges[j]
		if a.FromURI != b.FromURI {
			return a.FromURI < b.FromURI
		}
		if a.ToURI != b.ToURI {
			return a.ToURI < b.ToURI
		}
		return a.Kind < b.Kind
	})
	return result, nil
}
