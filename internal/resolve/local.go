// Package resolve binds references to symbols. Localize works on one file's
// extraction output; Resolve works on a store snapshot of the residue. Both
// are pure functions of their input.
package resolve

import (
	"github.com/been-there-done-that/coderev/internal/adapter"
	"github.com/been-there-done-that/coderev/internal/store"
)

// selfReceivers qualify a call that still names something in the enclosing
// lexical scopes.
var selfReceivers = map[string]bool{"": true, "self": true, "this": true, "cls": true}

// Localize turns one file's extraction result into a store batch: symbols
// with their URIs, defines edges, same-file reference edges and the residual
// references for the global pass. The file record carries only path and
// module; callers fill in language, hash and timestamps.
func Localize(repo, path string, res *adapter.Result) *store.FileBatch {
	batch := &store.FileBatch{File: store.File{Path: path, Module: res.Module}}

	// Identical URIs collapse onto the first declaration.
	uris := make([]string, len(res.Symbols))
	first := make(map[string]int, len(res.Symbols))
	canon := make([]int, len(res.Symbols))
	for i, d := range res.Symbols {
		uri := store.FormatURI(repo, path, d.Kind, d.Name, d.LineStart)
		uris[i] = uri
		if j, dup := first[uri]; dup {
			canon[i] = j
			continue
		}
		first[uri] = i
		canon[i] = i
		batch.Symbols = append(batch.Symbols, store.Symbol{
			URI:       uri,
			Kind:      d.Kind,
			Name:      d.Name,
			Path:      path,
			LineStart: d.LineStart,
			LineEnd:   d.LineEnd,
			Signature: d.Signature,
			Doc:       d.Doc,
			Content:   d.Content,
		})
	}

	edges := newEdgeSet()
	declared := make([]map[string][]int, len(res.Scopes))
	for i, d := range res.Symbols {
		if canon[i] != i || d.Scope < 0 {
			continue
		}
		if declared[d.Scope] == nil {
			declared[d.Scope] = make(map[string][]int)
		}
		declared[d.Scope][d.Name] = append(declared[d.Scope][d.Name], i)

		owner := canon[res.Scopes[d.Scope].Owner]
		if owner != i {
			edges.add(uris[owner], uris[i], store.EdgeDefines)
		}
	}

	for _, ref := range res.References {
		from := canon[ref.From]
		if target, ok := lookup(res, declared, ref, from); ok {
			edges.add(uris[from], uris[canon[target]], ref.Kind.EdgeKind())
			continue
		}
		batch.Refs = append(batch.Refs, store.ResidualRef{
			FromURI:  uris[from],
			Name:     ref.Name,
			Receiver: ref.Receiver,
			Kind:     ref.Kind,
			Line:     ref.Line,
		})
	}
	batch.Edges = edges.list()

	for _, imp := range res.Imports {
		batch.Imports = append(batch.Imports, store.Import{
			Path:      path,
			Namespace: imp.Namespace,
			Name:      imp.Name,
			Alias:     imp.Alias,
			Line:      imp.Line,
		})
	}
	return batch
}

// lookup walks the scope chain outward from the reference's scope. The first
// scope holding a declaration of a compatible kind wins; within it the
// nearest declaration at or above the reference line is preferred, otherwise
// the first one.
func lookup(res *adapter.Result, declared []map[string][]int, ref adapter.Reference, from int) (int, bool) {
	if ref.Kind == store.RefImport || !selfReceivers[ref.Receiver] {
		return 0, false
	}
	for s := ref.Scope; s >= 0; s = res.Scopes[s].Parent {
		var match []int
		for _, i := range declared[s][ref.Name] {
			if !compatible(ref.Kind, res.Symbols[i].Kind) {
				continue
			}
			if ref.Kind == store.RefInherit && i == from {
				continue
			}
			match = append(match, i)
		}
		if len(match) == 0 {
			continue
		}
		best := -1
		for _, i := range match {
			if res.Symbols[i].LineStart <= ref.Line && (best < 0 || res.Symbols[i].LineStart > res.Symbols[best].LineStart) {
				best = i
			}
		}
		if best < 0 {
			best = match[0]
		}
		return best, true
	}
	return 0, false
}

// compatible reports whether a reference of kind rk may bind to a symbol of
// kind sk.
func compatible(rk store.RefKind, sk store.Kind) bool {
	switch rk {
	case store.RefInherit:
		return sk == store.KindContainer
	case store.RefImport:
		return sk == store.KindNamespace
	default:
		return sk == store.KindCallable || sk == store.KindContainer
	}
}

type edgeKey struct {
	from, to string
	kind     store.EdgeKind
}

// edgeSet keeps local edges unique in first-seen order.
type edgeSet struct {
	seen  map[edgeKey]bool
	edges []store.Edge
}

func newEdgeSet() *edgeSet {
	return &edgeSet{seen: make(map[edgeKey]bool)}
}

func (s *edgeSet) add(from, to string, kind store.EdgeKind) {
	k := edgeKey{from, to, kind}
	if s.seen[k] {
		return
	}
	s.seen[k] = true
	s.edges = append(s.edges, store.Edge{FromURI: from, ToURI: to, Kind: kind, Confidence: 1, Origin: store.OriginLocal})
}

func (s *edgeSet) list() []store.Edge {
	return s.edges
}
