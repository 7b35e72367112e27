package coderev

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/been-there-done-that/coderev/internal/embed"
	"github.com/been-there-done-that/coderev/internal/store"
)

// QueryBuilder is the read-only query API over the Store. It is safe to use
// while indexing runs.
type QueryBuilder struct {
	store    *store.Store
	embedder embed.Provider
	logger   *slog.Logger
}

// Keyword match scores.
const (
	scoreExact     = 1.0
	scorePrefix    = 0.9
	scoreSubstring = 0.8
	scoreText      = 0.6
)

// SearchResult is one ranked search hit.
type SearchResult struct {
	Symbol   *Symbol `json:"symbol"`
	Score    float64 `json:"score"`
	Keyword  float64 `json:"keyword"`
	Semantic float64 `json:"semantic"`
}

// SearchOptions narrows a Search. The zero value returns every hit of every
// kind and uses the embedder when one is configured.
type SearchOptions struct {
	Limit int
	// Kinds keeps only symbols of these kinds. Empty means all.
	Kinds []Kind
	// Exact disables semantic scoring; only keyword matches are returned.
	Exact bool
}

// Search ranks symbols by keyword match over name, signature and doc, plus
// cosine similarity against stored vectors when an embedder is configured.
// An embedder that fails or times out only drops the semantic half.
func (q *QueryBuilder) Search(ctx context.Context, text string, opts SearchOptions) ([]SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	hits := make(map[string]*SearchResult)

	syms, err := q.store.SearchSymbols(text, 0)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	for _, sym := range syms {
		hits[sym.URI] = &SearchResult{Symbol: sym, Keyword: keywordScore(sym, text)}
	}

	if q.embedder != nil && !opts.Exact {
		if err := q.addSemantic(ctx, text, hits); err != nil {
			return nil, err
		}
	}

	kinds := make(map[Kind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kinds[k] = true
	}
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if len(kinds) > 0 && !kinds[h.Symbol.Kind] {
			continue
		}
		h.Score = h.Keyword + h.Semantic
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if (a.Keyword > 0) != (b.Keyword > 0) {
			return a.Keyword > 0
		}
		return a.Symbol.URI < b.Symbol.URI
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (q *QueryBuilder) addSemantic(ctx context.Context, text string, hits map[string]*SearchResult) error {
	vec, err := q.embedder.Embed(ctx, text)
	if err != nil {
		q.logger.Warn("semantic search skipped", "error", err)
		return nil
	}
	vectors, err := q.store.Embeddings(q.embedder.Model())
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	var missing []string
	scores := make(map[string]float64, len(vectors))
	for uri, v := range vectors {
		sim := embed.Cosine(vec, v)
		if sim <= 0 {
			continue
		}
		scores[uri] = sim
		if _, ok := hits[uri]; !ok {
			missing = append(missing, uri)
		}
	}
	syms, err := q.store.SymbolsByURIs(missing)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for uri, sim := range scores {
		if h, ok := hits[uri]; ok {
			h.Semantic = sim
			continue
		}
		if sym := syms[uri]; sym != nil {
			hits[uri] = &SearchResult{Symbol: sym, Semantic: sim}
		}
	}
	return nil
}

func keywordScore(sym *Symbol, text string) float64 {
	name, t := strings.ToLower(sym.Name), strings.ToLower(text)
	switch {
	case name == t:
		return scoreExact
	case strings.HasPrefix(name, t):
		return scorePrefix
	case strings.Contains(name, t):
		return scoreSubstring
	case strings.Contains(strings.ToLower(sym.Signature), t),
		strings.Contains(strings.ToLower(sym.Doc), t):
		return scoreText
	}
	return 0
}

// CallEdge is one direct call relationship seen from the queried symbol.
type CallEdge struct {
	Symbol     *Symbol `json:"symbol"`
	Confidence float64 `json:"confidence"`
	Origin     string  `json:"origin"`
}

// Callers returns the symbols that call uri.
func (q *QueryBuilder) Callers(uri string) ([]CallEdge, error) {
	edges, err := q.store.EdgesTo(uri, store.EdgeCalls)
	if err != nil {
		return nil, fmt.Errorf("callers: %w", err)
	}
	return q.callEdges(edges, func(e *Edge) string { return e.FromURI })
}

// Callees returns the symbols uri calls.
func (q *QueryBuilder) Callees(uri string) ([]CallEdge, error) {
	edges, err := q.store.EdgesFrom(uri, store.EdgeCalls)
	if err != nil {
		return nil, fmt.Errorf("callees: %w", err)
	}
	return q.callEdges(edges, func(e *Edge) string { return e.ToURI })
}

func (q *QueryBuilder) callEdges(edges []*Edge, other func(*Edge) string) ([]CallEdge, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	uris := make([]string, len(edges))
	for i, e := range edges {
		uris[i] = other(e)
	}
	syms, err := q.store.SymbolsByURIs(uris)
	if err != nil {
		return nil, err
	}
	out := make([]CallEdge, 0, len(edges))
	for _, e := range edges {
		sym := syms[other(e)]
		if sym == nil {
			continue
		}
		out = append(out, CallEdge{Symbol: sym, Confidence: e.Confidence, Origin: e.Origin})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Symbol.URI < out[j].Symbol.URI
	})
	return out, nil
}

// Lookup resolves a full symbol URI, the short form path#name, or a bare
// symbol name to the matching symbols.
func (q *QueryBuilder) Lookup(ref string) ([]*Symbol, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, nil
	case strings.HasPrefix(ref, store.URIScheme):
		sym, err := q.store.SymbolByURI(ref)
		if err != nil || sym == nil {
			return nil, err
		}
		return []*Symbol{sym}, nil
	}
	if path, name, ok := strings.Cut(ref, "#"); ok {
		syms, err := q.store.SymbolsByPathAndName(path, name)
		if err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}
		return syms, nil
	}
	syms, err := q.store.SymbolsByName(ref)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return syms, nil
}

// Stats summarises the graph: counts by kind, reference outcomes and
// per-language coverage.
func (q *QueryBuilder) Stats() (*Stats, error) {
	return q.store.Stats()
}
