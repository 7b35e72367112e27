package main

import (
	"github.com/been-there-done-that/coderev"
)

// CLIResult is the top-level JSON envelope for every command.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLISymbol is a JSON-friendly symbol representation.
type CLISymbol struct {
	URI       string `json:"uri"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Signature string `json:"signature,omitempty"`
}

// CLISearchHit is one ranked search result.
type CLISearchHit struct {
	Symbol   CLISymbol `json:"symbol"`
	Score    float64   `json:"score"`
	Keyword  float64   `json:"keyword"`
	Semantic float64   `json:"semantic"`
}

// CLICallEdge is a direct call seen from the queried symbol.
type CLICallEdge struct {
	Symbol     CLISymbol `json:"symbol"`
	Confidence float64   `json:"confidence"`
	Origin     string    `json:"origin"`
}

// CLIImpactNode is a symbol reached by an impact traversal.
type CLIImpactNode struct {
	Symbol     CLISymbol `json:"symbol"`
	Depth      int       `json:"depth"`
	Confidence float64   `json:"confidence"`
}

// CLIImpact is the reachable subgraph of an impact query.
type CLIImpact struct {
	Root      string          `json:"root"`
	Direction string          `json:"direction"`
	Depth     int             `json:"depth"`
	Nodes     []CLIImpactNode `json:"nodes"`
}

// CLIIndex summarises an index run.
type CLIIndex struct {
	Database   string                 `json:"database"`
	Index      *coderev.IndexReport   `json:"index"`
	Resolve    *coderev.ResolveReport `json:"resolve"`
	Embeddings int                    `json:"embeddings"`
}

// CLIEmbed summarises an embedding pass.
type CLIEmbed struct {
	Embedded int `json:"embedded"`
	Total    int `json:"total"`
}

func symbolToCLI(sym *coderev.Symbol) CLISymbol {
	return CLISymbol{
		URI:       sym.URI,
		Name:      sym.Name,
		Kind:      string(sym.Kind),
		Path:      sym.Path,
		StartLine: sym.LineStart,
		EndLine:   sym.LineEnd,
		Signature: sym.Signature,
	}
}

func searchToCLI(results []coderev.SearchResult) []CLISearchHit {
	out := make([]CLISearchHit, 0, len(results))
	for _, r := range results {
		out = append(out, CLISearchHit{
			Symbol: symbolToCLI(r.Symbol), Score: r.Score, Keyword: r.Keyword, Semantic: r.Semantic,
		})
	}
	return out
}

func callEdgesToCLI(edges []coderev.CallEdge) []CLICallEdge {
	out := make([]CLICallEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, CLICallEdge{Symbol: symbolToCLI(e.Symbol), Confidence: e.Confidence, Origin: e.Origin})
	}
	return out
}

func impactToCLI(r *coderev.ImpactResult) CLIImpact {
	out := CLIImpact{Root: r.Root, Direction: string(r.Direction), Depth: r.Depth, Nodes: []CLIImpactNode{}}
	for _, n := range r.Nodes {
		out.Nodes = append(out.Nodes, CLIImpactNode{Symbol: symbolToCLI(n.Symbol), Depth: n.Depth, Confidence: n.Confidence})
	}
	return out
}
