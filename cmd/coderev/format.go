package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/been-there-done-that/coderev"
)

// formatSearchText formats search hits as aligned columns.
func formatSearchText(w io.Writer, hits []CLISearchHit) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tNAME\tKIND\tLOCATION")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s:%d\n", h.Score, h.Symbol.Name, h.Symbol.Kind, h.Symbol.Path, h.Symbol.StartLine)
	}
	tw.Flush()
}

// formatCallEdgesText formats callers or callees as aligned columns.
func formatCallEdgesText(w io.Writer, edges []CLICallEdge) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONFIDENCE\tNAME\tLOCATION\tURI")
	for _, e := range edges {
		fmt.Fprintf(tw, "%.2f\t%s\t%s:%d\t%s\n", e.Confidence, e.Symbol.Name, e.Symbol.Path, e.Symbol.StartLine, e.Symbol.URI)
	}
	tw.Flush()
}

// formatImpactText prints one indented line per node, grouped by depth.
func formatImpactText(w io.Writer, r CLIImpact) {
	fmt.Fprintf(w, "Impact of %s (%s, depth %d)\n", r.Root, r.Direction, r.Depth)
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "%s%s  %.2f  %s:%d\n", strings.Repeat("  ", n.Depth), n.Symbol.Name, n.Confidence, n.Symbol.Path, n.Symbol.StartLine)
	}
}

// formatIndexText summarises an index run.
func formatIndexText(w io.Writer, r CLIIndex) {
	if r.Index != nil {
		fmt.Fprintf(w, "Files: %d indexed, %d fallback, %d unchanged, %d removed, %d skipped, %d failed\n",
			r.Index.Indexed, r.Index.Fallback, r.Index.Unchanged, r.Index.Removed, r.Index.Skipped, len(r.Index.Failed))
		for _, f := range r.Index.Failed {
			fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Err)
		}
	}
	if r.Resolve != nil && r.Resolve.References > 0 {
		formatResolveText(w, r.Resolve)
	}
	fmt.Fprintf(w, "Embeddings: %d\n", r.Embeddings)
	fmt.Fprintf(w, "Database: %s\n", r.Database)
}

// formatResolveText summarises a global resolution pass.
func formatResolveText(w io.Writer, r *coderev.ResolveReport) {
	mode := "targeted"
	if r.Full {
		mode = "full"
	}
	fmt.Fprintf(w, "References (%s): %d resolved, %d ambiguous, %d unresolved\n",
		mode, r.Resolved, r.Ambiguous, r.Unresolved)
}

// formatStatsText formats graph stats as readable text.
func formatStatsText(w io.Writer, s *coderev.Stats) {
	fmt.Fprintln(w, "Graph Summary")
	fmt.Fprintln(w, "=============")
	fmt.Fprintf(w, "Files: %d %s\n", s.Files, countsText(s.FilesByStatus))
	fmt.Fprintf(w, "Symbols: %d %s\n", s.Symbols, countsText(s.SymbolsByKind))
	fmt.Fprintf(w, "Edges: %d %s\n", s.Edges, countsText(s.EdgesByKind))
	fmt.Fprintf(w, "References: %d (resolved %d, ambiguous %d, unresolved %d, pending %d)\n",
		s.Refs.Total, s.Refs.Resolved, s.Refs.Ambiguous, s.Refs.Unresolved, s.Refs.Pending)
	fmt.Fprintf(w, "Embeddings: %d\n", s.Embeddings)

	if len(s.Languages) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LANGUAGE\tFILES\tSYMBOLS\tREFS\tLINKED\tCOVERAGE")
		for _, l := range s.Languages {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.0f%%\n", l.Language, l.Files, l.Symbols, l.Refs, l.Linked, l.Coverage*100)
		}
		tw.Flush()
	}
}

// countsText renders a count map as "(a 1, b 2)" in key order.
func countsText(m map[string]int) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, m[k]))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// outputResultText dispatches to the text formatter for the result type.
func outputResultText(result CLIResult) error {
	w := stdout
	switch v := result.Results.(type) {
	case []CLISearchHit:
		formatSearchText(w, v)
	case []CLICallEdge:
		formatCallEdgesText(w, v)
	case CLIImpact:
		formatImpactText(w, v)
	case CLIIndex:
		formatIndexText(w, v)
	case *coderev.Stats:
		formatStatsText(w, v)
	case *coderev.ResolveReport:
		formatResolveText(w, v)
	case CLIEmbed:
		fmt.Fprintf(w, "Embedded %d symbols (%d total)\n", v.Embedded, v.Total)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
