package store

import (
	"fmt"
	"sort"
)

// Validate checks the batch is self-contained: symbol URIs are unique and
// belong to the batch's file, local edges and residual references only
// name symbols of this batch. ReplaceFile refuses batches that fail.
func (b *FileBatch) Validate() error {
	if b.File.Path == "" {
		return fmt.Errorf("batch: empty file path")
	}
	uris := make(map[string]bool, len(b.Symbols))
	for _, sym := range b.Symbols {
		if sym.Path != b.File.Path {
			return fmt.Errorf("batch %s: symbol %s belongs to %s", b.File.Path, sym.URI, sym.Path)
		}
		if uris[sym.URI] {
			return fmt.Errorf("batch %s: duplicate symbol %s", b.File.Path, sym.URI)
		}
		uris[sym.URI] = true
	}
	for _, e := range b.Edges {
		if !uris[e.FromURI] || !uris[e.ToURI] {
			return fmt.Errorf("batch %s: edge %s -> %s leaves the file", b.File.Path, e.FromURI, e.ToURI)
		}
	}
	for _, r := range b.Refs {
		if !uris[r.FromURI] {
			return fmt.Errorf("batch %s: reference %q from unknown symbol %s", b.File.Path, r.Name, r.FromURI)
		}
	}
	return nil
}

// URIs returns the batch's symbol URIs, sorted.
func (b *FileBatch) URIs() []string {
	out := make([]string, 0, len(b.Symbols))
	for _, sym := range b.Symbols {
		out = append(out, sym.URI)
	}
	sort.Strings(out)
	return out
}

// diffURIs returns the URIs only in next (added) and only in prev (removed).
func diffURIs(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]bool, len(prev))
	for _, u := range prev {
		prevSet[u] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, u := range next {
		nextSet[u] = true
		if !prevSet[u] {
			added = append(added, u)
		}
	}
	for _, u := range prev {
		if !nextSet[u] {
			removed = append(removed, u)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
