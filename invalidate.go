package coderev

import (
	"sort"

	"github.com/been-there-done-that/coderev/internal/store"
)

// Invalidation accumulates what committed changes could have affected in the
// global resolution, between two passes.
type Invalidation struct {
	// Paths re-extracted or removed; their own references are redone.
	Paths map[string]bool
	// Names of symbols added or removed anywhere.
	Names map[string]bool
	// NamespacesChanged is set when a namespace symbol appeared or vanished,
	// which can change the outcome of any import reference.
	NamespacesChanged bool
	// Full forces a pass over every reference.
	Full bool
}

func newInvalidation() *Invalidation {
	return &Invalidation{Paths: make(map[string]bool), Names: make(map[string]bool)}
}

func (inv *Invalidation) add(r *store.Replacement) {
	inv.Paths[r.Path] = true
	for _, list := range [][]string{r.Added, r.Removed} {
		for _, u := range list {
			parsed, err := store.ParseURI(u)
			if err != nil {
				inv.Full = true
				continue
			}
			inv.Names[parsed.Name] = true
			if parsed.Kind == store.KindNamespace {
				inv.NamespacesChanged = true
			}
		}
	}
}

func (inv *Invalidation) merge(o *Invalidation) {
	for p := range o.Paths {
		inv.Paths[p] = true
	}
	for n := range o.Names {
		inv.Names[n] = true
	}
	inv.NamespacesChanged = inv.NamespacesChanged || o.NamespacesChanged
	inv.Full = inv.Full || o.Full
}

func (inv *Invalidation) empty() bool {
	return inv == nil || (!inv.Full && len(inv.Paths) == 0 && len(inv.Names) == 0 && !inv.NamespacesChanged)
}

// scope selects the references a targeted pass revisits: those in changed
// files, those left pending by a deleted target, those whose name (or the
// imported name behind their alias) changed, and every import reference when
// namespaces changed.
func (inv *Invalidation) scope() store.ResolutionScope {
	return store.ResolutionScope{
		Paths:   sortedKeys(inv.Paths),
		Names:   sortedKeys(inv.Names),
		Imports: inv.NamespacesChanged,
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
