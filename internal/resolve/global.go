package resolve

import (
	"path"
	"strings"

	"github.com/been-there-done-that/coderev/internal/store"
)

// Confidence assigned per tier to a sole candidate, and to the pick among
// several.
const (
	ConfidenceImport    = 0.95
	ConfidenceNamespace = 0.8
	ConfidenceGlobal    = 0.5
	ConfidenceAmbiguous = 0.3
)

// Tiers, recorded on every outcome that found candidates.
const (
	TierImport    = 1
	TierNamespace = 2
	TierGlobal    = 3
)

// Resolve decides every reference in the snapshot. Outcomes come back in
// reference id order and depend only on the snapshot.
func Resolve(snap *store.Snapshot) []store.Outcome {
	out := make([]store.Outcome, 0, len(snap.Refs))
	for _, ref := range snap.Refs {
		out = append(out, resolveRef(snap, ref))
	}
	return out
}

func resolveRef(snap *store.Snapshot, ref store.ResidualRef) store.Outcome {
	o := store.Outcome{RefID: ref.ID, FromURI: ref.FromURI, Status: store.RefUnresolved}

	tiers := candidateTiers(snap, ref)
	for i, cands := range tiers {
		if len(cands) == 0 {
			continue
		}
		o.Tier = i + 1
		o.Candidates = len(cands)
		if len(cands) == 1 {
			o.Status = store.RefResolved
			o.TargetURI = cands[0].URI
			o.Confidence = tierConfidence(o.Tier)
			return o
		}
		o.Status = store.RefAmbiguous
		o.TargetURI = closest(ref.Path, cands).URI
		o.Confidence = ConfidenceAmbiguous
		return o
	}
	return o
}

func tierConfidence(tier int) float64 {
	switch tier {
	case TierImport:
		return ConfidenceImport
	case TierNamespace:
		return ConfidenceNamespace
	default:
		return ConfidenceGlobal
	}
}

// candidateTiers returns the import, same-directory and global candidate
// sets, each in URI order.
func candidateTiers(snap *store.Snapshot, ref store.ResidualRef) [3][]store.Candidate {
	var tiers [3][]store.Candidate
	imports := snap.Imports[ref.Path]

	if ref.Kind == store.RefImport {
		for _, c := range snap.Namespaces {
			if c.Path != ref.Path && c.URI != ref.FromURI && moduleMatches(snap.Modules[c.Path], ref.Name) {
				tiers[0] = append(tiers[0], c)
			}
		}
		return tiers
	}

	name, namespaces, useImports := importScope(imports, ref)
	dir := path.Dir(ref.Path)
	for _, c := range snap.Candidates[name] {
		if c.URI == ref.FromURI || !compatible(ref.Kind, c.Kind) {
			continue
		}
		if useImports && matchesAny(snap.Modules[c.Path], namespaces) {
			tiers[0] = append(tiers[0], c)
		}
		if path.Dir(c.Path) == dir {
			tiers[1] = append(tiers[1], c)
		}
		tiers[2] = append(tiers[2], c)
	}
	// Tiers (b) and (c) use the written name, not the alias target.
	if name != ref.Name {
		tiers[1], tiers[2] = nil, nil
		for _, c := range snap.Candidates[ref.Name] {
			if c.URI == ref.FromURI || !compatible(ref.Kind, c.Kind) {
				continue
			}
			if path.Dir(c.Path) == dir {
				tiers[1] = append(tiers[1], c)
			}
			tiers[2] = append(tiers[2], c)
		}
	}
	return tiers
}

// importScope works out which name to look up and which imported namespaces
// the import tier may search. A receiver bound by an import restricts the
// tier to that import; an unbound receiver disables it. An alias naming an
// imported member rewrites the looked-up name.
func importScope(imports []store.Import, ref store.ResidualRef) (name string, namespaces []string, ok bool) {
	name = ref.Name
	if ref.Receiver != "" && !selfReceivers[ref.Receiver] {
		for _, imp := range imports {
			if !bindsReceiver(imp, ref.Receiver) {
				continue
			}
			if imp.Name != "" {
				// from pkg import mod; mod.f()
				namespaces = append(namespaces, imp.Namespace+"/"+imp.Name)
			} else {
				namespaces = append(namespaces, imp.Namespace)
			}
		}
		return name, namespaces, len(namespaces) > 0
	}
	for _, imp := range imports {
		if imp.Alias == ref.Name && imp.Name != "" {
			return imp.Name, []string{imp.Namespace}, true
		}
	}
	for _, imp := range imports {
		if imp.Name == "" || imp.Name == name {
			namespaces = append(namespaces, imp.Namespace)
		}
	}
	return name, namespaces, len(namespaces) > 0
}

// bindsReceiver reports whether a whole-module import introduces the
// receiver name: through its alias, or as the namespace itself or its last
// segment when unaliased.
func bindsReceiver(imp store.Import, recv string) bool {
	if imp.Name != "" {
		return imp.Alias == recv || (imp.Alias == "" && imp.Name == recv)
	}
	if imp.Alias != "" {
		return imp.Alias == recv
	}
	if imp.Namespace == recv {
		return true
	}
	return lastSegment(normalizeModule(imp.Namespace)) == recv
}

func matchesAny(module string, namespaces []string) bool {
	for _, ns := range namespaces {
		if moduleMatches(module, ns) {
			return true
		}
	}
	return false
}

// moduleMatches compares a file's module key with an imported namespace.
// Dots and slashes are interchangeable and either side may be a suffix of the
// other on a segment boundary.
func moduleMatches(module, namespace string) bool {
	m, n := normalizeModule(module), normalizeModule(namespace)
	if m == "" || n == "" {
		return false
	}
	return m == n || strings.HasSuffix(m, "/"+n) || strings.HasSuffix(n, "/"+m)
}

func normalizeModule(s string) string {
	s = strings.ReplaceAll(s, ".", "/")
	return strings.Trim(s, "/")
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// closest picks the candidate sharing the most leading directory segments
// with from. Candidates arrive in URI order, so the first maximum wins ties.
func closest(from string, cands []store.Candidate) store.Candidate {
	best, bestScore := cands[0], -1
	for _, c := range cands {
		if s := commonSegments(path.Dir(from), path.Dir(c.Path)); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func commonSegments(a, b string) int {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] && as[n] != "." {
		n++
	}
	return n
}
