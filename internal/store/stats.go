package store

import "fmt"

// RefCounts tallies residual references by their last global outcome.
type RefCounts struct {
	Total      int `json:"total"`
	Resolved   int `json:"resolved"`
	Ambiguous  int `json:"ambiguous"`
	Unresolved int `json:"unresolved"`
	Pending    int `json:"pending"`
}

// LanguageCoverage reports, per language, how many deferred references the
// global pass managed to bind.
type LanguageCoverage struct {
	Language string  `json:"language"`
	Files    int     `json:"files"`
	Symbols  int     `json:"symbols"`
	Refs     int     `json:"refs"`
	Linked   int     `json:"linked"`
	Coverage float64 `json:"coverage"`
}

// Stats summarises the graph.
type Stats struct {
	Files         int                `json:"files"`
	FilesByStatus map[string]int     `json:"files_by_status"`
	Symbols       int                `json:"symbols"`
	SymbolsByKind map[string]int     `json:"symbols_by_kind"`
	Edges         int                `json:"edges"`
	EdgesByKind   map[string]int     `json:"edges_by_kind"`
	Refs          RefCounts          `json:"references"`
	Languages     []LanguageCoverage `json:"languages"`
	Embeddings    int                `json:"embeddings"`
}

func (s *Store) countBy(query string) (map[string]int, int, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make(map[string]int)
	total := 0
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, 0, err
		}
		out[key] = n
		total += n
	}
	return out, total, rows.Err()
}

// Stats computes symbol, edge, reference and coverage counts.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{Languages: []LanguageCoverage{}}
	var err error
	if st.FilesByStatus, st.Files, err = s.countBy("SELECT status, COUNT(*) FROM files GROUP BY status"); err != nil {
		return nil, fmt.Errorf("stats: files: %w", err)
	}
	if st.SymbolsByKind, st.Symbols, err = s.countBy("SELECT kind, COUNT(*) FROM symbols GROUP BY kind"); err != nil {
		return nil, fmt.Errorf("stats: symbols: %w", err)
	}
	if st.EdgesByKind, st.Edges, err = s.countBy("SELECT kind, COUNT(*) FROM edges GROUP BY kind"); err != nil {
		return nil, fmt.Errorf("stats: edges: %w", err)
	}
	byStatus, total, err := s.countBy("SELECT status, COUNT(*) FROM unresolved_refs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats: references: %w", err)
	}
	st.Refs = RefCounts{
		Total:      total,
		Resolved:   byStatus[string(RefResolved)],
		Ambiguous:  byStatus[string(RefAmbiguous)],
		Unresolved: byStatus[string(RefUnresolved)],
		Pending:    byStatus[string(RefPending)],
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&st.Embeddings); err != nil {
		return nil, fmt.Errorf("stats: embeddings: %w", err)
	}

	rows, err := s.db.Query(`SELECT f.language,
			COUNT(DISTINCT f.path),
			(SELECT COUNT(*) FROM symbols s JOIN files f2 ON f2.path = s.path WHERE f2.language = f.language),
			(SELECT COUNT(*) FROM unresolved_refs r JOIN files f3 ON f3.path = r.path WHERE f3.language = f.language),
			(SELECT COUNT(*) FROM unresolved_refs r JOIN files f4 ON f4.path = r.path
				WHERE f4.language = f.language AND r.status IN ('resolved', 'ambiguous'))
		FROM files f GROUP BY f.language ORDER BY f.language`)
	if err != nil {
		return nil, fmt.Errorf("stats: coverage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lc LanguageCoverage
		if err := rows.Scan(&lc.Language, &lc.Files, &lc.Symbols, &lc.Refs, &lc.Linked); err != nil {
			return nil, fmt.Errorf("stats: scan coverage: %w", err)
		}
		if lc.Refs > 0 {
			lc.Coverage = float64(lc.Linked) / float64(lc.Refs)
		}
		st.Languages = append(st.Languages, lc)
	}
	return st, rows.Err()
}
