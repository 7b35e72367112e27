package store

import (
	"fmt"
	"strings"
)

const edgeCols = "from_uri, to_uri, kind, confidence, origin"

func (s *Store) queryEdges(query string, args ...any) ([]*Edge, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		e := &Edge{}
		var kind string
		if err := rows.Scan(&e.FromURI, &e.ToURI, &kind, &e.Confidence, &e.Origin); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = EdgeKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// kindFilter renders "AND kind IN (...)" for the given kinds, or nothing.
func kindFilter(kinds []EdgeKind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return " AND kind IN (" + placeholderList(len(kinds)) + ")", args
}

// EdgesFrom returns edges leaving uri, optionally restricted to kinds.
func (s *Store) EdgesFrom(uri string, kinds ...EdgeKind) ([]*Edge, error) {
	filter, kargs := kindFilter(kinds)
	edges, err := s.queryEdges(
		"SELECT "+edgeCols+" FROM edges WHERE from_uri = ?"+filter+" ORDER BY to_uri, kind",
		append([]any{uri}, kargs...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("edges from %s: %w", uri, err)
	}
	return edges, nil
}

// EdgesTo returns edges arriving at uri, optionally restricted to kinds.
func (s *Store) EdgesTo(uri string, kinds ...EdgeKind) ([]*Edge, error) {
	filter, kargs := kindFilter(kinds)
	edges, err := s.queryEdges(
		"SELECT "+edgeCols+" FROM edges WHERE to_uri = ?"+filter+" ORDER BY from_uri, kind",
		append([]any{uri}, kargs...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("edges to %s: %w", uri, err)
	}
	return edges, nil
}

// AllEdges returns every edge of the given kinds (all kinds when empty) in
// a stable order.
func (s *Store) AllEdges(kinds ...EdgeKind) ([]*Edge, error) {
	filter, kargs := kindFilter(kinds)
	where := ""
	if filter != "" {
		where = " WHERE" + strings.TrimPrefix(filter, " AND")
	}
	edges, err := s.queryEdges("SELECT "+edgeCols+" FROM edges"+where+" ORDER BY from_uri, to_uri, kind", kargs...)
	if err != nil {
		return nil, fmt.Errorf("all edges: %w", err)
	}
	return edges, nil
}

// DanglingEdgeCount counts edges whose endpoints are missing. It is zero
// for any store written through ReplaceFile and ApplyResolution.
func (s *Store) DanglingEdgeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM edges e
		WHERE NOT EXISTS (SELECT 1 FROM symbols WHERE uri = e.from_uri)
		   OR NOT EXISTS (SELECT 1 FROM symbols WHERE uri = e.to_uri)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dangling edges: %w", err)
	}
	return n, nil
}
