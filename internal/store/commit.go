package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReplaceFile swaps everything recorded for batch.File.Path for the batch's
// contents within a single transaction: the old symbols, every edge touching
// them, their embeddings, the file's residual references and imports are
// deleted, references elsewhere that resolved into the file are reset to
// pending, and the new data is inserted. Readers see either the old or the
// new file, never a mix. Writers of the same path are serialized.
//
// Insert order respects FK dependencies:
//  1. File record
//  2. Symbols
//  3. Local edges (both endpoints in this batch)
//  4. Residual references (from_uri in this batch)
//  5. Imports
func (s *Store) ReplaceFile(ctx context.Context, batch *FileBatch) (*Replacement, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("replace file: %w", err)
	}
	path := batch.File.Path

	unlock := s.locks.lock(path)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("replace file %s: begin: %w", path, err)
	}
	defer tx.Rollback()

	prev, existed, err := fileURIsTx(tx, path)
	if err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := clearFileTx(tx, path); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := upsertFileTx(tx, &batch.File); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := insertSymbolsTx(tx, batch.Symbols); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := insertEdgesTx(tx, batch.Edges); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := insertRefsTx(tx, path, batch.Refs); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := insertImportsTx(tx, path, batch.Imports); err != nil {
		return nil, fmt.Errorf("replace file %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("replace file %s: commit: %w", path, err)
	}

	added, removed := diffURIs(prev, batch.URIs())
	return &Replacement{Path: path, Added: added, Removed: removed, Created: !existed}, nil
}

// RemoveFile deletes a file and everything derived from it in one
// transaction. Removing an unknown path is a no-op.
func (s *Store) RemoveFile(ctx context.Context, path string) (*Replacement, error) {
	unlock := s.locks.lock(path)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("remove file %s: begin: %w", path, err)
	}
	defer tx.Rollback()

	prev, existed, err := fileURIsTx(tx, path)
	if err != nil {
		return nil, fmt.Errorf("remove file %s: %w", path, err)
	}
	if !existed {
		return &Replacement{Path: path}, nil
	}
	if err := clearFileTx(tx, path); err != nil {
		return nil, fmt.Errorf("remove file %s: %w", path, err)
	}
	if _, err := tx.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		return nil, fmt.Errorf("remove file %s: delete record: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("remove file %s: commit: %w", path, err)
	}
	return &Replacement{Path: path, Removed: prev}, nil
}

func fileURIsTx(tx *sql.Tx, path string) ([]string, bool, error) {
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM files WHERE path = ?", path).Scan(&n); err != nil {
		return nil, false, fmt.Errorf("lookup file: %w", err)
	}
	rows, err := tx.Query("SELECT uri FROM symbols WHERE path = ? ORDER BY uri", path)
	if err != nil {
		return nil, false, fmt.Errorf("load symbols: %w", err)
	}
	defer rows.Close()
	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, false, fmt.Errorf("scan uri: %w", err)
		}
		uris = append(uris, uri)
	}
	return uris, n > 0, rows.Err()
}

// clearFileTx deletes a file's derived data, leaving the file record.
func clearFileTx(tx *sql.Tx, path string) error {
	stmts := []struct {
		label string
		query string
		args  []any
	}{
		{"reset inbound references", `UPDATE unresolved_refs
			SET status = 'pending', target_uri = NULL, tier = 0, candidates = 0, confidence = 0
			WHERE path != ? AND target_uri IN (SELECT uri FROM symbols WHERE path = ?)`, []any{path, path}},
		{"delete edges", `DELETE FROM edges
			WHERE from_uri IN (SELECT uri FROM symbols WHERE path = ?)
			   OR to_uri IN (SELECT uri FROM symbols WHERE path = ?)`, []any{path, path}},
		{"delete embeddings", "DELETE FROM embeddings WHERE uri IN (SELECT uri FROM symbols WHERE path = ?)", []any{path}},
		{"delete references", "DELETE FROM unresolved_refs WHERE path = ?", []any{path}},
		{"delete imports", "DELETE FROM imports WHERE path = ?", []any{path}},
		{"delete symbols", "DELETE FROM symbols WHERE path = ?", []any{path}},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.query, st.args...); err != nil {
			return fmt.Errorf("%s: %w", st.label, err)
		}
	}
	return nil
}

// --- Transaction-scoped insert helpers ---

func upsertFileTx(tx *sql.Tx, f *File) error {
	status := f.Status
	if status == "" {
		status = FileOK
	}
	_, err := tx.Exec(
		`INSERT INTO files (path, language, module, hash, last_indexed, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			language = excluded.language, module = excluded.module, hash = excluded.hash,
			last_indexed = excluded.last_indexed, status = excluded.status, error = excluded.error`,
		f.Path, f.Language, f.Module, f.Hash, f.LastIndexed, status, f.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

func insertSymbolsTx(tx *sql.Tx, symbols []Symbol) error {
	stmt, err := tx.Prepare(`INSERT INTO symbols
		(uri, kind, name, path, line_start, line_end, signature, doc, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer stmt.Close()
	for _, sym := range symbols {
		if _, err := stmt.Exec(sym.URI, string(sym.Kind), sym.Name, sym.Path,
			sym.LineStart, sym.LineEnd, sym.Signature, sym.Doc, sym.Content); err != nil {
			return fmt.Errorf("insert symbol %s: %w", sym.URI, err)
		}
	}
	return nil
}

func insertEdgesTx(tx *sql.Tx, edges []Edge) error {
	stmt, err := tx.Prepare(`INSERT INTO edges (from_uri, to_uri, kind, confidence, origin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_uri, to_uri, kind) DO UPDATE SET confidence = MAX(confidence, excluded.confidence)`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range edges {
		origin := e.Origin
		if origin == "" {
			origin = OriginLocal
		}
		if _, err := stmt.Exec(e.FromURI, e.ToURI, string(e.Kind), e.Confidence, origin); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", e.FromURI, e.ToURI, err)
		}
	}
	return nil
}

func insertRefsTx(tx *sql.Tx, path string, refs []ResidualRef) error {
	stmt, err := tx.Prepare(`INSERT INTO unresolved_refs
		(path, from_uri, name, receiver, kind, line, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`)
	if err != nil {
		return fmt.Errorf("prepare reference insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range refs {
		if _, err := stmt.Exec(path, r.FromURI, r.Name, r.Receiver, string(r.Kind), r.Line); err != nil {
			return fmt.Errorf("insert reference %q: %w", r.Name, err)
		}
	}
	return nil
}

func insertImportsTx(tx *sql.Tx, path string, imports []Import) error {
	stmt, err := tx.Prepare(`INSERT INTO imports (path, namespace, name, alias, line) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare import insert: %w", err)
	}
	defer stmt.Close()
	for _, imp := range imports {
		if _, err := stmt.Exec(path, imp.Namespace, imp.Name, imp.Alias, imp.Line); err != nil {
			return fmt.Errorf("insert import %q: %w", imp.Namespace, err)
		}
	}
	return nil
}
