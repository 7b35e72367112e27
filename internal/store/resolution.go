package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// ResolutionScope selects the residual references a global pass revisits.
// Full selects all of them; otherwise the union of the listed criteria.
type ResolutionScope struct {
	Full bool
	// Paths selects references recorded for these files.
	Paths []string
	// Names selects references whose written name, or the imported name
	// behind an alias they use, is one of these.
	Names []string
	// Imports selects every import reference.
	Imports bool
}

// Snapshot is a consistent read of everything the global resolver needs.
type Snapshot struct {
	Refs       []ResidualRef
	Candidates map[string][]Candidate // by name, sorted by URI
	Namespaces []Candidate            // sorted by URI
	Modules    map[string]string      // file path -> module key
	Imports    map[string][]Import    // file path -> imports, for referencing files
}

const refCols = `id, path, from_uri, name, receiver, kind, line, status,
	COALESCE(target_uri, ''), tier, candidates, confidence`

func scanRef(scanner interface{ Scan(...any) error }) (ResidualRef, error) {
	var r ResidualRef
	var kind, status string
	err := scanner.Scan(&r.ID, &r.Path, &r.FromURI, &r.Name, &r.Receiver, &kind, &r.Line,
		&status, &r.TargetURI, &r.Tier, &r.Candidates, &r.Confidence)
	r.Kind = RefKind(kind)
	r.Status = RefStatus(status)
	return r, err
}

func collectRefs(tx *sql.Tx, into map[int64]ResidualRef, query string, args ...any) error {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return fmt.Errorf("scan reference: %w", err)
		}
		into[r.ID] = r
	}
	return rows.Err()
}

// LoadResolutionSnapshot reads the references selected by scope together with
// candidate symbols, file modules and imports, all inside one read
// transaction so the resolver sees a single point in time.
func (s *Store) LoadResolutionSnapshot(ctx context.Context, scope ResolutionScope) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	refs := make(map[int64]ResidualRef)
	base := "SELECT " + refCols + " FROM unresolved_refs"
	if scope.Full {
		if err := collectRefs(tx, refs, base); err != nil {
			return nil, fmt.Errorf("snapshot: all references: %w", err)
		}
	} else {
		for _, chunk := range chunkStrings(dedupeStrings(scope.Paths), maxInArgs) {
			q := base + " WHERE path IN (" + placeholderList(len(chunk)) + ")"
			if err := collectRefs(tx, refs, q, stringsToArgs(chunk)...); err != nil {
				return nil, fmt.Errorf("snapshot: references by path: %w", err)
			}
		}
		if err := collectRefs(tx, refs, base+" WHERE status = ?", string(RefPending)); err != nil {
			return nil, fmt.Errorf("snapshot: pending references: %w", err)
		}
		for _, chunk := range chunkStrings(dedupeStrings(scope.Names), maxInArgs) {
			ph := placeholderList(len(chunk))
			args := stringsToArgs(chunk)
			if err := collectRefs(tx, refs, base+" WHERE name IN ("+ph+")", args...); err != nil {
				return nil, fmt.Errorf("snapshot: references by name: %w", err)
			}
			aliased := "SELECT " + prefixRefCols("r") + ` FROM unresolved_refs r
				JOIN imports i ON i.path = r.path AND i.alias = r.name
				WHERE i.name IN (` + ph + ")"
			if err := collectRefs(tx, refs, aliased, args...); err != nil {
				return nil, fmt.Errorf("snapshot: references by alias: %w", err)
			}
		}
		if scope.Imports {
			if err := collectRefs(tx, refs, base+" WHERE kind = ?", string(RefImport)); err != nil {
				return nil, fmt.Errorf("snapshot: import references: %w", err)
			}
		}
	}

	snap := &Snapshot{
		Candidates: make(map[string][]Candidate),
		Modules:    make(map[string]string),
		Imports:    make(map[string][]Import),
	}
	for _, r := range refs {
		snap.Refs = append(snap.Refs, r)
	}
	sort.Slice(snap.Refs, func(i, j int) bool { return snap.Refs[i].ID < snap.Refs[j].ID })

	if err := loadModulesTx(tx, snap); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	var refPaths, names []string
	needNamespaces := false
	for _, r := range snap.Refs {
		refPaths = append(refPaths, r.Path)
		names = append(names, r.Name)
		if r.Kind == RefImport {
			needNamespaces = true
		}
	}
	if err := loadImportsTx(tx, snap, dedupeStrings(refPaths)); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, imps := range snap.Imports {
		for _, imp := range imps {
			names = append(names, imp.Name)
		}
	}
	if err := loadCandidatesTx(tx, snap, dedupeStrings(names)); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if needNamespaces {
		ns, err := queryCandidatesTx(tx, "SELECT uri, kind, name, path FROM symbols WHERE kind = ? ORDER BY uri", string(KindNamespace))
		if err != nil {
			return nil, fmt.Errorf("snapshot: namespaces: %w", err)
		}
		snap.Namespaces = ns
	}
	return snap, tx.Commit()
}

func prefixRefCols(alias string) string {
	return alias + ".id, " + alias + ".path, " + alias + ".from_uri, " + alias + ".name, " +
		alias + ".receiver, " + alias + ".kind, " + alias + ".line, " + alias + ".status, COALESCE(" +
		alias + ".target_uri, ''), " + alias + ".tier, " + alias + ".candidates, " + alias + ".confidence"
}

func loadModulesTx(tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.Query("SELECT path, module FROM files")
	if err != nil {
		return fmt.Errorf("modules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path, module string
		if err := rows.Scan(&path, &module); err != nil {
			return fmt.Errorf("scan module: %w", err)
		}
		snap.Modules[path] = module
	}
	return rows.Err()
}

func loadImportsTx(tx *sql.Tx, snap *Snapshot, paths []string) error {
	for _, chunk := range chunkStrings(paths, maxInArgs) {
		rows, err := tx.Query(
			"SELECT id, path, namespace, name, alias, line FROM imports WHERE path IN ("+placeholderList(len(chunk))+") ORDER BY id",
			stringsToArgs(chunk)...,
		)
		if err != nil {
			return fmt.Errorf("imports: %w", err)
		}
		for rows.Next() {
			var imp Import
			if err := rows.Scan(&imp.ID, &imp.Path, &imp.Namespace, &imp.Name, &imp.Alias, &imp.Line); err != nil {
				rows.Close()
				return fmt.Errorf("scan import: %w", err)
			}
			snap.Imports[imp.Path] = append(snap.Imports[imp.Path], imp)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

func loadCandidatesTx(tx *sql.Tx, snap *Snapshot, names []string) error {
	for _, chunk := range chunkStrings(names, maxInArgs) {
		cands, err := queryCandidatesTx(tx,
			"SELECT uri, kind, name, path FROM symbols WHERE name IN ("+placeholderList(len(chunk))+") ORDER BY uri",
			stringsToArgs(chunk)...,
		)
		if err != nil {
			return fmt.Errorf("candidates: %w", err)
		}
		for _, c := range cands {
			snap.Candidates[c.Name] = append(snap.Candidates[c.Name], c)
		}
	}
	return nil
}

func queryCandidatesTx(tx *sql.Tx, query string, args ...any) ([]Candidate, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var kind string
		if err := rows.Scan(&c.URI, &kind, &c.Name, &c.Path); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Kind = Kind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// materializeEdgesSQL rebuilds global edges from resolved references as the
// strongest confidence per (from, to, kind). The joins drop any reference
// whose endpoints no longer exist, so no dangling edge is written. Edges a
// local pass already produced win the conflict.
const materializeEdgesSQL = `INSERT INTO edges (from_uri, to_uri, kind, confidence, origin)
	SELECT r.from_uri, r.target_uri,
		CASE r.kind WHEN 'inherit' THEN 'inherits' WHEN 'import' THEN 'imports' ELSE 'calls' END,
		MAX(r.confidence), 'global'
	FROM unresolved_refs r
	JOIN symbols t ON t.uri = r.target_uri
	JOIN symbols f ON f.uri = r.from_uri
	WHERE r.status IN ('resolved', 'ambiguous') %s
	GROUP BY r.from_uri, r.target_uri, r.kind
	ON CONFLICT(from_uri, to_uri, kind) DO NOTHING`

// ApplyResolution records global outcomes and rebuilds the global edges of
// every symbol whose references were revisited, in one transaction. With
// full set, all global edges are rebuilt from scratch.
func (s *Store) ApplyResolution(ctx context.Context, outcomes []Outcome, full bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply resolution: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE unresolved_refs
		SET status = ?, target_uri = NULLIF(?, ''), tier = ?, candidates = ?, confidence = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("apply resolution: prepare: %w", err)
	}
	defer stmt.Close()

	var fromURIs []string
	for _, o := range outcomes {
		if _, err := stmt.Exec(string(o.Status), o.TargetURI, o.Tier, o.Candidates, o.Confidence, o.RefID); err != nil {
			return fmt.Errorf("apply resolution: update reference %d: %w", o.RefID, err)
		}
		fromURIs = append(fromURIs, o.FromURI)
	}

	// A target deleted between snapshot and apply sends the reference back
	// to pending for the next pass.
	if _, err := tx.Exec(`UPDATE unresolved_refs
		SET status = 'pending', target_uri = NULL, tier = 0, candidates = 0, confidence = 0
		WHERE target_uri IS NOT NULL AND target_uri NOT IN (SELECT uri FROM symbols)`); err != nil {
		return fmt.Errorf("apply resolution: reset stale targets: %w", err)
	}

	if full {
		if _, err := tx.Exec("DELETE FROM edges WHERE origin = ?", OriginGlobal); err != nil {
			return fmt.Errorf("apply resolution: clear global edges: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf(materializeEdgesSQL, "")); err != nil {
			return fmt.Errorf("apply resolution: materialize edges: %w", err)
		}
		return tx.Commit()
	}

	for _, chunk := range chunkStrings(dedupeStrings(fromURIs), maxInArgs) {
		ph := placeholderList(len(chunk))
		args := stringsToArgs(chunk)
		if _, err := tx.Exec("DELETE FROM edges WHERE origin = 'global' AND from_uri IN ("+ph+")", args...); err != nil {
			return fmt.Errorf("apply resolution: clear global edges: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf(materializeEdgesSQL, "AND r.from_uri IN ("+ph+")"), args...); err != nil {
			return fmt.Errorf("apply resolution: materialize edges: %w", err)
		}
	}
	return tx.Commit()
}

// RefsByPath returns the residual references recorded for a file, by id.
func (s *Store) RefsByPath(path string) ([]ResidualRef, error) {
	rows, err := s.db.Query("SELECT "+refCols+" FROM unresolved_refs WHERE path = ? ORDER BY id", path)
	if err != nil {
		return nil, fmt.Errorf("refs by path: %w", err)
	}
	defer rows.Close()
	var refs []ResidualRef
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
