package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// --- File operations ---

const fileCols = "path, language, module, hash, last_indexed, status, error"

func scanFile(scanner interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	var lastIndexed sql.NullTime
	if err := scanner.Scan(&f.Path, &f.Language, &f.Module, &f.Hash, &lastIndexed, &f.Status, &f.Error); err != nil {
		return nil, err
	}
	if lastIndexed.Valid {
		f.LastIndexed = lastIndexed.Time
	}
	return f, nil
}

// FileByPath returns the file record for path, or nil when it is not indexed.
func (s *Store) FileByPath(path string) (*File, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileCols+" FROM files WHERE path = ?", path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return f, nil
}

// Files returns every indexed file ordered by path.
func (s *Store) Files() ([]*File, error) {
	rows, err := s.db.Query("SELECT " + fileCols + " FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Symbol operations ---

// SymbolCols is the column list for symbol queries.
const SymbolCols = "uri, kind, name, path, line_start, line_end, signature, doc, content"

// ScanSymbolRow scans a single row selected with SymbolCols.
func ScanSymbolRow(scanner interface{ Scan(...any) error }) (*Symbol, error) {
	sym := &Symbol{}
	var kind string
	err := scanner.Scan(&sym.URI, &kind, &sym.Name, &sym.Path,
		&sym.LineStart, &sym.LineEnd, &sym.Signature, &sym.Doc, &sym.Content)
	if err != nil {
		return nil, err
	}
	sym.Kind = Kind(kind)
	return sym, nil
}

func (s *Store) querySymbols(query string, args ...any) ([]*Symbol, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var symbols []*Symbol
	for rows.Next() {
		sym, err := ScanSymbolRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// SymbolByURI returns the symbol with the given URI, or nil when absent.
func (s *Store) SymbolByURI(uri string) (*Symbol, error) {
	sym, err := ScanSymbolRow(s.db.QueryRow("SELECT "+SymbolCols+" FROM symbols WHERE uri = ?", uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("symbol by uri: %w", err)
	}
	return sym, nil
}

// SymbolsByURIs bulk-loads symbols keyed by URI. Unknown URIs are skipped.
func (s *Store) SymbolsByURIs(uris []string) (map[string]*Symbol, error) {
	out := make(map[string]*Symbol, len(uris))
	for _, chunk := range chunkStrings(dedupeStrings(uris), maxInArgs) {
		syms, err := s.querySymbols(
			"SELECT "+SymbolCols+" FROM symbols WHERE uri IN ("+placeholderList(len(chunk))+")",
			stringsToArgs(chunk)...,
		)
		if err != nil {
			return nil, fmt.Errorf("symbols by uris: %w", err)
		}
		for _, sym := range syms {
			out[sym.URI] = sym
		}
	}
	return out, nil
}

func (s *Store) SymbolsByPath(path string) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+SymbolCols+" FROM symbols WHERE path = ? ORDER BY line_start, uri", path)
}

func (s *Store) SymbolsByName(name string) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+SymbolCols+" FROM symbols WHERE name = ? ORDER BY uri", name)
}

// SymbolsByPathAndName finds symbols by file path and name, ordered by line.
func (s *Store) SymbolsByPathAndName(path, name string) ([]*Symbol, error) {
	return s.querySymbols(
		"SELECT "+SymbolCols+" FROM symbols WHERE path = ? AND name = ? ORDER BY line_start, uri",
		path, name,
	)
}

// SearchSymbols returns symbols whose name, signature or doc contains text
// (case-insensitive for ASCII), ordered by URI. limit <= 0 means no limit.
func (s *Store) SearchSymbols(text string, limit int) ([]*Symbol, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(text) + "%"
	query := "SELECT " + SymbolCols + ` FROM symbols
		WHERE name LIKE ? ESCAPE '\' OR signature LIKE ? ESCAPE '\' OR doc LIKE ? ESCAPE '\'
		ORDER BY uri`
	args := []any{pattern, pattern, pattern}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	syms, err := s.querySymbols(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	return syms, nil
}
