package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is bumped whenever the table layout or resolution policy
// changes in a way that invalidates persisted edges.
const SchemaVersion = "1"

// Store is the SQLite data access layer for the symbol graph.
type Store struct {
	db    *sql.DB
	locks *pathLocks
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, locks: newPathLocks()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  path            TEXT PRIMARY KEY,
  language        TEXT NOT NULL,
  module          TEXT NOT NULL DEFAULT '',
  hash            TEXT NOT NULL,
  last_indexed    TIMESTAMP,
  status          TEXT NOT NULL DEFAULT 'ok',
  error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS symbols (
  uri             TEXT PRIMARY KEY,
  kind            TEXT NOT NULL,
  name            TEXT NOT NULL,
  path            TEXT NOT NULL REFERENCES files(path),
  line_start      INTEGER NOT NULL,
  line_end        INTEGER NOT NULL,
  signature       TEXT NOT NULL DEFAULT '',
  doc             TEXT NOT NULL DEFAULT '',
  content         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS edges (
  from_uri        TEXT NOT NULL REFERENCES symbols(uri),
  to_uri          TEXT NOT NULL REFERENCES symbols(uri),
  kind            TEXT NOT NULL,
  confidence      REAL NOT NULL,
  origin          TEXT NOT NULL,
  PRIMARY KEY (from_uri, to_uri, kind)
);

CREATE TABLE IF NOT EXISTS unresolved_refs (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL REFERENCES files(path),
  from_uri        TEXT NOT NULL REFERENCES symbols(uri),
  name            TEXT NOT NULL,
  receiver        TEXT NOT NULL DEFAULT '',
  kind            TEXT NOT NULL,
  line            INTEGER NOT NULL,
  status          TEXT NOT NULL DEFAULT 'pending',
  target_uri      TEXT,
  tier            INTEGER NOT NULL DEFAULT 0,
  candidates      INTEGER NOT NULL DEFAULT 0,
  confidence      REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS imports (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL REFERENCES files(path),
  namespace       TEXT NOT NULL,
  name            TEXT NOT NULL DEFAULT '',
  alias           TEXT NOT NULL DEFAULT '',
  line            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS embeddings (
  uri             TEXT PRIMARY KEY REFERENCES symbols(uri),
  model           TEXT NOT NULL,
  dims            INTEGER NOT NULL,
  vector          BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_symbols_path ON symbols(path);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_kind ON symbols(kind);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_uri, kind);
CREATE INDEX IF NOT EXISTS idx_edges_origin ON edges(origin);
CREATE INDEX IF NOT EXISTS idx_refs_path ON unresolved_refs(path);
CREATE INDEX IF NOT EXISTS idx_refs_name ON unresolved_refs(name);
CREATE INDEX IF NOT EXISTS idx_refs_status ON unresolved_refs(status);
CREATE INDEX IF NOT EXISTS idx_refs_target ON unresolved_refs(target_uri);
CREATE INDEX IF NOT EXISTS idx_refs_from ON unresolved_refs(from_uri);
CREATE INDEX IF NOT EXISTS idx_imports_path ON imports(path);
CREATE INDEX IF NOT EXISTS idx_imports_alias ON imports(alias);
`

// GetMetadata returns the value stored under key, or "" when absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}
