package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs a vector as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("decode vector: length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// PutEmbedding stores the vector for uri. A symbol that vanished since the
// vector was computed is silently skipped.
func (s *Store) PutEmbedding(uri, model string, vector []float32) error {
	_, err := s.db.Exec(
		`INSERT INTO embeddings (uri, model, dims, vector)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM symbols WHERE uri = ?)
		 ON CONFLICT(uri) DO UPDATE SET model = excluded.model, dims = excluded.dims, vector = excluded.vector`,
		uri, model, len(vector), EncodeVector(vector), uri,
	)
	if err != nil {
		return fmt.Errorf("put embedding %s: %w", uri, err)
	}
	return nil
}

// Embeddings loads every stored vector for model, keyed by URI.
func (s *Store) Embeddings(model string) (map[string][]float32, error) {
	rows, err := s.db.Query("SELECT uri, vector FROM embeddings WHERE model = ?", model)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var uri string
		var blob []byte
		if err := rows.Scan(&uri, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		v, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("embedding %s: %w", uri, err)
		}
		out[uri] = v
	}
	return out, rows.Err()
}

// SymbolsMissingEmbeddings returns up to limit symbols after the given URI
// that have no vector for model, ordered by URI.
func (s *Store) SymbolsMissingEmbeddings(model, after string, limit int) ([]*Symbol, error) {
	syms, err := s.querySymbols(
		"SELECT "+SymbolCols+` FROM symbols s
		 WHERE s.uri > ? AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.uri = s.uri AND e.model = ?)
		 ORDER BY s.uri LIMIT ?`,
		after, model, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("symbols missing embeddings: %w", err)
	}
	return syms, nil
}
