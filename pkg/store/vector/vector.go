package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/johncui/engram/pkg/model"
	"github.com/johncui/engram/pkg/store/sqlite"
)

// epsilon keeps cosine finite for zero vectors.
const epsilon = 1e-9

var (
	ErrEmptyVector = errors.New("vector is empty")
	ErrUnknownKind = errors.New("unknown vector kind")
)

// Index is the search contract MemoryEngine depends on. Store is the
// brute-force implementation; an approximate index can satisfy it instead.
type Index interface {
	Upsert(ctx context.Context, id int64, kind model.VectorKind, vec []float32) error
	Search(ctx context.Context, query []float32, kind model.VectorKind, k int) ([]model.ScoredID, error)
	Delete(ctx context.Context, kind model.VectorKind, ids []int64) error
}

// Store keeps vectors in the vectors table and scans them on search.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

func New(writer, reader *sql.DB) *Store {
	return &Store{writer: writer, reader: reader}
}

// Upsert stores vec for (id, kind), replacing any previous vector.
func (s *Store) Upsert(ctx context.Context, id int64, kind model.VectorKind, vec []float32) error {
	if !kind.Valid() {
		return fmt.Errorf("vector: upsert %q: %w", kind, ErrUnknownKind)
	}
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	_, err := s.writer.ExecContext(ctx, `
        INSERT INTO vectors(id, kind, dim, vector) VALUES(?, ?, ?, ?)
        ON CONFLICT(id, kind) DO UPDATE SET dim = excluded.dim, vector = excluded.vector;
    `, id, string(kind), len(vec), Encode(vec))
	if err != nil {
		return fmt.Errorf("vector: upsert %d/%s: %w", id, kind, err)
	}
	return nil
}

// Search returns up to k ids of the given kind ordered by cosine similarity,
// highest first, ties broken by smaller id. Stored vectors whose dimension
// differs from the query are skipped.
func (s *Store) Search(ctx context.Context, query []float32, kind model.VectorKind, k int) ([]model.ScoredID, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("vector: search %q: %w", kind, ErrUnknownKind)
	}
	if len(query) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return []model.ScoredID{}, nil
	}

	rows, err := s.reader.QueryContext(ctx, `
        SELECT id, vector FROM vectors
        WHERE kind = ? AND dim = ?;
    `, string(kind), len(query))
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	defer rows.Close()

	qnorm := norm(query)
	hits := make([]model.ScoredID, 0)
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("vector: scan: %w", err)
		}
		vec, err := Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("vector: decode %d/%s: %w", id, kind, err)
		}
		if len(vec) != len(query) {
			continue
		}
		hits = append(hits, model.ScoredID{ID: id, Score: cosine(query, vec, qnorm)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector: iterate: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// deleteBatch keeps IN lists well under SQLite's bound-variable limit.
const deleteBatch = 500

// Delete removes the vectors for ids of the given kind.
func (s *Store) Delete(ctx context.Context, kind model.VectorKind, ids []int64) error {
	for len(ids) > 0 {
		n := min(len(ids), deleteBatch)
		args := make([]any, 0, n+1)
		args = append(args, string(kind))
		for _, id := range ids[:n] {
			args = append(args, id)
		}
		q := `DELETE FROM vectors WHERE kind = ? AND id IN (` + sqlite.Placeholders(n) + `);`
		if _, err := s.writer.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("vector: delete: %w", err)
		}
		ids = ids[n:]
	}
	return nil
}

// Count returns the number of vectors of a kind.
func (s *Store) Count(ctx context.Context, kind model.VectorKind) (int64, error) {
	var n int64
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE kind = ?;`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vector: count: %w", err)
	}
	return n, nil
}

// Cosine returns dot(a,b) / (|a||b| + epsilon). a and b must have equal length.
func Cosine(a, b []float32) float64 {
	return cosine(a, b, norm(a))
}

func cosine(a, b []float32, anorm float64) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm*norm(b) + epsilon)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Encode packs vec as little-endian IEEE-754 float32s.
func Encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// Decode reverses Encode.
func Decode(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}

var _ Index = (*Store)(nil)
