// Package vectorstore persists chunk embeddings in PostgreSQL with pgvector
// and serves nearest-neighbor and metadata-filtered queries over them.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dossier-rag/dossier/internal/log"
)

var (
	// ErrEmptyFilter guards DeleteWhere against wiping the whole collection.
	ErrEmptyFilter = errors.New("filter must not be empty")

	// ErrDimensionMismatch indicates a vector of the wrong dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Record is a persisted chunk.
type Record struct {
	ID         string
	DocumentID string
	Vector     []float32
	Content    string
	Metadata   map[string]string
}

// Candidate is a record returned by Query or Scan. Distance carries the raw
// cosine distance for Query results and zero for Scan results.
type Candidate struct {
	ID         string
	DocumentID string
	Content    string
	Metadata   map[string]string
	Distance   float64
}

// Match is one alternative of a Filter's Any clause. Exactly one of Equals
// or Regex should be set; Regex matches case-insensitively.
type Match struct {
	Field  string
	Equals string
	Regex  string
}

// Filter selects records by metadata. All Equals entries must hold, and at
// least one Any alternative when Any is non-empty. The document_id field is
// matched against the dedicated column; every other field against the
// metadata document.
type Filter struct {
	Equals map[string]string
	Any    []Match
}

func (f *Filter) empty() bool {
	return f == nil || (len(f.Equals) == 0 && len(f.Any) == 0)
}

// Stats summarizes the collection.
type Stats struct {
	TotalChunks     int64
	UniqueDocuments int64
	UniquePersons   int64
	ChunkTypes      map[string]int64
}

// Store owns the rag_chunks table. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	dim    int
	logger log.Logger
}

// New creates a Store. dim is the expected vector dimensionality; vectors
// of any other length are rejected at upsert.
func New(pool *pgxpool.Pool, dim int, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if dim <= 0 {
		return nil, errors.New("dimension must be positive")
	}
	return &Store{pool: pool, dim: dim, logger: logger}, nil
}

// Similarity converts a cosine distance to a similarity in [0, 1]. Every
// component that ranks or thresholds results uses this single conversion.
func Similarity(distance float64) float64 {
	s := 1 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

const upsertSQL = `INSERT INTO rag_chunks (id, document_id, embedding, content, metadata)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE
	SET document_id = EXCLUDED.document_id,
	    embedding = EXCLUDED.embedding,
	    content = EXCLUDED.content,
	    metadata = EXCLUDED.metadata`

// Upsert writes records, replacing any with the same id. The batch fails as
// a whole: the caller retries or skips per chunk.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for i, r := range records {
		if len(r.Vector) != s.dim {
			return fmt.Errorf("record %d (%s): %w: got %d, want %d",
				i, r.ID, ErrDimensionMismatch, len(r.Vector), s.dim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for %s: %w", r.ID, err)
		}
		vec := pgvector.NewVector(r.Vector)
		if _, err := tx.Exec(ctx, upsertSQL, r.ID, r.DocumentID, vec, r.Content, meta); err != nil {
			return fmt.Errorf("upserting chunk %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	s.logger.Debug("upserted chunks", "count", len(records))
	return nil
}

// DeleteWhere removes every record matching the filter and reports how many
// were removed. An empty filter is an error, never a full wipe.
func (s *Store) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}

	where, args := buildWhere(&f, nil)
	tag, err := s.pool.Exec(ctx, "DELETE FROM rag_chunks WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Query returns the k nearest records to vec by cosine distance. The filter
// applies before ranking: a filtered-out record never appears regardless of
// similarity. Distance is returned raw; use Similarity to convert.
func (s *Store) Query(ctx context.Context, vec []float32, k int, f *Filter) ([]Candidate, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	args := []any{pgvector.NewVector(vec)}
	sql := `SELECT id, document_id, content, metadata, embedding <=> $1 AS distance
		FROM rag_chunks`
	if !f.empty() {
		where, whereArgs := buildWhere(f, args)
		sql += " WHERE " + where
		args = whereArgs
	}
	args = append(args, k)
	sql += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, true)
}

// Scan bulk-reads matching records without ranking, bounded by limit. Used
// by the keyword strategy.
func (s *Store) Scan(ctx context.Context, f *Filter, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	var args []any
	sql := "SELECT id, document_id, content, metadata FROM rag_chunks"
	if !f.empty() {
		where, whereArgs := buildWhere(f, args)
		sql += " WHERE " + where
		args = whereArgs
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning chunks: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows, false)
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM rag_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// Stats reports collection-level aggregates.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(DISTINCT document_id),
		        count(DISTINCT metadata->>'person_name_normalized')
		           FILTER (WHERE coalesce(metadata->>'person_name_normalized', '') <> '')
		 FROM rag_chunks`).
		Scan(&st.TotalChunks, &st.UniqueDocuments, &st.UniquePersons)
	if err != nil {
		return Stats{}, fmt.Errorf("collecting chunk stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT coalesce(metadata->>'chunk_type', 'general'), count(*)
		 FROM rag_chunks GROUP BY 1`)
	if err != nil {
		return Stats{}, fmt.Errorf("collecting chunk type stats: %w", err)
	}
	defer rows.Close()

	st.ChunkTypes = make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning chunk type row: %w", err)
		}
		st.ChunkTypes[t] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("reading chunk type rows: %w", err)
	}
	return st, nil
}

// buildWhere renders the filter as parameterized SQL, appending to args.
// Equals keys are sorted so the generated SQL is deterministic.
func buildWhere(f *Filter, args []any) (string, []any) {
	var clauses []string

	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		expr := fieldExpr(k, &args)
		args = append(args, f.Equals[k])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", expr, len(args)))
	}

	if len(f.Any) > 0 {
		var alts []string
		for _, m := range f.Any {
			expr := fieldExpr(m.Field, &args)
			if m.Regex != "" {
				args = append(args, m.Regex)
				alts = append(alts, fmt.Sprintf("%s ~* $%d", expr, len(args)))
			} else {
				args = append(args, m.Equals)
				alts = append(alts, fmt.Sprintf("%s = $%d", expr, len(args)))
			}
		}
		clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
	}

	return strings.Join(clauses, " AND "), args
}

// fieldExpr routes document_id to its column and everything else to the
// metadata document. The field name is parameterized too, never spliced.
func fieldExpr(field string, args *[]any) string {
	if field == "document_id" {
		return "document_id"
	}
	*args = append(*args, field)
	return fmt.Sprintf("metadata->>$%d", len(*args))
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCandidates(rows pgxRows, withDistance bool) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var meta []byte
		var err error
		if withDistance {
			err = rows.Scan(&c.ID, &c.DocumentID, &c.Content, &meta, &c.Distance)
		} else {
			err = rows.Scan(&c.ID, &c.DocumentID, &c.Content, &meta)
		}
		if err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling metadata for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunk rows: %w", err)
	}
	return out, nil
}
