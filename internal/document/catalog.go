package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Document is a row of the ingestion catalog.
type Document struct {
	ID           string
	OwnerID      string
	Filename     string
	StoredPath   string
	Checksum     string
	MimeType     string
	SizeBytes    int64
	Category     string
	Tags         []string
	Status       string
	ChunkCount   int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChunkPreview is one stored chunk without its embedding, for inspection.
type ChunkPreview struct {
	Index        int
	Type         string
	SectionTitle string
	Content      string
}

// OwnerStats aggregates one owner's catalog.
type OwnerStats struct {
	Documents  int64
	Chunks     int64
	TotalBytes int64
	ByStatus   map[string]int64
}

const documentColumns = `id, owner_id, filename, stored_path, checksum, mime_type,
	size_bytes, category, tags, status, chunk_count, error_message, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.StoredPath, &d.Checksum,
		&d.MimeType, &d.SizeBytes, &d.Category, &d.Tags, &d.Status,
		&d.ChunkCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// Get returns one document by id.
func (p *Pipeline) Get(ctx context.Context, documentID string) (Document, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document: %w", err)
	}
	return doc, nil
}

// List returns documents newest first. An empty ownerID lists everything.
func (p *Pipeline) List(ctx context.Context, ownerID string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Preview returns up to maxChunks stored chunks of a document in order.
func (p *Pipeline) Preview(ctx context.Context, documentID string, maxChunks int) ([]ChunkPreview, error) {
	if maxChunks <= 0 {
		maxChunks = 5
	}
	if _, err := p.Get(ctx, documentID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT chunk_index, chunk_type, section_title, content
		 FROM document_chunks WHERE document_id = $1
		 ORDER BY chunk_index LIMIT $2`, documentID, maxChunks)
	if err != nil {
		return nil, fmt.Errorf("loading chunk previews: %w", err)
	}
	defer rows.Close()

	var previews []ChunkPreview
	for rows.Next() {
		var c ChunkPreview
		if err := rows.Scan(&c.Index, &c.Type, &c.SectionTitle, &c.Content); err != nil {
			return nil, fmt.Errorf("scanning chunk preview: %w", err)
		}
		previews = append(previews, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk previews: %w", err)
	}
	return previews, nil
}

// StatsByOwner aggregates catalog counts. An empty ownerID covers everything.
func (p *Pipeline) StatsByOwner(ctx context.Context, ownerID string) (OwnerStats, error) {
	stats := OwnerStats{ByStatus: make(map[string]int64)}

	query := `SELECT status, count(*), coalesce(sum(chunk_count), 0), coalesce(sum(size_bytes), 0)
		FROM documents`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("aggregating documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var docs, chunks, bytes int64
		if err := rows.Scan(&status, &docs, &chunks, &bytes); err != nil {
			return stats, fmt.Errorf("scanning aggregate row: %w", err)
		}
		stats.ByStatus[status] = docs
		stats.Documents += docs
		stats.Chunks += chunks
		stats.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterating aggregates: %w", err)
	}
	return stats, nil
}
