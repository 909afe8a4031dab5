// Package document owns the indexing side of the system: file validation,
// text extraction, chunking, embedding and the relational catalog of
// everything that was ingested.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/dossier-rag/dossier/internal/chunk"
	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/vectorstore"
)

// Document lifecycle states. A document is only searchable once completed.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusReprocessing = "reprocessing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// VectorWriter is the slice of the vector store the pipeline needs.
type VectorWriter interface {
	Upsert(ctx context.Context, records []vectorstore.Record) error
	DeleteWhere(ctx context.Context, f vectorstore.Filter) (int64, error)
}

// ChunkEmbedder turns chunk text into a vector. A nil vector with nil error
// means the text was too short to embed.
type ChunkEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkBuilder splits extracted content into enriched chunks.
type ChunkBuilder interface {
	Build(content, documentID string, custom map[string]any) []chunk.Chunk
}

// Config holds the ingestion limits.
type Config struct {
	UploadDir         string
	MaxFileSize       int64
	AllowedExtensions []string
	Workers           int64
}

// ProcessRequest describes one file to ingest. Filename defaults to the
// base name of the source path.
type ProcessRequest struct {
	OwnerID  string
	Filename string
	Category string
	Tags     []string
}

// ProcessResult reports the outcome of Process or Reindex.
type ProcessResult struct {
	DocumentID     string
	Success        bool
	ChunkCount     int
	ErrorMessage   string
	ProcessingTime time.Duration
}

// Pipeline drives the ingestion stages. Safe for concurrent use; the
// semaphore bounds how many documents are processed at once.
type Pipeline struct {
	pool       *pgxpool.Pool
	vectors    VectorWriter
	embedder   ChunkEmbedder
	builder    ChunkBuilder
	extractors map[string]Extractor
	cfg        Config
	sem        *semaphore.Weighted
	logger     log.Logger
	now        func() time.Time
}

// NewPipeline wires the ingestion stages together.
func NewPipeline(pool *pgxpool.Pool, vectors VectorWriter, embedder ChunkEmbedder, builder ChunkBuilder, cfg Config, logger log.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	return &Pipeline{
		pool:       pool,
		vectors:    vectors,
		embedder:   embedder,
		builder:    builder,
		extractors: extractors(),
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Workers),
		logger:     logger,
		now:        time.Now,
	}
}

// Process ingests one file: validate, deduplicate by content, extract,
// chunk, embed and record. The source file is copied into the upload
// directory; the copy is removed again if ingestion fails before commit.
func (p *Pipeline) Process(ctx context.Context, sourcePath string, req ProcessRequest) (ProcessResult, error) {
	start := p.now()
	res := ProcessResult{}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return res, fmt.Errorf("acquiring worker slot: %w", err)
	}
	defer p.sem.Release(1)

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(sourcePath)
	}
	ext := strings.ToLower(filepath.Ext(filename))

	if err := p.validate(sourcePath, ext); err != nil {
		return res, err
	}

	checksum, err := fileChecksum(sourcePath)
	if err != nil {
		return res, fmt.Errorf("computing checksum: %w", err)
	}

	if existing, existingName, err := p.findByChecksum(ctx, checksum); err != nil {
		return res, err
	} else if existing != "" {
		res.DocumentID = existing
		res.ErrorMessage = "duplicate content"
		res.ProcessingTime = p.now().Sub(start)
		return res, &DuplicateError{ExistingID: existing, Filename: existingName}
	}

	docID := uuid.New().String()
	storedPath, err := p.storeCopy(sourcePath, docID, ext)
	if err != nil {
		return res, fmt.Errorf("storing upload: %w", err)
	}

	result, err := p.index(ctx, indexJob{
		docID:      docID,
		storedPath: storedPath,
		checksum:   checksum,
		ext:        ext,
		filename:   filename,
		req:        req,
		fresh:      true,
	})
	if err != nil {
		os.Remove(storedPath)
		return res, err
	}
	result.ProcessingTime = p.now().Sub(start)
	return result, nil
}

// Reindex rebuilds chunks and vectors for an already ingested document from
// its stored file. All previous chunks are replaced.
func (p *Pipeline) Reindex(ctx context.Context, documentID string) (ProcessResult, error) {
	start := p.now()
	res := ProcessResult{DocumentID: documentID}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return res, fmt.Errorf("acquiring worker slot: %w", err)
	}
	defer p.sem.Release(1)

	doc, err := p.Get(ctx, documentID)
	if err != nil {
		return res, err
	}

	if _, err := p.pool.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`,
		StatusReprocessing, documentID); err != nil {
		return res, fmt.Errorf("marking document for reprocessing: %w", err)
	}

	if _, err := p.vectors.DeleteWhere(ctx, vectorstore.Filter{
		Equals: map[string]string{"document_id": documentID},
	}); err != nil {
		return res, fmt.Errorf("clearing vectors: %w", err)
	}

	result, err := p.index(ctx, indexJob{
		docID:      documentID,
		storedPath: doc.StoredPath,
		checksum:   doc.Checksum,
		ext:        strings.ToLower(filepath.Ext(doc.Filename)),
		filename:   doc.Filename,
		req: ProcessRequest{
			OwnerID:  doc.OwnerID,
			Filename: doc.Filename,
			Category: doc.Category,
			Tags:     doc.Tags,
		},
		fresh: false,
	})
	if err != nil {
		return res, err
	}
	result.ProcessingTime = p.now().Sub(start)
	return result, nil
}

// Delete removes a document, its chunks, its vectors and its stored file.
// A non-empty ownerID must match the document's owner.
func (p *Pipeline) Delete(ctx context.Context, documentID, ownerID string) error {
	doc, err := p.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}

	if _, err := p.vectors.DeleteWhere(ctx, vectorstore.Filter{
		Equals: map[string]string{"document_id": documentID},
	}); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting chunk rows: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting document row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	if doc.StoredPath != "" {
		if err := os.Remove(doc.StoredPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("stored file not removed", "path", doc.StoredPath, "error", err)
		}
	}
	p.logger.Info("document deleted", "document_id", documentID, "filename", doc.Filename)
	return nil
}

// indexJob carries everything index needs, for both fresh ingestion and
// reindexing of an existing document.
type indexJob struct {
	docID      string
	storedPath string
	checksum   string
	ext        string
	filename   string
	req        ProcessRequest
	fresh      bool
}

func (p *Pipeline) index(ctx context.Context, job indexJob) (ProcessResult, error) {
	res := ProcessResult{DocumentID: job.docID}

	extractor, ok := p.extractors[job.ext]
	if !ok {
		return res, fmt.Errorf("%w: no extractor for %q", ErrValidation, job.ext)
	}
	raw, err := extractor.Extract(job.storedPath)
	if err != nil {
		p.markFailed(ctx, job, err.Error())
		return res, err
	}
	content := cleanContent(raw)
	if content == "" {
		err := fmt.Errorf("%w: file yielded no text", ErrExtraction)
		p.markFailed(ctx, job, err.Error())
		return res, err
	}

	chunks := p.builder.Build(content, job.docID, map[string]any{
		"source_file": job.filename,
		"owner_id":    job.req.OwnerID,
		"category":    job.req.Category,
		"tags":        job.req.Tags,
	})

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if job.fresh {
		if err := p.insertDocument(ctx, tx, job, len(chunks)); err != nil {
			return res, err
		}
	} else if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, job.docID); err != nil {
		return res, fmt.Errorf("clearing chunk rows: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, chunk_type, section_title)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, job.docID, c.Index, c.OriginalText, c.Type, c.SectionTitle); err != nil {
			return res, fmt.Errorf("inserting chunk row %s: %w", c.ID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`,
		StatusProcessing, job.docID); err != nil {
		return res, fmt.Errorf("marking document processing: %w", err)
	}

	// Embedding failures degrade the document instead of aborting it:
	// a chunk that cannot be embedded is simply not searchable.
	indexed := 0
	for _, c := range chunks {
		vec, err := p.embedder.Embed(ctx, c.Text)
		if err != nil {
			p.logger.Warn("chunk embedding failed", "chunk_id", c.ID, "error", err)
			continue
		}
		if vec == nil {
			continue
		}
		record := vectorstore.Record{
			ID:         c.ID,
			DocumentID: job.docID,
			Vector:     vec,
			Content:    c.Text,
			Metadata:   c.Metadata,
		}
		if err := p.vectors.Upsert(ctx, []vectorstore.Record{record}); err != nil {
			p.logger.Warn("chunk vector upsert failed", "chunk_id", c.ID, "error", err)
			continue
		}
		indexed++
	}

	status := StatusCompleted
	errMsg := ""
	if indexed == 0 {
		status = StatusFailed
		errMsg = "no chunk could be embedded"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET status = $1, chunk_count = $2, error_message = $3, updated_at = now() WHERE id = $4`,
		status, indexed, errMsg, job.docID); err != nil {
		return res, fmt.Errorf("finalizing document status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("committing ingestion: %w", err)
	}

	res.Success = status == StatusCompleted
	res.ChunkCount = indexed
	res.ErrorMessage = errMsg
	p.logger.Info("document indexed",
		"document_id", job.docID,
		"filename", job.filename,
		"chunks", indexed,
		"status", status)
	return res, nil
}

func (p *Pipeline) insertDocument(ctx context.Context, tx pgx.Tx, job indexJob, chunkCount int) error {
	info, err := os.Stat(job.storedPath)
	if err != nil {
		return fmt.Errorf("stating stored file: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, owner_id, filename, stored_path, checksum, mime_type, size_bytes, category, tags, status, chunk_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.docID, job.req.OwnerID, job.filename, job.storedPath, job.checksum,
		mimeByExtension(job.ext), info.Size(), job.req.Category, job.req.Tags,
		StatusPending, chunkCount)
	if err != nil {
		return fmt.Errorf("inserting document row: %w", err)
	}
	return nil
}

// markFailed records an extraction failure on an existing row. Fresh
// ingestions have no row yet, so this is a no-op for them.
func (p *Pipeline) markFailed(ctx context.Context, job indexJob, msg string) {
	if job.fresh {
		return
	}
	if _, err := p.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		StatusFailed, msg, job.docID); err != nil {
		p.logger.Warn("failed status not recorded", "document_id", job.docID, "error", err)
	}
}

func (p *Pipeline) validate(path, ext string) error {
	allowed := false
	for _, e := range p.cfg.AllowedExtensions {
		if strings.EqualFold(e, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: extension %q not allowed", ErrValidation, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if p.cfg.MaxFileSize > 0 && info.Size() > p.cfg.MaxFileSize {
		return fmt.Errorf("%w: file size %d exceeds limit %d", ErrValidation, info.Size(), p.cfg.MaxFileSize)
	}
	return nil
}

func (p *Pipeline) findByChecksum(ctx context.Context, checksum string) (string, string, error) {
	var id, filename string
	err := p.pool.QueryRow(ctx,
		`SELECT id, filename FROM documents WHERE checksum = $1`, checksum).
		Scan(&id, &filename)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("checking for duplicate: %w", err)
	}
	return id, filename, nil
}

func (p *Pipeline) storeCopy(sourcePath, docID, ext string) (string, error) {
	if err := os.MkdirAll(p.cfg.UploadDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(p.cfg.UploadDir, docID+ext)

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeByExtension(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".md":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

var (
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	lineSpaceRuns = regexp.MustCompile(`[ \t]+`)
	blankLineRuns = regexp.MustCompile(`\n{3,}`)
)

// cleanContent normalizes extracted text while preserving line structure,
// which downstream section detection depends on.
func cleanContent(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = controlChars.ReplaceAllString(text, " ")
	text = lineSpaceRuns.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankLineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
