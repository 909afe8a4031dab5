// Package embed wraps a sentence-embedding model behind a fixed-dimension,
// concurrency-bounded engine.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/semaphore"

	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/textproc"
)

// ErrDimensionMismatch indicates the model returned a vector whose
// dimensionality differs from the configured one. The store would reject
// such a vector; failing here keeps the error close to its cause.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Placeholder substitutes items that clean to nothing in a batch so index
// correspondence between input texts and output vectors is preserved.
const Placeholder = "contenu vide"

// minEmbeddableLength is the shortest cleaned text worth embedding.
const minEmbeddableLength = 3

// Config sizes the engine.
type Config struct {
	// Dimension is the model's fixed output dimensionality.
	Dimension int
	// Workers bounds concurrent inference calls.
	Workers int
}

// Engine embeds cleaned text. Safe for concurrent use: the embedder is
// read-only during inference and the semaphore bounds in-flight calls.
type Engine struct {
	embedder ai.Embedder
	proc     *textproc.Processor
	sem      *semaphore.Weighted
	dim      int
	logger   log.Logger
}

// New returns an Engine backed by the given model.
func New(embedder ai.Embedder, proc *textproc.Processor, cfg Config, logger log.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Engine{
		embedder: embedder,
		proc:     proc,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		dim:      cfg.Dimension,
		logger:   logger,
	}
}

// Dimension returns the model's output dimensionality.
func (e *Engine) Dimension() int { return e.dim }

// Embed vectorizes one text. Text that cleans to fewer than 3 characters
// yields (nil, nil): the caller must treat it as unembeddable, not as an
// error.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	cleaned := e.proc.Clean(text, true)
	if len(cleaned) < minEmbeddableLength {
		return nil, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embedding slot: %w", err)
	}
	defer e.sem.Release(1)

	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(cleaned)}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("model returned no embedding")
	}

	vec := resp.Embeddings[0].Embedding
	if err := e.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch vectorizes texts in one model call. Items that clean to fewer
// than 3 characters are substituted with Placeholder rather than dropped,
// so vectors[i] always corresponds to texts[i].
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	substituted := 0
	for i, text := range texts {
		cleaned := e.proc.Clean(text, true)
		if len(cleaned) < minEmbeddableLength {
			cleaned = Placeholder
			substituted++
		}
		docs[i] = &ai.Document{Content: []*ai.Part{ai.NewTextPart(cleaned)}}
	}
	if substituted > 0 {
		e.logger.Debug("substituted empty texts in embedding batch",
			"count", substituted, "batch_size", len(texts))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embedding slot: %w", err)
	}
	defer e.sem.Release(1)

	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embedding batch of %d: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model returned %d embeddings for %d texts",
			len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if err := e.checkDimension(emb.Embedding); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}

func (e *Engine) checkDimension(vec []float32) error {
	if e.dim > 0 && len(vec) != e.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.dim)
	}
	return nil
}
