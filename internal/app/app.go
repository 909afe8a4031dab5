// Package app wires configuration, database, embedding and the indexing
// and retrieval engines into one runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dossier-rag/dossier/db"
	"github.com/dossier-rag/dossier/internal/chunk"
	"github.com/dossier-rag/dossier/internal/config"
	"github.com/dossier-rag/dossier/internal/database"
	"github.com/dossier-rag/dossier/internal/document"
	"github.com/dossier-rag/dossier/internal/embed"
	"github.com/dossier-rag/dossier/internal/generate"
	"github.com/dossier-rag/dossier/internal/log"
	"github.com/dossier-rag/dossier/internal/person"
	"github.com/dossier-rag/dossier/internal/retrieval"
	"github.com/dossier-rag/dossier/internal/textproc"
	"github.com/dossier-rag/dossier/internal/vectorstore"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	Config    *config.Config
	Logger    log.Logger
	Pool      *pgxpool.Pool
	Vectors   *vectorstore.Store
	Embedder  *embed.Engine
	Pipeline  *document.Pipeline
	Retrieval *retrieval.Engine
	Generator *generate.Client

	cleanup []func()
}

// New builds the application. Migrations run before the pool opens.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, closePool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.Pool = pool
	a.cleanup = append(a.cleanup, closePool)

	embedder, err := provideEmbedder(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	proc := textproc.New()

	a.Vectors, err = vectorstore.New(pool, cfg.EmbeddingDimension, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	a.Embedder = embed.New(embedder, proc, embed.Config{
		Dimension: cfg.EmbeddingDimension,
		Workers:   cfg.EmbeddingWorkers,
	}, logger)

	builder := chunk.NewBuilder(proc, person.NewRegexExtractor(), chunk.Config{
		Size:             cfg.ChunkSize,
		Overlap:          cfg.ChunkOverlap,
		MinSectionLength: cfg.MinSectionLength,
	}, logger)

	a.Pipeline = document.NewPipeline(pool, a.Vectors, a.Embedder, builder, document.Config{
		UploadDir:         cfg.UploadDir,
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Workers:           int64(cfg.IndexingWorkers),
	}, logger)

	a.Retrieval = retrieval.New(a.Vectors, a.Embedder, proc, retrieval.Config{
		TopK:             cfg.TopK,
		SimilarityMin:    cfg.SimilarityMin,
		FallbackMin:      cfg.FallbackMin,
		KeywordScanLimit: cfg.KeywordScanLimit,
		KeywordDamping:   cfg.KeywordDamping,
		EnableHybrid:     cfg.EnableHybrid,
		EnableReranking:  cfg.EnableReranking,
		Weights:          cfg.Rerank,
	}, logger)

	a.Generator, err = generate.New(generate.Config{
		BaseURL:           cfg.GenerationBaseURL,
		APIKey:            cfg.GenerationAPIKey,
		Model:             cfg.GenerationModel,
		Temperature:       cfg.GenerationTemperature,
		MaxTokens:         cfg.GenerationMaxTokens,
		Timeout:           time.Duration(cfg.GenerationTimeoutSec) * time.Second,
		MaxRetries:        cfg.GenerationMaxRetries,
		RequestsPerMinute: cfg.GenerationRateRPS * 60,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating generation client: %w", err)
	}

	logger.Info("application initialized",
		"embedder_provider", cfg.EmbedderProvider,
		"embedder_model", cfg.EmbedderModel,
		"dimension", cfg.EmbeddingDimension)
	return a, nil
}

// Close releases resources in reverse initialization order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// provideEmbedder initializes genkit with the configured provider and
// returns its embedder. Ollama requires explicit embedder registration;
// Gemini registers by model name.
func provideEmbedder(ctx context.Context, cfg *config.Config) (ai.Embedder, error) {
	switch cfg.EmbedderProvider {
	case "", "ollama":
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder := ollama.Embedder(g, cfg.OllamaHost)
		if embedder == nil {
			return nil, fmt.Errorf("embedder %q not found for ollama host %q", cfg.EmbedderModel, cfg.OllamaHost)
		}
		return embedder, nil

	case "gemini":
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		if embedder == nil {
			return nil, fmt.Errorf("embedder %q not found for gemini provider", cfg.EmbedderModel)
		}
		return embedder, nil

	default:
		return nil, fmt.Errorf("unknown embedder provider %q (expected ollama or gemini)", cfg.EmbedderProvider)
	}
}
