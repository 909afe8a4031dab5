// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.dossier/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Embedding: model name, vector dimension, worker pool
//   - Chunking: chunk size/overlap, minimum section length
//   - Retrieval: top-k, thresholds, re-ranking weights
//   - Indexing: upload directory, file size limit, allowed extensions
//   - Generation: chat-completions endpoint, retries, rate limit
//
// Sensitive values (passwords, API keys) are never logged.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidEmbeddingDimension indicates the embedding dimension is not positive.
	ErrInvalidEmbeddingDimension = errors.New("invalid embedding dimension")

	// ErrInvalidChunkSize indicates the chunk size is not positive.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidChunkOverlap indicates the overlap is negative or >= chunk size.
	ErrInvalidChunkOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidTopK indicates top-k is not positive.
	ErrInvalidTopK = errors.New("invalid top k")

	// ErrInvalidThreshold indicates a similarity threshold is outside [0, 1].
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidMaxFileSize indicates the upload size limit is not positive.
	ErrInvalidMaxFileSize = errors.New("invalid max file size")

	// ErrInvalidWorkers indicates a worker count is not positive.
	ErrInvalidWorkers = errors.New("invalid worker count")
)

// RerankWeights holds the composite-score weights used by the retrieval
// engine. The defaults are empirically tuned; only their relative direction
// matters (isolation strongly favors the target person, tiny chunks are
// demoted).
type RerankWeights struct {
	BaseSimilarity    float64 `mapstructure:"base_similarity" json:"base_similarity"`
	WordOverlap       float64 `mapstructure:"word_overlap" json:"word_overlap"`
	KeywordOverlap    float64 `mapstructure:"keyword_overlap" json:"keyword_overlap"`
	IsolationContains float64 `mapstructure:"isolation_contains" json:"isolation_contains"`
	IsolationExact    float64 `mapstructure:"isolation_exact" json:"isolation_exact"`
	MultiStrategy     float64 `mapstructure:"multi_strategy" json:"multi_strategy"`
	SectionWord       float64 `mapstructure:"section_word" json:"section_word"`
	ShortPenalty      float64 `mapstructure:"short_penalty" json:"short_penalty"`
	TinyPenalty       float64 `mapstructure:"tiny_penalty" json:"tiny_penalty"`

	// Flat bonuses by chunk type. Skills and experience sections answer most
	// CV questions, so they rank ahead of projects and credentials.
	TypeSkills     float64 `mapstructure:"type_skills" json:"type_skills"`
	TypeExperience float64 `mapstructure:"type_experience" json:"type_experience"`
	TypeProject    float64 `mapstructure:"type_project" json:"type_project"`
	TypeCredential float64 `mapstructure:"type_credential" json:"type_credential"`
}

// DefaultRerankWeights returns the tuned re-ranking weights.
func DefaultRerankWeights() RerankWeights {
	return RerankWeights{
		BaseSimilarity:    0.50,
		WordOverlap:       0.15,
		KeywordOverlap:    0.10,
		IsolationContains: 0.20,
		IsolationExact:    0.10,
		MultiStrategy:     0.05,
		SectionWord:       0.03,
		ShortPenalty:      -0.05,
		TinyPenalty:       -0.10,
		TypeSkills:        0.15,
		TypeExperience:    0.12,
		TypeProject:       0.10,
		TypeCredential:    0.08,
	}
}

// Config stores application configuration.
// SECURITY: sensitive fields are masked wherever the config is rendered.
type Config struct {
	// PostgreSQL connection (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding
	EmbedderProvider   string `mapstructure:"embedder_provider" json:"embedder_provider"`
	EmbedderModel      string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost         string `mapstructure:"ollama_host" json:"ollama_host"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`
	EmbeddingWorkers   int    `mapstructure:"embedding_workers" json:"embedding_workers"`

	// Chunking
	ChunkSize        int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap     int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	MinSectionLength int `mapstructure:"min_section_length" json:"min_section_length"`

	// Retrieval
	TopK             int           `mapstructure:"top_k" json:"top_k"`
	SimilarityMin    float64       `mapstructure:"similarity_threshold" json:"similarity_threshold"`
	FallbackMin      float64       `mapstructure:"fallback_threshold" json:"fallback_threshold"`
	KeywordScanLimit int           `mapstructure:"keyword_scan_limit" json:"keyword_scan_limit"`
	KeywordDamping   float64       `mapstructure:"keyword_damping" json:"keyword_damping"`
	EnableHybrid     bool          `mapstructure:"enable_hybrid_search" json:"enable_hybrid_search"`
	EnableReranking  bool          `mapstructure:"enable_reranking" json:"enable_reranking"`
	Rerank           RerankWeights `mapstructure:"rerank" json:"rerank"`

	// Indexing
	UploadDir         string   `mapstructure:"upload_dir" json:"upload_dir"`
	MaxFileSize       int64    `mapstructure:"max_file_size" json:"max_file_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions" json:"allowed_extensions"`
	IndexingWorkers   int      `mapstructure:"indexing_workers" json:"indexing_workers"`

	// Generation service (chat-completions compatible endpoint)
	GenerationBaseURL     string  `mapstructure:"generation_base_url" json:"generation_base_url"`
	GenerationAPIKey      string  `mapstructure:"generation_api_key" json:"-"` // SENSITIVE
	GenerationModel       string  `mapstructure:"generation_model" json:"generation_model"`
	GenerationMaxTokens   int     `mapstructure:"generation_max_tokens" json:"generation_max_tokens"`
	GenerationTemperature float64 `mapstructure:"generation_temperature" json:"generation_temperature"`
	GenerationTimeoutSec  int     `mapstructure:"generation_timeout_seconds" json:"generation_timeout_seconds"`
	GenerationMaxRetries  int     `mapstructure:"generation_max_retries" json:"generation_max_retries"`
	GenerationRateRPS     float64 `mapstructure:"generation_rate_rps" json:"generation_rate_rps"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".dossier")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("DOSSIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes priority over individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "dossier")
	v.SetDefault("postgres_password", "dossier_dev_password")
	v.SetDefault("postgres_db_name", "dossier")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Embedding defaults. The dimension must match the rag_chunks schema.
	v.SetDefault("embedder_provider", "ollama")
	v.SetDefault("embedder_model", "all-minilm")
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("embedding_dimension", 384)
	v.SetDefault("embedding_workers", 2)

	// Chunking defaults
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 200)
	v.SetDefault("min_section_length", 50)

	// Retrieval defaults
	v.SetDefault("top_k", 8)
	v.SetDefault("similarity_threshold", 0.1)
	v.SetDefault("fallback_threshold", 0.05)
	v.SetDefault("keyword_scan_limit", 1000)
	v.SetDefault("keyword_damping", 0.8)
	v.SetDefault("enable_hybrid_search", true)
	v.SetDefault("enable_reranking", true)
	w := DefaultRerankWeights()
	v.SetDefault("rerank.base_similarity", w.BaseSimilarity)
	v.SetDefault("rerank.word_overlap", w.WordOverlap)
	v.SetDefault("rerank.keyword_overlap", w.KeywordOverlap)
	v.SetDefault("rerank.isolation_contains", w.IsolationContains)
	v.SetDefault("rerank.isolation_exact", w.IsolationExact)
	v.SetDefault("rerank.multi_strategy", w.MultiStrategy)
	v.SetDefault("rerank.section_word", w.SectionWord)
	v.SetDefault("rerank.short_penalty", w.ShortPenalty)
	v.SetDefault("rerank.tiny_penalty", w.TinyPenalty)
	v.SetDefault("rerank.type_skills", w.TypeSkills)
	v.SetDefault("rerank.type_experience", w.TypeExperience)
	v.SetDefault("rerank.type_project", w.TypeProject)
	v.SetDefault("rerank.type_credential", w.TypeCredential)

	// Indexing defaults
	v.SetDefault("upload_dir", "./uploads")
	v.SetDefault("max_file_size", int64(10*1024*1024))
	v.SetDefault("allowed_extensions", []string{".pdf", ".docx", ".txt", ".md"})
	v.SetDefault("indexing_workers", 2)

	// Generation defaults
	v.SetDefault("generation_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("generation_model", "deepseek/deepseek-chat")
	v.SetDefault("generation_max_tokens", 2048)
	v.SetDefault("generation_temperature", 0.3)
	v.SetDefault("generation_timeout_seconds", 60)
	v.SetDefault("generation_max_retries", 3)
	v.SetDefault("generation_rate_rps", 2)
}

// Validate performs fail-fast validation of the loaded configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration is nil")
	}
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPostgresDBName)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEmbeddingDimension, c.EmbeddingDimension)
	}
	if c.EmbeddingWorkers <= 0 || c.IndexingWorkers <= 0 {
		return fmt.Errorf("%w: embedding=%d indexing=%d",
			ErrInvalidWorkers, c.EmbeddingWorkers, c.IndexingWorkers)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap=%d size=%d",
			ErrInvalidChunkOverlap, c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTopK, c.TopK)
	}
	for _, th := range []float64{c.SimilarityMin, c.FallbackMin} {
		if th < 0 || th > 1 {
			return fmt.Errorf("%w: %f", ErrInvalidThreshold, th)
		}
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxFileSize, c.MaxFileSize)
	}
	return nil
}
