package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/engine"
	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/retrieval"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/spf13/viper"
)

// Config gathers every configurable section of the ledger.
type Config struct {
	Database  DatabaseConfig
	Logging   LoggingConfig
	Server    ServerConfig
	LLM       llm.Config
	Retrieval RetrievalConfig
	Catalog   CatalogConfig
	Memory    memory.Config
	Engine    engine.Config
	Workers   int
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string
	Format string
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration
}

// CatalogConfig points at a catalog file. Empty means the embedded catalog.
type CatalogConfig struct {
	Path string
}

// RetrievalConfig selects the embedder and vector index.
type RetrievalConfig struct {
	Embedder      string
	VoyageAPIKey  string
	VoyageModel   string
	Dimensions    int
	Index         string
	PineconeKey   string
	PineconeHost  string
	PineconeSpace string
}

// Embedders and indexes.
const (
	EmbedderHash   = "hash"
	EmbedderVoyage = "voyage"
	IndexMemory    = "memory"
	IndexPinecone  = "pinecone"
)

// DefaultDatabasePath is used when database.path is unset.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".local", "share", "ledger", "ledger.db")
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", 500*time.Millisecond)
	v.SetDefault("llm.timeout", llm.DefaultCallTimeout)
	v.SetDefault("llm.rate_limit", 60)
	v.SetDefault("llm.max_tokens", 512)

	v.SetDefault("retrieval.embedder", EmbedderHash)
	v.SetDefault("retrieval.index", IndexMemory)
	v.SetDefault("retrieval.dimensions", retrieval.DefaultHashDimensions)
	v.SetDefault("retrieval.top_k", retrieval.DefaultTopK)
	v.SetDefault("retrieval.secondary_boost", retrieval.DefaultSecondaryBoost)

	v.SetDefault("memory.threshold", memory.DefaultThreshold)
	v.SetDefault("memory.dedup_window", memory.DefaultDedupWindow)

	d := engine.DefaultConfig()
	v.SetDefault("engine.memory_mode", string(d.MemoryMode))
	v.SetDefault("engine.low_confidence", d.LowConfidence)
	v.SetDefault("engine.mixed_confidence_cap", d.MixedConfidenceCap)
	v.SetDefault("engine.workers", engine.DefaultWorkers)
}

// Load reads a typed configuration from v. API keys fall back to the
// provider's usual environment variable when the config leaves them empty.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	mode, err := engine.ParseMemoryMode(v.GetString("engine.memory_mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{Path: ExpandPath(v.GetString("database.path"))},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Catalog: CatalogConfig{Path: ExpandPath(v.GetString("catalog.path"))},
		LLM: llm.Config{
			Provider:    strings.ToLower(v.GetString("llm.provider")),
			APIKey:      v.GetString("llm.api_key"),
			Model:       v.GetString("llm.model"),
			BaseURL:     v.GetString("llm.base_url"),
			MaxRetries:  v.GetInt("llm.max_retries"),
			RetryDelay:  v.GetDuration("llm.retry_delay"),
			Timeout:     v.GetDuration("llm.timeout"),
			RateLimit:   v.GetInt("llm.rate_limit"),
			Temperature: v.GetFloat64("llm.temperature"),
			MaxTokens:   v.GetInt("llm.max_tokens"),
		},
		Retrieval: RetrievalConfig{
			Embedder:      strings.ToLower(v.GetString("retrieval.embedder")),
			VoyageAPIKey:  v.GetString("retrieval.voyage_api_key"),
			VoyageModel:   v.GetString("retrieval.voyage_model"),
			Dimensions:    v.GetInt("retrieval.dimensions"),
			Index:         strings.ToLower(v.GetString("retrieval.index")),
			PineconeKey:   v.GetString("retrieval.pinecone_api_key"),
			PineconeHost:  v.GetString("retrieval.pinecone_host"),
			PineconeSpace: v.GetString("retrieval.pinecone_namespace"),
		},
		Memory: memory.Config{
			Threshold:   v.GetInt("memory.threshold"),
			DedupWindow: v.GetDuration("memory.dedup_window"),
		},
		Engine: engine.Config{
			MemoryMode:         mode,
			LowConfidence:      v.GetFloat64("engine.low_confidence"),
			MixedConfidenceCap: v.GetFloat64("engine.mixed_confidence_cap"),
			SecondaryBoost:     v.GetFloat64("retrieval.secondary_boost"),
			TopK:               v.GetInt("retrieval.top_k"),
			CallTimeout:        v.GetDuration("llm.timeout"),
			Retry: service.RetryOptions{
				MaxAttempts:  v.GetInt("llm.max_retries"),
				InitialDelay: v.GetDuration("llm.retry_delay"),
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
			},
		},
		Workers: v.GetInt("engine.workers"),
	}

	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.Retrieval.VoyageAPIKey == "" {
		cfg.Retrieval.VoyageAPIKey = os.Getenv("VOYAGE_API_KEY")
	}
	if cfg.Retrieval.PineconeKey == "" {
		cfg.Retrieval.PineconeKey = os.Getenv("PINECONE_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", common.ErrInvalidConfig, c.Logging.Format)
	}
	switch c.Retrieval.Embedder {
	case EmbedderHash, EmbedderVoyage:
	default:
		return fmt.Errorf("%w: embedder %q", common.ErrInvalidConfig, c.Retrieval.Embedder)
	}
	switch c.Retrieval.Index {
	case IndexMemory, IndexPinecone:
	default:
		return fmt.Errorf("%w: index %q", common.ErrInvalidConfig, c.Retrieval.Index)
	}
	if c.Retrieval.Index == IndexPinecone && c.Retrieval.Embedder == EmbedderHash {
		return fmt.Errorf("%w: the pinecone index needs the voyage embedder", common.ErrInvalidConfig)
	}
	if c.Memory.Threshold < 1 {
		return fmt.Errorf("%w: memory.threshold must be at least 1", common.ErrInvalidConfig)
	}
	if c.Engine.TopK < 1 || c.Engine.TopK > retrieval.MaxTopK {
		return fmt.Errorf("%w: retrieval.top_k must be between 1 and %d", common.ErrInvalidConfig, retrieval.MaxTopK)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: engine.workers must be at least 1", common.ErrInvalidConfig)
	}
	return nil
}
