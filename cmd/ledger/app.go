package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/config"
	"github.com/Veraticus/the-books-must-balance/internal/engine"
	"github.com/Veraticus/the-books-must-balance/internal/feedback"
	"github.com/Veraticus/the-books-must-balance/internal/guardrail"
	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/metrics"
	"github.com/Veraticus/the-books-must-balance/internal/profile"
	"github.com/Veraticus/the-books-must-balance/internal/retrieval"
	"github.com/Veraticus/the-books-must-balance/internal/storage"
	"github.com/spf13/viper"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	catalog  *catalog.Catalog
	guard    *guardrail.Validator
	memory   *memory.Memory
	metrics  *metrics.Aggregator
	feedback *feedback.Recorder
	logger   *slog.Logger
}

// newApp loads the configuration, opens and migrates the database, and wires
// everything that does not talk to external services.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	agg, err := metrics.NewAggregator(store, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	guard := guardrail.New(cat)
	mem := memory.New(store, cfg.Memory, logger)
	recorder, err := feedback.NewRecorder(feedback.Config{
		Storage: store,
		Catalog: cat,
		Memory:  mem,
		Guard:   guard,
		Metrics: agg,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	slog.Debug("Connected to database", "path", cfg.Database.Path, "catalog_version", cat.Version())

	return &app{
		cfg:      cfg,
		store:    store,
		catalog:  cat,
		guard:    guard,
		memory:   mem,
		metrics:  agg,
		feedback: recorder,
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return cat, nil
}

// newEmbedder builds the configured embedder.
func (a *app) newEmbedder() (retrieval.Embedder, error) {
	rc := a.cfg.Retrieval
	switch rc.Embedder {
	case config.EmbedderVoyage:
		return retrieval.NewVoyageEmbedder(rc.VoyageAPIKey, rc.VoyageModel, rc.Dimensions)
	default:
		return retrieval.NewHashEmbedder(rc.Dimensions), nil
	}
}

// newIndex builds the configured account index. The in-memory index embeds
// the whole catalog up front.
func (a *app) newIndex(ctx context.Context, embedder retrieval.Embedder) (retrieval.Index, error) {
	rc := a.cfg.Retrieval
	switch rc.Index {
	case config.IndexPinecone:
		return a.newPineconeIndex()
	default:
		return retrieval.BuildIndex(ctx, a.catalog, embedder)
	}
}

func (a *app) newPineconeIndex() (*retrieval.PineconeIndex, error) {
	rc := a.cfg.Retrieval
	return retrieval.NewPineconeIndex(retrieval.PineconeConfig{
		APIKey:    rc.PineconeKey,
		Host:      rc.PineconeHost,
		Namespace: rc.PineconeSpace,
	}, a.catalog)
}

// newClassifier wires the full classification funnel.
func (a *app) newClassifier(ctx context.Context) (*engine.HierarchicalClassifier, error) {
	embedder, err := a.newEmbedder()
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	index, err := a.newIndex(ctx, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to build account index: %w", err)
	}

	client, err := llm.NewClient(a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	prompts, err := llm.NewPromptBuilder()
	if err != nil {
		return nil, err
	}
	phases, err := llm.NewPhaseClassifier(client, prompts, llm.ClassifierOptions{
		Retry:       a.cfg.Engine.Retry,
		CallTimeout: a.cfg.Engine.CallTimeout,
		RateLimit:   a.cfg.LLM.RateLimit,
		MaxTokens:   a.cfg.LLM.MaxTokens,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Deps{
		Storage:   a.store,
		Catalog:   a.catalog,
		Phases:    phases,
		Retriever: retrieval.NewRetriever(embedder, index, a.catalog, a.logger),
		Memory:    a.memory,
		Profiles:  profile.NewResolver(a.store, a.logger),
		Guard:     a.guard,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, a.cfg.Engine)
}
