package main

import (
	"context"
	"strings"

	"consultflow/backend/internal/config"
	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/logging"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/templates"
)

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Store, error) {
	if cfg.Store == "memory" {
		logger.Warn("Using the in-memory store; nothing survives a restart")
		store := repository.NewMemoryStore()
		if _, err := templates.Seed(ctx, store, templates.Default(), nil); err != nil {
			return nil, err
		}
		return store, nil
	}

	logger.Debug("Initializing database connection")
	pool, err := repository.OpenPool(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("Database connected", "host", cfg.DB.Host, "database", cfg.DB.Name)
	return store, nil
}

// newClient returns the completion provider. Without credentials every
// step fails with ModelUnavailable instead of the server refusing to start.
func newClient(cfg *config.Config) llm.Client {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai":
		if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" {
			return llm.Unconfigured{}
		}
		return llm.NewOpenAI(openAIOptions(cfg))
	case "google", "gemini":
		if cfg.LLM.APIKey == "" {
			return llm.Unconfigured{}
		}
		return llm.NewGoogle(llm.GoogleOptions{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.Embeddings.Model,
			MaxTokens:      cfg.LLM.MaxTokens,
		})
	default:
		return llm.Unconfigured{}
	}
}

// newEmbedder returns nil when embeddings are disabled, which leaves
// retrieval on keyword ranking.
func newEmbedder(cfg *config.Config) llm.Embedder {
	switch strings.ToLower(cfg.Embeddings.Provider) {
	case "sidecar":
		if cfg.Embeddings.SidecarURL == "" {
			return nil
		}
		return llm.NewSidecar(cfg.Embeddings.SidecarURL)
	case "openai":
		if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" {
			return nil
		}
		return llm.NewOpenAI(openAIOptions(cfg))
	case "google", "gemini":
		if cfg.LLM.APIKey == "" {
			return nil
		}
		return llm.NewGoogle(llm.GoogleOptions{APIKey: cfg.LLM.APIKey, EmbeddingModel: cfg.Embeddings.Model})
	default:
		return nil
	}
}

func openAIOptions(cfg *config.Config) llm.OpenAIOptions {
	return llm.OpenAIOptions{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.Embeddings.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxRetries:     cfg.LLM.MaxRetries,
	}
}
