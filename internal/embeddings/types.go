package embeddings

import (
	"context"
	"time"
)

// DefaultModel matches the model used to build the search index.
const DefaultModel = "text-embedding-3-large"

// Config controls the embedding service behavior
type Config struct {
	// Model is the embedding model (e.g. text-embedding-3-large)
	Model string `mapstructure:"model"`
	// Dimensions truncates vectors when the model supports it; 0 keeps the native size
	Dimensions int `mapstructure:"dimensions"`
	// Timeout for one provider call
	Timeout time.Duration `mapstructure:"timeout"`
	// RedisAddr enables the shared cache when non-empty
	RedisAddr string `mapstructure:"redis_addr"`
	// CacheTTL sets TTL for embedding cache entries
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// MaxLRU controls in-process cache size
	MaxLRU int `mapstructure:"max_lru"`
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
