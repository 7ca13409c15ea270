package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// Client is the subset of the OpenAI client used for embeddings.
type Client interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Service generates embeddings with a two-tier cache in front of the provider.
type Service struct {
	cfg    Config
	client Client
	local  *LocalCache
	shared Cache
	logger *zap.Logger
}

// NewService creates a service. shared may be nil.
func NewService(cfg Config, client Client, shared Cache, logger *zap.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		client: client,
		local:  NewLocalCache(cfg.MaxLRU, cfg.CacheTTL),
		shared: shared,
		logger: logger,
	}
}

// Model returns the configured embedding model.
func (s *Service) Model() string { return s.cfg.Model }

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one provider call, skipping cached entries.
// Results are returned in input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.local.Get(ctx, key); ok {
			metrics.EmbeddingCacheHits.WithLabelValues("local").Inc()
			results[i] = v
			continue
		}
		if s.shared != nil {
			if v, ok := s.shared.Get(ctx, key); ok {
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				s.local.Set(ctx, key, v)
				results[i] = v
				continue
			}
		}
		metrics.EmbeddingCacheMisses.Inc()
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	vecs, err := s.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		results[missingIdx[i]] = v
		key := MakeKey(s.cfg.Model, missing[i])
		s.local.Set(ctx, key, v)
		if s.shared != nil {
			s.shared.Set(ctx, key, v)
		}
	}
	return results, nil
}

func (s *Service) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.create")
	var err error
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.cfg.Model),
		Dimensions: s.cfg.Dimensions,
	})
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		s.logger.Error("Embedding request failed", zap.String("model", s.cfg.Model), zap.Error(err))
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		err = fmt.Errorf("embedding provider returned %d vectors for %d texts", len(resp.Data), len(texts))
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			err = errors.New("embedding index out of range")
			return nil, err
		}
		out[d.Index] = d.Embedding
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}
