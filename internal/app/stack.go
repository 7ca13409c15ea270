// Package app assembles the agent stack shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/evaluation"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tools"
)

// Stack is everything needed to run turns.
type Stack struct {
	Client       *openai.Client
	Gateway      llm.Gateway
	Embedder     *embeddings.Service
	Cache        *embeddings.RedisCache
	Backend      retrieval.Backend
	Tools        *tools.Registry
	Orchestrator *agent.Orchestrator
	Evaluator    *evaluation.Evaluator
	Prompts      *prompts.Store
	Pricing      *pricing.Catalog
	Models       agent.ModelSpecs
}

// Build wires the stack from cfg. The shared embedding cache is optional:
// when Redis is unreachable the service runs with the in-process LRU only.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	s := &Stack{Models: cfg.Agent.ModelSpecs()}

	s.Pricing = pricing.NewCatalog()
	if path := cfg.LLM.PricingPath; path != "" {
		catalog, err := pricing.LoadFile(path)
		if err != nil {
			return nil, err
		}
		s.Pricing = catalog
	}

	s.Client = llm.NewOpenAIClient(cfg.LLM, logger)
	s.Gateway = llm.NewOpenAIGateway(s.Client, cfg.LLM, logger).WithPricing(s.Pricing)

	var shared embeddings.Cache
	if addr := cfg.Embeddings.RedisAddr; addr != "" {
		rc, err := embeddings.NewRedisCache(addr, cfg.Embeddings.CacheTTL)
		if err != nil {
			logger.Warn("Embedding cache unavailable, using local cache only",
				zap.String("addr", addr), zap.Error(err))
		} else {
			s.Cache = rc
			shared = rc
		}
	}
	s.Embedder = embeddings.NewService(cfg.Embeddings, s.Client, shared, logger)

	backend, err := NewBackend(ctx, cfg.Retrieval, s.Embedder, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Backend = backend

	s.Tools, err = tools.NewRegistry(tools.NewHybridSearch(backend, cfg.Agent.ToolTopK, logger))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	s.Orchestrator = agent.NewOrchestrator(s.Gateway, s.Tools, cfg.Agent.Config, logger)

	evalCfg := cfg.Evaluation
	if evalCfg.Model.ModelName == "" {
		evalCfg.Model = s.Models.FinalAnswer.Clone()
	}
	s.Evaluator = evaluation.NewEvaluator(s.Gateway, s.Embedder, evalCfg, logger)

	s.Prompts = prompts.NewStore(prompts.Defaults())
	if path := cfg.Prompts.Path; path != "" {
		o, err := prompts.LoadFile(path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		if err := s.Prompts.Apply(o); err != nil {
			s.Close()
			return nil, fmt.Errorf("prompts %s: %w", path, err)
		}
		logger.Info("Prompt overrides loaded", zap.String("path", path))
	}
	return s, nil
}

// NewBackend opens the configured retrieval backend. OpenSearch indexes are
// created when missing.
func NewBackend(ctx context.Context, cfg retrieval.Config, embedder embeddings.Embedder, logger *zap.Logger) (retrieval.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "opensearch":
		search := retrieval.NewOpenSearch(cfg, embedder, logger)
		if err := search.EnsureIndex(ctx); err != nil {
			logger.Warn("OpenSearch index not ready", zap.Error(err))
		}
		return search, nil
	case "", "chromem":
		c, err := retrieval.NewChromem(cfg, embedder, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", cfg.Backend)
	}
}

// Close releases external connections.
func (s *Stack) Close() {
	if s.Cache != nil {
		_ = s.Cache.Client().Close()
	}
}
