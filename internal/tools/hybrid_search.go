package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

// HybridSearchName is the registered name of the search tool.
const HybridSearchName = "hybrid_search"

const maxTopK = 20

// HybridSearch exposes the retrieval gateway to the model.
type HybridSearch struct {
	gateway retrieval.Gateway
	topK    int
	log     *zap.Logger
}

// NewHybridSearch wraps gateway. topK is used when the model omits top_k.
func NewHybridSearch(gateway retrieval.Gateway, topK int, logger *zap.Logger) *HybridSearch {
	if topK <= 0 {
		topK = 5
	}
	return &HybridSearch{gateway: gateway, topK: topK, log: logger}
}

// Definition implements Tool.
func (h *HybridSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        HybridSearchName,
		Description: "Search the document corpus with combined keyword and semantic matching. Returns the most relevant passages.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"query": {
					Type:        jsonschema.String,
					Description: "Search query. Use the key terms of the subtask.",
				},
				"top_k": {
					Type:        jsonschema.Integer,
					Description: fmt.Sprintf("Number of passages to return (1-%d).", maxTopK),
				},
			},
			Required: []string{"query"},
		},
	}
}

type hybridSearchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Invoke implements Tool.
func (h *HybridSearch) Invoke(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args hybridSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		metrics.ToolInvocations.WithLabelValues(HybridSearchName, "invalid").Inc()
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, HybridSearchName, err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		metrics.ToolInvocations.WithLabelValues(HybridSearchName, "invalid").Inc()
		return Result{}, fmt.Errorf("%w: %s: query is required", ErrInvalidArguments, HybridSearchName)
	}
	k := args.TopK
	if k <= 0 {
		k = h.topK
	}
	if k > maxTopK {
		k = maxTopK
	}

	passages, err := h.gateway.Search(ctx, args.Query, k)
	if err != nil {
		metrics.ToolInvocations.WithLabelValues(HybridSearchName, "error").Inc()
		return Result{}, err
	}
	if passages == nil {
		passages = []retrieval.Passage{}
	}
	metrics.ToolInvocations.WithLabelValues(HybridSearchName, "success").Inc()
	h.log.Debug("Hybrid search tool invoked",
		zap.String("query", args.Query),
		zap.Int("top_k", k),
		zap.Int("passages", len(passages)),
	)
	return Result{Passages: passages}, nil
}
