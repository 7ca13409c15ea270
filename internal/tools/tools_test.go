package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

type stubGateway struct {
	query    string
	k        int
	passages []retrieval.Passage
	err      error
}

func (s *stubGateway) Search(_ context.Context, query string, k int) ([]retrieval.Passage, error) {
	s.query, s.k = query, k
	return s.passages, s.err
}

type echoTool struct{ name string }

func (e echoTool) Definition() llm.ToolDefinition { return llm.ToolDefinition{Name: e.name} }
func (e echoTool) Invoke(context.Context, json.RawMessage) (Result, error) {
	return Result{Passages: []retrieval.Passage{{Text: e.name}}}, nil
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r, err := NewRegistry(echoTool{"zeta"}, echoTool{"alpha"})
	require.NoError(t, err)
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestRegistryDuplicate(t *testing.T) {
	_, err := NewRegistry(echoTool{"a"}, echoTool{"a"})
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistryInvokeErrors(t *testing.T) {
	r, err := NewRegistry(NewHybridSearch(&stubGateway{}, 3, zap.NewNop()))
	require.NoError(t, err)

	tests := []struct {
		name string
		call llm.ToolCall
		want error
	}{
		{"unknown tool", llm.ToolCall{Name: "web_search", Arguments: `{}`}, ErrUnknownTool},
		{"broken json", llm.ToolCall{Name: HybridSearchName, Arguments: `{"query":`}, ErrInvalidArguments},
		{"wrong type", llm.ToolCall{Name: HybridSearchName, Arguments: `{"query":7}`}, ErrInvalidArguments},
		{"empty query", llm.ToolCall{Name: HybridSearchName, Arguments: `{"query":"  "}`}, ErrInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), tt.call)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHybridSearchInvoke(t *testing.T) {
	gw := &stubGateway{passages: []retrieval.Passage{{ID: "1", Text: "twenty days", Score: 0.8}}}
	r, err := NewRegistry(NewHybridSearch(gw, 4, zap.NewNop()))
	require.NoError(t, err)

	res, err := r.Invoke(context.Background(), llm.ToolCall{Name: HybridSearchName, Arguments: `{"query":" annual leave "}`})
	require.NoError(t, err)
	assert.Equal(t, "annual leave", gw.query)
	assert.Equal(t, 4, gw.k)
	require.Len(t, res.Passages, 1)

	_, err = r.Invoke(context.Background(), llm.ToolCall{Name: HybridSearchName, Arguments: `{"query":"x","top_k":500}`})
	require.NoError(t, err)
	assert.Equal(t, maxTopK, gw.k)
}

func TestHybridSearchNoPassagesIsNotAnError(t *testing.T) {
	h := NewHybridSearch(&stubGateway{}, 0, zap.NewNop())
	res, err := h.Invoke(context.Background(), json.RawMessage(`{"query":"parking"}`))
	require.NoError(t, err)
	assert.NotNil(t, res.Passages)
	assert.Empty(t, res.Passages)
}

func TestHybridSearchPropagatesBackendError(t *testing.T) {
	be := &retrieval.BackendError{Backend: "opensearch", StatusCode: 503, Err: errors.New("unavailable")}
	h := NewHybridSearch(&stubGateway{err: be}, 0, zap.NewNop())
	_, err := h.Invoke(context.Background(), json.RawMessage(`{"query":"parking"}`))
	assert.ErrorIs(t, err, retrieval.ErrBackend)
}

func TestHybridSearchDefinition(t *testing.T) {
	def := NewHybridSearch(&stubGateway{}, 0, zap.NewNop()).Definition()
	assert.Equal(t, HybridSearchName, def.Name)
	assert.Equal(t, []string{"query"}, def.Parameters.Required)
}
