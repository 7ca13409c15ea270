package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{APIKey: "test", BaseURL: srv.URL + "/v1", Timeout: 5 * time.Second}
	logger := zaptest.NewLogger(t)
	return NewOpenAIGateway(NewOpenAIClient(cfg, logger), cfg, logger)
}

func TestOpenAIGatewayComplete(t *testing.T) {
	var body map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "c1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "hybrid_search", "arguments": "{\"query\":\"keanu\"}"}}]
			}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	})

	spec := DefaultModelSpec()
	spec.ModelName = "gpt-test"
	spec.Params["max_tokens"] = 128

	out, err := gw.Complete(context.Background(), Request{
		Stage:  StageToolSelection,
		System: "sys",
		User:   "usr",
		Model:  spec,
		Tools: []ToolDefinition{{
			Name:        "hybrid_search",
			Description: "search",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"query": {Type: jsonschema.String}},
				Required:   []string{"query"},
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "hybrid_search", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"keanu"}`, out.ToolCalls[0].Arguments)
	assert.Equal(t, 12, out.PromptTokens)

	assert.Equal(t, "gpt-test", body["model"])
	assert.EqualValues(t, 0, body["seed"])
	assert.EqualValues(t, 128, body["max_tokens"])
	assert.Contains(t, body, "temperature", "zero temperature must still be sent")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
}

func TestOpenAIGatewayJSONMode(t *testing.T) {
	var body map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"subtasks\":[]}"}}]}`)
	})

	out, err := gw.Complete(context.Background(), Request{Stage: StagePlanner, System: "s", User: "u", Model: DefaultModelSpec(), JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"subtasks":[]}`, out.Text)
	rf := body["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
}

func TestOpenAIGatewayProviderError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := gw.Complete(context.Background(), Request{Stage: StagePlanner, Model: DefaultModelSpec()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvider))
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, StagePlanner, pe.Stage)
}

func TestOpenAIGatewayRejectsUnknownParam(t *testing.T) {
	called := false
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	spec := DefaultModelSpec()
	spec.Params["temprature"] = 0.2
	_, err := gw.Complete(context.Background(), Request{Stage: StagePlanner, Model: spec})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrProvider))
	assert.False(t, called)
}

func TestModelSpecMergeAndValidate(t *testing.T) {
	base := DefaultModelSpec()
	merged := base.Merge(&ModelSpec{ModelName: "gpt-4o-mini"})
	assert.Equal(t, "gpt-4o-mini", merged.ModelName)
	assert.Equal(t, base.Params, merged.Params)

	merged.Params["temperature"] = 0.7
	assert.Equal(t, 0.0, base.Params["temperature"], "merge must not alias params")

	tests := []struct {
		params map[string]any
		ok     bool
	}{
		{map[string]any{"temperature": 0.2, "seed": 1.0}, true},
		{map[string]any{"seed": 1.5}, false},
		{map[string]any{"stop": []any{"\n", "END"}}, true},
		{map[string]any{"stop": []any{1}}, false},
		{map[string]any{"temperature": "hot"}, false},
	}
	for _, tt := range tests {
		err := ModelSpec{ModelName: "m", Params: tt.params}.Validate()
		assert.Equal(t, tt.ok, err == nil, "%v: %v", tt.params, err)
	}
}
