package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// DefaultModel is used for every stage unless configured otherwise.
const DefaultModel = "gpt-4o-2024-08-06"

// Stage labels a model call within a turn.
type Stage string

const (
	StagePlanner       Stage = "planner"
	StageToolSelection Stage = "tool_selection"
	StageSubtaskAnswer Stage = "subtask_answer"
	StageReflection    Stage = "reflection"
	StageFinalAnswer   Stage = "final_answer"
	StageEvaluation    Stage = "evaluation"
)

// ModelSpec selects a model and its sampling options for one stage.
type ModelSpec struct {
	ModelName string         `json:"model_name" yaml:"model_name" mapstructure:"model_name"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
}

// DefaultModelSpec returns a deterministic spec: temperature 0 and seed 0.
func DefaultModelSpec() ModelSpec {
	return ModelSpec{
		ModelName: DefaultModel,
		Params:    map[string]any{"temperature": 0.0, "seed": 0},
	}
}

// Clone returns a deep copy so callers can mutate params freely.
func (m ModelSpec) Clone() ModelSpec {
	out := ModelSpec{ModelName: m.ModelName}
	if m.Params != nil {
		out.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Merge overlays a caller-provided spec. An empty model name or nil params
// keep the receiver's values.
func (m ModelSpec) Merge(override *ModelSpec) ModelSpec {
	out := m.Clone()
	if override == nil {
		return out
	}
	if override.ModelName != "" {
		out.ModelName = override.ModelName
	}
	if override.Params != nil {
		out.Params = override.Clone().Params
	}
	return out
}

// Validate rejects unknown sampling options and values of the wrong type.
func (m ModelSpec) Validate() error {
	if m.ModelName == "" {
		return errors.New("model_name is required")
	}
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.Params[k]
		switch k {
		case "temperature", "top_p", "presence_penalty", "frequency_penalty":
			if _, ok := toFloat(v); !ok {
				return fmt.Errorf("param %s must be a number", k)
			}
		case "seed", "max_tokens":
			if _, ok := toInt(v); !ok {
				return fmt.Errorf("param %s must be an integer", k)
			}
		case "stop":
			if _, ok := toStrings(v); !ok {
				return fmt.Errorf("param %s must be a string or list of strings", k)
			}
		default:
			return fmt.Errorf("unknown model param %q", k)
		}
	}
	return nil
}

// ToolDefinition describes a callable tool in function-calling form.
type ToolDefinition struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Parameters  jsonschema.Definition `json:"parameters"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a single system+user completion.
type Request struct {
	Stage  Stage
	System string
	User   string
	Model  ModelSpec
	Tools  []ToolDefinition
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Completion is the provider's answer.
type Completion struct {
	Text             string     `json:"text"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	PromptTokens     int        `json:"-"`
	CompletionTokens int        `json:"-"`
}

// Gateway produces completions.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (*Completion, error)

// Complete calls f.
func (f GatewayFunc) Complete(ctx context.Context, req Request) (*Completion, error) {
	return f(ctx, req)
}

// ErrProvider marks failures reported by, or on the way to, the model provider.
var ErrProvider = errors.New("language model provider error")

// ProviderError carries provider failure details. It matches ErrProvider.
type ProviderError struct {
	Stage      Stage
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s (%s): status %d: %v", e.Stage, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s (%s): %v", e.Stage, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is reports ErrProvider so callers can branch without the concrete type.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case float32:
		if n == float32(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func toStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case string:
		return []string{s}, true
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}
