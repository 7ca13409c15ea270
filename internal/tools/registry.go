// Package tools holds the named capabilities a subtask can invoke.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

var (
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when tool arguments do not decode.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Result is what a tool hands back to the executor.
type Result struct {
	Passages []retrieval.Passage `json:"passages"`
}

// Tool is one named capability.
type Tool interface {
	Definition() llm.ToolDefinition
	// Invoke runs the tool. Argument decoding failures must wrap
	// ErrInvalidArguments.
	Invoke(ctx context.Context, args json.RawMessage) (Result, error)
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return errors.New("tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every tool definition, sorted by name so the request
// sent to the model is stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, r.tools[n].Definition())
	}
	return defs
}

// Invoke dispatches a model tool call.
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall) (Result, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return Result{}, fmt.Errorf("%w: %s: not valid JSON", ErrInvalidArguments, call.Name)
	}
	return t.Invoke(ctx, args)
}
