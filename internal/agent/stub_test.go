package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

type respond func(req llm.Request) (*llm.Completion, error)

// stubLLM answers by stage. Every default is deterministic.
type stubLLM struct {
	mu    sync.Mutex
	calls []llm.Request

	plan       respond
	selectTool respond
	answer     respond
	reflect    respond
	final      respond
}

func newStubLLM() *stubLLM {
	return &stubLLM{
		plan: func(llm.Request) (*llm.Completion, error) {
			return text(`{"subtasks": ["Find the early life of Keanu Reeves"], "clarification": ""}`), nil
		},
		selectTool: func(req llm.Request) (*llm.Completion, error) {
			args, _ := json.Marshal(map[string]string{"query": subtaskOf(req.User)})
			return &llm.Completion{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "hybrid_search", Arguments: string(args)}}}, nil
		},
		answer: func(req llm.Request) (*llm.Completion, error) {
			if strings.Contains(req.User, noPassages) {
				return text("NOT FOUND: " + subtaskOf(req.User)), nil
			}
			return text("FOUND: " + subtaskOf(req.User)), nil
		},
		reflect: func(req llm.Request) (*llm.Completion, error) {
			if strings.Contains(req.User, "NOT FOUND") {
				return text(`{"is_completed": false, "advice": "Use synonyms"}`), nil
			}
			return text(`{"is_completed": true, "advice": ""}`), nil
		},
		final: func(req llm.Request) (*llm.Completion, error) {
			if strings.Contains(req.System, "Status: succeeded") {
				return text(`{"outcome": "answered", "text": "Here is what the documents say."}`), nil
			}
			return text(`{"outcome": "no_answer", "text": "The provided documents do not cover this."}`), nil
		},
	}
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	switch req.Stage {
	case llm.StagePlanner:
		return s.plan(req)
	case llm.StageToolSelection:
		return s.selectTool(req)
	case llm.StageSubtaskAnswer:
		return s.answer(req)
	case llm.StageReflection:
		return s.reflect(req)
	case llm.StageFinalAnswer:
		return s.final(req)
	}
	panic("unexpected stage " + string(req.Stage))
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubLLM) callsFor(stage llm.Stage) []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.Request
	for _, c := range s.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func text(s string) *llm.Completion { return &llm.Completion{Text: s} }

// subtaskOf extracts the "Subtask: ..." line of a rendered prompt.
func subtaskOf(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "Subtask: ") {
			return strings.TrimPrefix(line, "Subtask: ")
		}
	}
	return ""
}

// stubSearch is a retrieval gateway backed by a function.
type stubSearch func(query string) ([]retrieval.Passage, error)

func (f stubSearch) Search(_ context.Context, query string, _ int) ([]retrieval.Passage, error) {
	return f(query)
}

func biography(string) ([]retrieval.Passage, error) {
	return []retrieval.Passage{{ID: "bio-1", Text: "Keanu Reeves was born in Beirut in 1964 and grew up in Toronto.", Score: 0.91, Source: "keanu.md"}}, nil
}

func nothing(string) ([]retrieval.Passage, error) { return nil, nil }
