package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tools"
)

func newOrchestrator(t *testing.T, model llm.Gateway, search retrieval.Gateway, cfg Config) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry, err := tools.NewRegistry(tools.NewHybridSearch(search, 3, logger))
	require.NoError(t, err)
	return NewOrchestrator(model, registry, cfg, logger)
}

func turn(query string) TurnRequest {
	return TurnRequest{
		Input:   TurnInput{Query: query},
		Prompts: prompts.Defaults(),
		Models:  DefaultModelSpecs(),
	}
}

func TestScenarioAnsweredWithoutRetry(t *testing.T) {
	model := newStubLLM()
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	trace, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
	require.NoError(t, err)

	require.NotNil(t, trace.Outcome)
	assert.Equal(t, OutcomeAnswered, trace.Outcome.Kind)
	require.Len(t, trace.Subtasks, 1)
	st := trace.Subtasks[0]
	assert.Equal(t, SubtaskSucceeded, st.Status)
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, VerdictSufficient, st.Attempts[0].Verdict)
	assert.Equal(t, "FOUND: Find the early life of Keanu Reeves", st.Answer)

	att := st.Attempts[0]
	require.Len(t, att.ToolCalls, 1)
	assert.Equal(t, "hybrid_search", att.ToolCalls[0].Tool)
	assert.Equal(t, "bio-1", att.ToolCalls[0].Passages[0].ID)
	assert.Contains(t, att.Answer.User, "# Tool results")
	assert.Contains(t, att.Answer.User, "born in Beirut")

	assert.Equal(t, []TurnState{StatePlanning, StateExecutingSubtasks, StateSynthesizing, StateTerminal}, trace.States)
	assert.NotNil(t, trace.FinalCall)
	assert.Equal(t, 5, model.callCount())
}

func TestScenarioClarificationCreatesNoSubtasks(t *testing.T) {
	model := newStubLLM()
	model.plan = func(llm.Request) (*llm.Completion, error) {
		return text(`{"subtasks": ["ignored"], "clarification": "What specifically about Japan?"}`), nil
	}
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	trace, err := o.Run(context.Background(), turn("About Japan"))
	require.NoError(t, err)

	assert.Equal(t, &Outcome{Kind: OutcomeClarificationRequested, Text: "What specifically about Japan?"}, trace.Outcome)
	assert.Empty(t, trace.Subtasks)
	assert.Empty(t, trace.Plan)
	assert.Nil(t, trace.FinalCall)
	assert.Equal(t, []TurnState{StatePlanning, StateTerminal}, trace.States)
	assert.Equal(t, 1, model.callCount())
}

func TestScenarioNoPassagesExhaustsRetries(t *testing.T) {
	model := newStubLLM()
	o := newOrchestrator(t, model, stubSearch(nothing), Config{MaxRetries: 2})

	trace, err := o.Run(context.Background(), turn("Summarize the Sengoku period"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoAnswer, trace.Outcome.Kind)
	require.Len(t, trace.Subtasks, 1)
	st := trace.Subtasks[0]
	assert.Equal(t, SubtaskFailedExhausted, st.Status)
	require.Len(t, st.Attempts, 3)
	for i, a := range st.Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, VerdictInsufficient, a.Verdict)
		assert.Contains(t, a.Answer.User, noPassages)
	}
	assert.Equal(t, st.Attempts[2].ToolResult, st.Answer)

	// Retries carry the advice and the previous result.
	retry := st.Attempts[1].ToolSelection.User
	assert.Contains(t, retry, "Use synonyms")
	assert.Contains(t, retry, st.Attempts[0].ToolResult)
	assert.NotContains(t, st.Attempts[0].ToolSelection.User, "Use synonyms")
}

func TestScenarioAlwaysInsufficientRunsExactlyMaxRetriesPlusOne(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 4} {
		t.Run(fmt.Sprintf("max_retries=%d", maxRetries), func(t *testing.T) {
			model := newStubLLM()
			model.reflect = func(llm.Request) (*llm.Completion, error) {
				return text(`{"is_completed": false, "advice": "Broaden the query"}`), nil
			}
			o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

			req := turn("Tell me about Keanu Reeves' early life")
			req.MaxRetries = &maxRetries
			trace, err := o.Run(context.Background(), req)
			require.NoError(t, err)

			st := trace.Subtasks[0]
			assert.Equal(t, SubtaskFailedExhausted, st.Status)
			assert.Len(t, st.Attempts, maxRetries+1)
			assert.Equal(t, maxRetries, trace.MaxRetries)
			assert.Len(t, model.callsFor(llm.StageReflection), maxRetries+1)
		})
	}
}

func TestSucceededIffLastVerdictSufficient(t *testing.T) {
	model := newStubLLM()
	var mu sync.Mutex
	n := 0
	model.reflect = func(llm.Request) (*llm.Completion, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < 2 {
			return text(`{"is_completed": false, "advice": "Add the birth year"}`), nil
		}
		return text(`{"is_completed": true}`), nil
	}
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	trace, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
	require.NoError(t, err)

	st := trace.Subtasks[0]
	assert.Equal(t, SubtaskSucceeded, st.Status)
	require.Len(t, st.Attempts, 2)
	assert.Equal(t, VerdictInsufficient, st.Attempts[0].Verdict)
	assert.Equal(t, "Add the birth year", st.Attempts[0].Advice)
	assert.Equal(t, VerdictSufficient, st.Attempts[1].Verdict)
}

func multiPlan(n int) respond {
	return func(llm.Request) (*llm.Completion, error) {
		subtasks := make([]string, n)
		for i := range subtasks {
			subtasks[i] = fmt.Sprintf(`"Find fact %d"`, i+1)
		}
		return text(`{"subtasks": [` + strings.Join(subtasks, ",") + `]}`), nil
	}
}

func TestPlanOrderPreservedUnderConcurrency(t *testing.T) {
	model := newStubLLM()
	model.plan = multiPlan(6)
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2, Concurrency: 4})

	trace, err := o.Run(context.Background(), turn("Tell me six facts"))
	require.NoError(t, err)

	require.Len(t, trace.Subtasks, 6)
	for i, st := range trace.Subtasks {
		assert.Equal(t, i+1, st.ID)
		assert.Equal(t, fmt.Sprintf("Find fact %d", i+1), st.Description)
		assert.Equal(t, SubtaskSucceeded, st.Status)
	}

	final := model.callsFor(llm.StageFinalAnswer)
	require.Len(t, final, 1)
	last := -1
	for i := 1; i <= 6; i++ {
		idx := strings.Index(final[0].System, fmt.Sprintf("[%d] Find fact %d", i, i))
		require.GreaterOrEqual(t, idx, 0)
		assert.Greater(t, idx, last)
		last = idx
	}
}

func TestSubtaskFailureDoesNotCancelSiblings(t *testing.T) {
	model := newStubLLM()
	model.plan = multiPlan(3)
	base := model.answer
	model.answer = func(req llm.Request) (*llm.Completion, error) {
		if subtaskOf(req.User) == "Find fact 2" {
			return nil, &llm.ProviderError{Stage: req.Stage, Model: req.Model.ModelName, StatusCode: 503, Err: errors.New("overloaded")}
		}
		return base(req)
	}
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2, Concurrency: 3})

	trace, err := o.Run(context.Background(), turn("Tell me three facts"))
	require.Error(t, err)

	var te *TurnError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StageSubtaskAnswer, te.Stage)
	assert.Equal(t, 2, te.SubtaskID)
	assert.Equal(t, SubtaskSucceeded, trace.Subtasks[0].Status)
	assert.Equal(t, SubtaskSucceeded, trace.Subtasks[2].Status)
	assert.Nil(t, trace.Outcome)
	assert.Empty(t, model.callsFor(llm.StageFinalAnswer))
}

func TestTracesAreIdempotent(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			run := func() *Trace {
				model := newStubLLM()
				model.plan = multiPlan(3)
				o := newOrchestrator(t, model, stubSearch(func(q string) ([]retrieval.Passage, error) {
					if strings.HasSuffix(q, "2") {
						return nil, nil
					}
					return biography(q)
				}), Config{MaxRetries: 2, Concurrency: concurrency})
				req := turn("Tell me three facts")
				req.Input.ChatHistory = []ChatMessage{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}
				trace, err := o.Run(context.Background(), req)
				require.NoError(t, err)
				return trace
			}
			assert.Equal(t, run(), run())
		})
	}
}

func TestMissingPlaceholderFailsBeforeAnyGatewayCall(t *testing.T) {
	tests := []struct {
		name string
		slot prompts.Slot
		tpl  string
	}{
		{"unsupplied in stage", prompts.SlotPlannerUser, "Input: {query} Result: {tool_result}"},
		{"unknown name", prompts.SlotFinalAnswerUser, "{query} {mood}"},
		{"advice outside retry", prompts.SlotReflectionUser, "{tool_result} {advice}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newStubLLM()
			o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})
			req := turn("Tell me about Keanu Reeves' early life")
			req.Prompts = req.Prompts.With(tt.slot, tt.tpl)

			_, err := o.Run(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, prompts.ErrMissingPlaceholder)
			var te *TurnError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, StageValidation, te.Stage)
			assert.Zero(t, model.callCount())
		})
	}
}

func TestValidationErrors(t *testing.T) {
	model := newStubLLM()
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	_, err := o.Run(context.Background(), turn("   "))
	assert.ErrorIs(t, err, ErrEmptyQuery)

	req := turn("q")
	tooMany := 11
	req.MaxRetries = &tooMany
	_, err = o.Run(context.Background(), req)
	assert.Error(t, err)

	req = turn("q")
	req.Models.Reflection.Params = map[string]any{"logit_bias": 1}
	_, err = o.Run(context.Background(), req)
	var mse *ModelSpecError
	require.True(t, errors.As(err, &mse))
	assert.Equal(t, "reflection", mse.Stage)

	assert.Zero(t, model.callCount())
}

func TestGatewayErrorsAreFatal(t *testing.T) {
	t.Run("planner provider error", func(t *testing.T) {
		model := newStubLLM()
		model.plan = func(req llm.Request) (*llm.Completion, error) {
			return nil, &llm.ProviderError{Stage: req.Stage, Model: req.Model.ModelName, StatusCode: 500, Err: errors.New("boom")}
		}
		o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})
		trace, err := o.Run(context.Background(), turn("q"))
		assert.ErrorIs(t, err, ErrGateway)
		assert.ErrorIs(t, err, llm.ErrProvider)
		assert.Nil(t, trace.Outcome)
		require.NotNil(t, trace.PlannerCall)
		assert.NotEmpty(t, trace.PlannerCall.System)
	})

	t.Run("retrieval backend error", func(t *testing.T) {
		model := newStubLLM()
		search := stubSearch(func(string) ([]retrieval.Passage, error) {
			return nil, &retrieval.BackendError{Backend: "opensearch", StatusCode: 503, Err: errors.New("unavailable")}
		})
		o := newOrchestrator(t, model, search, Config{MaxRetries: 2})
		_, err := o.Run(context.Background(), turn("q"))
		assert.ErrorIs(t, err, ErrGateway)
		assert.ErrorIs(t, err, retrieval.ErrBackend)
		var te *TurnError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, StageToolInvocation, te.Stage)
		assert.Equal(t, 1, te.SubtaskID)
		assert.Empty(t, model.callsFor(llm.StageSubtaskAnswer))
	})
}

func TestFailedAttemptStaysInTrace(t *testing.T) {
	t.Run("reflection provider error", func(t *testing.T) {
		model := newStubLLM()
		model.reflect = func(req llm.Request) (*llm.Completion, error) {
			return nil, &llm.ProviderError{Stage: req.Stage, Model: req.Model.ModelName, StatusCode: 503, Err: errors.New("overloaded")}
		}
		o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

		trace, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
		assert.ErrorIs(t, err, ErrGateway)
		var te *TurnError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, StageReflection, te.Stage)
		assert.Equal(t, 1, te.SubtaskID)

		require.Len(t, trace.Subtasks, 1)
		st := trace.Subtasks[0]
		assert.Equal(t, SubtaskInProgress, st.Status)
		require.Len(t, st.Attempts, 1)
		att := st.Attempts[0]
		assert.Empty(t, att.Verdict)
		assert.NotEmpty(t, att.ToolSelection.User)
		require.Len(t, att.ToolCalls, 1)
		assert.Equal(t, "bio-1", att.ToolCalls[0].Passages[0].ID)
		assert.NotEmpty(t, att.Answer.Response)
		assert.NotEmpty(t, att.Reflection.User)
		assert.Empty(t, att.Reflection.Response)
		assert.Equal(t, att.ToolResult, st.Answer)
	})

	t.Run("retrieval backend error", func(t *testing.T) {
		model := newStubLLM()
		search := stubSearch(func(string) ([]retrieval.Passage, error) {
			return nil, &retrieval.BackendError{Backend: "opensearch", StatusCode: 503, Err: errors.New("unavailable")}
		})
		o := newOrchestrator(t, model, search, Config{MaxRetries: 2})

		trace, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
		require.Error(t, err)
		require.Len(t, trace.Subtasks[0].Attempts, 1)
		att := trace.Subtasks[0].Attempts[0]
		assert.NotEmpty(t, att.ToolSelection.User)
		require.Len(t, att.ToolCalls, 1)
		assert.Equal(t, "hybrid_search", att.ToolCalls[0].Tool)
		assert.Empty(t, att.ToolCalls[0].Passages)
		assert.Empty(t, att.Answer.User)
	})
}

func TestWithSubtaskKeepsStage(t *testing.T) {
	err := withSubtask(gatewayError(StageToolInvocation, errors.New("x")), StageReflection, 3)
	var te *TurnError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StageToolInvocation, te.Stage)
	assert.Equal(t, 3, te.SubtaskID)

	err = withSubtask(errors.New("plain"), StageReflection, 2)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StageReflection, te.Stage)
	assert.Equal(t, 2, te.SubtaskID)
}

func TestMalformedOutputIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *stubLLM)
		stage Stage
	}{
		{"planner prose", func(m *stubLLM) {
			m.plan = func(llm.Request) (*llm.Completion, error) { return text("I think we should search."), nil }
		}, StagePlanning},
		{"planner empty", func(m *stubLLM) {
			m.plan = func(llm.Request) (*llm.Completion, error) { return text(`{"subtasks": [], "clarification": ""}`), nil }
		}, StagePlanning},
		{"unknown tool", func(m *stubLLM) {
			m.selectTool = func(llm.Request) (*llm.Completion, error) {
				return &llm.Completion{ToolCalls: []llm.ToolCall{{ID: "c", Name: "web_search", Arguments: `{"query":"x"}`}}}, nil
			}
		}, StageToolInvocation},
		{"reflection without verdict", func(m *stubLLM) {
			m.reflect = func(llm.Request) (*llm.Completion, error) { return text(`{"advice": "more"}`), nil }
		}, StageReflection},
		{"insufficient without advice", func(m *stubLLM) {
			m.reflect = func(llm.Request) (*llm.Completion, error) { return text(`{"is_completed": false}`), nil }
		}, StageReflection},
		{"unknown outcome", func(m *stubLLM) {
			m.final = func(llm.Request) (*llm.Completion, error) { return text(`{"outcome": "maybe", "text": "x"}`), nil }
		}, StageSynthesis},
		{"empty final text", func(m *stubLLM) {
			m.final = func(llm.Request) (*llm.Completion, error) { return text(`{"outcome": "answered", "text": " "}`), nil }
		}, StageSynthesis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newStubLLM()
			tt.setup(model)
			o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})
			_, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedOutput)
			var te *TurnError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.stage, te.Stage)
		})
	}
}

func TestNoToolCallMeansNoEvidence(t *testing.T) {
	model := newStubLLM()
	model.selectTool = func(llm.Request) (*llm.Completion, error) { return text("I already know this."), nil }
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 0})

	trace, err := o.Run(context.Background(), turn("Tell me about Keanu Reeves' early life"))
	require.NoError(t, err)
	att := trace.Subtasks[0].Attempts[0]
	assert.Empty(t, att.ToolCalls)
	assert.Contains(t, att.Answer.User, noPassages)
	assert.Equal(t, SubtaskFailedExhausted, trace.Subtasks[0].Status)
	assert.Equal(t, OutcomeNoAnswer, trace.Outcome.Kind)
}

func TestSynthesizerClarificationPassesThrough(t *testing.T) {
	model := newStubLLM()
	model.final = func(llm.Request) (*llm.Completion, error) {
		return text(`{"outcome": "clarification_requested", "text": "Which period do you mean?"}`), nil
	}
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	trace, err := o.Run(context.Background(), turn("Tell me about it"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Kind: OutcomeClarificationRequested, Text: "Which period do you mean?"}, *trace.Outcome)
	assert.Len(t, trace.Subtasks, 1)
}

func TestObserverReceivesLifecycle(t *testing.T) {
	model := newStubLLM()
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2})

	var mu sync.Mutex
	var types []EventType
	req := turn("Tell me about Keanu Reeves' early life")
	req.Observer = ObserverFunc(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	_, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []EventType{
		EventPlanningStarted, EventPlanReady, EventSubtaskStarted, EventAttemptFinished,
		EventSubtaskFinished, EventSynthesisStarted, EventTurnCompleted,
	}, types)
}

func TestPromptsReachTheModel(t *testing.T) {
	model := newStubLLM()
	o := newOrchestrator(t, model, stubSearch(biography), Config{MaxRetries: 2, ChatHistoryMaxTurns: 1})

	req := turn("And his childhood?")
	req.Input.ChatHistory = []ChatMessage{
		{Role: RoleUser, Content: "Who is Keanu Reeves?"},
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleAssistant, Content: "An actor."},
	}
	req.Prompts = req.Prompts.With(prompts.SlotPlannerUser, "Q={query} CTX={conversation_context}")
	_, err := o.Run(context.Background(), req)
	require.NoError(t, err)

	plan := model.callsFor(llm.StagePlanner)
	require.Len(t, plan, 1)
	assert.Equal(t, "Q=And his childhood? CTX=assistant: An actor.", plan[0].User)
	assert.True(t, plan[0].JSON)
	assert.True(t, strings.HasSuffix(plan[0].System, plannerContract))

	sel := model.callsFor(llm.StageToolSelection)
	require.Len(t, sel, 1)
	require.Len(t, sel[0].Tools, 1)
	assert.Equal(t, "hybrid_search", sel[0].Tools[0].Name)
}
