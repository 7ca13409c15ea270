// Package agent runs the plan-and-execute loop for one conversational turn:
// plan the query, resolve each subtask with tools under reflection, then
// synthesize the reply. Every prompt and response is recorded in a Trace.
package agent

import (
	"time"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

// Role of a chat history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one prior message of the conversation.
type ChatMessage struct {
	Role      Role       `json:"role" yaml:"role"`
	Content   string     `json:"content" yaml:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// TurnInput is what the caller asks in one turn.
type TurnInput struct {
	Query       string        `json:"query"`
	ChatHistory []ChatMessage `json:"chat_history"`
}

// ModelSpecs holds the model settings of each stage.
type ModelSpecs struct {
	Planner       llm.ModelSpec `json:"planner" yaml:"planner"`
	ToolSelection llm.ModelSpec `json:"tool_selection" yaml:"tool_selection"`
	SubtaskAnswer llm.ModelSpec `json:"subtask_answer" yaml:"subtask_answer"`
	Reflection    llm.ModelSpec `json:"reflection" yaml:"reflection"`
	FinalAnswer   llm.ModelSpec `json:"final_answer" yaml:"final_answer"`
}

// DefaultModelSpecs returns the default spec for every stage.
func DefaultModelSpecs() ModelSpecs {
	return ModelSpecs{
		Planner:       llm.DefaultModelSpec(),
		ToolSelection: llm.DefaultModelSpec(),
		SubtaskAnswer: llm.DefaultModelSpec(),
		Reflection:    llm.DefaultModelSpec(),
		FinalAnswer:   llm.DefaultModelSpec(),
	}
}

// Validate checks every stage's spec.
func (m ModelSpecs) Validate() error {
	for _, s := range []struct {
		stage string
		spec  llm.ModelSpec
	}{
		{"planner", m.Planner},
		{"tool_selection", m.ToolSelection},
		{"subtask_answer", m.SubtaskAnswer},
		{"reflection", m.Reflection},
		{"final_answer", m.FinalAnswer},
	} {
		if err := s.spec.Validate(); err != nil {
			return &ModelSpecError{Stage: s.stage, Err: err}
		}
	}
	return nil
}

// Call records one language model exchange verbatim.
type Call struct {
	Stage     llm.Stage      `json:"stage"`
	Model     llm.ModelSpec  `json:"model"`
	System    string         `json:"system"`
	User      string         `json:"user"`
	Response  string         `json:"response"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

// ToolInvocation records one dispatched tool call and what it returned.
type ToolInvocation struct {
	Tool      string              `json:"tool"`
	Arguments string              `json:"arguments"`
	Passages  []retrieval.Passage `json:"passages"`
}

// Verdict is the reflection judgement of one attempt.
type Verdict string

const (
	VerdictSufficient   Verdict = "sufficient"
	VerdictInsufficient Verdict = "insufficient"
)

// Attempt is one execute-then-reflect pass over a subtask. It is not
// modified after it is appended to its subtask.
type Attempt struct {
	Number        int              `json:"number"`
	ToolSelection Call             `json:"tool_selection"`
	ToolCalls     []ToolInvocation `json:"tool_calls"`
	Answer        Call             `json:"answer"`
	ToolResult    string           `json:"tool_result"`
	Reflection    Call             `json:"reflection"`
	Verdict       Verdict          `json:"verdict"`
	Advice        string           `json:"advice,omitempty"`
}

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending         SubtaskStatus = "pending"
	SubtaskInProgress      SubtaskStatus = "in_progress"
	SubtaskSucceeded       SubtaskStatus = "succeeded"
	SubtaskFailedExhausted SubtaskStatus = "failed_exhausted"
)

// Terminal reports whether no more attempts will be made.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskSucceeded || s == SubtaskFailedExhausted
}

// Subtask is one unit of the plan.
type Subtask struct {
	ID          int           `json:"id"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	Attempts    []Attempt     `json:"attempts"`
	// Answer is the last attempt's tool result, whatever the status.
	Answer string `json:"answer"`
}

// ToolCallCount is the number of tools invoked across all attempts.
func (s Subtask) ToolCallCount() int {
	n := 0
	for _, a := range s.Attempts {
		n += len(a.ToolCalls)
	}
	return n
}

// OutcomeKind is the closed set of ways a turn can end.
type OutcomeKind string

const (
	OutcomeAnswered               OutcomeKind = "answered"
	OutcomeClarificationRequested OutcomeKind = "clarification_requested"
	OutcomeNoAnswer               OutcomeKind = "no_answer"
)

// Valid reports whether k is a known outcome.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeAnswered, OutcomeClarificationRequested, OutcomeNoAnswer:
		return true
	}
	return false
}

// Outcome is the reply of a turn.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	Text string      `json:"text"`
}

// TurnState is the lifecycle state of a turn.
type TurnState string

const (
	StatePlanning          TurnState = "planning"
	StateExecutingSubtasks TurnState = "executing_subtasks"
	StateSynthesizing      TurnState = "synthesizing"
	StateTerminal          TurnState = "terminal"
)

// Trace is the full record of a turn. It holds no wall clock values or
// generated identifiers, so identical inputs against a deterministic model
// give identical traces.
type Trace struct {
	Query         string             `json:"query"`
	ChatHistory   []ChatMessage      `json:"chat_history"`
	Prompts       prompts.Set        `json:"prompts"`
	Models        ModelSpecs         `json:"models"`
	MaxRetries    int                `json:"max_retries"`
	States        []TurnState        `json:"states"`
	PlannerCall   *Call              `json:"planner_call,omitempty"`
	Plan          []string           `json:"plan"`
	Clarification string             `json:"clarification,omitempty"`
	Subtasks      []Subtask          `json:"subtasks"`
	FinalCall     *Call              `json:"final_call,omitempty"`
	Outcome       *Outcome           `json:"outcome,omitempty"`
	Scores        map[string]float64 `json:"scores,omitempty"`
}

// State returns the most recent turn state.
func (t *Trace) State() TurnState {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

func (t *Trace) enter(s TurnState) { t.States = append(t.States, s) }

// CompletedSubtasks counts subtasks that succeeded.
func (t *Trace) CompletedSubtasks() int {
	n := 0
	for _, s := range t.Subtasks {
		if s.Status == SubtaskSucceeded {
			n++
		}
	}
	return n
}

// TotalAttempts counts attempts across all subtasks.
func (t *Trace) TotalAttempts() int {
	n := 0
	for _, s := range t.Subtasks {
		n += len(s.Attempts)
	}
	return n
}
