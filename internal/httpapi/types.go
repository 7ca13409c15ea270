package httpapi

import (
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// PhasePrompt overrides the prompts of one phase. Nil keeps the default.
type PhasePrompt struct {
	SystemPrompt *string `json:"system_prompt,omitempty"`
	UserPrompt   *string `json:"user_prompt,omitempty"`
}

// PhaseSetting is the caller's model and prompt choice for one phase.
type PhaseSetting struct {
	ModelName   string         `json:"model_name,omitempty"`
	ModelParams map[string]any `json:"model_params,omitempty"`
	Prompt      *PhasePrompt   `json:"prompt,omitempty"`
}

// AgentSetting groups the per-phase settings of a request.
type AgentSetting struct {
	Planner            *PhaseSetting `json:"planner,omitempty"`
	SubtaskSelectTool  *PhaseSetting `json:"subtask_select_tool,omitempty"`
	SubtaskAnswer      *PhaseSetting `json:"subtask_answer,omitempty"`
	SubtaskReflection  *PhaseSetting `json:"subtask_reflection,omitempty"`
	SubtaskRetryAnswer *PhaseSetting `json:"subtask_retry_answer,omitempty"`
	FinalAnswer        *PhaseSetting `json:"final_answer,omitempty"`
}

// RagasDataset carries the reference answer for evaluation.
type RagasDataset struct {
	Reference string `json:"reference"`
}

// RagasSetting selects the evaluation reference and metrics.
type RagasSetting struct {
	Dataset *RagasDataset `json:"dataset,omitempty"`
	Metrics []string      `json:"metrics,omitempty"`
}

// ExecRequest is the body of POST /ai_agents/chatbot/exec.
type ExecRequest struct {
	Query          string              `json:"query"`
	ChatHistory    []agent.ChatMessage `json:"chat_history"`
	AIAgentSetting *AgentSetting       `json:"ai_agent_setting,omitempty"`
	MaxRetries     *int                `json:"max_retries,omitempty"`
	RagasSetting   *RagasSetting       `json:"ragas_setting,omitempty"`
	// RagasSettingAlt accepts the misspelled key older clients send.
	RagasSettingAlt *RagasSetting `json:"ragas_settging,omitempty"`
	IsRunRagas      bool          `json:"is_run_ragas"`
	SessionID       string        `json:"session_id,omitempty"`
	TurnID          string        `json:"turn_id,omitempty"`
}

// ragas returns ragas_setting, falling back to the misspelled key.
func (r *ExecRequest) ragas() *RagasSetting {
	if r.RagasSetting != nil {
		return r.RagasSetting
	}
	return r.RagasSettingAlt
}

func (r *ExecRequest) reference() string {
	if rs := r.ragas(); rs != nil && rs.Dataset != nil {
		return rs.Dataset.Reference
	}
	return ""
}

func (r *ExecRequest) metrics() []string {
	if rs := r.ragas(); rs != nil {
		return rs.Metrics
	}
	return nil
}

// PromptData echoes the resolved prompt set under the API's slot names.
type PromptData struct {
	PlannerSystemPrompt           string `json:"planner_system_prompt"`
	PlannerUserPrompt             string `json:"planner_user_prompt"`
	SubtaskSelectToolSystemPrompt string `json:"subtask_select_tool_system_prompt"`
	SubtaskSelectToolUserPrompt   string `json:"subtask_select_tool_user_prompt"`
	SubtaskReflectionUserPrompt   string `json:"subtask_reflection_user_prompt"`
	SubtaskRetryAnswerUserPrompt  string `json:"subtask_retry_answer_user_prompt"`
	FinalAnswerSystemPrompt       string `json:"final_answer_system_prompt"`
	FinalAnswerUserPrompt         string `json:"final_answer_user_prompt"`
}

func promptData(s prompts.Set) PromptData {
	return PromptData{
		PlannerSystemPrompt:           s.PlannerSystem,
		PlannerUserPrompt:             s.PlannerUser,
		SubtaskSelectToolSystemPrompt: s.ToolSelectionSystem,
		SubtaskSelectToolUserPrompt:   s.ToolSelectionUser,
		SubtaskReflectionUserPrompt:   s.ReflectionUser,
		SubtaskRetryAnswerUserPrompt:  s.RetryUser,
		FinalAnswerSystemPrompt:       s.FinalAnswerSystem,
		FinalAnswerUserPrompt:         s.FinalAnswerUser,
	}
}

// SubtaskDetail summarizes one subtask.
type SubtaskDetail struct {
	TaskName         string `json:"task_name"`
	Status           string `json:"status"`
	IsCompleted      bool   `json:"is_completed"`
	SubtaskAnswer    string `json:"subtask_answer"`
	ChallengeCount   int    `json:"challenge_count"`
	ToolResultsCount int    `json:"tool_results_count"`
	ReflectionCount  int    `json:"reflection_count"`
}

// AgentResult is the detailed part of the response.
type AgentResult struct {
	Prompt              PromptData      `json:"prompt"`
	Plan                []string        `json:"plan"`
	SubtasksDetail      []SubtaskDetail `json:"subtasks_detail"`
	TotalSubtasks       int             `json:"total_subtasks"`
	CompletedSubtasks   int             `json:"completed_subtasks"`
	TotalChallengeCount int             `json:"total_challenge_count"`
	Trace               *agent.Trace    `json:"trace,omitempty"`
}

// RagasResult holds evaluation scores when is_run_ragas was set.
type RagasResult struct {
	Scores map[string]float64 `json:"scores"`
	Input  map[string]any     `json:"input"`
}

// ExecResponse is the body of a successful exec call.
type ExecResponse struct {
	Query         string       `json:"query"`
	Answer        string       `json:"answer"`
	Outcome       string       `json:"outcome"`
	AIAgentResult AgentResult  `json:"ai_agent_result"`
	RagasResult   *RagasResult `json:"ragas_result"`
	SessionID     string       `json:"session_id"`
	TurnID        string       `json:"turn_id"`
	ExecutionTime float64      `json:"execution_time"`
	Error         *string      `json:"error"`
}

func newAgentResult(t *agent.Trace, includeTrace bool) AgentResult {
	res := AgentResult{
		Prompt:            promptData(t.Prompts),
		Plan:              t.Plan,
		SubtasksDetail:    make([]SubtaskDetail, 0, len(t.Subtasks)),
		TotalSubtasks:     len(t.Subtasks),
		CompletedSubtasks: t.CompletedSubtasks(),
	}
	for _, st := range t.Subtasks {
		attempts := len(st.Attempts)
		res.SubtasksDetail = append(res.SubtasksDetail, SubtaskDetail{
			TaskName:         st.Description,
			Status:           string(st.Status),
			IsCompleted:      st.Status == agent.SubtaskSucceeded,
			SubtaskAnswer:    st.Answer,
			ChallengeCount:   attempts,
			ToolResultsCount: st.ToolCallCount(),
			ReflectionCount:  attempts,
		})
		res.TotalChallengeCount += attempts
	}
	if includeTrace {
		res.Trace = t
	}
	return res
}

// DefaultsResponse is the body of GET /ai_agents/chatbot/defaults.
type DefaultsResponse struct {
	Prompts    prompts.Set      `json:"prompts"`
	Models     agent.ModelSpecs `json:"models"`
	MaxRetries int              `json:"max_retries"`
	Metrics    []string         `json:"metrics"`
}
