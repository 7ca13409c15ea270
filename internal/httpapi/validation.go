package httpapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/evaluation"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// FieldError is one entry of a 422 response.
type FieldError struct {
	Type string   `json:"type"`
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
}

// ValidationError collects every problem found in a request.
type ValidationError struct {
	Detail []FieldError `json:"detail"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Detail))
	for _, d := range e.Detail {
		msgs = append(msgs, strings.Join(d.Loc, ".")+": "+d.Msg)
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationError) add(typ, msg string, loc ...string) {
	e.Detail = append(e.Detail, FieldError{Type: typ, Loc: append([]string{"body"}, loc...), Msg: msg})
}

func (e *ValidationError) empty() bool { return len(e.Detail) == 0 }

// turnPlan is a validated request turned into orchestrator inputs.
type turnPlan struct {
	Turn       agent.TurnRequest
	Overridden []string
	ModelNames map[string]string
	MaxRetries int
	Metrics    []string
	Reference  string
	TurnID     string
	SessionID  string
	RunEval    bool
}

// buildTurn validates req and resolves it against the current defaults.
func buildTurn(req *ExecRequest, base prompts.Set, models agent.ModelSpecs, defaultRetries int) (*turnPlan, error) {
	verr := &ValidationError{}

	if strings.TrimSpace(req.Query) == "" {
		verr.add("missing", "Field required", "query")
	}
	for i, m := range req.ChatHistory {
		switch m.Role {
		case agent.RoleUser, agent.RoleAssistant, agent.RoleSystem:
		default:
			verr.add("enum", fmt.Sprintf("role must be one of user, assistant, system; got %q", m.Role), "chat_history", fmt.Sprint(i), "role")
		}
	}

	maxRetries := defaultRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
		if maxRetries < 0 || maxRetries > agent.MaxRetriesLimit {
			verr.add("value_error", fmt.Sprintf("max_retries must be between 0 and %d", agent.MaxRetriesLimit), "max_retries")
		}
	}

	if req.IsRunRagas && strings.TrimSpace(req.reference()) == "" {
		verr.add("value_error", "ragas_setting.dataset.reference is required when is_run_ragas is true", "ragas_setting", "dataset", "reference")
	}
	for i, name := range req.metrics() {
		if !evaluation.Known(name) {
			verr.add("enum", fmt.Sprintf("unknown metric %q", name), "ragas_setting", "metrics", fmt.Sprint(i))
		}
	}

	plan := &turnPlan{
		MaxRetries: maxRetries,
		Metrics:    req.metrics(),
		Reference:  req.reference(),
		RunEval:    req.IsRunRagas,
		ModelNames: map[string]string{},
		TurnID:     req.TurnID,
		SessionID:  req.SessionID,
	}
	if plan.TurnID != "" {
		if _, err := uuid.Parse(plan.TurnID); err != nil {
			verr.add("uuid_parsing", "turn_id must be a UUID", "turn_id")
		}
	}

	overrides, specs := applySetting(req.AIAgentSetting, models, plan)
	set := prompts.Resolve(overrides, base)
	if err := set.Validate(); err != nil {
		var pe *prompts.PlaceholderError
		if errors.As(err, &pe) {
			verr.add("value_error", pe.Error(), "ai_agent_setting", string(pe.Slot))
		} else {
			verr.add("value_error", err.Error(), "ai_agent_setting")
		}
	}
	if err := specs.Validate(); err != nil {
		var me *agent.ModelSpecError
		if errors.As(err, &me) {
			verr.add("value_error", me.Err.Error(), "ai_agent_setting", me.Stage, "model_params")
		} else {
			verr.add("value_error", err.Error(), "ai_agent_setting")
		}
	}

	if !verr.empty() {
		return nil, verr
	}

	if plan.TurnID == "" {
		plan.TurnID = uuid.New().String()
	}
	if plan.SessionID == "" {
		plan.SessionID = uuid.New().String()
	}
	retries := maxRetries
	plan.Turn = agent.TurnRequest{
		Input:      agent.TurnInput{Query: req.Query, ChatHistory: req.ChatHistory},
		Prompts:    set,
		Models:     specs,
		MaxRetries: &retries,
	}
	return plan, nil
}

func (p *PhaseSetting) setsModel() bool {
	return p != nil && (p.ModelName != "" || p.ModelParams != nil)
}

// applySetting maps the API's phases onto prompt slots and stage models.
func applySetting(s *AgentSetting, defaults agent.ModelSpecs, plan *turnPlan) (*prompts.Overrides, agent.ModelSpecs) {
	specs := agent.ModelSpecs{
		Planner:       defaults.Planner.Clone(),
		ToolSelection: defaults.ToolSelection.Clone(),
		SubtaskAnswer: defaults.SubtaskAnswer.Clone(),
		Reflection:    defaults.Reflection.Clone(),
		FinalAnswer:   defaults.FinalAnswer.Clone(),
	}
	if s == nil {
		return nil, specs
	}
	o := &prompts.Overrides{}
	model := func(stage string, dst *llm.ModelSpec, p *PhaseSetting) {
		if !p.setsModel() {
			return
		}
		*dst = dst.Merge(&llm.ModelSpec{ModelName: p.ModelName, Params: p.ModelParams})
		if p.ModelName != "" {
			plan.ModelNames[stage] = p.ModelName
		}
	}
	prompt := func(slot prompts.Slot, v *string) {
		if v == nil || *v == "" {
			return
		}
		o.Set(slot, *v)
		plan.Overridden = append(plan.Overridden, string(slot))
	}
	phasePrompt := func(p *PhaseSetting) *PhasePrompt {
		if p == nil || p.Prompt == nil {
			return &PhasePrompt{}
		}
		return p.Prompt
	}

	model("planner", &specs.Planner, s.Planner)
	prompt(prompts.SlotPlannerSystem, phasePrompt(s.Planner).SystemPrompt)
	prompt(prompts.SlotPlannerUser, phasePrompt(s.Planner).UserPrompt)

	model("tool_selection", &specs.ToolSelection, s.SubtaskSelectTool)
	prompt(prompts.SlotToolSelectionSystem, phasePrompt(s.SubtaskSelectTool).SystemPrompt)
	prompt(prompts.SlotToolSelectionUser, phasePrompt(s.SubtaskSelectTool).UserPrompt)

	// The retry phase supplies the answer model unless subtask_answer names one.
	answer := s.SubtaskAnswer
	if !answer.setsModel() {
		answer = s.SubtaskRetryAnswer
	}
	model("subtask_answer", &specs.SubtaskAnswer, answer)
	prompt(prompts.SlotRetryUser, phasePrompt(s.SubtaskRetryAnswer).UserPrompt)

	model("reflection", &specs.Reflection, s.SubtaskReflection)
	prompt(prompts.SlotReflectionUser, phasePrompt(s.SubtaskReflection).UserPrompt)

	model("final_answer", &specs.FinalAnswer, s.FinalAnswer)
	prompt(prompts.SlotFinalAnswerSystem, phasePrompt(s.FinalAnswer).SystemPrompt)
	prompt(prompts.SlotFinalAnswerUser, phasePrompt(s.FinalAnswer).UserPrompt)

	return o, specs
}
