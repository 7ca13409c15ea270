package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// PlanInput is the planner's view of a turn.
type PlanInput struct {
	Query       string
	ChatHistory []ChatMessage
	Prompts     prompts.Set
	Model       llm.ModelSpec
}

// PlanResult is either a decomposition or a clarifying question.
type PlanResult struct {
	Subtasks      []string
	Clarification string
}

// NeedsClarification reports whether the planner asked a question instead
// of planning.
func (r PlanResult) NeedsClarification() bool { return r.Clarification != "" }

// Planner decomposes a query into subtasks. Whether a query is ambiguous is
// left to the model, so clarification depends on the model's judgement.
type Planner struct {
	gateway      llm.Gateway
	historyTurns int
	logger       *zap.Logger
}

// NewPlanner creates a planner. historyTurns <= 0 keeps the whole history.
func NewPlanner(gateway llm.Gateway, historyTurns int, logger *zap.Logger) *Planner {
	return &Planner{gateway: gateway, historyTurns: historyTurns, logger: logger}
}

type planOutput struct {
	Subtasks      []string `json:"subtasks"`
	Clarification string   `json:"clarification"`
}

// Plan calls the model once. The returned Call is filled in as far as the
// exchange got, even on error.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (PlanResult, Call, error) {
	call := Call{Stage: llm.StagePlanner, Model: in.Model}
	if strings.TrimSpace(in.Query) == "" {
		return PlanResult{}, call, stageError(StageValidation, ErrEmptyQuery)
	}

	vals := prompts.Values{
		prompts.Query:               in.Query,
		prompts.ConversationContext: FormatHistory(in.ChatHistory, p.historyTurns),
	}
	system, err := in.Prompts.RenderSlot(prompts.SlotPlannerSystem, vals)
	if err != nil {
		return PlanResult{}, call, stageError(StageValidation, err)
	}
	user, err := in.Prompts.RenderSlot(prompts.SlotPlannerUser, vals)
	if err != nil {
		return PlanResult{}, call, stageError(StageValidation, err)
	}
	call.System = system + plannerContract
	call.User = user

	resp, err := p.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StagePlanner,
		System: call.System,
		User:   call.User,
		Model:  in.Model,
		JSON:   true,
	})
	if err != nil {
		return PlanResult{}, call, gatewayError(StagePlanning, err)
	}
	call.Response = resp.Text

	var out planOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		return PlanResult{}, call, malformed(StagePlanning, "planner output: %v", err)
	}

	if q := strings.TrimSpace(out.Clarification); q != "" {
		p.logger.Info("Planner requested clarification", zap.String("question", q))
		return PlanResult{Clarification: q}, call, nil
	}
	subtasks := make([]string, 0, len(out.Subtasks))
	for _, s := range out.Subtasks {
		if s = strings.TrimSpace(s); s != "" {
			subtasks = append(subtasks, s)
		}
	}
	if len(subtasks) == 0 {
		return PlanResult{}, call, malformed(StagePlanning, "planner returned neither subtasks nor a clarification")
	}
	p.logger.Info("Plan created", zap.Int("subtasks", len(subtasks)))
	return PlanResult{Subtasks: subtasks}, call, nil
}
