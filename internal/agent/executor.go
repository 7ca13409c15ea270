package agent

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tools"
)

// ExecuteInput describes one attempt at a subtask.
type ExecuteInput struct {
	Query               string
	Plan                []string
	Subtask             string
	ConversationContext string
	// Number is the 1-based attempt number.
	Number int
	// Previous is the prior attempt on a retry, nil on the first attempt.
	Previous    *Attempt
	Advice      string
	Prompts     prompts.Set
	ToolModel   llm.ModelSpec
	AnswerModel llm.ModelSpec
}

// Executor resolves a subtask: the model picks tools from the registry,
// the tools run, and a second call turns their output into a candidate
// answer.
type Executor struct {
	gateway  llm.Gateway
	registry *tools.Registry
	logger   *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(gateway llm.Gateway, registry *tools.Registry, logger *zap.Logger) *Executor {
	return &Executor{gateway: gateway, registry: registry, logger: logger}
}

func (in ExecuteInput) values() prompts.Values {
	return prompts.Values{
		prompts.Query:               in.Query,
		prompts.Plan:                FormatPlan(in.Plan),
		prompts.Subtask:             in.Subtask,
		prompts.ConversationContext: in.ConversationContext,
	}
}

// Execute runs one attempt. The returned Attempt carries no verdict yet.
func (e *Executor) Execute(ctx context.Context, in ExecuteInput) (Attempt, error) {
	att := Attempt{Number: in.Number}

	vals := in.values()
	system, err := in.Prompts.RenderSlot(prompts.SlotToolSelectionSystem, vals)
	if err != nil {
		return att, stageError(StageValidation, err)
	}
	var user string
	if in.Previous == nil {
		user, err = in.Prompts.RenderSlot(prompts.SlotToolSelectionUser, vals)
	} else {
		vals[prompts.ToolResult] = in.Previous.ToolResult
		vals[prompts.Advice] = in.Advice
		user, err = in.Prompts.RenderSlot(prompts.SlotRetryUser, vals)
	}
	if err != nil {
		return att, stageError(StageValidation, err)
	}

	att.ToolSelection = Call{Stage: llm.StageToolSelection, Model: in.ToolModel, System: system, User: user}
	sel, err := e.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StageToolSelection,
		System: system,
		User:   user,
		Model:  in.ToolModel,
		Tools:  e.registry.Definitions(),
	})
	if err != nil {
		return att, gatewayError(StageToolSelection, err)
	}
	att.ToolSelection.Response = sel.Text
	att.ToolSelection.ToolCalls = sel.ToolCalls

	att.ToolCalls = make([]ToolInvocation, 0, len(sel.ToolCalls))
	for _, tc := range sel.ToolCalls {
		inv, err := e.invoke(ctx, tc)
		if err != nil {
			att.ToolCalls = append(att.ToolCalls, inv)
			return att, err
		}
		att.ToolCalls = append(att.ToolCalls, inv)
	}
	if len(sel.ToolCalls) == 0 {
		e.logger.Warn("No tool calls selected", zap.String("subtask", in.Subtask), zap.Int("attempt", in.Number))
	}

	answerUser := user + "\n\n" + formatToolResults(att.ToolCalls)
	att.Answer = Call{Stage: llm.StageSubtaskAnswer, Model: in.AnswerModel, System: system, User: answerUser}
	ans, err := e.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StageSubtaskAnswer,
		System: system,
		User:   answerUser,
		Model:  in.AnswerModel,
	})
	if err != nil {
		return att, gatewayError(StageSubtaskAnswer, err)
	}
	att.Answer.Response = ans.Text
	att.ToolResult = strings.TrimSpace(ans.Text)

	e.logger.Debug("Subtask attempt executed",
		zap.String("subtask", in.Subtask),
		zap.Int("attempt", in.Number),
		zap.Int("tool_calls", len(att.ToolCalls)),
		zap.Int("passages", countPassages(att.ToolCalls)),
	)
	return att, nil
}

func (e *Executor) invoke(ctx context.Context, tc llm.ToolCall) (ToolInvocation, error) {
	inv := ToolInvocation{Tool: tc.Name, Arguments: tc.Arguments}
	args, err := repairArguments(tc.Arguments)
	if err != nil {
		return inv, malformed(StageToolInvocation, "arguments for %s: %v", tc.Name, err)
	}
	res, err := e.registry.Invoke(ctx, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args})
	switch {
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, tools.ErrInvalidArguments):
		return inv, malformed(StageToolInvocation, "%v", err)
	case err != nil:
		return inv, gatewayError(StageToolInvocation, err)
	}
	inv.Passages = clonePassages(res.Passages)
	return inv, nil
}
