package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// ReflectInput is the reflector's view of one attempt.
type ReflectInput struct {
	Query               string
	Plan                []string
	Subtask             string
	ConversationContext string
	ToolResult          string
	Prompts             prompts.Set
	Model               llm.ModelSpec
}

// Reflector judges whether an attempt resolved its subtask. It has no
// side effects beyond the model call.
type Reflector struct {
	gateway llm.Gateway
	logger  *zap.Logger
}

// NewReflector creates a reflector.
func NewReflector(gateway llm.Gateway, logger *zap.Logger) *Reflector {
	return &Reflector{gateway: gateway, logger: logger}
}

type reflectionOutput struct {
	IsCompleted *bool  `json:"is_completed"`
	Advice      string `json:"advice"`
}

// Reflect returns the verdict and, when insufficient, the advice for the
// next attempt.
func (r *Reflector) Reflect(ctx context.Context, in ReflectInput) (Verdict, string, Call, error) {
	call := Call{Stage: llm.StageReflection, Model: in.Model}
	vals := prompts.Values{
		prompts.Query:               in.Query,
		prompts.Plan:                FormatPlan(in.Plan),
		prompts.Subtask:             in.Subtask,
		prompts.ConversationContext: in.ConversationContext,
		prompts.ToolResult:          in.ToolResult,
	}
	system, err := in.Prompts.RenderSlot(prompts.SlotToolSelectionSystem, vals)
	if err != nil {
		return "", "", call, stageError(StageValidation, err)
	}
	user, err := in.Prompts.RenderSlot(prompts.SlotReflectionUser, vals)
	if err != nil {
		return "", "", call, stageError(StageValidation, err)
	}
	call.System = system + reflectionContract
	call.User = user

	resp, err := r.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StageReflection,
		System: call.System,
		User:   call.User,
		Model:  in.Model,
		JSON:   true,
	})
	if err != nil {
		return "", "", call, gatewayError(StageReflection, err)
	}
	call.Response = resp.Text

	var out reflectionOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		return "", "", call, malformed(StageReflection, "reflection output: %v", err)
	}
	if out.IsCompleted == nil {
		return "", "", call, malformed(StageReflection, "reflection output lacks is_completed")
	}
	if *out.IsCompleted {
		return VerdictSufficient, "", call, nil
	}
	advice := strings.TrimSpace(out.Advice)
	if advice == "" {
		return "", "", call, malformed(StageReflection, "insufficient verdict without advice")
	}
	r.logger.Debug("Reflection judged attempt insufficient", zap.String("subtask", in.Subtask), zap.String("advice", advice))
	return VerdictInsufficient, advice, call, nil
}
