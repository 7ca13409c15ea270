package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

// SynthesizeInput is everything the final call sees.
type SynthesizeInput struct {
	Query       string
	ChatHistory []ChatMessage
	Plan        []string
	Subtasks    []Subtask
	Prompts     prompts.Set
	Model       llm.ModelSpec
}

// Synthesizer merges subtask answers into the turn's reply.
type Synthesizer struct {
	gateway      llm.Gateway
	historyTurns int
	logger       *zap.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(gateway llm.Gateway, historyTurns int, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{gateway: gateway, historyTurns: historyTurns, logger: logger}
}

type finalOutput struct {
	Outcome OutcomeKind `json:"outcome"`
	Text    string      `json:"text"`
}

// Synthesize produces the outcome. A clarification chosen here is passed
// through unchanged.
func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesizeInput) (Outcome, Call, error) {
	call := Call{Stage: llm.StageFinalAnswer, Model: in.Model}
	vals := prompts.Values{
		prompts.Query:               in.Query,
		prompts.Plan:                FormatPlan(in.Plan),
		prompts.ConversationContext: FormatHistory(in.ChatHistory, s.historyTurns),
		prompts.SubtaskResults:      FormatSubtaskResults(in.Subtasks),
	}
	system, err := in.Prompts.RenderSlot(prompts.SlotFinalAnswerSystem, vals)
	if err != nil {
		return Outcome{}, call, stageError(StageValidation, err)
	}
	user, err := in.Prompts.RenderSlot(prompts.SlotFinalAnswerUser, vals)
	if err != nil {
		return Outcome{}, call, stageError(StageValidation, err)
	}
	call.System = system + finalContract
	call.User = user

	resp, err := s.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StageFinalAnswer,
		System: call.System,
		User:   call.User,
		Model:  in.Model,
		JSON:   true,
	})
	if err != nil {
		return Outcome{}, call, gatewayError(StageSynthesis, err)
	}
	call.Response = resp.Text

	var out finalOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		return Outcome{}, call, malformed(StageSynthesis, "final output: %v", err)
	}
	if !out.Outcome.Valid() {
		return Outcome{}, call, malformed(StageSynthesis, "unknown outcome %q", out.Outcome)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Outcome{}, call, malformed(StageSynthesis, "final output has empty text")
	}
	s.logger.Info("Final answer synthesized", zap.String("outcome", string(out.Outcome)))
	return Outcome{Kind: out.Outcome, Text: text}, call, nil
}
