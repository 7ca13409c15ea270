package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

const (
	DefaultMaxRetries = 2
	MaxRetriesLimit   = 10
)

// Config tunes the loop.
type Config struct {
	MaxRetries int `mapstructure:"max_retries"`
	// Concurrency > 1 runs independent subtasks in parallel.
	Concurrency         int `mapstructure:"subtask_concurrency"`
	ChatHistoryMaxTurns int `mapstructure:"chat_history_max_turns"`
}

// TurnRequest is one turn with its per-call settings.
type TurnRequest struct {
	Input   TurnInput
	Prompts prompts.Set
	Models  ModelSpecs
	// MaxRetries overrides Config.MaxRetries when set.
	MaxRetries *int
	Observer   Observer
}

// Orchestrator drives a turn through planning, subtask execution and
// synthesis. It holds no per-turn state and is safe for concurrent turns.
type Orchestrator struct {
	planner     *Planner
	executor    *Executor
	reflector   *Reflector
	synthesizer *Synthesizer
	cfg         Config
	logger      *zap.Logger
}

// NewOrchestrator wires the stages around one gateway and tool registry.
func NewOrchestrator(gateway llm.Gateway, registry *tools.Registry, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{
		planner:     NewPlanner(gateway, cfg.ChatHistoryMaxTurns, logger),
		executor:    NewExecutor(gateway, registry, logger),
		reflector:   NewReflector(gateway, logger),
		synthesizer: NewSynthesizer(gateway, cfg.ChatHistoryMaxTurns, logger),
		cfg:         cfg,
		logger:      logger,
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run executes one turn. The trace is returned even on failure and holds
// everything recorded up to the failing call; err is then a *TurnError.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (*Trace, error) {
	start := time.Now()
	obs := req.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	maxRetries := o.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	trace := &Trace{
		Query:       req.Input.Query,
		ChatHistory: append([]ChatMessage(nil), req.Input.ChatHistory...),
		Prompts:     req.Prompts,
		Models:      req.Models,
		MaxRetries:  maxRetries,
		Plan:        []string{},
		Subtasks:    []Subtask{},
	}

	ctx, span := tracing.StartSpan(ctx, "agent.turn")
	err := o.run(ctx, trace, maxRetries, obs)
	tracing.End(span, err)

	if err != nil {
		metrics.RecordTurnMetrics("error", time.Since(start).Seconds())
		o.logger.Error("Turn failed", zap.Error(err), zap.String("state", string(trace.State())))
		obs.OnEvent(Event{Type: EventTurnFailed, Message: err.Error()})
		return trace, err
	}
	metrics.RecordTurnMetrics(string(trace.Outcome.Kind), time.Since(start).Seconds())
	o.logger.Info("Turn completed",
		zap.String("outcome", string(trace.Outcome.Kind)),
		zap.Int("subtasks", len(trace.Subtasks)),
		zap.Int("attempts", trace.TotalAttempts()),
		zap.Duration("duration", time.Since(start)),
	)
	obs.OnEvent(Event{Type: EventTurnCompleted, Message: trace.Outcome.Text, Payload: map[string]any{"outcome": trace.Outcome.Kind}})
	return trace, nil
}

// validate runs every check that must pass before the first gateway call.
func (o *Orchestrator) validate(trace *Trace, maxRetries int) error {
	if strings.TrimSpace(trace.Query) == "" {
		return stageError(StageValidation, ErrEmptyQuery)
	}
	if maxRetries < 0 || maxRetries > MaxRetriesLimit {
		return stageError(StageValidation, fmt.Errorf("max_retries %d out of range 0..%d", maxRetries, MaxRetriesLimit))
	}
	if err := trace.Prompts.Validate(); err != nil {
		return stageError(StageValidation, err)
	}
	if err := trace.Models.Validate(); err != nil {
		return stageError(StageValidation, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, trace *Trace, maxRetries int, obs Observer) error {
	if err := o.validate(trace, maxRetries); err != nil {
		return err
	}

	trace.enter(StatePlanning)
	obs.OnEvent(Event{Type: EventPlanningStarted})
	plan, call, err := o.planner.Plan(ctx, PlanInput{
		Query:       trace.Query,
		ChatHistory: trace.ChatHistory,
		Prompts:     trace.Prompts,
		Model:       trace.Models.Planner,
	})
	trace.PlannerCall = &call
	if err != nil {
		return err
	}

	if plan.NeedsClarification() {
		trace.Clarification = plan.Clarification
		trace.Outcome = &Outcome{Kind: OutcomeClarificationRequested, Text: plan.Clarification}
		trace.enter(StateTerminal)
		obs.OnEvent(Event{Type: EventClarificationRequested, Message: plan.Clarification})
		return nil
	}

	trace.Plan = plan.Subtasks
	trace.Subtasks = make([]Subtask, len(plan.Subtasks))
	for i, d := range plan.Subtasks {
		trace.Subtasks[i] = Subtask{ID: i + 1, Description: d, Status: SubtaskPending, Attempts: []Attempt{}}
	}
	metrics.PlanSize.Observe(float64(len(plan.Subtasks)))
	obs.OnEvent(Event{Type: EventPlanReady, Payload: map[string]any{"plan": plan.Subtasks}})

	trace.enter(StateExecutingSubtasks)
	if err := o.runSubtasks(ctx, trace, maxRetries, obs); err != nil {
		return err
	}

	trace.enter(StateSynthesizing)
	obs.OnEvent(Event{Type: EventSynthesisStarted})
	outcome, final, err := o.synthesizer.Synthesize(ctx, SynthesizeInput{
		Query:       trace.Query,
		ChatHistory: trace.ChatHistory,
		Plan:        trace.Plan,
		Subtasks:    trace.Subtasks,
		Prompts:     trace.Prompts,
		Model:       trace.Models.FinalAnswer,
	})
	trace.FinalCall = &final
	if err != nil {
		return err
	}
	trace.Outcome = &outcome
	trace.enter(StateTerminal)
	return nil
}

// runSubtasks resolves every subtask. With concurrency the group has no
// shared context: a failing subtask does not cancel its siblings, and the
// error of the earliest subtask in plan order is reported.
func (o *Orchestrator) runSubtasks(ctx context.Context, trace *Trace, maxRetries int, obs Observer) error {
	convo := FormatHistory(trace.ChatHistory, o.cfg.ChatHistoryMaxTurns)
	if o.cfg.Concurrency <= 1 || len(trace.Subtasks) == 1 {
		for i := range trace.Subtasks {
			if err := o.runSubtask(ctx, trace, &trace.Subtasks[i], convo, maxRetries, obs); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, len(trace.Subtasks))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i := range trace.Subtasks {
		g.Go(func() error {
			errs[i] = o.runSubtask(ctx, trace, &trace.Subtasks[i], convo, maxRetries, obs)
			return errs[i]
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runSubtask is the execute/reflect retry loop of one subtask. It only
// writes to st, so concurrent calls on distinct subtasks do not race.
func (o *Orchestrator) runSubtask(ctx context.Context, trace *Trace, st *Subtask, convo string, maxRetries int, obs Observer) error {
	ctx, span := tracing.StartSpan(ctx, "agent.subtask")
	defer span.End()

	maxAttempts := maxRetries + 1
	st.Status = SubtaskInProgress
	obs.OnEvent(Event{Type: EventSubtaskStarted, SubtaskID: st.ID, Message: st.Description})

	var prev *Attempt
	for n := 1; n <= maxAttempts; n++ {
		in := ExecuteInput{
			Query:               trace.Query,
			Plan:                trace.Plan,
			Subtask:             st.Description,
			ConversationContext: convo,
			Number:              n,
			Previous:            prev,
			Prompts:             trace.Prompts,
			ToolModel:           trace.Models.ToolSelection,
			AnswerModel:         trace.Models.SubtaskAnswer,
		}
		if prev != nil {
			in.Advice = prev.Advice
		}
		att, err := o.executor.Execute(ctx, in)
		if err != nil {
			if att.ToolSelection.User != "" {
				st.Attempts = append(st.Attempts, att)
			}
			return withSubtask(err, StageToolSelection, st.ID)
		}

		verdict, advice, rcall, err := o.reflector.Reflect(ctx, ReflectInput{
			Query:               trace.Query,
			Plan:                trace.Plan,
			Subtask:             st.Description,
			ConversationContext: convo,
			ToolResult:          att.ToolResult,
			Prompts:             trace.Prompts,
			Model:               trace.Models.Reflection,
		})
		att.Reflection = rcall
		if err != nil {
			// The partial attempt stays in the trace without a verdict.
			st.Attempts = append(st.Attempts, att)
			st.Answer = att.ToolResult
			return withSubtask(err, StageReflection, st.ID)
		}
		att.Verdict = verdict
		att.Advice = advice

		st.Attempts = append(st.Attempts, att)
		st.Answer = att.ToolResult
		prev = &st.Attempts[len(st.Attempts)-1]
		obs.OnEvent(Event{
			Type:      EventAttemptFinished,
			SubtaskID: st.ID,
			Attempt:   n,
			Message:   advice,
			Payload:   map[string]any{"verdict": verdict, "passages": countPassages(att.ToolCalls)},
		})

		if verdict == VerdictSufficient {
			st.Status = SubtaskSucceeded
			break
		}
		if n == maxAttempts {
			st.Status = SubtaskFailedExhausted
			o.logger.Warn("Subtask exhausted retries",
				zap.Int("subtask", st.ID),
				zap.String("description", st.Description),
				zap.Int("attempts", n),
			)
		}
	}

	metrics.RecordSubtaskMetrics(string(st.Status), len(st.Attempts))
	obs.OnEvent(Event{Type: EventSubtaskFinished, SubtaskID: st.ID, Message: st.Answer, Payload: map[string]any{"status": st.Status}})
	return nil
}

// withSubtask tags err with the failing subtask. stage applies only when err
// does not already carry one.
func withSubtask(err error, stage Stage, id int) error {
	var te *TurnError
	if errors.As(err, &te) {
		te.SubtaskID = id
		return te
	}
	return &TurnError{Stage: stage, SubtaskID: id, Err: err}
}
