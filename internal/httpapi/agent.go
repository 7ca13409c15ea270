package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/evaluation"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracestore"
)

// maxBodyBytes caps the exec request body.
const maxBodyBytes = 1 << 20

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, req agent.TurnRequest) (*agent.Trace, error)
}

// Scorer evaluates a finished answer.
type Scorer interface {
	Evaluate(ctx context.Context, s evaluation.Sample, names []string) (map[string]float64, error)
}

// TraceStore persists turns and reads them back.
type TraceStore interface {
	SaveAsync(rec *tracestore.Record, callback func(error))
	Get(ctx context.Context, turnID string) (*tracestore.Record, error)
}

// AgentHandlerConfig holds per-deployment defaults.
type AgentHandlerConfig struct {
	Environment string
	Models      agent.ModelSpecs
	MaxRetries  int
	TurnTimeout time.Duration
}

// AgentHandler serves the turn execution API.
type AgentHandler struct {
	runner  Runner
	scorer  Scorer
	store   TraceStore
	prompts *prompts.Store
	policy  policy.Engine
	streams *streaming.Manager
	cfg     AgentHandlerConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewAgentHandler constructs the handler. scorer, store, engine and streams
// may be nil to disable evaluation, persistence, policy checks and live
// events respectively.
func NewAgentHandler(runner Runner, scorer Scorer, store TraceStore, promptStore *prompts.Store, engine policy.Engine, streams *streaming.Manager, cfg AgentHandlerConfig, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		runner:  runner,
		scorer:  scorer,
		store:   store,
		prompts: promptStore,
		policy:  engine,
		streams: streams,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Exec runs one turn.
// POST /ai_agents/chatbot/exec
func (h *AgentHandler) Exec(w http.ResponseWriter, r *http.Request) {
	start := h.now()

	var req ExecRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		verr := &ValidationError{}
		verr.add("json_invalid", "invalid JSON: "+sanitizeErr(err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, verr)
		return
	}
	if req.TurnID == "" {
		req.TurnID = r.Header.Get("X-Turn-ID")
	}

	plan, err := buildTurn(&req, h.prompts.Current(), h.cfg.Models, h.cfg.MaxRetries)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, verr)
			return
		}
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}

	user, _ := auth.GetUserContext(r.Context())
	if err := h.enforce(r.Context(), user, plan); err != nil {
		if errors.Is(err, policy.ErrDenied) {
			h.logger.Warn("Request denied by policy", zap.String("turn_id", plan.TurnID), zap.Error(err))
			writeMessage(w, http.StatusForbidden, err.Error())
			return
		}
		h.logger.Error("Policy evaluation failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}

	if plan.RunEval && h.scorer == nil {
		writeMessage(w, http.StatusInternalServerError, "evaluation is not configured")
		return
	}

	ctx := r.Context()
	if h.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.TurnTimeout)
		defer cancel()
	}
	if h.streams != nil {
		plan.Turn.Observer = h.streams.Observer(plan.TurnID)
	}

	logger := h.logger.With(zap.String("turn_id", plan.TurnID), zap.String("session_id", plan.SessionID))
	logger.Info("Turn started", zap.Int("max_retries", plan.MaxRetries), zap.Bool("evaluate", plan.RunEval))

	trace, err := h.runner.Run(ctx, plan.Turn)
	if err == nil && plan.RunEval {
		trace.Scores, err = h.scorer.Evaluate(ctx, evaluation.Sample{
			Query:     trace.Query,
			Answer:    trace.Outcome.Text,
			Reference: plan.Reference,
		}, plan.Metrics)
	}
	elapsed := h.now().Sub(start)
	h.persist(logger, plan, trace, err, elapsed)

	if err != nil {
		var te *agent.TurnError
		if errors.As(err, &te) && te.Stage == agent.StageValidation {
			verr := &ValidationError{}
			verr.add("value_error", te.Err.Error())
			writeJSON(w, http.StatusUnprocessableEntity, verr)
			return
		}
		logger.Error("Turn execution failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ExecResponse{
		Query:         trace.Query,
		Answer:        trace.Outcome.Text,
		Outcome:       string(trace.Outcome.Kind),
		AIAgentResult: newAgentResult(trace, r.URL.Query().Get("trace") != "false"),
		SessionID:     plan.SessionID,
		TurnID:        plan.TurnID,
		ExecutionTime: elapsed.Seconds(),
	}
	if plan.RunEval {
		resp.RagasResult = &RagasResult{
			Scores: trace.Scores,
			Input:  map[string]any{"ragas_reference": plan.Reference},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AgentHandler) enforce(ctx context.Context, user *auth.UserContext, plan *turnPlan) error {
	if h.policy == nil {
		return nil
	}
	in := &policy.Input{
		Environment:     h.cfg.Environment,
		Models:          plan.ModelNames,
		PromptOverrides: plan.Overridden,
		MaxRetries:      plan.MaxRetries,
		IsRunRagas:      plan.RunEval,
	}
	if in.PromptOverrides == nil {
		in.PromptOverrides = []string{}
	}
	if user != nil {
		in.Subject = user.Subject
		in.Role = user.Role
		in.Scopes = user.Scopes
	}
	return policy.Enforce(ctx, h.policy, in)
}

// persist stores the turn in the background. A nil trace means the turn
// never started and nothing is written.
func (h *AgentHandler) persist(logger *zap.Logger, plan *turnPlan, trace *agent.Trace, turnErr error, elapsed time.Duration) {
	if h.store == nil || trace == nil {
		return
	}
	rec, err := tracestore.NewRecord(plan.TurnID, plan.SessionID, trace, turnErr, elapsed, h.now())
	if err != nil {
		logger.Warn("Failed to encode trace", zap.Error(err))
		return
	}
	h.store.SaveAsync(rec, func(err error) {
		if err != nil {
			logger.Warn("Failed to persist trace", zap.Error(err))
		}
	})
}

// Defaults returns the built-in prompts and stage models.
// GET /ai_agents/chatbot/defaults
func (h *AgentHandler) Defaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DefaultsResponse{
		Prompts:    h.prompts.Current(),
		Models:     h.cfg.Models,
		MaxRetries: h.cfg.MaxRetries,
		Metrics:    evaluation.DefaultMetrics,
	})
}

// Turn returns a persisted turn.
// GET /ai_agents/turns/{id}
func (h *AgentHandler) Turn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeMessage(w, http.StatusBadRequest, "turn id required")
		return
	}
	if h.store == nil {
		writeMessage(w, http.StatusNotFound, "trace store is disabled")
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, tracestore.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load trace", zap.String("turn_id", id), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "failed to load trace")
		return
	}
	trace, err := rec.DecodeTrace()
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turn":            rec,
		"ai_agent_result": newAgentResult(trace, true),
	})
}
