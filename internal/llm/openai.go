package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// Config holds provider connection settings.
type Config struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	// PricingPath points at a YAML price list; empty uses built-in prices.
	PricingPath       string        `mapstructure:"pricing_path"`
}

// NewOpenAIClient builds a go-openai client whose transport goes through a
// circuit breaker. The client performs no retries of its own.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "openai", "llm-provider", logger)
	clientCfg.HTTPClient = hw.Client()
	return openai.NewClientWithConfig(clientCfg)
}

// OpenAIGateway implements Gateway with the Chat Completions API.
type OpenAIGateway struct {
	client  *openai.Client
	limiter *rate.Limiter
	timeout time.Duration
	pricing *pricing.Catalog
	logger  *zap.Logger
}

// NewOpenAIGateway wraps client. A zero RequestsPerSecond disables client-side throttling.
func NewOpenAIGateway(client *openai.Client, cfg Config, logger *zap.Logger) *OpenAIGateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGateway{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  logger,
	}
}

// WithPricing records the estimated cost of every successful call.
func (g *OpenAIGateway) WithPricing(c *pricing.Catalog) *OpenAIGateway {
	g.pricing = c
	return g
}

// Complete sends one chat completion. Any failure is returned as *ProviderError.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete",
		attribute.String("llm.stage", string(req.Stage)),
		attribute.String("llm.model", req.Model.ModelName),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	providerErr := func(status int, cause error) error {
		metrics.RecordLLMMetrics(string(req.Stage), req.Model.ModelName, "error", time.Since(start).Seconds())
		return &ProviderError{Stage: req.Stage, Model: req.Model.ModelName, StatusCode: status, Err: cause}
	}

	chatReq, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	if err = g.limiter.Wait(ctx); err != nil {
		err = providerErr(0, fmt.Errorf("rate limiter: %w", err))
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, callErr := g.client.CreateChatCompletion(callCtx, chatReq)
	if callErr != nil {
		err = providerErr(statusOf(callErr), callErr)
		g.logger.Error("LLM request failed",
			zap.String("stage", string(req.Stage)),
			zap.String("model", req.Model.ModelName),
			zap.Error(callErr),
		)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err = providerErr(0, errors.New("response has no choices"))
		return nil, err
	}

	msg := resp.Choices[0].Message
	out := &Completion{
		Text:             msg.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	metrics.RecordLLMMetrics(string(req.Stage), req.Model.ModelName, "success", time.Since(start).Seconds())
	metrics.RecordLLMTokens(string(req.Stage), out.PromptTokens, out.CompletionTokens)
	var cost float64
	if g.pricing != nil {
		cost = g.pricing.Cost(req.Model.ModelName, out.PromptTokens, out.CompletionTokens)
		metrics.RecordLLMCost(string(req.Stage), req.Model.ModelName, cost)
	}
	g.logger.Debug("LLM request completed",
		zap.String("stage", string(req.Stage)),
		zap.String("model", req.Model.ModelName),
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Float64("cost_usd", cost),
		zap.Int("tool_calls", len(out.ToolCalls)),
		zap.Duration("latency", time.Since(start)),
	)
	return out, nil
}

func buildChatRequest(req Request) (openai.ChatCompletionRequest, error) {
	if err := req.Model.Validate(); err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("invalid model spec for %s: %w", req.Stage, err)
	}
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model.ModelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	for _, t := range req.Tools {
		def := openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	applyParams(&chatReq, req.Model.Params)
	return chatReq, nil
}

// applyParams copies validated sampling options onto the request.
func applyParams(r *openai.ChatCompletionRequest, params map[string]any) {
	for k, v := range params {
		switch k {
		case "temperature":
			f, _ := toFloat(v)
			// go-openai omits a zero temperature, which the API reads as 1.
			if f == 0 {
				r.Temperature = math.SmallestNonzeroFloat32
			} else {
				r.Temperature = float32(f)
			}
		case "top_p":
			f, _ := toFloat(v)
			r.TopP = float32(f)
		case "presence_penalty":
			f, _ := toFloat(v)
			r.PresencePenalty = float32(f)
		case "frequency_penalty":
			f, _ := toFloat(v)
			r.FrequencyPenalty = float32(f)
		case "seed":
			n, _ := toInt(v)
			r.Seed = &n
		case "max_tokens":
			n, _ := toInt(v)
			r.MaxTokens = n
		case "stop":
			r.Stop, _ = toStrings(v)
		}
	}
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
