// Package evaluation scores turn answers for prompt tuning.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/util"
)

const (
	AnswerRelevancy  = "answer_relevancy"
	AnswerSimilarity = "answer_similarity"
)

// DefaultMetrics is used when a request names none.
var DefaultMetrics = []string{AnswerRelevancy, AnswerSimilarity}

var (
	ErrUnknownMetric    = errors.New("unknown evaluation metric")
	ErrMissingReference = errors.New("reference answer is required")
)

// Known reports whether name is a supported metric.
func Known(name string) bool {
	return name == AnswerRelevancy || name == AnswerSimilarity
}

// Sample is one scored answer.
type Sample struct {
	Query     string `json:"user_input" yaml:"query"`
	Answer    string `json:"response" yaml:"answer"`
	Reference string `json:"reference" yaml:"reference"`
}

// Config tunes the evaluator.
type Config struct {
	Model llm.ModelSpec `mapstructure:"model"`
	// Questions is how many questions answer_relevancy generates.
	Questions int `mapstructure:"questions"`
}

// Evaluator computes answer metrics with a model and an embedder.
type Evaluator struct {
	gateway  llm.Gateway
	embedder embeddings.Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(gateway llm.Gateway, embedder embeddings.Embedder, cfg Config, logger *zap.Logger) *Evaluator {
	if cfg.Questions <= 0 {
		cfg.Questions = 3
	}
	if cfg.Model.ModelName == "" {
		cfg.Model = llm.DefaultModelSpec()
	}
	return &Evaluator{gateway: gateway, embedder: embedder, cfg: cfg, logger: logger}
}

// Evaluate runs the named metrics in parallel. Any metric failure fails the
// whole evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, s Sample, names []string) (map[string]float64, error) {
	if len(names) == 0 {
		names = DefaultMetrics
	}
	for _, n := range names {
		if !Known(n) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, n)
		}
		if n == AnswerSimilarity && strings.TrimSpace(s.Reference) == "" {
			return nil, fmt.Errorf("%s: %w", n, ErrMissingReference)
		}
	}

	scores := make([]float64, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range names {
		g.Go(func() error {
			var err error
			switch n {
			case AnswerSimilarity:
				scores[i], err = e.answerSimilarity(gctx, s)
			case AnswerRelevancy:
				scores[i], err = e.answerRelevancy(gctx, s)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(names))
	for i, n := range names {
		out[n] = scores[i]
		metrics.EvaluationScore.WithLabelValues(n).Observe(scores[i])
	}
	e.logger.Debug("Answer evaluated", zap.Any("scores", out))
	return out, nil
}

// answerSimilarity is the cosine similarity of answer and reference
// embeddings.
func (e *Evaluator) answerSimilarity(ctx context.Context, s Sample) (float64, error) {
	vecs, err := e.embedder.EmbedBatch(ctx, []string{s.Answer, s.Reference})
	if err != nil {
		return 0, err
	}
	return clamp(util.CosineSimilarity(vecs[0], vecs[1])), nil
}

const relevancySystem = `Generate questions that the given answer would be a direct response to.
Also decide whether the answer is noncommittal: evasive, vague or a refusal such as "I don't know".
Respond with one JSON object and nothing else:
{"questions": ["..."], "noncommittal": true|false}`

type relevancyOutput struct {
	Questions    []string `json:"questions"`
	Noncommittal bool     `json:"noncommittal"`
}

// answerRelevancy asks the model which questions the answer responds to
// and averages their cosine similarity with the real query. Noncommittal
// answers score zero.
func (e *Evaluator) answerRelevancy(ctx context.Context, s Sample) (float64, error) {
	if strings.TrimSpace(s.Answer) == "" {
		return 0, nil
	}
	resp, err := e.gateway.Complete(ctx, llm.Request{
		Stage:  llm.StageEvaluation,
		System: relevancySystem,
		User:   fmt.Sprintf("Number of questions: %d\nAnswer:\n%s", e.cfg.Questions, s.Answer),
		Model:  e.cfg.Model,
		JSON:   true,
	})
	if err != nil {
		return 0, err
	}
	var out relevancyOutput
	raw := strings.TrimSpace(resp.Text)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return 0, fmt.Errorf("decode questions: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return 0, fmt.Errorf("decode questions: %w", err)
		}
	}
	if out.Noncommittal {
		return 0, nil
	}
	questions := make([]string, 0, len(out.Questions))
	for _, q := range out.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return 0, errors.New("model generated no questions")
	}

	vecs, err := e.embedder.EmbedBatch(ctx, append([]string{s.Query}, questions...))
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range vecs[1:] {
		sum += util.CosineSimilarity(vecs[0], v)
	}
	return clamp(sum / float64(len(questions))), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
