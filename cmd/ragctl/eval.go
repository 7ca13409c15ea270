package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/app"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/evaluation"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/util"
)

// Dataset is a set of reference questions for prompt tuning.
type Dataset struct {
	Metrics []string        `yaml:"metrics"`
	Samples []DatasetSample `yaml:"samples"`
}

// DatasetSample is one question with its expected answer.
type DatasetSample struct {
	Query       string              `yaml:"query"`
	Reference   string              `yaml:"reference"`
	ChatHistory []agent.ChatMessage `yaml:"chat_history"`
}

// loadDataset decodes and checks a dataset.
func loadDataset(r io.Reader) (*Dataset, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var ds Dataset
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("dataset has no samples")
	}
	if len(ds.Metrics) == 0 {
		ds.Metrics = evaluation.DefaultMetrics
	}
	for _, m := range ds.Metrics {
		if !evaluation.Known(m) {
			return nil, fmt.Errorf("%w: %s", evaluation.ErrUnknownMetric, m)
		}
	}
	for i, s := range ds.Samples {
		if s.Query == "" {
			return nil, fmt.Errorf("sample %d: query is empty", i+1)
		}
		if s.Reference == "" {
			return nil, fmt.Errorf("sample %d: reference is required for evaluation", i+1)
		}
	}
	return &ds, nil
}

// sampleResult is the outcome of one dataset row. Err is set when the turn
// or its evaluation failed.
type sampleResult struct {
	Outcome agent.OutcomeKind
	Scores  map[string]float64
	Err     error
}

// meanScores averages each metric over the rows that produced a score.
func meanScores(results []sampleResult, metrics []string) map[string]float64 {
	means := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		sum, n := 0.0, 0
		for _, r := range results {
			if v, ok := r.Scores[m]; ok && r.Err == nil {
				sum += v
				n++
			}
		}
		if n > 0 {
			means[m] = sum / float64(n)
		}
	}
	return means
}

func newEvalCmd(g *globalOptions) *cobra.Command {
	var (
		datasetPath string
		promptsPath string
		parallel    int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run a reference dataset through the agent and score the answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(datasetPath)
			if err != nil {
				return fmt.Errorf("open dataset: %w", err)
			}
			ds, err := loadDataset(f)
			f.Close()
			if err != nil {
				return err
			}

			return g.withStack(cmd.Context(), func(_ *config.Config, stack *app.Stack, logger *zap.Logger) error {
				set := stack.Prompts.Current()
				if promptsPath != "" {
					o, err := prompts.LoadFile(promptsPath)
					if err != nil {
						return err
					}
					set = prompts.Resolve(o, set)
					if err := set.Validate(); err != nil {
						return err
					}
				}

				results := make([]sampleResult, len(ds.Samples))
				eg, ctx := errgroup.WithContext(cmd.Context())
				eg.SetLimit(max(parallel, 1))
				for i, s := range ds.Samples {
					eg.Go(func() error {
						trace, err := stack.Orchestrator.Run(ctx, agent.TurnRequest{
							Input:   agent.TurnInput{Query: s.Query, ChatHistory: s.ChatHistory},
							Prompts: set,
							Models:  stack.Models,
						})
						if err != nil {
							results[i].Err = err
							logger.Warn("Turn failed", zap.Int("sample", i+1), zap.Error(err))
							return nil
						}
						results[i].Outcome = trace.Outcome.Kind
						results[i].Scores, results[i].Err = stack.Evaluator.Evaluate(ctx, evaluation.Sample{
							Query:     s.Query,
							Answer:    trace.Outcome.Text,
							Reference: s.Reference,
						}, ds.Metrics)
						return nil
					})
				}
				if err := eg.Wait(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderResults(ds, results))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&datasetPath, "dataset", "d", "", "YAML dataset of queries and reference answers")
	cmd.Flags().StringVar(&promptsPath, "prompts", "", "YAML file with prompt overrides to evaluate")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 2, "turns run at the same time")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func renderResults(ds *Dataset, results []sampleResult) string {
	headers := append([]string{"#", "query", "outcome"}, ds.Metrics...)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...)

	for i, r := range results {
		row := []string{strconv.Itoa(i + 1), util.TruncateString(ds.Samples[i].Query, 48, true)}
		if r.Err != nil {
			row = append(row, errorStyle.Render(util.TruncateString(r.Err.Error(), 40, false)))
			for range ds.Metrics {
				row = append(row, "-")
			}
			t.Row(row...)
			continue
		}
		row = append(row, string(r.Outcome))
		for _, m := range ds.Metrics {
			row = append(row, fmt.Sprintf("%.3f", r.Scores[m]))
		}
		t.Row(row...)
	}

	means := meanScores(results, ds.Metrics)
	names := make([]string, 0, len(means))
	for m := range means {
		names = append(names, m)
	}
	sort.Strings(names)
	summary := titleStyle.Render("Mean")
	for _, m := range names {
		summary += fmt.Sprintf("  %s=%.3f", m, means[m])
	}
	return t.Render() + "\n" + summary
}
