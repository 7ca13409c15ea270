package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/app"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

type askOptions struct {
	historyPath string
	promptsPath string
	maxRetries  int
	asJSON      bool
	progress    bool
}

func newAskCmd(g *globalOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Run one agent turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return g.withStack(cmd.Context(), func(cfg *config.Config, stack *app.Stack, logger *zap.Logger) error {
				req, err := opts.turnRequest(query, stack)
				if err != nil {
					return err
				}
				if opts.progress {
					req.Observer = progressObserver(cmd.ErrOrStderr())
				}
				trace, err := stack.Orchestrator.Run(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(trace)
				}
				printTrace(cmd.OutOrStdout(), trace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.historyPath, "history", "", "YAML or JSON file with prior chat messages")
	cmd.Flags().StringVar(&opts.promptsPath, "prompts", "", "YAML file with prompt overrides for this turn")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", -1, "retries per subtask (default from config)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full trace as JSON")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "print turn events to stderr")
	return cmd
}

func (o *askOptions) turnRequest(query string, stack *app.Stack) (agent.TurnRequest, error) {
	req := agent.TurnRequest{
		Input:   agent.TurnInput{Query: query},
		Prompts: stack.Prompts.Current(),
		Models:  stack.Models,
	}
	if o.historyPath != "" {
		history, err := loadHistory(o.historyPath)
		if err != nil {
			return req, err
		}
		req.Input.ChatHistory = history
	}
	if o.promptsPath != "" {
		overrides, err := prompts.LoadFile(o.promptsPath)
		if err != nil {
			return req, err
		}
		req.Prompts = prompts.Resolve(overrides, req.Prompts)
	}
	if o.maxRetries >= 0 {
		n := o.maxRetries
		req.MaxRetries = &n
	}
	return req, nil
}

// loadHistory reads a list of chat messages. JSON files parse as YAML.
func loadHistory(path string) ([]agent.ChatMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var history []agent.ChatMessage
	if err := yaml.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	return history, nil
}

func progressObserver(w io.Writer) agent.Observer {
	var mu sync.Mutex
	return agent.ObserverFunc(func(e agent.Event) {
		mu.Lock()
		defer mu.Unlock()
		line := string(e.Type)
		if e.SubtaskID > 0 {
			line += fmt.Sprintf(" subtask=%d", e.SubtaskID)
		}
		if e.Attempt > 0 {
			line += fmt.Sprintf(" attempt=%d", e.Attempt)
		}
		if e.Message != "" {
			line += " " + e.Message
		}
		fmt.Fprintln(w, dimStyle.Render(line))
	})
}

func printTrace(w io.Writer, t *agent.Trace) {
	if len(t.Plan) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Plan"))
		for _, st := range t.Subtasks {
			mark := successStyle.Render("✓")
			if st.Status != agent.SubtaskSucceeded {
				mark = errorStyle.Render("✗")
			}
			fmt.Fprintf(w, "  %s %d. %s %s\n", mark, st.ID, st.Description,
				dimStyle.Render(fmt.Sprintf("(%d attempts, %d tool calls)", len(st.Attempts), st.ToolCallCount())))
		}
		fmt.Fprintln(w)
	}
	if t.Outcome == nil {
		return
	}
	fmt.Fprintln(w, titleStyle.Render("Answer")+" "+dimStyle.Render(string(t.Outcome.Kind)))
	fmt.Fprintln(w, t.Outcome.Text)
}
