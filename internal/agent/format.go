package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/retrieval"
)

// FormatHistory renders user and assistant messages as "role: content"
// lines. maxTurns > 0 keeps only the most recent messages.
func FormatHistory(history []ChatMessage, maxTurns int) string {
	filtered := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			filtered = append(filtered, m)
		}
	}
	if maxTurns > 0 && len(filtered) > maxTurns {
		filtered = filtered[len(filtered)-maxTurns:]
	}
	lines := make([]string, 0, len(filtered))
	for _, m := range filtered {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, string(m.Role)+": "+content)
	}
	return strings.Join(lines, "\n")
}

// FormatPlan renders the plan as a numbered list.
func FormatPlan(plan []string) string {
	var b strings.Builder
	for i, s := range plan {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(s)
	}
	return b.String()
}

// FormatSubtaskResults renders every subtask in plan order with its status
// and answer.
func FormatSubtaskResults(subtasks []Subtask) string {
	blocks := make([]string, 0, len(subtasks))
	for _, s := range subtasks {
		blocks = append(blocks, fmt.Sprintf("[%d] %s\nStatus: %s\nAnswer: %s",
			s.ID, s.Description, s.Status, strings.TrimSpace(s.Answer)))
	}
	return strings.Join(blocks, "\n\n")
}

const noPassages = "No passages were found."

// formatToolResults renders the passages returned by the tools of one
// attempt. It always produces a block, even when nothing was found.
func formatToolResults(calls []ToolInvocation) string {
	var b strings.Builder
	b.WriteString("# Tool results\n")
	n := 0
	for _, c := range calls {
		for _, p := range c.Passages {
			n++
			fmt.Fprintf(&b, "[%d] (%s, score %.4f", n, c.Tool, p.Score)
			if p.Source != "" {
				fmt.Fprintf(&b, ", source %s", p.Source)
			}
			b.WriteString(")\n")
			b.WriteString(strings.TrimSpace(p.Text))
			b.WriteString("\n")
		}
	}
	if n == 0 {
		b.WriteString(noPassages)
		b.WriteString("\n")
	}
	return b.String()
}

func countPassages(calls []ToolInvocation) int {
	n := 0
	for _, c := range calls {
		n += len(c.Passages)
	}
	return n
}

func clonePassages(ps []retrieval.Passage) []retrieval.Passage {
	out := make([]retrieval.Passage, len(ps))
	copy(out, ps)
	return out
}
