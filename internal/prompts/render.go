package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Placeholder names understood by the agent.
const (
	Query               = "query"
	Plan                = "plan"
	Subtask             = "subtask"
	ToolResult          = "tool_result"
	Advice              = "advice"
	SubtaskResults      = "subtask_results"
	ConversationContext = "conversation_context"
)

// ErrMissingPlaceholder is returned when a template references a placeholder
// that has no value at render time.
var ErrMissingPlaceholder = errors.New("prompt placeholder has no value")

// PlaceholderError reports which placeholders of which slot could not be filled.
type PlaceholderError struct {
	Slot  Slot
	Names []string
}

func (e *PlaceholderError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("%v: %s", ErrMissingPlaceholder, strings.Join(e.Names, ", "))
	}
	return fmt.Sprintf("%v: slot %s: %s", ErrMissingPlaceholder, e.Slot, strings.Join(e.Names, ", "))
}

func (e *PlaceholderError) Unwrap() error { return ErrMissingPlaceholder }

// Values maps placeholder names to their rendered text.
type Values map[string]string

// {{ and }} escape literal braces.
var tokenPattern = regexp.MustCompile(`\{\{|\}\}|\{([a-z_][a-z0-9_]*)\}`)

// stageValues lists the placeholders each slot may reference.
var stageValues = map[Slot][]string{
	SlotPlannerSystem:       {Query, ConversationContext},
	SlotPlannerUser:         {Query, ConversationContext},
	SlotToolSelectionSystem: {Query, Plan, Subtask, ConversationContext},
	SlotToolSelectionUser:   {Query, Plan, Subtask, ConversationContext},
	SlotReflectionUser:      {Query, Plan, Subtask, ConversationContext, ToolResult},
	SlotRetryUser:           {Query, Plan, Subtask, ConversationContext, ToolResult, Advice},
	SlotFinalAnswerSystem:   {Query, Plan, ConversationContext, SubtaskResults},
	SlotFinalAnswerUser:     {Query, Plan, ConversationContext, SubtaskResults},
}

// Allowed returns the placeholders supplied when slot is rendered.
func Allowed(slot Slot) []string {
	return append([]string(nil), stageValues[slot]...)
}

// Placeholders returns the distinct placeholder names referenced by tpl, sorted.
func Placeholders(tpl string) []string {
	seen := map[string]struct{}{}
	for _, m := range tokenPattern.FindAllStringSubmatch(tpl, -1) {
		if m[1] != "" {
			seen[m[1]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render substitutes every placeholder in tpl. It fails without producing
// output when any referenced placeholder is absent from vals.
func Render(tpl string, vals Values) (string, error) {
	var missing []string
	for _, name := range Placeholders(tpl) {
		if _, ok := vals[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", &PlaceholderError{Names: missing}
	}
	return tokenPattern.ReplaceAllStringFunc(tpl, func(tok string) string {
		switch tok {
		case "{{":
			return "{"
		case "}}":
			return "}"
		}
		return vals[tok[1:len(tok)-1]]
	}), nil
}

// RenderSlot renders the template held in slot of s.
func (s Set) RenderSlot(slot Slot, vals Values) (string, error) {
	out, err := Render(s.Get(slot), vals)
	if err != nil {
		var pe *PlaceholderError
		if errors.As(err, &pe) {
			pe.Slot = slot
		}
		return "", err
	}
	return out, nil
}

// Validate checks that every slot is non-empty and only references
// placeholders its stage supplies.
func (s Set) Validate() error {
	for _, slot := range Slots {
		tpl := s.Get(slot)
		if strings.TrimSpace(tpl) == "" {
			return fmt.Errorf("prompt slot %s is empty", slot)
		}
		allowed := map[string]struct{}{}
		for _, name := range stageValues[slot] {
			allowed[name] = struct{}{}
		}
		var missing []string
		for _, name := range Placeholders(tpl) {
			if _, ok := allowed[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return &PlaceholderError{Slot: slot, Names: missing}
		}
	}
	return nil
}
