package prompts

// Slot names one template in a prompt set.
type Slot string

const (
	SlotPlannerSystem       Slot = "planner_system"
	SlotPlannerUser         Slot = "planner_user"
	SlotToolSelectionSystem Slot = "subtask_tool_selection_system"
	SlotToolSelectionUser   Slot = "subtask_tool_selection_user"
	SlotReflectionUser      Slot = "subtask_reflection_user"
	SlotRetryUser           Slot = "subtask_retry_user"
	SlotFinalAnswerSystem   Slot = "final_answer_system"
	SlotFinalAnswerUser     Slot = "final_answer_user"
)

// Slots lists every slot in the order it is used during a turn.
var Slots = []Slot{
	SlotPlannerSystem,
	SlotPlannerUser,
	SlotToolSelectionSystem,
	SlotToolSelectionUser,
	SlotReflectionUser,
	SlotRetryUser,
	SlotFinalAnswerSystem,
	SlotFinalAnswerUser,
}

// Set is a fully resolved prompt set. Every slot holds a template string.
type Set struct {
	PlannerSystem       string `json:"planner_system" yaml:"planner_system"`
	PlannerUser         string `json:"planner_user" yaml:"planner_user"`
	ToolSelectionSystem string `json:"subtask_tool_selection_system" yaml:"subtask_tool_selection_system"`
	ToolSelectionUser   string `json:"subtask_tool_selection_user" yaml:"subtask_tool_selection_user"`
	ReflectionUser      string `json:"subtask_reflection_user" yaml:"subtask_reflection_user"`
	RetryUser           string `json:"subtask_retry_user" yaml:"subtask_retry_user"`
	FinalAnswerSystem   string `json:"final_answer_system" yaml:"final_answer_system"`
	FinalAnswerUser     string `json:"final_answer_user" yaml:"final_answer_user"`
}

// Overrides carries optional per-turn replacements. A nil or empty slot
// falls back to the defaults.
type Overrides struct {
	PlannerSystem       *string `json:"planner_system,omitempty" yaml:"planner_system,omitempty"`
	PlannerUser         *string `json:"planner_user,omitempty" yaml:"planner_user,omitempty"`
	ToolSelectionSystem *string `json:"subtask_tool_selection_system,omitempty" yaml:"subtask_tool_selection_system,omitempty"`
	ToolSelectionUser   *string `json:"subtask_tool_selection_user,omitempty" yaml:"subtask_tool_selection_user,omitempty"`
	ReflectionUser      *string `json:"subtask_reflection_user,omitempty" yaml:"subtask_reflection_user,omitempty"`
	RetryUser           *string `json:"subtask_retry_user,omitempty" yaml:"subtask_retry_user,omitempty"`
	FinalAnswerSystem   *string `json:"final_answer_system,omitempty" yaml:"final_answer_system,omitempty"`
	FinalAnswerUser     *string `json:"final_answer_user,omitempty" yaml:"final_answer_user,omitempty"`
}

// Get returns the template stored in slot.
func (s Set) Get(slot Slot) string {
	if p := s.field(slot); p != nil {
		return *p
	}
	return ""
}

// With returns a copy of s with slot replaced.
func (s Set) With(slot Slot, tpl string) Set {
	if p := s.field(slot); p != nil {
		*p = tpl
	}
	return s
}

func (s *Set) field(slot Slot) *string {
	switch slot {
	case SlotPlannerSystem:
		return &s.PlannerSystem
	case SlotPlannerUser:
		return &s.PlannerUser
	case SlotToolSelectionSystem:
		return &s.ToolSelectionSystem
	case SlotToolSelectionUser:
		return &s.ToolSelectionUser
	case SlotReflectionUser:
		return &s.ReflectionUser
	case SlotRetryUser:
		return &s.RetryUser
	case SlotFinalAnswerSystem:
		return &s.FinalAnswerSystem
	case SlotFinalAnswerUser:
		return &s.FinalAnswerUser
	}
	return nil
}

// Set stores tpl as the override for slot.
func (o *Overrides) Set(slot Slot, tpl string) {
	v := tpl
	switch slot {
	case SlotPlannerSystem:
		o.PlannerSystem = &v
	case SlotPlannerUser:
		o.PlannerUser = &v
	case SlotToolSelectionSystem:
		o.ToolSelectionSystem = &v
	case SlotToolSelectionUser:
		o.ToolSelectionUser = &v
	case SlotReflectionUser:
		o.ReflectionUser = &v
	case SlotRetryUser:
		o.RetryUser = &v
	case SlotFinalAnswerSystem:
		o.FinalAnswerSystem = &v
	case SlotFinalAnswerUser:
		o.FinalAnswerUser = &v
	}
}

// Resolve applies overrides on top of defaults, one slot at a time.
func Resolve(o *Overrides, defaults Set) Set {
	if o == nil {
		return defaults
	}
	out := defaults
	pick(&out.PlannerSystem, o.PlannerSystem)
	pick(&out.PlannerUser, o.PlannerUser)
	pick(&out.ToolSelectionSystem, o.ToolSelectionSystem)
	pick(&out.ToolSelectionUser, o.ToolSelectionUser)
	pick(&out.ReflectionUser, o.ReflectionUser)
	pick(&out.RetryUser, o.RetryUser)
	pick(&out.FinalAnswerSystem, o.FinalAnswerSystem)
	pick(&out.FinalAnswerUser, o.FinalAnswerUser)
	return out
}

func pick(dst *string, override *string) {
	if override != nil && *override != "" {
		*dst = *override
	}
}
