package agent

// EventType names a point in the turn lifecycle.
type EventType string

const (
	EventPlanningStarted        EventType = "PLANNING_STARTED"
	EventPlanReady              EventType = "PLAN_READY"
	EventClarificationRequested EventType = "CLARIFICATION_REQUESTED"
	EventSubtaskStarted         EventType = "SUBTASK_STARTED"
	EventAttemptFinished        EventType = "ATTEMPT_FINISHED"
	EventSubtaskFinished        EventType = "SUBTASK_FINISHED"
	EventSynthesisStarted       EventType = "SYNTHESIS_STARTED"
	EventTurnCompleted          EventType = "TURN_COMPLETED"
	EventTurnFailed             EventType = "TURN_FAILED"
)

// Event is a progress notification. Events are not part of the Trace.
type Event struct {
	Type      EventType      `json:"type"`
	SubtaskID int            `json:"subtask_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Observer receives events. It may be called from several goroutines when
// subtasks run concurrently.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
