package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrGateway wraps any retrieval or language model failure.
	ErrGateway = errors.New("gateway call failed")
	// ErrMalformedOutput marks model output that cannot be parsed into the
	// expected shape.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrEmptyQuery is returned for a blank query.
	ErrEmptyQuery = errors.New("query is empty")
)

// Stage names the step of a turn an error came from.
type Stage string

const (
	StageValidation     Stage = "validation"
	StagePlanning       Stage = "planning"
	StageToolSelection  Stage = "tool_selection"
	StageToolInvocation Stage = "tool_invocation"
	StageSubtaskAnswer  Stage = "subtask_answer"
	StageReflection     Stage = "reflection"
	StageSynthesis      Stage = "synthesis"
)

// TurnError is a fatal turn failure. SubtaskID is zero outside subtask
// execution.
type TurnError struct {
	Stage     Stage
	SubtaskID int
	Err       error
}

func (e *TurnError) Error() string {
	if e.SubtaskID > 0 {
		return fmt.Sprintf("%s failed (subtask %d): %v", e.Stage, e.SubtaskID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ModelSpecError reports an invalid model spec for a stage.
type ModelSpecError struct {
	Stage string
	Err   error
}

func (e *ModelSpecError) Error() string {
	return fmt.Sprintf("model spec for %s: %v", e.Stage, e.Err)
}

func (e *ModelSpecError) Unwrap() error { return e.Err }

func stageError(stage Stage, err error) *TurnError {
	return &TurnError{Stage: stage, Err: err}
}

func gatewayError(stage Stage, err error) *TurnError {
	return stageError(stage, fmt.Errorf("%w: %w", ErrGateway, err))
}

func malformed(stage Stage, format string, args ...any) *TurnError {
	return stageError(stage, fmt.Errorf("%w: %s", ErrMalformedOutput, fmt.Sprintf(format, args...)))
}
