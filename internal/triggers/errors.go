package triggers

import (
	"errors"
	"fmt"
)

var (
	// ErrTriggerNotFound is returned when removing an unknown trigger.
	ErrTriggerNotFound = errors.New("trigger not found")
	// ErrInvalidTrigger wraps declaration errors.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// Evaluation phases reported by EvaluationError.
const (
	PhaseHandler  = "handler"
	PhaseFilter   = "filter"
	PhaseContext  = "context"
	PhaseClaim    = "claim"
	PhaseDispatch = "dispatch"
)

// EvaluationError is a failure while evaluating or dispatching one trigger.
// It is recorded against the trigger and does not stop other triggers.
type EvaluationError struct {
	TriggerID string
	Phase     string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("trigger %s: %s: %v", e.TriggerID, e.Phase, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
}
