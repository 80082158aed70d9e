package fsm

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound = errors.New("run not found")

	errInvalidEventType = errors.New("invalid event type")
)

// PhaseError is returned when a transition fails. The FSM halts in FailState and no later
// transition runs.
type PhaseError struct {
	State     string
	FailState string
	Err       error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
