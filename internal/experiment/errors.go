package experiment

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/GiftExplain/internal/store"
)

var (
	// ErrNotFound is returned when the experiment ID does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrIllegalTransition is matched by every *TransitionError.
	ErrIllegalTransition = errors.New("illegal step transition")
	// ErrWrongStep means the operation does not belong to the experiment's current screen.
	ErrWrongStep = errors.New("operation not allowed at current step")
	// ErrStepDataMissing means the current screen's data must be submitted before leaving it.
	ErrStepDataMissing = errors.New("step data not yet recorded")
	// ErrDuplicateSubmission means a survey for this step index was already recorded.
	ErrDuplicateSubmission = errors.New("response already recorded for this step")
	// ErrCompleted means the experiment is closed for this operation.
	ErrCompleted = errors.New("experiment already completed")
	// ErrRandomUnavailable means order assignment could not draw a random number.
	ErrRandomUnavailable = errors.New("random source unavailable")
	// ErrGeneration means the external content generator failed.
	ErrGeneration = errors.New("content generation failed")
)

// TransitionError describes a rejected step change.
type TransitionError struct {
	From   Step
	To     Step
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal step transition %d -> %d: %s", e.From, e.To, e.Reason)
}

// Unwrap lets callers match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// ConflictError is returned when a request disagrees with the persisted step. It
// carries the current step so the client can resume at the right screen.
type ConflictError struct {
	CurrentStep Step
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v (current step %d)", e.Err, e.CurrentStep)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func conflict(current Step, err error) error {
	return &ConflictError{CurrentStep: current, Err: err}
}
