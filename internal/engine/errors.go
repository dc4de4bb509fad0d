package engine

import (
	"errors"
	"fmt"

	"browsernerd-resolver/internal/resolver"
)

var (
	// ErrRunning is returned when a run is started while another is active.
	ErrRunning = errors.New("a run is already in progress")
	// ErrNoExecutor is returned by Run when no action executor is attached.
	ErrNoExecutor = errors.New("no action executor configured")
)

// StepError is the single user-visible resolution failure.
type StepError struct {
	Step   int
	Intent string
	Err    error
}

func (e *StepError) Error() string {
	var ex *resolver.ExhaustedError
	if errors.As(e.Err, &ex) {
		return fmt.Sprintf("could not resolve target for step %d (intent %q, exhausted at %s tier)", e.Step, e.Intent, ex.Tier)
	}
	return fmt.Sprintf("could not resolve target for step %d (intent %q): %v", e.Step, e.Intent, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Tier returns the tier at which the cascade gave up, if known.
func (e *StepError) Tier() (resolver.Tier, bool) {
	var ex *resolver.ExhaustedError
	if errors.As(e.Err, &ex) {
		return ex.Tier, true
	}
	return 0, false
}

// ActionError reports that the executor failed on a resolved target.
type ActionError struct {
	Step   int
	Intent string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("step %d (intent %q) failed: %v", e.Step, e.Intent, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
