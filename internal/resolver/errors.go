package resolver

import (
	"errors"
	"fmt"

	"browsernerd-resolver/internal/dom"
)

// Tier groups strategies by cost and execution mode.
type Tier int

const (
	TierSequential Tier = iota
	TierParallel
	TierDynamic
)

func (t Tier) String() string {
	switch t {
	case TierSequential:
		return "sequential"
	case TierParallel:
		return "parallel"
	case TierDynamic:
		return "dynamic"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText renders the tier by name in JSON output.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

var (
	// ErrNotFound means no strategy produced a usable element.
	ErrNotFound = errors.New("target not found")
	// ErrAmbiguous marks a pick made between equally plausible candidates.
	// It is reported through Result.LowConfidence and never returned.
	ErrAmbiguous = errors.New("ambiguous target")
	// ErrStale means the DOM epoch advanced during resolution.
	ErrStale = dom.ErrStale
	// ErrTimeout means a tier ran out of budget.
	ErrTimeout = errors.New("tier budget exceeded")
	// ErrNoTarget is returned for actions that do not operate on an element.
	ErrNoTarget = errors.New("action has no target")
)

// ExhaustedError reports that every tier ran without a match. It matches
// ErrNotFound under errors.Is, and ErrTimeout when the last tier ran out of time.
type ExhaustedError struct {
	Tier Tier
	Err  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted at %s tier: %v", e.Tier, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrNotFound }
