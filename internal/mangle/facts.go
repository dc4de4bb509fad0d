package mangle

import (
	"math"
	"time"
)

// Failure reasons recorded in resolution_failure facts.
const (
	ReasonNotFound = "not_found"
	ReasonStale    = "stale"
	ReasonTimeout  = "timeout"
)

// Resolution records a resolved target.
func Resolution(run string, step int, site, intent, strategy, tier string, confidence float64) Fact {
	return Fact{
		Predicate: "resolution",
		Args:      []interface{}{run, step, site, intent, strategy, tier, percent(confidence)},
		Timestamp: time.Now(),
	}
}

// ResolutionFailure records a step whose target could not be resolved.
func ResolutionFailure(run string, step int, site, intent, reason string) Fact {
	return Fact{
		Predicate: "resolution_failure",
		Args:      []interface{}{run, step, site, intent, reason},
		Timestamp: time.Now(),
	}
}

// ActionOutcome records whether the executor's action on the target succeeded.
func ActionOutcome(run string, step int, site, intent string, ok bool) Fact {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	return Fact{
		Predicate: "action_outcome",
		Args:      []interface{}{run, step, site, intent, outcome},
		Timestamp: time.Now(),
	}
}

// SpeculativeHit records a step served from a prefetched slot.
func SpeculativeHit(run string, step int) Fact {
	return Fact{
		Predicate: "speculative_hit",
		Args:      []interface{}{run, step},
		Timestamp: time.Now(),
	}
}

// EpochAdvance records a DOM epoch transition.
func EpochAdvance(site string, epoch uint64, reason string) Fact {
	return Fact{
		Predicate: "epoch_advance",
		Args:      []interface{}{site, int64(epoch), reason},
		Timestamp: time.Now(),
	}
}

func percent(confidence float64) int {
	return int(math.Round(confidence * 100))
}
