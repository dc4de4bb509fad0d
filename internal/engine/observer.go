package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/mangle"
	"browsernerd-resolver/internal/recorder"
	"browsernerd-resolver/internal/resolver"
)

// Event kinds.
const (
	EventResolved       = "resolved"
	EventUnresolved     = "unresolved"
	EventExecuted       = "executed"
	EventActionFailed   = "action_failed"
	EventSpeculativeHit = "speculative_hit"
)

// Event describes one step outcome.
type Event struct {
	Kind          string          `json:"kind"`
	RunID         string          `json:"runId,omitempty"`
	Step          int             `json:"step"`
	Site          string          `json:"site"`
	Intent        string          `json:"intent"`
	Strategy      intent.Strategy `json:"strategy,omitempty"`
	Tier          resolver.Tier   `json:"tier"`
	Confidence    float64         `json:"confidence,omitempty"`
	LowConfidence bool            `json:"lowConfidence,omitempty"`
	Speculative   bool            `json:"speculative,omitempty"`
	Epoch         uint64          `json:"epoch"`
	Elapsed       time.Duration   `json:"elapsed"`
	Err           error           `json:"-"`
}

// Observer receives step outcomes.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// FactObserver turns events into Mangle facts.
func FactObserver(facts *mangle.Engine, logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ObserverFunc(func(ctx context.Context, ev Event) {
		var f mangle.Fact
		switch ev.Kind {
		case EventResolved:
			f = mangle.Resolution(ev.RunID, ev.Step, ev.Site, ev.Intent, string(ev.Strategy), ev.Tier.String(), ev.Confidence)
		case EventUnresolved:
			f = mangle.ResolutionFailure(ev.RunID, ev.Step, ev.Site, ev.Intent, failureReason(ev.Err))
		case EventExecuted:
			f = mangle.ActionOutcome(ev.RunID, ev.Step, ev.Site, ev.Intent, true)
		case EventActionFailed:
			f = mangle.ActionOutcome(ev.RunID, ev.Step, ev.Site, ev.Intent, false)
		case EventSpeculativeHit:
			f = mangle.SpeculativeHit(ev.RunID, ev.Step)
		default:
			return
		}
		if err := facts.AddFacts(ctx, []mangle.Fact{f}); err != nil {
			logger.Debug("outcome fact rejected", zap.String("predicate", f.Predicate), zap.Error(err))
		}
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, resolver.ErrStale):
		return mangle.ReasonStale
	case errors.Is(err, resolver.ErrTimeout):
		return mangle.ReasonTimeout
	}
	return mangle.ReasonNotFound
}

// RunScoped is implemented by observers that open per-run output.
type RunScoped interface {
	StartRun(runID string) error
}

// TraceObserver writes events into one trace file per run.
func TraceObserver(rec *recorder.Recorder) Observer {
	return traceObserver{rec: rec}
}

type traceObserver struct {
	rec *recorder.Recorder
}

func (t traceObserver) StartRun(runID string) error {
	return t.rec.Start(runID)
}

func (t traceObserver) Observe(ctx context.Context, ev Event) {
	data := map[string]interface{}{
		"site":   ev.Site,
		"intent": ev.Intent,
		"epoch":  ev.Epoch,
	}
	if ev.Strategy != "" {
		data["strategy"] = ev.Strategy
		data["tier"] = ev.Tier.String()
		data["confidence"] = ev.Confidence
		data["low_confidence"] = ev.LowConfidence
		data["speculative"] = ev.Speculative
		data["elapsed_ms"] = ev.Elapsed.Milliseconds()
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	t.rec.Log(ev.Kind, ev.RunID, ev.Step, data)
}
