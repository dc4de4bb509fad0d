package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/resolver"
	"browsernerd-resolver/internal/speculative"
)

// State is the orchestrator's run state.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning_consumed"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s == StatePlanning || s == StateExecuting || s == StatePaused
}

// StepReport is the outcome of one executed step.
type StepReport struct {
	Step          int               `json:"step"`
	Intent        string            `json:"intent"`
	Action        intent.ActionType `json:"action"`
	Strategy      intent.Strategy   `json:"strategy,omitempty"`
	Tier          resolver.Tier     `json:"tier"`
	Confidence    float64           `json:"confidence,omitempty"`
	LowConfidence bool              `json:"lowConfidence,omitempty"`
	Speculative   bool              `json:"speculative,omitempty"`
	Ref           string            `json:"ref,omitempty"`
	Epoch         uint64            `json:"epoch"`
	Duration      time.Duration     `json:"duration"`
	Error         string            `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID       string            `json:"runId"`
	State       State             `json:"state"`
	Current     int               `json:"currentStep"`
	Total       int               `json:"totalSteps"`
	Steps       []StepReport      `json:"steps"`
	Speculative speculative.Stats `json:"speculative"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished,omitempty"`
}

func (r Report) clone() Report {
	r.Steps = append([]StepReport(nil), r.Steps...)
	return r
}

var errStopped = errors.New("run stopped")

// Run executes plan step by step, resolving upcoming targets speculatively
// while the current step executes. Steps are numbered from 1 when the plan
// leaves Step unset. A stopped run returns its report and a nil error.
func (e *Engine) Run(ctx context.Context, plan []intent.Request) (Report, error) {
	if e.executor == nil {
		return Report{}, ErrNoExecutor
	}

	e.mu.Lock()
	if e.state.Active() {
		e.mu.Unlock()
		return Report{}, ErrRunning
	}
	runID := uuid.NewString()
	e.state = StatePlanning
	e.pauseReq = false
	e.stopReq = false
	e.report = Report{RunID: runID, State: StatePlanning, Total: len(plan), Started: time.Now()}
	e.mu.Unlock()

	for _, o := range e.observers {
		if rs, ok := o.(RunScoped); ok {
			if err := rs.StartRun(runID); err != nil {
				e.logger.Warn("observer could not start run", zap.String("run", runID), zap.Error(err))
			}
		}
	}

	steps := make([]intent.Request, len(plan))
	for i, req := range plan {
		if req.Step == 0 {
			req.Step = i + 1
		}
		steps[i] = req
	}

	pipe := speculative.New(func(ctx context.Context, req intent.Request) (resolver.Result, error) {
		r, err := e.resolve(ctx, req)
		return r.res, err
	}, e.page, e.lookahead+1, e.logger)
	e.mu.Lock()
	e.pipeline = pipe
	e.mu.Unlock()
	defer func() {
		pipe.Close()
		e.mu.Lock()
		e.pipeline = nil
		e.mu.Unlock()
	}()

	e.logger.Info("run started", zap.String("run", runID), zap.Int("steps", len(steps)))

	for i, req := range steps {
		if err := e.checkpoint(ctx); err != nil {
			if errors.Is(err, errStopped) {
				return e.finish(pipe, StateStopped, nil)
			}
			return e.finish(pipe, StateFailed, err)
		}
		e.mu.Lock()
		e.state = StateExecuting
		e.report.Current = req.Step
		e.mu.Unlock()

		for k := 1; k <= e.lookahead && i+k < len(steps); k++ {
			next := steps[i+k]
			pipe.Prefetch(ctx, next.Step, next)
		}

		sr, err := e.step(ctx, runID, pipe, req)
		e.mu.Lock()
		e.report.Steps = append(e.report.Steps, sr)
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("step failed",
				zap.String("run", runID),
				zap.Int("step", req.Step),
				zap.Error(err))
			return e.finish(pipe, StateFailed, err)
		}
	}
	return e.finish(pipe, StateSucceeded, nil)
}

func (e *Engine) finish(pipe *speculative.Pipeline, state State, err error) (Report, error) {
	e.mu.Lock()
	e.state = state
	e.report.State = state
	e.report.Speculative = pipe.Stats()
	e.report.Finished = time.Now()
	r := e.report.clone()
	e.mu.Unlock()

	e.logger.Info("run finished",
		zap.String("run", r.RunID),
		zap.String("state", string(state)),
		zap.Int("executed", len(r.Steps)),
		zap.Uint64("speculative_hits", r.Speculative.Hits))
	return r, err
}

// step resolves and executes one request.
func (e *Engine) step(ctx context.Context, runID string, pipe *speculative.Pipeline, req intent.Request) (StepReport, error) {
	start := time.Now()
	sr := StepReport{Step: req.Step, Intent: req.Describe(), Action: req.Action}

	if !req.Action.NeedsTarget() {
		if err := e.executor.Execute(ctx, req, dom.Handle{}); err != nil {
			sr.Error = err.Error()
			sr.Duration = time.Since(start)
			return sr, &ActionError{Step: req.Step, Intent: sr.Intent, Err: err}
		}
		sr.Duration = time.Since(start)
		return sr, nil
	}

	r, speculated, err := e.acquire(ctx, pipe, req)
	if err != nil {
		e.emit(ctx, Event{Kind: EventUnresolved, RunID: runID, Step: req.Step, Site: r.site, Intent: r.sig, Epoch: e.page.Epoch(), Elapsed: time.Since(start), Err: err})
		sr.Error = err.Error()
		sr.Duration = time.Since(start)
		return sr, &StepError{Step: req.Step, Intent: sr.Intent, Err: err}
	}
	if speculated {
		e.emit(ctx, Event{Kind: EventSpeculativeHit, RunID: runID, Step: req.Step, Site: r.site, Intent: r.sig, Epoch: r.res.Handle.Epoch})
	}
	e.commit(ctx, runID, req.Step, r, speculated)

	sr.Strategy = r.res.Strategy
	sr.Tier = r.res.Tier
	sr.Confidence = r.res.Confidence
	sr.LowConfidence = r.res.LowConfidence
	sr.Speculative = speculated
	sr.Ref = r.res.Handle.Ref
	sr.Epoch = r.res.Handle.Epoch

	outcome := Event{RunID: runID, Step: req.Step, Site: r.site, Intent: r.sig, Strategy: r.res.Strategy, Tier: r.res.Tier, Epoch: r.res.Handle.Epoch}
	if err := e.execute(ctx, req, &r); err != nil {
		sr.Error = err.Error()
		sr.Duration = time.Since(start)
		var se *StepError
		if errors.As(err, &se) {
			e.emit(ctx, Event{Kind: EventUnresolved, RunID: runID, Step: req.Step, Site: r.site, Intent: r.sig, Epoch: e.page.Epoch(), Elapsed: time.Since(start), Err: se.Err})
			return sr, se
		}
		e.actionFailed(ctx, r)
		outcome.Kind = EventActionFailed
		outcome.Err = err
		outcome.Elapsed = time.Since(start)
		e.emit(ctx, outcome)
		return sr, &ActionError{Step: req.Step, Intent: sr.Intent, Err: err}
	}
	sr.Ref = r.res.Handle.Ref
	sr.Epoch = r.res.Handle.Epoch
	outcome.Epoch = r.res.Handle.Epoch
	outcome.Kind = EventExecuted
	outcome.Elapsed = time.Since(start)
	e.emit(ctx, outcome)

	// The action may have changed the page without navigating.
	e.page.Invalidate()
	sr.Duration = time.Since(start)
	return sr, nil
}

// execute runs the action on r's target. A handle that went stale before
// the action landed is resolved again, up to staleRetries times, and r is
// updated to the resolution finally used. Stale exhaustion and failed
// re-resolution come back as *StepError since the locator was not at fault.
func (e *Engine) execute(ctx context.Context, req intent.Request, r *resolution) error {
	for attempt := 0; ; attempt++ {
		err := e.executor.Execute(ctx, req, r.res.Handle)
		if err == nil || !errors.Is(err, dom.ErrStale) {
			return err
		}
		if attempt >= e.staleRetries || ctx.Err() != nil {
			return &StepError{Step: req.Step, Intent: req.Describe(), Err: err}
		}
		e.logger.Debug("target went stale before the action, resolving again",
			zap.String("intent", r.sig),
			zap.Int("attempt", attempt+1))
		next, rerr := e.resolve(ctx, req)
		if rerr != nil {
			return &StepError{Step: req.Step, Intent: req.Describe(), Err: rerr}
		}
		*r = next
	}
}

// acquire returns the step's target, preferring a speculative result from
// the current epoch.
func (e *Engine) acquire(ctx context.Context, pipe *speculative.Pipeline, req intent.Request) (resolution, bool, error) {
	out := pipe.Take(req.Step)
	if out.State == speculative.Pending {
		var err error
		if out, err = pipe.Wait(ctx, req.Step); err != nil {
			return resolution{}, false, err
		}
	}
	if out.State == speculative.Ready {
		site := req.Site
		if site == "" {
			site = out.Result.URL
		}
		return resolution{res: out.Result, site: patterns.SiteKey(site), sig: req.Signature()}, true, nil
	}
	if out.State == speculative.Invalidated {
		e.logger.Debug("speculative result discarded, resolving again", zap.Int("step", req.Step))
	}
	r, err := e.resolve(ctx, req)
	return r, false, err
}

// checkpoint blocks while the run is paused and reports a stop request.
// It is only called between steps.
func (e *Engine) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		if e.stopReq {
			e.mu.Unlock()
			return errStopped
		}
		if !e.pauseReq {
			e.mu.Unlock()
			return nil
		}
		if e.state != StatePaused {
			e.state = StatePaused
			e.logger.Info("run paused", zap.String("run", e.report.RunID), zap.Int("next_step", e.report.Current+1))
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signal wakes a paused run. e.mu must be held.
func (e *Engine) signal() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// Pause suspends the run at the next step boundary. The step in flight
// completes first.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseReq = true
}

// Resume continues a paused run.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseReq = false
	e.signal()
}

// Stop ends the run at the next step boundary.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopReq = true
	e.signal()
}

// State returns the current run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Report returns a copy of the current or last run's report.
func (e *Engine) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.report.clone()
	r.State = e.state
	if e.pipeline != nil {
		r.Speculative = e.pipeline.Stats()
	}
	return r
}

// InvalidateSpeculation drops every speculative result of the active run.
func (e *Engine) InvalidateSpeculation() {
	e.mu.Lock()
	pipe := e.pipeline
	e.mu.Unlock()
	if pipe != nil {
		pipe.Invalidate()
	}
}
