// Package engine drives a plan of steps against one page: it resolves each
// step's target through learned patterns, the site profile and the
// resolution cascade, prefetches upcoming steps, hands targets to the action
// executor and records every outcome.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/profiler"
	"browsernerd-resolver/internal/resolver"
	"browsernerd-resolver/internal/speculative"
)

// Page is the live page steps are resolved against. dom.Live implements it.
type Page interface {
	resolver.IndexSource
	Invalidate()
	EpochContext(parent context.Context) (context.Context, uint64, context.CancelFunc)
}

// Executor performs a step's action on its resolved target. Steps that do
// not operate on an element receive a zero Handle.
type Executor interface {
	Execute(ctx context.Context, req intent.Request, target dom.Handle) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProber lets the profiler probe the page for framework markers.
func WithProber(p profiler.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithExecutor sets the action executor used by Run.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithObserver adds an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithLookahead sets how many upcoming steps are resolved speculatively.
func WithLookahead(n int) Option {
	return func(e *Engine) { e.lookahead = n }
}

// WithStaleRetries bounds local retries of a resolution that went stale.
func WithStaleRetries(n int) Option {
	return func(e *Engine) { e.staleRetries = n }
}

// WithResolverConfig applies the lookahead and stale retry settings.
func WithResolverConfig(cfg config.ResolverConfig) Option {
	return func(e *Engine) {
		e.lookahead = cfg.GetLookahead()
		e.staleRetries = cfg.GetStaleRetries()
	}
}

// Engine is the orchestrator for one page.
type Engine struct {
	page         Page
	cascade      *resolver.Cascade
	patterns     *patterns.Store
	profiler     *profiler.Profiler
	prober       profiler.Prober
	executor     Executor
	observers    []Observer
	lookahead    int
	staleRetries int
	logger       *zap.Logger

	mu       sync.Mutex
	state    State
	pauseReq bool
	stopReq  bool
	wake     chan struct{}
	report   Report
	pipeline *speculative.Pipeline
}

// New creates an engine. A nil profiler gets a fresh one.
func New(page Page, cascade *resolver.Cascade, store *patterns.Store, prof *profiler.Profiler, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prof == nil {
		prof = profiler.New(logger)
	}
	e := &Engine{
		page:         page,
		cascade:      cascade,
		patterns:     store,
		profiler:     prof,
		lookahead:    2,
		staleRetries: 3,
		logger:       logger,
		state:        StateIdle,
		wake:         make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.lookahead < 0 {
		e.lookahead = 0
	}
	return e
}

// resolution is a resolved target plus the keys it is learned under.
type resolution struct {
	res  resolver.Result
	site string
	sig  string
}

// Resolve resolves req's target and records the outcome. Failures are
// returned as *StepError.
func (e *Engine) Resolve(ctx context.Context, req intent.Request) (resolver.Result, error) {
	start := time.Now()
	r, err := e.resolve(ctx, req)
	if err != nil {
		e.emit(ctx, Event{Kind: EventUnresolved, Step: req.Step, Site: r.site, Intent: r.sig, Epoch: e.page.Epoch(), Elapsed: time.Since(start), Err: err})
		return resolver.Result{}, &StepError{Step: req.Step, Intent: req.Describe(), Err: err}
	}
	e.commit(ctx, "", req.Step, r, false)
	return r.res, nil
}

// resolve runs the pattern lookup, profile and cascade without recording
// success. It is also the speculative pipeline's resolve function.
func (e *Engine) resolve(ctx context.Context, req intent.Request) (resolution, error) {
	site, err := e.site(ctx, req)
	if err != nil {
		return resolution{}, err
	}
	req.Site = site
	sig := req.Signature()
	r := resolution{site: site, sig: sig}

	var hinted *patterns.Entry
	if entry, ok := e.patterns.Lookup(site, sig); ok {
		if entry.Demoted() {
			e.logger.Debug("skipping demoted pattern", zap.String("site", site), zap.String("intent", sig))
		} else {
			req.Pattern = entry.Hint()
			hinted = &entry
		}
	}

	prof, err := e.profiler.Profile(ctx, site, e.prober)
	if err != nil {
		return r, err
	}

	stale := 0
	retried := false
	for {
		res, err := e.cascade.Resolve(ctx, req, e.page, prof.Priority)
		if err == nil {
			if hinted != nil && res.Strategy != intent.StrategyPattern {
				e.patternMissed(ctx, site, sig, hinted)
			}
			r.res = res
			return r, nil
		}
		if ctx.Err() != nil {
			return r, err
		}
		switch {
		case errors.Is(err, resolver.ErrStale) && stale < e.staleRetries:
			stale++
			e.logger.Debug("resolution went stale, retrying",
				zap.String("intent", sig),
				zap.Int("attempt", stale))
			continue
		case errors.Is(err, resolver.ErrNotFound) && !retried:
			retried = true
			e.page.Invalidate()
			continue
		}
		if hinted != nil && errors.Is(err, resolver.ErrNotFound) {
			e.patternMissed(ctx, site, sig, hinted)
		}
		return r, err
	}
}

func (e *Engine) site(ctx context.Context, req intent.Request) (string, error) {
	if req.Site != "" {
		return patterns.SiteKey(req.Site), nil
	}
	ix, err := e.page.Current(ctx)
	if err != nil {
		return "", err
	}
	return patterns.SiteKey(ix.URL()), nil
}

func (e *Engine) patternMissed(ctx context.Context, site, sig string, entry *patterns.Entry) {
	if err := e.patterns.Record(ctx, site, sig, entry.Strategy, entry.Payload, patterns.Failure); err != nil {
		e.logger.Warn("record pattern failure", zap.Error(err))
	}
}

// learned returns the strategy to credit for res. A pattern hit is
// credited to the strategy that originally found the element.
func (e *Engine) learned(r resolution) intent.Strategy {
	if r.res.Strategy != intent.StrategyPattern {
		return r.res.Strategy
	}
	if entry, ok := e.patterns.Lookup(r.site, r.sig); ok {
		return entry.Strategy
	}
	return intent.StrategyPattern
}

// commit records a successful resolution.
func (e *Engine) commit(ctx context.Context, runID string, step int, r resolution, speculative bool) {
	strategy := e.learned(r)
	if err := e.patterns.Record(ctx, r.site, r.sig, strategy, r.res.Payload, patterns.Success); err != nil {
		e.logger.Warn("record pattern success", zap.Error(err))
	}
	e.profiler.Learn(r.site, strategy, true)
	e.emit(ctx, Event{
		Kind:          EventResolved,
		RunID:         runID,
		Step:          step,
		Site:          r.site,
		Intent:        r.sig,
		Strategy:      r.res.Strategy,
		Tier:          r.res.Tier,
		Confidence:    r.res.Confidence,
		LowConfidence: r.res.LowConfidence,
		Speculative:   speculative,
		Epoch:         r.res.Handle.Epoch,
		Elapsed:       r.res.Elapsed,
	})
}

// actionFailed records an executor failure against the learned pattern.
func (e *Engine) actionFailed(ctx context.Context, r resolution) {
	strategy := e.learned(r)
	if err := e.patterns.Record(ctx, r.site, r.sig, strategy, r.res.Payload, patterns.Failure); err != nil {
		e.logger.Warn("record pattern failure", zap.Error(err))
	}
	e.profiler.Learn(r.site, strategy, false)
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	for _, o := range e.observers {
		o.Observe(ctx, ev)
	}
}

// Profiler returns the engine's site profiler.
func (e *Engine) Profiler() *profiler.Profiler { return e.profiler }

// Patterns returns the engine's pattern store.
func (e *Engine) Patterns() *patterns.Store { return e.patterns }

// Cascade returns the engine's resolution cascade.
func (e *Engine) Cascade() *resolver.Cascade { return e.cascade }
