// Package resolver turns a step intent into a live element handle by running
// resolution strategies in tiers of increasing cost: exact lookups in
// sequence, heuristic matchers concurrently, then re-query with backoff,
// fuzzy scoring and an optional LLM as the last resort.
package resolver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
)

// IndexSource provides the DOM index for the current epoch. dom.Live
// implements it.
type IndexSource interface {
	Current(ctx context.Context) (*dom.Index, error)
	Rebuild(ctx context.Context) (*dom.Index, error)
	Epoch() uint64
}

// Driver answers selector and accessibility-tree queries against the live
// page, returning the refs assigned by the last snapshot.
type Driver interface {
	QuerySelector(ctx context.Context, css string) ([]string, error)
	QueryXPath(ctx context.Context, xpath string) ([]string, error)
	QueryAccessible(ctx context.Context, role, name string) ([]string, error)
}

// Query is the per-resolution input handed to every strategy.
type Query struct {
	Request intent.Request
	// Core is the lowercased target without descriptor words.
	Core string
	// Role is the ARIA role implied by the target, if any.
	Role         string
	Index        *dom.Index
	Anchor       *dom.Descriptor
	NearDistance float64
	Driver       Driver
}

// Strategy is one technique for finding the target.
type Strategy interface {
	ID() intent.Strategy
	Tier() Tier
	Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error)
}

// Candidate is a match carrying its own confidence and, optionally, the
// locator that produced it.
type Candidate struct {
	Descriptor *dom.Descriptor
	Score      float64
	Payload    string
}

// Scored is implemented by strategies whose confidence varies per match.
type Scored interface {
	FindScored(ctx context.Context, q *Query) ([]Candidate, error)
}

// Result is a resolved target.
type Result struct {
	Handle        dom.Handle      `json:"handle"`
	Strategy      intent.Strategy `json:"strategy"`
	Tier          Tier            `json:"tier"`
	Confidence    float64         `json:"confidence"`
	LowConfidence bool            `json:"lowConfidence"`
	// Payload is a locator that finds the element again on a later visit.
	Payload string `json:"payload"`
	// URL is the page address of the snapshot the handle came from.
	URL     string        `json:"url,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Options bounds the cascade.
type Options struct {
	SequentialBudget time.Duration
	ParallelBudget   time.Duration
	DynamicBudget    time.Duration
	// FallbackBudget is held back from backoff so the dynamic strategies
	// always get a turn.
	FallbackBudget time.Duration
	Backoff          []time.Duration
	FuzzyThreshold   float64
	FuzzyTieMargin   float64
	NearDistance     float64
	MaxParallel      int
}

// OptionsFromConfig maps the resolver config section onto Options.
func OptionsFromConfig(cfg config.ResolverConfig) Options {
	return Options{
		SequentialBudget: cfg.SequentialBudget(),
		ParallelBudget:   cfg.ParallelBudget(),
		DynamicBudget:    cfg.DynamicBudget(),
		FallbackBudget:   cfg.FallbackBudget(),
		Backoff:          cfg.BackoffSchedule(),
		FuzzyThreshold:   cfg.GetFuzzyThreshold(),
		FuzzyTieMargin:   cfg.FuzzyTieMargin,
		NearDistance:     cfg.GetNearDistance(),
		MaxParallel:      cfg.GetMaxParallel(),
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.DefaultConfig().Resolver)
	if o.SequentialBudget <= 0 {
		o.SequentialBudget = def.SequentialBudget
	}
	if o.ParallelBudget <= 0 {
		o.ParallelBudget = def.ParallelBudget
	}
	if o.DynamicBudget <= 0 {
		o.DynamicBudget = def.DynamicBudget
	}
	if o.FallbackBudget <= 0 {
		o.FallbackBudget = def.FallbackBudget
	}
	if o.FallbackBudget > o.DynamicBudget/2 {
		o.FallbackBudget = o.DynamicBudget / 2
	}
	if o.FuzzyThreshold <= 0 {
		o.FuzzyThreshold = def.FuzzyThreshold
	}
	if o.FuzzyTieMargin < 0 {
		o.FuzzyTieMargin = 0
	}
	if o.NearDistance <= 0 {
		o.NearDistance = def.NearDistance
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = def.MaxParallel
	}
	return o
}

// Stats counts cascade activity since construction.
type Stats struct {
	Resolutions   uint64 `json:"resolutions"`
	Resolved      uint64 `json:"resolved"`
	Sequential    uint64 `json:"sequentialRuns"`
	Parallel      uint64 `json:"parallelRuns"`
	Dynamic       uint64 `json:"dynamicRuns"`
	NotFound      uint64 `json:"notFound"`
	Stale         uint64 `json:"stale"`
	LowConfidence uint64 `json:"lowConfidence"`
}

// Option customizes a Cascade.
type Option func(*Cascade)

// WithDriver enables driver-backed selectors and accessibility-tree queries.
func WithDriver(d Driver) Option {
	return func(c *Cascade) { c.driver = d }
}

// WithLLM enables the last-resort LLM strategy.
func WithLLM(l LLMFallback) Option {
	return func(c *Cascade) {
		if l != nil {
			c.register(&llmStrategy{llm: l})
		}
	}
}

// WithStrategy registers s, replacing any strategy with the same ID.
func WithStrategy(s Strategy) Option {
	return func(c *Cascade) { c.register(s) }
}

// Cascade runs strategies in tiers. It is safe for concurrent use.
type Cascade struct {
	opts       Options
	driver     Driver
	strategies map[intent.Strategy]Strategy
	order      []intent.Strategy
	logger     *zap.Logger

	resolutions atomic.Uint64
	resolved    atomic.Uint64
	seqRuns     atomic.Uint64
	parRuns     atomic.Uint64
	dynRuns     atomic.Uint64
	notFound    atomic.Uint64
	stale       atomic.Uint64
	lowConf     atomic.Uint64
}

// New builds a cascade with the built-in strategies.
func New(opts Options, logger *zap.Logger, options ...Option) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cascade{
		opts:       opts.withDefaults(),
		strategies: make(map[intent.Strategy]Strategy),
		logger:     logger,
	}
	for _, s := range builtins(c.opts) {
		c.register(s)
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Cascade) register(s Strategy) {
	if _, ok := c.strategies[s.ID()]; !ok {
		c.order = append(c.order, s.ID())
	}
	c.strategies[s.ID()] = s
}

// Stats returns a snapshot of the counters.
func (c *Cascade) Stats() Stats {
	return Stats{
		Resolutions:   c.resolutions.Load(),
		Resolved:      c.resolved.Load(),
		Sequential:    c.seqRuns.Load(),
		Parallel:      c.parRuns.Load(),
		Dynamic:       c.dynRuns.Load(),
		NotFound:      c.notFound.Load(),
		Stale:         c.stale.Load(),
		LowConfidence: c.lowConf.Load(),
	}
}

// Resolve finds the element req targets. priority orders strategies within
// each tier; strategies it omits run after the listed ones.
//
// The returned handle always belongs to the epoch current at return time;
// if the epoch moved the error is ErrStale.
func (c *Cascade) Resolve(ctx context.Context, req intent.Request, source IndexSource, priority []intent.Strategy) (Result, error) {
	start := time.Now()
	c.resolutions.Add(1)

	if req.Target == "" && req.Pattern == nil && len(req.Hints) == 0 {
		return Result{}, ErrNoTarget
	}

	ix, err := source.Current(ctx)
	if err != nil {
		return Result{}, c.failed(ctx, err)
	}
	epoch := ix.Epoch()
	seq, par, dyn := c.plan(priority, req)

	res, ok, err := c.quick(ctx, c.query(req, ix), seq, par)
	if err != nil {
		return Result{}, c.failed(ctx, err)
	}
	if source.Epoch() != epoch {
		return Result{}, c.failed(ctx, ErrStale)
	}
	if ok {
		return c.finish(res, start, source)
	}

	res, ok, err = c.runDynamic(ctx, req, source, ix, seq, par, dyn)
	if err != nil {
		return Result{}, c.failed(ctx, err)
	}
	if !ok {
		return Result{}, c.failed(ctx, &ExhaustedError{Tier: TierDynamic, Err: ErrNotFound})
	}
	return c.finish(res, start, source)
}

func (c *Cascade) finish(res Result, start time.Time, source IndexSource) (Result, error) {
	if !res.Handle.ValidAt(source.Epoch()) {
		c.stale.Add(1)
		return Result{}, ErrStale
	}
	res.Elapsed = time.Since(start)
	c.resolved.Add(1)
	if res.LowConfidence {
		c.lowConf.Add(1)
	}
	c.logger.Debug("target resolved",
		zap.String("strategy", string(res.Strategy)),
		zap.Stringer("tier", res.Tier),
		zap.String("ref", res.Handle.Ref),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("low_confidence", res.LowConfidence),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (c *Cascade) failed(ctx context.Context, err error) error {
	switch {
	case dom.IsStale(ctx, err):
		c.stale.Add(1)
		return ErrStale
	case errors.Is(err, ErrNotFound):
		c.notFound.Add(1)
	}
	return err
}

// plan splits the registered strategies into tiers following priority.
// A cached pattern always runs first.
func (c *Cascade) plan(priority []intent.Strategy, req intent.Request) (seq, par, dyn []Strategy) {
	seen := make(map[intent.Strategy]bool)
	add := func(id intent.Strategy) {
		if seen[id] {
			return
		}
		seen[id] = true
		s, ok := c.strategies[id]
		if !ok {
			return
		}
		if id == intent.StrategyPattern && req.Pattern == nil && len(req.Hints) == 0 {
			return
		}
		if id != intent.StrategyPattern && req.Target == "" {
			return
		}
		switch s.Tier() {
		case TierSequential:
			seq = append(seq, s)
		case TierParallel:
			par = append(par, s)
		default:
			dyn = append(dyn, s)
		}
	}
	if req.Pattern != nil {
		add(intent.StrategyPattern)
	}
	for _, id := range priority {
		add(id)
	}
	for _, id := range c.order {
		add(id)
	}
	return seq, par, dyn
}

func (c *Cascade) query(req intent.Request, ix *dom.Index) *Query {
	q := &Query{
		Request:      req,
		Core:         normalize(req.Core()),
		Role:         intent.RoleHint(req.Target, req.Action),
		Index:        ix,
		NearDistance: c.opts.NearDistance,
		Driver:       c.driver,
	}
	if req.Near != "" {
		q.Anchor = findAnchor(ix, req.Near)
		if q.Anchor == nil {
			c.logger.Debug("spatial anchor not found", zap.String("near", req.Near))
		}
	}
	return q
}

// quick runs the sequential tier, then the parallel tier.
func (c *Cascade) quick(ctx context.Context, q *Query, seq, par []Strategy) (Result, bool, error) {
	res, ok, err := c.runSequential(ctx, q, seq)
	if err != nil || ok {
		return res, ok, err
	}
	return c.runParallel(ctx, q, par)
}

func (c *Cascade) runSequential(ctx context.Context, q *Query, list []Strategy) (Result, bool, error) {
	if len(list) == 0 {
		return Result{}, false, nil
	}
	c.seqRuns.Add(1)

	tctx, cancel := context.WithTimeout(ctx, c.opts.SequentialBudget)
	defer cancel()

	for _, s := range list {
		if m, ok := c.attempt(tctx, q, s); ok {
			return c.result(q, s, TierSequential, m), true, nil
		}
		if err := interrupted(ctx); err != nil {
			return Result{}, false, err
		}
		if tctx.Err() != nil {
			c.logger.Debug("sequential tier out of budget", zap.String("target", q.Request.Target))
			break
		}
	}
	return Result{}, false, nil
}

// runParallel starts every strategy of the tier at once. A success cancels
// only lower-priority siblings; the highest-priority success wins no
// matter which finished first.
func (c *Cascade) runParallel(ctx context.Context, q *Query, list []Strategy) (Result, bool, error) {
	if len(list) == 0 {
		return Result{}, false, nil
	}
	c.parRuns.Add(1)

	tctx, cancel := context.WithTimeout(ctx, c.opts.ParallelBudget)
	defer cancel()

	n := len(list)
	ctxs := make([]context.Context, n)
	cancels := make([]context.CancelFunc, n)
	for i := range list {
		ctxs[i], cancels[i] = context.WithCancel(tctx)
	}
	defer func() {
		for _, cf := range cancels {
			cf()
		}
	}()

	var (
		mu      sync.Mutex
		best    = n
		matches = make([]match, n)
	)
	var g errgroup.Group
	g.SetLimit(c.opts.MaxParallel)
	for i, s := range list {
		g.Go(func() error {
			mu.Lock()
			skip := best < i
			mu.Unlock()
			if skip {
				return nil
			}

			m, ok := c.attempt(ctxs[i], q, s)
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if i < best {
				best = i
				matches[i] = m
				for j := i + 1; j < n; j++ {
					cancels[j]()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := interrupted(ctx); err != nil {
		return Result{}, false, err
	}
	if best == n {
		return Result{}, false, nil
	}
	return c.result(q, list[best], TierParallel, matches[best]), true, nil
}

// runDynamic waits for late-rendered elements by rebuilding the index on a
// backoff schedule and re-running the quick tiers, then falls back to the
// dynamic strategies. Backoff stops early enough to leave FallbackBudget
// for the dynamic strategies.
func (c *Cascade) runDynamic(ctx context.Context, req intent.Request, source IndexSource, ix *dom.Index, seq, par, dyn []Strategy) (Result, bool, error) {
	c.dynRuns.Add(1)

	dctx, cancel := context.WithTimeout(ctx, c.opts.DynamicBudget)
	defer cancel()
	backoffEnd := time.Now().Add(c.opts.DynamicBudget - c.opts.FallbackBudget)
	bctx, bcancel := context.WithDeadline(dctx, backoffEnd)
	defer bcancel()

	epoch := ix.Epoch()
	// truncated records that backoff was cut short by the budget.
	truncated := false

	for _, delay := range c.opts.Backoff {
		if time.Until(backoffEnd) < delay {
			truncated = true
			break
		}
		if err := sleep(bctx, delay); err != nil {
			if err := interrupted(ctx); err != nil {
				return Result{}, false, err
			}
			truncated = true
			break
		}
		next, err := source.Rebuild(bctx)
		if err != nil {
			if err := interrupted(ctx); err != nil {
				return Result{}, false, err
			}
			if errors.Is(err, dom.ErrStale) {
				return Result{}, false, ErrStale
			}
			if bctx.Err() != nil {
				truncated = true
				break
			}
			c.logger.Warn("index rebuild failed during backoff", zap.Error(err))
			continue
		}
		if next.Epoch() != epoch {
			return Result{}, false, ErrStale
		}
		ix = next

		res, ok, err := c.quick(bctx, c.query(req, ix), seq, par)
		if err != nil {
			if e := interrupted(ctx); e != nil {
				return Result{}, false, e
			}
			if errors.Is(err, ErrStale) {
				return Result{}, false, ErrStale
			}
			truncated = true
			break
		}
		if ok {
			res.Tier = TierDynamic
			return res, true, nil
		}
	}
	if truncated {
		c.logger.Debug("backoff cut short, falling back", zap.String("target", req.Target))
	}

	q := c.query(req, ix)
	for _, s := range dyn {
		if m, ok := c.attempt(dctx, q, s); ok {
			return c.result(q, s, TierDynamic, m), true, nil
		}
		if err := interrupted(ctx); err != nil {
			return Result{}, false, err
		}
		if dctx.Err() != nil {
			truncated = true
			break
		}
	}

	if source.Epoch() != epoch {
		return Result{}, false, ErrStale
	}
	if truncated {
		return Result{}, false, &ExhaustedError{Tier: TierDynamic, Err: ErrTimeout}
	}
	return Result{}, false, nil
}

type match struct {
	d          *dom.Descriptor
	confidence float64
	low        bool
	payload    string
}

// attempt runs one strategy and disambiguates its candidates.
func (c *Cascade) attempt(ctx context.Context, q *Query, s Strategy) (match, bool) {
	if q.Core == "" && s.ID() != intent.StrategyPattern {
		return match{}, false
	}
	var cands []Candidate
	if sc, ok := s.(Scored); ok {
		found, err := sc.FindScored(ctx, q)
		if err != nil {
			c.strategyError(ctx, s, err)
			return match{}, false
		}
		cands = found
	} else {
		found, err := s.Find(ctx, q)
		if err != nil {
			c.strategyError(ctx, s, err)
			return match{}, false
		}
		base := intent.Confidence(s.ID())
		cands = make([]Candidate, len(found))
		for i, d := range found {
			cands[i] = Candidate{Descriptor: d, Score: base}
		}
	}
	if ctx.Err() != nil {
		return match{}, false
	}
	return pick(q, cands, c.opts.FuzzyTieMargin)
}

func (c *Cascade) strategyError(ctx context.Context, s Strategy, err error) {
	if ctx.Err() != nil {
		return
	}
	c.logger.Debug("strategy failed", zap.String("strategy", string(s.ID())), zap.Error(err))
}

func (c *Cascade) result(q *Query, s Strategy, tier Tier, m match) Result {
	payload := m.payload
	if payload == "" {
		payload = m.d.Locators()[0]
	}
	return Result{
		Handle:        dom.Handle{Ref: m.d.Ref, Epoch: q.Index.Epoch(), Descriptor: m.d},
		Strategy:      s.ID(),
		Tier:          tier,
		Confidence:    m.confidence,
		LowConfidence: m.low,
		Payload:       payload,
		URL:           q.Index.URL(),
	}
}

// pick applies the disambiguation policy: hidden and zero-area elements are
// rejected, the action narrows to inputs or interactive elements when any
// exist, a spatial anchor prefers the closest candidate, and anything still
// tied resolves to the first in document order with low confidence.
func pick(q *Query, cands []Candidate, tieMargin float64) (match, bool) {
	seen := make(map[*dom.Descriptor]bool, len(cands))
	usable := make([]Candidate, 0, len(cands))
	for _, cand := range cands {
		d := cand.Descriptor
		if d == nil || seen[d] || !d.Displayed() {
			continue
		}
		seen[d] = true
		usable = append(usable, cand)
	}
	if len(usable) == 0 {
		return match{}, false
	}

	switch {
	case q.Request.Action.Typing():
		usable = preferring(usable, (*dom.Descriptor).IsInput)
	case q.Request.Action != intent.ActionExtract:
		usable = preferring(usable, (*dom.Descriptor).IsInteractive)
	}

	if q.Anchor != nil {
		byDesc := make(map[*dom.Descriptor]Candidate, len(usable))
		ds := make([]*dom.Descriptor, len(usable))
		for i, cand := range usable {
			byDesc[cand.Descriptor] = cand
			ds[i] = cand.Descriptor
		}
		near := q.Index.Near(ds, q.Anchor, q.NearDistance)
		if len(near) == 0 {
			return match{}, false
		}
		usable = usable[:0]
		closest := near[0].Box.DistanceTo(q.Anchor.Box)
		for _, d := range near {
			if d.Box.DistanceTo(q.Anchor.Box)-closest < 1 {
				usable = append(usable, byDesc[d])
			}
		}
	}

	best := usable[0].Score
	for _, cand := range usable[1:] {
		if cand.Score > best {
			best = cand.Score
		}
	}
	var top []Candidate
	for _, cand := range usable {
		if best-cand.Score <= tieMargin {
			top = append(top, cand)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Descriptor.Order < top[j].Descriptor.Order
	})
	winner := top[0]
	return match{
		d:          winner.Descriptor,
		confidence: winner.Score,
		low:        len(top) > 1,
		payload:    winner.Payload,
	}, true
}

func preferring(cands []Candidate, keep func(*dom.Descriptor) bool) []Candidate {
	var out []Candidate
	for _, cand := range cands {
		if keep(cand.Descriptor) {
			out = append(out, cand)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if dom.IsStale(ctx, ctx.Err()) {
		return ErrStale
	}
	return ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
