// Package speculative resolves upcoming steps while the current one
// executes. Each prefetch owns a slot keyed by step number and tied to the
// DOM epoch it started in; a slot from an older epoch is never handed out.
package speculative

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/resolver"
)

// ResolveFunc performs one resolution. The engine supplies its pattern-aware
// resolve so prefetches see the same learned locators as the primary stream.
type ResolveFunc func(ctx context.Context, req intent.Request) (resolver.Result, error)

// EpochSource reports the page's DOM epoch. dom.Live implements it.
type EpochSource interface {
	Epoch() uint64
	EpochContext(parent context.Context) (context.Context, uint64, context.CancelFunc)
}

// State is the condition of a slot at Take time.
type State int

const (
	Empty State = iota
	Pending
	Ready
	Invalidated
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Invalidated:
		return "invalidated"
	}
	return "unknown"
}

// Outcome is what Take found for a step.
type Outcome struct {
	State  State
	Step   int
	Result resolver.Result
	// Err is the resolution error of a completed slot reported as Empty.
	Err error
}

type slot struct {
	step   int
	sig    string
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}

	// Written once before done is closed.
	res resolver.Result
	err error
}

// Stats counts pipeline activity.
type Stats struct {
	Launched    uint64 `json:"launched"`
	Hits        uint64 `json:"hits"`
	Invalidated uint64 `json:"invalidated"`
	Rejected    uint64 `json:"rejected"`
}

// Pipeline owns the slot table.
type Pipeline struct {
	resolve ResolveFunc
	epochs  EpochSource
	logger  *zap.Logger

	g errgroup.Group

	mu     sync.Mutex
	slots  map[int]*slot
	closed bool

	launched    atomic.Uint64
	hits        atomic.Uint64
	invalidated atomic.Uint64
	rejected    atomic.Uint64
}

// New creates a pipeline running at most limit prefetches at once.
func New(resolve ResolveFunc, epochs EpochSource, limit int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 1
	}
	p := &Pipeline{
		resolve: resolve,
		epochs:  epochs,
		logger:  logger,
		slots:   make(map[int]*slot),
	}
	p.g.SetLimit(limit)
	return p
}

// Prefetch starts resolving req for step in the background and returns
// immediately. It reports whether a new resolution was launched; a slot
// already running or completed in the current epoch is kept.
func (p *Pipeline) Prefetch(ctx context.Context, step int, req intent.Request) bool {
	if !req.Action.NeedsTarget() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if s, ok := p.slots[step]; ok {
		if s.epoch == p.epochs.Epoch() && s.sig == req.Signature() {
			return false
		}
		s.cancel()
		delete(p.slots, step)
	}

	sctx, epoch, cancel := p.epochs.EpochContext(ctx)
	s := &slot{
		step:   step,
		sig:    req.Signature(),
		epoch:  epoch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	req.Step = step
	req.Epoch = epoch

	ok := p.g.TryGo(func() error {
		defer close(s.done)
		defer cancel()
		s.res, s.err = p.resolve(sctx, req)
		return nil
	})
	if !ok {
		cancel()
		p.rejected.Add(1)
		p.logger.Debug("speculative limit reached", zap.Int("step", step))
		return false
	}
	p.slots[step] = s
	p.launched.Add(1)
	p.logger.Debug("speculative resolution started",
		zap.Int("step", step),
		zap.String("intent", s.sig),
		zap.Uint64("epoch", epoch))
	return true
}

// Take consumes the slot for step. A Pending slot stays in place; every
// other state removes it.
func (p *Pipeline) Take(step int) Outcome {
	p.mu.Lock()
	s, ok := p.slots[step]
	if !ok {
		p.mu.Unlock()
		return Outcome{State: Empty, Step: step}
	}
	select {
	case <-s.done:
	default:
		p.mu.Unlock()
		return Outcome{State: Pending, Step: step}
	}
	delete(p.slots, step)
	p.mu.Unlock()

	return p.consume(s)
}

// Wait blocks until the slot for step completes, then takes it.
func (p *Pipeline) Wait(ctx context.Context, step int) (Outcome, error) {
	p.mu.Lock()
	s, ok := p.slots[step]
	p.mu.Unlock()
	if !ok {
		return Outcome{State: Empty, Step: step}, nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return Outcome{State: Pending, Step: step}, ctx.Err()
	}

	p.mu.Lock()
	if p.slots[step] == s {
		delete(p.slots, step)
	} else {
		// Invalidated or replaced while we waited.
		p.mu.Unlock()
		p.invalidated.Add(1)
		return Outcome{State: Invalidated, Step: step}, nil
	}
	p.mu.Unlock()
	return p.consume(s), nil
}

func (p *Pipeline) consume(s *slot) Outcome {
	current := p.epochs.Epoch()
	switch {
	case s.epoch != current,
		s.err != nil && dom.IsStale(nil, s.err),
		s.err == nil && !s.res.Handle.ValidAt(current):
		p.invalidated.Add(1)
		p.logger.Debug("speculative slot discarded",
			zap.Int("step", s.step),
			zap.Uint64("slot_epoch", s.epoch),
			zap.Uint64("epoch", current))
		return Outcome{State: Invalidated, Step: s.step}
	case s.err != nil:
		return Outcome{State: Empty, Step: s.step, Err: s.err}
	}
	p.hits.Add(1)
	return Outcome{State: Ready, Step: s.step, Result: s.res}
}

// Invalidate cancels and drops every slot.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for step, s := range p.slots {
		s.cancel()
		delete(p.slots, step)
	}
}

// Close cancels every slot and waits for in-flight resolutions to return.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	for step, s := range p.slots {
		s.cancel()
		delete(p.slots, step)
	}
	p.mu.Unlock()
	_ = p.g.Wait()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Launched:    p.launched.Load(),
		Hits:        p.hits.Load(),
		Invalidated: p.invalidated.Load(),
		Rejected:    p.rejected.Load(),
	}
}
