package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// page is a scripted snapshot source: snapshot n returns frames[min(n, len-1)].
type page struct {
	mu     sync.Mutex
	frames [][]dom.RawNode
	calls  atomic.Int32
	hook   func(call int32)
}

func (p *page) Snapshot(ctx context.Context) (dom.Snapshot, error) {
	n := p.calls.Add(1)
	if p.hook != nil {
		p.hook(n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := int(n) - 1
	if i >= len(p.frames) {
		i = len(p.frames) - 1
	}
	return dom.Snapshot{URL: "https://app.example.com/login", Nodes: p.frames[i]}, nil
}

func newPage(t *testing.T, frames ...[]dom.RawNode) (*page, *dom.Live) {
	t.Helper()
	p := &page{frames: frames}
	return p, dom.NewLive(p, zaptest.NewLogger(t))
}

func btn(ref, text string, x, y float64) dom.RawNode {
	return dom.RawNode{
		Ref:       ref,
		Tag:       "button",
		Text:      text,
		Rect:      dom.BoundingBox{X: x, Y: y, Width: 80, Height: 30},
		Visible:   true,
		Clickable: true,
	}
}

func fastOptions() Options {
	return Options{
		SequentialBudget: time.Second,
		ParallelBudget:   time.Second,
		DynamicBudget:    time.Second,
		FuzzyThreshold:   0.6,
		FuzzyTieMargin:   0.05,
	}
}

func TestScenarioTestIDThenCachedPattern(t *testing.T) {
	nodes := []dom.RawNode{
		{Ref: "home", Tag: "a", Href: "/", Text: "Home", Rect: dom.BoundingBox{Width: 40, Height: 20}, Visible: true, Clickable: true},
		{Ref: "login", Tag: "button", TestID: "login_v2", Rect: dom.BoundingBox{X: 300, Y: 10, Width: 40, Height: 40}, Visible: true, Clickable: true},
	}
	src, live := newPage(t, nodes)
	c := New(fastOptions(), zaptest.NewLogger(t))
	ctx := context.Background()

	req := intent.Parse("click Login")
	first, err := c.Resolve(ctx, req, live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "login", first.Handle.Ref)
	assert.Equal(t, intent.StrategyTestID, first.Strategy)
	assert.Equal(t, TierSequential, first.Tier)
	assert.Equal(t, "testid:login_v2", first.Payload)
	assert.False(t, first.LowConfidence)

	live.Invalidate()
	req.Pattern = &intent.PatternHint{Strategy: first.Strategy, Payload: first.Payload}
	second, err := c.Resolve(ctx, req, live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "login", second.Handle.Ref)
	assert.Equal(t, intent.StrategyPattern, second.Strategy)
	assert.Equal(t, "testid:login_v2", second.Payload)

	assert.Equal(t, int32(2), src.calls.Load(), "second run used a fresh index")
	st := c.Stats()
	assert.Zero(t, st.Parallel)
	assert.Zero(t, st.Dynamic)
	assert.Equal(t, uint64(2), st.Resolved)
}

func TestPatternSkipsParallelTier(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		btn("add", "Add to cart", 0, 0),
		btn("wish", "Add to wishlist", 0, 50),
	})
	c := New(fastOptions(), zaptest.NewLogger(t))
	ctx := context.Background()

	req := intent.Parse("click add cart")
	first, err := c.Resolve(ctx, req, live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "add", first.Handle.Ref)
	assert.Equal(t, TierParallel, first.Tier)
	assert.Equal(t, intent.StrategyText, first.Strategy)
	require.Equal(t, uint64(1), c.Stats().Parallel)

	live.Invalidate()
	req.Pattern = &intent.PatternHint{Strategy: first.Strategy, Payload: first.Payload}
	second, err := c.Resolve(ctx, req, live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "add", second.Handle.Ref)
	assert.Equal(t, TierSequential, second.Tier)
	assert.Equal(t, uint64(1), c.Stats().Parallel, "cached pattern must not reach the parallel tier")
}

func TestScenarioSpatialHint(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		{Ref: "email", Tag: "label", Text: "Email", Rect: dom.BoundingBox{X: 0, Y: 0, Width: 60, Height: 20}, Visible: true},
		{Ref: "phone", Tag: "label", Text: "Phone", Rect: dom.BoundingBox{X: 0, Y: 400, Width: 60, Height: 20}, Visible: true},
		btn("submit-phone", "Submit", 100, 400),
		btn("submit-email", "Submit", 100, 0),
	})
	c := New(fastOptions(), zaptest.NewLogger(t))

	res, err := c.Resolve(context.Background(), intent.Parse("click Submit near Email"), live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "submit-email", res.Handle.Ref)
	assert.False(t, res.LowConfidence)

	res, err = c.Resolve(context.Background(), intent.Parse("click Submit near Phone"), live, intent.AllStrategies)
	require.NoError(t, err)
	assert.Equal(t, "submit-phone", res.Handle.Ref)
}

func TestAmbiguousPicksFirstWithLowConfidence(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		btn("first", "Login", 0, 0),
		btn("second", "Login", 0, 100),
	})
	c := New(fastOptions(), nil)

	res, err := c.Resolve(context.Background(), intent.Parse("click Login"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Handle.Ref)
	assert.True(t, res.LowConfidence)
	assert.Equal(t, uint64(1), c.Stats().LowConfidence)
}

func TestHiddenCandidatesRejected(t *testing.T) {
	hidden := btn("hidden", "Login", 0, 0)
	hidden.Visible = false
	empty := btn("empty", "Login", 0, 50)
	empty.Rect.Width = 0
	_, live := newPage(t, []dom.RawNode{hidden, empty, btn("shown", "Login", 0, 100)})

	res, err := New(fastOptions(), nil).Resolve(context.Background(), intent.Parse("click Login"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "shown", res.Handle.Ref)
	assert.False(t, res.LowConfidence)
}

func TestTypingPrefersInputs(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		{Ref: "lbl", Tag: "label", Text: "Email", Rect: dom.BoundingBox{Width: 60, Height: 20}, Visible: true},
		{Ref: "in", Tag: "input", Type: "email", AriaLabel: "Email", Rect: dom.BoundingBox{X: 70, Width: 200, Height: 30}, Visible: true},
	})
	res, err := New(fastOptions(), nil).Resolve(context.Background(), intent.Parse(`fill Email with "a@b.co"`), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "in", res.Handle.Ref)
}

func TestCodeTextIsNotATarget(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		{Ref: "doc", Tag: "span", Text: "Login", InCode: true, Visible: true, Clickable: true, Rect: dom.BoundingBox{Width: 40, Height: 20}},
		{Ref: "real", Tag: "button", AriaLabel: "Login", Rect: dom.BoundingBox{Y: 300, Width: 40, Height: 20}, Visible: true, Clickable: true},
	})
	res, err := New(fastOptions(), nil).Resolve(context.Background(), intent.Parse("click Login"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "real", res.Handle.Ref)
	assert.False(t, res.LowConfidence)
}

// delayed is a parallel-tier strategy that succeeds with a fixed element
// after a delay.
type delayed struct {
	id    intent.Strategy
	ref   string
	delay time.Duration
}

func (d delayed) ID() intent.Strategy { return d.id }
func (d delayed) Tier() Tier          { return TierParallel }

func (d delayed) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	found, ok := q.Index.ByRef(d.ref)
	if !ok {
		return nil, nil
	}
	return []*dom.Descriptor{found}, nil
}

func TestParallelTierPriorityDeterminism(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{
		btn("a", "Alpha", 0, 0),
		btn("b", "Beta", 0, 100),
		btn("c", "Gamma", 0, 200),
	})
	refs := map[intent.Strategy]string{
		intent.StrategyText:          "a",
		intent.StrategyAccessibility: "b",
		intent.StrategySmart:         "c",
	}
	ids := []intent.Strategy{intent.StrategyText, intent.StrategyAccessibility, intent.StrategySmart}

	rapid.Check(t, func(rt *rapid.T) {
		var opts []Option
		for _, id := range ids {
			ms := rapid.IntRange(0, 8).Draw(rt, string(id)+"_delay_ms")
			opts = append(opts, WithStrategy(delayed{id: id, ref: refs[id], delay: time.Duration(ms) * time.Millisecond}))
		}
		order := rapid.Permutation(ids).Draw(rt, "priority")
		c := New(fastOptions(), nil, opts...)

		res, err := c.Resolve(context.Background(), intent.Parse("click zzz qqq"), live, order)
		require.NoError(rt, err)
		require.Equal(rt, TierParallel, res.Tier)
		require.Equal(rt, order[0], res.Strategy)
		require.Equal(rt, refs[order[0]], res.Handle.Ref)
	})
}

func TestParallelSlowHighPriorityStillWins(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0), btn("b", "Beta", 0, 100)})
	c := New(fastOptions(), nil,
		WithStrategy(delayed{id: intent.StrategyText, ref: "a", delay: 60 * time.Millisecond}),
		WithStrategy(delayed{id: intent.StrategyAccessibility, ref: "b", delay: 0}),
	)
	res, err := c.Resolve(context.Background(), intent.Parse("click zzz"), live,
		[]intent.Strategy{intent.StrategyText, intent.StrategyAccessibility})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Handle.Ref)
}

func TestExhaustionIsNotFound(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	opts := fastOptions()
	opts.Backoff = []time.Duration{time.Millisecond, time.Millisecond}
	c := New(opts, zaptest.NewLogger(t))

	_, err := c.Resolve(context.Background(), intent.Parse("click nonexistent widget"), live, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, TierDynamic, ex.Tier)
	assert.Equal(t, uint64(1), c.Stats().NotFound)
	assert.Equal(t, uint64(1), c.Stats().Dynamic)
}

func TestDynamicBudgetIsTimeout(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	opts := fastOptions()
	opts.DynamicBudget = 20 * time.Millisecond
	opts.Backoff = []time.Duration{time.Second}
	c := New(opts, nil)

	start := time.Now()
	_, err := c.Resolve(context.Background(), intent.Parse("click nonexistent"), live, nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrNotFound, "a timed out dynamic tier counts as not found")
}

func TestBackoffFindsLateElement(t *testing.T) {
	src, live := newPage(t,
		[]dom.RawNode{btn("a", "Alpha", 0, 0)},
		[]dom.RawNode{btn("a", "Alpha", 0, 0)},
		[]dom.RawNode{btn("a", "Alpha", 0, 0), btn("late", "Checkout", 0, 100)},
	)
	opts := fastOptions()
	opts.Backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	c := New(opts, nil)

	res, err := c.Resolve(context.Background(), intent.Parse("click Checkout"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "late", res.Handle.Ref)
	assert.Equal(t, TierDynamic, res.Tier)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestNavigationDuringBackoffIsStale(t *testing.T) {
	src, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	src.hook = func(call int32) {
		if call == 2 {
			live.Advance("navigation")
		}
	}
	opts := fastOptions()
	opts.Backoff = []time.Duration{time.Millisecond}
	c := New(opts, nil)

	_, err := c.Resolve(context.Background(), intent.Parse("click Checkout"), live, nil)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, uint64(1), c.Stats().Stale)
}

// advancing moves the epoch while it runs, then reports a match.
type advancing struct {
	live *dom.Live
}

func (advancing) ID() intent.Strategy { return intent.StrategyTestID }
func (advancing) Tier() Tier          { return TierSequential }

func (a advancing) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	a.live.Advance("navigation")
	return q.Index.Elements(), nil
}

func TestStaleHandleNeverReturned(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	c := New(fastOptions(), nil, WithStrategy(advancing{live: live}))

	res, err := c.Resolve(context.Background(), intent.Parse("click Alpha"), live, []intent.Strategy{intent.StrategyTestID})
	assert.ErrorIs(t, err, ErrStale)
	assert.Empty(t, res.Handle.Ref)
}

func TestFuzzyFallback(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("save", "Save changes", 0, 0), btn("cancel", "Cancel", 0, 50)})
	c := New(fastOptions(), nil)

	res, err := c.Resolve(context.Background(), intent.Parse("click Save changes now"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "save", res.Handle.Ref)
	assert.Equal(t, intent.StrategyFuzzy, res.Strategy)
	assert.Equal(t, TierDynamic, res.Tier)
	assert.InDelta(t, scoreReverseText, res.Confidence, 1e-9)
}

// blocking never answers before its tier runs out of time.
type blocking struct {
	id intent.Strategy
}

func (b blocking) ID() intent.Strategy { return b.id }
func (b blocking) Tier() Tier          { return TierParallel }

func (b blocking) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDefaultBudgetsLeaveRoomForFuzzy(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("save", "Save changes", 0, 0), btn("cancel", "Cancel", 0, 50)})
	opts := OptionsFromConfig(config.DefaultConfig().Resolver)
	c := New(opts, zaptest.NewLogger(t), WithStrategy(blocking{id: intent.StrategyAccessibility}))

	start := time.Now()
	res, err := c.Resolve(context.Background(), intent.Parse("click Save changes now"), live, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, "save", res.Handle.Ref)
	assert.Equal(t, intent.StrategyFuzzy, res.Strategy)
	assert.Equal(t, TierDynamic, res.Tier)
	assert.Less(t, elapsed, opts.DynamicBudget, "backoff must stop before the fallback reserve")
}

func TestFallbackBudgetClampedToHalfDynamic(t *testing.T) {
	c := New(Options{DynamicBudget: time.Second, FallbackBudget: 5 * time.Second}, nil)
	assert.Equal(t, 500*time.Millisecond, c.opts.FallbackBudget)

	def := OptionsFromConfig(config.DefaultConfig().Resolver)
	assert.Equal(t, 1500*time.Millisecond, def.FallbackBudget)
}

func TestFuzzyTieMargin(t *testing.T) {
	nodes := []dom.RawNode{
		btn("short", "Save", 0, 0),
		{Ref: "aria", Tag: "button", AriaLabel: "save changes now please", Rect: dom.BoundingBox{Y: 100, Width: 40, Height: 20}, Visible: true, Clickable: true},
	}
	target := intent.Parse("click Save changes now")
	// Keep the cheaper tiers from matching the aria label first.
	only := []Option{
		WithStrategy(noMatch{intent.StrategyAccessibility, TierParallel}),
		WithStrategy(noMatch{intent.StrategySmart, TierParallel}),
	}

	_, live := newPage(t, nodes)
	strict := New(fastOptions(), nil, only...)
	res, err := strict.Resolve(context.Background(), target, live, nil)
	require.NoError(t, err)
	assert.Equal(t, "aria", res.Handle.Ref)
	assert.False(t, res.LowConfidence)

	opts := fastOptions()
	opts.FuzzyTieMargin = 0.2
	loose := New(opts, nil, only...)
	res, err = loose.Resolve(context.Background(), target, live, nil)
	require.NoError(t, err)
	assert.Equal(t, "short", res.Handle.Ref, "tied scores fall back to document order")
	assert.True(t, res.LowConfidence)
}

type noMatch struct {
	id   intent.Strategy
	tier Tier
}

func (n noMatch) ID() intent.Strategy { return n.id }
func (n noMatch) Tier() Tier          { return n.tier }
func (n noMatch) Find(context.Context, *Query) ([]*dom.Descriptor, error) {
	return nil, nil
}

type fakeLLM struct {
	want  string
	calls atomic.Int32
}

func (f *fakeLLM) Choose(ctx context.Context, req intent.Request, options []LLMOption) (int, float64, error) {
	f.calls.Add(1)
	for _, o := range options {
		if o.Label == f.want {
			return o.Index, 0.66, nil
		}
	}
	return -1, 0, nil
}

func TestLLMFallbackIsLastResort(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0), btn("b", "Beta", 0, 50)})
	llm := &fakeLLM{want: "Beta"}
	c := New(fastOptions(), nil, WithLLM(llm))

	res, err := c.Resolve(context.Background(), intent.Parse("click the second greek letter"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Handle.Ref)
	assert.Equal(t, intent.StrategyLLM, res.Strategy)
	assert.InDelta(t, 0.66, res.Confidence, 1e-9)

	_, err = c.Resolve(context.Background(), intent.Parse("click Alpha"), live, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), llm.calls.Load(), "cheaper tiers resolve without the LLM")
}

func TestLLMErrorIsNotFound(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	c := New(fastOptions(), nil, WithLLM(errLLM{}))
	_, err := c.Resolve(context.Background(), intent.Parse("click Omega"), live, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

type errLLM struct{}

func (errLLM) Choose(context.Context, intent.Request, []LLMOption) (int, float64, error) {
	return 0, 0, errors.New("model unavailable")
}

func TestCallerCancellation(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	opts := fastOptions()
	opts.Backoff = []time.Duration{time.Second}
	opts.DynamicBudget = 5 * time.Second
	c := New(opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, intent.Parse("click Omega"), live, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoTarget(t *testing.T) {
	_, live := newPage(t, []dom.RawNode{btn("a", "Alpha", 0, 0)})
	_, err := New(fastOptions(), nil).Resolve(context.Background(), intent.Parse("wait"), live, nil)
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestTierNames(t *testing.T) {
	assert.Equal(t, "sequential", TierSequential.String())
	assert.Equal(t, "parallel", TierParallel.String())
	assert.Equal(t, "dynamic", TierDynamic.String())
	text, err := TierDynamic.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "dynamic", string(text))
}
