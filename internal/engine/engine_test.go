package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/mangle"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/resolver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const shop = "https://shop.example.com"

type site struct {
	mu    sync.Mutex
	nodes []dom.RawNode
	calls atomic.Int32
	fail  atomic.Bool
	hook  func()
}

var errPageGone = errors.New("page unreachable")

func (s *site) Snapshot(ctx context.Context) (dom.Snapshot, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return dom.Snapshot{}, errPageGone
	}
	if s.hook != nil {
		s.hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return dom.Snapshot{URL: shop + "/cart", Nodes: append([]dom.RawNode(nil), s.nodes...)}, nil
}

func (s *site) set(nodes ...dom.RawNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
}

func btn(ref, text string, y float64) dom.RawNode {
	return dom.RawNode{
		Ref:       ref,
		Tag:       "button",
		Text:      text,
		Rect:      dom.BoundingBox{X: 10, Y: y, Width: 80, Height: 30},
		Visible:   true,
		Clickable: true,
	}
}

// executor records the refs it was handed and runs an optional per-step hook.
type executor struct {
	mu   sync.Mutex
	got  []dom.Handle
	hook func(req intent.Request, h dom.Handle) error
}

func (x *executor) Execute(ctx context.Context, req intent.Request, h dom.Handle) error {
	x.mu.Lock()
	x.got = append(x.got, h)
	hook := x.hook
	x.mu.Unlock()
	if hook != nil {
		return hook(req, h)
	}
	return nil
}

func (x *executor) handles() []dom.Handle {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]dom.Handle(nil), x.got...)
}

type fixture struct {
	src   *site
	live  *dom.Live
	store *patterns.Store
	exec  *executor
	eng   *Engine
}

func newFixture(t *testing.T, nodes []dom.RawNode, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	src := &site{}
	src.set(nodes...)
	live := dom.NewLive(src, logger)
	store, err := patterns.New(context.Background(), patterns.NewMemoryBackend(), logger)
	require.NoError(t, err)
	cascade := resolver.New(resolver.Options{
		SequentialBudget: time.Second,
		ParallelBudget:   time.Second,
		DynamicBudget:    time.Second,
		FuzzyThreshold:   0.6,
		FuzzyTieMargin:   0.05,
	}, logger)
	exec := &executor{}
	opts = append([]Option{WithExecutor(exec)}, opts...)
	return &fixture{
		src:   src,
		live:  live,
		store: store,
		exec:  exec,
		eng:   New(live, cascade, store, nil, logger, opts...),
	}
}

func steps(lines ...string) []intent.Request {
	out := make([]intent.Request, len(lines))
	for i, l := range lines {
		out[i] = intent.Parse(l)
	}
	return out
}

func TestRunNavigationMidPlanDiscardsSpeculation(t *testing.T) {
	f := newFixture(t, []dom.RawNode{
		btn("start", "Start", 0),
		btn("next", "Next", 50),
		btn("finish-old", "Finish", 100),
	})
	f.exec.hook = func(req intent.Request, h dom.Handle) error {
		if req.Step == 2 {
			f.src.set(btn("finish-new", "Finish", 300))
			f.live.Advance("navigation")
		}
		return nil
	}

	report, err := f.eng.Run(context.Background(), steps("click Start", "click Next", "click Finish"))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, report.State)
	require.Len(t, report.Steps, 3)

	last := report.Steps[2]
	assert.Equal(t, "finish-new", last.Ref)
	assert.Equal(t, uint64(1), last.Epoch)
	assert.False(t, last.Speculative)

	got := f.exec.handles()
	require.Len(t, got, 3)
	assert.Equal(t, "finish-new", got[2].Ref)
	assert.True(t, got[2].ValidAt(f.live.Epoch()))
}

func TestRunConsumesSpeculativeResult(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)})

	report, err := f.eng.Run(context.Background(), steps("click Start", "click Next"))
	require.NoError(t, err)
	require.Len(t, report.Steps, 2)
	assert.False(t, report.Steps[0].Speculative)
	assert.True(t, report.Steps[1].Speculative)
	assert.Equal(t, "next", report.Steps[1].Ref)
	assert.Equal(t, uint64(1), report.Speculative.Hits)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Current)
}

func TestRunWithoutLookaheadResolvesInline(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)}, WithLookahead(0))

	report, err := f.eng.Run(context.Background(), steps("click Start", "click Next"))
	require.NoError(t, err)
	assert.False(t, report.Steps[1].Speculative)
	assert.Zero(t, report.Speculative.Launched)
}

func TestRunTargetlessStepsSkipResolution(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)})

	report, err := f.eng.Run(context.Background(), steps("wait", "click Start"))
	require.NoError(t, err)
	require.Len(t, report.Steps, 2)
	assert.Empty(t, report.Steps[0].Ref)

	got := f.exec.handles()
	assert.Equal(t, dom.Handle{}, got[0])
	assert.Equal(t, "start", got[1].Ref)
}

func TestRunRecordsLearnedPattern(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)})

	_, err := f.eng.Run(context.Background(), steps("click Start"))
	require.NoError(t, err)

	entry, ok := f.store.Lookup(shop, "click:start")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Successes)
	assert.NotEqual(t, intent.StrategyPattern, entry.Strategy)
	assert.NotEmpty(t, entry.Payload)
}

func TestResolveUsesStoredPattern(t *testing.T) {
	buy := btn("buy", "Purchase", 0)
	buy.TestID = "buy-now"
	f := newFixture(t, []dom.RawNode{buy, btn("other", "Other", 50)})
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, shop, "click:buy", intent.StrategyTestID, "testid:buy-now", patterns.Success))

	res, err := f.eng.Resolve(ctx, intent.Parse("click Buy"))
	require.NoError(t, err)
	assert.Equal(t, "buy", res.Handle.Ref)
	assert.Equal(t, intent.StrategyPattern, res.Strategy)

	entry, ok := f.store.Lookup(shop, "click:buy")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Successes)
	// Credit stays with the strategy that first found the element.
	assert.Equal(t, intent.StrategyTestID, entry.Strategy)
}

func TestResolveSkipsDemotedPattern(t *testing.T) {
	decoy := btn("decoy", "Archive", 0)
	decoy.TestID = "old-buy"
	f := newFixture(t, []dom.RawNode{decoy, btn("buy", "Buy", 50)})
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, shop, "click:buy", intent.StrategyTestID, "testid:old-buy", patterns.Success))
	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.Record(ctx, shop, "click:buy", intent.StrategyTestID, "testid:old-buy", patterns.Failure))
	}
	entry, _ := f.store.Lookup(shop, "click:buy")
	require.True(t, entry.Demoted())

	res, err := f.eng.Resolve(ctx, intent.Parse("click Buy"))
	require.NoError(t, err)
	assert.Equal(t, "buy", res.Handle.Ref)
	assert.NotEqual(t, intent.StrategyPattern, res.Strategy)

	entry, _ = f.store.Lookup(shop, "click:buy")
	assert.NotEqual(t, "testid:old-buy", entry.Payload)
}

func TestResolveMissedPatternCountsFailure(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("buy", "Buy", 0)})
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, shop, "click:buy", intent.StrategyTestID, "testid:gone", patterns.Success))

	res, err := f.eng.Resolve(ctx, intent.Parse("click Buy"))
	require.NoError(t, err)
	assert.Equal(t, "buy", res.Handle.Ref)

	entry, ok := f.store.Lookup(shop, "click:buy")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Failures)
}

func TestResolveRetriesNotFoundOnceAfterInvalidate(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)})
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, shop, "click:zebra", intent.StrategyTestID, "testid:zebra", patterns.Success))

	_, err := f.eng.Resolve(ctx, intent.Parse("click Zebra"))
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, resolver.ErrNotFound)
	// One build for the first attempt, one after the invalidation.
	assert.Equal(t, int32(2), f.src.calls.Load())

	entry, ok := f.store.Lookup(shop, "click:zebra")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Failures, "the miss is recorded once, after the retry")
}

func TestResolveStaleRetriesAreBounded(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)}, WithStaleRetries(2))
	f.src.hook = func() { f.live.Advance("mutation burst") }

	req := intent.Parse("click Start")
	req.Site = shop
	_, err := f.eng.Resolve(context.Background(), req)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, resolver.ErrStale)
	assert.Equal(t, int32(3), f.src.calls.Load(), "first attempt plus two retries")

	_, ok := f.store.Lookup(shop, "click:start")
	assert.False(t, ok, "a stale page is not evidence against any locator")
}

func TestRunStaleHandleIsResolvedAgain(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("go", "Go", 0)})
	var calls atomic.Int32
	f.exec.hook = func(req intent.Request, h dom.Handle) error {
		if calls.Add(1) == 1 {
			f.live.Advance("mutation burst")
			return fmt.Errorf("%w: handle %s from epoch %d", dom.ErrStale, h.Ref, h.Epoch)
		}
		return nil
	}

	report, err := f.eng.Run(context.Background(), steps("click Go"))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, report.State)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "go", report.Steps[0].Ref)
	assert.Equal(t, uint64(1), report.Steps[0].Epoch)

	got := f.exec.handles()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Epoch)
	assert.Equal(t, uint64(1), got[1].Epoch)

	entry, ok := f.store.Lookup(shop, "click:go")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Successes)
	assert.Zero(t, entry.Failures)
}

func TestRunPersistentlyStaleStepFailsWithoutBlamingPattern(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("go", "Go", 0)}, WithStaleRetries(2))
	f.exec.hook = func(req intent.Request, h dom.Handle) error {
		f.live.Advance("mutation burst")
		return fmt.Errorf("%w: handle %s from epoch %d", dom.ErrStale, h.Ref, h.Epoch)
	}

	report, err := f.eng.Run(context.Background(), steps("click Go"))
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, dom.ErrStale)
	var ae *ActionError
	assert.False(t, errors.As(err, &ae))
	assert.Equal(t, StateFailed, report.State)
	assert.Len(t, f.exec.handles(), 3)

	entry, ok := f.store.Lookup(shop, "click:go")
	require.True(t, ok)
	assert.Zero(t, entry.Failures)
}

func TestSpeculativeHitDoesNotRebuildForSite(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)})
	f.exec.hook = func(req intent.Request, h dom.Handle) error {
		if req.Step == 1 {
			// Let the prefetch of step 2 finish, then make the page unreadable.
			time.Sleep(100 * time.Millisecond)
			f.src.fail.Store(true)
		}
		return nil
	}

	report, err := f.eng.Run(context.Background(), steps("click Start", "click Next"))
	require.NoError(t, err)
	require.Len(t, report.Steps, 2)
	assert.True(t, report.Steps[1].Speculative)

	entry, ok := f.store.Lookup(shop, "click:next")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Successes)
}

func TestRunUnresolvableStep(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)})

	report, err := f.eng.Run(context.Background(), steps("click Start", "click Zebra"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrNotFound)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Step)
	assert.Contains(t, err.Error(), `could not resolve target for step 2 (intent "click Zebra"`)
	tier, ok := se.Tier()
	assert.True(t, ok)
	assert.Equal(t, resolver.TierDynamic, tier)

	assert.Equal(t, StateFailed, report.State)
	require.Len(t, report.Steps, 2)
	assert.NotEmpty(t, report.Steps[1].Error)
	assert.Len(t, f.exec.handles(), 1)
}

func TestRunActionFailureRecordsPatternFailure(t *testing.T) {
	buy := btn("buy", "Buy", 0)
	buy.TestID = "buy"
	f := newFixture(t, []dom.RawNode{buy})
	ctx := context.Background()
	require.NoError(t, f.store.Record(ctx, shop, "click:buy", intent.StrategyTestID, "testid:buy", patterns.Success))
	f.exec.hook = func(intent.Request, dom.Handle) error { return errors.New("element detached") }

	report, err := f.eng.Run(ctx, steps("click Buy"))
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, err.Error(), "element detached")
	assert.Equal(t, StateFailed, report.State)

	entry, ok := f.store.Lookup(shop, "click:buy")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Failures)
	assert.Equal(t, 2, entry.Successes)
}

func TestRunRequiresExecutor(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.executor = nil
	_, err := f.eng.Run(context.Background(), steps("click Start"))
	assert.ErrorIs(t, err, ErrNoExecutor)
}

// blockFirst holds step 1 until release is closed.
func blockFirst(f *fixture) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	f.exec.hook = func(req intent.Request, h dom.Handle) error {
		if req.Step == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	return entered, release
}

type runResult struct {
	report Report
	err    error
}

func TestPauseAndResumeAtStepBoundary(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)})
	entered, release := blockFirst(f)

	done := make(chan runResult, 1)
	go func() {
		r, err := f.eng.Run(context.Background(), steps("click Start", "click Next"))
		done <- runResult{r, err}
	}()

	<-entered
	f.eng.Pause()
	close(release)
	require.Eventually(t, func() bool { return f.eng.State() == StatePaused }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.exec.handles(), 1)
	assert.Len(t, f.eng.Report().Steps, 1)

	_, err := f.eng.Run(context.Background(), steps("click Start"))
	assert.ErrorIs(t, err, ErrRunning)

	f.eng.Resume()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateSucceeded, res.report.State)
	assert.Len(t, res.report.Steps, 2)
}

func TestStopEndsRunAtBoundary(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)})
	entered, release := blockFirst(f)

	done := make(chan runResult, 1)
	go func() {
		r, err := f.eng.Run(context.Background(), steps("click Start", "click Next"))
		done <- runResult{r, err}
	}()

	<-entered
	f.eng.Stop()
	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateStopped, res.report.State)
	assert.Len(t, res.report.Steps, 1)
	assert.Equal(t, StateStopped, f.eng.State())
}

func TestRunHonoursCancellationWhilePaused(t *testing.T) {
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0), btn("next", "Next", 50)})
	entered, release := blockFirst(f)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan runResult, 1)
	go func() {
		r, err := f.eng.Run(ctx, steps("click Start", "click Next"))
		done <- runResult{r, err}
	}()

	<-entered
	f.eng.Pause()
	close(release)
	require.Eventually(t, func() bool { return f.eng.State() == StatePaused }, 2*time.Second, 5*time.Millisecond)
	cancel()
	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, StateFailed, res.report.State)
}

func TestFactObserverDerivesFailingIntent(t *testing.T) {
	facts, err := mangle.NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: 100}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	var kinds []string
	f := newFixture(t, []dom.RawNode{btn("start", "Start", 0)},
		WithObserver(FactObserver(facts, nil)),
		WithObserver(ObserverFunc(func(_ context.Context, ev Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		})))

	_, err = f.eng.Run(context.Background(), steps("click Start", "click Zebra"))
	require.Error(t, err)

	rows, err := facts.Query(context.Background(), "failing_intent(S, I)")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, shop, rows[0]["S"])
	assert.Equal(t, "click:zebra", rows[0]["I"])

	assert.Len(t, facts.FactsByPredicate("resolution"), 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventResolved, EventExecuted, EventUnresolved}, kinds)
}
