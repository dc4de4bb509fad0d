package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/mangle"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/profiler"
)

// Epoch advance reasons.
const (
	ReasonNavigation = "navigation"
	ReasonMutation   = "mutation"
)

// ErrNoElement is returned when a handle's ref is no longer in the page.
var ErrNoElement = errors.New("element not present in page")

// FactSink receives epoch transitions as facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Page drives one rod page. It is the snapshot source of its live DOM
// index, answers selector and accessibility queries, probes framework
// markers and executes step actions.
type Page struct {
	id     string
	page   *rod.Page
	cfg    config.BrowserConfig
	live   *dom.Live
	sink   FactSink
	logger *zap.Logger

	url        atomic.Value // string
	onNavigate func(url string)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newPage(id string, page *rod.Page, cfg config.BrowserConfig, sink FactSink, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Page{
		id:     id,
		page:   page,
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(zap.String("session", id)),
		done:   make(chan struct{}),
	}
	p.url.Store("")
	p.live = dom.NewLive(p, p.logger)
	return p
}

// Live returns the page's epoch-tracked DOM index.
func (p *Page) Live() *dom.Live { return p.live }

// URL returns the last known top-level URL.
func (p *Page) URL() string { return p.url.Load().(string) }

// Snapshot captures the indexed elements, stamping each with a ref.
func (p *Page) Snapshot(ctx context.Context) (dom.Snapshot, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           snapshotJS,
		JSArgs:       []interface{}{p.cfg.GetMaxSnapshotNodes()},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return dom.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return dom.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	var snap dom.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return dom.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.TakenAt = time.Now()
	if snap.URL != "" {
		p.url.Store(snap.URL)
	}
	return snap, nil
}

// QuerySelector returns the refs of elements matching a CSS selector.
func (p *Page) QuerySelector(ctx context.Context, css string) ([]string, error) {
	return p.refs(ctx, querySelectorJS, css)
}

// QueryXPath returns the refs of elements matching an XPath expression.
func (p *Page) QueryXPath(ctx context.Context, xpath string) ([]string, error) {
	return p.refs(ctx, queryXPathJS, xpath)
}

func (p *Page) refs(ctx context.Context, js, arg string) ([]string, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       []interface{}{arg},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", arg, err)
	}
	return refList(res.Value), nil
}

func refList(v gson.JSON) []string {
	if v.Nil() {
		return nil
	}
	items := v.Arr()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := item.Str(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// QueryAccessible searches the browser's accessibility tree for nodes with
// the given role and accessible name.
func (p *Page) QueryAccessible(ctx context.Context, role, name string) ([]string, error) {
	pg := p.page.Context(ctx)
	doc, err := proto.DOMGetDocument{}.Call(pg)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	res, err := proto.AccessibilityQueryAXTree{
		BackendNodeID:  doc.Root.BackendNodeID,
		AccessibleName: name,
		Role:           role,
	}.Call(pg)
	if err != nil {
		return nil, fmt.Errorf("query accessibility tree: %w", err)
	}

	var refs []string
	for _, n := range res.Nodes {
		if n.Ignored || n.BackendDOMNodeID == 0 {
			continue
		}
		desc, err := proto.DOMDescribeNode{BackendNodeID: n.BackendDOMNodeID}.Call(pg)
		if err != nil || desc.Node == nil {
			continue
		}
		if ref := attribute(desc.Node.Attributes, refAttr); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// attribute reads name from CDP's flat [name, value, ...] attribute list.
func attribute(attrs []string, name string) string {
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return attrs[i+1]
		}
	}
	return ""
}

// Probe evaluates framework markers.
func (p *Page) Probe(ctx context.Context, spec profiler.ProbeSpec) (profiler.Signals, error) {
	globals := append([]string{}, spec.Globals...)
	selectors := append([]string{}, spec.Selectors...)
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           probeJS,
		JSArgs:       []interface{}{globals, selectors},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return profiler.Signals{}, fmt.Errorf("probe: %w", err)
	}
	return decodeSignals(res.Value), nil
}

func decodeSignals(v gson.JSON) profiler.Signals {
	s := profiler.Signals{
		Globals:   make(map[string]bool),
		Selectors: make(map[string]int),
	}
	for name, val := range v.Get("globals").Map() {
		s.Globals[name] = val.Bool()
	}
	for sel, val := range v.Get("selectors").Map() {
		s.Selectors[sel] = val.Int()
	}
	return s
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"home":       input.Home,
	"end":        input.End,
}

// waitDuration reads a wait step's duration from its value or, for steps
// like "wait 500ms", its target. The default is one second.
func waitDuration(req intent.Request) time.Duration {
	for _, raw := range []string{req.Value, req.Target} {
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
			return d
		}
	}
	return time.Second
}

// Execute performs req's action. Element actions refuse handles from a
// past epoch.
func (p *Page) Execute(ctx context.Context, req intent.Request, target dom.Handle) error {
	pg := p.page.Context(ctx)
	switch req.Action {
	case intent.ActionNavigate:
		url := strings.TrimSpace(req.Target)
		if url == "" {
			url = req.Value
		}
		nav := pg.Timeout(p.cfg.NavigationTimeout())
		if err := nav.Navigate(url); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		return nav.WaitLoad()
	case intent.ActionWait:
		t := time.NewTimer(waitDuration(req))
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case intent.ActionScroll:
		dy := 600.0
		if strings.EqualFold(strings.TrimSpace(req.Target), "up") {
			dy = -dy
		}
		return pg.Mouse.Scroll(0, dy, 4)
	case intent.ActionPressKey:
		name := strings.ToLower(strings.TrimSpace(req.Value))
		if name == "" {
			name = strings.ToLower(strings.TrimSpace(req.Target))
		}
		key, ok := namedKeys[name]
		if !ok {
			return fmt.Errorf("unsupported key %q", name)
		}
		return pg.Keyboard.Type(key)
	}

	if !target.ValidAt(p.live.Epoch()) {
		return fmt.Errorf("%w: handle %s from epoch %d", dom.ErrStale, target.Ref, target.Epoch)
	}
	el, err := p.element(ctx, target.Ref)
	if err != nil {
		return err
	}

	switch req.Action {
	case intent.ActionClick:
		return el.Click(proto.InputMouseButtonLeft, 1)
	case intent.ActionFill:
		if err := el.SelectAllText(); err != nil {
			p.logger.Debug("select text before fill", zap.Error(err))
		}
		return el.Input(req.Value)
	case intent.ActionTypeText:
		return el.Input(req.Value)
	case intent.ActionSelect:
		return el.Select([]string{req.Value}, true, rod.SelectorTypeText)
	case intent.ActionHover:
		return el.Hover()
	case intent.ActionExtract:
		text, err := el.Text()
		if err != nil {
			return err
		}
		p.logger.Info("extracted text",
			zap.Int("step", req.Step),
			zap.String("ref", target.Ref),
			zap.String("text", text))
		return nil
	}
	return fmt.Errorf("unsupported action %q", req.Action)
}

func (p *Page) element(ctx context.Context, ref string) (*rod.Element, error) {
	sel := fmt.Sprintf(`[%s=%q]`, refAttr, ref)
	els, err := p.page.Context(ctx).Elements(sel)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", ref, err)
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoElement, ref)
	}
	return els.First().Timeout(p.cfg.ActionTimeout()), nil
}

// watch turns navigations and mutation bursts into epoch transitions until
// ctx is done.
func (p *Page) watch(ctx context.Context) {
	defer close(p.done)

	if _, err := p.page.EvalOnNewDocument("(" + mutationHookJS + ")()"); err != nil {
		p.logger.Warn("install mutation hook on new documents", zap.Error(err))
	}
	p.installHook(ctx)

	waitNav := p.page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		p.advance(ctx, ReasonNavigation, ev.Frame.URL)
		if p.onNavigate != nil {
			p.onNavigate(ev.Frame.URL)
		}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		waitNav()
	}()
	go func() {
		defer wg.Done()
		p.pollMutations(ctx)
	}()
	wg.Wait()
}

func (p *Page) installHook(ctx context.Context) {
	_, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           mutationHookJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("install mutation hook", zap.Error(err))
	}
}

// pollMutations drains the in-page mutation counter once per throttle
// window. A burst of structural changes starts a new epoch; smaller
// changes only force the next resolution to rebuild the index.
func (p *Page) pollMutations(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MutationThrottle())
	defer ticker.Stop()
	burst := p.cfg.GetMutationBurst()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           drainMutationsJS,
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil || res == nil {
			continue
		}
		switch n := res.Value.Int(); {
		case n >= burst:
			p.advance(ctx, ReasonMutation, p.URL())
		case n > 0:
			p.live.Invalidate()
		}
	}
}

func (p *Page) advance(ctx context.Context, reason, url string) {
	if url != "" {
		p.url.Store(url)
	}
	epoch := p.live.Advance(reason)
	p.logger.Debug("page epoch advanced",
		zap.String("reason", reason),
		zap.Uint64("epoch", epoch),
		zap.String("url", url))
	if p.sink == nil {
		return
	}
	fact := mangle.EpochAdvance(patterns.SiteKey(p.URL()), epoch, reason)
	if err := p.sink.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
		p.logger.Debug("epoch fact rejected", zap.Error(err))
	}
}

// start launches the event watcher.
func (p *Page) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watch(ctx)
}

// close stops the watcher and closes the page.
func (p *Page) close() error {
	var err error
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		err = p.page.Close()
	})
	return err
}
