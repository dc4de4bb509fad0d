package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
)

// ErrNoDriver is returned for selector locators when no driver is attached.
var ErrNoDriver = errors.New("selector locator requires a browser driver")

func builtins(opts Options) []Strategy {
	return []Strategy{
		patternStrategy{},
		testIDStrategy{},
		labelStrategy{},
		roleStrategy{},
		textStrategy{},
		accessibilityStrategy{},
		smartStrategy{},
		fuzzyStrategy{threshold: opts.FuzzyThreshold},
	}
}

// Locate resolves a stored locator ("testid:login", "css:#q", ...) against
// the index, asking the driver for css and xpath selectors.
func Locate(ctx context.Context, ix *dom.Index, driver Driver, locator string) ([]*dom.Descriptor, error) {
	kind, value, ok := strings.Cut(locator, ":")
	if !ok {
		kind, value = "css", locator
	}
	switch kind {
	case "testid":
		return ix.Query(dom.KeyTestID, value), nil
	case "name":
		return ix.Query(dom.KeyName, value), nil
	case "aria":
		return ix.Query(dom.KeyLabel, value), nil
	case "placeholder":
		return ix.Query(dom.KeyPlaceholder, value), nil
	case "fingerprint":
		return ix.Query(dom.KeyFingerprint, value), nil
	case "text":
		return ix.Query(dom.KeyText, value), nil
	case "ref":
		return ix.Query(dom.KeyRef, value), nil
	case "css", "xpath":
		if driver == nil {
			if id, simple := simpleIDSelector(value); kind == "css" && simple {
				return ix.Query(dom.KeyName, id), nil
			}
			return nil, ErrNoDriver
		}
		var (
			refs []string
			err  error
		)
		if kind == "css" {
			refs, err = driver.QuerySelector(ctx, value)
		} else {
			refs, err = driver.QueryXPath(ctx, value)
		}
		if err != nil {
			return nil, fmt.Errorf("%s query %q: %w", kind, value, err)
		}
		return byRefs(ix, refs), nil
	}
	// Unknown prefix: the colon belongs to a plain CSS selector such as "a:hover".
	if driver == nil {
		return nil, ErrNoDriver
	}
	refs, err := driver.QuerySelector(ctx, locator)
	if err != nil {
		return nil, err
	}
	return byRefs(ix, refs), nil
}

func simpleIDSelector(sel string) (string, bool) {
	if !strings.HasPrefix(sel, "#") || len(sel) < 2 {
		return "", false
	}
	id := sel[1:]
	if strings.ContainsAny(id, " .[>:#\\") {
		return "", false
	}
	return id, true
}

func byRefs(ix *dom.Index, refs []string) []*dom.Descriptor {
	var out []*dom.Descriptor
	for _, ref := range refs {
		if d, ok := ix.ByRef(ref); ok {
			out = append(out, d)
		}
	}
	return out
}

// patternStrategy replays the locator learned for this intent, then any
// locator hints from the planner.
type patternStrategy struct{}

func (patternStrategy) ID() intent.Strategy { return intent.StrategyPattern }
func (patternStrategy) Tier() Tier          { return TierSequential }

func (p patternStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	cands, err := p.FindScored(ctx, q)
	return descriptors(cands), err
}

func (patternStrategy) FindScored(ctx context.Context, q *Query) ([]Candidate, error) {
	var locators []string
	if q.Request.Pattern != nil && q.Request.Pattern.Payload != "" {
		locators = append(locators, q.Request.Pattern.Payload)
	}
	locators = append(locators, q.Request.Hints...)

	conf := intent.Confidence(intent.StrategyPattern)
	for _, loc := range locators {
		found, err := Locate(ctx, q.Index, q.Driver, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if len(found) == 0 {
			continue
		}
		out := make([]Candidate, len(found))
		for i, d := range found {
			out[i] = Candidate{Descriptor: d, Score: conf, Payload: loc}
		}
		return out, nil
	}
	return nil, nil
}

// testIDStrategy matches test-id attributes exactly, then by identifier
// words so "Login" finds data-testid="login_v2".
type testIDStrategy struct{}

func (testIDStrategy) ID() intent.Strategy { return intent.StrategyTestID }
func (testIDStrategy) Tier() Tier          { return TierSequential }

func (testIDStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	ws := strings.Fields(q.Core)
	variants := []string{
		q.Core,
		strings.Join(ws, "-"),
		strings.Join(ws, "_"),
		strings.Join(ws, ""),
		normalize(q.Request.Target),
	}
	for _, v := range variants {
		if found := q.Index.Query(dom.KeyTestID, v); len(found) > 0 {
			return found, nil
		}
	}
	return intersect(q.Index, dom.KeyTestIDWord, ws), nil
}

// labelStrategy matches aria-label and computed accessible names exactly.
type labelStrategy struct{}

func (labelStrategy) ID() intent.Strategy { return intent.StrategyLabel }
func (labelStrategy) Tier() Tier          { return TierSequential }

func (labelStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	found := q.Index.Query(dom.KeyLabel, q.Core)
	if target := normalize(q.Request.Target); target != q.Core {
		found = append(found, q.Index.Query(dom.KeyLabel, target)...)
	}
	return found, nil
}

// roleStrategy matches elements of the implied role whose name equals the
// target.
type roleStrategy struct{}

func (roleStrategy) ID() intent.Strategy { return intent.StrategyRole }
func (roleStrategy) Tier() Tier          { return TierSequential }

func (roleStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	roles := defaultRoles(q.Request.Action)
	if q.Role != "" {
		roles = []string{q.Role}
	}
	var out []*dom.Descriptor
	for _, role := range roles {
		for _, d := range q.Index.Query(dom.KeyRole, role) {
			if namedExactly(d, q.Core) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func defaultRoles(action intent.ActionType) []string {
	switch {
	case action.Typing():
		return []string{"textbox", "searchbox", "combobox"}
	case action == intent.ActionSelect:
		return []string{"combobox", "listbox", "option"}
	}
	return []string{"button", "link", "menuitem", "tab", "checkbox", "radio", "option", "switch"}
}

func namedExactly(d *dom.Descriptor, core string) bool {
	if d.InCodeContainer && d.AriaLabel == "" {
		return false
	}
	return normalize(d.AccessibleName) == core ||
		normalize(d.AriaLabel) == core ||
		normalize(d.Text) == core
}

// textStrategy matches visible text: the exact phrase, then all its words.
type textStrategy struct{}

func (textStrategy) ID() intent.Strategy { return intent.StrategyText }
func (textStrategy) Tier() Tier          { return TierParallel }

func (textStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	found := q.Index.Phrase(q.Core)
	if len(found) == 0 {
		if target := normalize(q.Request.Target); target != q.Core {
			found = q.Index.Phrase(target)
		}
	}
	return found, nil
}

// accessibilityStrategy asks the browser's accessibility tree, or scans
// accessible names in the index when no driver is attached.
type accessibilityStrategy struct{}

func (accessibilityStrategy) ID() intent.Strategy { return intent.StrategyAccessibility }
func (accessibilityStrategy) Tier() Tier          { return TierParallel }

func (accessibilityStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	if q.Driver != nil {
		refs, err := q.Driver.QueryAccessible(ctx, q.Role, q.Request.Core())
		if err != nil {
			return nil, err
		}
		if found := byRefs(q.Index, refs); len(found) > 0 {
			return found, nil
		}
	}
	var out []*dom.Descriptor
	for _, d := range q.Index.Elements() {
		if d.Role == "" || (q.Role != "" && d.Role != q.Role) {
			continue
		}
		if d.InCodeContainer && d.AriaLabel == "" {
			continue
		}
		if strings.Contains(normalize(d.AccessibleName), q.Core) {
			out = append(out, d)
		}
	}
	return out, ctx.Err()
}

// smartStrategy applies attribute heuristics: for typing, search boxes and
// inputs whose placeholder, name, aria-label or id mention the target; for
// clicks, aria-label, title, name or test id mentions.
type smartStrategy struct{}

func (smartStrategy) ID() intent.Strategy { return intent.StrategySmart }
func (smartStrategy) Tier() Tier          { return TierParallel }

func (smartStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	core := q.Core
	joined := []string{core, strings.ReplaceAll(core, " ", "-"), strings.ReplaceAll(core, " ", "_")}
	mentions := func(vals ...string) bool {
		for _, v := range vals {
			v = normalize(v)
			if v == "" {
				continue
			}
			for _, c := range joined {
				if strings.Contains(v, c) {
					return true
				}
			}
		}
		return false
	}

	var out []*dom.Descriptor
	for _, d := range q.Index.Elements() {
		if q.Request.Action.Typing() {
			if !d.IsInput() {
				continue
			}
			if strings.Contains(core, "search") && isSearchBox(d) {
				out = append(out, d)
				continue
			}
			if mentions(d.Placeholder, d.Name, d.AriaLabel, d.ID) {
				out = append(out, d)
			}
			continue
		}
		if !d.IsInteractive() {
			continue
		}
		if mentions(d.AriaLabel, d.Title) || normalize(d.Name) == core || normalize(d.TestID) == core {
			out = append(out, d)
		}
	}
	return out, ctx.Err()
}

func isSearchBox(d *dom.Descriptor) bool {
	if d.Type == "search" || d.Role == "searchbox" {
		return true
	}
	switch strings.ToLower(d.Name) {
	case "q", "query", "search":
		return true
	}
	for _, v := range []string{d.ID, d.Placeholder, d.AriaLabel} {
		if strings.Contains(strings.ToLower(v), "search") {
			return true
		}
	}
	return false
}

// findAnchor resolves the "near X" reference element.
func findAnchor(ix *dom.Index, near string) *dom.Descriptor {
	core := normalize(intent.CoreText(near))
	for _, list := range [][]*dom.Descriptor{
		ix.Query(dom.KeyLabel, core),
		ix.Phrase(core),
		ix.Query(dom.KeyPlaceholder, core),
		ix.Query(dom.KeyName, core),
	} {
		for _, d := range list {
			if d.Displayed() {
				return d
			}
		}
	}
	return nil
}

// intersect returns elements stored under every word, in document order.
func intersect(ix *dom.Index, kind dom.KeyKind, ws []string) []*dom.Descriptor {
	var (
		out    []*dom.Descriptor
		counts = make(map[*dom.Descriptor]int)
		needed = 0
	)
	for _, w := range ws {
		if len([]rune(w)) < 2 {
			continue
		}
		needed++
		for _, d := range ix.Query(kind, w) {
			if counts[d] == needed-1 {
				counts[d] = needed
				if needed == 1 {
					out = append(out, d)
				}
			}
		}
	}
	if needed == 0 {
		return nil
	}
	kept := out[:0]
	for _, d := range out {
		if counts[d] == needed {
			kept = append(kept, d)
		}
	}
	return kept
}

func descriptors(cands []Candidate) []*dom.Descriptor {
	out := make([]*dom.Descriptor, len(cands))
	for i, c := range cands {
		out[i] = c.Descriptor
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
