// Package intent models a single step's semantic target: what to do, to
// which element described in words, and which strategies may find it.
package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// ActionType is the interaction requested for a step.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionFill     ActionType = "fill"
	ActionTypeText ActionType = "type"
	ActionSelect   ActionType = "select"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionPressKey ActionType = "press_key"
	ActionHover    ActionType = "hover"
	ActionExtract  ActionType = "extract"
)

var actionAliases = map[string]ActionType{
	"navigate":  ActionNavigate,
	"go":        ActionNavigate,
	"open":      ActionNavigate,
	"visit":     ActionNavigate,
	"click":     ActionClick,
	"press":     ActionClick,
	"tap":       ActionClick,
	"fill":      ActionFill,
	"type":      ActionTypeText,
	"press_key": ActionPressKey,
	"select":    ActionSelect,
	"choose":    ActionSelect,
	"scroll":    ActionScroll,
	"wait":      ActionWait,
	"hover":     ActionHover,
	"extract":   ActionExtract,
	"read":      ActionExtract,
	"get":       ActionExtract,
}

// NeedsTarget reports whether the action operates on an element.
func (a ActionType) NeedsTarget() bool {
	switch a {
	case ActionNavigate, ActionWait, ActionScroll, ActionPressKey:
		return false
	}
	return true
}

// Typing reports whether the action enters text.
func (a ActionType) Typing() bool {
	return a == ActionFill || a == ActionTypeText
}

// Strategy identifies one technique for turning an intent into an element.
type Strategy string

const (
	StrategyTestID        Strategy = "testid"
	StrategyPattern       Strategy = "pattern"
	StrategyLabel         Strategy = "label"
	StrategyRole          Strategy = "role"
	StrategyText          Strategy = "text"
	StrategyAccessibility Strategy = "accessibility"
	StrategySmart         Strategy = "smart"
	StrategyFuzzy         Strategy = "fuzzy"
	StrategyLLM           Strategy = "llm"
)

// AllStrategies lists every strategy in the neutral default order.
var AllStrategies = []Strategy{
	StrategyPattern,
	StrategyTestID,
	StrategyLabel,
	StrategyRole,
	StrategyText,
	StrategyAccessibility,
	StrategySmart,
	StrategyFuzzy,
	StrategyLLM,
}

var baseConfidence = map[Strategy]float64{
	StrategyTestID:        0.98,
	StrategyRole:          0.95,
	StrategyLabel:         0.92,
	StrategyPattern:       0.90,
	StrategyAccessibility: 0.88,
	StrategyText:          0.80,
	StrategySmart:         0.75,
	StrategyFuzzy:         0.60,
	StrategyLLM:           0.50,
}

// Confidence returns the base confidence of a match found by s.
func Confidence(s Strategy) float64 {
	if c, ok := baseConfidence[s]; ok {
		return c
	}
	return 0.5
}

// PatternHint carries a previously successful locator into a resolution.
type PatternHint struct {
	Strategy Strategy `json:"strategy"`
	Payload  string   `json:"payload"`
}

// Request is one step's resolution request.
type Request struct {
	Step   int        `json:"step"`
	Action ActionType `json:"action"`
	Target string     `json:"target"`
	Near   string     `json:"near,omitempty"`
	Value  string     `json:"value,omitempty"`
	// Hints are extra locators supplied by the planner ("testid:login", "css:#q").
	Hints []string `json:"hints,omitempty"`

	Site    string       `json:"site,omitempty"`
	Epoch   uint64       `json:"epoch"`
	Pattern *PatternHint `json:"pattern,omitempty"`
}

// Describe renders the request the way a user wrote it.
func (r Request) Describe() string {
	s := strings.TrimSpace(string(r.Action) + " " + r.Target)
	if r.Near != "" {
		s += " near " + r.Near
	}
	return s
}

// Core returns the target with descriptor words removed.
func (r Request) Core() string {
	return CoreText(r.Target)
}

// Signature is the stable Pattern Store key for the request's intent.
func (r Request) Signature() string {
	sig := fmt.Sprintf("%s:%s", r.Action, strings.ToLower(r.Core()))
	if r.Near != "" {
		sig += "@" + strings.ToLower(CoreText(r.Near))
	}
	return sig
}

var noiseWords = map[string]bool{
	"the": true, "a": true, "an": true, "button": true, "link": true,
	"input": true, "field": true, "textbox": true, "box": true,
	"element": true, "click": true, "on": true, "in": true, "at": true,
	"top": true, "bottom": true, "left": true, "right": true,
	"first": true, "last": true,
}

// CoreText strips descriptor and position words, keeping the words that
// identify the element. A target made only of noise words is returned as is.
func CoreText(target string) string {
	fields := strings.Fields(strings.ToLower(strings.Trim(strings.TrimSpace(target), `"'`)))
	kept := fields[:0:0]
	for _, w := range fields {
		w = strings.Trim(w, `"'.,:;!?`)
		if w != "" && !noiseWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return strings.TrimSpace(target)
	}
	return strings.Join(kept, " ")
}

var roleWords = map[string]string{
	"button":   "button",
	"btn":      "button",
	"link":     "link",
	"checkbox": "checkbox",
	"radio":    "radio",
	"tab":      "tab",
	"menu":     "menuitem",
	"option":   "option",
	"dropdown": "combobox",
	"select":   "combobox",
	"textbox":  "textbox",
	"field":    "textbox",
	"input":    "textbox",
	"box":      "textbox",
	"switch":   "switch",
	"heading":  "heading",
}

// RoleHint returns the ARIA role implied by the target's words, falling back
// to the role implied by the action.
func RoleHint(target string, action ActionType) string {
	for _, w := range strings.Fields(strings.ToLower(target)) {
		if role, ok := roleWords[strings.Trim(w, `"'.,`)]; ok {
			return role
		}
	}
	if action.Typing() {
		return "textbox"
	}
	return ""
}

var (
	quoted     = regexp.MustCompile(`^"([^"]*)"|^'([^']*)'`)
	withValue  = regexp.MustCompile(`(?i)\s+(?:with|to)\s+["']([^"']*)["']\s*$`)
	nearClause = regexp.MustCompile(`(?i)\s+(?:near|next to|beside)\s+(.+)$`)
)

// Parse turns a short step such as `click "Submit" near Email` or
// `fill email field with "a@b.c"` into a Request.
func Parse(step string) Request {
	s := strings.TrimSpace(step)
	var req Request

	if first, rest, ok := strings.Cut(s, " "); ok {
		if a, known := actionAliases[strings.ToLower(first)]; known {
			req.Action = a
			s = strings.TrimSpace(rest)
		}
	} else if a, known := actionAliases[strings.ToLower(s)]; known {
		return Request{Action: a}
	}
	if req.Action == "" {
		req.Action = ActionClick
	}
	if strings.HasPrefix(strings.ToLower(s), "on ") {
		s = strings.TrimSpace(s[3:])
	}

	if m := withValue.FindStringSubmatchIndex(s); m != nil {
		req.Value = s[m[2]:m[3]]
		s = strings.TrimSpace(s[:m[0]])
	}
	// A quoted target is taken verbatim; only what follows it can hold a
	// spatial hint.
	if m := quoted.FindStringSubmatchIndex(s); m != nil {
		lo, hi := m[2], m[3]
		if lo < 0 {
			lo, hi = m[4], m[5]
		}
		target := s[lo:hi]
		req.Near = nearOf(s[m[1]:])
		req.Target = target
		return req
	}
	if m := nearClause.FindStringSubmatchIndex(s); m != nil {
		req.Near = strings.Trim(strings.TrimSpace(s[m[2]:m[3]]), `"'`)
		s = strings.TrimSpace(s[:m[0]])
	}
	req.Target = s
	return req
}

func nearOf(s string) string {
	m := nearClause.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"'`)
}
