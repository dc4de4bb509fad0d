package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/engine"
	"browsernerd-resolver/internal/mangle"
	"browsernerd-resolver/internal/patterns"
)

// stepSchema describes one structured step.
func stepSchema() map[string]interface{} {
	return map[string]interface{}{
		"action": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"navigate", "click", "fill", "type", "select", "scroll", "wait", "press_key", "hover", "extract"},
			"description": "Action to perform",
		},
		"target": map[string]interface{}{
			"type":        "string",
			"description": "Element described in words (\"Sign in button\"), or URL/key/duration for navigate/press_key/wait",
		},
		"near": map[string]interface{}{
			"type":        "string",
			"description": "Optional anchor text the target sits next to",
		},
		"value": map[string]interface{}{
			"type":        "string",
			"description": "Text for fill/type, option for select",
		},
		"hints": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string"},
			"description": "Extra locators: testid:X, aria:X, name:X, css:X, xpath:X",
		},
	}
}

// ResolveTargetTool resolves one step's target without acting on it.
type ResolveTargetTool struct {
	server *Server
}

func (t *ResolveTargetTool) Name() string { return "resolve-target" }
func (t *ResolveTargetTool) Description() string {
	return `Find the element a step refers to, without interacting with it.

WHEN TO USE:
- Checking that a step will hit the right element before running a plan
- Debugging why a step resolves to the wrong element or not at all

HOW IT RESOLVES:
1. A learned pattern for this site and intent is tried first
2. Sequential tier: pattern, test id, label, role in the site's priority order
3. Parallel tier: text, accessibility tree, smart descriptor matching
4. Dynamic tier: fuzzy matching (and LLM sampling if enabled) with backoff,
   rebuilding the DOM index between attempts

INPUT: either a short sentence (step: "click Sign in near Email") or the
structured fields. Structured fields override the sentence.

Returns: {result: {handle: {ref, epoch, descriptor}, strategy, tier, confidence,
lowConfidence, payload, elapsed}}. lowConfidence means several elements scored
almost equally and the first one was chosen.`
}
func (t *ResolveTargetTool) InputSchema() map[string]interface{} {
	props := stepSchema()
	props["session_id"] = map[string]interface{}{
		"type":        "string",
		"description": "Session to resolve in",
	}
	props["step"] = map[string]interface{}{
		"type":        "string",
		"description": "Step sentence, e.g. fill \"Email\" with \"a@b.c\"",
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   []string{"session_id"},
	}
}
func (t *ResolveTargetTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, _, err := t.server.engineFor(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	req, err := requestFromArgs(args)
	if err != nil {
		return nil, err
	}
	if !req.Action.NeedsTarget() {
		return nil, fmt.Errorf("action %s has no element target", req.Action)
	}

	res, err := e.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"intent": req.Signature(),
		"result": res,
	}, nil
}

// RunPlanTool executes an ordered plan with speculative lookahead.
type RunPlanTool struct {
	server *Server
}

func (t *RunPlanTool) Name() string { return "run-plan" }
func (t *RunPlanTool) Description() string {
	return `Execute an ordered list of steps on a session.

While a step executes, the next steps (resolver.lookahead) are resolved in the
background. A prefetched target is used only if the page has not navigated or
mutated heavily since it was found; otherwise the step is resolved again.

Each resolved step teaches the pattern store, so repeated flows on the same
site get faster. A step that cannot be resolved, or whose action fails, ends
the run with state "failed".

STEPS: sentences ("navigate https://shop.example.com", "click Add to cart",
"fill Email with \"a@b.c\"", "wait 500ms", "press_key Enter") or structured
objects {action, target, near, value, hints}.

ASYNC: with async=true the call returns immediately with status "started";
use control-run to poll, pause, resume or stop.

Returns: {success, report: {runId, state, currentStep, totalSteps, steps: [...],
speculative: {launched, hits, invalidated, rejected}}, error?}`
}
func (t *RunPlanTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to run in",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "Ordered steps, as sentences or objects",
				"items": map[string]interface{}{
					"anyOf": []interface{}{
						map[string]interface{}{"type": "string"},
						map[string]interface{}{"type": "object", "properties": stepSchema()},
					},
				},
			},
			"async": map[string]interface{}{
				"type":        "boolean",
				"description": "Return immediately and run in the background (default: false)",
			},
		},
		"required": []string{"session_id", "steps"},
	}
}
func (t *RunPlanTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	e, _, err := t.server.engineFor(sessionID)
	if err != nil {
		return nil, err
	}
	plan, err := planFromArgs(args)
	if err != nil {
		return nil, err
	}

	if getBoolArg(args, "async", false) {
		if e.State().Active() {
			return nil, engine.ErrRunning
		}
		t.server.startRun(e, sessionID, plan)
		return map[string]interface{}{
			"success":    true,
			"status":     "started",
			"session_id": sessionID,
			"total":      len(plan),
		}, nil
	}

	report, err := e.Run(ctx, plan)
	if err != nil {
		if errors.Is(err, engine.ErrRunning) || errors.Is(err, engine.ErrNoExecutor) {
			return nil, err
		}
		return map[string]interface{}{
			"success": false,
			"report":  report,
			"error":   err.Error(),
		}, nil
	}
	return map[string]interface{}{
		"success": report.State == engine.StateSucceeded,
		"report":  report,
	}, nil
}

// ControlRunTool pauses, resumes, stops or reports the session's run.
type ControlRunTool struct {
	server *Server
}

func (t *ControlRunTool) Name() string { return "control-run" }
func (t *ControlRunTool) Description() string {
	return `Control or inspect the plan running on a session.

COMMANDS:
- status: current state and per-step report (default)
- pause:  stop before the next step; speculative work keeps its slots
- resume: continue a paused run
- stop:   end the run at the next step boundary (state "stopped")

Pause and stop take effect between steps, never inside one.

Returns: {state, report}`
}
func (t *ControlRunTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose run to control",
			},
			"command": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"status", "pause", "resume", "stop"},
				"description": "Control command (default: status)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ControlRunTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	e, _, err := t.server.engineFor(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	command := strings.ToLower(getStringArg(args, "command"))
	switch command {
	case "", "status":
	case "pause":
		e.Pause()
	case "resume":
		e.Resume()
	case "stop":
		e.Stop()
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
	return map[string]interface{}{
		"state":  e.State(),
		"report": e.Report(),
	}, nil
}

// InspectIndexTool shows the session's current DOM index.
type InspectIndexTool struct {
	server *Server
}

func (t *InspectIndexTool) Name() string { return "inspect-index" }
func (t *InspectIndexTool) Description() string {
	return `Show the DOM index the resolver searches, optionally filtered.

WHEN TO USE:
- Seeing what the resolver sees (text, labels, test ids, roles, boxes)
- Picking hints for a step that resolves ambiguously

FILTERS:
- query: phrase matched against element text (exact, then all words)
- key + value: exact lookup on one index key (text, word, label, role, testid,
  testid_word, placeholder, name, fingerprint, ref)
- interactive_only: drop non-interactive elements (default: true)

Returns: {stats: {epoch, elements, interactive, keys, grid_cells, build_time},
elements: [descriptor...], truncated}`
}
func (t *InspectIndexTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to inspect",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Phrase to match against element text",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Index key kind for an exact lookup",
			},
			"value": map[string]interface{}{
				"type":        "string",
				"description": "Value for the key lookup",
			},
			"interactive_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Only interactive elements (default: true)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum elements returned (default: 50)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *InspectIndexTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, ok := t.server.pages(getStringArg(args, "session_id"))
	if !ok {
		return nil, fmt.Errorf("session not found: %s", getStringArg(args, "session_id"))
	}
	ix, err := target.Live().Current(ctx)
	if err != nil {
		return nil, err
	}

	var found []*dom.Descriptor
	switch {
	case getStringArg(args, "key") != "":
		found = ix.Query(dom.KeyKind(getStringArg(args, "key")), getStringArg(args, "value"))
	case getStringArg(args, "query") != "":
		found = ix.Phrase(getStringArg(args, "query"))
	default:
		found = ix.Elements()
	}

	interactiveOnly := getBoolArg(args, "interactive_only", true)
	limit := getIntArg(args, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	out := make([]*dom.Descriptor, 0, min(limit, len(found)))
	truncated := false
	for _, d := range found {
		if interactiveOnly && !d.IsInteractive() {
			continue
		}
		if len(out) == limit {
			truncated = true
			break
		}
		out = append(out, d)
	}
	return map[string]interface{}{
		"stats":     ix.Stats(),
		"elements":  out,
		"truncated": truncated,
	}, nil
}

// InvalidateIndexTool forces an index rebuild or an epoch advance.
type InvalidateIndexTool struct {
	server *Server
}

func (t *InvalidateIndexTool) Name() string { return "invalidate-index" }
func (t *InvalidateIndexTool) Description() string {
	return `Discard the session's DOM index.

MODES:
- default: rebuild the index at the same epoch; handles already handed out
  stay valid
- advance=true: move to a new epoch as a navigation would; every handle and
  every speculative result from the old epoch becomes unusable

WHEN TO USE:
- The page changed in a way the mutation watcher did not pick up
  (canvas apps, iframes, long animations)

Returns: {epoch, advanced, stats}`
}
func (t *InvalidateIndexTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose index to discard",
			},
			"advance": map[string]interface{}{
				"type":        "boolean",
				"description": "Advance the DOM epoch (default: false)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *InvalidateIndexTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	e, target, err := t.server.engineFor(sessionID)
	if err != nil {
		return nil, err
	}
	live := target.Live()
	advanced := getBoolArg(args, "advance", false)
	if advanced {
		site := ""
		if ix := live.Peek(); ix != nil {
			site = patterns.SiteKey(ix.URL())
		}
		epoch := live.Advance("manual")
		e.InvalidateSpeculation()
		if t.server.facts != nil {
			if err := t.server.facts.AddFacts(ctx, []mangle.Fact{mangle.EpochAdvance(site, epoch, "manual")}); err != nil {
				t.server.logger.Debug("epoch fact rejected", zap.Error(err))
			}
		}
	} else {
		live.Invalidate()
	}

	ix, err := live.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"epoch":    live.Epoch(),
		"advanced": advanced,
		"stats":    ix.Stats(),
	}, nil
}

// SiteProfileTool reports the detected framework and strategy order.
type SiteProfileTool struct {
	server *Server
}

func (t *SiteProfileTool) Name() string { return "site-profile" }
func (t *SiteProfileTool) Description() string {
	return `Show how the resolver classified a site and in which order it tries strategies.

WITHOUT session_id: every cached profile.
WITH session_id: the profile of the session's current site, probing the page
if the site has not been seen yet. refresh=true discards the cached profile
and probes again.

The order adapts: strategies that keep succeeding on a site move forward,
strategies that keep failing move back (learned counts these moves).

Returns: {profile: {origin, framework, priority, needsHydration, detectedAt, learned}}
or {profiles: [...]}`
}
func (t *SiteProfileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose site to profile",
			},
			"refresh": map[string]interface{}{
				"type":        "boolean",
				"description": "Discard the cached profile and probe again (default: false)",
			},
		},
	}
}
func (t *SiteProfileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"profiles": t.server.profiler.Profiles()}, nil
	}
	target, ok := t.server.pages(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	ix, err := target.Live().Current(ctx)
	if err != nil {
		return nil, err
	}
	origin := patterns.SiteKey(ix.URL())
	if getBoolArg(args, "refresh", false) {
		t.server.profiler.Invalidate(origin)
	}
	profile, err := t.server.profiler.Profile(ctx, origin, target)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"profile": profile}, nil
}

// PatternStatsTool lists learned patterns.
type PatternStatsTool struct {
	store *patterns.Store
}

func (t *PatternStatsTool) Name() string { return "pattern-stats" }
func (t *PatternStatsTool) Description() string {
	return `List learned locator patterns and their success/failure counts.

A pattern maps (site, intent) to the strategy and locator that last found the
element. It is tried before the cascade on the next visit. A pattern with at
least 3 failures and more failures than successes is demoted and skipped until
it succeeds again.

FILTERS: site (origin such as https://shop.example.com), demoted_only.

Returns: {stats: {entries, demoted, successes, failures}, patterns: [...]}`
}
func (t *PatternStatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"site": map[string]interface{}{
				"type":        "string",
				"description": "Only patterns for this site (URL or origin)",
			},
			"demoted_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Only demoted patterns (default: false)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum patterns returned (default: 100)",
			},
		},
	}
}
func (t *PatternStatsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	site := getStringArg(args, "site")
	if site != "" {
		site = patterns.SiteKey(site)
	}
	demotedOnly := getBoolArg(args, "demoted_only", false)
	limit := getIntArg(args, "limit", 100)

	entries := make([]patterns.Entry, 0)
	for _, e := range t.store.Entries() {
		if site != "" && e.Site != site {
			continue
		}
		if demotedOnly && !e.Demoted() {
			continue
		}
		if limit > 0 && len(entries) == limit {
			break
		}
		entries = append(entries, e)
	}
	return map[string]interface{}{
		"stats":    t.store.Stats(),
		"patterns": entries,
	}, nil
}

// QueryOutcomesTool queries the recorded resolution outcomes.
type QueryOutcomesTool struct {
	facts *mangle.Engine
}

func (t *QueryOutcomesTool) Name() string { return "query-outcomes" }
func (t *QueryOutcomesTool) Description() string {
	return `Query recorded resolution outcomes with Mangle (Datalog).

Every step records facts:
- resolution(Run, Step, Site, Intent, Strategy, Tier, ConfidencePct)
- resolution_failure(Run, Step, Site, Intent, Reason)   reason: not_found|stale|timeout
- action_outcome(Run, Step, Site, Intent, "success"|"failure")
- speculative_hit(Run, Step)
- epoch_advance(Site, Epoch, Reason)

Derived predicates:
- failing_intent(Site, Intent): intents that failed to resolve or to act
- low_confidence(Site, Intent, Strategy): matches below 70% confidence
- slow_intent(Site, Intent): intents that needed the dynamic tier
- unstable_site(Site): sites with stale resolutions or mutation bursts

EXAMPLES:
- query: "failing_intent(S, I)"
- query: "resolution(R, N, S, I, \"fuzzy\", T, C)"
- predicate: "epoch_advance" (raw facts, newest last)

Returns: {results: [...]} for query, {facts: [...]} for predicate.`
}
func (t *QueryOutcomesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom, e.g. failing_intent(S, I)",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Return raw facts for this predicate instead",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts returned with predicate (default: 100)",
			},
		},
	}
}
func (t *QueryOutcomesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil {
		return nil, fmt.Errorf("outcome facts are disabled (mangle.enable=false)")
	}
	if q := getStringArg(args, "query"); q != "" {
		results, err := t.facts.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("query or predicate is required")
	}
	facts := t.facts.FactsByPredicate(predicate)
	if limit := getIntArg(args, "limit", 100); limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{"facts": facts, "count": len(facts)}, nil
}
