package profiler

import (
	"browsernerd-resolver/internal/intent"
)

// ProbeSpec lists the markers a Prober is asked to check on the page.
type ProbeSpec struct {
	// Globals are window properties; present when defined and truthy.
	Globals []string `json:"globals"`
	// Selectors are CSS selectors; the prober reports how many nodes match.
	Selectors []string `json:"selectors"`
}

// Signals is what a Prober found for a ProbeSpec.
type Signals struct {
	Globals   map[string]bool `json:"globals"`
	Selectors map[string]int  `json:"selectors"`
}

func (s Signals) HasGlobal(name string) bool { return s.Globals[name] }

func (s Signals) Has(selector string) bool { return s.Selectors[selector] > 0 }

func (s Signals) Count(selector string) int { return s.Selectors[selector] }

func (s Signals) any(spec ProbeSpec) bool {
	for _, g := range spec.Globals {
		if s.HasGlobal(g) {
			return true
		}
	}
	for _, sel := range spec.Selectors {
		if s.Has(sel) {
			return true
		}
	}
	return false
}

// FrameworkStrategy recognizes one rendering framework and orders
// resolution strategies for pages built with it.
type FrameworkStrategy interface {
	Name() string
	Markers() ProbeSpec
	Detect(Signals) bool
	Priority(Signals) []intent.Strategy
}

// Attribute probes used to tune priorities regardless of framework.
const (
	probeTestID  = "[data-testid]"
	probeCypress = "[data-cy]"
	probeAria    = "[aria-label]"
	probeRole    = "[role]"
)

var availabilityProbes = []string{probeTestID, probeCypress, probeAria, probeRole}

// componentPriority favors test ids, which component libraries emit
// consistently while their generated markup churns.
var componentPriority = []intent.Strategy{
	intent.StrategyPattern,
	intent.StrategyTestID,
	intent.StrategyRole,
	intent.StrategyLabel,
	intent.StrategyText,
	intent.StrategyAccessibility,
	intent.StrategySmart,
	intent.StrategyFuzzy,
	intent.StrategyLLM,
}

// markupPriority favors labels and roles on hand-written pages.
var markupPriority = []intent.Strategy{
	intent.StrategyPattern,
	intent.StrategyLabel,
	intent.StrategyRole,
	intent.StrategyTestID,
	intent.StrategyText,
	intent.StrategyAccessibility,
	intent.StrategySmart,
	intent.StrategyFuzzy,
	intent.StrategyLLM,
}

type componentFramework struct {
	name      string
	markers   ProbeSpec
	hydration bool
}

func (c componentFramework) Name() string          { return c.name }
func (c componentFramework) Markers() ProbeSpec    { return c.markers }
func (c componentFramework) Detect(s Signals) bool { return s.any(c.markers) }

func (c componentFramework) Priority(s Signals) []intent.Strategy {
	out := append([]intent.Strategy(nil), componentPriority...)
	if s.Selectors != nil && !s.Has(probeTestID) && !s.Has(probeCypress) {
		// No test ids on the page: fall back to the markup ordering.
		out = append(out[:0], markupPriority...)
	}
	return out
}

// React detects React and Next.js pages.
var React FrameworkStrategy = componentFramework{
	name: "react",
	markers: ProbeSpec{
		Globals:   []string{"__REACT_DEVTOOLS_GLOBAL_HOOK__", "__NEXT_DATA__"},
		Selectors: []string{"[data-reactroot]", "#__next", "#root[data-reactroot]"},
	},
	hydration: true,
}

// Angular detects Angular applications.
var Angular FrameworkStrategy = componentFramework{
	name: "angular",
	markers: ProbeSpec{
		Globals:   []string{"ng", "getAllAngularRootElements"},
		Selectors: []string{"[ng-version]", "app-root"},
	},
	hydration: true,
}

// Vue detects Vue and Nuxt pages.
var Vue FrameworkStrategy = componentFramework{
	name: "vue",
	markers: ProbeSpec{
		Globals:   []string{"__VUE__", "__NUXT__"},
		Selectors: []string{"[data-v-app]", "#__nuxt", "#app[data-v-app]"},
	},
}

type generic struct{}

// Generic matches every page and is always probed last.
var Generic FrameworkStrategy = generic{}

func (generic) Name() string        { return "generic" }
func (generic) Markers() ProbeSpec  { return ProbeSpec{} }
func (generic) Detect(Signals) bool { return true }

func (generic) Priority(s Signals) []intent.Strategy {
	out := append([]intent.Strategy(nil), markupPriority...)
	if s.Count(probeTestID)+s.Count(probeCypress) > 0 {
		out = moveTo(out, intent.StrategyTestID, 1)
	}
	return out
}

// Frameworks is the fixed detection order.
var Frameworks = []FrameworkStrategy{React, Angular, Vue, Generic}

// NeedsHydration reports whether pages of framework f render after load.
func NeedsHydration(f FrameworkStrategy) bool {
	c, ok := f.(componentFramework)
	return ok && c.hydration
}

// Detect returns the first framework in fixed order whose markers are present.
func Detect(s Signals) FrameworkStrategy {
	for _, f := range Frameworks {
		if f.Detect(s) {
			return f
		}
	}
	return Generic
}

// CombinedSpec merges the markers of every framework plus the attribute
// availability probes into one spec so a page is probed once.
func CombinedSpec() ProbeSpec {
	var spec ProbeSpec
	seen := make(map[string]bool)
	add := func(dst *[]string, vals []string) {
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				*dst = append(*dst, v)
			}
		}
	}
	for _, f := range Frameworks {
		m := f.Markers()
		add(&spec.Globals, m.Globals)
		add(&spec.Selectors, m.Selectors)
	}
	add(&spec.Selectors, availabilityProbes)
	return spec
}

func moveTo(list []intent.Strategy, s intent.Strategy, pos int) []intent.Strategy {
	idx := -1
	for i, v := range list {
		if v == s {
			idx = i
			break
		}
	}
	if idx < 0 || idx == pos {
		return list
	}
	if pos < 0 {
		pos = 0
	}
	if pos >= len(list) {
		pos = len(list) - 1
	}
	out := make([]intent.Strategy, 0, len(list))
	for i, v := range list {
		if i != idx {
			out = append(out, v)
		}
	}
	out = append(out[:pos], append([]intent.Strategy{s}, out[pos:]...)...)
	return out
}
