package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"browsernerd-resolver/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	e, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestEngineDerivesFailingIntent(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		Resolution("run1", 1, "https://shop.example", "click:login", "testid", "sequential", 0.98),
		ResolutionFailure("run1", 2, "https://shop.example", "click:checkout", ReasonNotFound),
		ActionOutcome("run1", 1, "https://shop.example", "click:login", true),
		ActionOutcome("run1", 3, "https://shop.example", "fill:email", false),
	}
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	got, err := e.Evaluate(ctx, "failing_intent")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	intents := map[string]bool{}
	for _, f := range got {
		intents[f.Args[1].(string)] = true
	}
	if len(intents) != 2 || !intents["click:checkout"] || !intents["fill:email"] {
		t.Fatalf("unexpected failing intents: %v", intents)
	}
}

func TestEngineQueryBindsAndFilters(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()
	_ = e.AddFacts(ctx, []Fact{
		Resolution("run1", 1, "https://a.example", "click:save", "fuzzy", "dynamic", 0.65),
		Resolution("run1", 2, "https://a.example", "click:login", "testid", "sequential", 0.98),
		Resolution("run2", 1, "https://b.example", "click:menu", "llm", "dynamic", 0.4),
	})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all low confidence", "low_confidence(Site, Intent, Strategy)", 2},
		{"filtered by site", `low_confidence("https://a.example", Intent, Strategy)`, 1},
		{"slow intents", "slow_intent(S, I).", 2},
		{"no match", `low_confidence("https://c.example", I, S)`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := e.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(rows) != tt.want {
				t.Fatalf("expected %d rows, got %d: %v", tt.want, len(rows), rows)
			}
		})
	}

	rows, _ := e.Query(ctx, `low_confidence("https://a.example", Intent, Strategy)`)
	if rows[0]["Intent"] != "click:save" || rows[0]["Strategy"] != "fuzzy" {
		t.Fatalf("unexpected bindings: %v", rows[0])
	}
}

func TestEngineQueryErrors(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()

	if _, err := e.Query(ctx, "undeclared(X)"); err == nil {
		t.Error("expected error for undeclared predicate")
	}
	if _, err := e.Query(ctx, "failing_intent(X)"); err == nil {
		t.Error("expected arity error")
	}
	if _, err := e.Query(ctx, "not a query ("); err == nil {
		t.Error("expected parse error")
	}
}

func TestEngineUnstableSite(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()
	_ = e.AddFacts(ctx, []Fact{
		EpochAdvance("https://spa.example", 3, "mutation"),
		EpochAdvance("https://static.example", 1, "navigation"),
		ResolutionFailure("run1", 4, "https://flaky.example", "click:buy", ReasonStale),
	})

	rows, err := e.Query(ctx, "unstable_site(S)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	sites := map[interface{}]bool{}
	for _, r := range rows {
		sites[r["S"]] = true
	}
	if len(sites) != 2 || !sites["https://spa.example"] || !sites["https://flaky.example"] {
		t.Fatalf("unexpected unstable sites: %v", sites)
	}
}

func TestEngineBufferLimit(t *testing.T) {
	e := newTestEngine(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = e.AddFacts(ctx, []Fact{ActionOutcome("run", i, "s", "click:x", true)})
	}
	facts := e.Facts()
	if len(facts) != 3 {
		t.Fatalf("expected buffer trimmed to 3, got %d", len(facts))
	}
	if got := facts[0].Args[1]; got != 2 {
		t.Fatalf("expected oldest retained step 2, got %v", got)
	}
	if n := len(e.FactsByPredicate("action_outcome")); n != 3 {
		t.Fatalf("index not rebuilt after trim: %d", n)
	}
}

func TestEngineQueryTemporal(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()
	now := time.Now()

	old := SpeculativeHit("run", 1)
	old.Timestamp = now.Add(-time.Hour)
	recent := SpeculativeHit("run", 2)
	recent.Timestamp = now
	_ = e.AddFacts(ctx, []Fact{old, recent})

	if got := e.QueryTemporal("speculative_hit", now.Add(-time.Minute), time.Time{}); len(got) != 1 {
		t.Fatalf("expected 1 recent hit, got %d", len(got))
	}
	if got := e.QueryTemporal("speculative_hit", time.Time{}, time.Time{}); len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
}

func TestEngineSamplingUnderPressure(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		_ = e.AddFacts(ctx, []Fact{ActionOutcome("run", i, "s", "click:x", true)})
	}
	_ = e.AddFacts(ctx, []Fact{EpochAdvance("s", 1, "mutation")})
	if rate := e.SamplingRate(); rate >= 1.0 {
		t.Fatalf("expected reduced sampling rate, got %v", rate)
	}
}

func TestEngineDisabled(t *testing.T) {
	e, err := NewEngine(config.MangleConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.AddFacts(context.Background(), []Fact{SpeculativeHit("r", 1)}); err != nil {
		t.Errorf("AddFacts should be a no-op when disabled: %v", err)
	}
	if len(e.Facts()) != 0 {
		t.Error("disabled engine must not buffer facts")
	}
	if !e.Ready() {
		t.Error("disabled engine reports ready")
	}
	if _, err := e.Query(context.Background(), "failing_intent(S, I)"); err != ErrNotReady {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestEngineExtraSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.mg")
	rule := `
Decl pattern_winner(Site, Intent).
pattern_winner(Site, Intent) :- resolution(_, _, Site, Intent, "pattern", _, _).
`
	if err := os.WriteFile(path, []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path, FactBufferLimit: 10}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	_ = e.AddFacts(context.Background(), []Fact{
		Resolution("r", 1, "s", "click:login", "pattern", "sequential", 0.9),
	})
	rows, err := e.Query(context.Background(), "pattern_winner(S, I)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	if _, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: filepath.Join(t.TempDir(), "missing.mg")}, nil); err == nil {
		t.Error("expected error for missing schema file")
	}
}

func TestAddRuleRejectsInvalidSource(t *testing.T) {
	e := newTestEngine(t, 10)
	if err := e.AddRule("broken :- ("); err == nil {
		t.Error("expected parse error")
	}
	// The program is unchanged after a failed rule.
	if _, err := e.Query(context.Background(), "failing_intent(S, I)"); err != nil {
		t.Errorf("query after failed AddRule: %v", err)
	}
}
