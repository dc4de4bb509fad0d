// Package mangle keeps resolution outcomes as Mangle facts and derives
// site-level conclusions from them (failing intents, low-confidence
// strategies, unstable sites).
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/config"
)

// ErrNotReady is returned by queries when the engine is disabled.
var ErrNotReady = errors.New("fact engine not ready")

// Fact is one outcome emitted by the resolver.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// lowValuePredicates can be sampled when the buffer is under pressure.
// Failures and outcomes are never sampled.
var lowValuePredicates = map[string]bool{
	"epoch_advance":   true,
	"speculative_hit": true,
}

// Engine wraps the Mangle store with a bounded temporal buffer.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	units       []parse.SourceUnit
	store       factstore.FactStore

	facts []Fact
	index map[string][]int

	samplingRate float64
}

// NewEngine creates an engine with the built-in schema, plus the schema at
// cfg.SchemaPath when set.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		store:        factstore.NewSimpleInMemoryStore(),
		facts:        make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:        make(map[string][]int),
		samplingRate: 1.0,
	}
	if !cfg.Enable {
		return e, nil
	}
	if err := e.AddRule(Schema); err != nil {
		return nil, fmt.Errorf("load built-in schema: %w", err)
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema parses a schema file and adds it to the program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.AddRule(string(data))
}

// AddRule parses declarations and rules and re-analyzes the whole program.
func (e *Engine) AddRule(source string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	units := append(append([]parse.SourceUnit(nil), e.units...), unit)
	var merged parse.SourceUnit
	for _, u := range units {
		merged.Clauses = append(merged.Clauses, u.Clauses...)
		merged.Decls = append(merged.Decls, u.Decls...)
	}
	programInfo, err := analysis.AnalyzeOneUnit(merged, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}
	e.units = units
	e.programInfo = programInfo

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program: %w", err)
	}
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-derives.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()
	accepted := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		if e.shouldAccept(f) {
			accepted = append(accepted, f)
		}
	}

	base := len(e.facts)
	e.facts = append(e.facts, accepted...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
	} else {
		for i, f := range accepted {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range accepted {
		e.store.Add(toAtom(f))
	}
	if e.programInfo == nil {
		return nil
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		e.logger.Warn("fact evaluation failed", zap.Error(err))
		return fmt.Errorf("eval program after fact insertion: %w", err)
	}
	return nil
}

// updateSamplingRate lowers acceptance of low-value facts as the buffer fills.
func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAccept(f Fact) bool {
	if !lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current acceptance rate for low-value facts.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Evaluate returns every fact, stored or derived, for predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.declared(predicate)
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}
	var out []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		out = append(out, fromAtom(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// Query answers a single atom such as `failing_intent(Site, "click:login")`,
// binding its variables. Constants in the atom filter the results.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	clean := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(query), "?"), ".")
	atom, err := parse.Atom(strings.TrimSpace(clean))
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", query, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.declared(atom.Predicate.Symbol)
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", atom.Predicate.Symbol)
	}
	if sym.Arity != len(atom.Args) {
		return nil, fmt.Errorf("predicate %s takes %d arguments, got %d", sym.Symbol, sym.Arity, len(atom.Args))
	}

	var results []QueryResult
	err = e.store.GetFacts(ast.NewQuery(sym), func(fact ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := make(QueryResult)
		for i, arg := range atom.Args {
			switch a := arg.(type) {
			case ast.Variable:
				if a.Symbol != "_" {
					row[a.Symbol] = convertConstant(fact.Args[i])
				}
			case ast.Constant:
				if !a.Equals(fact.Args[i]) {
					return nil
				}
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

func (e *Engine) declared(predicate string) (ast.PredicateSym, bool) {
	if e.programInfo == nil {
		return ast.PredicateSym{}, false
	}
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			return sym, true
		}
	}
	return ast.PredicateSym{}, false
}

// QueryTemporal returns buffered facts of predicate within (after, before).
// A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns the buffered facts of predicate.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	return e.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func fromAtom(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case uint64:
		return ast.Number(int64(val))
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.StringType, ast.NameType, ast.BytesType:
			return t.Symbol
		case ast.NumberType:
			return t.NumValue
		case ast.Float64Type:
			return math.Float64frombits(uint64(t.NumValue))
		}
		return t.String()
	case ast.Variable:
		return t.Symbol
	case nil:
		return nil
	}
	return fmt.Sprintf("%v", term)
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
