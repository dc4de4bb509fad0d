// Package patterns is the long-lived memory of the resolver: for each
// (site, intent signature) it remembers the strategy and locator that last
// resolved the target, with trust statistics.
package patterns

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/intent"
)

// DemotionFloor is the minimum failure count before an entry can be demoted.
const DemotionFloor = 3

// Outcome is the result of one resolution attempt that used a pattern.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Entry is one learned (site, intent) association.
type Entry struct {
	Site      string          `json:"site"`
	Intent    string          `json:"intent"`
	Strategy  intent.Strategy `json:"strategy"`
	Payload   string          `json:"payload"`
	Successes int             `json:"successes"`
	Failures  int             `json:"failures"`
	LastUsed  time.Time       `json:"lastUsed"`
}

// Demoted reports whether the entry has lost trust and must not be tried
// ahead of the cascade.
func (e Entry) Demoted() bool {
	return e.Failures > e.Successes && e.Failures >= DemotionFloor
}

// Hint converts the entry into a cascade hint.
func (e Entry) Hint() *intent.PatternHint {
	return &intent.PatternHint{Strategy: e.Strategy, Payload: e.Payload}
}

// SiteKey reduces a page URL to the origin used as the site identifier.
func SiteKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

type key struct {
	site   string
	intent string
}

// slot serializes writers for one key; readers load cur without locking.
type slot struct {
	mu  sync.Mutex
	cur atomic.Pointer[Entry]
}

// Stats summarizes the store.
type Stats struct {
	Entries   int `json:"entries"`
	Demoted   int `json:"demoted"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Store holds pattern entries in memory and writes every update through to
// its backend.
type Store struct {
	entries sync.Map // key -> *slot
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New loads every persisted entry from backend.
func New(ctx context.Context, backend Backend, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{backend: backend, logger: logger, now: time.Now}

	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	for i := range loaded {
		e := loaded[i]
		sl := &slot{}
		sl.cur.Store(&e)
		s.entries.Store(key{e.Site, e.Intent}, sl)
	}
	logger.Debug("pattern store loaded", zap.Int("entries", len(loaded)))
	return s, nil
}

// Open builds a store on the backend named in cfg.
func Open(ctx context.Context, cfg config.PatternsConfig, logger *zap.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "", "memory":
		backend = NewMemoryBackend()
	case "json":
		backend, err = NewFileBackend(cfg.Path)
	case "sqlite":
		backend, err = NewSQLiteBackend(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown pattern backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

// Lookup returns the entry for (site, intent). It never waits for writers.
func (s *Store) Lookup(site, intentSig string) (Entry, bool) {
	v, ok := s.entries.Load(key{site, intentSig})
	if !ok {
		return Entry{}, false
	}
	e := v.(*slot).cur.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Record applies one outcome to (site, intent).
//
// The first success creates the entry; failures for an unknown key are
// dropped. A success replaces the stored strategy and payload when they
// differ and restores trust in a demoted entry.
func (s *Store) Record(ctx context.Context, site, intentSig string, strategy intent.Strategy, payload string, outcome Outcome) error {
	k := key{site, intentSig}
	v, ok := s.entries.Load(k)
	if !ok {
		if outcome != Success {
			return nil
		}
		v, _ = s.entries.LoadOrStore(k, &slot{})
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	cur := sl.cur.Load()
	if cur == nil && outcome != Success {
		return nil
	}
	next := Entry{Site: site, Intent: intentSig, Strategy: strategy, Payload: payload}
	if cur != nil {
		next = *cur
	}

	switch outcome {
	case Success:
		if next.Demoted() {
			next.Failures = 0
		}
		next.Successes++
		if next.Strategy != strategy || next.Payload != payload {
			s.logger.Debug("pattern updated",
				zap.String("site", site),
				zap.String("intent", intentSig),
				zap.String("from", string(next.Strategy)),
				zap.String("to", string(strategy)))
			next.Strategy = strategy
			next.Payload = payload
		}
	default:
		next.Failures++
		if next.Demoted() {
			s.logger.Info("pattern demoted",
				zap.String("site", site),
				zap.String("intent", intentSig),
				zap.Int("failures", next.Failures),
				zap.Int("successes", next.Successes))
		}
	}
	next.LastUsed = s.now()
	sl.cur.Store(&next)

	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("persist pattern %s %s: %w", site, intentSig, err)
	}
	return nil
}

// Entries returns a snapshot of all entries ordered by site then intent.
func (s *Store) Entries() []Entry {
	var out []Entry
	s.entries.Range(func(_, v any) bool {
		if e := v.(*slot).cur.Load(); e != nil {
			out = append(out, *e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}
		return out[i].Intent < out[j].Intent
	})
	return out
}

// Stats returns totals over all entries.
func (s *Store) Stats() Stats {
	var st Stats
	for _, e := range s.Entries() {
		st.Entries++
		st.Successes += e.Successes
		st.Failures += e.Failures
		if e.Demoted() {
			st.Demoted++
		}
	}
	return st
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
