// Package profiler classifies a site's rendering framework once per origin
// and derives the order in which resolution strategies are tried there.
package profiler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"browsernerd-resolver/internal/intent"
)

// Prober evaluates marker probes against the live page.
type Prober interface {
	Probe(ctx context.Context, spec ProbeSpec) (Signals, error)
}

// SiteProfile is the cached classification of one origin.
type SiteProfile struct {
	Origin         string            `json:"origin"`
	Framework      string            `json:"framework"`
	Priority       []intent.Strategy `json:"priority"`
	NeedsHydration bool              `json:"needsHydration"`
	DetectedAt     time.Time         `json:"detectedAt"`
	// Learned counts strategies reordered by outcomes since detection.
	Learned int `json:"learned"`
}

func (p SiteProfile) clone() SiteProfile {
	p.Priority = append([]intent.Strategy(nil), p.Priority...)
	return p
}

// Neutral is the ordering used when nothing is known about a site.
func Neutral(origin string) SiteProfile {
	return SiteProfile{
		Origin:    origin,
		Framework: Generic.Name(),
		Priority:  Generic.Priority(Signals{}),
	}
}

// Profiler caches one SiteProfile per origin.
type Profiler struct {
	mu       sync.RWMutex
	profiles map[string]*SiteProfile
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

func New(logger *zap.Logger) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{
		profiles: make(map[string]*SiteProfile),
		logger:   logger,
		now:      time.Now,
	}
}

// Cached returns the profile for origin without probing.
func (p *Profiler) Cached(origin string) (SiteProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sp, ok := p.profiles[origin]
	if !ok {
		return SiteProfile{}, false
	}
	return sp.clone(), true
}

// Profile returns the cached profile for origin, probing the page on the
// first visit. Concurrent callers for the same origin share one probe.
// A failed probe yields the neutral ordering and is not cached.
func (p *Profiler) Profile(ctx context.Context, origin string, prober Prober) (SiteProfile, error) {
	if sp, ok := p.Cached(origin); ok {
		return sp, nil
	}
	if prober == nil {
		return Neutral(origin), nil
	}

	v, err, _ := p.group.Do(origin, func() (any, error) {
		if sp, ok := p.Cached(origin); ok {
			return sp, nil
		}
		signals, err := prober.Probe(ctx, CombinedSpec())
		if err != nil {
			return nil, err
		}
		fw := Detect(signals)
		sp := SiteProfile{
			Origin:         origin,
			Framework:      fw.Name(),
			Priority:       fw.Priority(signals),
			NeedsHydration: NeedsHydration(fw),
			DetectedAt:     p.now(),
		}
		p.mu.Lock()
		p.profiles[origin] = &sp
		p.mu.Unlock()

		p.logger.Info("site profiled",
			zap.String("origin", origin),
			zap.String("framework", sp.Framework),
			zap.Any("priority", sp.Priority))
		return sp.clone(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return SiteProfile{}, ctx.Err()
		}
		p.logger.Warn("site probe failed, using neutral ordering",
			zap.String("origin", origin), zap.Error(err))
		return Neutral(origin), nil
	}
	return v.(SiteProfile).clone(), nil
}

// Invalidate drops the cached profile; the next Profile call re-probes.
func (p *Profiler) Invalidate(origin string) {
	p.mu.Lock()
	delete(p.profiles, origin)
	p.mu.Unlock()
}

// Learn nudges strategy one position towards the front after a success and
// one position towards the back after a failure. Origins without a profile
// are ignored.
func (p *Profiler) Learn(origin string, strategy intent.Strategy, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.profiles[origin]
	if !ok {
		return
	}
	idx := -1
	for i, s := range sp.Priority {
		if s == strategy {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	target := idx + 1
	if success {
		target = idx - 1
	}
	if target < 0 || target >= len(sp.Priority) {
		return
	}
	next := moveTo(sp.Priority, strategy, target)
	sp.Priority = next
	sp.Learned++
}

// Profiles returns every cached profile ordered by origin.
func (p *Profiler) Profiles() []SiteProfile {
	p.mu.RLock()
	out := make([]SiteProfile, 0, len(p.profiles))
	for _, sp := range p.profiles {
		out = append(out, sp.clone())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}
