package profiler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"browsernerd-resolver/internal/intent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProber struct {
	signals Signals
	err     error
	calls   atomic.Int32
}

func (f *fakeProber) Probe(ctx context.Context, spec ProbeSpec) (Signals, error) {
	f.calls.Add(1)
	return f.signals, f.err
}

func signals(globals []string, selectors map[string]int) Signals {
	s := Signals{Globals: map[string]bool{}, Selectors: map[string]int{}}
	for _, g := range globals {
		s.Globals[g] = true
	}
	for k, v := range selectors {
		s.Selectors[k] = v
	}
	return s
}

func TestDetectFixedOrder(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want string
	}{
		{"next.js", signals([]string{"__NEXT_DATA__"}, nil), "react"},
		{"react root", signals(nil, map[string]int{"[data-reactroot]": 1}), "react"},
		{"angular", signals([]string{"getAllAngularRootElements"}, nil), "angular"},
		{"angular element", signals(nil, map[string]int{"app-root": 1}), "angular"},
		{"nuxt", signals(nil, map[string]int{"#__nuxt": 1}), "vue"},
		{"vue global", signals([]string{"__VUE__"}, nil), "vue"},
		{"react wins over vue", signals([]string{"__VUE__", "__REACT_DEVTOOLS_GLOBAL_HOOK__"}, nil), "react"},
		{"plain markup", signals(nil, map[string]int{"[role]": 4}), "generic"},
		{"nothing", Signals{}, "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.sig).Name())
		})
	}
}

func TestPriorities(t *testing.T) {
	withTestIDs := signals([]string{"__NEXT_DATA__"}, map[string]int{probeTestID: 12})
	p := React.Priority(withTestIDs)
	assert.Equal(t, intent.StrategyPattern, p[0])
	assert.Equal(t, intent.StrategyTestID, p[1], "component frameworks favor test ids")

	plain := Generic.Priority(signals(nil, map[string]int{probeRole: 5}))
	assert.Equal(t, intent.StrategyLabel, plain[1], "plain markup favors labels")
	assert.Equal(t, intent.StrategyRole, plain[2])

	genericWithIDs := Generic.Priority(signals(nil, map[string]int{probeCypress: 3}))
	assert.Equal(t, intent.StrategyTestID, genericWithIDs[1])

	noIDs := Vue.Priority(signals([]string{"__VUE__"}, map[string]int{}))
	assert.Equal(t, intent.StrategyLabel, noIDs[1])

	for _, order := range [][]intent.Strategy{p, plain, genericWithIDs, noIDs} {
		assert.ElementsMatch(t, intent.AllStrategies, order)
	}
}

func TestCombinedSpecCoversEveryMarker(t *testing.T) {
	spec := CombinedSpec()
	for _, f := range Frameworks {
		for _, g := range f.Markers().Globals {
			assert.Contains(t, spec.Globals, g)
		}
		for _, s := range f.Markers().Selectors {
			assert.Contains(t, spec.Selectors, s)
		}
	}
	assert.Contains(t, spec.Selectors, probeTestID)
}

func TestProfileCachedPerOrigin(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	prober := &fakeProber{signals: signals([]string{"ng"}, map[string]int{probeTestID: 2})}
	ctx := context.Background()

	first, err := p.Profile(ctx, "https://app.example.com", prober)
	require.NoError(t, err)
	assert.Equal(t, "angular", first.Framework)
	assert.True(t, first.NeedsHydration)

	second, err := p.Profile(ctx, "https://app.example.com", prober)
	require.NoError(t, err)
	assert.Equal(t, first.Priority, second.Priority)
	assert.Equal(t, int32(1), prober.calls.Load())

	p.Invalidate("https://app.example.com")
	_, err = p.Profile(ctx, "https://app.example.com", prober)
	require.NoError(t, err)
	assert.Equal(t, int32(2), prober.calls.Load())
}

func TestProfileConcurrentCallersShareProbe(t *testing.T) {
	p := New(nil)
	prober := &fakeProber{signals: signals([]string{"__VUE__"}, nil)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sp, err := p.Profile(context.Background(), "https://vue.example.com", prober)
			if err != nil || sp.Framework != "vue" {
				t.Errorf("unexpected profile %+v err=%v", sp, err)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, prober.calls.Load(), int32(8))
	assert.Len(t, p.Profiles(), 1)
}

func TestProfileProbeFailureIsNeutralAndUncached(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	prober := &fakeProber{err: errors.New("execution context destroyed")}

	sp, err := p.Profile(context.Background(), "https://flaky.example.com", prober)
	require.NoError(t, err)
	assert.Equal(t, Neutral("https://flaky.example.com").Priority, sp.Priority)

	_, ok := p.Cached("https://flaky.example.com")
	assert.False(t, ok)
}

func TestProfileNilProber(t *testing.T) {
	sp, err := New(nil).Profile(context.Background(), "https://x.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", sp.Framework)
}

func TestLearnMovesStrategy(t *testing.T) {
	p := New(nil)
	ctx := context.Background()
	origin := "https://shop.example.com"
	_, err := p.Profile(ctx, origin, &fakeProber{signals: signals(nil, map[string]int{probeRole: 4})})
	require.NoError(t, err)

	before, _ := p.Cached(origin)
	idx := indexOf(before.Priority, intent.StrategyText)
	require.Greater(t, idx, 1)

	p.Learn(origin, intent.StrategyText, true)
	after, _ := p.Cached(origin)
	assert.Equal(t, idx-1, indexOf(after.Priority, intent.StrategyText))
	assert.Equal(t, 1, after.Learned)

	p.Learn(origin, intent.StrategyText, false)
	back, _ := p.Cached(origin)
	assert.Equal(t, idx, indexOf(back.Priority, intent.StrategyText))

	// Returned profiles are copies.
	before.Priority[0] = intent.StrategyLLM
	again, _ := p.Cached(origin)
	assert.Equal(t, intent.StrategyPattern, again.Priority[0])

	p.Learn("https://unknown.example.com", intent.StrategyText, true)
	_, ok := p.Cached("https://unknown.example.com")
	assert.False(t, ok)
}

func indexOf(list []intent.Strategy, s intent.Strategy) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
