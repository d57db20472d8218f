package failover

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/core"
	"relay-netctl/internal/latency"
)

type fakeFeed struct {
	mu    sync.Mutex
	tick  latency.Tick
	stats latency.Stats
}

func (f *fakeFeed) push(meanMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick = latency.Tick{Seq: f.tick.Seq + 1, MeanMs: meanMs, Total: 3}
}

func (f *fakeFeed) pushLost() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick = latency.Tick{Seq: f.tick.Seq + 1, Lost: 3, Total: 3}
}

func (f *fakeFeed) Latest() latency.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick
}

func (f *fakeFeed) Aggregate() (latency.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

type fakeTrend struct {
	path  string
	trend float64
	ok    bool
}

func (f fakeTrend) Path() string { return f.path }

func (f fakeTrend) Trend() (float64, bool) { return f.trend, f.ok }

type switchCall struct {
	path   string
	reason string
}

type fakeSwitcher struct {
	mu    sync.Mutex
	calls []switchCall
	fail  bool
}

func (f *fakeSwitcher) Switch(_ context.Context, path, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, switchCall{path, reason})
	return !f.fail
}

func (f *fakeSwitcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	lte, wifi *fakeFeed
	sw        *fakeSwitcher
	events    *core.EventLog
	m         *Machine
	now       time.Time
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.LatencyThresholdMs = 200
	cfg.Window = 15
	cfg.Cooldown = 30 * time.Second
	cfg.RestoreDelay = 60 * time.Second
	cfg.PreferredPath = "lte"
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		lte:    &fakeFeed{},
		wifi:   &fakeFeed{},
		sw:     &fakeSwitcher{},
		events: core.NewEventLog(0, nil),
		now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	m, err := NewMachine(cfg, Deps{
		Paths:    []string{"lte", "wifi"},
		Feeds:    map[string]LatencyFeed{"lte": f.lte, "wifi": f.wifi},
		Switcher: f.sw,
		Events:   f.events,
	})
	require.NoError(t, err)
	m.now = func() time.Time { return f.now }
	f.m = m
	return f
}

// sample feeds one tick on path and advances the clock by the sampler interval.
func (f *fixture) sample(feed *fakeFeed, meanMs float64) {
	feed.push(meanMs)
	f.m.step(context.Background(), f.now)
	f.now = f.now.Add(2 * time.Second)
}

func TestScenarioFifteenBadSamplesSwitchOnce(t *testing.T) {
	f := newFixture(t, scenarioConfig())

	for i := range 14 {
		f.sample(f.lte, 250)
		require.Equal(t, 0, f.sw.count(), "no switch after %d samples", i+1)
		assert.Equal(t, StateDegrading, f.m.Snapshot().State)
	}
	f.sample(f.lte, 250)
	require.Equal(t, 1, f.sw.count())
	assert.Equal(t, "wifi", f.sw.calls[0].path)

	snap := f.m.Snapshot()
	assert.Equal(t, StateCooldown, snap.State)
	assert.Equal(t, "wifi", snap.CurrentPath)
	assert.Zero(t, snap.ConsecutiveBad)
	assert.Equal(t, 1, f.events.Count(core.KindPathSwitch, time.Time{}))

	// a good sample right after, then bad ones, all within the cooldown
	f.sample(f.wifi, 30)
	for range 13 {
		f.sample(f.wifi, 400)
	}
	assert.Equal(t, 1, f.sw.count())
}

func TestGoodSampleResetsDegrading(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	for range 10 {
		f.sample(f.lte, 250)
	}
	assert.Equal(t, 10, f.m.Snapshot().ConsecutiveBad)

	f.sample(f.lte, 50)
	snap := f.m.Snapshot()
	assert.Equal(t, StateStable, snap.State)
	assert.Zero(t, snap.ConsecutiveBad)

	for range 14 {
		f.sample(f.lte, 250)
	}
	assert.Zero(t, f.sw.count())
}

func TestTimeoutCountsAsBad(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	for range 3 {
		f.lte.pushLost()
		f.m.step(context.Background(), f.now)
		f.now = f.now.Add(2 * time.Second)
	}
	assert.Equal(t, 1, f.sw.count())
}

func TestSameTickJudgedOnce(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)

	f.lte.push(500)
	for range 10 {
		f.m.step(context.Background(), f.now)
		f.now = f.now.Add(250 * time.Millisecond)
	}
	assert.Equal(t, 1, f.m.Snapshot().ConsecutiveBad)
	assert.Zero(t, f.sw.count())
}

func TestFailedSwitchStillEntersCooldown(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	f.sw.fail = true

	for range 3 {
		f.sample(f.lte, 300)
	}
	require.Equal(t, 1, f.sw.count())
	snap := f.m.Snapshot()
	assert.Equal(t, StateCooldown, snap.State)
	assert.Equal(t, "lte", snap.CurrentPath)
	assert.False(t, snap.LastSwitchOK)
	assert.Equal(t, 1, f.events.Count(core.KindSwitchFailed, time.Time{}))

	// no retry storm while cooling down
	for range 10 {
		f.sample(f.lte, 300)
	}
	assert.Equal(t, 1, f.sw.count())

	// after the cooldown a fresh window is needed
	f.now = f.now.Add(30 * time.Second)
	f.sample(f.lte, 300)
	f.sample(f.lte, 300)
	assert.Equal(t, 1, f.sw.count())
	f.sample(f.lte, 300)
	assert.Equal(t, 2, f.sw.count())
}

type noCandidate struct{}

func (noCandidate) BestCandidate(string) (string, error) { return "", errors.New("all links down") }

func TestNoCandidateConsumesCooldown(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	f.m.deps.Selector = noCandidate{}

	for range 3 {
		f.sample(f.lte, 300)
	}
	assert.Zero(t, f.sw.count())
	assert.Equal(t, StateCooldown, f.m.Snapshot().State)
	assert.Equal(t, 1, f.events.Count(core.KindSwitchFailed, time.Time{}))
}

func TestCooldownExpiresToStable(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	for range 3 {
		f.sample(f.lte, 300)
	}
	require.Equal(t, StateCooldown, f.m.Snapshot().State)

	f.now = f.now.Add(31 * time.Second)
	f.m.step(context.Background(), f.now)
	assert.Equal(t, StateStable, f.m.Snapshot().State)
}

func TestAutoRestoreNeedsContinuousGoodSamples(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	for range 3 {
		f.sample(f.lte, 300)
	}
	require.Equal(t, "wifi", f.m.CurrentPath())

	// 0.7 * 200 = 140ms; interleave samples of both paths
	step := func(lteMs float64) {
		f.lte.push(lteMs)
		f.wifi.push(40)
		f.m.step(context.Background(), f.now)
		f.now = f.now.Add(2 * time.Second)
	}

	step(100)
	assert.Equal(t, "wifi", f.m.CurrentPath(), "a single good sample must not restore")

	for range 20 {
		step(100)
	}
	// 42s of good samples, not yet 60s
	assert.Equal(t, "wifi", f.m.CurrentPath())

	step(150) // above 0.7 * threshold resets the timer
	assert.True(t, f.m.Snapshot().PreferredGoodSince.IsZero())

	for range 30 {
		step(100)
	}
	assert.Equal(t, "wifi", f.m.CurrentPath(), "58s since the reset")

	step(100)
	step(100)
	assert.Equal(t, "lte", f.m.CurrentPath())
	assert.Equal(t, 1, f.events.Count(core.KindAutoRestore, time.Time{}))
	assert.Equal(t, 2, f.sw.count())
}

func TestAutoRestoreHeldByRecentDegradation(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	f := newFixture(t, cfg)
	for range 3 {
		f.sample(f.lte, 300)
	}
	require.Equal(t, "wifi", f.m.CurrentPath())

	f.lte.push(100)
	f.m.step(context.Background(), f.now)
	f.events.Append(core.NewNetworkEvent(core.KindSINRDrop, f.now.Add(50*time.Second), "lte", nil))
	f.events.Append(core.NewNetworkEvent(core.KindHighJitter, f.now.Add(50*time.Second), "wifi", nil))

	// latency alone would restore at 60s; the SINR drop at 50s holds it
	for range 40 {
		f.now = f.now.Add(2 * time.Second)
		f.lte.push(100)
		f.m.step(context.Background(), f.now)
	}
	assert.Equal(t, "wifi", f.m.CurrentPath(), "degradation 30s ago")

	for range 16 {
		f.now = f.now.Add(2 * time.Second)
		f.lte.push(100)
		f.m.step(context.Background(), f.now)
	}
	assert.Equal(t, "lte", f.m.CurrentPath())
	assert.Equal(t, 1, f.events.Count(core.KindAutoRestore, time.Time{}))
}

func TestAutoRestoreWaitsForCooldown(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Window = 3
	cfg.Cooldown = 120 * time.Second
	f := newFixture(t, cfg)
	for range 3 {
		f.sample(f.lte, 300)
	}
	switchedAt := f.now

	for f.now.Sub(switchedAt) < 118*time.Second {
		f.lte.push(50)
		f.m.step(context.Background(), f.now)
		f.now = f.now.Add(2 * time.Second)
	}
	assert.Equal(t, "wifi", f.m.CurrentPath())

	f.now = f.now.Add(4 * time.Second)
	f.lte.push(50)
	f.m.step(context.Background(), f.now)
	assert.Equal(t, "lte", f.m.CurrentPath())
}

func TestForceSwitchRespectsCooldown(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	ctx := context.Background()

	require.NoError(t, f.m.forceSwitch(ctx, f.now, "wifi", "operator"))
	assert.Equal(t, "wifi", f.m.st.current)
	assert.Equal(t, "operator", f.sw.calls[0].reason)

	f.now = f.now.Add(10 * time.Second)
	err := f.m.forceSwitch(ctx, f.now, "lte", "operator")
	require.ErrorIs(t, err, ErrCooldown)

	f.now = f.now.Add(21 * time.Second)
	require.NoError(t, f.m.forceSwitch(ctx, f.now, "lte", "operator"))
	assert.Equal(t, 2, f.sw.count())

	// switching to the active path is a no-op
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.m.forceSwitch(ctx, f.now, "lte", "operator"))
	assert.Equal(t, 2, f.sw.count())
}

func TestForceSwitchThroughLoop(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	ctx := context.Background()

	require.ErrorIs(t, f.m.ForceSwitch(ctx, "wifi", "x"), ErrNotRunning)
	require.ErrorIs(t, f.m.ForceSwitch(ctx, "nope", "x"), ErrUnknownPath)

	f.m.Start(ctx)
	defer f.m.Stop()

	require.NoError(t, f.m.ForceSwitch(ctx, "wifi", "maintenance"))
	assert.Equal(t, "wifi", f.m.CurrentPath())
	assert.True(t, f.m.Snapshot().Running)
	require.ErrorIs(t, f.m.ForceSwitch(ctx, "lte", "again"), ErrCooldown)
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	ctx := context.Background()

	bad := scenarioConfig()
	bad.Window = 0
	require.ErrorIs(t, f.m.SetConfig(ctx, bad), ErrInvalidConfig)
	assert.Equal(t, 15, f.m.Config().Window)

	bad = scenarioConfig()
	bad.PreferredPath = "satellite"
	require.ErrorIs(t, f.m.SetConfig(ctx, bad), ErrUnknownPath)

	good := scenarioConfig()
	good.Window = 7
	require.NoError(t, f.m.SetConfig(ctx, good))
	assert.Equal(t, 7, f.m.Config().Window)

	f.m.Start(ctx)
	defer f.m.Stop()
	good.Window = 9
	require.NoError(t, f.m.SetConfig(ctx, good))
	assert.Equal(t, 9, f.m.Config().Window)
	assert.Equal(t, 2, f.events.Count(core.KindConfigChanged, time.Time{}))
}

func TestPredictiveShortensWindow(t *testing.T) {
	cfg := scenarioConfig()
	f := newFixture(t, cfg)
	f.m.deps.Trend = fakeTrend{path: "lte", trend: -5, ok: true}
	f.lte.stats = latency.Stats{JitterMs: 40}

	f.sample(f.lte, 120)
	snap := f.m.Snapshot()
	assert.Equal(t, ModePredictive, snap.Mode)
	assert.Greater(t, snap.Urgency, 0.0)
	assert.Less(t, snap.EffectiveWindow, 15)
	assert.Less(t, snap.EffectiveThresholdMs, 200.0)

	// 180ms is below the configured threshold but above the effective one
	for range snap.EffectiveWindow {
		f.sample(f.lte, 180)
	}
	assert.Equal(t, 1, f.sw.count())
	assert.Contains(t, f.sw.calls[0].reason, "predictive")
}

func TestTrendOfAnotherPathIsIgnored(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	require.NoError(t, f.m.forceSwitch(context.Background(), f.now, "wifi", "operator"))
	f.now = f.now.Add(time.Minute)

	// the cellular link keeps collapsing after it was left
	f.m.deps.Trend = fakeTrend{path: "lte", trend: -10, ok: true}
	for range 16 {
		f.sample(f.wifi, 120)
	}
	snap := f.m.Snapshot()
	assert.Equal(t, ModeNormal, snap.Mode)
	assert.Zero(t, snap.Urgency)
	assert.Equal(t, 200.0, snap.EffectiveThresholdMs)
	assert.Equal(t, "wifi", snap.CurrentPath)
	assert.Equal(t, 1, f.sw.count(), "120ms is fine for a 200ms threshold")
}

func TestJitterUrgencyAppliesOffTrendPath(t *testing.T) {
	f := newFixture(t, scenarioConfig())
	require.NoError(t, f.m.forceSwitch(context.Background(), f.now, "wifi", "operator"))
	f.now = f.now.Add(time.Minute)

	f.m.deps.Trend = fakeTrend{path: "lte", trend: -10, ok: true}
	f.wifi.stats = latency.Stats{JitterMs: 40}
	f.sample(f.wifi, 50)
	snap := f.m.Snapshot()
	assert.Equal(t, ModePredictive, snap.Mode)
	assert.Equal(t, Urgency(f.m.Config(), 0, false, 40), snap.Urgency)
}

// For any sequence of inputs, consecutive successful or failed switch
// attempts are at least one cooldown apart.
func TestNeverSwitchesTwiceWithinCooldown(t *testing.T) {
	for seed := range uint64(20) {
		rng := rand.New(rand.NewPCG(seed, 42))
		cfg := scenarioConfig()
		cfg.Window = 1 + rng.IntN(5)
		cfg.RestoreDelay = time.Duration(rng.IntN(20)) * time.Second
		f := newFixture(t, cfg)
		f.sw.fail = rng.IntN(3) == 0

		var at []time.Time
		record := func() {
			if n := f.sw.count(); n > len(at) {
				at = append(at, f.now)
			}
		}
		for range 600 {
			switch rng.IntN(10) {
			case 0:
				target := []string{"lte", "wifi"}[rng.IntN(2)]
				_ = f.m.forceSwitch(context.Background(), f.now, target, "fuzz")
			case 1:
				f.lte.pushLost()
				f.wifi.push(rng.Float64() * 400)
			default:
				f.lte.push(rng.Float64() * 400)
				f.wifi.push(rng.Float64() * 400)
			}
			f.m.step(context.Background(), f.now)
			record()
			f.now = f.now.Add(time.Duration(250+rng.IntN(2000)) * time.Millisecond)
		}

		for i := 1; i < len(at); i++ {
			require.GreaterOrEqual(t, at[i].Sub(at[i-1]), cfg.Cooldown, "seed %d switch %d", seed, i)
		}
	}
}
