package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/metrics"
	"relay-netctl/internal/pool"
	"relay-netctl/internal/prefs"
	"relay-netctl/internal/quality"
	"relay-netctl/internal/routing"
)

type recordingSwitcher struct {
	mu    sync.Mutex
	calls []string
	block chan struct{} // when set, Switch waits for it to close
}

func (r *recordingSwitcher) Switch(_ context.Context, path, _ string) bool {
	r.mu.Lock()
	r.calls = append(r.calls, path)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return true
}

func (r *recordingSwitcher) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	svc      *Service
	events   *core.EventLog
	prefs    *prefs.Store
	machine  *failover.Machine
	switcher *recordingSwitcher
	samplers map[string]*latency.Sampler
}

func fixedRTT(d time.Duration) latency.Prober {
	return latency.ProberFunc(func(context.Context, string) (time.Duration, error) { return d, nil })
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events:   core.NewEventLog(0, nil),
		switcher: &recordingSwitcher{},
		samplers: map[string]*latency.Sampler{},
	}

	var feeds []PathFeed
	pl := pool.New(20 * time.Millisecond)
	fm := map[string]failover.LatencyFeed{}
	for _, p := range []struct {
		name string
		rtt  time.Duration
	}{{"lte", 40 * time.Millisecond}, {"wifi", 20 * time.Millisecond}} {
		name := p.name
		s := latency.NewSampler(latency.Config{
			Path: name, Targets: []string{"10.0.0.1"}, Interval: 20 * time.Millisecond, Prober: fixedRTT(p.rtt),
		})
		f.samplers[name] = s
		fm[name] = s
		feeds = append(feeds, PathFeed{Name: name, Interface: name + "0", Sampler: s})
		require.NoError(t, pl.Add(pool.Link{Name: name, Interface: name + "0", Sampler: s}))
	}

	cfg := failover.DefaultConfig()
	cfg.PreferredPath = "lte"
	m, err := failover.NewMachine(cfg, failover.Deps{
		Paths:    []string{"lte", "wifi"},
		Feeds:    fm,
		Switcher: f.switcher,
		Selector: pl,
		Events:   f.events,
	})
	require.NoError(t, err)
	f.machine = m

	f.prefs, err = prefs.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { f.prefs.Close() })

	scorer := quality.NewScorer(quality.Config{Path: "lte", Interval: 20 * time.Millisecond}, f.samplers["lte"], nil, nil, f.events)

	f.svc = New(Options{
		Events:  f.events,
		Paths:   feeds,
		Scorer:  scorer,
		Machine: m,
		Routing: routing.NewManager(routing.Options{Disabled: true, Events: f.events}),
		Pool:    pl,
		Prefs:   f.prefs,
		Metrics: metrics.New(),
		Logs:    NewLogTail(),
	})
	f.svc.Start(context.Background())
	t.Cleanup(func() { _ = f.svc.Shutdown(context.Background()) })
	return f
}

func TestStartStopLoops(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.StartLoops(LoopSampler))
	loops := f.svc.Loops()
	assert.True(t, loops[LoopSampler])
	assert.False(t, loops[LoopScorer])
	assert.True(t, f.samplers["lte"].Running())

	require.NoError(t, f.svc.StartLoops(LoopAll))
	assert.True(t, f.machine.Running())

	require.NoError(t, f.svc.StopLoops(LoopScorer))
	assert.False(t, f.svc.Loops()[LoopScorer])
	assert.True(t, f.svc.Loops()[LoopFailover])

	assert.ErrorIs(t, f.svc.StartLoops("autoadjust"), ErrUnknownLoop)

	require.NoError(t, f.svc.StopLoops(LoopAll))
	assert.False(t, f.samplers["wifi"].Running())
	assert.False(t, f.machine.Running())
}

func TestParseLoop(t *testing.T) {
	l, err := ParseLoop("")
	require.NoError(t, err)
	assert.Equal(t, LoopAll, l)
	l, err = ParseLoop("failover")
	require.NoError(t, err)
	assert.Equal(t, LoopFailover, l)
	_, err = ParseLoop("Failover")
	assert.ErrorIs(t, err, ErrUnknownLoop)
}

func TestStatusComposite(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.StartLoops(LoopSampler))
	require.NoError(t, f.svc.StartLoops(LoopScorer))

	require.Eventually(t, func() bool {
		st := f.svc.Status(context.Background())
		return st.Quality.Ticks > 0 && len(st.Paths) == 2 && st.Paths[0].Sampled && st.Paths[1].Sampled
	}, 2*time.Second, 10*time.Millisecond)

	st := f.svc.Status(context.Background())
	assert.Equal(t, "lte", st.Failover.CurrentPath)
	assert.False(t, st.Routing.Enabled)
	assert.Len(t, st.Links, 2)
	assert.NotEmpty(t, st.Events, "routing-disabled at least")
	assert.Greater(t, st.Quality.Score.Value, 0.0)
	assert.Equal(t, quality.HintsFor(st.Quality.Score.Value), st.Quality.Hints)
}

func TestSetFailoverConfigPersistsAndApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.svc.GetFailoverConfig()
	in.LatencyThresholdMs = 150
	in.Window = 4
	in.Cooldown = "10s"
	in.RestoreDelay = "0s"
	in.PredictiveWeight = 0
	in.PreferredPath = "wifi"
	applied, err := f.svc.SetFailoverConfig(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "10s", applied.Cooldown)

	got := f.svc.GetFailoverConfig()
	assert.Equal(t, 150.0, got.LatencyThresholdMs)
	assert.Equal(t, 4, got.Window)
	assert.Equal(t, "0s", got.RestoreDelay)
	assert.Zero(t, got.PredictiveWeight, "zero weight is kept")

	stored, err := f.prefs.LoadFailover()
	require.NoError(t, err)
	assert.Equal(t, applied, stored)
	pref, err := f.prefs.PreferredPath()
	require.NoError(t, err)
	assert.Equal(t, "wifi", pref)
	assert.Equal(t, 1, f.events.Count(core.KindConfigChanged, time.Time{}))
}

func TestSetFailoverConfigRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.svc.GetFailoverConfig()

	for name, mutate := range map[string]func(*core.FailoverYAML){
		"short cooldown":   func(y *core.FailoverYAML) { y.Cooldown = "1s" },
		"bad duration":     func(y *core.FailoverYAML) { y.RestoreDelay = "soon" },
		"missing duration": func(y *core.FailoverYAML) { y.EvaluateInterval = "" },
		"huge window":      func(y *core.FailoverYAML) { y.Window = 5000 },
		"zero window":      func(y *core.FailoverYAML) { y.Window = 0 },
		"zero threshold":   func(y *core.FailoverYAML) { y.LatencyThresholdMs = 0 },
		"unknown path":     func(y *core.FailoverYAML) { y.PreferredPath = "satellite" },
		"tiny threshold":   func(y *core.FailoverYAML) { y.LatencyThresholdMs = 10 },
		"negative window":  func(y *core.FailoverYAML) { y.Window = -1 },
		"onset above full": func(y *core.FailoverYAML) { y.TrendOnsetDbPerMin = 9 },
	} {
		in := before
		mutate(&in)
		_, err := f.svc.SetFailoverConfig(ctx, in)
		assert.ErrorIs(t, err, failover.ErrInvalidConfig, name)
	}

	assert.Equal(t, before, f.svc.GetFailoverConfig())
	_, err := f.prefs.LoadFailover()
	assert.ErrorIs(t, err, prefs.ErrNotFound)
}

func TestSetFailoverConfigNotPersistedWhenNotApplied(t *testing.T) {
	f := newFixture(t)
	f.switcher.block = make(chan struct{})
	require.NoError(t, f.svc.StartLoops(LoopFailover))

	forced := make(chan error, 1)
	go func() { forced <- f.svc.ForceSwitch(context.Background(), "wifi", "operator") }()
	require.Eventually(t, func() bool { return len(f.switcher.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	in := f.svc.GetFailoverConfig()
	in.Window = 9
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.svc.SetFailoverConfig(ctx, in)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.prefs.LoadFailover()
	assert.ErrorIs(t, err, prefs.ErrNotFound, "a config the loop never took is not persisted")
	assert.NotEqual(t, 9, f.svc.GetFailoverConfig().Window)

	close(f.switcher.block)
	require.NoError(t, <-forced)
}

func TestForceSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.ForceSwitch(ctx, "wifi", "test"), failover.ErrNotRunning)

	require.NoError(t, f.svc.StartLoops(LoopFailover))
	require.NoError(t, f.svc.ForceSwitch(ctx, "wifi", "operator"))
	assert.Equal(t, []string{"wifi"}, f.switcher.Calls())
	assert.Equal(t, "wifi", f.machine.CurrentPath())

	assert.ErrorIs(t, f.svc.ForceSwitch(ctx, "lte", "again"), failover.ErrCooldown)
	assert.ErrorIs(t, f.svc.ForceSwitch(ctx, "moon", "x"), failover.ErrUnknownPath)
	assert.Equal(t, 1, f.svc.Status(ctx).RecentSwitches)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.StartLoops(LoopAll))
	require.NoError(t, f.svc.Shutdown(context.Background()))

	for _, l := range []Loop{LoopSampler, LoopScorer, LoopFailover} {
		assert.False(t, f.svc.Loops()[l], l)
	}
	assert.False(t, f.machine.Running())
	assert.False(t, f.samplers["lte"].Running())
}

func TestLogTail(t *testing.T) {
	lt := NewLogTail()
	lt.Start()
	defer lt.Stop()
	sub := lt.Subscribe(core.LevelWarn)

	core.Log.Warnf("API", "first %d", 1)
	core.Log.Errorf("API", "second")

	tail := lt.Tail(10)
	require.Len(t, tail, 2)
	assert.Equal(t, "first 1", tail[0].Message)
	assert.Equal(t, "warn", tail[0].Level)
	assert.Equal(t, "API", tail[1].Tag)

	got := <-sub.C
	assert.Equal(t, "first 1", got.Message)

	lt.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestBusJournalsNetworkEvents(t *testing.T) {
	bus := core.NewEventBus()
	events := core.NewEventLog(0, bus)
	logs := NewLogTail()
	logs.Start()
	defer logs.Stop()
	New(Options{Bus: bus, Events: events})

	bus.Publish(core.Event{Type: core.EventNetwork, Payload: core.NewNetworkEvent(core.KindSINRDrop, time.Now(), "lte", nil)})

	tail := logs.Tail(1)
	require.Len(t, tail, 1)
	assert.Equal(t, "Event", tail[0].Tag)
	assert.Contains(t, tail[0].Message, "on lte")
}

func TestFollowLogsRejectsUnknownLevel(t *testing.T) {
	f := newFixture(t)
	err := f.svc.FollowLogs(context.Background(), "verbose", func(LogEntry) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidLogLevel)

	bare := New(Options{})
	assert.ErrorIs(t, bare.FollowLogs(context.Background(), "", func(LogEntry) error { return nil }), ErrNoLogTail)
}
