package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/prefs"
)

func testConfig() core.Config {
	cfg := core.Config{
		Paths: []core.PathConfig{
			{Name: "wifi", Interface: "wlan0", Kind: "wifi"},
			{Name: "lte", Interface: "wwan0", Kind: "cellular", Cellular: true},
		},
		Failover: core.FailoverYAML{LatencyThresholdMs: 180, PreferredPath: "lte"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func memPrefs(t *testing.T) *prefs.Store {
	t.Helper()
	s, err := prefs.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDaemonGraphIsComplete(t *testing.T) {
	require.NoError(t, fx.ValidateApp(daemonModule(appOptions{ConfigPath: "unused.yaml"})))
}

func TestFailoverConfigFromYAML(t *testing.T) {
	fc, err := failoverConfig(testConfig(), memPrefs(t))
	require.NoError(t, err)
	assert.Equal(t, 180.0, fc.LatencyThresholdMs)
	assert.Equal(t, "lte", fc.PreferredPath)
	assert.Equal(t, failover.DefaultCooldown, fc.Cooldown)
}

func TestPersistedPreferencesWin(t *testing.T) {
	store := memPrefs(t)
	saved := failover.DefaultConfig()
	saved.LatencyThresholdMs = 250
	saved.Window = 7
	saved.Cooldown = 45 * time.Second
	saved.PredictiveWeight = 0
	require.NoError(t, store.SaveFailover(saved.YAML()))
	require.NoError(t, store.SetPreferredPath("wifi"))

	fc, err := failoverConfig(testConfig(), store)
	require.NoError(t, err)
	assert.Equal(t, 250.0, fc.LatencyThresholdMs)
	assert.Equal(t, 7, fc.Window)
	assert.Equal(t, 45*time.Second, fc.Cooldown)
	assert.Zero(t, fc.PredictiveWeight, "a persisted zero is not defaulted")
	assert.Equal(t, "wifi", fc.PreferredPath)
}

func TestRejectedPersistedConfigFallsBackToFile(t *testing.T) {
	store := memPrefs(t)
	require.NoError(t, store.SaveFailover(core.FailoverYAML{LatencyThresholdMs: 250, Window: 0, Cooldown: "45s"}))

	fc, err := failoverConfig(testConfig(), store)
	require.NoError(t, err)
	assert.Equal(t, 180.0, fc.LatencyThresholdMs)
	assert.Equal(t, failover.DefaultWindow, fc.Window)
}

func TestPersistedUnknownPathIgnored(t *testing.T) {
	store := memPrefs(t)
	require.NoError(t, store.SetPreferredPath("satellite"))

	fc, err := failoverConfig(testConfig(), store)
	require.NoError(t, err)
	assert.Equal(t, "lte", fc.PreferredPath)
}

func TestInvalidFailoverConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Failover.Cooldown = "1s"
	_, err := failoverConfig(cfg, memPrefs(t))
	assert.ErrorIs(t, err, failover.ErrInvalidConfig)
}

func TestCellularPathSelection(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "lte", cellularPath(cfg).Name)
	assert.True(t, hasCellular(cfg))

	cfg.Paths[1].Cellular = false
	assert.Equal(t, "wifi", cellularPath(cfg).Name)
	assert.False(t, hasCellular(cfg))
}

func TestFeedsAndPool(t *testing.T) {
	cfg := testConfig()
	feeds := provideFeeds(cfg)
	require.Len(t, feeds, 2)
	assert.Equal(t, "wifi", feeds[0].Name)
	assert.Equal(t, "wwan0", feeds[1].Interface)
	assert.Same(t, feeds[1].Sampler, feedFor(feeds, "lte"))

	p, err := providePool(cfg, feeds, nil)
	require.NoError(t, err)
	links := p.All()
	require.Len(t, links, 2)
	assert.Equal(t, "lte", links[0].Name)
	assert.Equal(t, "cellular", links[0].Kind)
}

func TestBroadcastInterval(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, time.Second, broadcastInterval(cfg))
	cfg.Control.BroadcastInterval = "500ms"
	assert.Equal(t, 500*time.Millisecond, broadcastInterval(cfg))
}
