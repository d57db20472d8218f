package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "relay-netd.yaml")
	cm := NewConfigManager(path, nil)

	require.NoError(t, cm.Load())
	_, err := os.Stat(path)
	require.NoError(t, err, "default config should be written to disk")

	cfg := cm.Get()
	assert.Equal(t, "dns", cfg.Sampler.Probe)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1", "9.9.9.9"}, cfg.Sampler.Targets)
	assert.Len(t, cfg.Paths, 2)
	assert.True(t, cfg.Routing.IsEnabled())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	data := `
paths:
  - name: lte
    interface: wwan0
    cellular: true
  - name: wifi
    interface: wlan0
failover:
  latency_threshold_ms: 200
  window: 15
  cooldown: 30s
  preferred_path: lte
routing:
  enabled: false
  classes:
    vpn:
      mark: 256
      table: 100
      match:
        - ["-p", "udp", "--dport", "51820"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	bus := NewEventBus()
	reloaded := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded++ })

	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())
	cfg := cm.Get()

	assert.Equal(t, 1, reloaded)
	assert.Equal(t, 200.0, cfg.Failover.LatencyThresholdMs)
	assert.Equal(t, 15, cfg.Failover.Window)
	assert.False(t, cfg.Routing.IsEnabled())
	assert.Equal(t, uint32(256), cfg.Routing.Classes["vpn"].Mark)
	assert.Equal(t, [][]string{{"-p", "udp", "--dport", "51820"}}, cfg.Routing.Classes["vpn"].Match)

	p, ok := cfg.Path("lte")
	require.True(t, ok)
	assert.True(t, p.Cellular)
}

func TestValidateRejectsBadPaths(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no paths", Config{}},
		{"missing interface", Config{Paths: []PathConfig{{Name: "a"}}}},
		{"duplicate", Config{Paths: []PathConfig{{Name: "a", Interface: "x"}, {Name: "a", Interface: "y"}}}},
		{"unknown preferred", Config{
			Paths:    []PathConfig{{Name: "a", Interface: "x"}},
			Failover: FailoverYAML{PreferredPath: "b"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, 2*time.Second, DurationOr("", 2*time.Second))
	assert.Equal(t, 2*time.Second, DurationOr("bogus", 2*time.Second))
	assert.Equal(t, 2*time.Second, DurationOr("-1s", 2*time.Second))
	assert.Equal(t, 500*time.Millisecond, DurationOr("500ms", 2*time.Second))
}
