package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SamplerConfig configures the latency sampler of every path.
type SamplerConfig struct {
	Interval string   `yaml:"interval,omitempty"` // default "2s"
	Timeout  string   `yaml:"timeout,omitempty"`  // default "1500ms"
	Window   int      `yaml:"window,omitempty"`   // samples kept per target (default 30)
	Probe    string   `yaml:"probe,omitempty"`    // "dns" (default) or "icmp"
	Targets  []string `yaml:"targets,omitempty"`  // default: three public resolvers
}

// SignalConfig configures the cellular signal source.
type SignalConfig struct {
	// Source is "modemmanager" (default) or "none".
	Source string `yaml:"source,omitempty"`
	// Modem is a ModemManager object path; empty selects the first modem.
	Modem    string `yaml:"modem,omitempty"`
	Interval string `yaml:"interval,omitempty"` // default "2s"
	Timeout  string `yaml:"timeout,omitempty"`  // default "3s"
}

// ScorerConfig configures the network quality scorer.
type ScorerConfig struct {
	Interval     string  `yaml:"interval,omitempty"` // default "1s"
	Alpha        float64 `yaml:"alpha,omitempty"`    // EMA factor, default 0.3
	History      int     `yaml:"history,omitempty"`  // signal snapshots kept for the trend, default 10
	EventLogSize int     `yaml:"event_log_size,omitempty"`
}

// FailoverYAML is the on-disk and wire form of the failover configuration.
// The JSON form always carries every field so that zero values survive.
type FailoverYAML struct {
	LatencyThresholdMs float64 `yaml:"latency_threshold_ms,omitempty" json:"latency_threshold_ms"`
	Window             int     `yaml:"window,omitempty" json:"window"`
	Cooldown           string  `yaml:"cooldown,omitempty" json:"cooldown"`
	RestoreDelay       string  `yaml:"restore_delay,omitempty" json:"restore_delay"`
	PreferredPath      string  `yaml:"preferred_path,omitempty" json:"preferred_path"`
	JitterBoundMs      float64 `yaml:"jitter_bound_ms,omitempty" json:"jitter_bound_ms"`
	TrendOnsetDbPerMin float64 `yaml:"trend_onset_db_per_min,omitempty" json:"trend_onset_db_per_min"`
	TrendFullDbPerMin  float64 `yaml:"trend_full_db_per_min,omitempty" json:"trend_full_db_per_min"`
	PredictiveWeight   float64 `yaml:"predictive_weight,omitempty" json:"predictive_weight"`
	EvaluateInterval   string  `yaml:"evaluate_interval,omitempty" json:"evaluate_interval"`
}

// PathConfig describes one uplink the device can route over.
type PathConfig struct {
	Name      string `yaml:"name"`
	Interface string `yaml:"interface"`
	// Gateway is optional; discovered from the kernel when empty.
	Gateway string `yaml:"gateway,omitempty"`
	Kind    string `yaml:"kind,omitempty"` // "cellular", "wifi", "ethernet"
	// Cellular marks the path whose quality includes modem signal metrics.
	Cellular bool `yaml:"cellular,omitempty"`
}

// ClassConfig holds the kernel routing parameters of one traffic class.
type ClassConfig struct {
	Mark     uint32 `yaml:"mark,omitempty"`
	Table    int    `yaml:"table,omitempty"`
	Priority int    `yaml:"priority,omitempty"`
	// Match lists iptables match arguments, one rule per entry,
	// e.g. [["-p", "udp", "--dport", "51820"]].
	Match [][]string `yaml:"match,omitempty"`
}

// RoutingConfig configures the policy routing manager.
type RoutingConfig struct {
	Enabled         *bool                  `yaml:"enabled,omitempty"`
	Chain           string                 `yaml:"chain,omitempty"`
	ResolvConf      string                 `yaml:"resolv_conf,omitempty"`
	OverlapDelay    string                 `yaml:"overlap_delay,omitempty"`
	MutationTimeout string                 `yaml:"mutation_timeout,omitempty"`
	PrimaryMetric   int                    `yaml:"primary_metric,omitempty"`
	NetworkManager  *bool                  `yaml:"network_manager,omitempty"`
	Classes         map[string]ClassConfig `yaml:"classes,omitempty"`
}

// IsEnabled reports whether routing actuation is requested (default true).
func (r RoutingConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// UseNetworkManager reports whether delegation to NetworkManager is allowed (default true).
func (r RoutingConfig) UseNetworkManager() bool {
	return r.NetworkManager == nil || *r.NetworkManager
}

// VPNConfig names the interfaces the VPN client brings up.
type VPNConfig struct {
	Interfaces []string `yaml:"interfaces,omitempty"`
}

// ControlConfig configures the operator-facing surfaces.
type ControlConfig struct {
	Socket            string `yaml:"socket,omitempty"`
	HTTPAddr          string `yaml:"http_addr,omitempty"`
	BroadcastInterval string `yaml:"broadcast_interval,omitempty"`
}

// PrefsConfig configures the persisted preferences store.
type PrefsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging  LogConfig     `yaml:"logging,omitempty"`
	Sampler  SamplerConfig `yaml:"sampler,omitempty"`
	Signal   SignalConfig  `yaml:"signal,omitempty"`
	Scorer   ScorerConfig  `yaml:"scorer,omitempty"`
	Failover FailoverYAML  `yaml:"failover,omitempty"`
	Paths    []PathConfig  `yaml:"paths"`
	Routing  RoutingConfig `yaml:"routing,omitempty"`
	VPN      VPNConfig     `yaml:"vpn,omitempty"`
	Control  ControlConfig `yaml:"control,omitempty"`
	Prefs    PrefsConfig   `yaml:"prefs,omitempty"`
}

// Path returns the path with the given name.
func (c Config) Path(name string) (PathConfig, bool) {
	for _, p := range c.Paths {
		if p.Name == name {
			return p, true
		}
	}
	return PathConfig{}, false
}

// ApplyDefaults fills the fields left empty in the YAML file.
func (c *Config) ApplyDefaults() {
	if c.Sampler.Probe == "" {
		c.Sampler.Probe = "dns"
	}
	if len(c.Sampler.Targets) == 0 {
		c.Sampler.Targets = []string{"8.8.8.8", "1.1.1.1", "9.9.9.9"}
	}
	if c.Signal.Source == "" {
		c.Signal.Source = "modemmanager"
	}
	if c.Routing.Chain == "" {
		c.Routing.Chain = "RELAY_MARK"
	}
	if c.Routing.ResolvConf == "" {
		c.Routing.ResolvConf = "/etc/resolv.conf"
	}
	if c.Routing.PrimaryMetric == 0 {
		c.Routing.PrimaryMetric = 50
	}
	if c.Control.Socket == "" {
		c.Control.Socket = "/run/relay-netd.sock"
	}
	if c.Control.HTTPAddr == "" {
		c.Control.HTTPAddr = "127.0.0.1:8085"
	}
	if c.Prefs.Dir == "" {
		c.Prefs.Dir = "/var/lib/relay-netd/prefs"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if len(c.Paths) == 0 {
		return errors.New("[Core] at least one path must be configured")
	}
	seen := make(map[string]bool, len(c.Paths))
	for _, p := range c.Paths {
		if p.Name == "" || p.Interface == "" {
			return fmt.Errorf("[Core] path %q: name and interface are required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("[Core] duplicate path %q", p.Name)
		}
		seen[p.Name] = true
	}
	if pref := c.Failover.PreferredPath; pref != "" && !seen[pref] {
		return fmt.Errorf("[Core] preferred path %q is not a configured path", pref)
	}
	switch c.Sampler.Probe {
	case "dns", "icmp":
	default:
		return fmt.Errorf("[Core] unknown probe type %q", c.Sampler.Probe)
	}
	return nil
}

// DurationOr parses s as a duration and falls back to def when s is empty,
// malformed or not positive.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns a valid configuration for a single cellular uplink.
func defaultConfig() Config {
	cfg := Config{
		Paths: []PathConfig{
			{Name: "cellular", Interface: "wwan0", Kind: "cellular", Cellular: true},
			{Name: "wifi", Interface: "wlan0", Kind: "wifi"},
		},
		Failover: FailoverYAML{PreferredPath: "cellular"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("[Core] failed to create config dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// SetFailover replaces the failover section in memory.
func (cm *ConfigManager) SetFailover(f FailoverYAML) {
	cm.mu.Lock()
	cm.config.Failover = f
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
