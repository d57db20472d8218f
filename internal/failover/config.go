// Package failover decides when the primary network path is switched. It
// applies hysteresis (a run of bad samples), a cooldown between switches,
// a predictive tightening of both when the link is visibly degrading, and an
// automatic return to the preferred path once it has been good for a while.
package failover

import (
	"errors"
	"fmt"
	"time"

	"relay-netctl/internal/core"
)

// ErrInvalidConfig wraps every configuration validation error.
var ErrInvalidConfig = errors.New("invalid failover config")

// Defaults and limits.
const (
	DefaultThresholdMs      = 200.0
	DefaultWindow           = 5
	DefaultCooldown         = 30 * time.Second
	DefaultRestoreDelay     = 60 * time.Second
	DefaultJitterBoundMs    = 30.0
	DefaultTrendOnset       = 2.0 // dB/min of SINR loss where urgency starts
	DefaultTrendFull        = 8.0 // dB/min of SINR loss where urgency reaches 1
	DefaultPredictiveWeight = 0.5
	DefaultEvaluateInterval = 250 * time.Millisecond

	MinCooldown          = 5 * time.Second
	MinEffectiveThreshMs = 50.0
	MinEffectiveWindow   = 3
	restoreFactor        = 0.7
)

// Config is the runtime failover configuration.
type Config struct {
	LatencyThresholdMs float64
	Window             int
	Cooldown           time.Duration
	RestoreDelay       time.Duration // zero disables auto-restore
	PreferredPath      string

	JitterBoundMs      float64
	TrendOnsetDbPerMin float64
	TrendFullDbPerMin  float64
	PredictiveWeight   float64

	EvaluateInterval time.Duration
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		LatencyThresholdMs: DefaultThresholdMs,
		Window:             DefaultWindow,
		Cooldown:           DefaultCooldown,
		RestoreDelay:       DefaultRestoreDelay,
		JitterBoundMs:      DefaultJitterBoundMs,
		TrendOnsetDbPerMin: DefaultTrendOnset,
		TrendFullDbPerMin:  DefaultTrendFull,
		PredictiveWeight:   DefaultPredictiveWeight,
		EvaluateInterval:   DefaultEvaluateInterval,
	}
}

// FromYAML converts the config file section, applying defaults for empty
// fields. Malformed durations are reported, not defaulted. Operator input
// goes through ParseConfig instead.
func FromYAML(y core.FailoverYAML) (Config, error) {
	cfg := DefaultConfig()
	if y.LatencyThresholdMs != 0 {
		cfg.LatencyThresholdMs = y.LatencyThresholdMs
	}
	if y.Window != 0 {
		cfg.Window = y.Window
	}
	if y.JitterBoundMs != 0 {
		cfg.JitterBoundMs = y.JitterBoundMs
	}
	if y.TrendOnsetDbPerMin != 0 {
		cfg.TrendOnsetDbPerMin = y.TrendOnsetDbPerMin
	}
	if y.TrendFullDbPerMin != 0 {
		cfg.TrendFullDbPerMin = y.TrendFullDbPerMin
	}
	if y.PredictiveWeight != 0 {
		cfg.PredictiveWeight = y.PredictiveWeight
	}
	cfg.PreferredPath = y.PreferredPath

	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"cooldown", y.Cooldown, &cfg.Cooldown},
		{"restore_delay", y.RestoreDelay, &cfg.RestoreDelay},
		{"evaluate_interval", y.EvaluateInterval, &cfg.EvaluateInterval},
	} {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
		*d.out = v
	}
	return cfg, nil
}

// ParseConfig converts a failover section received from an operator. Unlike
// FromYAML nothing is defaulted: zero means zero, so an explicit window of 0
// is rejected and a predictive weight of 0 disables prediction. Durations
// are required.
func ParseConfig(y core.FailoverYAML) (Config, error) {
	cfg := Config{
		LatencyThresholdMs: y.LatencyThresholdMs,
		Window:             y.Window,
		PreferredPath:      y.PreferredPath,
		JitterBoundMs:      y.JitterBoundMs,
		TrendOnsetDbPerMin: y.TrendOnsetDbPerMin,
		TrendFullDbPerMin:  y.TrendFullDbPerMin,
		PredictiveWeight:   y.PredictiveWeight,
	}
	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"cooldown", y.Cooldown, &cfg.Cooldown},
		{"restore_delay", y.RestoreDelay, &cfg.RestoreDelay},
		{"evaluate_interval", y.EvaluateInterval, &cfg.EvaluateInterval},
	} {
		if d.in == "" {
			return Config{}, fmt.Errorf("%w: %s is required", ErrInvalidConfig, d.name)
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
		*d.out = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML returns the on-disk form.
func (c Config) YAML() core.FailoverYAML {
	return core.FailoverYAML{
		LatencyThresholdMs: c.LatencyThresholdMs,
		Window:             c.Window,
		Cooldown:           c.Cooldown.String(),
		RestoreDelay:       c.RestoreDelay.String(),
		PreferredPath:      c.PreferredPath,
		JitterBoundMs:      c.JitterBoundMs,
		TrendOnsetDbPerMin: c.TrendOnsetDbPerMin,
		TrendFullDbPerMin:  c.TrendFullDbPerMin,
		PredictiveWeight:   c.PredictiveWeight,
		EvaluateInterval:   c.EvaluateInterval.String(),
	}
}

// Validate checks the value ranges.
func (c Config) Validate() error {
	switch {
	case c.LatencyThresholdMs < MinEffectiveThreshMs || c.LatencyThresholdMs > 10000:
		return fmt.Errorf("%w: latency threshold %.0fms out of range [%.0f, 10000]",
			ErrInvalidConfig, c.LatencyThresholdMs, MinEffectiveThreshMs)
	case c.Window < 1 || c.Window > 1000:
		return fmt.Errorf("%w: window %d out of range [1, 1000]", ErrInvalidConfig, c.Window)
	case c.Cooldown < MinCooldown:
		return fmt.Errorf("%w: cooldown %s is below the minimum %s", ErrInvalidConfig, c.Cooldown, MinCooldown)
	case c.RestoreDelay < 0:
		return fmt.Errorf("%w: restore delay must not be negative", ErrInvalidConfig)
	case c.JitterBoundMs <= 0:
		return fmt.Errorf("%w: jitter bound must be positive", ErrInvalidConfig)
	case c.TrendOnsetDbPerMin < 0 || c.TrendFullDbPerMin <= c.TrendOnsetDbPerMin:
		return fmt.Errorf("%w: trend onset %.1f must be >= 0 and below full %.1f dB/min",
			ErrInvalidConfig, c.TrendOnsetDbPerMin, c.TrendFullDbPerMin)
	case c.PredictiveWeight < 0 || c.PredictiveWeight > 1:
		return fmt.Errorf("%w: predictive weight %.2f out of range [0, 1]", ErrInvalidConfig, c.PredictiveWeight)
	case c.EvaluateInterval <= 0:
		return fmt.Errorf("%w: evaluate interval must be positive", ErrInvalidConfig)
	}
	return nil
}
