package failover

import "math"

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Urgency combines the SINR trend (dB/min, negative when degrading) and the
// current jitter into a value in [0, 1]. The trend only counts when valid.
func Urgency(cfg Config, trend float64, trendValid bool, jitterMs float64) float64 {
	var fromTrend float64
	if trendValid && cfg.TrendFullDbPerMin > cfg.TrendOnsetDbPerMin {
		fromTrend = clamp01((-trend - cfg.TrendOnsetDbPerMin) / (cfg.TrendFullDbPerMin - cfg.TrendOnsetDbPerMin))
	}
	var fromJitter float64
	if cfg.JitterBoundMs > 0 {
		fromJitter = clamp01((jitterMs - cfg.JitterBoundMs) / cfg.JitterBoundMs)
	}
	return math.Max(fromTrend, fromJitter)
}

// EffectiveThreshold lowers the latency threshold with urgency, floored at
// MinEffectiveThreshMs.
func EffectiveThreshold(cfg Config, urgency float64) float64 {
	thr := cfg.LatencyThresholdMs * (1 - clamp01(urgency)*cfg.PredictiveWeight)
	return math.Max(thr, math.Min(MinEffectiveThreshMs, cfg.LatencyThresholdMs))
}

// EffectiveWindow shortens the bad-sample window with urgency, floored at
// MinEffectiveWindow (or the configured window when that is smaller).
func EffectiveWindow(cfg Config, urgency float64) int {
	w := int(math.Floor(float64(cfg.Window) * (1 - clamp01(urgency)*0.5)))
	return max(w, min(MinEffectiveWindow, cfg.Window))
}
