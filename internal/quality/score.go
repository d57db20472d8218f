// Package quality turns latency statistics and cellular signal readings into
// one smoothed 0-100 link quality score, detects discrete network events and
// derives encoder settings from the score.
package quality

import (
	"time"

	"relay-netctl/internal/latency"
	"relay-netctl/internal/signal"
)

// Domain ranges of the component scores. Values outside a range are clamped.
// These are empirical tuning constants.
const (
	SINRMinDb   = -10.0
	SINRMaxDb   = 25.0
	RSRQMinDb   = -20.0
	RSRQMaxDb   = -3.0
	JitterMaxMs = 50.0 // jitter at or above this scores 0
	LossMax     = 0.10 // loss at or above this scores 0
)

// Component weights; they sum to 1.
const (
	WeightSINR   = 0.35
	WeightJitter = 0.30
	WeightRSRQ   = 0.15
	WeightLoss   = 0.20
)

// DefaultAlpha is the EMA smoothing factor.
const DefaultAlpha = 0.3

// Label is the coarse quality band of a score.
type Label string

const (
	LabelExcellent Label = "excellent"
	LabelGood      Label = "good"
	LabelFair      Label = "fair"
	LabelPoor      Label = "poor"
	LabelCritical  Label = "critical"
)

// LabelFor maps a 0-100 score to its band.
func LabelFor(score float64) Label {
	switch {
	case score >= 80:
		return LabelExcellent
	case score >= 60:
		return LabelGood
	case score >= 40:
		return LabelFair
	case score >= 20:
		return LabelPoor
	default:
		return LabelCritical
	}
}

// Components are the per-metric sub-scores, each 0-100.
type Components struct {
	SINR   float64 `json:"sinr"`
	RSRQ   float64 `json:"rsrq"`
	Jitter float64 `json:"jitter"`
	Loss   float64 `json:"loss"`
	// Signal is false when no signal reading contributed; SINR and RSRQ are
	// then zero and their weight is redistributed.
	Signal bool `json:"signal"`
}

// Score is a composite quality score. Value is the smoothed score and the
// only one shown to operators; Raw is the EMA input.
type Score struct {
	Value      float64    `json:"value"`
	Raw        float64    `json:"raw"`
	Label      Label      `json:"label"`
	Components Components `json:"components"`
	Time       time.Time  `json:"time"`
}

// scale linearly maps v from [lo, hi] to [0, 100], clamped.
func scale(v, lo, hi float64) float64 {
	f := (v - lo) / (hi - lo)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f * 100
}

// ComponentScores computes the sub-scores. sig may be nil for links without
// a modem.
func ComponentScores(sig *signal.Snapshot, stats latency.Stats) Components {
	c := Components{
		Jitter: 100 - scale(stats.JitterMs, 0, JitterMaxMs),
		Loss:   100 - scale(stats.Loss, 0, LossMax),
	}
	if sig != nil {
		c.Signal = true
		c.SINR = scale(sig.SINR, SINRMinDb, SINRMaxDb)
		c.RSRQ = scale(sig.RSRQ, RSRQMinDb, RSRQMaxDb)
	}
	return c
}

// Composite weights the sub-scores into a raw 0-100 score.
func Composite(c Components) float64 {
	if !c.Signal {
		return (c.Jitter*WeightJitter + c.Loss*WeightLoss) / (WeightJitter + WeightLoss)
	}
	return c.SINR*WeightSINR + c.RSRQ*WeightRSRQ + c.Jitter*WeightJitter + c.Loss*WeightLoss
}

// ScoreLink computes an unsmoothed score for one link. It is used by the
// scorer and by the link pool to rank candidates the same way.
func ScoreLink(sig *signal.Snapshot, stats latency.Stats, now time.Time) Score {
	c := ComponentScores(sig, stats)
	raw := Composite(c)
	return Score{Value: raw, Raw: raw, Label: LabelFor(raw), Components: c, Time: now}
}

// Smooth applies one EMA step. The result moves from prev towards raw by
// exactly alpha times their difference.
func Smooth(prev, raw, alpha float64) float64 {
	return prev + alpha*(raw-prev)
}
