package quality

import (
	"context"

	"relay-netctl/internal/core"
)

// Hints are the recommended video encoder settings.
type Hints struct {
	Tier        int    `json:"tier"`
	BitrateKbps int    `json:"bitrate_kbps"`
	GOP         int    `json:"gop"`
	Resolution  string `json:"resolution"`
}

// tiers are ordered from best to worst; the first whose floor the score
// reaches wins.
var tiers = []struct {
	floor float64
	hints Hints
}{
	{80, Hints{Tier: 0, BitrateKbps: 4000, GOP: 60, Resolution: "1920x1080"}},
	{60, Hints{Tier: 1, BitrateKbps: 2500, GOP: 60, Resolution: "1280x720"}},
	{40, Hints{Tier: 2, BitrateKbps: 1200, GOP: 30, Resolution: "1280x720"}},
	{20, Hints{Tier: 3, BitrateKbps: 600, GOP: 30, Resolution: "854x480"}},
	{0, Hints{Tier: 4, BitrateKbps: 300, GOP: 15, Resolution: "640x360"}},
}

// HintsFor returns the encoder settings for a smoothed score.
func HintsFor(score float64) Hints {
	for _, t := range tiers {
		if score >= t.floor {
			return t.hints
		}
	}
	return tiers[len(tiers)-1].hints
}

// Encoder is the video pipeline collaborator.
type Encoder interface {
	ApplyHints(ctx context.Context, h Hints) error
	ForceKeyframe(ctx context.Context) error
}

// LogEncoder only logs the hints; used when no pipeline is attached.
type LogEncoder struct{}

func (LogEncoder) ApplyHints(_ context.Context, h Hints) error {
	core.Log.Infof("Scorer", "Encoder hints: tier=%d bitrate=%dkbps gop=%d res=%s",
		h.Tier, h.BitrateKbps, h.GOP, h.Resolution)
	return nil
}

func (LogEncoder) ForceKeyframe(context.Context) error {
	core.Log.Infof("Scorer", "Encoder keyframe requested")
	return nil
}
