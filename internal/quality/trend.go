package quality

import "relay-netctl/internal/signal"

// DefaultHistory is the number of signal snapshots used for the trend.
const DefaultHistory = 10

// SINRTrend returns the least-squares slope of SINR over time in dB/min.
// It needs at least three snapshots spanning a non-zero duration.
func SINRTrend(history []signal.Snapshot) (float64, bool) {
	n := float64(len(history))
	if len(history) < 3 {
		return 0, false
	}

	t0 := history[0].Time
	var sumX, sumY, sumXY, sumX2 float64
	for _, s := range history {
		x := s.Time.Sub(t0).Minutes()
		sumX += x
		sumY += s.SINR
		sumXY += x * s.SINR
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

// history keeps the most recent snapshots, oldest first.
type history struct {
	size  int
	items []signal.Snapshot
}

func (h *history) add(s signal.Snapshot) {
	if n := len(h.items); n > 0 && h.items[n-1].Time.Equal(s.Time) {
		return
	}
	h.items = append(h.items, s)
	if len(h.items) > h.size {
		h.items = h.items[len(h.items)-h.size:]
	}
}
