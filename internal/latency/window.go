// Package latency measures round-trip times to a fixed target set and derives
// windowed statistics (avg/min/max/jitter/loss/p95) from them.
package latency

import (
	"math"
	"sort"
	"time"
)

// DefaultWindow is the number of samples kept per target (about a minute at 2s).
const DefaultWindow = 30

// Sample is one probe result. A timed-out probe has Timeout set and RTT zero.
type Sample struct {
	Target  string        `json:"target"`
	RTT     time.Duration `json:"rtt"`
	Timeout bool          `json:"timeout"`
	Time    time.Time     `json:"time"`
}

// Stats is derived on read from the samples currently in a window.
// Durations are reported in milliseconds.
type Stats struct {
	AvgMs    float64 `json:"avg_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	JitterMs float64 `json:"jitter_ms"`
	P95Ms    float64 `json:"p95_ms"`
	Loss     float64 `json:"loss"` // fraction in [0,1]
	Count    int     `json:"count"`
	Lost     int     `json:"lost"`
}

// Window is a fixed-capacity ring of samples; the oldest is evicted on overflow.
// Not safe for concurrent use; Sampler guards it.
type Window struct {
	samples []Sample
	cursor  int
	count   int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Window{samples: make([]Sample, capacity)}
}

// Add appends a sample, evicting the oldest when full.
func (w *Window) Add(s Sample) {
	w.samples[w.cursor] = s
	w.cursor = (w.cursor + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.count }

// Cap returns the capacity.
func (w *Window) Cap() int { return len(w.samples) }

// Samples returns the held samples oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.count)
	start := (w.cursor - w.count + len(w.samples)) % len(w.samples)
	for i := range w.count {
		out[i] = w.samples[(start+i)%len(w.samples)]
	}
	return out
}

// Last returns the most recent sample.
func (w *Window) Last() (Sample, bool) {
	if w.count == 0 {
		return Sample{}, false
	}
	return w.samples[(w.cursor-1+len(w.samples))%len(w.samples)], true
}

// Stats computes statistics over the window.
func (w *Window) Stats() Stats {
	return Compute(w.Samples())
}

// Compute derives Stats from samples given oldest first. Jitter is the mean
// absolute difference between consecutive successful samples. With no
// successful sample the loss is 1 and the RTT figures are zero.
func Compute(samples []Sample) Stats {
	st := Stats{Count: len(samples)}
	if len(samples) == 0 {
		return st
	}

	rtts := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Timeout {
			st.Lost++
			continue
		}
		rtts = append(rtts, ms(s.RTT))
	}
	st.Loss = float64(st.Lost) / float64(st.Count)
	if len(rtts) == 0 {
		return st
	}

	st.MinMs, st.MaxMs = rtts[0], rtts[0]
	var sum, diffSum float64
	for i, v := range rtts {
		sum += v
		st.MinMs = math.Min(st.MinMs, v)
		st.MaxMs = math.Max(st.MaxMs, v)
		if i > 0 {
			diffSum += math.Abs(v - rtts[i-1])
		}
	}
	st.AvgMs = sum / float64(len(rtts))
	if len(rtts) > 1 {
		st.JitterMs = diffSum / float64(len(rtts)-1)
	}
	st.P95Ms = Percentile(rtts, 95)
	return st
}

// Percentile returns the nearest-rank percentile of values (0 < p <= 100).
// values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
