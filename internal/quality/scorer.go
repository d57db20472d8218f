package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay-netctl/internal/core"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/signal"
)

// Event thresholds.
const (
	SINRDropDb          = 5.0
	HighJitterMs        = 40.0
	LossSpikeFraction   = 0.05
	DefaultLatencySpike = 200.0
)

const (
	DefaultTickInterval = time.Second
	hintTimeout         = 2 * time.Second
)

// StatsSource provides aggregated latency statistics of the scored path.
type StatsSource interface {
	Aggregate() (latency.Stats, error)
}

// SignalReader provides the latest signal snapshot without blocking.
type SignalReader interface {
	Latest() (signal.Snapshot, bool)
}

// Config configures a Scorer.
type Config struct {
	Path           string
	Interval       time.Duration
	Alpha          float64
	History        int
	LatencySpikeMs float64
}

// ConfigFromYAML converts the on-disk scorer section.
func ConfigFromYAML(c core.ScorerConfig, path string, latencySpikeMs float64) Config {
	return Config{
		Path:           path,
		Interval:       core.DurationOr(c.Interval, DefaultTickInterval),
		Alpha:          c.Alpha,
		History:        c.History,
		LatencySpikeMs: latencySpikeMs,
	}
}

// Status is the scorer's view after its latest tick.
type Status struct {
	Path        string           `json:"path"`
	Score       Score            `json:"score"`
	Trend       float64          `json:"trend_db_per_min"`
	TrendValid  bool             `json:"trend_valid"`
	Signal      *signal.Snapshot `json:"signal,omitempty"`
	SignalFresh bool             `json:"signal_fresh"`
	Latency     latency.Stats    `json:"latency"`
	Hints       Hints            `json:"hints"`
	Ticks       uint64           `json:"ticks"`
}

// edges tracks threshold conditions so each crossing is reported once.
type edges struct {
	highJitter   bool
	lossSpike    bool
	latencySpike bool
	lowScore     bool
	signalLost   bool
}

// Scorer combines latency and signal into a smoothed quality score on a
// fixed interval, appends detected events and pushes encoder hints.
type Scorer struct {
	cfg     Config
	latency StatsSource
	signal  SignalReader
	encoder Encoder
	events  *core.EventLog

	mu        sync.RWMutex
	status    Status
	hist      history
	last      signal.Snapshot
	hadSignal bool
	hintsSent bool
	edges     edges
	onTick    func(Status)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScorer creates a scorer. sig may be nil for a path without a modem,
// enc may be nil to only log hints, events may be nil.
func NewScorer(cfg Config, lat StatsSource, sig SignalReader, enc Encoder, events *core.EventLog) *Scorer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickInterval
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.History < 3 {
		cfg.History = DefaultHistory
	}
	if cfg.LatencySpikeMs <= 0 {
		cfg.LatencySpikeMs = DefaultLatencySpike
	}
	if enc == nil {
		enc = LogEncoder{}
	}
	return &Scorer{
		cfg:     cfg,
		latency: lat,
		signal:  sig,
		encoder: enc,
		events:  events,
		hist:    history{size: cfg.History},
		status:  Status{Path: cfg.Path},
	}
}

// OnTick registers a callback invoked after every scored tick.
func (s *Scorer) OnTick(fn func(Status)) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// SetLatencySpike updates the latency spike threshold, normally the failover
// latency threshold.
func (s *Scorer) SetLatencySpike(ms float64) {
	if ms <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.LatencySpikeMs = ms
	s.mu.Unlock()
}

// Status returns the result of the latest tick.
func (s *Scorer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Signal != nil {
		snap := *st.Signal
		st.Signal = &snap
	}
	return st
}

// Path returns the name of the scored path.
func (s *Scorer) Path() string { return s.cfg.Path }

// Trend returns the SINR trend in dB/min and whether enough history exists.
func (s *Scorer) Trend() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Trend, s.status.TrendValid
}

// Tick scores one interval. It never blocks on the modem or the sampler:
// both are read from their latest results. Without any latency result yet
// the previous status is returned unchanged.
func (s *Scorer) Tick(ctx context.Context, now time.Time) Status {
	stats, err := s.latency.Aggregate()
	if err != nil {
		return s.Status()
	}

	var snap signal.Snapshot
	var fresh bool
	if s.signal != nil {
		snap, fresh = s.signal.Latest()
	}

	s.mu.Lock()
	var pending []core.NetworkEvent
	emit := func(kind core.EventKind, details map[string]string) {
		pending = append(pending, core.NewNetworkEvent(kind, now, s.cfg.Path, details))
	}

	var sig *signal.Snapshot
	if !snap.IsZero() {
		sig = &snap
	}

	cellChanged := false
	if sig != nil && !snap.Time.Equal(s.last.Time) {
		if !s.last.IsZero() {
			if !snap.SameCell(s.last) {
				cellChanged = true
				emit(core.KindCellChange, map[string]string{
					"from_cell": s.last.CellID, "from_pci": s.last.PCI,
					"to_cell": snap.CellID, "to_pci": snap.PCI, "band": snap.Band,
				})
			}
			if drop := s.last.SINR - snap.SINR; drop >= SINRDropDb {
				emit(core.KindSINRDrop, map[string]string{
					"from_db": fmtf(s.last.SINR), "to_db": fmtf(snap.SINR),
				})
			}
		}
		s.last = snap
		s.hist.add(snap)
	}
	if s.signal != nil {
		if fresh {
			s.hadSignal = true
		}
		if rising(&s.edges.signalLost, s.hadSignal && !fresh) {
			emit(core.KindSignalLost, map[string]string{"last_seen": s.last.Time.Format(time.RFC3339)})
		}
	}

	score := ScoreLink(sig, stats, now)
	if s.status.Ticks > 0 {
		score.Value = Smooth(s.status.Score.Value, score.Raw, s.cfg.Alpha)
	}
	score.Label = LabelFor(score.Value)

	if rising(&s.edges.highJitter, stats.JitterMs >= HighJitterMs) {
		emit(core.KindHighJitter, map[string]string{"jitter_ms": fmtf(stats.JitterMs)})
	}
	if rising(&s.edges.lossSpike, stats.Loss >= LossSpikeFraction) {
		emit(core.KindPacketLossSpike, map[string]string{"loss": fmtf(stats.Loss)})
	}
	if rising(&s.edges.latencySpike, stats.AvgMs >= s.cfg.LatencySpikeMs) {
		emit(core.KindLatencySpike, map[string]string{
			"avg_ms": fmtf(stats.AvgMs), "threshold_ms": fmtf(s.cfg.LatencySpikeMs),
		})
	}
	if rising(&s.edges.lowScore, score.Value < 40) {
		emit(core.KindScoreDrop, map[string]string{"score": fmtf(score.Value), "label": string(score.Label)})
	}

	trend, trendOK := SINRTrend(s.hist.items)

	hints := HintsFor(score.Value)
	pushHints := !s.hintsSent || hints.Tier != s.status.Hints.Tier
	s.hintsSent = true

	s.status = Status{
		Path:        s.cfg.Path,
		Score:       score,
		Trend:       trend,
		TrendValid:  trendOK,
		Signal:      sig,
		SignalFresh: fresh,
		Latency:     stats,
		Hints:       hints,
		Ticks:       s.status.Ticks + 1,
	}
	status := s.status
	onTick := s.onTick
	s.mu.Unlock()

	if s.events != nil {
		for _, e := range pending {
			s.events.Append(e)
		}
	}
	for _, e := range pending {
		core.Log.Infof("Scorer", "%s: %s %v", s.cfg.Path, e.Kind, e.Details)
	}

	if pushHints || cellChanged {
		hctx, cancel := context.WithTimeout(ctx, hintTimeout)
		if pushHints {
			if err := s.encoder.ApplyHints(hctx, hints); err != nil {
				core.Log.Warnf("Scorer", "Failed to apply encoder hints: %v", err)
			}
		}
		if cellChanged {
			if err := s.encoder.ForceKeyframe(hctx); err != nil {
				core.Log.Warnf("Scorer", "Failed to force keyframe: %v", err)
			}
		}
		cancel()
	}

	if onTick != nil {
		onTick(status)
	}
	return status
}

// Run ticks until ctx is cancelled.
func (s *Scorer) Run(ctx context.Context) {
	core.Log.Infof("Scorer", "Scorer %s started (interval=%s, alpha=%.2f)", s.cfg.Path, s.cfg.Interval, s.cfg.Alpha)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			core.Log.Infof("Scorer", "Scorer %s stopped", s.cfg.Path)
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Start launches Run in a goroutine; no-op when already running.
func (s *Scorer) Start(parent context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scorer) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Scorer) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// rising sets *state to cond and reports a false-to-true transition.
func rising(state *bool, cond bool) bool {
	was := *state
	*state = cond
	return cond && !was
}

func fmtf(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
