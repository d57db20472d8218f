package latency

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relay-netctl/internal/core"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 1500 * time.Millisecond
)

// ErrNotStarted is returned by Stats before the first sample of a target.
var ErrNotStarted = errors.New("latency: no samples yet")

// DefaultTargets are three well-known public resolvers.
var DefaultTargets = []string{"8.8.8.8", "1.1.1.1", "9.9.9.9"}

// Tick summarizes one sampling round over all targets.
type Tick struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	MeanMs  float64   `json:"mean_ms"` // mean RTT of the successful probes
	Lost    int       `json:"lost"`
	Total   int       `json:"total"`
	Samples []Sample  `json:"samples"`
}

// AllLost reports whether every probe of the round timed out.
func (t Tick) AllLost() bool {
	return t.Total > 0 && t.Lost == t.Total
}

// Config configures a Sampler.
type Config struct {
	Path     string
	Targets  []string
	Interval time.Duration
	Timeout  time.Duration
	Window   int
	Prober   Prober
}

// ConfigFromYAML converts the on-disk sampler section for one path.
func ConfigFromYAML(c core.SamplerConfig, path, iface string) Config {
	timeout := core.DurationOr(c.Timeout, DefaultTimeout)
	var prober Prober
	if c.Probe == "icmp" {
		prober = NewICMPProber(iface, timeout)
	} else {
		prober = NewDNSProber(iface, timeout)
	}
	return Config{
		Path:     path,
		Targets:  c.Targets,
		Interval: core.DurationOr(c.Interval, DefaultInterval),
		Timeout:  timeout,
		Window:   c.Window,
		Prober:   prober,
	}
}

// Sampler probes its targets on a fixed interval. Each target is probed in
// parallel and independently: a failing target never delays the others, and
// there are no retries within a round.
type Sampler struct {
	cfg Config

	mu      sync.RWMutex
	windows map[string]*Window
	latest  Tick
	seq     uint64
	onTick  func(Tick)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler. Zero config fields take defaults.
func NewSampler(cfg Config) *Sampler {
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargets
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Prober == nil {
		cfg.Prober = NewDNSProber("", cfg.Timeout)
	}

	windows := make(map[string]*Window, len(cfg.Targets))
	for _, t := range cfg.Targets {
		windows[t] = NewWindow(cfg.Window)
	}
	return &Sampler{cfg: cfg, windows: windows}
}

// Path returns the name of the path this sampler measures.
func (s *Sampler) Path() string { return s.cfg.Path }

// Targets returns the probed targets.
func (s *Sampler) Targets() []string { return append([]string(nil), s.cfg.Targets...) }

// Interval returns the sampling interval.
func (s *Sampler) Interval() time.Duration { return s.cfg.Interval }

// OnTick registers a callback invoked after every round. Must be set before Start.
func (s *Sampler) OnTick(fn func(Tick)) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// SampleOnce sends one probe with the configured timeout. It never fails:
// errors become a timeout-marked sample.
func (s *Sampler) SampleOnce(ctx context.Context, target string) Sample {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rtt, err := s.cfg.Prober.Probe(pctx, target)
	sample := Sample{Target: target, Time: time.Now()}
	if err != nil || rtt > s.cfg.Timeout {
		sample.Timeout = true
		core.Log.Debugf("Sampler", "%s: probe %s failed: %v", s.cfg.Path, target, err)
		return sample
	}
	sample.RTT = rtt
	return sample
}

// Stats returns the statistics of one target's window.
func (s *Sampler) Stats(target string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[target]
	if !ok || w.Len() == 0 {
		return Stats{}, ErrNotStarted
	}
	return w.Stats(), nil
}

// Aggregate combines all targets: avg/min/max/p95/loss over every sample in
// every window, jitter as the mean of the per-target jitters.
func (s *Sampler) Aggregate() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Sample
	var jitterSum float64
	jitterN := 0
	for _, w := range s.windows {
		samples := w.Samples()
		if len(samples) == 0 {
			continue
		}
		all = append(all, samples...)
		st := Compute(samples)
		if st.Count-st.Lost > 1 {
			jitterSum += st.JitterMs
			jitterN++
		}
	}
	if len(all) == 0 {
		return Stats{}, ErrNotStarted
	}

	st := Compute(all)
	st.JitterMs = 0
	if jitterN > 0 {
		st.JitterMs = jitterSum / float64(jitterN)
	}
	return st, nil
}

// Latest returns the most recent round. Seq is zero before the first round.
func (s *Sampler) Latest() Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// RunOnce probes every target in parallel, records the samples and returns
// the round summary.
func (s *Sampler) RunOnce(ctx context.Context) Tick {
	samples := make([]Sample, len(s.cfg.Targets))

	var g errgroup.Group
	for i, target := range s.cfg.Targets {
		g.Go(func() error {
			samples[i] = s.SampleOnce(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	tick := Tick{Time: time.Now(), Total: len(samples), Samples: samples}
	var sum float64
	for _, smp := range samples {
		if smp.Timeout {
			tick.Lost++
			continue
		}
		sum += ms(smp.RTT)
	}
	if ok := tick.Total - tick.Lost; ok > 0 {
		tick.MeanMs = sum / float64(ok)
	}

	s.mu.Lock()
	for _, smp := range samples {
		w, ok := s.windows[smp.Target]
		if !ok {
			w = NewWindow(s.cfg.Window)
			s.windows[smp.Target] = w
		}
		w.Add(smp)
	}
	s.seq++
	tick.Seq = s.seq
	s.latest = tick
	onTick := s.onTick
	s.mu.Unlock()

	if onTick != nil {
		onTick(tick)
	}
	return tick
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	core.Log.Infof("Sampler", "Sampler %s started (targets=%v, interval=%s, timeout=%s)",
		s.cfg.Path, s.cfg.Targets, s.cfg.Interval, s.cfg.Timeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			core.Log.Infof("Sampler", "Sampler %s stopped", s.cfg.Path)
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Start launches Run in a goroutine. Calling Start on a running sampler is a no-op.
func (s *Sampler) Start(parent context.Context) {
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
func (s *Sampler) Stop() {
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
func (s *Sampler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}
