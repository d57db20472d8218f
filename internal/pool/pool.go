// Package pool keeps the set of candidate uplinks, scores each one the same
// way the quality scorer does and hands the best one to the failover machine.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"relay-netctl/internal/core"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/quality"
	"relay-netctl/internal/signal"
)

// ErrNoCandidate is returned by BestCandidate when no usable link remains.
var ErrNoCandidate = errors.New("pool: no candidate link")

// DefaultRefreshInterval is the re-scoring period of Run.
const DefaultRefreshInterval = 2 * time.Second

// Link is one registered uplink. Signal may be nil for links without a modem.
type Link struct {
	Name      string
	Interface string
	Kind      string
	Sampler   quality.StatsSource
	Signal    quality.SignalReader
}

// roundSource is implemented by samplers that expose their latest round.
type roundSource interface {
	Latest() latency.Tick
}

// Throughput is the byte rate of a link's interface since the previous refresh.
type Throughput struct {
	RxBps float64 `json:"rx_bps"`
	TxBps float64 `json:"tx_bps"`
}

// LinkStatus is the externally visible state of a link.
type LinkStatus struct {
	Name       string        `json:"name"`
	Interface  string        `json:"interface"`
	Kind       string        `json:"kind,omitempty"`
	Score      quality.Score `json:"score"`
	Scored     bool          `json:"scored"`
	Usable     bool          `json:"usable"`
	Latency    latency.Stats `json:"latency"`
	Throughput Throughput    `json:"throughput"`
}

type counter struct {
	rx, tx uint64
	at     time.Time
}

type entry struct {
	link    Link
	status  LinkStatus
	counter counter
}

// CounterFunc reads per-interface byte counters.
type CounterFunc func(ctx context.Context) ([]psnet.IOCountersStat, error)

func ioCounters(ctx context.Context) ([]psnet.IOCountersStat, error) {
	return psnet.IOCountersWithContext(ctx, true)
}

// Pool is a registry of links. Adding and removing are pure registry
// operations; scoring happens in Refresh.
type Pool struct {
	mu       sync.RWMutex
	links    map[string]*entry
	alpha    float64
	interval time.Duration
	counters CounterFunc
	now      func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty pool refreshed every interval.
func New(interval time.Duration) *Pool {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Pool{
		links:    make(map[string]*entry),
		alpha:    quality.DefaultAlpha,
		interval: interval,
		counters: ioCounters,
		now:      time.Now,
	}
}

// Add registers a link.
func (p *Pool) Add(l Link) error {
	if l.Name == "" || l.Sampler == nil {
		return fmt.Errorf("[Pool] link needs a name and a sampler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.links[l.Name]; exists {
		return fmt.Errorf("[Pool] link %q already registered", l.Name)
	}
	p.links[l.Name] = &entry{
		link:   l,
		status: LinkStatus{Name: l.Name, Interface: l.Interface, Kind: l.Kind},
	}
	core.Log.Infof("Pool", "Registered link %q (%s, %s)", l.Name, l.Interface, l.Kind)
	return nil
}

// Remove unregisters a link. Unknown names are ignored.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	_, ok := p.links[name]
	delete(p.links, name)
	p.mu.Unlock()
	if ok {
		core.Log.Infof("Pool", "Removed link %q", name)
	}
}

// Get returns the status of one link.
func (p *Pool) Get(name string) (LinkStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.links[name]
	if !ok {
		return LinkStatus{}, false
	}
	return e.status, true
}

// All returns every link's status sorted by name.
func (p *Pool) All() []LinkStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]LinkStatus, 0, len(p.links))
	for _, e := range p.links {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh re-scores every link from its sampler and signal source and
// updates the byte rates. A link without samples keeps Scored false.
func (p *Pool) Refresh(ctx context.Context) {
	now := p.now()

	var byIface map[string]psnet.IOCountersStat
	if p.counters != nil {
		stats, err := p.counters(ctx)
		if err != nil {
			core.Log.Debugf("Pool", "Interface counters unavailable: %v", err)
		} else {
			byIface = make(map[string]psnet.IOCountersStat, len(stats))
			for _, s := range stats {
				byIface[s.Name] = s
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.links {
		p.score(e, now)
		if c, ok := byIface[e.link.Interface]; ok {
			e.status.Throughput = rate(e.counter, c, now)
			e.counter = counter{rx: c.BytesRecv, tx: c.BytesSent, at: now}
		}
	}
}

func (p *Pool) score(e *entry, now time.Time) {
	stats, err := e.link.Sampler.Aggregate()
	if err != nil {
		e.status.Usable = false
		return
	}
	var sig *signal.Snapshot
	if e.link.Signal != nil {
		if snap, fresh := e.link.Signal.Latest(); fresh {
			sig = &snap
		}
	}
	sc := quality.ScoreLink(sig, stats, now)
	if e.status.Scored {
		sc.Value = quality.Smooth(e.status.Score.Value, sc.Raw, p.alpha)
		sc.Label = quality.LabelFor(sc.Value)
	}
	e.status.Score = sc
	e.status.Scored = true
	e.status.Latency = stats
	e.status.Usable = usable(e.link.Sampler, stats)
}

// usable reports whether a link answered in its latest round. A link whose
// every target timed out in the last round is dropped at once, even while
// older successes still sit in the window.
func usable(src quality.StatsSource, stats latency.Stats) bool {
	if stats.Count <= stats.Lost {
		return false
	}
	if rs, ok := src.(roundSource); ok {
		if last := rs.Latest(); last.Seq > 0 && last.AllLost() {
			return false
		}
	}
	return true
}

func rate(prev counter, cur psnet.IOCountersStat, now time.Time) Throughput {
	if prev.at.IsZero() || cur.BytesRecv < prev.rx || cur.BytesSent < prev.tx {
		return Throughput{}
	}
	secs := now.Sub(prev.at).Seconds()
	if secs <= 0 {
		return Throughput{}
	}
	return Throughput{
		RxBps: float64(cur.BytesRecv-prev.rx) / secs,
		TxBps: float64(cur.BytesSent-prev.tx) / secs,
	}
}

// BestCandidate returns the usable link with the highest score other than
// exclude. Ties go to the lexically first name.
func (p *Pool) BestCandidate(exclude string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	best, bestScore := "", -1.0
	for name, e := range p.links {
		if name == exclude || !e.status.Scored || !e.status.Usable {
			continue
		}
		v := e.status.Score.Value
		if v > bestScore || (v == bestScore && name < best) {
			best, bestScore = name, v
		}
	}
	if best == "" {
		return "", ErrNoCandidate
	}
	return best, nil
}

// Run refreshes until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Start launches Run in a goroutine. Calling Start twice is a no-op.
func (p *Pool) Start(parent context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		p.Run(ctx)
	}(p.done)
}

// Stop cancels the loop and waits for it to exit.
func (p *Pool) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
