package signal

import (
	"context"
	"sync"
	"time"

	"relay-netctl/internal/core"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 3 * time.Second
)

// Poller reads a Source periodically in its own goroutine. A failed or slow
// read keeps the previous snapshot, so readers never block on the modem.
type Poller struct {
	src      Source
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	latest   Snapshot
	lastErr  error
	failures int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for src.
func NewPoller(src Source, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Poller{src: src, interval: interval, timeout: timeout, now: time.Now}
}

// PollOnce performs one bounded read.
func (p *Poller) PollOnce(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap, err := p.src.ReadSignal(rctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		p.failures++
		core.Log.Debugf("Signal", "Signal read failed (%d in a row): %v", p.failures, err)
		return err
	}
	if snap.Time.IsZero() {
		snap.Time = p.now()
	}
	p.latest = snap
	p.lastErr = nil
	p.failures = 0
	return nil
}

// Latest returns the last good snapshot and whether it is fresh, i.e. read
// within three poll intervals.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest.IsZero() {
		return Snapshot{}, false
	}
	return p.latest, p.now().Sub(p.latest.Time) <= 3*p.interval
}

// LastError returns the error of the most recent read, nil after a success.
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	core.Log.Infof("Signal", "Signal poller started (interval=%s, timeout=%s)", p.interval, p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			core.Log.Infof("Signal", "Signal poller stopped")
			return
		case <-ticker.C:
			_ = p.PollOnce(ctx)
		}
	}
}

// Start launches Run in a goroutine; no-op when already running.
func (p *Poller) Start(parent context.Context) {
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
func (p *Poller) Stop() {
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
