package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay-netctl/internal/core"
	"relay-netctl/internal/latency"
)

var (
	ErrCooldown     = errors.New("failover: switch cooldown in effect")
	ErrUnknownPath  = errors.New("failover: unknown path")
	ErrNotRunning   = errors.New("failover: machine is not running")
	ErrSwitchFailed = errors.New("failover: switch failed")
)

const switchTimeout = 15 * time.Second

// Switcher moves the primary path. It reports success; failures are its own
// to log.
type Switcher interface {
	Switch(ctx context.Context, path, reason string) bool
}

// SwitcherFunc adapts a function to Switcher.
type SwitcherFunc func(ctx context.Context, path, reason string) bool

// Switch calls f.
func (f SwitcherFunc) Switch(ctx context.Context, path, reason string) bool {
	return f(ctx, path, reason)
}

// CandidateSelector picks the best alternative path.
type CandidateSelector interface {
	BestCandidate(exclude string) (string, error)
}

// LatencyFeed is the latency sampler of one path.
type LatencyFeed interface {
	Latest() latency.Tick
	Aggregate() (latency.Stats, error)
}

// TrendSource reports the SINR trend of one link. Path names that link.
type TrendSource interface {
	Path() string
	Trend() (float64, bool)
}

// Deps are the collaborators of a Machine. Selector, Trend, Events and Bus
// may be nil.
type Deps struct {
	Paths    []string
	Feeds    map[string]LatencyFeed
	Switcher Switcher
	Selector CandidateSelector
	Trend    TrendSource
	Events   *core.EventLog
	Bus      *core.EventBus
}

type requestKind int

const (
	reqForce requestKind = iota
	reqConfig
)

type request struct {
	kind   requestKind
	path   string
	reason string
	cfg    Config
	reply  chan error
}

// machineState is owned by the loop goroutine.
type machineState struct {
	state         State
	mode          Mode
	current       string
	bad           int
	urgency       float64
	effThreshold  float64
	effWindow     int
	lastSwitch    time.Time
	lastReason    string
	lastOK        bool
	cooldownUntil time.Time
	goodSince     time.Time
	lastSeq       map[string]uint64
	switches      int
	failures      int
}

// Machine is the failover state machine. All state transitions happen on the
// goroutine running Run; other goroutines enqueue requests and read snapshots.
type Machine struct {
	deps Deps
	now  func() time.Time
	reqs chan request

	cfg Config
	st  machineState

	mu   sync.RWMutex
	snap Snapshot
	view Config

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMachine creates a machine starting on the preferred path, or the first
// path when none is preferred.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if len(deps.Paths) == 0 {
		return nil, fmt.Errorf("[Failover] %w: no paths", ErrInvalidConfig)
	}
	if deps.Switcher == nil {
		return nil, errors.New("[Failover] switcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		deps: deps,
		now:  time.Now,
		reqs: make(chan request),
		cfg:  cfg,
	}
	if cfg.PreferredPath != "" && !m.known(cfg.PreferredPath) {
		return nil, fmt.Errorf("%w: preferred path %q: %w", ErrInvalidConfig, cfg.PreferredPath, ErrUnknownPath)
	}

	m.st = machineState{
		state:   StateStable,
		current: deps.Paths[0],
		lastSeq: make(map[string]uint64),
	}
	if cfg.PreferredPath != "" {
		m.st.current = cfg.PreferredPath
	}
	m.st.effThreshold = cfg.LatencyThresholdMs
	m.st.effWindow = cfg.Window
	// ticks produced before the machine existed are not judged
	for path, feed := range deps.Feeds {
		m.st.lastSeq[path] = feed.Latest().Seq
	}
	m.publish()
	return m, nil
}

func (m *Machine) known(path string) bool {
	for _, p := range m.deps.Paths {
		if p == path {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	running := m.Running()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snap
	s.Running = running
	return s
}

// Config returns the configuration in effect.
func (m *Machine) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// CurrentPath returns the active path.
func (m *Machine) CurrentPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.CurrentPath
}

// ForceSwitch asks the loop to switch to path. It honors the cooldown and
// returns ErrCooldown inside it.
func (m *Machine) ForceSwitch(ctx context.Context, path, reason string) error {
	if !m.known(path) {
		return fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	if reason == "" {
		reason = "manual"
	}
	return m.submit(ctx, request{kind: reqForce, path: path, reason: reason})
}

// SetConfig validates cfg and hands it to the loop. When the loop is not
// running it is applied directly. An invalid config leaves the current one
// in place.
func (m *Machine) SetConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.PreferredPath != "" && !m.known(cfg.PreferredPath) {
		return fmt.Errorf("%w: preferred path %q: %w", ErrInvalidConfig, cfg.PreferredPath, ErrUnknownPath)
	}

	m.runMu.Lock()
	if m.cancel == nil {
		m.applyConfig(cfg)
		m.publish()
		m.runMu.Unlock()
		return nil
	}
	m.runMu.Unlock()
	return m.submit(ctx, request{kind: reqConfig, cfg: cfg})
}

func (m *Machine) submit(ctx context.Context, req request) error {
	m.runMu.Lock()
	done := m.done
	m.runMu.Unlock()
	if done == nil {
		return ErrNotRunning
	}

	req.reply = make(chan error, 1)
	select {
	case m.reqs <- req:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) handle(ctx context.Context, req request) error {
	defer m.publish()
	switch req.kind {
	case reqConfig:
		m.applyConfig(req.cfg)
		return nil
	case reqForce:
		return m.forceSwitch(ctx, m.now(), req.path, req.reason)
	}
	return nil
}

func (m *Machine) applyConfig(cfg Config) {
	old := m.cfg
	m.cfg = cfg
	if cfg.PreferredPath != old.PreferredPath {
		m.st.goodSince = time.Time{}
	}
	core.Log.Infof("Failover", "Config updated: threshold=%.0fms window=%d cooldown=%s restore=%s preferred=%q",
		cfg.LatencyThresholdMs, cfg.Window, cfg.Cooldown, cfg.RestoreDelay, cfg.PreferredPath)
	if m.deps.Events != nil {
		m.deps.Events.Append(core.NewNetworkEvent(core.KindConfigChanged, m.now(), "", map[string]string{
			"threshold_ms": fmt.Sprintf("%.0f", cfg.LatencyThresholdMs),
			"window":       fmt.Sprint(cfg.Window),
			"cooldown":     cfg.Cooldown.String(),
			"preferred":    cfg.PreferredPath,
		}))
	}
}

func (m *Machine) forceSwitch(ctx context.Context, now time.Time, path, reason string) error {
	if path == m.st.current {
		return nil
	}
	if m.inCooldown(now) {
		return fmt.Errorf("%w until %s", ErrCooldown, m.st.lastSwitch.Add(m.cfg.Cooldown).Format(time.TimeOnly))
	}
	if !m.doSwitch(ctx, now, path, reason, core.KindPathSwitch) {
		return fmt.Errorf("%w: %s", ErrSwitchFailed, path)
	}
	return nil
}

func (m *Machine) inCooldown(now time.Time) bool {
	return !m.st.lastSwitch.IsZero() && now.Before(m.st.lastSwitch.Add(m.cfg.Cooldown))
}

// step runs one evaluation: cooldown expiry, urgency, auto-restore, and the
// judgement of a new sampler tick of the current path.
func (m *Machine) step(ctx context.Context, now time.Time) {
	defer m.publish()

	if m.st.state == StateCooldown && !m.inCooldown(now) {
		m.st.state = StateStable
		m.st.bad = 0
		core.Log.Debugf("Failover", "Cooldown over, stable on %s", m.st.current)
	}

	m.updateUrgency()

	if m.checkRestore(ctx, now) {
		return
	}

	feed, ok := m.deps.Feeds[m.st.current]
	if !ok {
		return
	}
	tick := feed.Latest()
	if tick.Seq == 0 || tick.Seq == m.st.lastSeq[m.st.current] {
		return
	}
	m.st.lastSeq[m.st.current] = tick.Seq

	if m.st.state == StateCooldown {
		return
	}

	bad := tick.AllLost() || tick.MeanMs > m.st.effThreshold
	if !bad {
		if m.st.state == StateDegrading {
			core.Log.Debugf("Failover", "%s recovered after %d bad samples", m.st.current, m.st.bad)
		}
		m.st.bad = 0
		m.st.state = StateStable
		return
	}

	m.st.bad++
	m.st.state = StateDegrading
	core.Log.Debugf("Failover", "%s bad sample %d/%d (mean=%.0fms lost=%d/%d thr=%.0fms)",
		m.st.current, m.st.bad, m.st.effWindow, tick.MeanMs, tick.Lost, tick.Total, m.st.effThreshold)

	if m.st.bad < m.st.effWindow || m.inCooldown(now) {
		return
	}

	reason := fmt.Sprintf("%d consecutive samples above %.0fms", m.st.bad, m.st.effThreshold)
	if m.st.mode == ModePredictive {
		reason += fmt.Sprintf(" (predictive, urgency %.2f)", m.st.urgency)
	}
	target, err := m.pickTarget()
	if err != nil {
		core.Log.Warnf("Failover", "No candidate to leave %s: %v", m.st.current, err)
		m.recordSwitch(now, reason+": "+err.Error(), false)
		if m.deps.Events != nil {
			m.deps.Events.Append(core.NewNetworkEvent(core.KindSwitchFailed, now, m.st.current, map[string]string{
				"from": m.st.current, "reason": reason, "error": err.Error(),
			}))
		}
		return
	}
	m.doSwitch(ctx, now, target, reason, core.KindPathSwitch)
}

// updateUrgency recomputes the predictive urgency of the current path. The
// SINR trend only counts while the current path is the one it measures; on
// any other path urgency comes from jitter alone.
func (m *Machine) updateUrgency() {
	var trend float64
	var trendOK bool
	if m.deps.Trend != nil && m.deps.Trend.Path() == m.st.current {
		trend, trendOK = m.deps.Trend.Trend()
	}
	var jitter float64
	if feed, ok := m.deps.Feeds[m.st.current]; ok {
		if st, err := feed.Aggregate(); err == nil {
			jitter = st.JitterMs
		}
	}

	u := Urgency(m.cfg, trend, trendOK, jitter)
	mode := ModeNormal
	if u > 0 {
		mode = ModePredictive
	}
	if mode != m.st.mode {
		core.Log.Infof("Failover", "Mode %s -> %s (urgency %.2f, trend %.1f dB/min, jitter %.0fms)",
			m.st.mode, mode, u, trend, jitter)
	}
	m.st.urgency = u
	m.st.mode = mode
	m.st.effThreshold = EffectiveThreshold(m.cfg, u)
	m.st.effWindow = EffectiveWindow(m.cfg, u)
}

// checkRestore tracks how long the preferred path has been continuously good
// while another path is active, and switches back after RestoreDelay unless
// the event log holds a degradation of that path from the same period.
func (m *Machine) checkRestore(ctx context.Context, now time.Time) bool {
	pref := m.cfg.PreferredPath
	if pref == "" || pref == m.st.current || m.cfg.RestoreDelay <= 0 {
		m.st.goodSince = time.Time{}
		return false
	}
	feed, ok := m.deps.Feeds[pref]
	if !ok {
		return false
	}

	tick := feed.Latest()
	if tick.Seq != 0 && tick.Seq != m.st.lastSeq[pref] {
		m.st.lastSeq[pref] = tick.Seq
		if !tick.AllLost() && tick.MeanMs < restoreFactor*m.cfg.LatencyThresholdMs {
			if m.st.goodSince.IsZero() {
				m.st.goodSince = now
				core.Log.Debugf("Failover", "Preferred path %s is good, restoring after %s", pref, m.cfg.RestoreDelay)
			}
		} else {
			m.st.goodSince = time.Time{}
		}
	}

	if m.st.goodSince.IsZero() || now.Sub(m.st.goodSince) < m.cfg.RestoreDelay {
		return false
	}
	if m.inCooldown(now) || m.st.state == StateSwitching {
		return false
	}
	if m.deps.Events != nil && m.deps.Events.RecentDegradation(pref, now.Add(-m.cfg.RestoreDelay)) {
		core.Log.Debugf("Failover", "Holding restore to %s: degradation within the last %s", pref, m.cfg.RestoreDelay)
		return false
	}

	reason := fmt.Sprintf("preferred path good for %s", now.Sub(m.st.goodSince).Truncate(time.Second))
	m.doSwitch(ctx, now, pref, reason, core.KindAutoRestore)
	m.st.goodSince = time.Time{}
	return true
}

func (m *Machine) pickTarget() (string, error) {
	if m.deps.Selector != nil {
		return m.deps.Selector.BestCandidate(m.st.current)
	}
	for _, p := range m.deps.Paths {
		if p != m.st.current {
			return p, nil
		}
	}
	return "", errors.New("no alternative path")
}

// doSwitch calls the switcher and enters the cooldown whatever the outcome.
func (m *Machine) doSwitch(ctx context.Context, now time.Time, target, reason string, kind core.EventKind) bool {
	from := m.st.current
	m.st.state = StateSwitching
	m.publish()
	core.Log.Infof("Failover", "Switching %s -> %s: %s", from, target, reason)

	sctx, cancel := context.WithTimeout(ctx, switchTimeout)
	ok := m.deps.Switcher.Switch(sctx, target, reason)
	cancel()

	if ok {
		m.st.current = target
	} else {
		core.Log.Errorf("Failover", "Switch %s -> %s failed", from, target)
		kind = core.KindSwitchFailed
	}
	m.recordSwitch(now, reason, ok)
	if m.deps.Bus != nil {
		m.deps.Bus.PublishAsync(core.Event{
			Type:    core.EventPathSwitched,
			Payload: core.PathSwitchPayload{From: from, To: target, Reason: reason, Success: ok},
		})
	}
	if m.deps.Events != nil {
		m.deps.Events.Append(core.NewNetworkEvent(kind, now, target, map[string]string{
			"from": from, "to": target, "reason": reason,
		}))
	}
	return ok
}

func (m *Machine) recordSwitch(now time.Time, reason string, ok bool) {
	m.st.lastSwitch = now
	m.st.lastReason = reason
	m.st.lastOK = ok
	m.st.cooldownUntil = now.Add(m.cfg.Cooldown)
	m.st.state = StateCooldown
	m.st.bad = 0
	if ok {
		m.st.switches++
	} else {
		m.st.failures++
	}
}

func (m *Machine) publish() {
	s := Snapshot{
		State:                m.st.state,
		Mode:                 m.st.mode,
		CurrentPath:          m.st.current,
		PreferredPath:        m.cfg.PreferredPath,
		ConsecutiveBad:       m.st.bad,
		Urgency:              m.st.urgency,
		EffectiveThresholdMs: m.st.effThreshold,
		EffectiveWindow:      m.st.effWindow,
		LastSwitch:           m.st.lastSwitch,
		LastSwitchReason:     m.st.lastReason,
		LastSwitchOK:         m.st.lastOK,
		CooldownUntil:        m.st.cooldownUntil,
		PreferredGoodSince:   m.st.goodSince,
		Switches:             m.st.switches,
		FailedSwitches:       m.st.failures,
	}
	m.mu.Lock()
	m.snap = s
	m.view = m.cfg
	m.mu.Unlock()
}

// Run evaluates on EvaluateInterval and serves requests until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	core.Log.Infof("Failover", "Failover started on %s (threshold=%.0fms window=%d cooldown=%s)",
		m.st.current, m.cfg.LatencyThresholdMs, m.cfg.Window, m.cfg.Cooldown)

	interval := m.cfg.EvaluateInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			core.Log.Infof("Failover", "Failover stopped on %s", m.st.current)
			return
		case req := <-m.reqs:
			req.reply <- m.handle(ctx, req)
			if m.cfg.EvaluateInterval != interval {
				interval = m.cfg.EvaluateInterval
				ticker.Reset(interval)
			}
		case <-ticker.C:
			m.step(ctx, m.now())
		}
	}
}

// Start launches Run in a goroutine; no-op when already running.
func (m *Machine) Start(parent context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.Run(ctx)
	}(m.done)
}

// Stop cancels the loop and waits for it to exit.
func (m *Machine) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (m *Machine) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}
