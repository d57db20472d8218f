// Package service is the control surface of the daemon. Service ties the
// control loops together and is exposed over gRPC, HTTP and WebSocket.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/metrics"
	"relay-netctl/internal/pool"
	"relay-netctl/internal/prefs"
	"relay-netctl/internal/quality"
	"relay-netctl/internal/routing"
	"relay-netctl/internal/signal"
)

// Loop names a group of control loops that is started and stopped together.
type Loop string

const (
	LoopSampler  Loop = "sampler"
	LoopScorer   Loop = "scorer"
	LoopFailover Loop = "failover"
	LoopAll      Loop = "all"
)

var (
	// ErrUnknownLoop is returned for a loop name outside the known set.
	ErrUnknownLoop = errors.New("unknown loop")
	// ErrInvalidLogLevel is returned for an unknown level or an empty component.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrNoLogTail is returned by FollowLogs when no LogTail is configured.
	ErrNoLogTail = errors.New("log tail not available")
)

const (
	statusEvents   = 20
	statusLogLines = 20
	observeEvery   = time.Second
)

// ParseLoop accepts the loop names, an empty string meaning all loops.
func ParseLoop(s string) (Loop, error) {
	switch l := Loop(s); l {
	case LoopSampler, LoopScorer, LoopFailover, LoopAll:
		return l, nil
	case "":
		return LoopAll, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownLoop, s)
}

// PathFeed is the latency sampler of one configured path.
type PathFeed struct {
	Name      string
	Interface string
	Sampler   *latency.Sampler
}

// Options are the components a Service controls. Poller, Pool, Prefs,
// Metrics and Logs may be nil.
type Options struct {
	Config  *core.ConfigManager
	Bus     *core.EventBus
	Events  *core.EventLog
	Paths   []PathFeed
	Poller  *signal.Poller
	Scorer  *quality.Scorer
	Machine *failover.Machine
	Routing *routing.Manager
	Pool    *pool.Pool
	Prefs   *prefs.Store
	Metrics *metrics.Metrics
	Logs    *LogTail
}

// PathStatus is the latency view of one path.
type PathStatus struct {
	Name      string        `json:"name"`
	Interface string        `json:"interface"`
	Running   bool          `json:"running"`
	Sampled   bool          `json:"sampled"`
	Latency   latency.Stats `json:"latency"`
	LastTick  latency.Tick  `json:"last_tick"`
}

// Status is the composite view served to operators.
type Status struct {
	Time     time.Time           `json:"time"`
	Uptime   string              `json:"uptime"`
	Loops    map[Loop]bool       `json:"loops"`
	Quality  quality.Status      `json:"quality"`
	Paths    []PathStatus        `json:"paths"`
	Failover failover.Snapshot   `json:"failover"`
	Routing  routing.State       `json:"routing"`
	Links    []pool.LinkStatus   `json:"links,omitempty"`
	Events   []core.NetworkEvent `json:"events"`
	Logs     []LogEntry          `json:"logs,omitempty"`
	// path changes, forced or automatic, during the last hour
	RecentSwitches int `json:"recent_switches"`
}

// Service is the central orchestrator.
type Service struct {
	opts    Options
	started time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[Loop]bool
	wg      sync.WaitGroup

	// observing is set once Start has launched the background tasks
	observing bool
}

// New creates a service and wires the metrics callbacks.
func New(opts Options) *Service {
	s := &Service{
		opts:    opts,
		started: time.Now(),
		running: make(map[Loop]bool),
	}
	if m := opts.Metrics; m != nil {
		for _, p := range opts.Paths {
			name, sampler := p.Name, p.Sampler
			sampler.OnTick(func(t latency.Tick) {
				m.ObserveTick(name, t)
				if st, err := sampler.Aggregate(); err == nil {
					m.ObserveLatency(name, st)
				}
			})
		}
		if opts.Scorer != nil {
			opts.Scorer.OnTick(func(st quality.Status) { m.ObserveScore(st.Path, st.Score) })
		}
		if opts.Routing != nil {
			opts.Routing.OnOperation(m.ObserveRouteOp)
		}
	}
	if bus := opts.Bus; bus != nil {
		bus.Subscribe(core.EventNetwork, journal)
		if m, fm := opts.Metrics, opts.Machine; m != nil && fm != nil {
			bus.Subscribe(core.EventPathSwitched, func(core.Event) { m.ObserveFailover(fm.Snapshot()) })
		}
	}
	return s
}

// journal writes network events to the daemon log.
func journal(e core.Event) {
	ne, ok := e.Payload.(core.NetworkEvent)
	if !ok {
		return
	}
	if ne.Path != "" {
		core.Log.Infof("Event", "%s on %s %v", ne.Kind, ne.Path, ne.Details)
		return
	}
	core.Log.Infof("Event", "%s %v", ne.Kind, ne.Details)
}

// Start begins background work that is not a control loop: event fan-out to
// metrics and the periodic failover gauges. Loops are started separately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observing {
		return
	}
	s.observing = true
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	if s.opts.Logs != nil {
		s.opts.Logs.Start()
	}
	if s.opts.Metrics != nil {
		s.wg.Add(1)
		go s.observe(s.ctx)
	}
}

func (s *Service) observe(ctx context.Context) {
	defer s.wg.Done()
	var sub *core.EventSubscriber
	var events <-chan core.NetworkEvent
	if s.opts.Events != nil {
		sub = s.opts.Events.Subscribe()
		events = sub.C
		defer s.opts.Events.Unsubscribe(sub)
	}
	ticker := time.NewTicker(observeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			s.opts.Metrics.ObserveEvent(e)
		case <-ticker.C:
			if s.opts.Machine != nil {
				s.opts.Metrics.ObserveFailover(s.opts.Machine.Snapshot())
			}
		}
	}
}

func (s *Service) baseContext() context.Context {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	return s.ctx
}

func expand(loop Loop) []Loop {
	if loop == LoopAll {
		return []Loop{LoopSampler, LoopScorer, LoopFailover}
	}
	return []Loop{loop}
}

// StartLoops starts a loop group. The loops outlive the caller's request;
// they stop with StopLoops or Shutdown.
func (s *Service) StartLoops(loop Loop) error {
	if _, err := ParseLoop(string(loop)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.baseContext()

	for _, l := range expand(loop) {
		switch l {
		case LoopSampler:
			for _, p := range s.opts.Paths {
				p.Sampler.Start(ctx)
			}
			if s.opts.Poller != nil {
				s.opts.Poller.Start(ctx)
			}
			if s.opts.Pool != nil {
				s.opts.Pool.Start(ctx)
			}
		case LoopScorer:
			if s.opts.Scorer != nil {
				s.opts.Scorer.Start(ctx)
			}
		case LoopFailover:
			if s.opts.Machine != nil {
				s.opts.Machine.Start(ctx)
			}
		}
		if !s.running[l] {
			core.Log.Infof("API", "Loop %s started", l)
		}
		s.running[l] = true
	}
	return nil
}

// StopLoops stops a loop group and waits for it to exit.
func (s *Service) StopLoops(loop Loop) error {
	if _, err := ParseLoop(string(loop)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range expand(loop) {
		s.stopLocked(l)
	}
	return nil
}

func (s *Service) stopLocked(l Loop) {
	switch l {
	case LoopSampler:
		for _, p := range s.opts.Paths {
			p.Sampler.Stop()
		}
		if s.opts.Poller != nil {
			s.opts.Poller.Stop()
		}
		if s.opts.Pool != nil {
			s.opts.Pool.Stop()
		}
	case LoopScorer:
		if s.opts.Scorer != nil {
			s.opts.Scorer.Stop()
		}
	case LoopFailover:
		if s.opts.Machine != nil {
			s.opts.Machine.Stop()
		}
	}
	if s.running[l] {
		core.Log.Infof("API", "Loop %s stopped", l)
	}
	delete(s.running, l)
}

// Loops reports which loop groups are running.
func (s *Service) Loops() map[Loop]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Loop]bool{LoopSampler: false, LoopScorer: false, LoopFailover: false}
	for l := range s.running {
		out[l] = true
	}
	return out
}

// Status assembles the composite status. It only reads snapshots and never
// waits on a control loop.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Time:   time.Now(),
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
		Loops:  s.Loops(),
	}
	if s.opts.Scorer != nil {
		st.Quality = s.opts.Scorer.Status()
	}
	for _, p := range s.opts.Paths {
		ps := PathStatus{Name: p.Name, Interface: p.Interface, Running: p.Sampler.Running(), LastTick: p.Sampler.Latest()}
		if agg, err := p.Sampler.Aggregate(); err == nil {
			ps.Sampled = true
			ps.Latency = agg
		}
		st.Paths = append(st.Paths, ps)
	}
	if s.opts.Machine != nil {
		st.Failover = s.opts.Machine.Snapshot()
	}
	if s.opts.Routing != nil {
		st.Routing = s.opts.Routing.State(ctx)
	}
	if s.opts.Pool != nil {
		st.Links = s.opts.Pool.All()
	}
	if s.opts.Events != nil {
		st.Events = s.opts.Events.Recent(statusEvents)
		hourAgo := st.Time.Add(-time.Hour)
		st.RecentSwitches = s.opts.Events.Count(core.KindPathSwitch, hourAgo) + s.opts.Events.Count(core.KindAutoRestore, hourAgo)
	}
	if s.opts.Logs != nil {
		st.Logs = s.opts.Logs.Tail(statusLogLines)
	}
	return st
}

// Events returns the retained events at or after since.
func (s *Service) Events(since time.Time) []core.NetworkEvent {
	if s.opts.Events == nil {
		return nil
	}
	return s.opts.Events.Since(since)
}

// GetFailoverConfig returns the failover configuration in effect.
func (s *Service) GetFailoverConfig() core.FailoverYAML {
	return s.opts.Machine.Config().YAML()
}

// SetFailoverConfig validates, applies and persists a new failover
// configuration. Every field is taken literally, so zero values are not
// defaulted. Invalid input is rejected with failover.ErrInvalidConfig and
// changes nothing. Nothing is persisted unless the failover loop accepted
// the config.
func (s *Service) SetFailoverConfig(ctx context.Context, y core.FailoverYAML) (core.FailoverYAML, error) {
	cfg, err := failover.ParseConfig(y)
	if err != nil {
		return core.FailoverYAML{}, err
	}
	if cfg.PreferredPath != "" && !s.knownPath(cfg.PreferredPath) {
		return core.FailoverYAML{}, fmt.Errorf("%w: preferred path %q is not configured", failover.ErrInvalidConfig, cfg.PreferredPath)
	}

	if err := s.opts.Machine.SetConfig(ctx, cfg); err != nil {
		return core.FailoverYAML{}, err
	}
	out := cfg.YAML()
	if s.opts.Config != nil {
		s.opts.Config.SetFailover(out)
	}
	if s.opts.Scorer != nil {
		s.opts.Scorer.SetLatencySpike(cfg.LatencyThresholdMs)
	}
	if s.opts.Prefs != nil {
		if err := s.opts.Prefs.SaveFailover(out); err != nil {
			return core.FailoverYAML{}, fmt.Errorf("[API] failover config applied but not persisted: %w", err)
		}
		if err := s.opts.Prefs.SetPreferredPath(cfg.PreferredPath); err != nil {
			return core.FailoverYAML{}, fmt.Errorf("[API] failover config applied but not persisted: %w", err)
		}
	}
	core.Log.Infof("API", "Failover config updated (threshold=%.0fms, window=%d, cooldown=%s, restore=%s, preferred=%q)",
		cfg.LatencyThresholdMs, cfg.Window, cfg.Cooldown, cfg.RestoreDelay, cfg.PreferredPath)
	return out, nil
}

func (s *Service) knownPath(name string) bool {
	for _, p := range s.opts.Paths {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ForceSwitch asks the failover loop for a manual switch.
func (s *Service) ForceSwitch(ctx context.Context, path, reason string) error {
	core.Log.Infof("API", "Manual switch to %s requested (%s)", path, reason)
	return s.opts.Machine.ForceSwitch(ctx, path, reason)
}

// RoutingState returns the policy routing state.
func (s *Service) RoutingState(ctx context.Context) routing.State {
	if s.opts.Routing == nil {
		return routing.State{}
	}
	return s.opts.Routing.State(ctx)
}

// Cleanup removes the policy routing state on operator request.
func (s *Service) Cleanup(ctx context.Context) error {
	if s.opts.Routing == nil {
		return nil
	}
	core.Log.Warnf("API", "Routing cleanup requested")
	return s.opts.Routing.Cleanup(ctx)
}

func parseLogLevel(s string) (core.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error", "off", "none":
		return core.ParseLevel(s), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, s)
}

// SetLogLevel overrides the level of one log component until restart.
func (s *Service) SetLogLevel(component, level string) error {
	component = strings.TrimSpace(component)
	if component == "" {
		return fmt.Errorf("%w: component is required", ErrInvalidLogLevel)
	}
	lvl, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	core.Log.SetComponentLevel(component, lvl)
	core.Log.Infof("API", "Log level of %s set to %s", component, lvl)
	return nil
}

// FollowLogs passes new log lines at or above level to fn until ctx is done,
// fn fails or the tail stops. An empty level means info.
func (s *Service) FollowLogs(ctx context.Context, level string, fn func(LogEntry) error) error {
	if s.opts.Logs == nil {
		return ErrNoLogTail
	}
	lvl, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	sub := s.opts.Logs.Subscribe(lvl)
	defer s.opts.Logs.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

// Shutdown stops every loop and background task, then removes the policy
// routing state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, l := range []Loop{LoopFailover, LoopScorer, LoopSampler} {
		s.stopLocked(l)
	}
	cancel := s.cancel
	s.cancel = nil
	s.ctx = nil
	s.observing = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.opts.Logs != nil {
		s.opts.Logs.Stop()
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(core.Event{Type: core.EventShutdown})
	}
	return s.Cleanup(ctx)
}
