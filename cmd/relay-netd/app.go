package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/ipc"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/metrics"
	"relay-netctl/internal/pool"
	"relay-netctl/internal/prefs"
	"relay-netctl/internal/quality"
	"relay-netctl/internal/routing"
	"relay-netctl/internal/service"
	"relay-netctl/internal/signal"
)

const shutdownTimeout = 20 * time.Second

type appOptions struct {
	ConfigPath string
	NoRouting  bool
	AutoStart  bool
}

// newApp assembles the daemon. Construction order follows the provider
// dependencies; OnStop hooks run in reverse, so routing cleanup happens after
// every loop has stopped.
func newApp(opts appOptions) *fx.App {
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: core.Log.Zap()}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.StopTimeout(shutdownTimeout),
		daemonModule(opts),
	)
}

func daemonModule(opts appOptions) fx.Option {
	return fx.Options(
		fx.Supply(opts),
		fx.Provide(
			core.NewEventBus,
			provideConfig,
			provideEventLog,
			providePrefs,
			provideFeeds,
			provideSignal,
			providePool,
			provideScorer,
			provideRouting,
			provideMachine,
			metrics.New,
			service.NewLogTail,
			provideService,
			provideBroadcaster,
			service.NewWebServer,
			provideIPC,
		),
		fx.Invoke(run),
	)
}

func provideConfig(opts appOptions, bus *core.EventBus) (*core.ConfigManager, core.Config, error) {
	cm := core.NewConfigManager(opts.ConfigPath, bus)
	if err := cm.Load(); err != nil {
		return nil, core.Config{}, err
	}
	cfg := cm.Get()
	core.Configure(cfg.Logging)
	core.Log.Infof("Core", "Loaded %s (%d paths)", opts.ConfigPath, len(cfg.Paths))
	return cm, cfg, nil
}

func provideEventLog(cfg core.Config, bus *core.EventBus) *core.EventLog {
	return core.NewEventLog(cfg.Scorer.EventLogSize, bus)
}

func providePrefs(lc fx.Lifecycle, cfg core.Config) (*prefs.Store, error) {
	store, err := prefs.Open(cfg.Prefs.Dir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func provideFeeds(cfg core.Config) []service.PathFeed {
	feeds := make([]service.PathFeed, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		s := latency.NewSampler(latency.ConfigFromYAML(cfg.Sampler, p.Name, p.Interface))
		feeds = append(feeds, service.PathFeed{Name: p.Name, Interface: p.Interface, Sampler: s})
	}
	return feeds
}

// cellularPath returns the path whose quality includes modem metrics, or the
// first path when none is marked.
func cellularPath(cfg core.Config) core.PathConfig {
	for _, p := range cfg.Paths {
		if p.Cellular {
			return p
		}
	}
	return cfg.Paths[0]
}

func hasCellular(cfg core.Config) bool {
	for _, p := range cfg.Paths {
		if p.Cellular {
			return true
		}
	}
	return false
}

// provideSignal returns nil when no path is cellular, the source is "none" or
// the system bus is unreachable. The scorer then runs on latency alone.
func provideSignal(lc fx.Lifecycle, cfg core.Config) *signal.Poller {
	if !hasCellular(cfg) || cfg.Signal.Source == "none" {
		return nil
	}
	interval := core.DurationOr(cfg.Signal.Interval, signal.DefaultPollInterval)
	mm, err := signal.NewModemManager(cfg.Signal.Modem, interval)
	if err != nil {
		core.Log.Warnf("Signal", "ModemManager unavailable, scoring on latency only: %v", err)
		return nil
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return mm.Close() }})
	return signal.NewPoller(mm, interval, core.DurationOr(cfg.Signal.Timeout, signal.DefaultPollTimeout))
}

func providePool(cfg core.Config, feeds []service.PathFeed, poller *signal.Poller) (*pool.Pool, error) {
	p := pool.New(core.DurationOr(cfg.Sampler.Interval, latency.DefaultInterval))
	for i, f := range feeds {
		link := pool.Link{Name: f.Name, Interface: f.Interface, Kind: cfg.Paths[i].Kind, Sampler: f.Sampler}
		if cfg.Paths[i].Cellular && poller != nil {
			link.Signal = poller
		}
		if err := p.Add(link); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func feedFor(feeds []service.PathFeed, name string) *latency.Sampler {
	for _, f := range feeds {
		if f.Name == name {
			return f.Sampler
		}
	}
	return feeds[0].Sampler
}

func provideScorer(cfg core.Config, feeds []service.PathFeed, poller *signal.Poller, events *core.EventLog) *quality.Scorer {
	path := cellularPath(cfg)
	threshold := cfg.Failover.LatencyThresholdMs
	if threshold == 0 {
		threshold = failover.DefaultThresholdMs
	}
	var sig quality.SignalReader
	if poller != nil {
		sig = poller
	}
	return quality.NewScorer(quality.ConfigFromYAML(cfg.Scorer, path.Name, threshold),
		feedFor(feeds, path.Name), sig, nil, events)
}

func provideRouting(lc fx.Lifecycle, opts appOptions, cfg core.Config, events *core.EventLog) (*routing.Manager, error) {
	classes, err := routing.ClassesFromConfig(cfg.Routing.Classes)
	if err != nil {
		return nil, err
	}
	ro := routing.Options{
		Classes:         classes,
		Events:          events,
		DNS:             routing.NewDNSGuard(cfg.Routing.ResolvConf),
		OverlapDelay:    core.DurationOr(cfg.Routing.OverlapDelay, routing.DefaultOverlapDelay),
		MutationTimeout: core.DurationOr(cfg.Routing.MutationTimeout, routing.DefaultMutationTimeout),
		PrimaryMetric:   cfg.Routing.PrimaryMetric,
		Disabled:        opts.NoRouting || !cfg.Routing.IsEnabled(),
	}
	if !ro.Disabled {
		if nl, err := routing.NewNetlinker(); err != nil {
			core.Log.Errorf("Route", "Netlink unavailable: %v", err)
		} else {
			ro.Netlink = nl
			ro.VPN = routing.NewVPNDetector(nl, cfg.VPN.Interfaces)
		}
		ro.Marker = routing.NewIPTablesMarker(cfg.Routing.Chain)
		if cfg.Routing.UseNetworkManager() {
			if nm, err := routing.NewNetworkManager(); err != nil {
				core.Log.Warnf("Route", "NetworkManager unavailable, using netlink only: %v", err)
			} else {
				ro.NetworkManager = nm
				lc.Append(fx.Hook{OnStop: func(context.Context) error { return nm.Close() }})
			}
		}
	}

	mgr := routing.NewManager(ro)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mgr.Initialize(ctx); err != nil && !errors.Is(err, routing.ErrDisabled) {
				// actuation problems never stop the daemon
				core.Log.Errorf("Route", "Initialize: %v", err)
			}
			return nil
		},
	})
	return mgr, nil
}

// failoverConfig resolves the failover section. A persisted config, written
// by an operator through the control surface, wins over the config file and
// is parsed strictly; the file section gets defaults for missing fields.
func failoverConfig(cfg core.Config, store *prefs.Store) (failover.Config, error) {
	fc, err := failover.FromYAML(cfg.Failover)
	if err != nil {
		return failover.Config{}, err
	}
	if err := fc.Validate(); err != nil {
		return failover.Config{}, err
	}

	if saved, err := store.LoadFailover(); err == nil {
		if pc, perr := failover.ParseConfig(saved); perr == nil {
			core.Log.Infof("Prefs", "Using persisted failover config")
			fc = pc
		} else {
			core.Log.Warnf("Prefs", "Persisted failover config rejected, using the config file: %v", perr)
		}
	} else if !errors.Is(err, prefs.ErrNotFound) {
		core.Log.Warnf("Prefs", "Persisted failover config unreadable, using the config file: %v", err)
	}

	if pref, err := store.PreferredPath(); err == nil {
		if _, ok := cfg.Path(pref); ok {
			fc.PreferredPath = pref
		} else {
			core.Log.Warnf("Prefs", "Ignoring persisted preferred path %q: not configured", pref)
		}
	}
	return fc, nil
}

func provideMachine(cfg core.Config, store *prefs.Store, feeds []service.PathFeed, mgr *routing.Manager,
	p *pool.Pool, scorer *quality.Scorer, events *core.EventLog, bus *core.EventBus,
) (*failover.Machine, error) {
	fc, err := failoverConfig(cfg, store)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(feeds))
	lat := make(map[string]failover.LatencyFeed, len(feeds))
	for _, f := range feeds {
		names = append(names, f.Name)
		lat[f.Name] = f.Sampler
	}
	return failover.NewMachine(fc, failover.Deps{
		Paths:    names,
		Feeds:    lat,
		Switcher: routing.NewPathSwitcher(mgr, cfg.Paths),
		Selector: p,
		Trend:    scorer,
		Events:   events,
		Bus:      bus,
	})
}

type serviceDeps struct {
	fx.In

	Config  *core.ConfigManager
	Bus     *core.EventBus
	Events  *core.EventLog
	Feeds   []service.PathFeed
	Poller  *signal.Poller
	Scorer  *quality.Scorer
	Machine *failover.Machine
	Routing *routing.Manager
	Pool    *pool.Pool
	Prefs   *prefs.Store
	Metrics *metrics.Metrics
	Logs    *service.LogTail
}

func provideService(d serviceDeps) *service.Service {
	return service.New(service.Options{
		Config:  d.Config,
		Bus:     d.Bus,
		Events:  d.Events,
		Paths:   d.Feeds,
		Poller:  d.Poller,
		Scorer:  d.Scorer,
		Machine: d.Machine,
		Routing: d.Routing,
		Pool:    d.Pool,
		Prefs:   d.Prefs,
		Metrics: d.Metrics,
		Logs:    d.Logs,
	})
}

func broadcastInterval(cfg core.Config) time.Duration {
	return core.DurationOr(cfg.Control.BroadcastInterval, service.DefaultBroadcastInterval)
}

func provideBroadcaster(cfg core.Config, svc *service.Service, events *core.EventLog, bus *core.EventBus) *service.Broadcaster {
	b := service.NewBroadcaster(svc.Status, events, broadcastInterval(cfg))
	b.Follow(bus)
	return b
}

func provideIPC(cfg core.Config, svc *service.Service) *ipc.Server {
	return ipc.NewServer(service.NewGRPCHandler(svc, broadcastInterval(cfg)), cfg.Control.Socket)
}

// run registers the start and stop sequence of the running daemon.
func run(lc fx.Lifecycle, opts appOptions, cfg core.Config, svc *service.Service,
	b *service.Broadcaster, web *service.WebServer, srv *ipc.Server,
) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			svc.Start(ctx)
			go b.Run(ctx)
			if opts.AutoStart {
				if err := svc.StartLoops(service.LoopAll); err != nil {
					return err
				}
			}
			if err := srv.Start(); err != nil {
				return err
			}
			return web.Start(cfg.Control.HTTPAddr)
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(5 * time.Second)
			if err := web.Stop(ctx); err != nil {
				core.Log.Warnf("API", "HTTP shutdown: %v", err)
			}
			err := svc.Shutdown(ctx)
			if cancel != nil {
				cancel()
			}
			return err
		},
	})
}
