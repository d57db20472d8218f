package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"

	"relay-netctl/internal/core"
)

// ErrDisabled is returned by mutating operations in observe-only mode.
var ErrDisabled = errors.New("routing: actuation disabled")

// errSkipped marks a strategy that does not apply in the current situation.
var errSkipped = errors.New("strategy not applicable")

// Strategy names, also used as metric labels.
const (
	StrategyNetworkManager = "network-manager"
	StrategyReplace        = "replace"
	StrategyOverlap        = "overlap"
)

const (
	DefaultOverlapDelay    = 500 * time.Millisecond
	DefaultMutationTimeout = 5 * time.Second
	DefaultPrimaryMetric   = 50
)

// Options configures a Manager. Netlink and Marker are required for
// actuation; when either is missing or unusable the manager is observe-only.
type Options struct {
	Netlink         Netlinker
	Marker          Marker
	NetworkManager  MetricDelegate
	VPN             VPNState
	DNS             *DNSGuard
	Classes         []ClassSpec
	Events          *core.EventLog
	OverlapDelay    time.Duration
	MutationTimeout time.Duration
	PrimaryMetric   int
	// Disabled forces observe-only mode.
	Disabled bool
}

// RouteInfo describes one route of a class table.
type RouteInfo struct {
	Interface string `json:"interface"`
	Gateway   string `json:"gateway,omitempty"`
	Metric    int    `json:"metric"`
	Owned     bool   `json:"owned"`
}

// ClassState is the kernel state of one traffic class.
type ClassState struct {
	ClassSpec
	RuleInstalled bool        `json:"rule_installed"`
	Routes        []RouteInfo `json:"routes"`
}

// State is the routing status.
type State struct {
	Enabled        bool         `json:"enabled"`
	DisabledReason string       `json:"disabled_reason,omitempty"`
	Initialized    bool         `json:"initialized"`
	VPNActive      bool         `json:"vpn_active"`
	VPNInterface   string       `json:"vpn_interface,omitempty"`
	DNSServers     []string     `json:"dns_servers,omitempty"`
	Classes        []ClassState `json:"classes"`
}

type promotion struct {
	iface string
	prev  int
}

// Manager serializes every kernel routing mutation behind one mutex. Reads
// (State, Routes) go straight to netlink and never wait for a mutation.
type Manager struct {
	nl      Netlinker
	marker  Marker
	nm      MetricDelegate
	vpn     VPNState
	dns     *DNSGuard
	classes []ClassSpec
	byClass map[Class]ClassSpec
	events  *core.EventLog

	overlapDelay  time.Duration
	timeout       time.Duration
	primaryMetric int
	sleep         func(ctx context.Context, d time.Duration) error
	onOp          func(strategy, result string)

	// set once by NewManager
	disabledReason string
	initialized    atomic.Bool

	mu       sync.Mutex
	promoted promotion
}

// NewManager creates a manager. Facility checks happen here: if actuation
// is impossible the manager logs it once, records a routing-disabled event
// and stays observe-only.
func NewManager(opts Options) *Manager {
	if len(opts.Classes) == 0 {
		opts.Classes = DefaultClasses()
	}
	if opts.OverlapDelay <= 0 {
		opts.OverlapDelay = DefaultOverlapDelay
	}
	if opts.MutationTimeout <= 0 {
		opts.MutationTimeout = DefaultMutationTimeout
	}
	if opts.PrimaryMetric <= 0 {
		opts.PrimaryMetric = DefaultPrimaryMetric
	}
	if opts.DNS == nil {
		opts.DNS = NewDNSGuard("")
	}

	m := &Manager{
		nl:            opts.Netlink,
		marker:        opts.Marker,
		nm:            opts.NetworkManager,
		vpn:           opts.VPN,
		dns:           opts.DNS,
		classes:       opts.Classes,
		byClass:       make(map[Class]ClassSpec, len(opts.Classes)),
		events:        opts.Events,
		overlapDelay:  opts.OverlapDelay,
		timeout:       opts.MutationTimeout,
		primaryMetric: opts.PrimaryMetric,
		sleep:         sleepCtx,
	}
	for _, c := range opts.Classes {
		m.byClass[c.Class] = c
	}

	switch {
	case opts.Disabled:
		m.disabledReason = "disabled by configuration"
	case opts.Netlink == nil:
		m.disabledReason = "netlink unavailable"
	case opts.Marker == nil:
		m.disabledReason = "packet marking unavailable"
	default:
		if err := opts.Marker.Available(); err != nil {
			m.disabledReason = err.Error()
		}
	}
	if m.disabledReason != "" {
		core.Log.Errorf("Route", "Routing actuation disabled, observe-only mode: %s", m.disabledReason)
		m.event(core.KindRoutingDisabled, "", map[string]string{"reason": m.disabledReason})
	}
	return m
}

// OnOperation registers a callback for every attempted strategy.
func (m *Manager) OnOperation(fn func(strategy, result string)) {
	m.mu.Lock()
	m.onOp = fn
	m.mu.Unlock()
}

// Enabled reports whether kernel state may be changed.
func (m *Manager) Enabled() bool {
	return m.disabledReason == ""
}

// Class returns the definition of a class.
func (m *Manager) Class(c Class) (ClassSpec, bool) {
	cs, ok := m.byClass[c]
	return cs, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) event(kind core.EventKind, path string, details map[string]string) {
	if m.events != nil {
		m.events.Append(core.NewNetworkEvent(kind, time.Now(), path, details))
	}
}

func (m *Manager) record(strategy string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, errSkipped):
		result = "skipped"
	case err != nil:
		result = "error"
	}
	if m.onOp != nil {
		m.onOp(strategy, result)
	}
}

// Initialize installs the marking rules and one fwmark lookup rule per
// marked class. It checks before adding, so repeated calls, including after
// a crash, leave exactly one copy of every rule.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabledReason != "" {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.marker.Ensure(ctx, m.classes); err != nil {
		return err
	}

	rules, err := m.nl.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("[Route] list rules: %w", err)
	}
	added := 0
	for _, c := range m.classes {
		if !c.Marked() || hasRule(rules, c) {
			continue
		}
		if err := m.nl.RuleAdd(newRule(c)); err != nil && !isExist(err) {
			return fmt.Errorf("[Route] add rule fwmark %#x table %d: %w", c.Mark, c.Table, err)
		}
		added++
	}
	m.initialized.Store(true)
	core.Log.Infof("Route", "Policy routing initialized (%d classes, %d rules added)", len(m.classes), added)
	return nil
}

// ApplyRoute moves a class to the interface of intent. Without a VPN session
// the default class is delegated to NetworkManager, falling back to an atomic
// replace; class tables use replace alone. With a VPN session active every
// class uses an overlapping append/delete first, so in-flight tunnel packets
// always have a route, and replace second. The resolver configuration is
// captured before and restored after if the change dropped it.
func (m *Manager) ApplyRoute(ctx context.Context, intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabledReason != "" {
		return ErrDisabled
	}
	cs, ok := m.byClass[intent.Class]
	if !ok {
		return fmt.Errorf("[Route] unknown traffic class %q", intent.Class)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	link, err := m.nl.LinkByName(intent.Interface)
	if err != nil {
		m.event(core.KindRouteFailure, intent.Interface, map[string]string{
			"class": string(intent.Class), "error": err.Error(),
		})
		return fmt.Errorf("[Route] interface %s: %w", intent.Interface, err)
	}
	if intent.Gateway == nil {
		intent.Gateway = gatewayOf(m.nl, link.Attrs().Index)
	}
	if intent.Metric == 0 && cs.Class == ClassDefault {
		intent.Metric = m.primaryMetric
	}

	if err := m.dns.Capture(); err != nil {
		core.Log.Debugf("DNS", "%v", err)
	}

	vpnActive := false
	if m.vpn != nil {
		vpnActive, _ = m.vpn.IsActive(ctx)
	}

	type strategy struct {
		name string
		fn   func(context.Context, netlink.Link, ClassSpec, Intent) error
	}
	var order []strategy
	switch {
	case vpnActive:
		order = []strategy{{StrategyOverlap, m.overlap}, {StrategyReplace, m.replace}}
	case cs.Class == ClassDefault:
		order = []strategy{{StrategyNetworkManager, m.viaNetworkManager}, {StrategyReplace, m.replace}}
	default:
		order = []strategy{{StrategyReplace, m.replace}}
	}

	var errs []error
	applied := ""
	for _, s := range order {
		err := s.fn(ctx, link, cs, intent)
		m.record(s.name, err)
		if err == nil {
			applied = s.name
			break
		}
		if !errors.Is(err, errSkipped) {
			core.Log.Warnf("Route", "%s: strategy %s failed: %v", intent, s.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	if restored, err := m.dns.RestoreIfLost(); err != nil {
		core.Log.Errorf("DNS", "%v", err)
	} else if restored {
		m.event(core.KindDNSRestored, intent.Interface, map[string]string{"servers": fmt.Sprint(m.dns.Servers())})
	}

	if applied == "" {
		err := errors.Join(errs...)
		if err == nil {
			err = errors.New("no strategy applicable")
		}
		m.event(core.KindRouteFailure, intent.Interface, map[string]string{
			"class": string(intent.Class), "error": err.Error(),
		})
		return fmt.Errorf("[Route] %s: %w", intent, err)
	}
	core.Log.Infof("Route", "%s applied (%s, vpn=%v)", intent, applied, vpnActive)
	return nil
}

func (m *Manager) desired(link netlink.Link, cs ClassSpec, intent Intent) *netlink.Route {
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        intent.Gateway,
		Table:     cs.Table,
		Priority:  intent.Metric,
		Protocol:  rtProtoRelay,
	}
}

// viaNetworkManager lowers the route metric of the target interface through
// NetworkManager and gives the previously promoted interface its old metric
// back. Routes installed by earlier replace/overlap runs are removed after
// the NetworkManager route is in place.
func (m *Manager) viaNetworkManager(ctx context.Context, link netlink.Link, cs ClassSpec, intent Intent) error {
	if m.nm == nil || !m.nm.Available(ctx) {
		return errSkipped
	}
	prev, err := m.nm.SetMetric(ctx, intent.Interface, intent.Metric)
	if err != nil {
		return err
	}
	old := m.promoted
	if old.iface != intent.Interface {
		m.promoted = promotion{iface: intent.Interface, prev: prev}
		if old.iface != "" {
			if _, err := m.nm.SetMetric(ctx, old.iface, old.prev); err != nil {
				core.Log.Warnf("Route", "Failed to restore metric of %s: %v", old.iface, err)
			}
		}
	}

	routes, err := defaultRoutes(m.nl, cs.Table)
	if err != nil {
		return nil
	}
	for _, r := range routes {
		if r.Protocol == rtProtoRelay {
			if err := m.nl.RouteDel(&r); err != nil && !isNotExist(err) {
				core.Log.Debugf("Route", "Stale route removal failed: %v", err)
			}
		}
	}
	return nil
}

// replace atomically swaps the route with the same table, prefix and metric.
func (m *Manager) replace(ctx context.Context, link netlink.Link, cs ClassSpec, intent Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.nl.RouteReplace(m.desired(link, cs, intent))
}

// overlap appends the new route next to the old ones, waits for in-flight
// traffic, then deletes the old ones.
func (m *Manager) overlap(ctx context.Context, link netlink.Link, cs ClassSpec, intent Intent) error {
	want := m.desired(link, cs, intent)

	existing, err := defaultRoutes(m.nl, cs.Table)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	var stale []netlink.Route
	present := false
	for _, r := range existing {
		if r.Priority != want.Priority {
			continue
		}
		if sameNexthop(r, want.LinkIndex, want.Gw) {
			present = true
			continue
		}
		stale = append(stale, r)
	}

	if !present {
		if err := m.nl.RouteAppend(want); err != nil && !isExist(err) {
			return fmt.Errorf("append: %w", err)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if err := m.sleep(ctx, m.overlapDelay); err != nil {
		// the new route is in place; the old ones go on the next change
		return nil
	}
	for _, r := range stale {
		if err := m.nl.RouteDel(&r); err != nil && !isNotExist(err) {
			core.Log.Warnf("Route", "Failed to remove old route via link %d: %v", r.LinkIndex, err)
		}
	}
	return nil
}

// Cleanup removes the fwmark rules, the class table routes and the marking
// chain. The main table is left alone so the device stays reachable.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabledReason != "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var errs []error
	rules, err := m.nl.RuleList(netlink.FAMILY_V4)
	if err != nil {
		errs = append(errs, fmt.Errorf("list rules: %w", err))
	}
	for _, c := range m.classes {
		if !c.Marked() {
			continue
		}
		for _, r := range rules {
			if r.Mark != c.Mark || r.Table != c.Table {
				continue
			}
			if err := m.nl.RuleDel(&r); err != nil && !isNotExist(err) {
				errs = append(errs, fmt.Errorf("delete rule %#x: %w", c.Mark, err))
			}
		}

		routes, err := m.nl.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: c.Table}, netlink.RT_FILTER_TABLE)
		if err != nil {
			errs = append(errs, fmt.Errorf("list table %d: %w", c.Table, err))
			continue
		}
		for _, r := range routes {
			if err := m.nl.RouteDel(&r); err != nil && !isNotExist(err) {
				errs = append(errs, fmt.Errorf("delete route in table %d: %w", c.Table, err))
			}
		}
	}

	if err := m.marker.Remove(ctx); err != nil {
		errs = append(errs, err)
	}
	m.initialized.Store(false)

	if err := errors.Join(errs...); err != nil {
		core.Log.Warnf("Route", "Cleanup completed with errors: %v", err)
		return fmt.Errorf("[Route] cleanup: %w", err)
	}
	core.Log.Infof("Route", "Cleanup completed")
	return nil
}

// State reads the current kernel state of every class. It does not take the
// mutation lock, so mid-change it shows whatever the kernel holds.
func (m *Manager) State(ctx context.Context) State {
	st := State{
		Enabled:        m.disabledReason == "",
		DisabledReason: m.disabledReason,
		Initialized:    m.initialized.Load(),
		DNSServers:     m.dns.Servers(),
	}
	if m.vpn != nil {
		st.VPNActive, st.VPNInterface = m.vpn.IsActive(ctx)
	}
	if m.nl == nil {
		for _, c := range m.classes {
			st.Classes = append(st.Classes, ClassState{ClassSpec: c})
		}
		return st
	}

	rules, _ := m.nl.RuleList(netlink.FAMILY_V4)
	for _, c := range m.classes {
		cs := ClassState{ClassSpec: c, RuleInstalled: !c.Marked() || hasRule(rules, c)}
		routes, err := defaultRoutes(m.nl, c.Table)
		if err == nil {
			for _, r := range routes {
				cs.Routes = append(cs.Routes, m.routeInfo(r))
			}
		}
		st.Classes = append(st.Classes, cs)
	}
	return st
}

// Routes returns the default routes of one class table.
func (m *Manager) Routes(class Class) ([]RouteInfo, error) {
	cs, ok := m.byClass[class]
	if !ok {
		return nil, fmt.Errorf("[Route] unknown traffic class %q", class)
	}
	if m.nl == nil {
		return nil, ErrDisabled
	}
	routes, err := defaultRoutes(m.nl, cs.Table)
	if err != nil {
		return nil, fmt.Errorf("[Route] list table %d: %w", cs.Table, err)
	}
	out := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		out = append(out, m.routeInfo(r))
	}
	return out, nil
}

func (m *Manager) routeInfo(r netlink.Route) RouteInfo {
	info := RouteInfo{Metric: r.Priority, Owned: r.Protocol == rtProtoRelay}
	if r.Gw != nil {
		info.Gateway = r.Gw.String()
	}
	if link, err := m.nl.LinkByIndex(r.LinkIndex); err == nil {
		info.Interface = link.Attrs().Name
	} else {
		info.Interface = fmt.Sprintf("if%d", r.LinkIndex)
	}
	return info
}

// ParseGateway parses an optional gateway address.
func ParseGateway(s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("[Route] invalid IPv4 gateway %q", s)
	}
	return ip.To4(), nil
}
