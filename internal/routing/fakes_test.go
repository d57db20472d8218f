package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
)

// fakeNetlink keeps rules and routes in memory with the kernel's matching
// semantics for the operations the manager uses.
type fakeNetlink struct {
	mu     sync.Mutex
	links  map[string]*netlink.Dummy
	rules  []netlink.Rule
	routes []netlink.Route
	ops    []string

	replaceErr error
	appendErr  error
	// afterOp runs after every successful mutation, without the lock held.
	afterOp func(op string)
}

func newFakeNetlink(names ...string) *fakeNetlink {
	f := &fakeNetlink{links: make(map[string]*netlink.Dummy)}
	for i, n := range names {
		f.links[n] = &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: n, Index: i + 2, Flags: net.FlagUp}}
	}
	return f
}

func (f *fakeNetlink) done(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	hook := f.afterOp
	f.mu.Unlock()
	if hook != nil {
		hook(op)
	}
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return nil, errors.New("link not found")
	}
	return l, nil
}

func (f *fakeNetlink) LinkByIndex(index int) (netlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.Index == index {
			return l, nil
		}
	}
	return nil, errors.New("link not found")
}

func (f *fakeNetlink) RuleList(int) ([]netlink.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netlink.Rule(nil), f.rules...), nil
}

func (f *fakeNetlink) RuleAdd(r *netlink.Rule) error {
	f.mu.Lock()
	f.rules = append(f.rules, *r)
	f.mu.Unlock()
	f.done("rule-add")
	return nil
}

func (f *fakeNetlink) RuleDel(r *netlink.Rule) error {
	f.mu.Lock()
	for i, have := range f.rules {
		if have.Mark == r.Mark && have.Table == r.Table && have.Priority == r.Priority {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			f.mu.Unlock()
			f.done("rule-del")
			return nil
		}
	}
	f.mu.Unlock()
	return syscall.ENOENT
}

func (f *fakeNetlink) RouteListFiltered(_ int, filter *netlink.Route, mask uint64) ([]netlink.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, r := range f.routes {
		if mask&netlink.RT_FILTER_TABLE != 0 && r.Table != filter.Table {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func sameKey(a, b netlink.Route) bool {
	return a.Table == b.Table && a.Priority == b.Priority && isDefault(a) == isDefault(b)
}

func (f *fakeNetlink) RouteReplace(r *netlink.Route) error {
	f.mu.Lock()
	if f.replaceErr != nil {
		f.mu.Unlock()
		return f.replaceErr
	}
	replaced := false
	for i, have := range f.routes {
		if sameKey(have, *r) {
			f.routes[i] = *r
			replaced = true
			break
		}
	}
	if !replaced {
		f.routes = append(f.routes, *r)
	}
	f.mu.Unlock()
	f.done("route-replace")
	return nil
}

func (f *fakeNetlink) RouteAppend(r *netlink.Route) error {
	f.mu.Lock()
	if f.appendErr != nil {
		f.mu.Unlock()
		return f.appendErr
	}
	for _, have := range f.routes {
		if sameKey(have, *r) && sameNexthop(have, r.LinkIndex, r.Gw) {
			f.mu.Unlock()
			return syscall.EEXIST
		}
	}
	f.routes = append(f.routes, *r)
	f.mu.Unlock()
	f.done("route-append")
	return nil
}

func (f *fakeNetlink) RouteDel(r *netlink.Route) error {
	f.mu.Lock()
	for i, have := range f.routes {
		if sameKey(have, *r) && sameNexthop(have, r.LinkIndex, r.Gw) {
			f.routes = append(f.routes[:i], f.routes[i+1:]...)
			f.mu.Unlock()
			f.done("route-del")
			return nil
		}
	}
	f.mu.Unlock()
	return syscall.ESRCH
}

func (f *fakeNetlink) addRoute(r netlink.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, r)
}

func (f *fakeNetlink) defaults(table int) []netlink.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netlink.Route
	for _, r := range f.routes {
		if r.Table == table && isDefault(r) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeNetlink) link(name string) int {
	return f.links[name].Index
}

// fakeMarker counts Ensure/Remove calls.
type fakeMarker struct {
	unavailable error
	ensured     int
	removed     int
}

func (m *fakeMarker) Available() error { return m.unavailable }

func (m *fakeMarker) Ensure(context.Context, []ClassSpec) error {
	m.ensured++
	return nil
}

func (m *fakeMarker) Remove(context.Context) error {
	m.removed++
	return nil
}

// fakeIPTables emulates the mangle table for IPTablesMarker, with the
// library's tolerant delete semantics.
type fakeIPTables struct {
	chains map[string][]string
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{chains: map[string][]string{"OUTPUT": nil}}
}

func (f *fakeIPTables) table(table string) error {
	if table != "mangle" {
		return fmt.Errorf("unexpected table %s", table)
	}
	return nil
}

func (f *fakeIPTables) ChainExists(table, chain string) (bool, error) {
	if err := f.table(table); err != nil {
		return false, err
	}
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeIPTables) NewChain(table, chain string) error {
	if err := f.table(table); err != nil {
		return err
	}
	if _, ok := f.chains[chain]; ok {
		return errors.New("iptables: Chain already exists.")
	}
	f.chains[chain] = nil
	return nil
}

func (f *fakeIPTables) Exists(table, chain string, rulespec ...string) (bool, error) {
	if err := f.table(table); err != nil {
		return false, err
	}
	return slices.Contains(f.chains[chain], strings.Join(rulespec, " ")), nil
}

func (f *fakeIPTables) AppendUnique(table, chain string, rulespec ...string) error {
	if err := f.table(table); err != nil {
		return err
	}
	rules, ok := f.chains[chain]
	if !ok {
		return errors.New("iptables: No chain/target/match by that name.")
	}
	line := strings.Join(rulespec, " ")
	if !slices.Contains(rules, line) {
		f.chains[chain] = append(rules, line)
	}
	return nil
}

func (f *fakeIPTables) DeleteIfExists(table, chain string, rulespec ...string) error {
	if err := f.table(table); err != nil {
		return err
	}
	rules := f.chains[chain]
	if i := slices.Index(rules, strings.Join(rulespec, " ")); i >= 0 {
		f.chains[chain] = slices.Delete(rules, i, i+1)
	}
	return nil
}

func (f *fakeIPTables) ClearAndDeleteChain(table, chain string) error {
	if err := f.table(table); err != nil {
		return err
	}
	delete(f.chains, chain)
	return nil
}

type fakeNM struct {
	available bool
	metrics   map[string]int
	calls     []string
	err       error
}

func (n *fakeNM) Available(context.Context) bool { return n.available }

func (n *fakeNM) SetMetric(_ context.Context, iface string, metric int) (int, error) {
	if n.err != nil {
		return 0, n.err
	}
	prev, ok := n.metrics[iface]
	if !ok {
		prev = -1
	}
	n.metrics[iface] = metric
	n.calls = append(n.calls, fmt.Sprintf("%s=%d", iface, metric))
	return prev, nil
}

type fakeVPN struct {
	active bool
	iface  string
}

func (v fakeVPN) IsActive(context.Context) (bool, string) { return v.active, v.iface }
