package routing

import (
	"errors"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
)

// rtProtoRelay tags the routes this package installs so they can be told
// apart from routes of NetworkManager, DHCP and the VPN client.
const rtProtoRelay netlink.RouteProtocol = 99

// Netlinker is the subset of *netlink.Handle the manager needs.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	RuleList(family int) ([]netlink.Rule, error)
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteAppend(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// NewNetlinker opens a netlink handle in the current network namespace.
func NewNetlinker() (Netlinker, error) {
	return netlink.NewHandle()
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

// defaultRoutes lists the IPv4 default routes of a table.
func defaultRoutes(nl Netlinker, table int) ([]netlink.Route, error) {
	routes, err := nl.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	out := routes[:0]
	for _, r := range routes {
		if isDefault(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// gatewayOf returns the gateway of a default route in the main table over
// link, nil for point-to-point links without one.
func gatewayOf(nl Netlinker, linkIndex int) net.IP {
	routes, err := defaultRoutes(nl, MainTable)
	if err != nil {
		return nil
	}
	for _, r := range routes {
		if r.LinkIndex == linkIndex && r.Gw != nil {
			return r.Gw
		}
	}
	return nil
}

func sameNexthop(r netlink.Route, linkIndex int, gw net.IP) bool {
	return r.LinkIndex == linkIndex && r.Gw.Equal(gw)
}

// hasRule reports whether an identical fwmark rule exists.
func hasRule(rules []netlink.Rule, c ClassSpec) bool {
	for _, r := range rules {
		if r.Mark == c.Mark && r.Table == c.Table && r.Priority == c.Priority {
			return true
		}
	}
	return false
}

func newRule(c ClassSpec) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = netlink.FAMILY_V4
	rule.Mark = c.Mark
	rule.Table = c.Table
	rule.Priority = c.Priority
	return rule
}

func isExist(err error) bool {
	return errors.Is(err, syscall.EEXIST)
}

func isNotExist(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ENOENT)
}
