// Package routing owns the policy routing state: one kernel routing table per
// traffic class, firewall marks that steer packets into them, and the main
// table default route. Every mutation goes through Manager, one at a time.
package routing

import (
	"fmt"
	"net"
	"sort"

	"relay-netctl/internal/core"
)

// Class is a traffic class.
type Class string

const (
	ClassVPN       Class = "vpn"
	ClassVideo     Class = "video"
	ClassTelemetry Class = "telemetry"
	ClassDefault   Class = "default"
)

// MainTable is the kernel main routing table, used by the default class.
const MainTable = 254

// ClassSpec is the kernel routing configuration of one class. The default
// class has no mark and uses the main table.
type ClassSpec struct {
	Class    Class      `json:"class"`
	Mark     uint32     `json:"mark,omitempty"`
	Table    int        `json:"table"`
	Priority int        `json:"priority,omitempty"`
	Match    [][]string `json:"match,omitempty"`
}

// Marked reports whether the class is steered by a firewall mark.
func (c ClassSpec) Marked() bool { return c.Mark != 0 }

// DefaultClasses returns the built-in class table. The match rules steer the
// WireGuard port, RTP/SRT video and MAVLink telemetry.
func DefaultClasses() []ClassSpec {
	return []ClassSpec{
		{Class: ClassVPN, Mark: 0x100, Table: 100, Priority: 1000,
			Match: [][]string{{"-p", "udp", "--dport", "51820"}}},
		{Class: ClassVideo, Mark: 0x200, Table: 200, Priority: 1001,
			Match: [][]string{{"-p", "udp", "--dport", "5000:5010"}, {"-p", "udp", "--dport", "8890"}}},
		{Class: ClassTelemetry, Mark: 0x300, Table: 300, Priority: 1002,
			Match: [][]string{{"-p", "udp", "--dport", "14550"}}},
		{Class: ClassDefault, Table: MainTable},
	}
}

// ClassesFromConfig overlays the configured values on the defaults.
func ClassesFromConfig(overrides map[string]core.ClassConfig) ([]ClassSpec, error) {
	classes := DefaultClasses()
	byName := make(map[Class]*ClassSpec, len(classes))
	for i := range classes {
		byName[classes[i].Class] = &classes[i]
	}

	names := make([]string, 0, len(overrides))
	for n := range overrides {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		o := overrides[name]
		def, ok := byName[Class(name)]
		if !ok {
			return nil, fmt.Errorf("[Route] unknown traffic class %q", name)
		}
		if def.Class == ClassDefault && (o.Mark != 0 || o.Table != 0) {
			return nil, fmt.Errorf("[Route] the default class always uses the main table")
		}
		if o.Mark != 0 {
			def.Mark = o.Mark
		}
		if o.Table != 0 {
			def.Table = o.Table
		}
		if o.Priority != 0 {
			def.Priority = o.Priority
		}
		if len(o.Match) > 0 {
			def.Match = o.Match
		}
	}

	marks := make(map[uint32]Class)
	tables := make(map[int]Class)
	for _, c := range classes {
		if !c.Marked() {
			continue
		}
		if other, dup := marks[c.Mark]; dup {
			return nil, fmt.Errorf("[Route] classes %s and %s share mark %#x", other, c.Class, c.Mark)
		}
		if other, dup := tables[c.Table]; dup {
			return nil, fmt.Errorf("[Route] classes %s and %s share table %d", other, c.Class, c.Table)
		}
		if c.Table <= 0 || (c.Table >= 253 && c.Table <= 255) {
			return nil, fmt.Errorf("[Route] class %s: table %d is reserved or invalid", c.Class, c.Table)
		}
		marks[c.Mark] = c.Class
		tables[c.Table] = c.Class
	}
	return classes, nil
}

// Intent is a request to route a class over an interface. It is applied and
// discarded; the kernel tables are the source of truth.
type Intent struct {
	Class     Class
	Interface string
	Gateway   net.IP // optional
	Metric    int    // 0 selects the class default
}

func (i Intent) String() string {
	gw := "direct"
	if i.Gateway != nil {
		gw = i.Gateway.String()
	}
	return fmt.Sprintf("%s via %s (%s) metric %d", i.Class, i.Interface, gw, i.Metric)
}
