package routing

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmDevice    = nmService + ".Device"
	nmDefaultMt = -1
)

// MetricDelegate changes the route metric of an interface through the
// connection manager, which keeps DNS and addressing consistent itself.
type MetricDelegate interface {
	Available(ctx context.Context) bool
	// SetMetric applies metric to the IPv4 routes of iface and returns the
	// previous value (-1 for the manager's default).
	SetMetric(ctx context.Context, iface string, metric int) (int, error)
}

// NetworkManager implements MetricDelegate over the system D-Bus by
// reapplying the device's applied connection with a new ipv4.route-metric.
type NetworkManager struct {
	conn *dbus.Conn
}

// NewNetworkManager connects to the system bus.
func NewNetworkManager() (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("[Route] failed to connect to system bus: %w", err)
	}
	return &NetworkManager{conn: conn}, nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error { return n.conn.Close() }

// Available reports whether NetworkManager owns its bus name.
func (n *NetworkManager) Available(ctx context.Context) bool {
	var has bool
	err := n.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, nmService).Store(&has)
	return err == nil && has
}

// SetMetric implements MetricDelegate.
func (n *NetworkManager) SetMetric(ctx context.Context, iface string, metric int) (int, error) {
	var device dbus.ObjectPath
	if err := n.conn.Object(nmService, nmPath).
		CallWithContext(ctx, nmService+".GetDeviceByIpIface", 0, iface).Store(&device); err != nil {
		return 0, fmt.Errorf("[Route] no NetworkManager device for %s: %w", iface, err)
	}
	obj := n.conn.Object(nmService, device)

	var settings map[string]map[string]dbus.Variant
	var version uint64
	if err := obj.CallWithContext(ctx, nmDevice+".GetAppliedConnection", 0, uint32(0)).Store(&settings, &version); err != nil {
		return 0, fmt.Errorf("[Route] GetAppliedConnection %s: %w", iface, err)
	}

	ipv4, ok := settings["ipv4"]
	if !ok {
		ipv4 = make(map[string]dbus.Variant)
		settings["ipv4"] = ipv4
	}
	prev := nmDefaultMt
	if v, ok := ipv4["route-metric"]; ok {
		if m, ok := v.Value().(int64); ok {
			prev = int(m)
		}
	}
	ipv4["route-metric"] = dbus.MakeVariant(int64(metric))

	if err := obj.CallWithContext(ctx, nmDevice+".Reapply", 0, settings, version, uint32(0)).Err; err != nil {
		return prev, fmt.Errorf("[Route] Reapply %s: %w", iface, err)
	}
	return prev, nil
}
