package signal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"relay-netctl/internal/core"
)

const (
	mmService     = "org.freedesktop.ModemManager1"
	mmRoot        = dbus.ObjectPath("/org/freedesktop/ModemManager1")
	mmModemIface  = mmService + ".Modem"
	mmSignalIface = mmService + ".Modem.Signal"
	objectManager = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// ModemManager reads signal metrics of a modem through ModemManager on the
// system bus. Extended signal reporting is enabled once with Signal.Setup.
type ModemManager struct {
	object func(dbus.ObjectPath) dbus.BusObject
	conn   *dbus.Conn
	modem  dbus.ObjectPath
	rate   uint32

	mu       sync.Mutex
	resolved dbus.ObjectPath
	setup    bool
}

// NewModemManager connects to the system bus. modem is a ModemManager object
// path; when empty the first modem exported by ModemManager is used.
func NewModemManager(modem string, refresh time.Duration) (*ModemManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("[Signal] failed to connect to system bus: %w", err)
	}
	mm := newModemManager(func(p dbus.ObjectPath) dbus.BusObject {
		return conn.Object(mmService, p)
	}, modem, refresh)
	mm.conn = conn
	return mm, nil
}

func newModemManager(object func(dbus.ObjectPath) dbus.BusObject, modem string, refresh time.Duration) *ModemManager {
	rate := uint32(refresh / time.Second)
	if rate == 0 {
		rate = 1
	}
	return &ModemManager{object: object, modem: dbus.ObjectPath(modem), rate: rate}
}

// Close releases the bus connection.
func (m *ModemManager) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// ReadSignal implements Source.
func (m *ModemManager) ReadSignal(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.resolve(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	obj := m.object(path)

	if !m.setup {
		m.setup = true
		if err := obj.CallWithContext(ctx, mmSignalIface+".Setup", 0, m.rate).Err; err != nil {
			core.Log.Warnf("Signal", "Signal.Setup on %s failed: %v", path, err)
		}
	}

	snap := Snapshot{Time: time.Now()}
	found := false
	for _, tech := range []string{"Nr5g", "Lte"} {
		v, err := obj.GetProperty(mmSignalIface + "." + tech)
		if err != nil {
			continue
		}
		values, ok := v.Value().(map[string]dbus.Variant)
		if !ok {
			continue
		}
		snr, okSNR := floatValue(values, "snr")
		rsrq, okRSRQ := floatValue(values, "rsrq")
		if !okSNR && !okRSRQ {
			continue
		}
		snap.SINR, snap.RSRQ = snr, rsrq
		snap.RSRP, _ = floatValue(values, "rsrp")
		if tech == "Nr5g" {
			snap.Tech = "5g"
		} else {
			snap.Tech = "lte"
		}
		found = true
		break
	}
	if !found {
		// forces re-discovery next time, the modem may have been replaced
		m.resolved = ""
		m.setup = false
		return Snapshot{}, fmt.Errorf("[Signal] no signal values on %s: %w", path, ErrUnavailable)
	}

	var cells []map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, mmModemIface+".GetCellInfo", 0).Store(&cells); err != nil {
		core.Log.Debugf("Signal", "GetCellInfo on %s failed: %v", path, err)
	}
	for _, cell := range cells {
		if serving, _ := cell["serving"].Value().(bool); !serving {
			continue
		}
		snap.CellID, _ = cell["ci"].Value().(string)
		snap.PCI, _ = cell["physical-ci"].Value().(string)
		if earfcn, ok := cell["earfcn"].Value().(uint32); ok {
			snap.Band = BandFromEARFCN(earfcn)
		}
		break
	}

	return snap, nil
}

func (m *ModemManager) resolve(ctx context.Context) (dbus.ObjectPath, error) {
	if m.modem != "" {
		return m.modem, nil
	}
	if m.resolved != "" {
		return m.resolved, nil
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := m.object(mmRoot).CallWithContext(ctx, objectManager, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("[Signal] failed to list modems: %v: %w", err, ErrUnavailable)
	}
	var modems []string
	for p, ifaces := range objects {
		if _, ok := ifaces[mmModemIface]; ok {
			modems = append(modems, string(p))
		}
	}
	if len(modems) == 0 {
		return "", fmt.Errorf("[Signal] no modem found: %w", ErrUnavailable)
	}
	sort.Strings(modems)
	m.resolved = dbus.ObjectPath(modems[0])
	core.Log.Infof("Signal", "Using modem %s", m.resolved)
	return m.resolved, nil
}

// floatValue reads a double from a ModemManager signal dictionary. Missing and
// NaN values are reported as absent.
func floatValue(values map[string]dbus.Variant, key string) (float64, bool) {
	v, ok := values[key]
	if !ok {
		return 0, false
	}
	f, ok := v.Value().(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
