package routing

import (
	"context"
	"errors"
	"fmt"

	"relay-netctl/internal/core"
)

// switchOrder moves the default route first; the class tables follow. The
// VPN class tracks the physical path as the tunnel's underlay.
var switchOrder = []Class{ClassDefault, ClassVideo, ClassTelemetry, ClassVPN}

// PathSwitcher moves all traffic classes to a configured path. It is the
// actuator of the failover machine.
type PathSwitcher struct {
	mgr   *Manager
	paths map[string]core.PathConfig
}

// NewPathSwitcher creates a switcher over the configured paths.
func NewPathSwitcher(mgr *Manager, paths []core.PathConfig) *PathSwitcher {
	byName := make(map[string]core.PathConfig, len(paths))
	for _, p := range paths {
		byName[p.Name] = p
	}
	return &PathSwitcher{mgr: mgr, paths: byName}
}

// Apply routes every class over path. It fails when the default class
// could not be moved; class table failures are logged and do not undo it.
func (s *PathSwitcher) Apply(ctx context.Context, path string) error {
	p, ok := s.paths[path]
	if !ok {
		return fmt.Errorf("[Route] unknown path %q", path)
	}
	gw, err := ParseGateway(p.Gateway)
	if err != nil {
		return err
	}

	for _, class := range switchOrder {
		if _, ok := s.mgr.Class(class); !ok {
			continue
		}
		err := s.mgr.ApplyRoute(ctx, Intent{Class: class, Interface: p.Interface, Gateway: gw})
		if err == nil {
			continue
		}
		if class == ClassDefault {
			return err
		}
		core.Log.Warnf("Route", "Class %s stays on its previous path: %v", class, err)
	}
	return nil
}

// Switch implements the failover switcher contract.
func (s *PathSwitcher) Switch(ctx context.Context, path, reason string) bool {
	err := s.Apply(ctx, path)
	switch {
	case err == nil:
		core.Log.Infof("Route", "Primary path is now %s (%s)", path, reason)
		return true
	case errors.Is(err, ErrDisabled):
		core.Log.Warnf("Route", "Switch to %s not applied, routing is observe-only", path)
	default:
		core.Log.Errorf("Route", "Switch to %s: %v", path, err)
	}
	return false
}
