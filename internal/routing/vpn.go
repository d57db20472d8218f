package routing

import (
	"context"
	"net"
)

// VPNState is the VPN client collaborator.
type VPNState interface {
	IsActive(ctx context.Context) (bool, string)
}

// VPNDetector considers the VPN active when one of its configured tunnel
// interfaces exists and is administratively up.
type VPNDetector struct {
	nl     Netlinker
	ifaces []string
}

// NewVPNDetector watches the given interface names, e.g. wg0 or tun0.
func NewVPNDetector(nl Netlinker, ifaces []string) *VPNDetector {
	return &VPNDetector{nl: nl, ifaces: ifaces}
}

// IsActive implements VPNState.
func (d *VPNDetector) IsActive(context.Context) (bool, string) {
	for _, name := range d.ifaces {
		link, err := d.nl.LinkByName(name)
		if err != nil {
			continue
		}
		if link.Attrs().Flags&net.FlagUp != 0 {
			return true, name
		}
	}
	return false, ""
}
