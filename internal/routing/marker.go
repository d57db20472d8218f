package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// Marker installs the packet marking rules that tag each class's traffic
// with its firewall mark.
type Marker interface {
	Available() error
	Ensure(ctx context.Context, classes []ClassSpec) error
	Remove(ctx context.Context) error
}

const (
	mangleTable = "mangle"
	outputChain = "OUTPUT"
	// seconds to wait for the xtables lock
	xtablesWait = 5
)

// iptablesAPI is the part of *iptables.IPTables the marker uses.
type iptablesAPI interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
}

// IPTablesMarker marks packets in a dedicated mangle chain jumped to from
// OUTPUT. Rules are appended only when absent.
type IPTablesMarker struct {
	chain   string
	ipt     iptablesAPI
	initErr error
}

// NewIPTablesMarker creates a marker using the given chain name. A missing
// iptables binary is reported by Available.
func NewIPTablesMarker(chain string) *IPTablesMarker {
	ipt, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4), iptables.Timeout(xtablesWait))
	if err != nil {
		m := newIPTablesMarker(chain, nil)
		m.initErr = fmt.Errorf("[Route] iptables unavailable: %w", err)
		return m
	}
	return newIPTablesMarker(chain, ipt)
}

func newIPTablesMarker(chain string, ipt iptablesAPI) *IPTablesMarker {
	if chain == "" {
		chain = "RELAY_MARK"
	}
	return &IPTablesMarker{chain: chain, ipt: ipt}
}

// Available reports whether iptables can be used.
func (m *IPTablesMarker) Available() error {
	return m.initErr
}

func markRule(match []string, mark uint32) []string {
	return append(append([]string{}, match...),
		"-j", "MARK", "--set-xmark", fmt.Sprintf("%#x/0xffffffff", mark))
}

// Ensure creates the chain, the OUTPUT jump and one MARK rule per match.
func (m *IPTablesMarker) Ensure(ctx context.Context, classes []ClassSpec) error {
	if m.ipt == nil {
		return m.initErr
	}
	exists, err := m.ipt.ChainExists(mangleTable, m.chain)
	if err != nil {
		return fmt.Errorf("[Route] look up chain %s: %w", m.chain, err)
	}
	if !exists {
		if err := m.ipt.NewChain(mangleTable, m.chain); err != nil {
			return fmt.Errorf("[Route] create chain %s: %w", m.chain, err)
		}
	}
	if err := m.ipt.AppendUnique(mangleTable, outputChain, "-j", m.chain); err != nil {
		return fmt.Errorf("[Route] jump to %s: %w", m.chain, err)
	}
	for _, c := range classes {
		if !c.Marked() {
			continue
		}
		for _, match := range c.Match {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.ipt.AppendUnique(mangleTable, m.chain, markRule(match, c.Mark)...); err != nil {
				return fmt.Errorf("[Route] mark rule for %s: %w", c.Class, err)
			}
		}
	}
	return nil
}

// Remove deletes every OUTPUT jump and the chain. Missing pieces are ignored.
func (m *IPTablesMarker) Remove(ctx context.Context) error {
	if m.ipt == nil {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := m.ipt.Exists(mangleTable, outputChain, "-j", m.chain)
		if err != nil && !isNotExistIPT(err) {
			return fmt.Errorf("[Route] check jump to %s: %w", m.chain, err)
		}
		if !ok {
			break
		}
		if err := m.ipt.DeleteIfExists(mangleTable, outputChain, "-j", m.chain); err != nil {
			return fmt.Errorf("[Route] delete jump to %s: %w", m.chain, err)
		}
	}
	if err := m.ipt.ClearAndDeleteChain(mangleTable, m.chain); err != nil && !isNotExistIPT(err) {
		return fmt.Errorf("[Route] delete chain %s: %w", m.chain, err)
	}
	return nil
}

func isNotExistIPT(err error) bool {
	var e *iptables.Error
	return errors.As(err, &e) && e.IsNotExist()
}
