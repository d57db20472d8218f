package routing

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/miekg/dns"

	"relay-netctl/internal/core"
)

// DNSGuard snapshots the resolver configuration before route mutations and
// writes it back when a mutation made it disappear.
type DNSGuard struct {
	path string

	mu       sync.Mutex
	content  []byte
	servers  []string
	captured bool
}

// NewDNSGuard guards the resolver file at path.
func NewDNSGuard(path string) *DNSGuard {
	if path == "" {
		path = "/etc/resolv.conf"
	}
	return &DNSGuard{path: path}
}

func nameservers(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	cfg, err := dns.ClientConfigFromReader(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	return cfg.Servers
}

// Capture records the current configuration. A file without nameservers is
// not recorded, so an earlier good snapshot is kept.
func (g *DNSGuard) Capture() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("[DNS] read %s: %w", g.path, err)
	}
	servers := nameservers(data)
	if len(servers) == 0 {
		return nil
	}

	g.mu.Lock()
	g.content = data
	g.servers = servers
	g.captured = true
	g.mu.Unlock()
	return nil
}

// Servers returns the nameservers of the last capture.
func (g *DNSGuard) Servers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.servers...)
}

// RestoreIfLost rewrites the captured configuration when the file is gone
// or lists no nameserver. A configuration that merely changed is left alone.
func (g *DNSGuard) RestoreIfLost() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.captured {
		return false, nil
	}

	data, err := os.ReadFile(g.path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("[DNS] read %s: %w", g.path, err)
	}
	if len(nameservers(data)) > 0 {
		return false, nil
	}

	if err := os.WriteFile(g.path, g.content, 0644); err != nil {
		return false, fmt.Errorf("[DNS] restore %s: %w", g.path, err)
	}
	core.Log.Warnf("DNS", "Resolver configuration was lost, restored %v", g.servers)
	return true, nil
}
