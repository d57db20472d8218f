package latency

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Prober sends a single probe and reports its round-trip time.
type Prober interface {
	Probe(ctx context.Context, target string) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, target string) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, target string) (time.Duration, error) {
	return f(ctx, target)
}

func bindToDevice(fd int, iface string) error {
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
		return fmt.Errorf("bind to device %s: %w", iface, err)
	}
	return nil
}

// bindControl returns a dialer control function that pins sockets to iface
// with SO_BINDTODEVICE, so a path is measured over its own link regardless of
// the current default route.
func bindControl(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = bindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// DNSProber measures RTT by sending an NS query for the root zone to a
// resolver on port 53. Public resolvers answer it from cache, so the time
// is dominated by the network path.
type DNSProber struct {
	client *dns.Client
}

// NewDNSProber creates a DNS prober. iface may be empty to use the default route.
func NewDNSProber(iface string, timeout time.Duration) *DNSProber {
	return &DNSProber{
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
			Dialer: &net.Dialer{
				Timeout: timeout,
				Control: bindControl(iface),
			},
		},
	}
}

// Probe implements Prober.
func (p *DNSProber) Probe(ctx context.Context, target string) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeNS)
	msg.RecursionDesired = true

	resp, rtt, err := p.client.ExchangeContext(ctx, msg, withPort(target, "53"))
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, errors.New("empty dns response")
	}
	return rtt, nil
}

// ICMPProber sends unprivileged ICMP echo requests (Linux ping sockets,
// see net.ipv4.ping_group_range). When iface is given the socket is pinned
// to the device with SO_BINDTODEVICE and bound to its IPv4 address.
type ICMPProber struct {
	iface   string
	timeout time.Duration
}

// NewICMPProber creates an ICMP echo prober.
func NewICMPProber(iface string, timeout time.Duration) *ICMPProber {
	return &ICMPProber{iface: iface, timeout: timeout}
}

// listenPing opens a datagram ICMP socket the way icmp.ListenPacket does for
// "udp4", with the device binding applied before bind(2).
func listenPing(iface string, src net.IP) (net.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("icmp socket: %w", err)
	}
	if iface != "" {
		if err := bindToDevice(fd, iface); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], src.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("icmp bind %s: %w", src, err)
	}

	f := os.NewFile(uintptr(fd), "icmp:"+iface)
	defer f.Close()
	return net.FilePacketConn(f)
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, target string) (time.Duration, error) {
	dst := net.ParseIP(target)
	if dst == nil || dst.To4() == nil {
		return 0, fmt.Errorf("icmp probe needs an IPv4 address, got %q", target)
	}

	src := net.IPv4zero
	if p.iface != "" {
		addr, err := interfaceIPv4(p.iface)
		if err != nil {
			return 0, err
		}
		src = addr
	}

	conn, err := listenPing(p.iface, src)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	seq := rand.IntN(0xffff)
	req := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: seq, Seq: seq, Data: []byte("relay-netd")},
	}
	wire, err := req.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: dst}); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && reply.Type == ipv4.ICMPTypeEchoReply && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}

func interfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
