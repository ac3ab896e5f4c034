// Package transport provides the multicast sockets the responder runs on.
//
// The engine never touches a socket: it hands packets to a Platform and is fed
// datagrams by its owner. This package supplies the socket side of that
// contract for IPv4 (224.0.0.251:5353) and IPv6 ([ff02::fb]:5353), and a mock
// for tests.
//
// RFC 6762 §11: every mDNS packet is sent with IP TTL / hop limit 255, and
// receivers learn on which interface and to which destination a datagram
// arrived so that unicast-addressed queries can be told apart from multicast.
package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
)

// Datagram is one received packet and what the socket knows about its arrival.
type Datagram struct {
	Data []byte

	// Src is the sender address, with IPv4-mapped addresses unmapped.
	Src netip.AddrPort

	// IfIndex is the OS interface index the packet arrived on. Zero means the
	// platform did not report it.
	IfIndex int

	// Unicast is set when the packet was addressed to this host rather than to
	// the mDNS group.
	Unicast bool
}

// Transport abstracts network operations for sending and receiving mDNS
// packets.
//
// Implementations:
//   - UDPv4Transport: IPv4 multicast
//   - UDPv6Transport: IPv6 multicast
//   - MockTransport: test double
type Transport interface {
	// Send transmits packet to dest. Use Group() for the multicast group.
	Send(ctx context.Context, packet []byte, dest net.Addr) error

	// Receive waits for an incoming packet, respecting context cancellation
	// and deadline.
	Receive(ctx context.Context) (Datagram, error)

	// Group returns the mDNS multicast destination of this transport.
	Group() net.Addr

	// Close releases network resources. Errors are returned, not swallowed.
	Close() error
}

// Config selects where a transport listens.
type Config struct {
	// Interface restricts the transport to one interface. Nil joins the group
	// on every up, multicast capable interface.
	Interface *net.Interface

	// Logger receives socket diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// interfaces returns the interfaces a transport joins the group on.
func (c Config) interfaces() ([]net.Interface, error) {
	if c.Interface != nil {
		return []net.Interface{*c.Interface}, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			out = append(out, ifi)
		}
	}
	return out, nil
}

// AddrPort converts a socket address to a netip.AddrPort, unmapping
// IPv4-mapped IPv6 addresses. It reports false for non-UDP addresses.
func AddrPort(addr net.Addr) (netip.AddrPort, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return netip.AddrPort{}, false
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
