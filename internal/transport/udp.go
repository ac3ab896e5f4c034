package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv4"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// UDPv4Transport implements Transport for IPv4 UDP multicast.
//
// The socket binds 0.0.0.0:5353 with SO_REUSEADDR/SO_REUSEPORT so that it
// coexists with other responders on the host, joins 224.0.0.251 on each
// selected interface and reads with control messages to learn the arrival
// interface and destination address.
type UDPv4Transport struct {
	conn     net.PacketConn   // Raw UDP connection
	ipv4Conn *ipv4.PacketConn // Wrapper for control message access (IP_PKTINFO/IP_RECVIF)
	group    *net.UDPAddr
	ifaces   []net.Interface
	cfg      Config
}

// listenControl applies the shared-port socket options before bind.
func listenControl(network, address string, c syscall.RawConn) error {
	var optErr error
	if err := c.Control(func(fd uintptr) { optErr = setSocketOptions(fd) }); err != nil {
		return err
	}
	return optErr
}

// NewUDPv4Transport creates a UDP multicast transport bound to mDNS port 5353.
//
// RFC 6762 §5: mDNS uses UDP port 5353 and multicast address 224.0.0.251.
// RFC 6762 §11: outgoing packets carry IP TTL 255.
//
// Returns a NetworkError if the socket cannot be created or no interface
// could join the group.
func NewUDPv4Transport(ctx context.Context, cfg Config) (*UDPv4Transport, error) {
	group := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv4), Port: protocol.Port}

	lc := net.ListenConfig{Control: listenControl}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind udp4 port %d", protocol.Port),
		}
	}

	t := &UDPv4Transport{
		conn:     conn,
		ipv4Conn: ipv4.NewPacketConn(conn),
		group:    group,
		cfg:      cfg,
	}
	if err := t.configure(); err != nil {
		_ = conn.Close() // Ignore error, already returning primary error
		return nil, err
	}
	return t, nil
}

func (t *UDPv4Transport) configure() error {
	ifaces, err := t.cfg.interfaces()
	if err != nil {
		return &errors.NetworkError{Operation: "list interfaces", Err: err}
	}
	for i := range ifaces {
		ifi := ifaces[i]
		if err := t.ipv4Conn.JoinGroup(&ifi, t.group); err != nil {
			t.cfg.Logger.Debug().Err(err).Str("interface", ifi.Name).Msg("join ipv4 group failed")
			continue
		}
		t.ifaces = append(t.ifaces, ifi)
	}
	if len(t.ifaces) == 0 {
		return &errors.NetworkError{
			Operation: "join group",
			Err:       fmt.Errorf("no interface joined %s", protocol.MulticastAddrIPv4),
		}
	}

	if err := t.ipv4Conn.SetMulticastTTL(255); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast TTL"}
	}
	if err := t.ipv4Conn.SetTTL(255); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "unicast TTL"}
	}
	if err := t.ipv4Conn.SetMulticastLoopback(true); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast loopback"}
	}

	// Control messages are best-effort: without them IfIndex is 0 and every
	// datagram is treated as multicast.
	if err := t.ipv4Conn.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		t.cfg.Logger.Debug().Err(err).Msg("ipv4 control messages unavailable")
	}
	return nil
}

// Group returns 224.0.0.251:5353.
func (t *UDPv4Transport) Group() net.Addr { return t.group }

// Send transmits a packet to dest. A packet for the group is sent once on each
// joined interface.
func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	select {
	case <-ctx.Done():
		return &errors.NetworkError{
			Operation: "send",
			Err:       ctx.Err(),
			Details:   "context canceled before send",
		}
	default:
	}

	udp, ok := dest.(*net.UDPAddr)
	if ok && udp.IP.Equal(t.group.IP) {
		var firstErr error
		for _, ifi := range t.ifaces {
			if err := t.write(packet, &ipv4.ControlMessage{IfIndex: ifi.Index}, dest); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return t.write(packet, nil, dest)
}

func (t *UDPv4Transport) write(packet []byte, cm *ipv4.ControlMessage, dest net.Addr) error {
	n, err := t.ipv4Conn.WriteTo(packet, cm, dest)
	if err != nil {
		return &errors.NetworkError{
			Operation: "send",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &errors.NetworkError{
			Operation: "send",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

// Receive waits for an incoming packet, respecting context cancellation and
// deadline.
func (t *UDPv4Transport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, &errors.NetworkError{
			Operation: "receive",
			Err:       ctx.Err(),
			Details:   "context canceled before receive",
		}
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return Datagram{}, &errors.NetworkError{
				Operation: "set read timeout",
				Err:       err,
				Details:   fmt.Sprintf("failed to set deadline %v", deadline),
			}
		}
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buffer := *bufPtr

	n, cm, srcAddr, err := t.ipv4Conn.ReadFrom(buffer)
	if err != nil {
		return Datagram{}, receiveError(err)
	}

	d := Datagram{Data: copyPacket(buffer[:n])}
	d.Src, _ = AddrPort(srcAddr)
	if cm != nil {
		d.IfIndex = cm.IfIndex
		d.Unicast = cm.Dst != nil && !cm.Dst.IsMulticast()
	}
	return d, nil
}

// Close releases the socket.
func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{
			Operation: "close socket",
			Err:       err,
			Details:   "failed to close UDP connection",
		}
	}
	return nil
}

func receiveError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &errors.NetworkError{Operation: "receive", Err: err, Details: "timeout"}
	}
	return &errors.NetworkError{Operation: "receive", Err: err, Details: "failed to read from socket"}
}

// copyPacket returns a copy the caller owns; the pool keeps the buffer.
func copyPacket(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
