package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv6"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// UDPv6Transport implements Transport for IPv6 UDP multicast on [ff02::fb]:5353.
type UDPv6Transport struct {
	conn     net.PacketConn
	ipv6Conn *ipv6.PacketConn
	group    *net.UDPAddr
	ifaces   []net.Interface
	cfg      Config
}

// NewUDPv6Transport creates an IPv6 multicast transport bound to port 5353.
//
// RFC 6762 §11: outgoing packets carry hop limit 255.
func NewUDPv6Transport(ctx context.Context, cfg Config) (*UDPv6Transport, error) {
	group := &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv6), Port: protocol.Port}

	lc := net.ListenConfig{Control: listenControl}
	conn, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind udp6 port %d", protocol.Port),
		}
	}

	t := &UDPv6Transport{
		conn:     conn,
		ipv6Conn: ipv6.NewPacketConn(conn),
		group:    group,
		cfg:      cfg,
	}
	if err := t.configure(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *UDPv6Transport) configure() error {
	ifaces, err := t.cfg.interfaces()
	if err != nil {
		return &errors.NetworkError{Operation: "list interfaces", Err: err}
	}
	for i := range ifaces {
		ifi := ifaces[i]
		if err := t.ipv6Conn.JoinGroup(&ifi, t.group); err != nil {
			t.cfg.Logger.Debug().Err(err).Str("interface", ifi.Name).Msg("join ipv6 group failed")
			continue
		}
		t.ifaces = append(t.ifaces, ifi)
	}
	if len(t.ifaces) == 0 {
		return &errors.NetworkError{
			Operation: "join group",
			Err:       fmt.Errorf("no interface joined %s", protocol.MulticastAddrIPv6),
		}
	}

	if err := t.ipv6Conn.SetMulticastHopLimit(255); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast hop limit"}
	}
	if err := t.ipv6Conn.SetHopLimit(255); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "unicast hop limit"}
	}
	if err := t.ipv6Conn.SetMulticastLoopback(true); err != nil {
		return &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast loopback"}
	}
	if err := t.ipv6Conn.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		t.cfg.Logger.Debug().Err(err).Msg("ipv6 control messages unavailable")
	}
	return nil
}

// Group returns [ff02::fb]:5353.
func (t *UDPv6Transport) Group() net.Addr { return t.group }

// Send transmits a packet to dest. A packet for the group is sent once on each
// joined interface.
func (t *UDPv6Transport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
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
			if err := t.write(packet, &ipv6.ControlMessage{IfIndex: ifi.Index}, dest); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return t.write(packet, nil, dest)
}

func (t *UDPv6Transport) write(packet []byte, cm *ipv6.ControlMessage, dest net.Addr) error {
	n, err := t.ipv6Conn.WriteTo(packet, cm, dest)
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
func (t *UDPv6Transport) Receive(ctx context.Context) (Datagram, error) {
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

	n, cm, srcAddr, err := t.ipv6Conn.ReadFrom(buffer)
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
func (t *UDPv6Transport) Close() error {
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
