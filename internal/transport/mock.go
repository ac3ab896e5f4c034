package transport

import (
	"context"
	"net"
	"sync"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// SentPacket is a packet recorded by MockTransport.
type SentPacket struct {
	Data []byte
	Dest net.Addr
}

// MockTransport is an in-memory Transport for tests. Inject queues datagrams
// for Receive; Send records packets.
type MockTransport struct {
	mu      sync.Mutex
	sent    []SentPacket
	sendErr error
	notify  chan struct{}

	inbox  chan Datagram
	closed chan struct{}
	once   sync.Once
}

// NewMockTransport returns a MockTransport with an IPv6 group address.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		inbox:  make(chan Datagram, 64),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Group returns [ff02::fb]:5353.
func (m *MockTransport) Group() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(protocol.MulticastAddrIPv6), Port: protocol.Port}
}

// Send records packet.
func (m *MockTransport) Send(ctx context.Context, packet []byte, dest net.Addr) error {
	if err := ctx.Err(); err != nil {
		return &errors.NetworkError{Operation: "send", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentPacket{Data: copyPacket(packet), Dest: dest})
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the next injected datagram.
func (m *MockTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d := <-m.inbox:
		return d, nil
	case <-m.closed:
		return Datagram{}, &errors.NetworkError{Operation: "receive", Err: net.ErrClosed}
	case <-ctx.Done():
		return Datagram{}, &errors.NetworkError{Operation: "receive", Err: ctx.Err()}
	}
}

// Close unblocks Receive. It is safe to call more than once.
func (m *MockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Inject queues d for Receive.
func (m *MockTransport) Inject(d Datagram) {
	m.inbox <- d
}

// SetSendError makes every following Send fail with err.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the packets sent so far.
func (m *MockTransport) Sent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPacket, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset forgets the packets sent so far.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Notify is signalled after each Send.
func (m *MockTransport) Notify() <-chan struct{} {
	return m.notify
}
