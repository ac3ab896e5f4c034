package responder

import (
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/meshbeacon/mdnscore/internal/protocol"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeAlarm struct {
	on bool
	at time.Time
}

func (a *fakeAlarm) Start(at time.Time) {
	a.on = true
	a.at = at
}

func (a *fakeAlarm) Stop() { a.on = false }

// sentMessage is a datagram handed to the platform, decoded.
type sentMessage struct {
	msg     *dns.Msg
	packet  []byte
	unicast bool
	dst     netip.AddrPort
}

type fakePlatform struct {
	t       *testing.T
	sent    []sentMessage
	enabled bool
}

func (p *fakePlatform) record(packet []byte, unicast bool, dst netip.AddrPort) {
	m := new(dns.Msg)
	require.NoError(p.t, m.Unpack(packet), "engine sent an undecodable message")
	p.sent = append(p.sent, sentMessage{msg: m, packet: packet, unicast: unicast, dst: dst})
}

func (p *fakePlatform) SendMulticast(packet []byte) error {
	p.record(packet, false, netip.AddrPort{})
	return nil
}

func (p *fakePlatform) SendUnicast(packet []byte, dst netip.AddrPort) error {
	p.record(packet, true, dst)
	return nil
}

func (p *fakePlatform) SetEnabled(enabled bool) error {
	p.enabled = enabled
	return nil
}

var (
	peerAddr   = netip.MustParseAddrPort("[fd00::99]:5353")
	legacyAddr = netip.MustParseAddrPort("[fd00::98]:40000")
)

// harness drives a Core on simulated time.
type harness struct {
	t        *testing.T
	clock    *fakeClock
	alarm    *fakeAlarm
	platform *fakePlatform
	core     *Core

	outcomes  map[RequestID][]error
	conflicts [][2]string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		alarm:    &fakeAlarm{},
		platform: &fakePlatform{t: t},
		outcomes: make(map[RequestID][]error),
	}
	h.core = New(h.platform, h.clock, h.alarm, append([]Option{WithSeed(7)}, opts...)...)
	h.core.SetConflictCallback(func(name, serviceType string) {
		h.conflicts = append(h.conflicts, [2]string{name, serviceType})
	})
	require.NoError(t, h.core.SetEnabled(true))
	return h
}

// advance moves simulated time forward by d, firing the alarm on the way.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	target := h.clock.now.Add(d)
	for i := 0; h.alarm.on && !h.alarm.at.After(target); i++ {
		require.Less(h.t, i, 10_000, "alarm keeps firing without progress")
		if h.alarm.at.After(h.clock.now) {
			h.clock.now = h.alarm.at
		}
		h.core.HandleTimer()
	}
	h.clock.now = target
}

// take returns and forgets every message sent so far.
func (h *harness) take() []sentMessage {
	sent := h.platform.sent
	h.platform.sent = nil
	return sent
}

// takeOne returns the single message sent so far.
func (h *harness) takeOne() *dns.Msg {
	h.t.Helper()
	sent := h.take()
	require.Len(h.t, sent, 1)
	return sent[0].msg
}

func (h *harness) callback() Callback {
	return func(id RequestID, err error) {
		h.outcomes[id] = append(h.outcomes[id], err)
	}
}

func (h *harness) called(id RequestID) bool {
	return len(h.outcomes[id]) > 0
}

// outcome returns the single result delivered for id.
func (h *harness) outcome(id RequestID) error {
	h.t.Helper()
	require.Len(h.t, h.outcomes[id], 1, "callback for request %d", id)
	return h.outcomes[id][0]
}

// receive feeds msg to the engine as a multicast datagram from sender.
func (h *harness) receive(msg *dns.Msg, sender netip.AddrPort) {
	h.t.Helper()
	packet, err := msg.Pack()
	require.NoError(h.t, err)
	h.core.HandleReceive(packet, false, sender)
}

func (h *harness) query(name string, qtype uint16) {
	h.t.Helper()
	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: name, Qtype: qtype, Qclass: dns.ClassINET}}
	h.receive(m, peerAddr)
}

// runToRegistered drives every pending registration through probing and
// announcing and drops the traffic.
func (h *harness) runToRegistered() {
	h.advance(10 * time.Second)
	h.take()
}

// requireCounts checks the section counts of m.
func requireCounts(t *testing.T, m *dns.Msg, qd, an, ns, ar int) {
	t.Helper()
	require.Len(t, m.Question, qd, "question count")
	require.Len(t, m.Answer, an, "answer count")
	require.Len(t, m.Ns, ns, "authority count")
	require.Len(t, m.Extra, ar, "additional count")
}

// recordsOf returns the records of type rrtype in rrs.
func recordsOf(rrs []dns.RR, rrtype uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype {
			out = append(out, rr)
		}
	}
	return out
}

func flushSet(rr dns.RR) bool {
	return rr.Header().Class&protocol.CacheFlush != 0
}

var testTXT = []byte{7, 'k', 'e', 'y', '=', 'v', 'a', 'l'}

func testHost() *Host {
	return &Host{
		Name:      "myhost",
		Addresses: []netip.Addr{netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2")},
		TTL:       1500,
	}
}

func testService() *Service {
	return &Service{
		HostName:    "myhost",
		Instance:    "myservice",
		ServiceType: "_srv._udp",
		TXT:         testTXT,
		Port:        1234,
		Priority:    1,
		Weight:      2,
		TTL:         1000,
	}
}
