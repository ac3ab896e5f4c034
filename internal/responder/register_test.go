package responder

import (
	goerrors "errors"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/state"
)

var announceDelays = []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second}

// runProbes fires the three probes of a fresh registration and returns them.
func (h *harness) runProbes() []*dns.Msg {
	h.t.Helper()
	var probes []*dns.Msg
	for i := 0; i < 3; i++ {
		if i == 0 {
			h.advance(0)
		} else {
			h.advance(250 * time.Millisecond)
		}
		for _, s := range h.take() {
			probes = append(probes, s.msg)
		}
	}
	return probes
}

func TestRegisterHost_ProbesAnnouncesAndGoodbyes(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))
	require.Empty(t, h.take(), "nothing is sent from inside RegisterHost")

	for i := 0; i < 3; i++ {
		if i == 0 {
			h.advance(0)
		} else {
			h.advance(250 * time.Millisecond)
		}
		require.False(t, h.called(1), "callback before announcing")

		m := h.takeOne()
		assert.False(t, m.Response)
		requireCounts(t, m, 1, 0, 2, 0)
		q := m.Question[0]
		assert.Equal(t, "myhost.local.", q.Name)
		assert.Equal(t, dns.TypeANY, q.Qtype)
		assert.Equal(t, i == 0, message.WantsUnicastResponse(q), "QU only on the first probe")
		for _, rr := range m.Ns {
			assert.Equal(t, dns.TypeAAAA, rr.Header().Rrtype)
			assert.Equal(t, uint32(1500), rr.Header().Ttl)
		}
	}

	for _, d := range announceDelays {
		h.advance(d)
		require.True(t, h.called(1))

		m := h.takeOne()
		assert.True(t, m.Response)
		assert.True(t, m.Authoritative)
		requireCounts(t, m, 0, 2, 0, 1)
		for _, rr := range m.Answer {
			assert.Equal(t, dns.TypeAAAA, rr.Header().Rrtype)
			assert.Equal(t, uint32(1500), rr.Header().Ttl)
			assert.True(t, flushSet(rr))
		}
		nsec, ok := m.Extra[0].(*dns.NSEC)
		require.True(t, ok)
		assert.Equal(t, []uint16{dns.TypeAAAA}, nsec.TypeBitMap)
		assert.True(t, flushSet(nsec))
	}
	require.NoError(t, h.outcome(1))

	h.advance(15 * time.Second)
	require.Empty(t, h.take())

	require.NoError(t, h.core.UnregisterHost("myhost"))
	for _, d := range []time.Duration{0, time.Second} {
		h.advance(d)
		m := h.takeOne()
		requireCounts(t, m, 0, 2, 0, 0)
		for _, rr := range m.Answer {
			assert.Zero(t, rr.Header().Ttl)
			assert.True(t, flushSet(rr))
		}
	}
	h.advance(15 * time.Second)
	require.Empty(t, h.take())
	assert.Zero(t, h.core.registry.Len())

	c := h.core.Counters()
	assert.Equal(t, uint64(3), c.ProbesSent)
	assert.Equal(t, uint64(3), c.AnnouncementsSent)
	assert.Equal(t, uint64(2), c.GoodbyesSent)
}

func TestRegisterService_Announcements(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterService(testService(), 1, h.callback()))

	for i, m := range h.runProbes() {
		requireCounts(t, m, 1, 0, 2, 0)
		assert.Equal(t, "myservice._srv._udp.local.", m.Question[0].Name)
		assert.Equal(t, i == 0, message.WantsUnicastResponse(m.Question[0]))
		assert.Len(t, recordsOf(m.Ns, dns.TypeSRV), 1)
		assert.Len(t, recordsOf(m.Ns, dns.TypeTXT), 1)
	}

	for _, d := range announceDelays {
		h.advance(d)
		m := h.takeOne()
		requireCounts(t, m, 0, 4, 0, 1)

		srv := recordsOf(m.Answer, dns.TypeSRV)
		require.Len(t, srv, 1)
		assert.Equal(t, uint16(1234), srv[0].(*dns.SRV).Port)
		assert.Equal(t, "myhost.local.", srv[0].(*dns.SRV).Target)
		assert.True(t, flushSet(srv[0]))

		txt := recordsOf(m.Answer, dns.TypeTXT)
		require.Len(t, txt, 1)
		assert.Equal(t, []string{"key=val"}, txt[0].(*dns.TXT).Txt)

		ptrs := recordsOf(m.Answer, dns.TypePTR)
		require.Len(t, ptrs, 2)
		for _, rr := range ptrs {
			assert.False(t, flushSet(rr), "PTR records never carry the cache-flush bit")
			assert.Equal(t, uint32(1000), rr.Header().Ttl)
		}
		assert.Equal(t, "_srv._udp.local.", ptrs[0].Header().Name)
		assert.Equal(t, "myservice._srv._udp.local.", ptrs[0].(*dns.PTR).Ptr)
		assert.Equal(t, "_services._dns-sd._udp.local.", ptrs[1].Header().Name)
		assert.Equal(t, "_srv._udp.local.", ptrs[1].(*dns.PTR).Ptr)

		nsec := m.Extra[0].(*dns.NSEC)
		assert.Equal(t, "myservice._srv._udp.local.", nsec.Header().Name)
		assert.Equal(t, []uint16{dns.TypeTXT, dns.TypeSRV}, nsec.TypeBitMap)
	}
	require.NoError(t, h.outcome(1))
}

func TestRegisterService_UpdateAnnouncesOnlyChangedRecords(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Service)
		answers []uint16
	}{
		{
			name:    "port",
			mutate:  func(s *Service) { s.Port = 4567 },
			answers: []uint16{dns.TypeSRV},
		},
		{
			name:    "host name",
			mutate:  func(s *Service) { s.HostName = "newhost" },
			answers: []uint16{dns.TypeSRV},
		},
		{
			name:    "txt",
			mutate:  func(s *Service) { s.TXT = nil },
			answers: []uint16{dns.TypeTXT},
		},
		{
			name:    "weight and txt",
			mutate:  func(s *Service) { s.Weight = 0; s.TXT = []byte{3, 'a', '=', 'b'} },
			answers: []uint16{dns.TypeSRV, dns.TypeTXT},
		},
		{
			name:    "ttl",
			mutate:  func(s *Service) { s.TTL = 0 },
			answers: []uint16{dns.TypeSRV, dns.TypeTXT, dns.TypePTR},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			svc := testService()
			require.NoError(t, h.core.RegisterService(svc, 1, h.callback()))
			h.runToRegistered()

			tt.mutate(svc)
			require.NoError(t, h.core.RegisterService(svc, 2, h.callback()))

			for i, d := range []time.Duration{0, time.Second, 2 * time.Second} {
				h.advance(d)
				require.NoError(t, h.outcome(2))

				m := h.takeOne()
				requireCounts(t, m, 0, len(tt.answers), 0, 1)
				var types []uint16
				for _, rr := range m.Answer {
					types = append(types, rr.Header().Rrtype)
				}
				assert.ElementsMatch(t, tt.answers, types, "announcement %d", i)
			}

			h.advance(15 * time.Second)
			assert.Empty(t, h.take())
		})
	}
}

func TestRegisterService_IdenticalIsSilent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterService(testService(), 1, h.callback()))
	h.runToRegistered()

	require.NoError(t, h.core.RegisterService(testService(), 2, h.callback()))
	assert.False(t, h.called(2), "callback must not run inside RegisterService")

	h.advance(0)
	require.NoError(t, h.outcome(2))

	h.advance(15 * time.Second)
	assert.Empty(t, h.take())
	assert.Len(t, h.outcomes[1], 1)
}

func TestRegisterService_SubTypes(t *testing.T) {
	h := newHarness(t)
	svc := testService()
	svc.SubTypes = []string{"_s1", "_r2"}
	require.NoError(t, h.core.RegisterService(svc, 1, h.callback()))

	h.runProbes()
	h.advance(250 * time.Millisecond)
	m := h.takeOne()
	requireCounts(t, m, 0, 6, 0, 1)
	owners := map[string]bool{}
	for _, rr := range recordsOf(m.Answer, dns.TypePTR) {
		owners[rr.Header().Name] = true
	}
	assert.True(t, owners["_s1._sub._srv._udp.local."])
	assert.True(t, owners["_r2._sub._srv._udp.local."])
	h.runToRegistered()

	svc.SubTypes = []string{"_S1", "_x3"}
	require.NoError(t, h.core.RegisterService(svc, 2, h.callback()))

	for _, d := range []time.Duration{0, time.Second, 2 * time.Second} {
		h.advance(d)
		m := h.takeOne()
		requireCounts(t, m, 0, 2, 0, 0)
		for _, rr := range m.Answer {
			switch rr.Header().Name {
			case "_x3._sub._srv._udp.local.":
				assert.Equal(t, uint32(1000), rr.Header().Ttl)
			case "_r2._sub._srv._udp.local.":
				assert.Zero(t, rr.Header().Ttl, "removed sub-type is withdrawn")
			default:
				t.Errorf("unexpected answer %s", rr)
			}
		}
	}
	require.NoError(t, h.outcome(2))

	h.advance(15 * time.Second)
	assert.Empty(t, h.take())

	e, ok := h.core.registry.Get(entryKey{kind: kindService, name: message.NameKey("myservice._srv._udp.local.")})
	require.True(t, ok)
	assert.Len(t, e.records, 5, "withdrawn sub-type is dropped after its goodbye round")
}

func TestUnregister_WhileProbing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))
	h.advance(0)
	h.takeOne()

	require.NoError(t, h.core.UnregisterHost("myhost"))

	h.advance(15 * time.Second)
	assert.Empty(t, h.take())
	assert.False(t, h.called(1))
	assert.Zero(t, h.core.registry.Len())
}

func TestUnregister_Absent(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.core.UnregisterService("nothing", "_srv._udp"))
	assert.NoError(t, h.core.UnregisterKey("nothing", ""))
}

func TestRegisterHostAndKey_ShareProbes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))

	h.advance(0)
	m := h.takeOne()
	requireCounts(t, m, 1, 0, 2, 0)

	key := &Key{Name: "myhost", Data: []byte{1, 1, 3, 8, 0xaa, 0xbb}, TTL: 8000}
	require.NoError(t, h.core.RegisterKey(key, 2, h.callback()))

	for i := 1; i < 3; i++ {
		h.advance(250 * time.Millisecond)
		m := h.takeOne()
		requireCounts(t, m, 1, 0, 3, 0)
		assert.False(t, message.WantsUnicastResponse(m.Question[0]))
		assert.Len(t, recordsOf(m.Ns, dns.TypeKEY), 1)
	}

	for _, d := range announceDelays {
		h.advance(d)
		require.True(t, h.called(1))
		require.True(t, h.called(2))

		m := h.takeOne()
		requireCounts(t, m, 0, 3, 0, 1)
		assert.Equal(t, []uint16{dns.TypeKEY, dns.TypeAAAA}, m.Extra[0].(*dns.NSEC).TypeBitMap)
	}

	// The key outlives the host: the host goodbye still carries an NSEC.
	require.NoError(t, h.core.UnregisterHost("myhost"))
	for _, d := range []time.Duration{0, time.Second} {
		h.advance(d)
		m := h.takeOne()
		requireCounts(t, m, 0, 2, 0, 1)
		assert.Equal(t, []uint16{dns.TypeKEY}, m.Extra[0].(*dns.NSEC).TypeBitMap)
	}

	// A host registered next to an owned key skips probing.
	require.NoError(t, h.core.RegisterHost(testHost(), 3, h.callback()))
	h.advance(0)
	assert.Empty(t, h.take())
	for _, d := range announceDelays {
		h.advance(d)
		require.True(t, h.called(3))
		m := h.takeOne()
		requireCounts(t, m, 0, 2, 0, 1)
	}
	assert.Equal(t, uint64(3), h.core.Counters().ProbesSent)
}

func TestRegister_Removing_ReAnnounces(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))
	h.runToRegistered()

	require.NoError(t, h.core.UnregisterHost("myhost"))
	h.advance(0)
	requireCounts(t, h.takeOne(), 0, 2, 0, 0)

	require.NoError(t, h.core.RegisterHost(testHost(), 2, h.callback()))
	h.advance(0)
	require.NoError(t, h.outcome(2))
	m := h.takeOne()
	requireCounts(t, m, 0, 2, 0, 1)
	assert.Equal(t, uint32(1500), m.Answer[0].Header().Ttl)

	e, ok := h.core.registry.Get(entryKey{kind: kindHost, name: message.NameKey("myhost.local.")})
	require.True(t, ok)
	assert.Equal(t, state.Announcing(1), e.state)
}

func TestRegister_ProbingReplacesCallback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))
	h.advance(0)

	host := testHost()
	host.Addresses = host.Addresses[:1]
	require.NoError(t, h.core.RegisterHost(host, 2, h.callback()))

	h.runToRegistered()
	assert.False(t, h.called(1), "superseded callback is dropped")
	require.NoError(t, h.outcome(2))
	assert.Equal(t, uint64(3), h.core.Counters().ProbesSent, "probing is not restarted")
}

func TestRegister_Preconditions(t *testing.T) {
	h := newHarness(t)

	err := h.core.RegisterHost(&Host{Name: "myhost", Addresses: []netip.Addr{
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("fd00::ff:fe00:fc00"),
	}}, 1, h.callback())
	assert.ErrorIs(t, err, errors.ErrInvalidArgs, "no eligible address")

	err = h.core.RegisterService(&Service{HostName: "h", Instance: "i", ServiceType: "_srv._sctp"}, 2, h.callback())
	assert.ErrorIs(t, err, errors.ErrInvalidArgs)

	svc := testService()
	svc.TXT = []byte{9, 'x'}
	err = h.core.RegisterService(svc, 3, h.callback())
	var verr *errors.ValidationError
	assert.True(t, goerrors.As(err, &verr), "malformed TXT is a validation error")

	err = h.core.RegisterKey(&Key{Name: "k"}, 4, h.callback())
	assert.ErrorIs(t, err, errors.ErrInvalidArgs)

	require.NoError(t, h.core.SetEnabled(false))
	assert.ErrorIs(t, h.core.RegisterHost(testHost(), 5, h.callback()), errors.ErrInvalidState)
	assert.ErrorIs(t, h.core.UnregisterHost("myhost"), errors.ErrInvalidState)

	h.advance(time.Minute)
	assert.Empty(t, h.outcomes)
	assert.Empty(t, h.take())
}

func TestSetEnabled_FalseDropsEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.RegisterHost(testHost(), 1, h.callback()))
	require.NoError(t, h.core.RegisterService(testService(), 2, h.callback()))
	h.advance(0)
	h.take()

	require.NoError(t, h.core.SetEnabled(false))
	assert.False(t, h.core.IsEnabled())
	assert.False(t, h.platform.enabled)
	assert.False(t, h.alarm.on)

	h.core.HandleTimer()
	h.advance(time.Minute)
	assert.Empty(t, h.take(), "disabling sends no goodbyes")
	assert.Empty(t, h.outcomes, "disabling invokes no callbacks")

	require.NoError(t, h.core.SetEnabled(true))
	assert.Zero(t, h.core.registry.Len())
}

func TestQuestionUnicastDisallowed(t *testing.T) {
	h := newHarness(t, WithQuestionUnicast(false))
	assert.False(t, h.core.IsQuestionUnicastAllowed())

	host := testHost()
	host.Addresses = host.Addresses[:1]
	require.NoError(t, h.core.RegisterHost(host, 1, h.callback()))

	for _, m := range h.runProbes() {
		requireCounts(t, m, 1, 0, 1, 0)
		assert.False(t, message.WantsUnicastResponse(m.Question[0]))
	}
}
