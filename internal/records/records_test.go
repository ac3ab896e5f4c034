package records

import (
	goerrors "errors"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// TestNormalizeTXT validates RFC 6763 §6.1: an empty TXT record is a single
// zero byte.
func TestNormalizeTXT(t *testing.T) {
	assert.Equal(t, []byte{0}, NormalizeTXT(nil))
	assert.Equal(t, []byte{0}, NormalizeTXT([]byte{}))
	assert.Equal(t, []byte{3, 'a', '=', '1'}, NormalizeTXT([]byte{3, 'a', '=', '1'}))
}

func TestParseTXT(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []string
		wantErr bool
	}{
		{name: "empty string", payload: []byte{0}, want: []string{""}},
		{name: "two strings", payload: []byte{3, 'a', '=', '1', 1, 'b'}, want: []string{"a=1", "b"}},
		{name: "backslash escaped", payload: []byte{3, 'a', '\\', 'b'}, want: []string{`a\\b`}},
		{name: "overrun", payload: []byte{5, 'a'}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTXT(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, goerrors.Is(err, errors.ErrInvalidArgs))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestTXT_WirePayloadPreserved validates that a TXT record packs back to the
// exact payload it was built from.
func TestTXT_WirePayloadPreserved(t *testing.T) {
	payload := []byte{3, 'a', '\\', 'b', 2, 0xff, '"', 0}
	rr, err := TXT("mysrv._srv._udp.local.", payload, 120)
	require.NoError(t, err)

	buf := make([]byte, 512)
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[end-len(payload):end])
}

func TestEncodeTXT(t *testing.T) {
	got, err := EncodeTXT([][2]string{{"version", "1.0"}, {"secure", ""}})
	require.NoError(t, err)
	assert.Equal(t, append([]byte{11}, append([]byte("version=1.0"), append([]byte{6}, []byte("secure")...)...)...), got)
}

func TestKEY(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0xaa, 0xbb}
	rr := KEY("myhost.local.", data, 120)
	key, ok := rr.(*dns.KEY)
	require.True(t, ok, "expected *dns.KEY, got %T", rr)
	assert.Equal(t, uint16(0x0102), key.Flags)
	assert.Equal(t, uint8(0x03), key.Protocol)
	assert.Equal(t, uint8(0x04), key.Algorithm)

	buf := make([]byte, 512)
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	require.NoError(t, err)
	assert.Equal(t, data, buf[end-len(data):end])

	short := KEY("myhost.local.", []byte{0x12, 0x34}, 120)
	assert.Equal(t, dns.TypeKEY, short.Header().Rrtype)
	end, err = dns.PackRR(short, buf, 0, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, buf[end-2:end])
}

func TestNSEC(t *testing.T) {
	rr := NSEC("mysrv._srv._udp.local.", []uint16{dns.TypeTXT, dns.TypeSRV, dns.TypeTXT}, 120)
	assert.Equal(t, "mysrv._srv._udp.local.", rr.NextDomain)
	assert.Equal(t, []uint16{dns.TypeTXT, dns.TypeSRV}, rr.TypeBitMap)
}

func TestEffectiveTTL(t *testing.T) {
	assert.Equal(t, protocol.DefaultTTL, EffectiveTTL(0))
	assert.Equal(t, uint32(1500), EffectiveTTL(1500))
}

// TestSuppressedByKnownAnswer validates the RFC 6762 §7.1 half-TTL rule.
func TestSuppressedByKnownAnswer(t *testing.T) {
	tests := []struct {
		name       string
		known      uint32
		registered uint32
		want       bool
	}{
		{name: "full ttl", known: 1500, registered: 1500, want: true},
		{name: "exactly half", known: 750, registered: 1500, want: true},
		{name: "below half", known: 749, registered: 1500, want: false},
		{name: "odd ttl rounds up", known: 60, registered: 121, want: false},
		{name: "zero", known: 0, registered: 120, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuppressedByKnownAnswer(tt.known, tt.registered); got != tt.want {
				t.Errorf("SuppressedByKnownAnswer(%d, %d) = %v, want %v", tt.known, tt.registered, got, tt.want)
			}
		})
	}
}

func TestLegacyUnicastTTL(t *testing.T) {
	assert.Equal(t, uint32(10), LegacyUnicastTTL(120))
	assert.Equal(t, uint32(5), LegacyUnicastTTL(5))
}

func TestAddressFilter(t *testing.T) {
	f := AddressFilter{MeshLocalPrefixes: []netip.Prefix{netip.MustParsePrefix("fd11:22::/64")}}

	tests := []struct {
		addr string
		want bool
	}{
		{addr: "fd00::1", want: true},
		{addr: "2001:db8::1", want: true},
		{addr: "fe80::1", want: false},
		{addr: "fd11:22::1234", want: false},
		{addr: "fd00::ff:fe00:fc00", want: false},
		{addr: "192.168.1.10", want: false},
		{addr: "::1", want: false},
		{addr: "ff02::fb", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Eligible(netip.MustParseAddr(tt.addr)))
		})
	}

	got := f.Filter([]netip.Addr{
		netip.MustParseAddr("fd00::2"),
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("fd00::1"),
		netip.MustParseAddr("fd00::2"),
	})
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fd00::2"), netip.MustParseAddr("fd00::1")}, got)
}
