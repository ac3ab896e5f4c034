// Package records builds the DNS resource records the responder publishes.
//
// RFC 6763 §4-§9 fixes the DNS-SD record layout:
//
//	<host>.local.                 AAAA  address        (one per address)
//	<instance>.<type>.local.      SRV   priority weight port <host>.local.
//	<instance>.<type>.local.      TXT   key=value strings
//	<type>.local.                 PTR   <instance>.<type>.local.
//	<sub>._sub.<type>.local.      PTR   <instance>.<type>.local.
//	_services._dns-sd._udp.local. PTR   <type>.local.
//
// plus raw KEY records and the NSEC records synthesized for negative
// responses (RFC 6762 §6.1). Records are built with class IN and no
// cache-flush bit; the bit is applied when a record is written into a
// response.
package records

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// EffectiveTTL maps a registered TTL of zero to the protocol default.
func EffectiveTTL(ttl uint32) uint32 {
	if ttl == 0 {
		return protocol.DefaultTTL
	}
	return ttl
}

func header(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: ttl}
}

// AAAA returns the address record of hostName for addr.
func AAAA(hostName string, addr netip.Addr, ttl uint32) *dns.AAAA {
	a16 := addr.As16()
	return &dns.AAAA{
		Hdr:  header(hostName, dns.TypeAAAA, ttl),
		AAAA: net.IP(a16[:]),
	}
}

// SRV returns the SRV record of a service instance (RFC 2782).
func SRV(instanceName, target string, priority, weight, port uint16, ttl uint32) *dns.SRV {
	return &dns.SRV{
		Hdr:      header(instanceName, dns.TypeSRV, ttl),
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

// TXT returns the TXT record of a service instance from its wire payload.
// The payload must already be normalized (see NormalizeTXT).
func TXT(instanceName string, payload []byte, ttl uint32) (*dns.TXT, error) {
	strs, err := ParseTXT(payload)
	if err != nil {
		return nil, err
	}
	return &dns.TXT{
		Hdr: header(instanceName, dns.TypeTXT, ttl),
		Txt: strs,
	}, nil
}

// PTR returns a pointer record.
func PTR(owner, target string, ttl uint32) *dns.PTR {
	return &dns.PTR{
		Hdr: header(owner, dns.TypePTR, ttl),
		Ptr: target,
	}
}

// KEY returns a KEY record (RFC 2535 §3.1) carrying data as its RDATA.
// Payloads too short for the flags/protocol/algorithm prefix are carried
// opaquely.
func KEY(name string, data []byte, ttl uint32) dns.RR {
	if len(data) < 4 {
		return &dns.RFC3597{
			Hdr:   header(name, dns.TypeKEY, ttl),
			Rdata: hex.EncodeToString(data),
		}
	}
	key := &dns.KEY{}
	key.Hdr = header(name, dns.TypeKEY, ttl)
	key.Flags = binary.BigEndian.Uint16(data[0:2])
	key.Protocol = data[2]
	key.Algorithm = data[3]
	key.PublicKey = base64.StdEncoding.EncodeToString(data[4:])
	return key
}

// NSEC returns the NSEC record asserting that only types exist at name
// (RFC 6762 §6.1). The next domain name is the owner name itself.
func NSEC(name string, types []uint16, ttl uint32) *dns.NSEC {
	bitmap := slices.Clone(types)
	slices.Sort(bitmap)
	bitmap = slices.Compact(bitmap)
	return &dns.NSEC{
		Hdr:        header(name, dns.TypeNSEC, ttl),
		NextDomain: name,
		TypeBitMap: bitmap,
	}
}

// NormalizeTXT returns the TXT payload to publish: an empty payload becomes a
// single zero-length string (RFC 6763 §6.1).
func NormalizeTXT(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{0}
	}
	return payload
}

// ParseTXT splits a length-prefixed TXT payload into miekg/dns presentation
// strings.
func ParseTXT(payload []byte) ([]string, error) {
	var strs []string
	for off := 0; off < len(payload); {
		l := int(payload[off])
		off++
		if off+l > len(payload) {
			return nil, &errors.ValidationError{
				Field:   "TxtData",
				Value:   hex.EncodeToString(payload),
				Message: fmt.Sprintf("string of length %d overruns payload at offset %d", l, off-1),
			}
		}
		strs = append(strs, escapeTXT(payload[off:off+l]))
		off += l
	}
	return strs, nil
}

// EncodeTXT builds a TXT payload from key/value pairs (RFC 6763 §6.3). An
// entry with an empty value is encoded as a boolean attribute "key".
func EncodeTXT(pairs [][2]string) ([]byte, error) {
	var out []byte
	for _, kv := range pairs {
		entry := kv[0]
		if kv[1] != "" {
			entry += "=" + kv[1]
		}
		if len(entry) > 255 {
			return nil, &errors.ValidationError{Field: "TxtData", Value: kv[0], Message: "entry exceeds 255 bytes"}
		}
		out = append(out, byte(len(entry)))
		out = append(out, entry...)
	}
	return out, nil
}

func escapeTXT(b []byte) string {
	if !slices.Contains(b, '\\') {
		return string(b)
	}
	return strings.ReplaceAll(string(b), `\`, `\\`)
}
