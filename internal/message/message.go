// Package message adapts the miekg/dns wire codec to Multicast DNS.
//
// It owns everything the engine needs to know about DNS messages as values:
// parsing and validating inbound datagrams (RFC 6762 §18), the class-field
// flags that mDNS overloads (QU and cache-flush), name construction and
// case-insensitive comparison, record identity for known-answer and conflict
// checks, and the size-bounded Builder used to batch outbound records.
// Name compression stays inside miekg/dns.
package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// ParseMessage decodes an inbound datagram.
//
// RFC 6762 §18.3: messages with a non-zero opcode MUST be silently ignored.
// RFC 6762 §18.11: messages with a non-zero rcode MUST be silently ignored.
//
// Returns a WireFormatError (ErrParse) for undecodable input and an error
// matching ErrDrop for well-formed messages the responder must ignore.
func ParseMessage(packet []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, errors.NewDecodeError("unpack message", err)
	}
	if msg.Opcode != dns.OpcodeQuery {
		return nil, &dropError{reason: fmt.Sprintf("opcode %d", msg.Opcode)}
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, &dropError{reason: fmt.Sprintf("rcode %d", msg.Rcode)}
	}
	return msg, nil
}

type dropError struct {
	reason string
}

func (e *dropError) Error() string { return "message dropped: " + e.reason }
func (e *dropError) Unwrap() error { return errors.ErrDrop }

// WantsUnicastResponse reports whether a question carries the QU bit.
func WantsUnicastResponse(q dns.Question) bool {
	return q.Qclass&protocol.UnicastResponse != 0
}

// QuestionClass returns the question class with the QU bit cleared.
func QuestionClass(q dns.Question) uint16 {
	return q.Qclass & protocol.ClassMask
}

// RecordClass returns the record class with the cache-flush bit cleared.
func RecordClass(rr dns.RR) uint16 {
	return rr.Header().Class & protocol.ClassMask
}

// NewQuestion builds a question, optionally with the QU bit set.
func NewQuestion(name string, qtype uint16, unicast bool) dns.Question {
	class := uint16(dns.ClassINET)
	if unicast {
		class |= protocol.UnicastResponse
	}
	return dns.Question{Name: name, Qtype: qtype, Qclass: class}
}

// WithCacheFlush returns a copy of rr with the cache-flush bit set.
// PTR records are shared and never carry the bit.
func WithCacheFlush(rr dns.RR) dns.RR {
	c := dns.Copy(rr)
	if c.Header().Rrtype != dns.TypePTR {
		c.Header().Class |= protocol.CacheFlush
	}
	return c
}

// WithTTL returns a copy of rr with its TTL replaced.
func WithTTL(rr dns.RR, ttl uint32) dns.RR {
	c := dns.Copy(rr)
	c.Header().Ttl = ttl
	return c
}

// Rdata returns the uncompressed RDATA of rr.
func Rdata(rr dns.RR) ([]byte, error) {
	buf := make([]byte, dns.Len(rr)+16)
	end, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, errors.NewEncodeError("pack record", err)
	}
	nameEnd, err := dns.PackDomainName(dns.Fqdn(rr.Header().Name), make([]byte, 256), 0, nil, false)
	if err != nil {
		return nil, errors.NewEncodeError("pack name", err)
	}
	start := nameEnd + 10 // type, class, ttl, rdlength
	if start > end {
		return nil, nil
	}
	return buf[start:end], nil
}

// canonicalRdata returns RDATA with embedded domain names folded to lower case.
func canonicalRdata(rr dns.RR) ([]byte, error) {
	switch r := rr.(type) {
	case *dns.PTR:
		c := *r
		c.Ptr = strings.ToLower(c.Ptr)
		return Rdata(&c)
	case *dns.SRV:
		c := *r
		c.Target = strings.ToLower(c.Target)
		return Rdata(&c)
	case *dns.NSEC:
		c := *r
		c.NextDomain = strings.ToLower(c.NextDomain)
		return Rdata(&c)
	}
	return Rdata(rr)
}

// SameRecord reports whether two records carry the same name, type, class and
// data, ignoring TTL, the cache-flush bit and letter case in names.
func SameRecord(a, b dns.RR) bool {
	ha, hb := a.Header(), b.Header()
	if ha.Rrtype != hb.Rrtype {
		return false
	}
	if RecordClass(a) != RecordClass(b) {
		return false
	}
	if !EqualNames(ha.Name, hb.Name) {
		return false
	}
	ra, err := canonicalRdata(a)
	if err != nil {
		return false
	}
	rb, err := canonicalRdata(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// RecordKey returns an identity for rr suitable for de-duplicating records
// inside one message: name, type and data.
func RecordKey(rr dns.RR) string {
	data, err := canonicalRdata(rr)
	if err != nil {
		data = []byte(rr.String())
	}
	return NameKey(rr.Header().Name) + "/" + strconv.Itoa(int(rr.Header().Rrtype)) + "/" + hex.EncodeToString(data)
}
