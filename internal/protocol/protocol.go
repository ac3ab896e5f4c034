// Package protocol holds the Multicast DNS constants shared by the engine, the
// transports and the public responder.
//
// RFC 6762 §5: mDNS uses UDP port 5353 on 224.0.0.251 and ff02::fb.
// RFC 6762 §8: probing and announcing timing.
// RFC 6762 §10: record TTLs.
package protocol

import "time"

// Network parameters per RFC 6762 §5.
const (
	// Port is the mDNS UDP port.
	Port = 5353

	// MulticastAddrIPv4 is the IPv4 mDNS group.
	MulticastAddrIPv4 = "224.0.0.251"

	// MulticastAddrIPv6 is the link-local IPv6 mDNS group.
	MulticastAddrIPv6 = "ff02::fb"

	// LocalDomain is the domain every name published by the engine lives under.
	LocalDomain = "local."

	// ServicesBrowseName is the DNS-SD service type enumeration name (RFC 6763 §9).
	ServicesBrowseName = "_services._dns-sd._udp.local."

	// SubTypeLabel separates a sub-type label from its service type (RFC 6763 §7.1).
	SubTypeLabel = "_sub"
)

// Class field flags. The top bit of the class field is the QU bit in a
// question and the cache-flush bit in a resource record (RFC 6762 §5.4, §10.2).
const (
	ClassMask       uint16 = 0x7fff
	UnicastResponse uint16 = 1 << 15
	CacheFlush      uint16 = 1 << 15
)

// TTL defaults in seconds.
const (
	// DefaultTTL is used for every record registered with a TTL of zero.
	DefaultTTL uint32 = 120

	// LegacyUnicastMaxTTL caps TTLs in replies to legacy unicast queries
	// (RFC 6762 §6.7).
	LegacyUnicastMaxTTL uint32 = 10
)

// Probing and announcing per RFC 6762 §8.
const (
	// NumProbes is the number of probe queries sent before announcing.
	NumProbes = 3

	// ProbeInterval is the spacing between probes and the wait between the
	// last probe and the first announcement.
	ProbeInterval = 250 * time.Millisecond

	// NumAnnounces is the number of unsolicited announcements.
	NumAnnounces = 3

	// AnnounceBaseInterval is the base of the doubling announcement interval.
	AnnounceBaseInterval = time.Second

	// NumGoodbyes is the number of goodbye messages sent on removal.
	NumGoodbyes = 2

	// GoodbyeInterval is the spacing between goodbye messages.
	GoodbyeInterval = time.Second
)

// Query answering per RFC 6762 §6 and §7.
const (
	// SharedResponseMinDelay and SharedResponseMaxDelay bound the random delay
	// applied to responses carrying shared records (RFC 6762 §6).
	SharedResponseMinDelay = 20 * time.Millisecond
	SharedResponseMaxDelay = 120 * time.Millisecond

	// TruncatedQueryDelay is the minimum deferral of a response to a query with
	// the TC bit set (RFC 6762 §7.2).
	TruncatedQueryDelay = 400 * time.Millisecond

	// RateLimitInterval is the minimum spacing between two multicast responses
	// to the same question (RFC 6762 §6).
	RateLimitInterval = time.Second
)

// Message sizing.
const (
	// DefaultMaxMessageSize follows the 9000 byte ceiling of RFC 6762 §17.
	DefaultMaxMessageSize = 9000

	// MinMaxMessageSize is the smallest budget the engine accepts; it is large
	// enough for a header and a handful of records.
	MinMaxMessageSize = 256
)
