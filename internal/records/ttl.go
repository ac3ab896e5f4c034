package records

import "github.com/meshbeacon/mdnscore/internal/protocol"

// SuppressedByKnownAnswer reports whether a known answer carrying knownTTL is
// fresh enough to suppress a record registered with registeredTTL.
//
// RFC 6762 §7.1: a responder MUST NOT answer with a record that is in the
// known-answer list if the TTL given there is at least half the true TTL.
func SuppressedByKnownAnswer(knownTTL, registeredTTL uint32) bool {
	return uint64(knownTTL)*2 >= uint64(registeredTTL)
}

// LegacyUnicastTTL caps a TTL for a reply to a legacy unicast query
// (RFC 6762 §6.7).
func LegacyUnicastTTL(ttl uint32) uint32 {
	return min(ttl, protocol.LegacyUnicastMaxTTL)
}
