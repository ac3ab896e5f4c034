package records

import (
	"net/netip"
	"slices"
)

// rlocIID matches the Thread RLOC/ALOC interface identifier 0000:00ff:fe00:xxxx.
var rlocIID = [6]byte{0x00, 0x00, 0x00, 0xff, 0xfe, 0x00}

// AddressFilter decides which host addresses may be advertised.
//
// Link-local addresses are never advertised (they are only valid on one
// link and peers resolve them through the interface). Mesh-local addresses
// are never advertised either: any address inside one of MeshLocalPrefixes,
// and any ULA address whose interface identifier is a Thread RLOC or ALOC.
type AddressFilter struct {
	MeshLocalPrefixes []netip.Prefix
}

// Eligible reports whether addr may be published.
func (f AddressFilter) Eligible(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.Is6() {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsLoopback() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	for _, p := range f.MeshLocalPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	if addr.IsPrivate() {
		a := addr.As16()
		if [6]byte(a[8:14]) == rlocIID {
			return false
		}
	}
	return true
}

// Filter returns the eligible addresses of addrs in their original order with
// duplicates removed.
func (f AddressFilter) Filter(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if f.Eligible(a) && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
