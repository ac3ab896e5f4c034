package message

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// maxLabelLength is the RFC 1035 §2.3.4 label limit.
const maxLabelLength = 63

// EscapeLabel renders a single raw label (which may contain dots, spaces or
// arbitrary bytes) in the presentation format used by miekg/dns, so that the
// label survives being joined into a dotted name.
//
// The escaping mirrors what dns.Msg.Unpack produces, which keeps names built
// locally and names read off the wire textually comparable.
func EscapeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == '.' || c == ' ' || c == '\'' || c == '@' || c == ';' ||
			c == '(' || c == ')' || c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ValidateLabel checks a raw label against RFC 1035 length limits.
func ValidateLabel(field, label string) error {
	if label == "" {
		return &errors.ValidationError{Field: field, Value: label, Message: "must not be empty"}
	}
	if len(label) > maxLabelLength {
		return &errors.ValidationError{
			Field:   field,
			Value:   label,
			Message: fmt.Sprintf("label exceeds %d bytes", maxLabelLength),
		}
	}
	return nil
}

// ValidateServiceType checks a DNS-SD service type of the form
// "_name._udp" or "_name._tcp" (RFC 6763 §7). A trailing ".local" or
// ".local." is tolerated and ignored by ServiceTypeName.
func ValidateServiceType(serviceType string) error {
	st := trimLocal(serviceType)
	labels := strings.Split(st, ".")
	if len(labels) != 2 {
		return &errors.ValidationError{
			Field:   "ServiceType",
			Value:   serviceType,
			Message: "must be of the form _service._udp or _service._tcp",
		}
	}
	if !strings.HasPrefix(labels[0], "_") || len(labels[0]) < 2 || len(labels[0]) > 16 {
		return &errors.ValidationError{
			Field:   "ServiceType",
			Value:   serviceType,
			Message: "service label must start with '_' and be 1-15 characters",
		}
	}
	proto := strings.ToLower(labels[1])
	if proto != "_udp" && proto != "_tcp" {
		return &errors.ValidationError{
			Field:   "ServiceType",
			Value:   serviceType,
			Message: "protocol must be _udp or _tcp",
		}
	}
	return nil
}

func trimLocal(name string) string {
	name = strings.TrimSuffix(name, ".")
	if len(name) >= len(".local") && strings.EqualFold(name[len(name)-len(".local"):], ".local") {
		name = name[:len(name)-len(".local")]
	}
	return name
}

// HostName returns the fully qualified name of a host label, "<host>.local.".
func HostName(host string) string {
	return EscapeLabel(host) + "." + protocol.LocalDomain
}

// ServiceTypeName returns "<type>.local." for a service type such as "_srv._udp".
func ServiceTypeName(serviceType string) string {
	return trimLocal(serviceType) + "." + protocol.LocalDomain
}

// InstanceName returns "<instance>.<type>.local.".
func InstanceName(instance, serviceType string) string {
	return EscapeLabel(instance) + "." + ServiceTypeName(serviceType)
}

// SubTypeName returns "<label>._sub.<type>.local.".
func SubTypeName(label, serviceType string) string {
	return EscapeLabel(label) + "." + protocol.SubTypeLabel + "." + ServiceTypeName(serviceType)
}

// NameKey returns a comparison key for a presentation format name: its
// uncompressed wire form with ASCII letters folded to lower case. Names that
// differ only in escaping or letter case map to the same key (RFC 6762 §16).
//
// A name that cannot be encoded maps to its lower-cased text so that it still
// compares consistently with itself.
func NameKey(name string) string {
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return strings.ToLower(name)
	}
	key := buf[:n]
	for i, c := range key {
		if c >= 'A' && c <= 'Z' {
			key[i] = c + ('a' - 'A')
		}
	}
	return string(key)
}

// EqualNames reports whether two presentation format names are the same
// domain name under DNS case-insensitive comparison.
func EqualNames(a, b string) bool {
	return NameKey(a) == NameKey(b)
}

// SplitSubTypeName splits "<label>._sub.<type>.local." into the raw label and
// the service type name. ok is false if name is not a sub-type name.
func SplitSubTypeName(name string) (label string, serviceTypeName string, ok bool) {
	labels, err := unpackLabels(name)
	if err != nil || len(labels) < 4 {
		return "", "", false
	}
	if !strings.EqualFold(labels[1], protocol.SubTypeLabel) {
		return "", "", false
	}
	rest := make([]string, 0, len(labels)-2)
	for _, l := range labels[2:] {
		rest = append(rest, EscapeLabel(l))
	}
	return labels[0], strings.Join(rest, ".") + ".", true
}

// unpackLabels returns the raw (unescaped) labels of a presentation format name.
func unpackLabels(name string) ([]string, error) {
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	var labels []string
	for off := 0; off < n; {
		l := int(buf[off])
		if l == 0 {
			break
		}
		labels = append(labels, string(buf[off+1:off+1+l]))
		off += 1 + l
	}
	return labels, nil
}
