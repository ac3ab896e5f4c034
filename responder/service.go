package responder

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/records"
	"github.com/meshbeacon/mdnscore/internal/responder"
)

// serviceTypePattern matches "_name._udp" or "_name._tcp", with or without a
// trailing ".local" (RFC 6763 §7).
var serviceTypePattern = regexp.MustCompile(`^_[A-Za-z0-9]([A-Za-z0-9-]{0,13}[A-Za-z0-9])?\._(tcp|udp)(\.local\.?)?$`)

// Service is a DNS-SD service instance to advertise.
//
// Example:
//
//	service := &responder.Service{
//	    InstanceName: "My Printer",
//	    ServiceType:  "_ipp._tcp",
//	    Port:         631,
//	    SubTypes:     []string{"_universal"},
//	    TXTRecords:   map[string]string{"rp": "printers/1"},
//	}
type Service struct {
	// InstanceName is the user-visible instance label (RFC 6763 §4.1.1).
	InstanceName string

	// ServiceType is "_service._proto", e.g. "_http._tcp". A ".local" suffix
	// is accepted and ignored.
	ServiceType string

	// Hostname is the host label the SRV record points to. Empty means the
	// responder's own hostname.
	Hostname string

	Port     uint16
	Priority uint16
	Weight   uint16

	// SubTypes are sub-type labels such as "_printer".
	SubTypes []string

	// TXTRecords are encoded as "key=value" strings in key order. Ignored
	// when TXT is set.
	TXTRecords map[string]string

	// TXT is a raw, length-prefixed TXT payload.
	TXT []byte

	// TTL in seconds; zero selects the protocol default.
	TTL uint32

	// baseName is the name before any conflict rename.
	baseName string
	renames  int
}

// Validate checks the fields the responder needs before probing.
func (s *Service) Validate() error {
	if s.InstanceName == "" {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "must not be empty"}
	}
	if len(s.InstanceName) > 63 {
		return &errors.ValidationError{Field: "InstanceName", Value: s.InstanceName, Message: "exceeds 63 bytes"}
	}
	if !serviceTypePattern.MatchString(s.ServiceType) {
		return &errors.ValidationError{Field: "ServiceType", Value: s.ServiceType, Message: "must be _service._tcp or _service._udp"}
	}
	if s.Port == 0 {
		return &errors.ValidationError{Field: "Port", Value: s.Port, Message: "must not be zero"}
	}
	return nil
}

// Rename appends a numeric suffix after a name conflict (RFC 6762 §9):
// "My Printer" becomes "My Printer (2)", then "My Printer (3)".
func (s *Service) Rename() {
	if s.baseName == "" {
		s.baseName = s.InstanceName
	}
	s.renames++
	s.InstanceName = fmt.Sprintf("%s (%d)", s.baseName, s.renames+1)
}

// serviceType strips an optional ".local" suffix.
func (s *Service) serviceType() string {
	t := strings.TrimSuffix(s.ServiceType, ".")
	return strings.TrimSuffix(t, ".local")
}

func (s *Service) txt() ([]byte, error) {
	if len(s.TXT) > 0 {
		return s.TXT, nil
	}
	keys := make([]string, 0, len(s.TXTRecords))
	for k := range s.TXTRecords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, s.TXTRecords[k]})
	}
	return records.EncodeTXT(pairs)
}

func (s *Service) engine(hostname string) (*responder.Service, error) {
	txt, err := s.txt()
	if err != nil {
		return nil, err
	}
	host := s.Hostname
	if host == "" {
		host = hostname
	}
	return &responder.Service{
		HostName:    trimLocal(host),
		Instance:    s.InstanceName,
		ServiceType: s.serviceType(),
		SubTypes:    s.SubTypes,
		TXT:         txt,
		Port:        s.Port,
		Priority:    s.Priority,
		Weight:      s.Weight,
		TTL:         s.TTL,
	}, nil
}

// Host is a host name and the IPv6 addresses published for it.
type Host struct {
	// Name is the host label. Empty means the responder's hostname.
	Name string

	// Addresses to publish. Empty means the IPv6 addresses of the responder's
	// interfaces.
	Addresses []netip.Addr

	TTL uint32
}

// Key is a KEY record (RFC 2535 wire format) published for a host or, when
// ServiceType is set, for a service instance.
type Key struct {
	Name        string
	ServiceType string
	Data        []byte
	TTL         uint32
}

func trimLocal(name string) string {
	name = strings.TrimSuffix(name, ".")
	return strings.TrimSuffix(name, ".local")
}
