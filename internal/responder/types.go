package responder

import (
	"net/netip"
	"time"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/message"
)

// RequestID correlates a registration with its asynchronous outcome.
type RequestID uint32

// Callback receives the outcome of a registration: nil once the entry's
// records are announced (or the update is accepted), ErrDuplicated if the name
// was lost while probing.
type Callback func(id RequestID, err error)

// ConflictCallback is invoked when an entry that already completed its
// registration loses its name. serviceType is empty for host entries and for
// host-scoped keys.
type ConflictCallback func(name, serviceType string)

// Host describes a host name and the addresses published for it.
type Host struct {
	// Name is the host label, without the ".local" domain.
	Name string

	// Addresses are candidate IPv6 addresses. Link-local and mesh-local
	// addresses are dropped before use.
	Addresses []netip.Addr

	// TTL in seconds; zero selects the protocol default.
	TTL uint32
}

// Service describes a DNS-SD service instance (RFC 6763).
type Service struct {
	// HostName is the label of the host providing the service; it becomes the
	// SRV target "<HostName>.local.".
	HostName string

	// Instance is the instance label, e.g. "My Printer". It may contain dots.
	Instance string

	// ServiceType is "_name._udp" or "_name._tcp".
	ServiceType string

	// SubTypes are sub-type labels such as "_printer". Order and letter case
	// do not matter.
	SubTypes []string

	// TXT is the raw TXT payload (length-prefixed strings). Empty publishes a
	// single empty string.
	TXT []byte

	Port     uint16
	Priority uint16
	Weight   uint16

	// TTL in seconds; zero selects the protocol default.
	TTL uint32
}

// Key describes a raw KEY record published either for a host name (empty
// ServiceType) or for a service instance name.
type Key struct {
	Name        string
	ServiceType string
	Data        []byte
	TTL         uint32
}

// Platform transmits datagrams on behalf of the engine. Calls must not block.
type Platform interface {
	SendMulticast(packet []byte) error
	SendUnicast(packet []byte, dst netip.AddrPort) error
	SetEnabled(enabled bool) error
}

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// Alarm is a single-shot timer. Start replaces any previous schedule; when the
// time is reached the owner calls Core.HandleTimer.
type Alarm interface {
	Start(at time.Time)
	Stop()
}

func (h *Host) validate() error {
	return message.ValidateLabel("Host.Name", h.Name)
}

func (s *Service) validate() error {
	if err := message.ValidateLabel("Service.Instance", s.Instance); err != nil {
		return err
	}
	if err := message.ValidateLabel("Service.HostName", s.HostName); err != nil {
		return err
	}
	if err := message.ValidateServiceType(s.ServiceType); err != nil {
		return err
	}
	for _, sub := range s.SubTypes {
		if err := message.ValidateLabel("Service.SubTypes", sub); err != nil {
			return err
		}
	}
	return nil
}

func (k *Key) validate() error {
	if err := message.ValidateLabel("Key.Name", k.Name); err != nil {
		return err
	}
	if k.ServiceType != "" {
		if err := message.ValidateServiceType(k.ServiceType); err != nil {
			return err
		}
	}
	if len(k.Data) == 0 {
		return &errors.ValidationError{Field: "Key.Data", Value: "", Message: "must not be empty"}
	}
	return nil
}
