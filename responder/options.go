package responder

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/meshbeacon/mdnscore/internal/config"
	"github.com/meshbeacon/mdnscore/internal/transport"
)

// Option is a functional option for configuring a Responder.
//
// All options are applied during New() before the event loop starts.
//
// Example:
//
//	resp, err := responder.New(ctx,
//	    responder.WithHostname("mydevice"),
//	    responder.WithMaxMessageSize(1400),
//	)
type Option func(*Responder) error

// WithHostname sets the host label used for services without their own
// Hostname and for RegisterHost without a name. A ".local" suffix is
// accepted and dropped. Defaults to the OS hostname.
func WithHostname(hostname string) Option {
	return func(r *Responder) error {
		r.hostname = trimLocal(hostname)
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Responder) error {
		r.logger = logger
		return nil
	}
}

// WithTransport replaces the UDP sockets with the given transports.
func WithTransport(transports ...transport.Transport) Option {
	return func(r *Responder) error {
		if len(transports) == 0 {
			return fmt.Errorf("WithTransport: no transport")
		}
		r.transports = transports
		return nil
	}
}

// WithInterface restricts the responder to one network interface.
func WithInterface(ifi *net.Interface) Option {
	return func(r *Responder) error {
		r.iface = ifi
		return nil
	}
}

// WithIPFamilies selects which UDP transports New opens. Both are enabled by
// default.
func WithIPFamilies(ipv4, ipv6 bool) Option {
	return func(r *Responder) error {
		if !ipv4 && !ipv6 {
			return config.ErrNoFamily
		}
		r.ipv4, r.ipv6 = ipv4, ipv6
		return nil
	}
}

// WithMaxMessageSize bounds outbound messages (RFC 6762 §17).
func WithMaxMessageSize(size int) Option {
	return func(r *Responder) error {
		r.maxMessageSize = size
		return nil
	}
}

// WithQuestionUnicast sets whether the first probe asks for unicast replies.
func WithQuestionUnicast(allowed bool) Option {
	return func(r *Responder) error {
		r.questionUnicast = allowed
		return nil
	}
}

// WithMeshLocalPrefixes adds prefixes whose addresses are never published.
func WithMeshLocalPrefixes(prefixes ...netip.Prefix) Option {
	return func(r *Responder) error {
		r.meshLocal = append(r.meshLocal, prefixes...)
		return nil
	}
}

// WithSeed makes response jitter reproducible.
func WithSeed(seed uint64) Option {
	return func(r *Responder) error {
		r.seed = seed
		return nil
	}
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(r *Responder) error {
		r.clock = clock
		return nil
	}
}

// WithMetrics registers the engine counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Responder) error {
		r.registerer = reg
		return nil
	}
}

// WithConfig applies daemon settings loaded by the config package.
func WithConfig(cfg *config.Config) Option {
	return func(r *Responder) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		label, err := cfg.HostLabel()
		if err != nil {
			return err
		}
		r.hostname = trimLocal(label)
		if cfg.Interface != "" {
			ifi, err := net.InterfaceByName(cfg.Interface)
			if err != nil {
				return fmt.Errorf("interface %q: %w", cfg.Interface, err)
			}
			r.iface = ifi
		}
		prefixes, err := cfg.Prefixes()
		if err != nil {
			return err
		}
		r.ipv4, r.ipv6 = cfg.IPv4, cfg.IPv6
		r.questionUnicast = cfg.QuestionUnicast
		r.maxMessageSize = cfg.MaxMessageSize
		r.meshLocal = append(r.meshLocal, prefixes...)
		if cfg.Seed != 0 {
			r.seed = cfg.Seed
		}
		return nil
	}
}
