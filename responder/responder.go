// Package responder advertises hosts, services and keys on the local link with
// Multicast DNS (RFC 6762) and DNS-Based Service Discovery (RFC 6763).
//
// ## WHY THIS PACKAGE EXISTS
//
// The mDNS engine in internal/responder is single-threaded and never touches
// a socket or a clock on its own. This package is the runnable form of it: it
// opens the multicast sockets, owns the event loop the engine runs on, and
// turns the engine's asynchronous callbacks into blocking calls that honour a
// context.
//
// ## DESIGN
//
// Every API call, every received datagram and every alarm expiry is handed to
// one goroutine as an operation, so the engine sees a strictly serial stream
// of events. Registration calls block until the first announcement is sent,
// the name is lost, or the caller's context ends.
//
// ## RFC COMPLIANCE
//
//   - RFC 6762 §8.1: three probes 250ms apart before a name is claimed
//   - RFC 6762 §8.3: announcements 1s and 2s apart after probing
//   - RFC 6762 §9: a conflicting service is renamed "Name (2)", "Name (3)", ...
//   - RFC 6762 §10.1: goodbyes with TTL 0 when a record is withdrawn or on Close
//   - RFC 6763 §7.1: sub-type PTR records
//
// ## EXAMPLE USAGE
//
//	resp, err := responder.New(ctx, responder.WithHostname("mydevice"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer resp.Close()
//
//	if err := resp.RegisterHost(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//	service := &responder.Service{
//	    InstanceName: "My Web Server",
//	    ServiceType:  "_http._tcp",
//	    Port:         8080,
//	    TXTRecords:   map[string]string{"path": "/"},
//	}
//	if err := resp.Register(ctx, service); err != nil {
//	    log.Fatal(err)
//	}
package responder

import (
	"context"
	goerrors "errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshbeacon/mdnscore/internal/config"
	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/metrics"
	"github.com/meshbeacon/mdnscore/internal/protocol"
	"github.com/meshbeacon/mdnscore/internal/responder"
	"github.com/meshbeacon/mdnscore/internal/transport"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = goerrors.New("responder closed")

// Counters are cumulative engine statistics.
type Counters = responder.Counters

// maxRenameAttempts bounds the rename loop of Register.
const maxRenameAttempts = 10

// drainTimeout bounds how long Close waits for goodbyes to go out.
const drainTimeout = 5 * time.Second

// Responder publishes records on the local link until closed.
type Responder struct {
	hostname        string
	logger          zerolog.Logger
	transports      []transport.Transport
	iface           *net.Interface
	ipv4, ipv6      bool
	questionUnicast bool
	maxMessageSize  int
	meshLocal       []netip.Prefix
	seed            uint64
	clock           Clock
	registerer      prometheus.Registerer

	core   *responder.Core
	alarm  *loopAlarm
	ops    chan func()
	nextID atomic.Uint32

	// Owned by the event loop.
	published  map[string]func() error
	drained    chan struct{}
	conflictFn func(name, serviceType string)

	cancel    context.CancelFunc
	group     *errgroup.Group
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New opens the mDNS sockets (unless WithTransport is given) and starts the
// event loop. The responder publishes nothing until something is registered.
func New(ctx context.Context, opts ...Option) (*Responder, error) {
	r := &Responder{
		logger:          zerolog.Nop(),
		ipv4:            true,
		ipv6:            true,
		questionUnicast: true,
		maxMessageSize:  protocol.DefaultMaxMessageSize,
		clock:           systemClock{},
		ops:             make(chan func()),
		published:       make(map[string]func() error),
		stopped:         make(chan struct{}),
	}
	r.hostname, _ = new(config.Config).HostLabel()

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if r.hostname == "" {
		r.hostname = "localhost"
	}
	if r.seed == 0 {
		r.seed = rand.Uint64()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.transports == nil {
		if err := r.openTransports(loopCtx); err != nil {
			cancel()
			return nil, err
		}
	}

	r.alarm = newLoopAlarm(r.clock)
	r.core = responder.New(
		&platform{ctx: loopCtx, transports: r.transports},
		r.clock,
		r.alarm,
		responder.WithLogger(r.logger),
		responder.WithMaxMessageSize(r.maxMessageSize),
		responder.WithQuestionUnicast(r.questionUnicast),
		responder.WithMeshLocalPrefixes(r.meshLocal...),
		responder.WithSeed(r.seed),
	)
	r.core.SetConflictCallback(r.onConflict)
	if err := r.core.SetEnabled(true); err != nil {
		r.abort()
		return nil, fmt.Errorf("enable engine: %w", err)
	}

	if r.registerer != nil {
		if err := r.registerer.Register(metrics.NewCollector(r.Counters)); err != nil {
			r.abort()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(loopCtx)
	r.group = g
	g.Go(func() error { return r.run(gctx) })
	for _, t := range r.transports {
		g.Go(func() error { return r.receive(gctx, t) })
	}

	r.logger.Info().Str("hostname", r.hostname).Int("transports", len(r.transports)).Msg("responder started")
	return r, nil
}

func (r *Responder) openTransports(ctx context.Context) error {
	cfg := transport.Config{Interface: r.iface, Logger: r.logger}
	if r.ipv4 {
		t, err := transport.NewUDPv4Transport(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		r.transports = append(r.transports, t)
	}
	if r.ipv6 {
		t, err := transport.NewUDPv6Transport(ctx, cfg)
		if err != nil {
			r.closeTransports()
			return fmt.Errorf("failed to create transport: %w", err)
		}
		r.transports = append(r.transports, t)
	}
	return nil
}

// abort releases what New acquired before the loop started.
func (r *Responder) abort() {
	r.cancel()
	r.closeTransports()
}

func (r *Responder) closeTransports() []error {
	var errs []error
	for _, t := range r.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// run is the event loop: the only goroutine that touches the engine.
func (r *Responder) run(ctx context.Context) error {
	defer close(r.stopped)
	defer r.alarm.Stop()
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.alarm.fire:
			r.core.HandleTimer()
		case <-ctx.Done():
			return nil
		}
		if r.drained != nil && r.core.Entries() == 0 {
			close(r.drained)
			r.drained = nil
		}
	}
}

// receive feeds datagrams from t to the event loop until t is closed.
func (r *Responder) receive(ctx context.Context, t transport.Transport) error {
	for {
		d, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || goerrors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Debug().Err(err).Msg("receive failed")
			continue
		}
		select {
		case r.ops <- func() { r.core.HandleReceive(d.Data, d.Unicast, d.Src) }:
		case <-ctx.Done():
			return nil
		}
	}
}

// do runs fn on the event loop and waits for it.
func (r *Responder) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(done) }:
	case <-r.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// await registers through register and waits for the outcome. On success the
// entry is remembered under key so that Close withdraws it.
func (r *Responder) await(ctx context.Context, key string, unregister func() error, register func(responder.RequestID, responder.Callback) error) error {
	id := responder.RequestID(r.nextID.Add(1))
	result := make(chan error, 1)
	cb := func(_ responder.RequestID, err error) { result <- err }

	var regErr error
	if err := r.do(func() {
		regErr = register(id, cb)
		if regErr == nil {
			r.published[key] = unregister
		}
	}); err != nil {
		return err
	}
	if regErr != nil {
		return regErr
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = r.do(func() {
			_ = unregister()
			delete(r.published, key)
		})
		return ctx.Err()
	case <-r.stopped:
		return ErrClosed
	}
}

func serviceKey(instance, serviceType string) string {
	return "service/" + strings.ToLower(instance) + "/" + strings.ToLower(serviceType)
}

func hostKey(name string) string {
	return "host/" + strings.ToLower(name)
}

func keyKey(name, serviceType string) string {
	return "key/" + strings.ToLower(name) + "/" + strings.ToLower(serviceType)
}

// Register advertises a service and blocks until it is announced.
//
// If the name is taken (RFC 6762 §9) the service is renamed and probed again,
// up to 10 times; svc.InstanceName holds the name finally used. Registering a
// service that is already published updates its records without probing.
func (r *Responder) Register(ctx context.Context, svc *Service) error {
	if svc == nil {
		return &errors.ValidationError{Field: "Service", Message: "must not be nil"}
	}
	if err := svc.Validate(); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		es, err := svc.engine(r.hostname)
		if err != nil {
			return err
		}
		key := serviceKey(es.Instance, es.ServiceType)
		unregister := func() error { return r.core.UnregisterService(es.Instance, es.ServiceType) }

		err = r.await(ctx, key, unregister, func(id responder.RequestID, cb responder.Callback) error {
			return r.core.RegisterService(es, id, cb)
		})
		if !goerrors.Is(err, errors.ErrDuplicated) {
			if err == nil {
				r.logger.Info().Str("instance", es.Instance).Str("type", es.ServiceType).Msg("service registered")
			}
			return err
		}

		// Drop the conflicted entry before claiming a new name.
		if err := r.do(func() {
			_ = unregister()
			delete(r.published, key)
		}); err != nil {
			return err
		}
		if attempt >= maxRenameAttempts {
			return fmt.Errorf("max rename attempts (%d) exceeded for service %q: %w",
				maxRenameAttempts, svc.InstanceName, errors.ErrDuplicated)
		}
		prev := svc.InstanceName
		svc.Rename()
		r.logger.Info().Str("from", prev).Str("to", svc.InstanceName).Msg("name conflict, renaming service")
	}
}

// UpdateService replaces the records of a service that is already published.
func (r *Responder) UpdateService(ctx context.Context, svc *Service) error {
	if svc == nil {
		return &errors.ValidationError{Field: "Service", Message: "must not be nil"}
	}
	var found bool
	if err := r.do(func() {
		_, found = r.published[serviceKey(svc.InstanceName, svc.serviceType())]
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("service %q not registered", svc.InstanceName)
	}
	return r.Register(ctx, svc)
}

// RegisterHost advertises the AAAA records of a host and blocks until they
// are announced. A nil host, or one without name or addresses, uses the
// responder's hostname and the IPv6 addresses of its interfaces.
func (r *Responder) RegisterHost(ctx context.Context, host *Host) error {
	h := Host{}
	if host != nil {
		h = *host
	}
	if h.Name == "" {
		h.Name = r.hostname
	}
	if len(h.Addresses) == 0 {
		addrs, err := localIPv6(r.iface)
		if err != nil {
			return err
		}
		h.Addresses = addrs
	}

	eh := &responder.Host{Name: trimLocal(h.Name), Addresses: h.Addresses, TTL: h.TTL}
	err := r.await(ctx, hostKey(eh.Name), func() error { return r.core.UnregisterHost(eh.Name) },
		func(id responder.RequestID, cb responder.Callback) error {
			return r.core.RegisterHost(eh, id, cb)
		})
	if err == nil {
		r.logger.Info().Str("host", eh.Name).Int("addresses", len(eh.Addresses)).Msg("host registered")
	}
	return err
}

// RegisterKey advertises a KEY record and blocks until it is announced.
func (r *Responder) RegisterKey(ctx context.Context, key *Key) error {
	if key == nil {
		return &errors.ValidationError{Field: "Key", Message: "must not be nil"}
	}
	ek := &responder.Key{Name: key.Name, ServiceType: trimLocal(key.ServiceType), Data: key.Data, TTL: key.TTL}
	return r.await(ctx, keyKey(ek.Name, ek.ServiceType), func() error { return r.core.UnregisterKey(ek.Name, ek.ServiceType) },
		func(id responder.RequestID, cb responder.Callback) error {
			return r.core.RegisterKey(ek, id, cb)
		})
}

// Unregister withdraws a service. Peers are told with goodbye packets
// (RFC 6762 §10.1). Withdrawing a service that is not registered is not an
// error.
func (r *Responder) Unregister(instanceName, serviceType string) error {
	serviceType = trimLocal(serviceType)
	var err error
	if doErr := r.do(func() {
		err = r.core.UnregisterService(instanceName, serviceType)
		delete(r.published, serviceKey(instanceName, serviceType))
	}); doErr != nil {
		return doErr
	}
	return err
}

// UnregisterHost withdraws a host.
func (r *Responder) UnregisterHost(name string) error {
	name = trimLocal(name)
	var err error
	if doErr := r.do(func() {
		err = r.core.UnregisterHost(name)
		delete(r.published, hostKey(name))
	}); doErr != nil {
		return doErr
	}
	return err
}

// UnregisterKey withdraws a KEY record.
func (r *Responder) UnregisterKey(name, serviceType string) error {
	serviceType = trimLocal(serviceType)
	var err error
	if doErr := r.do(func() {
		err = r.core.UnregisterKey(name, serviceType)
		delete(r.published, keyKey(name, serviceType))
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetConflictCallback sets fn to be told when a name that was already
// registered is lost to another responder. fn runs on its own goroutine.
func (r *Responder) SetConflictCallback(fn func(name, serviceType string)) error {
	return r.do(func() { r.conflictFn = fn })
}

func (r *Responder) onConflict(name, serviceType string) {
	r.logger.Warn().Str("name", name).Str("type", serviceType).Msg("registered name lost to another responder")
	if fn := r.conflictFn; fn != nil {
		go fn(name, serviceType)
	}
}

// Counters returns a snapshot of the engine statistics.
func (r *Responder) Counters() Counters {
	var c Counters
	if err := r.do(func() { c = r.core.Counters() }); err != nil {
		// The loop has exited; nothing else touches the engine.
		return r.core.Counters()
	}
	return c
}

// Hostname returns the host label used by default.
func (r *Responder) Hostname() string { return r.hostname }

// Close withdraws everything registered through this responder, waits for the
// goodbyes to be sent, and releases the sockets. It is safe to call more than
// once.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.close() })
	return r.closeErr
}

func (r *Responder) close() error {
	drained := make(chan struct{})
	err := r.do(func() {
		for key, unregister := range r.published {
			if err := unregister(); err != nil {
				r.logger.Debug().Err(err).Str("entry", key).Msg("unregister on close failed")
			}
			delete(r.published, key)
		}
		if r.core.Entries() == 0 {
			close(drained)
			return
		}
		r.drained = drained
	})
	if err == nil {
		select {
		case <-drained:
		case <-r.stopped:
		case <-time.After(drainTimeout):
			r.logger.Warn().Msg("goodbyes not completed before close")
		}
	}

	r.cancel()
	errs := r.closeTransports()
	if err := r.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info().Msg("responder stopped")
	return goerrors.Join(errs...)
}
