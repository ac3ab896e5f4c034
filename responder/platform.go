package responder

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/transport"
)

// Clock supplies the current time to the engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// platform sends engine output on every transport.
type platform struct {
	ctx        context.Context
	transports []transport.Transport
}

func (p *platform) SendMulticast(packet []byte) error {
	var errs []error
	for _, t := range p.transports {
		if err := t.Send(p.ctx, packet, t.Group()); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrors.Join(errs...)
}

func (p *platform) SendUnicast(packet []byte, dst netip.AddrPort) error {
	t := p.route(dst.Addr())
	if t == nil {
		return &errors.NetworkError{
			Operation: "send",
			Err:       fmt.Errorf("no transport for %s", dst),
		}
	}
	return t.Send(p.ctx, packet, net.UDPAddrFromAddrPort(dst))
}

func (p *platform) SetEnabled(bool) error { return nil }

// route picks the transport of the address family of dst.
func (p *platform) route(dst netip.Addr) transport.Transport {
	for _, t := range p.transports {
		group, ok := t.Group().(*net.UDPAddr)
		if !ok {
			continue
		}
		if (group.IP.To4() != nil) == dst.Unmap().Is4() {
			return t
		}
	}
	return nil
}

// loopAlarm turns the engine's alarm into a wake-up of the event loop.
type loopAlarm struct {
	clock Clock
	fire  chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func newLoopAlarm(clock Clock) *loopAlarm {
	return &loopAlarm{clock: clock, fire: make(chan struct{}, 1)}
}

func (a *loopAlarm) Start(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(max(at.Sub(a.clock.Now()), 0), func() {
		select {
		case a.fire <- struct{}{}:
		default:
		}
	})
}

func (a *loopAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// interfaceIPv6 returns the IPv6 addresses of the interface with the given
// index.
//
// RFC 6762 §15: a host publishes the addresses valid on the link it answers on.
func interfaceIPv6(index int) ([]netip.Addr, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "lookup interface",
			Err:       err,
			Details:   fmt.Sprintf("interface index %d", index),
		}
	}
	return ifaceIPv6(ifi)
}

func ifaceIPv6(ifi *net.Interface) ([]netip.Addr, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "list addresses",
			Err:       err,
			Details:   ifi.Name,
		}
	}
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() != nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// localIPv6 returns the IPv6 addresses of ifi, or of every up, non-loopback
// interface when ifi is nil.
func localIPv6(ifi *net.Interface) ([]netip.Addr, error) {
	if ifi != nil {
		return ifaceIPv6(ifi)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, &errors.NetworkError{Operation: "list interfaces", Err: err}
	}
	var out []netip.Addr
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagUp == 0 || ifaces[i].Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifaceIPv6(&ifaces[i])
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}
