package responder

import (
	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/protocol"
	"github.com/meshbeacon/mdnscore/internal/state"
)

// RegisterHost publishes the AAAA records of h. Addresses that must not be
// published (link-local, mesh-local) are dropped; a host left with no address
// is rejected.
//
// The outcome is reported through cb after the call returns: nil once the
// first announcement is sent, ErrDuplicated if the name is lost while probing.
func (c *Core) RegisterHost(h *Host, id RequestID, cb Callback) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := h.validate(); err != nil {
		return err
	}
	addrs := c.filter.Filter(h.Addresses)
	if len(addrs) == 0 {
		return &errors.ValidationError{
			Field:   "Host.Addresses",
			Value:   h.Addresses,
			Message: "no address eligible for publication",
		}
	}
	return c.register(newHostEntry(h, addrs), id, cb)
}

// RegisterService publishes the SRV, TXT and PTR records of s, one PTR per
// sub-type, and the services browse PTR for its type.
func (c *Core) RegisterService(s *Service, id RequestID, cb Callback) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := s.validate(); err != nil {
		return err
	}
	e, err := newServiceEntry(s)
	if err != nil {
		return err
	}
	return c.register(e, id, cb)
}

// RegisterKey publishes a KEY record for a host name or a service instance.
func (c *Core) RegisterKey(k *Key, id RequestID, cb Callback) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := k.validate(); err != nil {
		return err
	}
	return c.register(newKeyEntry(k), id, cb)
}

// UnregisterHost withdraws the host registered under name.
func (c *Core) UnregisterHost(name string) error {
	return c.unregister(entryKey{kind: kindHost, name: message.NameKey(message.HostName(name))})
}

// UnregisterService withdraws a service instance.
func (c *Core) UnregisterService(instance, serviceType string) error {
	return c.unregister(entryKey{kind: kindService, name: message.NameKey(message.InstanceName(instance, serviceType))})
}

// UnregisterKey withdraws a KEY record. serviceType is empty for a host-scoped
// key.
func (c *Core) UnregisterKey(name, serviceType string) error {
	owner := message.HostName(name)
	if serviceType != "" {
		owner = message.InstanceName(name, serviceType)
	}
	return c.unregister(entryKey{kind: kindKey, name: message.NameKey(owner)})
}

func (c *Core) register(next *entry, id RequestID, cb Callback) error {
	defer c.rearm()
	next.flagAll()

	e, ok := c.registry.Get(next.key)
	if !ok {
		c.registry.Add(next)
		next.pending.set(id, cb)
		c.start(next)
		return nil
	}

	log := c.logger.Debug().Str("name", e.name).Stringer("kind", e.kind).Stringer("state", e.state)
	switch e.state.Phase() {
	case state.PhaseConflicted:
		log.Msg("register on conflicted entry")
		c.enqueue(func() { cb(id, errors.ErrDuplicated) })

	case state.PhaseProbing:
		log.Msg("replacing records of probing entry")
		e.replace(next)
		e.pending.set(id, cb)

	case state.PhaseRemoving:
		log.Msg("re-registering entry being removed")
		e.replace(next)
		e.pending.set(id, cb)
		e.state = state.Announcing(0)
		c.schedule(&e.timer, c.clock.Now())

	default:
		if e.update(next) {
			log.Msg("entry changed, re-announcing")
			e.state = state.Announcing(0)
			c.schedule(&e.timer, c.clock.Now())
		}
		e.pending.drop()
		c.enqueue(func() { cb(id, nil) })
	}
	return nil
}

// start schedules the first step of a fresh entry. An entry sharing its name
// with an entry that already owns it skips probing; one sharing it with a
// probing entry joins that entry's probe sequence.
func (c *Core) start(e *entry) {
	now := c.clock.Now()
	for _, s := range c.registry.ByName(e.key.name) {
		if s != e && s.state.Answers() {
			e.state = state.Announcing(0)
			c.schedule(&e.timer, now.Add(protocol.ProbeInterval))
			return
		}
	}
	for _, s := range c.registry.ByName(e.key.name) {
		if s != e && s.state.Is(state.PhaseProbing) && s.timer.scheduled() {
			e.state = s.state
			c.schedule(&e.timer, s.timer.at)
			return
		}
	}
	e.state = state.Probing(0)
	c.schedule(&e.timer, now)
}

func (c *Core) unregister(key entryKey) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	e, ok := c.registry.Get(key)
	if !ok {
		return nil
	}
	defer c.rearm()

	c.logger.Debug().Str("name", e.name).Stringer("kind", e.kind).Stringer("state", e.state).Msg("unregister")
	e.pending.drop()
	switch e.state.Phase() {
	case state.PhaseAnnouncing, state.PhaseRegistered:
		e.state = state.Removing(0)
		c.schedule(&e.timer, c.clock.Now())
	case state.PhaseRemoving:
	default:
		c.cancel(&e.timer)
		c.registry.Remove(e)
	}
	return nil
}

// replace takes the content of next wholesale, keeping identity, state,
// timer and callback.
func (e *entry) replace(next *entry) {
	e.name = next.name
	e.label = next.label
	e.serviceType = next.serviceType
	e.ttl = next.ttl
	e.records = next.records
	e.typeName = next.typeName
	e.hostName = next.hostName
	e.subTypes = next.subTypes
	e.txt = next.txt
	e.srv = next.srv
	e.keyData = next.keyData
	e.announceBrowse = next.announceBrowse
}
