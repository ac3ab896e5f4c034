package responder

import (
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/records"
	"github.com/meshbeacon/mdnscore/internal/state"
)

// resolveConflicts checks an inbound response against the names this engine
// probes for or owns. A record at an owned name that differs from every record
// published there means another responder claims the name: every entry at that
// name loses it.
//
// Shared names (service types, sub-types, the services browse name) are never
// owned, so PTR answers cannot conflict.
func (c *Core) resolveConflicts(msg *dns.Msg) {
	var lost []*entry
	for _, rr := range slices.Concat(msg.Answer, msg.Extra) {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		nameKey := message.NameKey(rr.Header().Name)
		owners := c.defenders(nameKey)
		if len(owners) == 0 || c.publishes(owners, rr) {
			continue
		}
		c.logger.Debug().Str("record", rr.String()).Msg("conflicting record received")
		for _, e := range owners {
			if !containsEntry(lost, e) {
				lost = append(lost, e)
			}
		}
	}

	reported := make(map[string]bool)
	for _, e := range lost {
		c.conflict(e, reported)
	}
}

// defenders returns the entries at nameKey that hold or claim the name.
func (c *Core) defenders(nameKey string) []*entry {
	var out []*entry
	for _, e := range c.registry.ByName(nameKey) {
		if e.state.Defends() {
			out = append(out, e)
		}
	}
	return out
}

// publishes reports whether rr is identical to one of the records owners
// publish at their name, including the NSEC synthesized for it.
func (c *Core) publishes(owners []*entry, rr dns.RR) bool {
	if rr.Header().Rrtype == dns.TypeNSEC {
		var types []uint16
		for _, e := range owners {
			types = append(types, e.recordTypes()...)
		}
		return message.SameRecord(records.NSEC(owners[0].name, types, owners[0].ttl), rr)
	}
	for _, e := range owners {
		for _, r := range e.uniqueRecords() {
			if message.SameRecord(r.rr, rr) {
				return true
			}
		}
	}
	return false
}

// conflict takes the name away from e. A pending registration learns it
// through its callback; otherwise the conflict callback is told, once per
// name and service type within one message.
func (c *Core) conflict(e *entry, reported map[string]bool) {
	c.counters.Conflicts++
	c.cancel(&e.timer)
	prev := e.state
	e.state = state.Conflicted()

	c.logger.Info().Str("name", e.name).Stringer("kind", e.kind).Stringer("state", prev).Msg("name conflict")

	if id, fn, ok := e.pending.take(); ok {
		c.enqueue(func() { fn(id, errors.ErrDuplicated) })
		return
	}
	if c.conflictCallback == nil {
		return
	}
	key := strings.ToLower(e.label) + "/" + strings.ToLower(e.serviceType)
	if reported[key] {
		return
	}
	reported[key] = true
	cb, name, serviceType := c.conflictCallback, e.label, e.serviceType
	c.enqueue(func() { cb(name, serviceType) })
}
