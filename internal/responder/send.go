package responder

import (
	"net/netip"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/protocol"
	"github.com/meshbeacon/mdnscore/internal/records"
)

func newQueryMsg() *dns.Msg {
	return new(dns.Msg)
}

func newResponseMsg() *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	return m
}

// groupByName splits sorted entries into runs that share an owner name,
// ordered by the first entry of each run.
func groupByName(entries []*entry) [][]*entry {
	var groups [][]*entry
	index := make(map[string]int)
	for _, e := range entries {
		if i, ok := index[e.key.name]; ok {
			groups[i] = append(groups[i], e)
			continue
		}
		index[e.key.name] = len(groups)
		groups = append(groups, []*entry{e})
	}
	return groups
}

// sendProbes sends one probe round for entries. Entries probing for the same
// name share a question and travel in the same message.
func (c *Core) sendProbes(entries []*entry) {
	b := message.NewBuilder(c.maxMessageSize, newQueryMsg)
	for _, group := range groupByName(entries) {
		first := group[0]
		unicast := c.questionUnicast && first.state.Count() == 0
		b.Append(func(g *message.Group) {
			g.Question(message.NewQuestion(first.name, dns.TypeANY, unicast))
			for _, e := range group {
				for _, r := range e.uniqueRecords() {
					g.Authority(r.rr)
				}
			}
		})
	}
	c.counters.ProbesSent += c.transmit(b.Messages(), nil)
}

// sendAnnouncements sends the flagged records of entries as one unsolicited
// response batch.
func (c *Core) sendAnnouncements(entries []*entry) {
	b := message.NewBuilder(c.maxMessageSize, newResponseMsg)
	for _, group := range groupByName(entries) {
		b.Append(func(g *message.Group) {
			var answered []*entry
			for _, e := range group {
				if c.appendAnnounced(g, e) {
					answered = append(answered, e)
				}
			}
			for _, e := range answered {
				c.appendCompanions(g, e, e.flaggedType(dns.TypePTR), e.flaggedType(dns.TypeSRV))
			}
			if len(answered) > 0 {
				if nsec := c.nsec(group[0].key.name); nsec != nil {
					g.Additional(message.WithCacheFlush(nsec))
				}
			}
		})
	}
	c.appendBrowse(b, entries)
	c.counters.AnnouncementsSent += c.transmit(b.Messages(), nil)
}

// appendAnnounced writes the flagged records of e into the answer section and
// reports whether any unique record was written.
func (c *Core) appendAnnounced(g *message.Group, e *entry) bool {
	unique := false
	for _, r := range e.records {
		if !r.announce {
			continue
		}
		ttl := e.ttl
		if r.goodbye {
			ttl = 0
		}
		if g.Answer(shapeMDNS(r.rr, ttl)) && !r.shared() {
			unique = true
		}
	}
	return unique
}

// appendBrowse adds one services browse PTR per flagged service type as the
// last group of the batch.
func (c *Core) appendBrowse(b *message.Builder, entries []*entry) {
	seen := make(map[string]bool)
	var ptrs []dns.RR
	for _, e := range entries {
		if !e.announceBrowse {
			continue
		}
		key := message.NameKey(e.typeName)
		if seen[key] {
			continue
		}
		seen[key] = true
		ptrs = append(ptrs, records.PTR(protocol.ServicesBrowseName, e.typeName, e.ttl))
	}
	if len(ptrs) == 0 {
		return
	}
	b.Append(func(g *message.Group) {
		for _, rr := range ptrs {
			g.Answer(rr)
		}
	})
}

// sendGoodbyes withdraws the records of entries with TTL 0.
func (c *Core) sendGoodbyes(entries []*entry) {
	b := message.NewBuilder(c.maxMessageSize, newResponseMsg)
	for _, group := range groupByName(entries) {
		b.Append(func(g *message.Group) {
			for _, e := range group {
				for _, r := range e.records {
					g.Answer(shapeMDNS(r.rr, 0))
				}
			}
			if nsec := c.nsec(group[0].key.name, group...); nsec != nil {
				g.Additional(message.WithCacheFlush(nsec))
			}
		})
	}
	c.counters.GoodbyesSent += c.transmit(b.Messages(), nil)
}

// appendCompanions adds the additional records that accompany the service
// records of e: SRV and TXT for its PTR, the host addresses for its PTR or
// SRV. Records already in the message are skipped by the builder.
func (c *Core) appendCompanions(g *message.Group, e *entry, ptr, srv bool) {
	if e.kind != kindService || !(ptr || srv) {
		return
	}
	if ptr {
		for _, r := range e.uniqueRecords() {
			g.Additional(shapeMDNS(r.rr, e.ttl))
		}
	}
	for _, rr := range c.hostAddresses(e.hostName, nil, shapeMDNS) {
		g.Additional(rr)
	}
}

// nsec synthesizes the NSEC record for an owned name from every answering
// entry at that name, skipping exclude. It returns nil when none is left.
func (c *Core) nsec(nameKey string, exclude ...*entry) dns.RR {
	var (
		types []uint16
		owner string
		ttl   uint32
	)
	for _, s := range c.registry.ByName(nameKey) {
		if !s.state.Answers() || containsEntry(exclude, s) {
			continue
		}
		if owner == "" {
			owner, ttl = s.name, s.ttl
		}
		types = append(types, s.recordTypes()...)
	}
	if len(types) == 0 {
		return nil
	}
	return records.NSEC(owner, types, ttl)
}

func containsEntry(es []*entry, e *entry) bool {
	for _, o := range es {
		if o == e {
			return true
		}
	}
	return false
}

// transmit packs and sends msgs, multicast when dst is nil. It returns the
// number of messages handed to the platform. A message that fails to pack is
// dropped and counted; the caller's schedule moves on regardless.
func (c *Core) transmit(msgs []*dns.Msg, dst *netip.AddrPort) uint64 {
	var sent uint64
	for _, m := range msgs {
		packet, err := m.Pack()
		if err != nil {
			c.counters.NoBufs++
			c.logger.Warn().Err(err).Msg("dropping outbound message that failed to pack")
			continue
		}
		if dst == nil {
			err = c.platform.SendMulticast(packet)
		} else {
			err = c.platform.SendUnicast(packet, *dst)
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(packet)).Msg("platform send failed")
			continue
		}
		sent++
		c.logger.Trace().
			Bool("response", m.Response).
			Int("questions", len(m.Question)).
			Int("answers", len(m.Answer)).
			Int("authority", len(m.Ns)).
			Int("additional", len(m.Extra)).
			Int("size", len(packet)).
			Msg("sent message")
	}
	return sent
}
