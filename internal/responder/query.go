package responder

import (
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/protocol"
	"github.com/meshbeacon/mdnscore/internal/records"
)

// pendingQuery is a query whose response waits for its deadline: either a
// response carrying shared records (RFC 6762 §6 random delay) or a truncated
// query collecting known answers from follow-up packets (RFC 6762 §7.2).
// The response is computed when the deadline is reached.
type pendingQuery struct {
	timer  timerItem
	sender netip.AddrPort

	multicast []dns.Question
	unicast   []dns.Question
	known     []dns.RR

	// collecting is set for a truncated query: further packets from the same
	// sender add known answers until the deadline.
	collecting bool
}

// responseGroup is one atomic unit of a response: the answers for one entry
// (or one shared record) and the additional records that accompany them.
type responseGroup struct {
	answers    []dns.RR
	additional []dns.RR
}

type response struct {
	groups   []responseGroup
	shared   bool
	answered []dns.Question

	// suppressed counts records left out by known-answer suppression.
	suppressed uint64
}

// shapeFunc renders a published record with the given TTL for one kind of
// response.
type shapeFunc func(rr dns.RR, ttl uint32) dns.RR

func shapeMDNS(rr dns.RR, ttl uint32) dns.RR {
	return message.WithCacheFlush(message.WithTTL(rr, ttl))
}

func shapeLegacy(rr dns.RR, ttl uint32) dns.RR {
	return message.WithTTL(rr, records.LegacyUnicastTTL(ttl))
}

// processQuery answers an inbound query.
func (c *Core) processQuery(msg *dns.Msg, isUnicast bool, sender netip.AddrPort) {
	now := c.clock.Now()
	questions := answerable(msg.Question)

	// RFC 6762 §6.7: a query not sent from port 5353 comes from a simple
	// resolver that expects a conventional unicast DNS reply.
	if sender.Port() != protocol.Port {
		c.answerLegacy(msg, questions, sender)
		return
	}

	if p := c.collectingFrom(sender); p != nil {
		p.known = append(p.known, msg.Answer...)
		p.addQuestions(questions, isUnicast)
		c.logger.Debug().Stringer("sender", sender).Int("known_answers", len(msg.Answer)).Msg("follow-up to truncated query")
		return
	}
	if len(questions) == 0 {
		return
	}

	if msg.Truncated {
		p := &pendingQuery{sender: sender, known: slices.Clone(msg.Answer), collecting: true}
		p.addQuestions(questions, isUnicast)
		c.deferQuery(p, now.Add(protocol.TruncatedQueryDelay+c.jitter()))
		return
	}

	var multicast, unicast []dns.Question
	for _, q := range questions {
		if isUnicast || message.WantsUnicastResponse(q) {
			unicast = append(unicast, q)
		} else {
			multicast = append(multicast, q)
		}
	}
	if len(unicast) > 0 {
		c.answerUnicast(unicast, msg.Answer, sender)
	}
	if len(multicast) > 0 {
		c.answerMulticast(multicast, msg.Answer, sender, now, true)
	}
}

// answerable keeps the questions of class IN or ANY.
func answerable(questions []dns.Question) []dns.Question {
	var out []dns.Question
	for _, q := range questions {
		switch message.QuestionClass(q) {
		case dns.ClassINET, dns.ClassANY:
			out = append(out, q)
		}
	}
	return out
}

func (p *pendingQuery) addQuestions(questions []dns.Question, isUnicast bool) {
	for _, q := range questions {
		if isUnicast || message.WantsUnicastResponse(q) {
			p.unicast = append(p.unicast, q)
		} else {
			p.multicast = append(p.multicast, q)
		}
	}
}

func (c *Core) collectingFrom(sender netip.AddrPort) *pendingQuery {
	for _, p := range c.queries {
		if p.collecting && p.sender == sender {
			return p
		}
	}
	return nil
}

func (c *Core) deferQuery(p *pendingQuery, at time.Time) {
	p.timer = timerItem{index: -1, query: p}
	c.queries = append(c.queries, p)
	c.schedule(&p.timer, at)
	c.logger.Debug().Stringer("sender", p.sender).Time("at", at).Bool("truncated", p.collecting).Msg("response deferred")
}

// jitter returns the random delay applied to responses with shared records.
func (c *Core) jitter() time.Duration {
	span := int64(protocol.SharedResponseMaxDelay - protocol.SharedResponseMinDelay)
	return protocol.SharedResponseMinDelay + time.Duration(c.rng.Int64N(span+1))
}

// answerPending sends the response of a deferred query.
func (c *Core) answerPending(p *pendingQuery, now time.Time) {
	c.queries = slices.DeleteFunc(c.queries, func(o *pendingQuery) bool { return o == p })
	if len(p.unicast) > 0 {
		c.answerUnicast(p.unicast, p.known, p.sender)
	}
	if len(p.multicast) > 0 {
		c.answerMulticast(p.multicast, p.known, p.sender, now, false)
	}
}

// answerMulticast answers questions to the multicast group. A response holding
// shared records is deferred by a random delay when mayDefer is set.
func (c *Core) answerMulticast(questions []dns.Question, known []dns.RR, sender netip.AddrPort, now time.Time, mayDefer bool) {
	var allowed []dns.Question
	for _, q := range questions {
		if !c.limiter.allowed(q, now) {
			c.counters.RateLimited++
			c.logger.Debug().Str("name", q.Name).Str("type", dns.TypeToString[q.Qtype]).Msg("question rate limited")
			continue
		}
		allowed = append(allowed, q)
	}

	resp := c.collect(allowed, known, shapeMDNS)
	if resp.shared && mayDefer {
		c.deferQuery(&pendingQuery{sender: sender, multicast: allowed, known: known}, now.Add(c.jitter()))
		return
	}
	c.counters.KnownAnswerSuppressed += resp.suppressed
	if len(resp.groups) == 0 {
		return
	}

	sent := c.transmit(c.build(resp, newResponseMsg), nil)
	if sent == 0 {
		return
	}
	c.counters.MulticastResponses += sent
	for _, q := range resp.answered {
		c.limiter.consume(q, now)
	}
}

// answerUnicast answers QU questions, or questions of a datagram addressed to
// this node, directly to the sender.
func (c *Core) answerUnicast(questions []dns.Question, known []dns.RR, sender netip.AddrPort) {
	resp := c.collect(questions, known, shapeMDNS)
	c.counters.KnownAnswerSuppressed += resp.suppressed
	if len(resp.groups) == 0 {
		return
	}
	c.counters.UnicastResponses += c.transmit(c.build(resp, newResponseMsg), &sender)
}

// answerLegacy replies to a conventional DNS query: the query id and the
// questions are echoed, TTLs are capped and no cache-flush bit is set.
func (c *Core) answerLegacy(query *dns.Msg, questions []dns.Question, sender netip.AddrPort) {
	resp := c.collect(questions, query.Answer, shapeLegacy)
	c.counters.KnownAnswerSuppressed += resp.suppressed
	if len(resp.groups) == 0 {
		return
	}
	msgs := c.build(resp, newResponseMsg)
	for _, m := range msgs {
		m.Id = query.Id
		m.Question = slices.Clone(query.Question)
	}
	c.counters.UnicastResponses += c.transmit(msgs, &sender)
}

func (c *Core) build(resp *response, newMsg func() *dns.Msg) []*dns.Msg {
	b := message.NewBuilder(c.maxMessageSize, newMsg)
	for _, rg := range resp.groups {
		b.Append(func(g *message.Group) {
			for _, rr := range rg.answers {
				g.Answer(rr)
			}
			for _, rr := range rg.additional {
				g.Additional(rr)
			}
		})
	}
	return b.Messages()
}

// collect resolves questions against the answering entries.
func (c *Core) collect(questions []dns.Question, known []dns.RR, shape shapeFunc) *response {
	resp := &response{}
	for _, q := range questions {
		before := len(resp.groups)
		if message.EqualNames(q.Name, protocol.ServicesBrowseName) {
			c.collectBrowse(resp, q, known, shape)
		} else {
			c.collectOwned(resp, q, known, shape)
			c.collectServiceType(resp, q, known, shape)
			c.collectSubType(resp, q, known, shape)
		}
		if len(resp.groups) > before {
			resp.answered = append(resp.answered, q)
		}
	}
	return resp
}

// knownAnswer reports whether the querier already holds rr with enough of its
// lifetime left (RFC 6762 §7.1).
func (c *Core) knownAnswer(known []dns.RR, rr dns.RR, ttl uint32) bool {
	for _, k := range known {
		if message.SameRecord(k, rr) && records.SuppressedByKnownAnswer(k.Header().Ttl, ttl) {
			return true
		}
	}
	return false
}

func matchesType(qtype, rrtype uint16) bool {
	return qtype == dns.TypeANY || qtype == rrtype
}

// collectOwned answers a question for a host, instance or key name. An owned
// name without the requested type yields only its NSEC record.
func (c *Core) collectOwned(resp *response, q dns.Question, known []dns.RR, shape shapeFunc) {
	nameKey := message.NameKey(q.Name)
	var owners []*entry
	for _, e := range c.registry.ByName(nameKey) {
		if e.state.Answers() {
			owners = append(owners, e)
		}
	}
	if len(owners) == 0 {
		return
	}
	sortEntries(owners)

	var (
		g       responseGroup
		matched bool
	)
	for _, e := range owners {
		for _, r := range e.uniqueRecords() {
			rrtype := r.rr.Header().Rrtype
			if !matchesType(q.Qtype, rrtype) {
				continue
			}
			matched = true
			if c.knownAnswer(known, r.rr, e.ttl) {
				resp.suppressed++
				continue
			}
			g.answers = append(g.answers, shape(r.rr, e.ttl))
			if e.kind == kindService && rrtype == dns.TypeSRV {
				g.additional = append(g.additional, c.hostAddresses(e.hostName, known, shape)...)
			}
		}
	}
	if matched && len(g.answers) == 0 {
		return
	}
	if nsec := c.nsec(nameKey); nsec != nil {
		g.additional = append(g.additional, shape(nsec, nsec.Header().Ttl))
	}
	resp.groups = append(resp.groups, g)
}

// collectServiceType answers a PTR question for a service type with one PTR
// per instance, each followed by its SRV, TXT and host addresses.
func (c *Core) collectServiceType(resp *response, q dns.Question, known []dns.RR, shape shapeFunc) {
	if !matchesType(q.Qtype, dns.TypePTR) {
		return
	}
	for _, e := range c.answeringServices() {
		if !message.EqualNames(e.typeName, q.Name) {
			continue
		}
		ptr := e.ptr()
		if c.knownAnswer(known, ptr.rr, e.ttl) {
			resp.suppressed++
			continue
		}
		g := responseGroup{answers: []dns.RR{shape(ptr.rr, e.ttl)}}
		for _, r := range e.uniqueRecords() {
			if !c.knownAnswer(known, r.rr, e.ttl) {
				g.additional = append(g.additional, shape(r.rr, e.ttl))
			}
		}
		g.additional = append(g.additional, c.hostAddresses(e.hostName, known, shape)...)
		resp.groups = append(resp.groups, g)
		resp.shared = true
	}
}

// collectSubType answers a PTR question for "<label>._sub.<type>".
func (c *Core) collectSubType(resp *response, q dns.Question, known []dns.RR, shape shapeFunc) {
	if !matchesType(q.Qtype, dns.TypePTR) {
		return
	}
	label, typeName, ok := message.SplitSubTypeName(q.Name)
	if !ok {
		return
	}
	for _, e := range c.answeringServices() {
		if !message.EqualNames(e.typeName, typeName) {
			continue
		}
		ptr := e.subTypePTR(label)
		if ptr == nil {
			continue
		}
		if c.knownAnswer(known, ptr.rr, e.ttl) {
			resp.suppressed++
			continue
		}
		resp.groups = append(resp.groups, responseGroup{answers: []dns.RR{shape(ptr.rr, e.ttl)}})
		resp.shared = true
	}
}

// collectBrowse answers the DNS-SD service type enumeration question with one
// PTR per distinct service type (RFC 6763 §9).
func (c *Core) collectBrowse(resp *response, q dns.Question, known []dns.RR, shape shapeFunc) {
	if !matchesType(q.Qtype, dns.TypePTR) {
		return
	}
	seen := make(map[string]bool)
	for _, e := range c.answeringServices() {
		key := message.NameKey(e.typeName)
		if seen[key] {
			continue
		}
		seen[key] = true
		rr := records.PTR(protocol.ServicesBrowseName, e.typeName, e.ttl)
		if c.knownAnswer(known, rr, e.ttl) {
			resp.suppressed++
			continue
		}
		resp.groups = append(resp.groups, responseGroup{answers: []dns.RR{shape(rr, e.ttl)}})
		resp.shared = true
	}
}

func (c *Core) answeringServices() []*entry {
	var out []*entry
	for _, e := range c.registry.List() {
		if e.kind == kindService && e.state.Answers() {
			out = append(out, e)
		}
	}
	return out
}

// hostAddresses returns the AAAA records of the host named hostName that the
// querier does not already hold.
func (c *Core) hostAddresses(hostName string, known []dns.RR, shape shapeFunc) []dns.RR {
	host, ok := c.registry.Get(entryKey{kind: kindHost, name: message.NameKey(hostName)})
	if !ok || !host.state.Answers() {
		return nil
	}
	var out []dns.RR
	for _, r := range host.uniqueRecords() {
		if !c.knownAnswer(known, r.rr, host.ttl) {
			out = append(out, shape(r.rr, host.ttl))
		}
	}
	return out
}
