package responder

import (
	"bytes"
	"net/netip"
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/records"
	"github.com/meshbeacon/mdnscore/internal/state"
)

type entryKind uint8

const (
	kindHost entryKind = iota
	kindService
	kindKey
)

func (k entryKind) String() string {
	switch k {
	case kindHost:
		return "host"
	case kindService:
		return "service"
	default:
		return "key"
	}
}

// entryKey identifies an entry: its kind and the comparison key of its owner
// name. A service's owner name embeds its service type, so the pair is unique.
type entryKey struct {
	kind entryKind
	name string
}

// record is one published resource record of an entry.
type record struct {
	rr dns.RR // class IN, registered TTL

	// announce marks the record for the current announcement round.
	announce bool

	// goodbye marks a withdrawn record (a removed sub-type PTR) that is
	// announced with TTL 0 for one round and then dropped.
	goodbye bool
}

func (r *record) shared() bool {
	return r.rr.Header().Rrtype == dns.TypePTR
}

// entry is the engine-owned state of a Host, Service or Key registration.
type entry struct {
	key  entryKey
	kind entryKind
	seq  uint64

	// name is the owner name of the entry's unique records.
	name string

	// label and serviceType are reported to the conflict callback.
	label       string
	serviceType string

	ttl     uint32
	state   state.RegistrationState
	records []*record
	timer   timerItem
	pending oneShot

	// Service only.
	typeName string   // "<type>.local."
	hostName string   // SRV target
	subTypes []string // raw labels
	txt      []byte   // normalized payload
	srv      srvFields

	// announceBrowse marks the services browse PTR for the current round.
	announceBrowse bool

	// Key only.
	keyData []byte
}

type srvFields struct {
	port, priority, weight uint16
}

// recordTypes returns the unique record types the entry owns at its name.
func (e *entry) recordTypes() []uint16 {
	switch e.kind {
	case kindHost:
		return []uint16{dns.TypeAAAA}
	case kindService:
		return []uint16{dns.TypeSRV, dns.TypeTXT}
	default:
		return []uint16{dns.TypeKEY}
	}
}

// uniqueRecords returns the live records owned at the entry's name (no PTRs,
// no goodbyes).
func (e *entry) uniqueRecords() []*record {
	var out []*record
	for _, r := range e.records {
		if !r.shared() && !r.goodbye {
			out = append(out, r)
		}
	}
	return out
}

// ptr returns the service's primary PTR record.
func (e *entry) ptr() *record {
	for _, r := range e.records {
		if r.shared() && !r.goodbye && message.EqualNames(r.rr.Header().Name, e.typeName) {
			return r
		}
	}
	return nil
}

// subTypePTR returns the live sub-type PTR for label.
func (e *entry) subTypePTR(label string) *record {
	for _, r := range e.records {
		if !r.shared() || r.goodbye {
			continue
		}
		if l, _, ok := message.SplitSubTypeName(r.rr.Header().Name); ok && strings.EqualFold(l, label) {
			return r
		}
	}
	return nil
}

func (e *entry) hasSubType(label string) bool {
	return slices.ContainsFunc(e.subTypes, func(s string) bool { return strings.EqualFold(s, label) })
}

func (e *entry) flagAll() {
	for _, r := range e.records {
		r.announce = true
	}
	e.announceBrowse = e.kind == kindService
}

func (e *entry) clearFlags() {
	e.records = slices.DeleteFunc(e.records, func(r *record) bool { return r.goodbye })
	for _, r := range e.records {
		r.announce = false
	}
	e.announceBrowse = false
}

func (e *entry) flagged() bool {
	if e.announceBrowse {
		return true
	}
	return slices.ContainsFunc(e.records, func(r *record) bool { return r.announce })
}

// newHostEntry builds an entry for h with the given eligible addresses.
func newHostEntry(h *Host, addrs []netip.Addr) *entry {
	e := &entry{
		kind:  kindHost,
		name:  message.HostName(h.Name),
		label: h.Name,
		ttl:   records.EffectiveTTL(h.TTL),
	}
	e.key = entryKey{kind: kindHost, name: message.NameKey(e.name)}
	for _, a := range addrs {
		e.records = append(e.records, &record{rr: records.AAAA(e.name, a, e.ttl)})
	}
	return e
}

// newServiceEntry builds an entry for s. The TXT payload must be valid.
func newServiceEntry(s *Service) (*entry, error) {
	e := &entry{
		kind:        kindService,
		name:        message.InstanceName(s.Instance, s.ServiceType),
		label:       s.Instance,
		serviceType: s.ServiceType,
		ttl:         records.EffectiveTTL(s.TTL),
		typeName:    message.ServiceTypeName(s.ServiceType),
		hostName:    message.HostName(s.HostName),
		txt:         bytes.Clone(records.NormalizeTXT(s.TXT)),
		srv:         srvFields{port: s.Port, priority: s.Priority, weight: s.Weight},
	}
	e.key = entryKey{kind: kindService, name: message.NameKey(e.name)}
	for _, sub := range s.SubTypes {
		if !e.hasSubType(sub) {
			e.subTypes = append(e.subTypes, sub)
		}
	}

	txt, err := records.TXT(e.name, e.txt, e.ttl)
	if err != nil {
		return nil, err
	}
	e.records = []*record{
		{rr: e.srvRecord()},
		{rr: txt},
		{rr: records.PTR(e.typeName, e.name, e.ttl)},
	}
	for _, sub := range e.subTypes {
		e.records = append(e.records, &record{rr: records.PTR(message.SubTypeName(sub, s.ServiceType), e.name, e.ttl)})
	}
	return e, nil
}

func (e *entry) srvRecord() dns.RR {
	return records.SRV(e.name, e.hostName, e.srv.priority, e.srv.weight, e.srv.port, e.ttl)
}

// newKeyEntry builds an entry for k.
func newKeyEntry(k *Key) *entry {
	name := message.HostName(k.Name)
	if k.ServiceType != "" {
		name = message.InstanceName(k.Name, k.ServiceType)
	}
	e := &entry{
		kind:        kindKey,
		name:        name,
		label:       k.Name,
		serviceType: k.ServiceType,
		ttl:         records.EffectiveTTL(k.TTL),
		keyData:     bytes.Clone(k.Data),
	}
	e.key = entryKey{kind: kindKey, name: message.NameKey(name)}
	e.records = []*record{{rr: records.KEY(name, e.keyData, e.ttl)}}
	return e
}

// update merges the content of next into e, flagging for announcement only
// the records whose content changed. It reports whether anything changed.
func (e *entry) update(next *entry) bool {
	switch e.kind {
	case kindHost:
		return e.updateHost(next)
	case kindService:
		return e.updateService(next)
	default:
		return e.updateKey(next)
	}
}

func (e *entry) updateHost(next *entry) bool {
	same := e.ttl == next.ttl && len(e.records) == len(next.records)
	if same {
		for _, r := range next.records {
			if !slices.ContainsFunc(e.records, func(o *record) bool { return message.SameRecord(o.rr, r.rr) }) {
				same = false
				break
			}
		}
	}
	if same {
		return false
	}
	e.ttl = next.ttl
	e.records = next.records
	for _, r := range e.records {
		r.announce = true
	}
	return true
}

func (e *entry) updateKey(next *entry) bool {
	if e.ttl == next.ttl && bytes.Equal(e.keyData, next.keyData) {
		return false
	}
	e.ttl = next.ttl
	e.keyData = next.keyData
	e.records = next.records
	e.records[0].announce = true
	return true
}

func (e *entry) updateService(next *entry) bool {
	ttlChanged := e.ttl != next.ttl
	srvChanged := ttlChanged || e.srv != next.srv || !message.EqualNames(e.hostName, next.hostName)
	txtChanged := ttlChanged || !bytes.Equal(e.txt, next.txt)

	var added, removed []string
	for _, sub := range next.subTypes {
		if !e.hasSubType(sub) {
			added = append(added, sub)
		}
	}
	for _, sub := range e.subTypes {
		if !next.hasSubType(sub) {
			removed = append(removed, sub)
		}
	}

	if !srvChanged && !txtChanged && len(added) == 0 && len(removed) == 0 {
		return false
	}

	// Carry over announcement flags of records that survive.
	old := e.records
	wasFlagged := func(rr dns.RR) bool {
		return slices.ContainsFunc(old, func(o *record) bool {
			return o.announce && !o.goodbye && o.rr.Header().Rrtype == rr.Header().Rrtype &&
				message.EqualNames(o.rr.Header().Name, rr.Header().Name)
		})
	}

	e.ttl = next.ttl
	e.srv = next.srv
	e.hostName = next.hostName
	e.txt = next.txt
	e.subTypes = next.subTypes
	e.records = next.records

	for _, r := range e.records {
		h := r.rr.Header()
		switch {
		case h.Rrtype == dns.TypeSRV:
			r.announce = srvChanged || wasFlagged(r.rr)
		case h.Rrtype == dns.TypeTXT:
			r.announce = txtChanged || wasFlagged(r.rr)
		case message.EqualNames(h.Name, e.typeName):
			r.announce = ttlChanged || wasFlagged(r.rr)
		default:
			label, _, _ := message.SplitSubTypeName(h.Name)
			r.announce = ttlChanged || slices.ContainsFunc(added, func(s string) bool { return strings.EqualFold(s, label) }) || wasFlagged(r.rr)
		}
	}

	// Withdrawn sub-types, including goodbyes still pending from an earlier
	// update, unless the label came back.
	for _, o := range old {
		if !o.shared() || message.EqualNames(o.rr.Header().Name, e.typeName) {
			continue
		}
		label, _, _ := message.SplitSubTypeName(o.rr.Header().Name)
		if e.hasSubType(label) {
			continue
		}
		if o.goodbye || slices.ContainsFunc(removed, func(s string) bool { return strings.EqualFold(s, label) }) {
			e.records = append(e.records, &record{rr: o.rr, announce: true, goodbye: true})
		}
	}
	return true
}

// flaggedType reports whether a live record of type rrtype at the entry's own
// name (or its primary PTR) is flagged for announcement.
func (e *entry) flaggedType(rrtype uint16) bool {
	if rrtype == dns.TypePTR {
		p := e.ptr()
		return p != nil && p.announce
	}
	return slices.ContainsFunc(e.records, func(r *record) bool {
		return r.announce && !r.goodbye && r.rr.Header().Rrtype == rrtype
	})
}
