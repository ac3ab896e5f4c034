package message

import (
	"github.com/miekg/dns"
)

// Builder packs groups of records into one or more messages whose packed
// (compressed) size stays within a budget.
//
// A group is the unit of atomicity: all records appended by one call to Append
// land in the same message. If a group does not fit in the current message it
// is rolled back and replayed into a fresh one. A group that does not fit even
// in an empty message is kept on its own, oversized, rather than split.
//
// Records are de-duplicated per message by name, type and data: the same record
// offered twice (a shared PTR, an address that is both an answer and an
// additional companion) is written once.
type Builder struct {
	maxSize int
	newMsg  func() *dns.Msg

	done []*dns.Msg
	cur  *dns.Msg
	seen map[string]struct{}
}

// NewBuilder returns a Builder producing messages from newMsg (which sets up
// the header) bounded to maxSize bytes.
func NewBuilder(maxSize int, newMsg func() *dns.Msg) *Builder {
	return &Builder{maxSize: maxSize, newMsg: newMsg}
}

// Group is the write handle passed to an Append callback.
type Group struct {
	b     *Builder
	added []string
}

// Append runs fill against the current message, moving the group to a new
// message when it overflows.
func (b *Builder) Append(fill func(g *Group)) {
	if b.cur == nil {
		b.start()
	}
	snap := b.snapshot()
	g := &Group{b: b}
	fill(g)

	if b.cur.Len() <= b.maxSize || snap.empty() {
		return
	}

	b.rollback(snap, g)
	b.flush()
	b.start()
	fill(&Group{b: b})
}

// Messages returns every message built so far, skipping empty ones.
func (b *Builder) Messages() []*dns.Msg {
	b.flush()
	return b.done
}

// Question adds a question to the current message.
func (g *Group) Question(q dns.Question) {
	key := "q/" + NameKey(q.Name) + "/" + dns.TypeToString[q.Qtype]
	if !g.mark(key) {
		return
	}
	g.b.cur.Question = append(g.b.cur.Question, q)
}

// Answer adds rr to the answer section unless it is already present.
func (g *Group) Answer(rr dns.RR) bool {
	if !g.mark(RecordKey(rr)) {
		return false
	}
	g.b.cur.Answer = append(g.b.cur.Answer, rr)
	return true
}

// Authority adds rr to the authority section unless it is already present.
func (g *Group) Authority(rr dns.RR) bool {
	if !g.mark("ns/" + RecordKey(rr)) {
		return false
	}
	g.b.cur.Ns = append(g.b.cur.Ns, rr)
	return true
}

// Additional adds rr to the additional section unless it is already present
// in any section.
func (g *Group) Additional(rr dns.RR) bool {
	if !g.mark(RecordKey(rr)) {
		return false
	}
	g.b.cur.Extra = append(g.b.cur.Extra, rr)
	return true
}

func (g *Group) mark(key string) bool {
	if _, ok := g.b.seen[key]; ok {
		return false
	}
	g.b.seen[key] = struct{}{}
	g.added = append(g.added, key)
	return true
}

type snapshot struct {
	qd, an, ns, ar int
}

func (s snapshot) empty() bool {
	return s.qd+s.an+s.ns+s.ar == 0
}

func (b *Builder) snapshot() snapshot {
	return snapshot{
		qd: len(b.cur.Question),
		an: len(b.cur.Answer),
		ns: len(b.cur.Ns),
		ar: len(b.cur.Extra),
	}
}

func (b *Builder) rollback(s snapshot, g *Group) {
	b.cur.Question = b.cur.Question[:s.qd]
	b.cur.Answer = b.cur.Answer[:s.an]
	b.cur.Ns = b.cur.Ns[:s.ns]
	b.cur.Extra = b.cur.Extra[:s.ar]
	for _, key := range g.added {
		delete(b.seen, key)
	}
}

func (b *Builder) start() {
	b.cur = b.newMsg()
	b.cur.Compress = true
	b.seen = make(map[string]struct{})
}

func (b *Builder) flush() {
	if b.cur == nil {
		return
	}
	if s := b.snapshot(); !s.empty() {
		b.done = append(b.done, b.cur)
	}
	b.cur = nil
	b.seen = nil
}
