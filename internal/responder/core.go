// Package responder implements the Multicast DNS responder engine.
//
// ## WHY THIS PACKAGE EXISTS
//
// A Thread border router or mesh node publishes its own host addresses, its
// DNS-SD services and raw KEY records over mDNS. This package is the part that
// owns those records: it probes for their names, announces them, answers
// queries for them, defends them against conflicting responders and withdraws
// them with goodbye messages (RFC 6762, RFC 6763).
//
// ## DESIGN
//
// Core is a single-threaded, timer-driven state machine. It never blocks and
// never starts goroutines. Everything that touches the outside world goes
// through three small interfaces:
//
//   - Platform sends datagrams (multicast or unicast) and joins the group.
//   - Clock tells the time.
//   - Alarm is a single-shot timer; when it fires the owner calls HandleTimer.
//
// Inbound datagrams are passed to HandleReceive. Responses are inspected for
// conflicts, queries are answered. Every entry with a pending probe,
// announcement or goodbye owns one timer in a min-heap that is multiplexed onto
// the Alarm, and so does every deferred query response.
//
// The owner must serialise all calls (the public responder package runs them
// on one event-loop goroutine). Registration callbacks and the conflict
// callback run from HandleTimer, never from inside the call that caused them.
package responder

import (
	goerrors "errors"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshbeacon/mdnscore/internal/errors"
	"github.com/meshbeacon/mdnscore/internal/message"
	"github.com/meshbeacon/mdnscore/internal/protocol"
	"github.com/meshbeacon/mdnscore/internal/records"
	"github.com/meshbeacon/mdnscore/internal/state"
)

// Core is the mDNS responder engine.
type Core struct {
	platform Platform
	clock    Clock
	alarm    Alarm
	logger   zerolog.Logger
	rng      *rand.Rand
	filter   records.AddressFilter

	enabled          bool
	questionUnicast  bool
	maxMessageSize   int
	conflictCallback ConflictCallback

	registry  *Registry
	queries   []*pendingQuery
	limiter   *questionLimiter
	timers    timerQueue
	timerSeq  uint64
	taskTimer timerItem
	tasks     []func()

	counters Counters
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Core) {
		c.logger = logger.With().Str("component", "mdns-core").Logger()
	}
}

// WithMaxMessageSize sets the outbound message budget in bytes.
func WithMaxMessageSize(size int) Option {
	return func(c *Core) { c.SetMaxMessageSize(size) }
}

// WithQuestionUnicast sets whether the first probe may request unicast
// replies (QU bit). Enabled by default.
func WithQuestionUnicast(allowed bool) Option {
	return func(c *Core) { c.questionUnicast = allowed }
}

// WithMeshLocalPrefixes adds prefixes whose addresses are never published.
func WithMeshLocalPrefixes(prefixes ...netip.Prefix) Option {
	return func(c *Core) {
		c.filter.MeshLocalPrefixes = append(c.filter.MeshLocalPrefixes, prefixes...)
	}
}

// WithSeed seeds the generator used for response jitter. Identical seeds and
// identical input timing yield identical output.
func WithSeed(seed uint64) Option {
	return func(c *Core) { c.rng = rand.New(rand.NewPCG(seed, seed^0x6d646e73)) }
}

// New creates a disabled engine. Call SetEnabled(true) to start it.
func New(platform Platform, clock Clock, alarm Alarm, opts ...Option) *Core {
	c := &Core{
		platform:        platform,
		clock:           clock,
		alarm:           alarm,
		logger:          zerolog.Nop(),
		rng:             rand.New(rand.NewPCG(1, 2)),
		questionUnicast: true,
		maxMessageSize:  protocol.DefaultMaxMessageSize,
		registry:        NewRegistry(),
		limiter:         newQuestionLimiter(),
		taskTimer:       timerItem{index: -1, tasks: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEnabled starts or stops the engine. Disabling drops every entry, pending
// response and queued callback at once, without goodbyes.
func (c *Core) SetEnabled(enabled bool) error {
	if enabled == c.enabled {
		return nil
	}
	if err := c.platform.SetEnabled(enabled); err != nil {
		return err
	}
	c.enabled = enabled
	if !enabled {
		c.registry.Clear()
		c.queries = nil
		c.tasks = nil
		c.timers = nil
		c.taskTimer.index = -1
		c.limiter.reset()
		c.alarm.Stop()
	}
	c.logger.Info().Bool("enabled", enabled).Msg("mdns engine state changed")
	return nil
}

// IsEnabled reports whether the engine is running.
func (c *Core) IsEnabled() bool { return c.enabled }

// SetQuestionUnicastAllowed sets whether first probes carry the QU bit.
func (c *Core) SetQuestionUnicastAllowed(allowed bool) { c.questionUnicast = allowed }

// IsQuestionUnicastAllowed reports whether first probes carry the QU bit.
func (c *Core) IsQuestionUnicastAllowed() bool { return c.questionUnicast }

// SetConflictCallback sets the callback invoked when a registered entry loses
// its name.
func (c *Core) SetConflictCallback(cb ConflictCallback) { c.conflictCallback = cb }

// SetMaxMessageSize bounds the size of outbound messages.
func (c *Core) SetMaxMessageSize(size int) {
	c.maxMessageSize = max(size, protocol.MinMaxMessageSize)
}

// Counters returns a snapshot of the engine counters.
func (c *Core) Counters() Counters { return c.counters }

// Entries returns the number of entries the engine holds, including entries
// still sending goodbyes and conflicted ones.
func (c *Core) Entries() int { return c.registry.Len() }

// HandleTimer performs every action due at the current time. The owner calls
// it when the Alarm fires; calling it early is harmless.
func (c *Core) HandleTimer() {
	if !c.enabled {
		return
	}
	defer c.rearm()

	now := c.clock.Now()
	var (
		probes, announces, goodbyes []*entry
		queries                     []*pendingQuery
		runTasks                    bool
	)
	for _, t := range c.popDue(now) {
		switch {
		case t.entry != nil:
			switch t.entry.state.Phase() {
			case state.PhaseProbing:
				probes = append(probes, t.entry)
			case state.PhaseAnnouncing:
				announces = append(announces, t.entry)
			case state.PhaseRemoving:
				goodbyes = append(goodbyes, t.entry)
			}
		case t.query != nil:
			queries = append(queries, t.query)
		case t.tasks:
			runTasks = true
		}
	}

	sortEntries(probes)
	sortEntries(announces)
	sortEntries(goodbyes)

	if len(probes) > 0 {
		c.sendProbes(probes)
		for _, e := range probes {
			c.advance(e, now)
		}
	}
	if len(announces) > 0 {
		c.sendAnnouncements(announces)
		for _, e := range announces {
			if e.state.Count() == 0 {
				c.resolve(e, nil)
			}
			c.advance(e, now)
		}
	}
	if len(goodbyes) > 0 {
		c.sendGoodbyes(goodbyes)
		for _, e := range goodbyes {
			c.advance(e, now)
		}
	}
	for _, q := range queries {
		c.answerPending(q, now)
	}
	c.limiter.prune(now)

	if runTasks || len(c.tasks) > 0 {
		c.runTasks()
	}
}

// advance moves e past the message just sent for it.
func (c *Core) advance(e *entry, now time.Time) {
	prev := e.state
	tr := e.state.Advance()
	if tr.Done {
		c.registry.Remove(e)
		c.logger.Debug().Str("name", e.name).Stringer("kind", e.kind).Msg("entry removed after goodbye")
		return
	}
	e.state = tr.Next
	if prev.Is(state.PhaseAnnouncing) && tr.Next.Is(state.PhaseRegistered) {
		e.clearFlags()
	}
	if tr.Next.Scheduled() {
		c.schedule(&e.timer, now.Add(tr.Delay))
	}
	c.logger.Debug().Str("name", e.name).Stringer("kind", e.kind).
		Stringer("from", prev).Stringer("to", e.state).Msg("entry state advanced")
}

// HandleReceive processes one inbound datagram. isUnicast is true when the
// datagram was addressed to this node rather than to the multicast group.
func (c *Core) HandleReceive(packet []byte, isUnicast bool, sender netip.AddrPort) {
	if !c.enabled {
		return
	}
	defer c.rearm()

	msg, err := message.ParseMessage(packet)
	if err != nil {
		if goerrors.Is(err, errors.ErrDrop) {
			c.counters.Dropped++
		} else {
			c.counters.ParseErrors++
		}
		c.logger.Debug().Err(err).Stringer("sender", sender).Msg("ignoring inbound datagram")
		return
	}

	if msg.Response {
		c.counters.ResponsesReceived++
		c.resolveConflicts(msg)
		return
	}
	c.counters.QueriesReceived++
	c.processQuery(msg, isUnicast, sender)
}
