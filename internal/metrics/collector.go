// Package metrics exports engine statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshbeacon/mdnscore/internal/responder"
)

const namespace = "beacon"

// Source returns a consistent snapshot of the engine counters.
type Source func() responder.Counters

type counterDesc struct {
	desc  *prometheus.Desc
	value func(responder.Counters) uint64
}

// Collector reads engine counters at scrape time. The engine is not safe for
// concurrent use, so the Source must hop onto the engine's goroutine.
type Collector struct {
	source   Source
	counters []counterDesc
	messages *prometheus.Desc
}

// NewCollector returns a Collector reading from source.
func NewCollector(source Source) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "mdns", name), help, nil, nil)
	}
	return &Collector{
		source: source,
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mdns", "messages_sent_total"),
			"Datagrams handed to the network by kind",
			[]string{"kind"}, nil,
		),
		counters: []counterDesc{
			{desc("queries_received_total", "Inbound queries processed"), func(c responder.Counters) uint64 { return c.QueriesReceived }},
			{desc("responses_received_total", "Inbound responses checked for conflicts"), func(c responder.Counters) uint64 { return c.ResponsesReceived }},
			{desc("known_answer_suppressed_total", "Answers withheld because the querier already held them"), func(c responder.Counters) uint64 { return c.KnownAnswerSuppressed }},
			{desc("rate_limited_total", "Multicast questions not answered within one second of the last answer"), func(c responder.Counters) uint64 { return c.RateLimited }},
			{desc("conflicts_total", "Registrations that lost their name"), func(c responder.Counters) uint64 { return c.Conflicts }},
			{desc("parse_errors_total", "Inbound datagrams that could not be decoded"), func(c responder.Counters) uint64 { return c.ParseErrors }},
			{desc("dropped_total", "Well-formed inbound datagrams ignored"), func(c responder.Counters) uint64 { return c.Dropped }},
			{desc("nobufs_total", "Outbound messages that could not be built"), func(c responder.Counters) uint64 { return c.NoBufs }},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	for _, d := range c.counters {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source()

	for kind, v := range map[string]uint64{
		"probe":              snap.ProbesSent,
		"announcement":       snap.AnnouncementsSent,
		"goodbye":            snap.GoodbyesSent,
		"multicast_response": snap.MulticastResponses,
		"unicast_response":   snap.UnicastResponses,
	} {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(v), kind)
	}
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(snap)))
	}
}
