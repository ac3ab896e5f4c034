package message

import (
	"fmt"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResponse() *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	return m
}

func hostRecords(host string, n int) []dns.RR {
	rrs := make([]dns.RR, 0, n)
	for i := 0; i < n; i++ {
		rrs = append(rrs, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: HostName(host), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 120},
			AAAA: net.ParseIP(fmt.Sprintf("fd00::%x", i+1)),
		})
	}
	return rrs
}

func TestBuilder_SingleMessage(t *testing.T) {
	b := NewBuilder(9000, newResponse)
	for _, host := range []string{"h1", "h2"} {
		rrs := hostRecords(host, 2)
		b.Append(func(g *Group) {
			for _, rr := range rrs {
				g.Answer(rr)
			}
		})
	}

	msgs := b.Messages()
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Answer, 4)
	assert.True(t, msgs[0].Compress)
}

func TestBuilder_Deduplicates(t *testing.T) {
	rrs := hostRecords("h1", 2)
	b := NewBuilder(9000, newResponse)
	b.Append(func(g *Group) {
		g.Answer(rrs[0])
		g.Answer(rrs[0])
		g.Additional(rrs[0])
		g.Additional(rrs[1])
	})

	msgs := b.Messages()
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Answer, 1)
	assert.Len(t, msgs[0].Extra, 1, "additional must skip records already answered")
}

// TestBuilder_SplitsOnGroupBoundary validates that a group that would exceed
// the budget is moved whole into a new message.
func TestBuilder_SplitsOnGroupBoundary(t *testing.T) {
	const maxSize = 200

	b := NewBuilder(maxSize, newResponse)
	for _, host := range []string{"h1", "h2", "h3"} {
		rrs := hostRecords(host, 3)
		b.Append(func(g *Group) {
			for _, rr := range rrs {
				g.Answer(rr)
			}
		})
	}

	msgs := b.Messages()
	require.Len(t, msgs, 2)

	total := 0
	for _, m := range msgs {
		require.LessOrEqual(t, m.Len(), maxSize)
		require.Zero(t, len(m.Answer)%3, "group split across messages")
		total += len(m.Answer)

		packed, err := m.Pack()
		require.NoError(t, err)
		var round dns.Msg
		require.NoError(t, round.Unpack(packed))
		assert.Equal(t, len(m.Answer), len(round.Answer))
	}
	assert.Equal(t, 9, total)
}

func TestBuilder_OversizedGroupKept(t *testing.T) {
	b := NewBuilder(60, newResponse)
	rrs := hostRecords("h1", 4)
	b.Append(func(g *Group) {
		for _, rr := range rrs {
			g.Answer(rr)
		}
	})

	msgs := b.Messages()
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Answer, 4)
}

func TestBuilder_EmptyGroupsProduceNothing(t *testing.T) {
	b := NewBuilder(9000, newResponse)
	b.Append(func(g *Group) {})
	assert.Empty(t, b.Messages())
}
