package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbeacon/mdnscore/internal/responder"
)

func TestCollector(t *testing.T) {
	snap := responder.Counters{
		ProbesSent:            3,
		AnnouncementsSent:     2,
		QueriesReceived:       7,
		KnownAnswerSuppressed: 4,
		Conflicts:             1,
	}
	c := NewCollector(func() responder.Counters { return snap })

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP beacon_mdns_messages_sent_total Datagrams handed to the network by kind
# TYPE beacon_mdns_messages_sent_total counter
beacon_mdns_messages_sent_total{kind="announcement"} 2
beacon_mdns_messages_sent_total{kind="goodbye"} 0
beacon_mdns_messages_sent_total{kind="multicast_response"} 0
beacon_mdns_messages_sent_total{kind="probe"} 3
beacon_mdns_messages_sent_total{kind="unicast_response"} 0
# HELP beacon_mdns_queries_received_total Inbound queries processed
# TYPE beacon_mdns_queries_received_total counter
beacon_mdns_queries_received_total 7
# HELP beacon_mdns_known_answer_suppressed_total Answers withheld because the querier already held them
# TYPE beacon_mdns_known_answer_suppressed_total counter
beacon_mdns_known_answer_suppressed_total 4
# HELP beacon_mdns_conflicts_total Registrations that lost their name
# TYPE beacon_mdns_conflicts_total counter
beacon_mdns_conflicts_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"beacon_mdns_messages_sent_total",
		"beacon_mdns_queries_received_total",
		"beacon_mdns_known_answer_suppressed_total",
		"beacon_mdns_conflicts_total",
	))

	snap.QueriesReceived = 8
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 13, count, "five message kinds and eight counters")
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(func() responder.Counters { return responder.Counters{ProbesSent: 9} })))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, lis, reg, zerolog.Nop()) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `beacon_mdns_messages_sent_total{kind="probe"} 9`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServe_BadAddress(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:bad", prometheus.NewRegistry(), zerolog.Nop())
	assert.Error(t, err)
}
