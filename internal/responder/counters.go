package responder

// Counters are cumulative engine statistics. Message counters count datagrams
// handed to the platform, not records.
type Counters struct {
	ProbesSent         uint64
	AnnouncementsSent  uint64
	GoodbyesSent       uint64
	MulticastResponses uint64
	UnicastResponses   uint64

	QueriesReceived   uint64
	ResponsesReceived uint64

	// KnownAnswerSuppressed counts answers withheld because the querier
	// already holds them.
	KnownAnswerSuppressed uint64

	// RateLimited counts multicast questions not answered because the same
	// question was answered less than a second earlier.
	RateLimited uint64

	// Conflicts counts entries that lost their name.
	Conflicts uint64

	ParseErrors uint64
	Dropped     uint64
	NoBufs      uint64
}
